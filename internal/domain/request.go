package domain

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	idperrors "github.com/tendant/tenant-idp/internal/errors"
)

// AuthorizationRequestParams are the raw inputs of an authorization request after
// query parameters and an optional request object have been merged.
type AuthorizationRequestParams struct {
	TenantID string
	Profile  Profile

	ClientID                  string
	RedirectURI               string
	ResponseType              string
	Scope                     string
	State                     string
	Nonce                     string
	Display                   string
	Prompt                    string
	MaxAge                    string
	UILocales                 string
	IDTokenHint               string
	LoginHint                 string
	AcrValues                 string
	Claims                    string
	CodeChallenge             string
	CodeChallengeMethod       string
	AuthorizationDetails      string
	PresentationDefinition    string
	PresentationDefinitionURI string
	CustomParams              map[string]string

	// RequestObject is true when the parameters came from a verified request object.
	RequestObject bool

	TTL time.Duration
	Now time.Time
}

// knownAuthorizationParams are the parameter names with a dedicated field.
var knownAuthorizationParams = map[string]bool{
	"response_type": true, "client_id": true, "redirect_uri": true, "scope": true,
	"state": true, "nonce": true, "display": true, "prompt": true, "max_age": true,
	"ui_locales": true, "id_token_hint": true, "login_hint": true, "acr_values": true,
	"claims": true, "request": true, "request_uri": true, "code_challenge": true,
	"code_challenge_method": true, "authorization_details": true,
	"presentation_definition": true, "presentation_definition_uri": true,
}

// AuthorizationParamsFromValues copies form or query values into params.
// Unknown parameters are kept as custom params.
func AuthorizationParamsFromValues(v url.Values) AuthorizationRequestParams {
	p := AuthorizationRequestParams{
		ClientID:                  v.Get("client_id"),
		RedirectURI:               v.Get("redirect_uri"),
		ResponseType:              v.Get("response_type"),
		Scope:                     v.Get("scope"),
		State:                     v.Get("state"),
		Nonce:                     v.Get("nonce"),
		Display:                   v.Get("display"),
		Prompt:                    v.Get("prompt"),
		MaxAge:                    v.Get("max_age"),
		UILocales:                 v.Get("ui_locales"),
		IDTokenHint:               v.Get("id_token_hint"),
		LoginHint:                 v.Get("login_hint"),
		AcrValues:                 v.Get("acr_values"),
		Claims:                    v.Get("claims"),
		CodeChallenge:             v.Get("code_challenge"),
		CodeChallengeMethod:       v.Get("code_challenge_method"),
		AuthorizationDetails:      v.Get("authorization_details"),
		PresentationDefinition:    v.Get("presentation_definition"),
		PresentationDefinitionURI: v.Get("presentation_definition_uri"),
	}
	for k := range v {
		if knownAuthorizationParams[k] {
			continue
		}
		if p.CustomParams == nil {
			p.CustomParams = make(map[string]string)
		}
		p.CustomParams[k] = v.Get(k)
	}
	return p
}

// AuthorizationRequest is the canonical, immutable form of an authorization request.
// It can only be obtained from NewAuthorizationRequest or from storage.
type AuthorizationRequest struct {
	id       string
	tenantID string
	profile  Profile

	clientID                  string
	redirectURI               string
	responseType              string
	scopes                    Scopes
	state                     string
	nonce                     string
	display                   string
	prompt                    []string
	maxAge                    *int
	uiLocales                 string
	idTokenHint               string
	loginHint                 string
	acrValues                 []string
	claims                    RequestedClaims
	codeChallenge             string
	codeChallengeMethod       string
	authorizationDetails      json.RawMessage
	presentationDefinition    json.RawMessage
	presentationDefinitionURI string
	customParams              map[string]string
	requestObject             bool

	createdAt time.Time
	expiresAt time.Time
}

// NewAuthorizationRequest validates the shape of params and returns an immutable
// request with a freshly assigned identifier. Profile rules are not checked here.
func NewAuthorizationRequest(p AuthorizationRequestParams) (*AuthorizationRequest, error) {
	if p.TenantID == "" {
		return nil, idperrors.ClientError("", "tenant is required")
	}
	if p.ClientID == "" {
		return nil, idperrors.ClientError("", "client_id is required")
	}

	var maxAge *int
	if p.MaxAge != "" {
		v, err := strconv.Atoi(p.MaxAge)
		if err != nil {
			return nil, idperrors.ClientError("", "max_age must be an integer")
		}
		maxAge = &v
	}

	claims, err := ParseRequestedClaims(p.Claims)
	if err != nil {
		return nil, err
	}

	var details json.RawMessage
	if p.AuthorizationDetails != "" {
		if !gjson.Valid(p.AuthorizationDetails) || !gjson.Parse(p.AuthorizationDetails).IsArray() {
			return nil, idperrors.ClientError("invalid_authorization_details", "authorization_details must be a JSON array")
		}
		details = json.RawMessage(p.AuthorizationDetails)
	}

	var presentation json.RawMessage
	if p.PresentationDefinition != "" {
		if p.PresentationDefinitionURI != "" {
			return nil, idperrors.ClientError("", "presentation_definition and presentation_definition_uri are mutually exclusive")
		}
		if !gjson.Valid(p.PresentationDefinition) {
			return nil, idperrors.ClientError("", "presentation_definition is not valid JSON")
		}
		presentation = json.RawMessage(p.PresentationDefinition)
	}

	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultAuthorizationRequestTTL
	}
	profile := p.Profile
	if profile == "" {
		profile = ProfileOAuth2
	}

	custom := make(map[string]string, len(p.CustomParams))
	for k, v := range p.CustomParams {
		custom[k] = v
	}

	return &AuthorizationRequest{
		id:                        uuid.New().String(),
		tenantID:                  p.TenantID,
		profile:                   profile,
		clientID:                  p.ClientID,
		redirectURI:               p.RedirectURI,
		responseType:              p.ResponseType,
		scopes:                    ParseScopes(p.Scope),
		state:                     p.State,
		nonce:                     p.Nonce,
		display:                   p.Display,
		prompt:                    strings.Fields(p.Prompt),
		maxAge:                    maxAge,
		uiLocales:                 p.UILocales,
		idTokenHint:               p.IDTokenHint,
		loginHint:                 p.LoginHint,
		acrValues:                 strings.Fields(p.AcrValues),
		claims:                    claims,
		codeChallenge:             p.CodeChallenge,
		codeChallengeMethod:       p.CodeChallengeMethod,
		authorizationDetails:      details,
		presentationDefinition:    presentation,
		presentationDefinitionURI: p.PresentationDefinitionURI,
		customParams:              custom,
		requestObject:             p.RequestObject,
		createdAt:                 now,
		expiresAt:                 now.Add(ttl),
	}, nil
}

func (r *AuthorizationRequest) ID() string                  { return r.id }
func (r *AuthorizationRequest) TenantID() string            { return r.tenantID }
func (r *AuthorizationRequest) Profile() Profile            { return r.profile }
func (r *AuthorizationRequest) ClientID() string            { return r.clientID }
func (r *AuthorizationRequest) RedirectURI() string         { return r.redirectURI }
func (r *AuthorizationRequest) HasRedirectURI() bool        { return r.redirectURI != "" }
func (r *AuthorizationRequest) ResponseType() string        { return r.responseType }
func (r *AuthorizationRequest) State() string               { return r.state }
func (r *AuthorizationRequest) HasState() bool              { return r.state != "" }
func (r *AuthorizationRequest) Nonce() string               { return r.nonce }
func (r *AuthorizationRequest) HasNonce() bool              { return r.nonce != "" }
func (r *AuthorizationRequest) Display() string             { return r.display }
func (r *AuthorizationRequest) UILocales() string           { return r.uiLocales }
func (r *AuthorizationRequest) IDTokenHint() string         { return r.idTokenHint }
func (r *AuthorizationRequest) LoginHint() string           { return r.loginHint }
func (r *AuthorizationRequest) Claims() RequestedClaims     { return r.claims }
func (r *AuthorizationRequest) CodeChallenge() string       { return r.codeChallenge }
func (r *AuthorizationRequest) CodeChallengeMethod() string { return r.codeChallengeMethod }
func (r *AuthorizationRequest) HasPKCE() bool               { return r.codeChallenge != "" }
func (r *AuthorizationRequest) IsRequestObject() bool       { return r.requestObject }
func (r *AuthorizationRequest) CreatedAt() time.Time        { return r.createdAt }
func (r *AuthorizationRequest) ExpiresAt() time.Time        { return r.expiresAt }

func (r *AuthorizationRequest) PresentationDefinitionURI() string {
	return r.presentationDefinitionURI
}

// Scopes returns a copy of the requested scopes.
func (r *AuthorizationRequest) Scopes() Scopes {
	return append(Scopes(nil), r.scopes...)
}

// IsOIDC reports whether the request is an OpenID Connect request.
func (r *AuthorizationRequest) IsOIDC() bool {
	return r.scopes.HasOpenID()
}

// Prompt returns a copy of the prompt values.
func (r *AuthorizationRequest) Prompt() []string {
	return append([]string(nil), r.prompt...)
}

// AcrValues returns a copy of the requested acr values.
func (r *AuthorizationRequest) AcrValues() []string {
	return append([]string(nil), r.acrValues...)
}

// MaxAge returns max_age and whether it was sent.
func (r *AuthorizationRequest) MaxAge() (int, bool) {
	if r.maxAge == nil {
		return 0, false
	}
	return *r.maxAge, true
}

// AuthorizationDetails returns the raw RAR array, or nil.
func (r *AuthorizationRequest) AuthorizationDetails() json.RawMessage {
	return append(json.RawMessage(nil), r.authorizationDetails...)
}

// PresentationDefinition returns the raw presentation definition, or nil.
func (r *AuthorizationRequest) PresentationDefinition() json.RawMessage {
	return append(json.RawMessage(nil), r.presentationDefinition...)
}

// CustomParams returns a copy of the unrecognized parameters.
func (r *AuthorizationRequest) CustomParams() map[string]string {
	out := make(map[string]string, len(r.customParams))
	for k, v := range r.customParams {
		out[k] = v
	}
	return out
}

// IsExpired reports whether the request can no longer be completed.
func (r *AuthorizationRequest) IsExpired(now time.Time) bool {
	return now.After(r.expiresAt)
}

type authorizationRequestJSON struct {
	ID                        string            `json:"id"`
	TenantID                  string            `json:"tenant_id"`
	Profile                   Profile           `json:"profile"`
	ClientID                  string            `json:"client_id"`
	RedirectURI               string            `json:"redirect_uri,omitempty"`
	ResponseType              string            `json:"response_type,omitempty"`
	Scopes                    Scopes            `json:"scopes,omitempty"`
	State                     string            `json:"state,omitempty"`
	Nonce                     string            `json:"nonce,omitempty"`
	Display                   string            `json:"display,omitempty"`
	Prompt                    []string          `json:"prompt,omitempty"`
	MaxAge                    *int              `json:"max_age,omitempty"`
	UILocales                 string            `json:"ui_locales,omitempty"`
	IDTokenHint               string            `json:"id_token_hint,omitempty"`
	LoginHint                 string            `json:"login_hint,omitempty"`
	AcrValues                 []string          `json:"acr_values,omitempty"`
	Claims                    RequestedClaims   `json:"claims"`
	CodeChallenge             string            `json:"code_challenge,omitempty"`
	CodeChallengeMethod       string            `json:"code_challenge_method,omitempty"`
	AuthorizationDetails      json.RawMessage   `json:"authorization_details,omitempty"`
	PresentationDefinition    json.RawMessage   `json:"presentation_definition,omitempty"`
	PresentationDefinitionURI string            `json:"presentation_definition_uri,omitempty"`
	CustomParams              map[string]string `json:"custom_params,omitempty"`
	RequestObject             bool              `json:"request_object,omitempty"`
	CreatedAt                 time.Time         `json:"created_at"`
	ExpiresAt                 time.Time         `json:"expires_at"`
}

// MarshalJSON encodes the request for storage.
func (r *AuthorizationRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(authorizationRequestJSON{
		ID:                        r.id,
		TenantID:                  r.tenantID,
		Profile:                   r.profile,
		ClientID:                  r.clientID,
		RedirectURI:               r.redirectURI,
		ResponseType:              r.responseType,
		Scopes:                    r.scopes,
		State:                     r.state,
		Nonce:                     r.nonce,
		Display:                   r.display,
		Prompt:                    r.prompt,
		MaxAge:                    r.maxAge,
		UILocales:                 r.uiLocales,
		IDTokenHint:               r.idTokenHint,
		LoginHint:                 r.loginHint,
		AcrValues:                 r.acrValues,
		Claims:                    r.claims,
		CodeChallenge:             r.codeChallenge,
		CodeChallengeMethod:       r.codeChallengeMethod,
		AuthorizationDetails:      r.authorizationDetails,
		PresentationDefinition:    r.presentationDefinition,
		PresentationDefinitionURI: r.presentationDefinitionURI,
		CustomParams:              r.customParams,
		RequestObject:             r.requestObject,
		CreatedAt:                 r.createdAt,
		ExpiresAt:                 r.expiresAt,
	})
}

// UnmarshalJSON rehydrates a stored request. It is only meant for repositories.
func (r *AuthorizationRequest) UnmarshalJSON(b []byte) error {
	var v authorizationRequestJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*r = AuthorizationRequest{
		id:                        v.ID,
		tenantID:                  v.TenantID,
		profile:                   v.Profile,
		clientID:                  v.ClientID,
		redirectURI:               v.RedirectURI,
		responseType:              v.ResponseType,
		scopes:                    v.Scopes,
		state:                     v.State,
		nonce:                     v.Nonce,
		display:                   v.Display,
		prompt:                    v.Prompt,
		maxAge:                    v.MaxAge,
		uiLocales:                 v.UILocales,
		idTokenHint:               v.IDTokenHint,
		loginHint:                 v.LoginHint,
		acrValues:                 v.AcrValues,
		claims:                    v.Claims,
		codeChallenge:             v.CodeChallenge,
		codeChallengeMethod:       v.CodeChallengeMethod,
		authorizationDetails:      v.AuthorizationDetails,
		presentationDefinition:    v.PresentationDefinition,
		presentationDefinitionURI: v.PresentationDefinitionURI,
		customParams:              v.CustomParams,
		requestObject:             v.RequestObject,
		createdAt:                 v.CreatedAt,
		expiresAt:                 v.ExpiresAt,
	}
	return nil
}
