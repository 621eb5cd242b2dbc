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

// BackchannelAuthenticationRequestParams are the merged inputs of a CIBA request.
type BackchannelAuthenticationRequestParams struct {
	TenantID string
	Profile  Profile
	ClientID string

	Scope                   string
	ClientNotificationToken string
	AcrValues               string
	LoginHintToken          string
	IDTokenHint             string
	LoginHint               string
	BindingMessage          string
	UserCode                string
	RequestedExpiry         string
	AuthorizationDetails    string

	RequestObject bool
}

// BackchannelParamsFromValues copies form values into params.
func BackchannelParamsFromValues(v url.Values) BackchannelAuthenticationRequestParams {
	return BackchannelAuthenticationRequestParams{
		ClientID:                v.Get("client_id"),
		Scope:                   v.Get("scope"),
		ClientNotificationToken: v.Get("client_notification_token"),
		AcrValues:               v.Get("acr_values"),
		LoginHintToken:          v.Get("login_hint_token"),
		IDTokenHint:             v.Get("id_token_hint"),
		LoginHint:               v.Get("login_hint"),
		BindingMessage:          v.Get("binding_message"),
		UserCode:                v.Get("user_code"),
		RequestedExpiry:         v.Get("requested_expiry"),
		AuthorizationDetails:    v.Get("authorization_details"),
	}
}

// BackchannelAuthenticationRequest is the immutable form of a CIBA request.
// It is keyed by an auth_req_id rather than a redirect.
type BackchannelAuthenticationRequest struct {
	authReqID string
	tenantID  string
	profile   Profile
	clientID  string

	scopes                  Scopes
	clientNotificationToken string
	acrValues               []string
	loginHintToken          string
	idTokenHint             string
	loginHint               string
	bindingMessage          string
	userCode                string
	requestedExpiry         *int
	authorizationDetails    json.RawMessage
	requestObject           bool
}

// NewBackchannelAuthenticationRequest validates the shape of params and assigns the auth_req_id.
func NewBackchannelAuthenticationRequest(p BackchannelAuthenticationRequestParams) (*BackchannelAuthenticationRequest, error) {
	if p.TenantID == "" {
		return nil, idperrors.ClientError("", "tenant is required")
	}
	if p.ClientID == "" {
		return nil, idperrors.ClientError("", "client_id is required")
	}

	var expiry *int
	if p.RequestedExpiry != "" {
		v, err := strconv.Atoi(p.RequestedExpiry)
		if err != nil || v <= 0 {
			return nil, idperrors.ClientError("", "requested_expiry must be a positive integer")
		}
		expiry = &v
	}

	var details json.RawMessage
	if p.AuthorizationDetails != "" {
		if !gjson.Valid(p.AuthorizationDetails) || !gjson.Parse(p.AuthorizationDetails).IsArray() {
			return nil, idperrors.ClientError("invalid_authorization_details", "authorization_details must be a JSON array")
		}
		details = json.RawMessage(p.AuthorizationDetails)
	}

	profile := p.Profile
	if profile == "" {
		profile = ProfileOIDC
	}

	return &BackchannelAuthenticationRequest{
		authReqID:               uuid.New().String(),
		tenantID:                p.TenantID,
		profile:                 profile,
		clientID:                p.ClientID,
		scopes:                  ParseScopes(p.Scope),
		clientNotificationToken: p.ClientNotificationToken,
		acrValues:               strings.Fields(p.AcrValues),
		loginHintToken:          p.LoginHintToken,
		idTokenHint:             p.IDTokenHint,
		loginHint:               p.LoginHint,
		bindingMessage:          p.BindingMessage,
		userCode:                p.UserCode,
		requestedExpiry:         expiry,
		authorizationDetails:    details,
		requestObject:           p.RequestObject,
	}, nil
}

func (r *BackchannelAuthenticationRequest) AuthReqID() string               { return r.authReqID }
func (r *BackchannelAuthenticationRequest) TenantID() string                { return r.tenantID }
func (r *BackchannelAuthenticationRequest) Profile() Profile                { return r.profile }
func (r *BackchannelAuthenticationRequest) ClientID() string                { return r.clientID }
func (r *BackchannelAuthenticationRequest) ClientNotificationToken() string { return r.clientNotificationToken }
func (r *BackchannelAuthenticationRequest) LoginHintToken() string          { return r.loginHintToken }
func (r *BackchannelAuthenticationRequest) IDTokenHint() string             { return r.idTokenHint }
func (r *BackchannelAuthenticationRequest) LoginHint() string               { return r.loginHint }
func (r *BackchannelAuthenticationRequest) BindingMessage() string          { return r.bindingMessage }
func (r *BackchannelAuthenticationRequest) UserCode() string                { return r.userCode }
func (r *BackchannelAuthenticationRequest) IsRequestObject() bool           { return r.requestObject }

// Scopes returns a copy of the requested scopes.
func (r *BackchannelAuthenticationRequest) Scopes() Scopes {
	return append(Scopes(nil), r.scopes...)
}

// AcrValues returns a copy of the requested acr values.
func (r *BackchannelAuthenticationRequest) AcrValues() []string {
	return append([]string(nil), r.acrValues...)
}

// RequestedExpiry returns requested_expiry in seconds and whether it was sent.
func (r *BackchannelAuthenticationRequest) RequestedExpiry() (int, bool) {
	if r.requestedExpiry == nil {
		return 0, false
	}
	return *r.requestedExpiry, true
}

// AuthorizationDetails returns the raw RAR array, or nil.
func (r *BackchannelAuthenticationRequest) AuthorizationDetails() json.RawMessage {
	return append(json.RawMessage(nil), r.authorizationDetails...)
}

// HintCount returns how many of login_hint_token, id_token_hint and login_hint were sent.
func (r *BackchannelAuthenticationRequest) HintCount() int {
	n := 0
	for _, h := range []string{r.loginHintToken, r.idTokenHint, r.loginHint} {
		if h != "" {
			n++
		}
	}
	return n
}

// CibaGrantStatus is the state of a backchannel authentication request.
type CibaGrantStatus string

const (
	CibaStatusRequested  CibaGrantStatus = "REQUESTED"
	CibaStatusAuthorized CibaGrantStatus = "AUTHORIZED"
	CibaStatusDenied     CibaGrantStatus = "DENIED"
	CibaStatusExpired    CibaGrantStatus = "EXPIRED"
)

// CibaGrant links an auth_req_id to the user and grant being authorized. Single use.
type CibaGrant struct {
	AuthReqID string          `json:"auth_req_id"`
	TenantID  string          `json:"tenant_id"`
	ClientID  string          `json:"client_id"`
	Status    CibaGrantStatus `json:"status"`

	Grant AuthorizationGrant `json:"grant"`

	BindingMessage          string `json:"binding_message,omitempty"`
	DeliveryMode            string `json:"delivery_mode"`
	ClientNotificationToken string `json:"client_notification_token,omitempty"`
	PolicyID                string `json:"policy_id,omitempty"`

	Interval  Duration  `json:"interval"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired checks the request expiry at now.
func (g *CibaGrant) IsExpired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}
