package domain

import (
	"strings"
	"time"
)

// Token delivery modes for CIBA.
const (
	DeliveryModePoll = "poll"
	DeliveryModePing = "ping"
	DeliveryModePush = "push"
)

// TrustedIssuer is a third party whose JWTs are accepted as jwt-bearer grants.
type TrustedIssuer struct {
	Issuer string `json:"issuer"`
	// JWKS is the issuer's public key set as a JSON document.
	JWKS string `json:"jwks"`
	// SubjectClaim names the user attribute the assertion sub maps to: "sub" (default),
	// "username", "email" or "external_user_id".
	SubjectClaim string `json:"subject_claim,omitempty"`
}

// ServerConfiguration is the per-tenant authorization server configuration.
// It is read-only once loaded.
type ServerConfiguration struct {
	TenantID string `json:"tenant_id"`
	Issuer   string `json:"issuer"`

	AuthorizationEndpoint             string `json:"authorization_endpoint"`
	TokenEndpoint                     string `json:"token_endpoint"`
	UserinfoEndpoint                  string `json:"userinfo_endpoint"`
	JWKSURI                           string `json:"jwks_uri"`
	BackchannelAuthenticationEndpoint string `json:"backchannel_authentication_endpoint,omitempty"`
	RevocationEndpoint                string `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint             string `json:"introspection_endpoint,omitempty"`

	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported,omitempty"`

	// FAPIBaselineScopes promote a request to the FAPI Baseline profile.
	FAPIBaselineScopes []string `json:"fapi_baseline_scopes,omitempty"`

	AuthorizationCodeTTL      Duration `json:"authorization_code_ttl"`
	AuthorizationRequestTTL   Duration `json:"authorization_request_ttl"`
	AccessTokenTTL            Duration `json:"access_token_ttl"`
	RefreshTokenTTL           Duration `json:"refresh_token_ttl"`
	IDTokenTTL                Duration `json:"id_token_ttl"`
	RotateRefreshToken        bool     `json:"rotate_refresh_token"`
	IDTokenStrictMode         bool     `json:"id_token_strict_mode"`
	TLSCertificateBoundTokens bool     `json:"tls_client_certificate_bound_access_tokens"`

	BackchannelTokenDeliveryModesSupported []string `json:"backchannel_token_delivery_modes_supported,omitempty"`
	BackchannelUserCodeParameterSupported  bool     `json:"backchannel_user_code_parameter_supported"`
	BackchannelAuthRequestExpiresIn        Duration `json:"backchannel_auth_request_expires_in"`
	BackchannelPollingInterval             Duration `json:"backchannel_polling_interval"`

	TrustedIssuers []TrustedIssuer `json:"trusted_issuers,omitempty"`
}

// Default lifetimes applied when a tenant document leaves them unset.
const (
	DefaultAuthorizationCodeTTL    = 10 * time.Minute
	DefaultAuthorizationRequestTTL = 30 * time.Minute
	DefaultAccessTokenTTL          = 15 * time.Minute
	DefaultRefreshTokenTTL         = 7 * 24 * time.Hour
	DefaultIDTokenTTL              = time.Hour
	DefaultBackchannelExpiresIn    = 5 * time.Minute
	DefaultBackchannelInterval     = 5 * time.Second
)

// NewServerConfiguration returns a tenant served under baseURL/tenantID with
// every endpoint mounted and the authorization code, refresh token, client
// credentials and CIBA poll grants enabled.
func NewServerConfiguration(tenantID, baseURL string) ServerConfiguration {
	issuer := strings.TrimRight(baseURL, "/") + "/" + tenantID
	return ServerConfiguration{
		TenantID:                          tenantID,
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/v1/authorizations",
		TokenEndpoint:                     issuer + "/v1/tokens",
		UserinfoEndpoint:                  issuer + "/v1/userinfo",
		JWKSURI:                           issuer + "/v1/jwks",
		BackchannelAuthenticationEndpoint: issuer + "/v1/backchannel/authentications",
		RevocationEndpoint:                issuer + "/v1/tokens/revocation",
		IntrospectionEndpoint:             issuer + "/v1/tokens/introspection",
		ScopesSupported:                   []string{"openid", "profile", "email", "address", "phone", "offline_access"},
		ResponseTypesSupported:            []string{string(ResponseTypeCode)},
		GrantTypesSupported: []string{
			string(GrantTypeAuthorizationCode),
			string(GrantTypeRefreshToken),
			string(GrantTypeClientCredentials),
			string(GrantTypeCIBA),
		},
		TokenEndpointAuthMethodsSupported: []string{
			string(ClientAuthSecretBasic),
			string(ClientAuthSecretPost),
			string(ClientAuthSecretJWT),
			string(ClientAuthPrivateKeyJWT),
			string(ClientAuthTLSClientAuth),
			string(ClientAuthSelfSignedTLSClientAuth),
		},
		RotateRefreshToken:                     true,
		BackchannelTokenDeliveryModesSupported: []string{DeliveryModePoll, DeliveryModePing},
	}
}

func orDefault(d Duration, def time.Duration) time.Duration {
	if d.Duration <= 0 {
		return def
	}
	return d.Duration
}

func (s *ServerConfiguration) CodeTTL() time.Duration {
	return orDefault(s.AuthorizationCodeTTL, DefaultAuthorizationCodeTTL)
}

func (s *ServerConfiguration) RequestTTL() time.Duration {
	return orDefault(s.AuthorizationRequestTTL, DefaultAuthorizationRequestTTL)
}

func (s *ServerConfiguration) AccessTTL() time.Duration {
	return orDefault(s.AccessTokenTTL, DefaultAccessTokenTTL)
}

func (s *ServerConfiguration) RefreshTTL() time.Duration {
	return orDefault(s.RefreshTokenTTL, DefaultRefreshTokenTTL)
}

func (s *ServerConfiguration) IDTTL() time.Duration {
	return orDefault(s.IDTokenTTL, DefaultIDTokenTTL)
}

func (s *ServerConfiguration) BackchannelExpiresIn() time.Duration {
	return orDefault(s.BackchannelAuthRequestExpiresIn, DefaultBackchannelExpiresIn)
}

func (s *ServerConfiguration) BackchannelInterval() time.Duration {
	return orDefault(s.BackchannelPollingInterval, DefaultBackchannelInterval)
}

// SupportsGrantType reports whether the tenant enables the grant type.
func (s *ServerConfiguration) SupportsGrantType(gt GrantType) bool {
	return containsString(s.GrantTypesSupported, string(gt))
}

// SupportsResponseType reports whether the tenant enables the response type.
func (s *ServerConfiguration) SupportsResponseType(rt string) bool {
	return containsString(s.ResponseTypesSupported, rt)
}

// SupportsDeliveryMode reports whether the tenant enables a CIBA token delivery mode.
func (s *ServerConfiguration) SupportsDeliveryMode(mode string) bool {
	return containsString(s.BackchannelTokenDeliveryModesSupported, mode)
}

// IsFAPIBaselineRequest reports whether any requested scope is a FAPI Baseline scope.
func (s *ServerConfiguration) IsFAPIBaselineRequest(scopes Scopes) bool {
	return scopes.ContainsAny(s.FAPIBaselineScopes)
}

// TrustedIssuer returns the jwt-bearer issuer entry for iss.
func (s *ServerConfiguration) TrustedIssuer(iss string) (*TrustedIssuer, bool) {
	for i := range s.TrustedIssuers {
		if s.TrustedIssuers[i].Issuer == iss {
			return &s.TrustedIssuers[i], true
		}
	}
	return nil, false
}

// Audiences lists the values accepted as the aud of a client assertion.
func (s *ServerConfiguration) Audiences() []string {
	var out []string
	for _, v := range []string{s.Issuer, s.TokenEndpoint, s.BackchannelAuthenticationEndpoint} {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Duration is a time.Duration that reads "15m" style strings or seconds from JSON.
type Duration struct {
	time.Duration
}

// MarshalJSON encodes the duration as a Go duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		d.Duration = 0
		return nil
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		d.Duration = parsed
		return nil
	}
	secs, err := time.ParseDuration(s + "s")
	if err != nil {
		return err
	}
	d.Duration = secs
	return nil
}
