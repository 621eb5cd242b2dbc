// Package domain defines the core types for the multi-tenant identity provider.
package domain

import (
	"strings"
)

// Profile is the negotiated security profile a request is verified against.
type Profile string

const (
	ProfileOAuth2       Profile = "oauth2"
	ProfileOIDC         Profile = "oidc"
	ProfileFAPIBaseline Profile = "fapi_baseline"
	ProfileFAPICIBA     Profile = "fapi_ciba"
)

// ClientAuthMethod is a token_endpoint_auth_method value.
type ClientAuthMethod string

const (
	ClientAuthNone                    ClientAuthMethod = "none"
	ClientAuthSecretBasic             ClientAuthMethod = "client_secret_basic"
	ClientAuthSecretPost              ClientAuthMethod = "client_secret_post"
	ClientAuthSecretJWT               ClientAuthMethod = "client_secret_jwt"
	ClientAuthPrivateKeyJWT           ClientAuthMethod = "private_key_jwt"
	ClientAuthTLSClientAuth           ClientAuthMethod = "tls_client_auth"
	ClientAuthSelfSignedTLSClientAuth ClientAuthMethod = "self_signed_tls_client_auth"
)

// IsSecretBased reports whether the method proves possession of a shared secret
// sent over the wire.
func (m ClientAuthMethod) IsSecretBased() bool {
	return m == ClientAuthSecretBasic || m == ClientAuthSecretPost
}

// IsMTLS reports whether the method binds the client to a TLS certificate.
func (m ClientAuthMethod) IsMTLS() bool {
	return m == ClientAuthTLSClientAuth || m == ClientAuthSelfSignedTLSClientAuth
}

// GrantType is a token endpoint grant_type value.
type GrantType string

const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeRefreshToken      GrantType = "refresh_token"
	GrantTypeClientCredentials GrantType = "client_credentials"
	GrantTypeJWTBearer         GrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	GrantTypeCIBA              GrantType = "urn:openid:params:grant-type:ciba"
)

// ResponseType is an authorization endpoint response_type value.
type ResponseType string

const (
	ResponseTypeCode ResponseType = "code"
)

// ClientAssertionTypeJWTBearer is the only supported client_assertion_type.
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ScopeOpenID marks a request as an OpenID Connect request.
const ScopeOpenID = "openid"

// Scopes is a parsed, ordered, de-duplicated scope list.
type Scopes []string

// ParseScopes splits a space delimited scope string.
func ParseScopes(scope string) Scopes {
	fields := strings.Fields(scope)
	out := make(Scopes, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// Contains reports whether scope is present.
func (s Scopes) Contains(scope string) bool {
	for _, v := range s {
		if v == scope {
			return true
		}
	}
	return false
}

// ContainsAny reports whether any of the given scopes is present.
func (s Scopes) ContainsAny(scopes []string) bool {
	for _, v := range scopes {
		if s.Contains(v) {
			return true
		}
	}
	return false
}

// HasOpenID reports whether the openid scope is present.
func (s Scopes) HasOpenID() bool {
	return s.Contains(ScopeOpenID)
}

// String joins the scopes with spaces.
func (s Scopes) String() string {
	return strings.Join(s, " ")
}
