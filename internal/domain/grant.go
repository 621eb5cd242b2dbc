package domain

import (
	"crypto/x509"
	"encoding/json"
	"time"
)

// AuthorizationGrant is a consented association of user, client, scope and claims.
type AuthorizationGrant struct {
	TenantID string `json:"tenant_id"`
	ClientID string `json:"client_id"`
	// UserSub is empty for client_credentials grants.
	UserSub string `json:"user_sub,omitempty"`
	Scopes  Scopes `json:"scopes"`

	// IDTokenClaims and UserinfoClaims are the granted claim names.
	IDTokenClaims  []string `json:"id_token_claims,omitempty"`
	UserinfoClaims []string `json:"userinfo_claims,omitempty"`

	// Set only when verified_claims was granted for that target.
	IDTokenVerifiedClaims  *VerifiedClaimsRequest `json:"id_token_verified_claims,omitempty"`
	UserinfoVerifiedClaims *VerifiedClaimsRequest `json:"userinfo_verified_claims,omitempty"`

	AuthorizationDetails json.RawMessage `json:"authorization_details,omitempty"`

	AuthTime time.Time `json:"auth_time,omitempty"`
	ACR      string    `json:"acr,omitempty"`
	AMR      []string  `json:"amr,omitempty"`
}

// HasUser reports whether the grant was consented by an end-user.
func (g *AuthorizationGrant) HasUser() bool {
	return g.UserSub != ""
}

// AuthorizationCodeGrant links an issued code to its consented grant. Single use.
type AuthorizationCodeGrant struct {
	Code                   string             `json:"code"`
	TenantID               string             `json:"tenant_id"`
	AuthorizationRequestID string             `json:"authorization_request_id"`
	Grant                  AuthorizationGrant `json:"grant"`
	// RedirectURI is the redirect_uri of the original request, empty when it had none.
	RedirectURI         string    `json:"redirect_uri,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// IsExpired checks if the code has expired at now.
func (c *AuthorizationCodeGrant) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// ClientCredentials is the per-request proof of client authentication. Never persisted.
type ClientCredentials struct {
	Method   ClientAuthMethod
	ClientID string
	// Certificate is the presented mTLS certificate, if any.
	Certificate *x509.Certificate
	// CertificateThumbprint is the base64url SHA-256 of Certificate (x5t#S256).
	CertificateThumbprint string
	// AssertionClaims are the verified claims of a client assertion, if any.
	AssertionClaims map[string]any
}

// IsCertificateBound reports whether a certificate was presented.
func (c *ClientCredentials) IsCertificateBound() bool {
	return c != nil && c.CertificateThumbprint != ""
}
