package domain

import (
	"time"
)

// OAuthToken is an issued access/refresh/ID token bundle tied to a grant.
type OAuthToken struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`

	AccessToken          string    `json:"access_token"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at"`

	RefreshToken          string    `json:"refresh_token,omitempty"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at,omitempty"`

	IDToken string `json:"id_token,omitempty"`

	Grant AuthorizationGrant `json:"grant"`

	// CertificateThumbprint binds the access token to an mTLS certificate (cnf.x5t#S256).
	CertificateThumbprint string `json:"certificate_thumbprint,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HasRefreshToken reports whether a refresh token was issued.
func (t *OAuthToken) HasRefreshToken() bool {
	return t.RefreshToken != ""
}

// IsAccessTokenExpired checks the access token expiry at now.
func (t *OAuthToken) IsAccessTokenExpired(now time.Time) bool {
	return now.After(t.AccessTokenExpiresAt)
}

// IsRefreshTokenExpired checks the refresh token expiry at now.
func (t *OAuthToken) IsRefreshTokenExpired(now time.Time) bool {
	return now.After(t.RefreshTokenExpiresAt)
}

// ExpiresAt is the latest instant any part of the bundle is usable.
func (t *OAuthToken) ExpiresAt() time.Time {
	if t.RefreshTokenExpiresAt.After(t.AccessTokenExpiresAt) {
		return t.RefreshTokenExpiresAt
	}
	return t.AccessTokenExpiresAt
}
