package oidc

import (
	"context"
	"fmt"

	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/store"
)

// RefreshTokenGrant exchanges refresh tokens.
type RefreshTokenGrant struct {
	tokens store.OAuthTokenRepository
	users  store.UserRepository
	issuer *TokenIssuer
}

// NewRefreshTokenGrant creates the refresh_token grant service.
func NewRefreshTokenGrant(tokens store.OAuthTokenRepository, users store.UserRepository, issuer *TokenIssuer) *RefreshTokenGrant {
	return &RefreshTokenGrant{tokens: tokens, users: users, issuer: issuer}
}

// Grant verifies the refresh token and the current status of its user, then
// replaces the old bundle. The refresh token value only changes when the
// tenant rotates refresh tokens.
func (g *RefreshTokenGrant) Grant(ctx context.Context, tc *TokenRequestContext) (*TokenResponse, error) {
	req := tc.Request
	tenantID := tc.Server.TenantID
	if req.RefreshToken == "" {
		return nil, idperrors.ClientError("", "refresh_token is required")
	}

	token, err := g.tokens.FindByRefreshToken(ctx, tenantID, req.RefreshToken)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.BadGrant("refresh token is invalid")
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if token.Grant.ClientID != tc.Client.ClientID {
		return nil, idperrors.BadGrant("refresh token was not issued to this client")
	}
	if token.IsRefreshTokenExpired(tc.Now) {
		return nil, idperrors.BadGrant("refresh token has expired")
	}

	// Refresh tokens outlive status changes, so the user is checked every time.
	if token.Grant.HasUser() {
		user, err := g.users.Get(ctx, tenantID, token.Grant.UserSub)
		if err != nil {
			if idperrors.IsCode(err, idperrors.CodeNotFound) {
				return nil, idperrors.BadGrant("user of the refresh token no longer exists")
			}
			return nil, fmt.Errorf("failed to get user: %w", err)
		}
		if !user.Status.IsActive() {
			return nil, idperrors.BadGrant("user is not active: " + string(user.Status))
		}
	}

	grant := token.Grant
	if req.Scope != "" {
		requested := domain.ParseScopes(req.Scope)
		for _, s := range requested {
			if !grant.Scopes.Contains(s) {
				return nil, idperrors.InvalidScope("scope " + s + " was not granted originally")
			}
		}
		grant.Scopes = requested
	}

	if _, err := g.tokens.ConsumeByRefreshToken(ctx, tenantID, req.RefreshToken); err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.BadGrant("refresh token has already been used")
		}
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	issue := IssueRequest{
		Server:      tc.Server,
		Client:      tc.Client,
		Credentials: tc.Credentials,
		GrantType:   tc.GrantType,
		Grant:       grant,
	}
	if !tc.Server.RotateRefreshToken {
		issue.RefreshToken = token.RefreshToken
		issue.RefreshExpiresAt = token.RefreshTokenExpiresAt
	}
	return g.issuer.Issue(ctx, issue)
}
