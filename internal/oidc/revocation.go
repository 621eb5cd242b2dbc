package oidc

import (
	"context"
	"fmt"

	"github.com/tendant/tenant-idp/internal/clientauth"
	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/metrics"
)

// Token type hints (RFC 7009 section 2.1).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// IntrospectionResponse represents the introspection response (RFC 7662).
type IntrospectionResponse struct {
	Active    bool              `json:"active"`
	Scope     string            `json:"scope,omitempty"`
	ClientID  string            `json:"client_id,omitempty"`
	TokenType string            `json:"token_type,omitempty"`
	Exp       int64             `json:"exp,omitempty"`
	Iat       int64             `json:"iat,omitempty"`
	Sub       string            `json:"sub,omitempty"`
	Aud       string            `json:"aud,omitempty"`
	Iss       string            `json:"iss,omitempty"`
	Cnf       map[string]string `json:"cnf,omitempty"`
}

// lookupToken finds the bundle owning value, trying the hinted kind first.
// It reports whether value was the refresh token.
func (s *TokenService) lookupToken(ctx context.Context, tenantID, value, hint string) (*domain.OAuthToken, bool, error) {
	type finder struct {
		refresh bool
		find    func(context.Context, string, string) (*domain.OAuthToken, error)
	}
	order := []finder{
		{false, s.tokens.FindByAccessToken},
		{true, s.tokens.FindByRefreshToken},
	}
	if hint == TokenTypeHintRefreshToken {
		order[0], order[1] = order[1], order[0]
	}
	for _, f := range order {
		token, err := f.find(ctx, tenantID, value)
		if err == nil {
			return token, f.refresh, nil
		}
		if !idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, false, fmt.Errorf("failed to look up token: %w", err)
		}
	}
	return nil, false, nil
}

// Revoke invalidates the bundle owning token (RFC 7009). Unknown tokens and
// tokens of other clients succeed silently.
func (s *TokenService) Revoke(ctx context.Context, tenantID string, in clientauth.Input, token, hint string) error {
	if token == "" {
		return idperrors.ClientError("", "token is required")
	}
	server, auth, err := s.Authenticate(ctx, tenantID, in)
	if err != nil {
		return idperrors.OAuth(err)
	}

	found, _, err := s.lookupToken(ctx, server.TenantID, token, hint)
	if err != nil {
		return idperrors.OAuth(err)
	}
	metrics.RecordTokenRevocation()
	if found == nil || found.Grant.ClientID != auth.Client.ClientID {
		return nil
	}
	if err := s.tokens.Delete(ctx, server.TenantID, found.ID); err != nil && !idperrors.IsCode(err, idperrors.CodeNotFound) {
		return idperrors.OAuth(fmt.Errorf("failed to revoke token: %w", err))
	}
	s.logger.Info("token revoked", "tenant_id", server.TenantID, "client_id", auth.Client.ClientID)
	return nil
}

// Introspect describes token to an authenticated client of the same tenant
// (RFC 7662). Unknown and expired tokens are inactive.
func (s *TokenService) Introspect(ctx context.Context, tenantID string, in clientauth.Input, token, hint string) (*IntrospectionResponse, error) {
	if token == "" {
		return nil, idperrors.ClientError("", "token is required")
	}
	server, _, err := s.Authenticate(ctx, tenantID, in)
	if err != nil {
		return nil, idperrors.OAuth(err)
	}

	found, isRefresh, err := s.lookupToken(ctx, server.TenantID, token, hint)
	if err != nil {
		return nil, idperrors.OAuth(err)
	}

	now := s.now()
	inactive := found == nil ||
		(isRefresh && found.IsRefreshTokenExpired(now)) ||
		(!isRefresh && found.IsAccessTokenExpired(now))
	metrics.RecordTokenIntrospection(!inactive)
	if inactive {
		return &IntrospectionResponse{Active: false}, nil
	}

	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     found.Grant.Scopes.String(),
		ClientID:  found.Grant.ClientID,
		TokenType: "Bearer",
		Exp:       found.AccessTokenExpiresAt.Unix(),
		Iat:       found.CreatedAt.Unix(),
		Sub:       found.Grant.UserSub,
		Aud:       found.Grant.ClientID,
		Iss:       server.Issuer,
	}
	if isRefresh {
		resp.TokenType = TokenTypeHintRefreshToken
		resp.Exp = found.RefreshTokenExpiresAt.Unix()
	}
	if resp.Sub == "" {
		resp.Sub = found.Grant.ClientID
	}
	if found.CertificateThumbprint != "" && !isRefresh {
		resp.Cnf = map[string]string{"x5t#S256": found.CertificateThumbprint}
	}
	return resp, nil
}
