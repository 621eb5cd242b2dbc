package oidc

import (
	"context"

	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
)

// ClientCredentialsGrant issues tokens to the client itself.
type ClientCredentialsGrant struct {
	issuer *TokenIssuer
}

// NewClientCredentialsGrant creates the client_credentials grant service.
func NewClientCredentialsGrant(issuer *TokenIssuer) *ClientCredentialsGrant {
	return &ClientCredentialsGrant{issuer: issuer}
}

// Grant requires at least one scope the client is allowed to use.
func (g *ClientCredentialsGrant) Grant(ctx context.Context, tc *TokenRequestContext) (*TokenResponse, error) {
	requested := domain.ParseScopes(tc.Request.Scope)
	if len(requested) == 0 {
		return nil, idperrors.InvalidScope("scope is required")
	}
	scopes := tc.Client.FilterScopes(requested)
	if len(scopes) == 0 {
		return nil, idperrors.InvalidScope("none of the requested scopes is allowed for the client")
	}

	return g.issuer.Issue(ctx, IssueRequest{
		Server:      tc.Server,
		Client:      tc.Client,
		Credentials: tc.Credentials,
		GrantType:   tc.GrantType,
		Grant: domain.AuthorizationGrant{
			TenantID: tc.Server.TenantID,
			ClientID: tc.Client.ClientID,
			Scopes:   scopes,
		},
	})
}
