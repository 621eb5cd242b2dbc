package oidc

import (
	"context"
	"fmt"

	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/store"
)

// AuthorizationCodeGrant redeems authorization codes.
type AuthorizationCodeGrant struct {
	codes    store.AuthorizationCodeGrantRepository
	requests store.AuthorizationRequestRepository
	issuer   *TokenIssuer
}

// NewAuthorizationCodeGrant creates the authorization_code grant service.
func NewAuthorizationCodeGrant(codes store.AuthorizationCodeGrantRepository, requests store.AuthorizationRequestRepository, issuer *TokenIssuer) *AuthorizationCodeGrant {
	return &AuthorizationCodeGrant{codes: codes, requests: requests, issuer: issuer}
}

// Grant verifies the code and issues tokens. The code is consumed atomically,
// so of two concurrent redemptions only one gets tokens.
func (g *AuthorizationCodeGrant) Grant(ctx context.Context, tc *TokenRequestContext) (*TokenResponse, error) {
	req := tc.Request
	if req.Code == "" {
		return nil, idperrors.ClientError("", "code is required")
	}

	code, err := g.codes.Find(ctx, tc.Server.TenantID, req.Code)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.BadGrant("authorization code is invalid")
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	if code.Grant.ClientID != tc.Client.ClientID {
		return nil, idperrors.BadGrant("authorization code was not issued to this client")
	}
	if code.IsExpired(tc.Now) {
		return nil, idperrors.BadGrant("authorization code has expired")
	}
	if code.RedirectURI != "" && code.RedirectURI != req.RedirectURI {
		return nil, idperrors.BadGrant("redirect_uri does not match the authorization request")
	}
	if !ValidateCodeVerifier(req.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod) {
		return nil, idperrors.BadGrant("code_verifier is invalid")
	}

	if _, err := g.codes.Consume(ctx, tc.Server.TenantID, req.Code); err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.BadGrant("authorization code has already been used")
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	if err := g.requests.Delete(ctx, tc.Server.TenantID, code.AuthorizationRequestID); err != nil &&
		!idperrors.IsCode(err, idperrors.CodeNotFound) {
		return nil, fmt.Errorf("failed to delete authorization request: %w", err)
	}

	return g.issuer.Issue(ctx, IssueRequest{
		Server:      tc.Server,
		Client:      tc.Client,
		Credentials: tc.Credentials,
		GrantType:   tc.GrantType,
		Grant:       code.Grant,
		Nonce:       code.Nonce,
	})
}
