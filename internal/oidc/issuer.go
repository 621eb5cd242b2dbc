package oidc

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tendant/tenant-idp/internal/crypto"
	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/metrics"
	"github.com/tendant/tenant-idp/internal/store"
)

// TokenResponse represents the token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`

	AuthorizationDetails json.RawMessage `json:"authorization_details,omitempty"`
}

// IssueRequest describes one token issuance.
type IssueRequest struct {
	Server      *domain.ServerConfiguration
	Client      *domain.ClientConfiguration
	Credentials *domain.ClientCredentials
	GrantType   domain.GrantType
	Grant       domain.AuthorizationGrant
	// Nonce is echoed into the ID token.
	Nonce string
	// RefreshToken and RefreshExpiresAt carry an existing refresh token over
	// when rotation is disabled.
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// TokenIssuer mints access, refresh and ID tokens and records the bundle.
type TokenIssuer struct {
	signer *crypto.Signer
	tokens store.OAuthTokenRepository
	users  store.UserRepository
	now    func() time.Time
}

// NewTokenIssuer creates a TokenIssuer.
func NewTokenIssuer(signer *crypto.Signer, tokens store.OAuthTokenRepository, users store.UserRepository) *TokenIssuer {
	return &TokenIssuer{signer: signer, tokens: tokens, users: users, now: time.Now}
}

// Issue signs the tokens for the grant and registers the resulting bundle.
func (i *TokenIssuer) Issue(ctx context.Context, req IssueRequest) (*TokenResponse, error) {
	now := i.now()
	server, client, grant := req.Server, req.Client, req.Grant

	subject := grant.UserSub
	if !grant.HasUser() {
		subject = client.ClientID
	}

	accessExp := now.Add(server.AccessTTL())
	access := jwt.MapClaims{
		"iss":       server.Issuer,
		"sub":       subject,
		"aud":       client.ClientID,
		"client_id": client.ClientID,
		"scope":     grant.Scopes.String(),
		"iat":       now.Unix(),
		"exp":       accessExp.Unix(),
		"jti":       uuid.New().String(),
	}
	if len(grant.AuthorizationDetails) > 0 {
		access["authorization_details"] = grant.AuthorizationDetails
	}

	var thumbprint string
	if server.TLSCertificateBoundTokens && client.TLSClientCertificateBoundAccessTokens && req.Credentials.IsCertificateBound() {
		thumbprint = req.Credentials.CertificateThumbprint
		access["cnf"] = map[string]string{"x5t#S256": thumbprint}
	}

	accessToken, err := i.signer.Sign(ctx, access)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	token := &domain.OAuthToken{
		ID:                    uuid.New().String(),
		TenantID:              server.TenantID,
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  accessExp,
		Grant:                 grant,
		CertificateThumbprint: thumbprint,
		CreatedAt:             now,
	}

	if req.RefreshToken != "" {
		token.RefreshToken = req.RefreshToken
		token.RefreshTokenExpiresAt = req.RefreshExpiresAt
	} else if i.issuesRefreshToken(server, client, grant) {
		token.RefreshToken = uuid.New().String()
		token.RefreshTokenExpiresAt = now.Add(server.RefreshTTL())
	}

	if grant.HasUser() && grant.Scopes.HasOpenID() {
		idToken, err := i.idToken(ctx, req, accessToken, now)
		if err != nil {
			return nil, err
		}
		token.IDToken = idToken
	}

	if err := i.tokens.Register(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	gt := string(req.GrantType)
	metrics.RecordTokenIssued("access_token", gt)
	if token.RefreshToken != "" && req.RefreshToken == "" {
		metrics.RecordTokenIssued("refresh_token", gt)
	}
	if token.IDToken != "" {
		metrics.RecordTokenIssued("id_token", gt)
	}

	return &TokenResponse{
		AccessToken:          accessToken,
		TokenType:            "Bearer",
		ExpiresIn:            int(server.AccessTTL().Seconds()),
		RefreshToken:         token.RefreshToken,
		IDToken:              token.IDToken,
		Scope:                grant.Scopes.String(),
		AuthorizationDetails: grant.AuthorizationDetails,
	}, nil
}

func (i *TokenIssuer) issuesRefreshToken(server *domain.ServerConfiguration, client *domain.ClientConfiguration, grant domain.AuthorizationGrant) bool {
	return grant.HasUser() &&
		server.SupportsGrantType(domain.GrantTypeRefreshToken) &&
		client.SupportsGrantType(domain.GrantTypeRefreshToken)
}

func (i *TokenIssuer) idToken(ctx context.Context, req IssueRequest, accessToken string, now time.Time) (string, error) {
	server, client, grant := req.Server, req.Client, req.Grant

	user, err := i.users.Get(ctx, server.TenantID, grant.UserSub)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return "", idperrors.BadGrant("user of the grant no longer exists")
		}
		return "", fmt.Errorf("failed to get user: %w", err)
	}

	builder := ClaimsBuilder{Supported: server.ClaimsSupported}
	claims := jwt.MapClaims(builder.IDToken(user, grant.IDTokenClaims, server.IDTokenStrictMode))
	addVerifiedClaims(claims, user, grant.IDTokenVerifiedClaims)
	claims["iss"] = server.Issuer
	claims["aud"] = client.ClientID
	claims["azp"] = client.ClientID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(server.IDTTL()).Unix()
	claims["at_hash"] = AccessTokenHash(accessToken)
	if !grant.AuthTime.IsZero() {
		claims["auth_time"] = grant.AuthTime.Unix()
	}
	if req.Nonce != "" {
		claims["nonce"] = req.Nonce
	}
	if grant.ACR != "" {
		claims["acr"] = grant.ACR
	}
	if len(grant.AMR) > 0 {
		claims["amr"] = grant.AMR
	}

	signed, err := i.signer.Sign(ctx, claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign id token: %w", err)
	}
	return signed, nil
}

// AccessTokenHash computes the at_hash claim for an RS256 signed ID token.
func AccessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
