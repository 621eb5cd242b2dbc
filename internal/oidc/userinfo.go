package oidc

import (
	"context"
	"crypto/x509"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tendant/tenant-idp/internal/crypto"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/store"
)

// CodeInsufficientScope is the RFC 6750 error for tokens without openid.
const CodeInsufficientScope = "insufficient_scope"

// UserInfoService handles userinfo requests.
type UserInfoService struct {
	servers store.ServerConfigurationRepository
	tokens  store.OAuthTokenRepository
	users   store.UserRepository
	now     func() time.Time
}

// NewUserInfoService creates a new UserInfoService.
func NewUserInfoService(servers store.ServerConfigurationRepository, tokens store.OAuthTokenRepository, users store.UserRepository) *UserInfoService {
	return &UserInfoService{servers: servers, tokens: tokens, users: users, now: time.Now}
}

func invalidToken(message string) *idperrors.Error {
	return &idperrors.Error{Code: idperrors.CodeInvalidToken, Message: message, Status: http.StatusUnauthorized}
}

// UserInfo returns the claims of the user the access token was issued for.
// A certificate-bound token is only accepted with the same certificate.
func (s *UserInfoService) UserInfo(ctx context.Context, tenantID, accessToken string, cert *x509.Certificate) (map[string]any, error) {
	server, err := LoadServer(ctx, s.servers, tenantID)
	if err != nil {
		return nil, err
	}

	token, err := s.tokens.FindByAccessToken(ctx, tenantID, accessToken)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, invalidToken("access token is invalid")
		}
		return nil, idperrors.ServerError(fmt.Errorf("failed to get access token: %w", err))
	}
	if token.IsAccessTokenExpired(s.now()) {
		return nil, invalidToken("access token has expired")
	}
	if token.CertificateThumbprint != "" {
		if cert == nil || crypto.CertificateThumbprint(cert) != token.CertificateThumbprint {
			return nil, invalidToken("access token is bound to a different certificate")
		}
	}
	if !token.Grant.HasUser() || !token.Grant.Scopes.HasOpenID() {
		return nil, &idperrors.Error{Code: CodeInsufficientScope, Message: "access token lacks the openid scope", Status: http.StatusForbidden}
	}

	user, err := s.users.Get(ctx, tenantID, token.Grant.UserSub)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, invalidToken("user no longer exists")
		}
		return nil, idperrors.ServerError(fmt.Errorf("failed to get user: %w", err))
	}
	if !user.Status.IsActive() {
		return nil, invalidToken("user is not active")
	}

	builder := ClaimsBuilder{Supported: server.ClaimsSupported}
	claims := builder.UserInfo(user, token.Grant.UserinfoClaims)
	addVerifiedClaims(claims, user, token.Grant.UserinfoVerifiedClaims)
	return claims, nil
}

// ExtractBearerToken extracts the bearer token from the Authorization header.
func ExtractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", invalidToken("missing authorization header")
	}

	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", invalidToken("invalid authorization header")
	}

	return token, nil
}
