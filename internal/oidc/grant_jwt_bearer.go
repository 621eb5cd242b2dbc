package oidc

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tendant/tenant-idp/internal/crypto"
	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/store"
)

// MaxAssertionIssuedAtSkew is how far in the future an assertion iat may lie.
const MaxAssertionIssuedAtSkew = 5 * time.Minute

// JWTBearerGrant accepts RFC 7523 assertions from trusted issuers.
type JWTBearerGrant struct {
	users  store.UserRepository
	issuer *TokenIssuer
}

// NewJWTBearerGrant creates the jwt-bearer grant service.
func NewJWTBearerGrant(users store.UserRepository, issuer *TokenIssuer) *JWTBearerGrant {
	return &JWTBearerGrant{users: users, issuer: issuer}
}

// Grant verifies the assertion and issues tokens for the user it names.
func (g *JWTBearerGrant) Grant(ctx context.Context, tc *TokenRequestContext) (*TokenResponse, error) {
	assertion := tc.Request.Assertion
	if assertion == "" {
		return nil, idperrors.ClientError("", "assertion is required")
	}

	unverified := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(assertion, unverified); err != nil {
		return nil, idperrors.BadGrant("assertion is not a JWT")
	}
	iss, _ := unverified.GetIssuer()
	if iss == "" {
		return nil, idperrors.BadGrant("assertion iss is required")
	}
	trusted, ok := tc.Server.TrustedIssuer(iss)
	if !ok {
		return nil, idperrors.BadGrant("assertion issuer is not trusted: " + iss)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(assertion, claims, crypto.KeySetKeyfunc(trusted.JWKS),
		jwt.WithValidMethods(crypto.AsymmetricAlgorithms),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, idperrors.BadGrant("assertion signature is invalid: " + err.Error())
	}
	if err := VerifyAssertionClaims(claims, assertionAudiences(tc.Server), tc.Now); err != nil {
		return nil, err
	}

	sub, _ := claims.GetSubject()
	attribute := trusted.SubjectClaim
	if attribute == "" {
		attribute = domain.UserAttributeSub
	}
	user, err := g.users.FindBy(ctx, tc.Server.TenantID, attribute, sub)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.BadGrant("assertion subject does not map to a user")
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if !user.Status.IsActive() {
		return nil, idperrors.BadGrant("user is not active: " + string(user.Status))
	}

	scopes := tc.Client.FilterScopes(domain.ParseScopes(tc.Request.Scope))
	builder := ClaimsBuilder{Supported: tc.Server.ClaimsSupported}
	return g.issuer.Issue(ctx, IssueRequest{
		Server:      tc.Server,
		Client:      tc.Client,
		Credentials: tc.Credentials,
		GrantType:   tc.GrantType,
		Grant: domain.AuthorizationGrant{
			TenantID:       tc.Server.TenantID,
			ClientID:       tc.Client.ClientID,
			UserSub:        user.Sub,
			Scopes:         scopes,
			IDTokenClaims:  builder.GrantIDTokenClaims(scopes, nil, tc.Server.IDTokenStrictMode),
			UserinfoClaims: builder.GrantUserinfoClaims(scopes, nil),
		},
	})
}

// assertionAudiences are the aud values a jwt-bearer assertion may carry.
func assertionAudiences(server *domain.ServerConfiguration) []string {
	var out []string
	for _, v := range []string{server.Issuer, server.TokenEndpoint} {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// VerifyAssertionClaims applies the RFC 7523 section 3 claim rules. Each
// violation is an invalid_grant naming the rule.
func VerifyAssertionClaims(claims jwt.MapClaims, audiences []string, now time.Time) error {
	for _, name := range []string{"iss", "sub", "aud", "exp"} {
		if _, ok := claims[name]; !ok {
			return idperrors.BadGrant("assertion " + name + " is required")
		}
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return idperrors.BadGrant("assertion aud is malformed")
	}
	if !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(audiences, a) }) {
		return idperrors.BadGrant("assertion aud does not contain the expected audience")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return idperrors.BadGrant("assertion exp is malformed")
	}
	if !exp.After(now) {
		return idperrors.BadGrant("assertion has expired")
	}

	nbf, err := claims.GetNotBefore()
	if err != nil {
		return idperrors.BadGrant("assertion nbf is malformed")
	}
	if nbf != nil && nbf.After(now) {
		return idperrors.BadGrant("assertion is not yet valid")
	}

	iat, err := claims.GetIssuedAt()
	if err != nil {
		return idperrors.BadGrant("assertion iat is malformed")
	}
	if iat != nil && iat.After(now.Add(MaxAssertionIssuedAtSkew)) {
		return idperrors.BadGrant("assertion iat is too far in the future")
	}
	return nil
}
