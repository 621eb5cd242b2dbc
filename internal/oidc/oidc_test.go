package oidc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tendant/tenant-idp/internal/auth"
	"github.com/tendant/tenant-idp/internal/clientauth"
	"github.com/tendant/tenant-idp/internal/crypto"
	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/policy"
	"github.com/tendant/tenant-idp/internal/store/memory"
)

const (
	testTenant   = "acme"
	testIssuer   = "https://idp.example.com/acme"
	testRedirect = "https://app.example.com/cb"
	testPassword = "correct horse battery staple"
)

type fixture struct {
	st       *memory.Store
	signer   *crypto.Signer
	tokens   *TokenService
	authz    *AuthorizeService
	userinfo *UserInfoService
}

func testServer() domain.ServerConfiguration {
	return domain.ServerConfiguration{
		TenantID:               testTenant,
		Issuer:                 testIssuer,
		TokenEndpoint:          testIssuer + "/v1/tokens",
		ScopesSupported:        []string{"openid", "profile", "email", "payments", "read"},
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported: []string{
			string(domain.GrantTypeAuthorizationCode),
			string(domain.GrantTypeRefreshToken),
			string(domain.GrantTypeClientCredentials),
			string(domain.GrantTypeJWTBearer),
		},
		FAPIBaselineScopes:        []string{"payments"},
		RotateRefreshToken:        true,
		TLSCertificateBoundTokens: true,
	}
}

func webClient() domain.ClientConfiguration {
	return domain.ClientConfiguration{
		TenantID:                testTenant,
		ClientID:                "web",
		ClientName:              "Web App",
		ClientSecret:            "web-secret",
		RedirectURIs:            []string{testRedirect},
		GrantTypes:              []string{"authorization_code", "refresh_token", string(domain.GrantTypeJWTBearer)},
		ResponseTypes:           []string{"code"},
		Scope:                   "openid profile email",
		TokenEndpointAuthMethod: domain.ClientAuthSecretPost,
	}
}

func fapiClient() domain.ClientConfiguration {
	return domain.ClientConfiguration{
		TenantID:                              testTenant,
		ClientID:                              "fapi",
		RedirectURIs:                          []string{"https://bank.example.com/cb"},
		GrantTypes:                            []string{"authorization_code"},
		ResponseTypes:                         []string{"code"},
		Scope:                                 "openid payments",
		TokenEndpointAuthMethod:               domain.ClientAuthTLSClientAuth,
		TLSClientAuthSubjectDN:                "CN=fapi-client",
		TLSClientCertificateBoundAccessTokens: true,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st := memory.NewStore()
	st.PutServer(testServer())
	st.PutClient(webClient())
	st.PutClient(fapiClient())
	st.PutClient(domain.ClientConfiguration{
		TenantID:     testTenant,
		ClientID:     "svc",
		ClientSecret: "svc-secret",
		GrantTypes:   []string{"client_credentials"},
		Scope:        "read",
	})

	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)
	verified := true
	st.PutUser(domain.User{
		Sub:           "user-1",
		TenantID:      testTenant,
		Username:      "alice",
		Status:        domain.UserStatusRegistered,
		PasswordHash:  hash,
		Name:          "Alice Example",
		Email:         "alice@example.com",
		EmailVerified: &verified,
		Roles:         []domain.Role{{ID: "r1", Name: "admin"}},
	})

	keys := crypto.NewKeyService(memory.NewKeyRepository())
	_, err = keys.EnsureActiveKey(ctx)
	require.NoError(t, err)
	signer := crypto.NewSigner(keys)

	issuer := NewTokenIssuer(signer, st.Tokens(), st.Users())
	tokens := NewTokenService(st.Servers(), clientauth.NewDispatcher(st.Clients()), st.Tokens())
	tokens.Register(domain.GrantTypeAuthorizationCode, NewAuthorizationCodeGrant(st.AuthorizationCodes(), st.AuthorizationRequests(), issuer))
	tokens.Register(domain.GrantTypeRefreshToken, NewRefreshTokenGrant(st.Tokens(), st.Users(), issuer))
	tokens.Register(domain.GrantTypeClientCredentials, NewClientCredentialsGrant(issuer))
	tokens.Register(domain.GrantTypeJWTBearer, NewJWTBearerGrant(st.Users(), issuer))

	return &fixture{
		st:       st,
		signer:   signer,
		tokens:   tokens,
		authz:    NewAuthorizeService(st, st, auth.NewService(st.Users()), policy.NewResolver(st.Policies())),
		userinfo: NewUserInfoService(st.Servers(), st.Tokens(), st.Users()),
	}
}

// login runs the front channel for values and returns the issued code.
func (f *fixture) login(t *testing.T, values url.Values) string {
	t.Helper()
	ctx := context.Background()

	req, err := f.authz.Request(ctx, testTenant, values)
	require.NoError(t, err)

	redirect, err := f.authz.Authorize(ctx, testTenant, req.ID(), "alice", testPassword)
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	require.Equal(t, values.Get("state"), u.Query().Get("state"))
	code := u.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func requireCode(t *testing.T, err error, code string) *idperrors.Error {
	t.Helper()
	var e *idperrors.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, code, e.Code, e.Message)
	return e
}

// newCertificate creates a self-signed client certificate.
func newCertificate(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}
