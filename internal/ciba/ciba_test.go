package ciba

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/tenant-idp/internal/auth"
	"github.com/tendant/tenant-idp/internal/clientauth"
	"github.com/tendant/tenant-idp/internal/crypto"
	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/oidc"
	"github.com/tendant/tenant-idp/internal/policy"
	"github.com/tendant/tenant-idp/internal/store/memory"
)

const (
	testTenant   = "acme"
	testIssuer   = "https://idp.example.com/acme"
	testPassword = "correct horse battery staple"
	notifyURL    = "https://client.example.com/notify"
)

var (
	pollClient = clientauth.Input{HasBasic: true, BasicUser: "poll", BasicPassword: "poll-secret"}
	pingClient = clientauth.Input{HasBasic: true, BasicUser: "ping", BasicPassword: "ping-secret"}
)

type ping struct {
	endpoint, token, authReqID string
}

type fixture struct {
	st     *memory.Store
	svc    *Service
	tokens *oidc.TokenService
	signer *crypto.Signer
	fapi   *ecdsa.PrivateKey
	cert   *x509.Certificate

	mu    sync.Mutex
	now   time.Time
	pings []ping
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func testServer() domain.ServerConfiguration {
	return domain.ServerConfiguration{
		TenantID:                               testTenant,
		Issuer:                                 testIssuer,
		TokenEndpoint:                          testIssuer + "/v1/tokens",
		BackchannelAuthenticationEndpoint:      testIssuer + "/v1/backchannel/authentications",
		ScopesSupported:                        []string{"openid", "email", "payments"},
		GrantTypesSupported:                    []string{string(domain.GrantTypeCIBA)},
		BackchannelTokenDeliveryModesSupported: []string{domain.DeliveryModePoll, domain.DeliveryModePing},
		TLSCertificateBoundTokens:              true,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{now: time.Now()}

	fapiKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	f.fapi = fapiKey
	jwks, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: &fapiKey.PublicKey, KeyID: "fapi-1", Algorithm: "ES256", Use: "sig"},
	}})
	require.NoError(t, err)
	f.cert = newCertificate(t, "fapi-ciba")

	st := memory.NewStore()
	st.PutServer(testServer())
	st.PutClient(domain.ClientConfiguration{
		TenantID:     testTenant,
		ClientID:     "poll",
		ClientSecret: "poll-secret",
		GrantTypes:   []string{string(domain.GrantTypeCIBA)},
		Scope:        "openid email",
	})
	st.PutClient(domain.ClientConfiguration{
		TenantID:                              testTenant,
		ClientID:                              "ping",
		ClientSecret:                          "ping-secret",
		GrantTypes:                            []string{string(domain.GrantTypeCIBA)},
		Scope:                                 "openid",
		BackchannelTokenDeliveryMode:          domain.DeliveryModePing,
		BackchannelClientNotificationEndpoint: notifyURL,
	})
	st.PutClient(domain.ClientConfiguration{
		TenantID:                              testTenant,
		ClientID:                              "fapi",
		GrantTypes:                            []string{string(domain.GrantTypeCIBA)},
		Scope:                                 "openid payments",
		JWKS:                                  string(jwks),
		Profile:                               domain.ProfileFAPICIBA,
		TokenEndpointAuthMethod:               domain.ClientAuthTLSClientAuth,
		TLSClientAuthSubjectDN:                "CN=fapi-ciba",
		TLSClientCertificateBoundAccessTokens: true,
	})
	st.PutClient(domain.ClientConfiguration{
		TenantID:     testTenant,
		ClientID:     "web",
		ClientSecret: "web-secret",
		GrantTypes:   []string{string(domain.GrantTypeAuthorizationCode)},
		Scope:        "openid",
	})

	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)
	st.PutUser(domain.User{
		Sub:          "user-1",
		TenantID:     testTenant,
		Username:     "alice",
		Status:       domain.UserStatusRegistered,
		PasswordHash: hash,
		Email:        "alice@example.com",
		PhoneNumber:  "+15550100",
	})
	st.PutUser(domain.User{Sub: "user-2", TenantID: testTenant, Username: "bob", Status: domain.UserStatusLocked})

	keys := crypto.NewKeyService(memory.NewKeyRepository())
	_, err = keys.EnsureActiveKey(ctx)
	require.NoError(t, err)
	f.signer = crypto.NewSigner(keys)

	dispatcher := clientauth.NewDispatcher(st.Clients())
	issuer := oidc.NewTokenIssuer(f.signer, st.Tokens(), st.Users())
	f.tokens = oidc.NewTokenService(st.Servers(), dispatcher, st.Tokens(), oidc.WithTokenClock(f.clock))
	f.tokens.Register(domain.GrantTypeCIBA, NewGrantService(st.CibaGrants(), st.Users(), issuer))

	notifier := NotifierFunc(func(_ context.Context, endpoint, token, authReqID string) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.pings = append(f.pings, ping{endpoint, token, authReqID})
		return nil
	})
	f.svc = NewService(st, st.CibaGrants(), dispatcher, policy.NewResolver(st.Policies()), f.signer,
		WithClock(f.clock), WithNotifier(notifier))
	f.st = st
	return f
}

func (f *fixture) poll(authReqID string, in clientauth.Input) (*oidc.TokenResponse, error) {
	return f.tokens.Request(context.Background(), &oidc.TokenRequest{
		TenantID:  testTenant,
		GrantType: string(domain.GrantTypeCIBA),
		AuthReqID: authReqID,
		Client:    in,
	})
}

func (f *fixture) request(t *testing.T, values url.Values, in clientauth.Input) *Response {
	t.Helper()
	resp, err := f.svc.Request(context.Background(), testTenant, values, in)
	require.NoError(t, err)
	require.NotEmpty(t, resp.AuthReqID)
	return resp
}

func requireCode(t *testing.T, err error, code string) *idperrors.Error {
	t.Helper()
	var e *idperrors.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, code, e.Code, e.Message)
	return e
}

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

func TestPollFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp := f.request(t, url.Values{"scope": {"openid email"}, "login_hint": {"email:alice@example.com"}}, pollClient)
	assert.Equal(t, int64(300), resp.ExpiresIn)
	assert.Equal(t, int64(5), resp.Interval)

	_, err := f.poll(resp.AuthReqID, pollClient)
	requireCode(t, err, idperrors.CodeAuthorizationPending)
	_, err = f.poll(resp.AuthReqID, pollClient)
	requireCode(t, err, idperrors.CodeSlowDown)

	f.advance(6 * time.Second)
	_, err = f.poll(resp.AuthReqID, pollClient)
	requireCode(t, err, idperrors.CodeAuthorizationPending)

	grant, err := f.svc.Authorize(ctx, testTenant, resp.AuthReqID, []string{"pwd"})
	require.NoError(t, err)
	assert.Equal(t, domain.CibaStatusAuthorized, grant.Status)

	f.advance(6 * time.Second)
	tokens, err := f.poll(resp.AuthReqID, pollClient)
	require.NoError(t, err)
	assert.Equal(t, "openid email", tokens.Scope)

	claims, err := f.signer.Verify(ctx, tokens.IDToken, jwt.WithAudience("poll"))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims["sub"])
	assert.Equal(t, "alice@example.com", claims["email"])
	assert.Equal(t, []any{"pwd"}, claims["amr"])

	f.advance(6 * time.Second)
	_, err = f.poll(resp.AuthReqID, pollClient)
	requireCode(t, err, idperrors.CodeInvalidGrant)

	assert.Empty(t, f.pings, "poll clients are not notified")
}

func TestPollOtherClient(t *testing.T) {
	f := newFixture(t)
	resp := f.request(t, url.Values{"scope": {"openid"}, "login_hint": {"alice"}}, pollClient)

	_, err := f.poll(resp.AuthReqID, pingClient)
	requireCode(t, err, idperrors.CodeInvalidGrant)
	_, err = f.poll("unknown", pollClient)
	requireCode(t, err, idperrors.CodeInvalidGrant)
}

func TestDeny(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := f.request(t, url.Values{"scope": {"openid"}, "login_hint": {"alice"}}, pollClient)

	_, err := f.svc.Deny(ctx, testTenant, resp.AuthReqID)
	require.NoError(t, err)

	_, err = f.svc.Authorize(ctx, testTenant, resp.AuthReqID, nil)
	requireCode(t, err, idperrors.CodeInvalidRequest)

	e := requireCodeAfterPoll(t, f, resp.AuthReqID, idperrors.CodeAccessDenied)
	assert.Equal(t, 400, e.HTTPStatus())
}

func requireCodeAfterPoll(t *testing.T, f *fixture, authReqID, code string) *idperrors.Error {
	t.Helper()
	_, err := f.poll(authReqID, pollClient)
	return requireCode(t, err, code)
}

func TestExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := f.request(t, url.Values{"scope": {"openid"}, "login_hint": {"alice"}, "requested_expiry": {"60"}}, pollClient)
	assert.Equal(t, int64(60), resp.ExpiresIn)

	f.advance(61 * time.Second)
	requireCodeAfterPoll(t, f, resp.AuthReqID, idperrors.CodeExpiredToken)

	_, err := f.svc.Authorize(ctx, testTenant, resp.AuthReqID, nil)
	requireCode(t, err, idperrors.CodeExpiredToken)

	grant, err := f.svc.Get(ctx, testTenant, resp.AuthReqID)
	require.NoError(t, err)
	assert.Equal(t, domain.CibaStatusExpired, grant.Status)
}

func TestPingNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Request(ctx, testTenant, url.Values{"scope": {"openid"}, "login_hint": {"alice"}}, pingClient)
	requireCode(t, err, idperrors.CodeInvalidRequest)

	resp := f.request(t, url.Values{
		"scope":                     {"openid"},
		"login_hint":                {"alice"},
		"client_notification_token": {"cnt-1"},
	}, pingClient)

	_, err = f.svc.Authorize(ctx, testTenant, resp.AuthReqID, []string{"pwd"})
	require.NoError(t, err)
	require.Len(t, f.pings, 1)
	assert.Equal(t, ping{notifyURL, "cnt-1", resp.AuthReqID}, f.pings[0])

	tokens, err := f.poll(resp.AuthReqID, pingClient)
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
}

func TestRequestValidation(t *testing.T) {
	tests := []struct {
		name   string
		values url.Values
		client clientauth.Input
		code   string
	}{
		{"no hint", url.Values{"scope": {"openid"}}, pollClient, idperrors.CodeInvalidRequest},
		{"two hints", url.Values{"scope": {"openid"}, "login_hint": {"alice"}, "id_token_hint": {"x"}},
			pollClient, idperrors.CodeInvalidRequest},
		{"no scope", url.Values{"login_hint": {"alice"}}, pollClient, idperrors.CodeInvalidRequest},
		{"no openid", url.Values{"scope": {"email"}, "login_hint": {"alice"}}, pollClient, idperrors.CodeInvalidRequest},
		{"unknown user", url.Values{"scope": {"openid"}, "login_hint": {"mallory"}}, pollClient, idperrors.CodeUnknownUserID},
		{"locked user", url.Values{"scope": {"openid"}, "login_hint": {"sub:user-2"}}, pollClient, idperrors.CodeUnknownUserID},
		{"login_hint_token", url.Values{"scope": {"openid"}, "login_hint_token": {"opaque"}}, pollClient, idperrors.CodeUnknownUserID},
		{"invalid id_token_hint", url.Values{"scope": {"openid"}, "id_token_hint": {"not-a-jwt"}}, pollClient, idperrors.CodeInvalidRequest},
		{"binding message too long",
			url.Values{"scope": {"openid"}, "login_hint": {"alice"}, "binding_message": {strings.Repeat("x", 65)}},
			pollClient, idperrors.CodeInvalidBindingMessage},
		{"malformed requested_expiry", url.Values{"scope": {"openid"}, "login_hint": {"alice"}, "requested_expiry": {"soon"}},
			pollClient, idperrors.CodeInvalidRequest},
		{"client without ciba", url.Values{"scope": {"openid"}, "login_hint": {"alice"}},
			clientauth.Input{HasBasic: true, BasicUser: "web", BasicPassword: "web-secret"}, idperrors.CodeUnauthorizedClient},
		{"wrong secret", url.Values{"scope": {"openid"}, "login_hint": {"alice"}},
			clientauth.Input{HasBasic: true, BasicUser: "poll", BasicPassword: "nope"}, idperrors.CodeInvalidClient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Request(context.Background(), testTenant, tt.values, tt.client)
			requireCode(t, err, tt.code)
		})
	}
}

func TestLoginHints(t *testing.T) {
	for _, hint := range []string{"alice", "sub:user-1", "email:alice@example.com", "phone:+15550100"} {
		t.Run(hint, func(t *testing.T) {
			f := newFixture(t)
			resp := f.request(t, url.Values{"scope": {"openid"}, "login_hint": {hint}}, pollClient)
			grant, err := f.svc.Get(context.Background(), testTenant, resp.AuthReqID)
			require.NoError(t, err)
			assert.Equal(t, "user-1", grant.Grant.UserSub)
		})
	}

	attr, value := parseLoginHint("unknown:value")
	assert.Equal(t, domain.UserAttributeUsername, attr)
	assert.Equal(t, "unknown:value", value)
}

func TestIDTokenHint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sign := func(iss string) string {
		tok, err := f.signer.Sign(ctx, jwt.MapClaims{
			"iss": iss,
			"sub": "user-1",
			"aud": "poll",
			"exp": time.Now().Add(-time.Minute).Unix(),
		})
		require.NoError(t, err)
		return tok
	}

	resp := f.request(t, url.Values{"scope": {"openid"}, "id_token_hint": {sign(testIssuer)}}, pollClient)
	grant, err := f.svc.Get(ctx, testTenant, resp.AuthReqID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", grant.Grant.UserSub, "an expired hint still identifies the user")

	_, err = f.svc.Request(ctx, testTenant, url.Values{"scope": {"openid"}, "id_token_hint": {sign("https://other.example")}}, pollClient)
	requireCode(t, err, idperrors.CodeInvalidRequest)
}

func TestUserCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	server := testServer()
	server.BackchannelUserCodeParameterSupported = true
	f.st.PutServer(server)
	f.st.PutClient(domain.ClientConfiguration{
		TenantID:                     testTenant,
		ClientID:                     "poll",
		ClientSecret:                 "poll-secret",
		GrantTypes:                   []string{string(domain.GrantTypeCIBA)},
		Scope:                        "openid",
		BackchannelUserCodeParameter: true,
	})
	values := url.Values{"scope": {"openid"}, "login_hint": {"alice"}}

	_, err := f.svc.Request(ctx, testTenant, values, pollClient)
	requireCode(t, err, idperrors.CodeMissingUserCode)

	values.Set("user_code", "wrong")
	_, err = f.svc.Request(ctx, testTenant, values, pollClient)
	requireCode(t, err, idperrors.CodeInvalidUserCode)

	values.Set("user_code", testPassword)
	f.request(t, values, pollClient)
}

func (f *fixture) requestObject(t *testing.T, mutate func(jwt.MapClaims)) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":             "fapi",
		"aud":             testIssuer,
		"iat":             now.Unix(),
		"nbf":             now.Unix(),
		"exp":             now.Add(30 * time.Minute).Unix(),
		"jti":             "ro-1",
		"scope":           "openid payments",
		"login_hint":      "alice",
		"binding_message": "W4SCT",
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = "fapi-1"
	signed, err := token.SignedString(f.fapi)
	require.NoError(t, err)
	return signed
}

func TestFAPICIBA(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := clientauth.Input{ClientID: "fapi", Certificate: f.cert}

	resp := f.request(t, url.Values{"request": {f.requestObject(t, nil)}}, client)
	grant, err := f.svc.Get(ctx, testTenant, resp.AuthReqID)
	require.NoError(t, err)
	assert.Equal(t, "W4SCT", grant.BindingMessage)
	assert.Equal(t, domain.Scopes{"openid", "payments"}, grant.Grant.Scopes)

	_, err = f.svc.Authorize(ctx, testTenant, resp.AuthReqID, []string{"pwd"})
	require.NoError(t, err)
	tokens, err := f.poll(resp.AuthReqID, client)
	require.NoError(t, err)
	claims, err := f.signer.Verify(ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.Contains(t, claims, "cnf", "FAPI-CIBA access tokens are certificate bound")

	tests := []struct {
		name   string
		values url.Values
		code   string
	}{
		{"plain parameters", url.Values{"scope": {"openid"}, "login_hint": {"alice"}, "binding_message": {"x"}},
			idperrors.CodeInvalidRequest},
		{"lifetime over an hour", url.Values{"request": {f.requestObject(t, func(c jwt.MapClaims) {
			c["exp"] = time.Now().Add(2 * time.Hour).Unix()
		})}}, idperrors.CodeInvalidRequest},
		{"missing nbf", url.Values{"request": {f.requestObject(t, func(c jwt.MapClaims) {
			delete(c, "nbf")
		})}}, idperrors.CodeInvalidRequest},
		{"missing iat", url.Values{"request": {f.requestObject(t, func(c jwt.MapClaims) {
			delete(c, "iat")
		})}}, idperrors.CodeInvalidRequest},
		{"missing binding_message", url.Values{"request": {f.requestObject(t, func(c jwt.MapClaims) {
			delete(c, "binding_message")
		})}}, idperrors.CodeInvalidRequest},
		{"foreign audience", url.Values{"request": {f.requestObject(t, func(c jwt.MapClaims) {
			c["aud"] = "https://other.example"
		})}}, idperrors.CodeInvalidRequestObject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Request(ctx, testTenant, tt.values, client)
			requireCode(t, err, tt.code)
		})
	}
}

func TestFAPICIBAAuthorizationDetailsReplaceBindingMessage(t *testing.T) {
	f := newFixture(t)
	client := clientauth.Input{ClientID: "fapi", Certificate: f.cert}
	obj := f.requestObject(t, func(c jwt.MapClaims) {
		delete(c, "binding_message")
		c["authorization_details"] = []any{map[string]any{"type": "payment_initiation"}}
	})
	f.request(t, url.Values{"request": {obj}}, client)
}
