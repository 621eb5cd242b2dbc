package clientauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net"
	"net/url"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/tenant-idp/internal/auth"
	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/store/memory"
)

const tenant = "acme"

var server = &domain.ServerConfiguration{
	TenantID:      tenant,
	Issuer:        "https://idp.example/acme",
	TokenEndpoint: "https://idp.example/acme/v1/tokens",
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func newCert(t *testing.T, key *rsa.PrivateKey, tmpl *x509.Certificate) *x509.Certificate {
	t.Helper()
	tmpl.SerialNumber = big.NewInt(time.Now().UnixNano())
	tmpl.NotBefore = time.Now().Add(-time.Hour)
	tmpl.NotAfter = time.Now().Add(time.Hour)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func jwks(t *testing.T, keys ...jose.JSONWebKey) string {
	t.Helper()
	b, err := json.Marshal(jose.JSONWebKeySet{Keys: keys})
	require.NoError(t, err)
	return string(b)
}

func newDispatcher(clients ...domain.ClientConfiguration) *Dispatcher {
	st := memory.NewStore()
	for _, c := range clients {
		c.TenantID = tenant
		st.PutClient(c)
	}
	return NewDispatcher(st.Clients())
}

func assertInvalidClient(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, idperrors.IsCode(err, idperrors.CodeInvalidClient), "got %v", err)
	var e *idperrors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, 401, e.HTTPStatus())
}

func TestUnknownClient(t *testing.T) {
	d := newDispatcher()
	_, err := d.Authenticate(context.Background(), server, Input{ClientID: "ghost"})
	assertInvalidClient(t, err)
}

func TestSecretMethods(t *testing.T) {
	hashed, err := auth.HashPassword("hashed-secret")
	require.NoError(t, err)

	d := newDispatcher(
		domain.ClientConfiguration{ClientID: "basic", ClientSecret: "s3cret", TokenEndpointAuthMethod: domain.ClientAuthSecretBasic},
		domain.ClientConfiguration{ClientID: "post", ClientSecret: hashed, TokenEndpointAuthMethod: domain.ClientAuthSecretPost},
		domain.ClientConfiguration{ClientID: "public", TokenEndpointAuthMethod: domain.ClientAuthNone},
	)
	ctx := context.Background()

	tests := []struct {
		name    string
		in      Input
		wantErr bool
	}{
		{"basic ok", Input{HasBasic: true, BasicUser: "basic", BasicPassword: "s3cret"}, false},
		{"basic wrong secret", Input{HasBasic: true, BasicUser: "basic", BasicPassword: "nope"}, true},
		{"basic sent as post", Input{ClientID: "basic", ClientSecret: "s3cret"}, true},
		{"post hashed ok", Input{ClientID: "post", ClientSecret: "hashed-secret"}, false},
		{"post sent as basic", Input{HasBasic: true, BasicUser: "post", BasicPassword: "hashed-secret"}, true},
		{"public ok", Input{ClientID: "public"}, false},
		{"public with secret", Input{ClientID: "public", ClientSecret: "x"}, true},
		{"mismatched ids", Input{HasBasic: true, BasicUser: "basic", BasicPassword: "s3cret", ClientID: "post"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := d.Authenticate(ctx, server, tt.in)
			if tt.wantErr {
				assertInvalidClient(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, res.Client.ClientID, res.Credentials.ClientID)
			assert.Equal(t, res.Client.AuthMethod(), res.Credentials.Method)
		})
	}

	_, err = d.Authenticate(ctx, server, Input{HasBasic: true, BasicUser: "basic", BasicPassword: "s3cret", ClientSecret: "s3cret"})
	assert.True(t, idperrors.IsCode(err, idperrors.CodeInvalidRequest), "two methods at once is a malformed request")
}

func assertion(t *testing.T, method jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func TestJWTAssertionMethods(t *testing.T) {
	key := newKey(t)
	secret := "client-secret-jwt-shared-secret-value"
	d := newDispatcher(
		domain.ClientConfiguration{
			ClientID: "pkjwt", TokenEndpointAuthMethod: domain.ClientAuthPrivateKeyJWT,
			JWKS: jwks(t, jose.JSONWebKey{Key: &key.PublicKey, KeyID: "k1", Algorithm: "RS256"}),
		},
		domain.ClientConfiguration{ClientID: "csjwt", ClientSecret: secret, TokenEndpointAuthMethod: domain.ClientAuthSecretJWT},
	)
	ctx := context.Background()

	claimsFor := func(clientID string, aud any) jwt.MapClaims {
		return jwt.MapClaims{
			"iss": clientID, "sub": clientID, "aud": aud,
			"jti": "jti-" + clientID, "exp": time.Now().Add(time.Minute).Unix(),
		}
	}
	in := func(a string) Input {
		return Input{ClientAssertion: a, ClientAssertionType: domain.ClientAssertionTypeJWTBearer}
	}

	t.Run("private_key_jwt", func(t *testing.T) {
		a := assertion(t, jwt.SigningMethodRS256, key, "k1", claimsFor("pkjwt", server.TokenEndpoint))
		res, err := d.Authenticate(ctx, server, in(a))
		require.NoError(t, err)
		assert.Equal(t, "pkjwt", res.Credentials.ClientID)
		assert.Equal(t, "jti-pkjwt", res.Credentials.AssertionClaims["jti"])
	})

	t.Run("client_secret_jwt with issuer audience", func(t *testing.T) {
		a := assertion(t, jwt.SigningMethodHS256, []byte(secret), "", claimsFor("csjwt", []string{server.Issuer}))
		_, err := d.Authenticate(ctx, server, in(a))
		require.NoError(t, err)
	})

	t.Run("hmac not accepted for private_key_jwt", func(t *testing.T) {
		a := assertion(t, jwt.SigningMethodHS256, []byte(secret), "", claimsFor("pkjwt", server.Issuer))
		_, err := d.Authenticate(ctx, server, in(a))
		assertInvalidClient(t, err)
	})

	t.Run("wrong audience", func(t *testing.T) {
		a := assertion(t, jwt.SigningMethodRS256, key, "k1", claimsFor("pkjwt", "https://other.example"))
		_, err := d.Authenticate(ctx, server, in(a))
		assertInvalidClient(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		c := claimsFor("pkjwt", server.Issuer)
		c["exp"] = time.Now().Add(-time.Minute).Unix()
		_, err := d.Authenticate(ctx, server, in(assertion(t, jwt.SigningMethodRS256, key, "k1", c)))
		assertInvalidClient(t, err)
	})

	t.Run("missing jti", func(t *testing.T) {
		c := claimsFor("pkjwt", server.Issuer)
		delete(c, "jti")
		_, err := d.Authenticate(ctx, server, in(assertion(t, jwt.SigningMethodRS256, key, "k1", c)))
		assertInvalidClient(t, err)
	})

	t.Run("wrong assertion type", func(t *testing.T) {
		a := assertion(t, jwt.SigningMethodRS256, key, "k1", claimsFor("pkjwt", server.Issuer))
		_, err := d.Authenticate(ctx, server, Input{ClientAssertion: a, ClientAssertionType: "urn:other"})
		assertInvalidClient(t, err)
	})

	t.Run("signed by another key", func(t *testing.T) {
		a := assertion(t, jwt.SigningMethodRS256, newKey(t), "k1", claimsFor("pkjwt", server.Issuer))
		_, err := d.Authenticate(ctx, server, in(a))
		assertInvalidClient(t, err)
	})
}

func TestTLSClientAuth(t *testing.T) {
	key := newKey(t)
	spiffe, _ := url.Parse("spiffe://acme/rp")
	cert := newCert(t, key, &x509.Certificate{
		Subject:        pkix.Name{CommonName: "rp.example", Organization: []string{"Acme"}},
		DNSNames:       []string{"rp.example"},
		URIs:           []*url.URL{spiffe},
		IPAddresses:    []net.IP{net.ParseIP("10.0.0.7")},
		EmailAddresses: []string{"ops@rp.example"},
	})

	tests := []struct {
		name    string
		client  domain.ClientConfiguration
		wantErr bool
		binding string
	}{
		{
			name:    "subject dn wins regardless of san",
			client:  domain.ClientConfiguration{TLSClientAuthSubjectDN: "CN=rp.example, O=Acme", TLSClientAuthSANDNS: "other.example"},
			binding: "tls_client_auth_subject_dn",
		},
		{
			name:    "san dns",
			client:  domain.ClientConfiguration{TLSClientAuthSANDNS: "rp.example"},
			binding: "tls_client_auth_san_dns",
		},
		{
			name:    "san uri",
			client:  domain.ClientConfiguration{TLSClientAuthSANURI: "spiffe://acme/rp"},
			binding: "tls_client_auth_san_uri",
		},
		{
			name:    "san ip",
			client:  domain.ClientConfiguration{TLSClientAuthSANIP: "10.0.0.7"},
			binding: "tls_client_auth_san_ip",
		},
		{
			name:    "san email",
			client:  domain.ClientConfiguration{TLSClientAuthSANEmail: "ops@rp.example"},
			binding: "tls_client_auth_san_email",
		},
		{
			name: "no binding matches",
			client: domain.ClientConfiguration{
				TLSClientAuthSubjectDN: "CN=someone-else",
				TLSClientAuthSANDNS:    "x.example",
				TLSClientAuthSANURI:    "spiffe://acme/x",
				TLSClientAuthSANIP:     "10.0.0.8",
				TLSClientAuthSANEmail:  "x@rp.example",
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := tt.client
			client.ClientID = "mtls"
			client.TokenEndpointAuthMethod = domain.ClientAuthTLSClientAuth
			d := newDispatcher(client)

			res, err := d.Authenticate(context.Background(), server, Input{ClientID: "mtls", Certificate: cert})
			if tt.wantErr {
				assertInvalidClient(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, res.Credentials.IsCertificateBound())
			binding, ok := MatchCertificate(res.Client, cert)
			assert.True(t, ok)
			assert.Equal(t, tt.binding, binding)
		})
	}

	t.Run("certificate required", func(t *testing.T) {
		d := newDispatcher(domain.ClientConfiguration{
			ClientID: "mtls", TokenEndpointAuthMethod: domain.ClientAuthTLSClientAuth, TLSClientAuthSANDNS: "rp.example",
		})
		_, err := d.Authenticate(context.Background(), server, Input{ClientID: "mtls"})
		assertInvalidClient(t, err)
	})
}

func TestSelfSignedTLSClientAuth(t *testing.T) {
	k1, k2 := newKey(t), newKey(t)
	c1 := newCert(t, k1, &x509.Certificate{Subject: pkix.Name{CommonName: "one"}})
	c2 := newCert(t, k2, &x509.Certificate{Subject: pkix.Name{CommonName: "two"}})
	x5cKey := func(k *rsa.PrivateKey, c *x509.Certificate, kid string) jose.JSONWebKey {
		return jose.JSONWebKey{Key: &k.PublicKey, KeyID: kid, Algorithm: "RS256", Certificates: []*x509.Certificate{c}}
	}
	client := func(doc string) domain.ClientConfiguration {
		return domain.ClientConfiguration{ClientID: "self", TokenEndpointAuthMethod: domain.ClientAuthSelfSignedTLSClientAuth, JWKS: doc}
	}
	ctx := context.Background()

	t.Run("single x5c key matches", func(t *testing.T) {
		other := newKey(t)
		d := newDispatcher(client(jwks(t, x5cKey(k1, c1, "a"), jose.JSONWebKey{Key: &other.PublicKey, KeyID: "no-x5c"})))
		res, err := d.Authenticate(ctx, server, Input{ClientID: "self", Certificate: c1})
		require.NoError(t, err)
		assert.NotEmpty(t, res.Credentials.CertificateThumbprint)
	})

	t.Run("single x5c key differs", func(t *testing.T) {
		d := newDispatcher(client(jwks(t, x5cKey(k1, c1, "a"))))
		_, err := d.Authenticate(ctx, server, Input{ClientID: "self", Certificate: c2})
		assertInvalidClient(t, err)
	})

	t.Run("two x5c keys are ambiguous even when one matches", func(t *testing.T) {
		d := newDispatcher(client(jwks(t, x5cKey(k1, c1, "a"), x5cKey(k2, c2, "b"))))
		_, err := d.Authenticate(ctx, server, Input{ClientID: "self", Certificate: c1})
		assertInvalidClient(t, err)
	})

	t.Run("no x5c keys", func(t *testing.T) {
		d := newDispatcher(client(jwks(t, jose.JSONWebKey{Key: &k1.PublicKey, KeyID: "a"})))
		_, err := d.Authenticate(ctx, server, Input{ClientID: "self", Certificate: c1})
		assertInvalidClient(t, err)
	})
}
