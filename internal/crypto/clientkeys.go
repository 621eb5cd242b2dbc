package crypto

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/tendant/tenant-idp/internal/auth"
	"github.com/tendant/tenant-idp/internal/domain"
)

// Asymmetric JWS algorithms accepted from clients and trusted issuers.
var AsymmetricAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// HMACAlgorithms are accepted for client_secret_jwt and secret-signed request objects.
var HMACAlgorithms = []string{"HS256", "HS384", "HS512"}

var errNoKeySet = errors.New("no JWKS registered")

// ParseKeySet parses a JWKS JSON document.
func ParseKeySet(doc string) (jwk.Set, error) {
	if strings.TrimSpace(doc) == "" {
		return nil, errNoKeySet
	}
	set, err := jwk.Parse([]byte(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}
	return set, nil
}

// LookupKey returns the raw public key for kid. Without a kid the set must
// hold exactly one key.
func LookupKey(set jwk.Set, kid string) (any, error) {
	var key jwk.Key
	if kid != "" {
		k, found := set.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
		}
		key = k
	} else {
		if set.Len() != 1 {
			return nil, fmt.Errorf("token has no kid and JWKS holds %d keys", set.Len())
		}
		key, _ = set.Key(0)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}

// KeySetKeyfunc resolves the kid header of a token against a JWKS document.
func KeySetKeyfunc(doc string) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		set, err := ParseKeySet(doc)
		if err != nil {
			return nil, err
		}
		kid, _ := token.Header["kid"].(string)
		return LookupKey(set, kid)
	}
}

// ClientKeyfunc verifies tokens signed by a client: HMAC tokens with the
// client secret and asymmetric ones with the client's registered JWKS.
func ClientKeyfunc(client *domain.ClientConfiguration) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
			if client.ClientSecret == "" || auth.IsHashed(client.ClientSecret) {
				return nil, fmt.Errorf("client %s has no usable secret for %s", client.ClientID, token.Method.Alg())
			}
			return []byte(client.ClientSecret), nil
		}
		return KeySetKeyfunc(client.JWKS)(token)
	}
}

// X5CCertificates returns the leaf certificate (x5c[0]) of every key in the
// JWKS document that carries a certificate chain.
func X5CCertificates(doc string) ([]*x509.Certificate, error) {
	if strings.TrimSpace(doc) == "" {
		return nil, errNoKeySet
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal([]byte(doc), &set); err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}
	var out []*x509.Certificate
	for _, key := range set.Keys {
		if len(key.Certificates) > 0 {
			out = append(out, key.Certificates[0])
		}
	}
	return out, nil
}

// CertificateThumbprint returns the x5t#S256 value of a certificate.
func CertificateThumbprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ParseCertificate reads a client certificate forwarded by a TLS terminating
// proxy: PEM, URL-escaped PEM, or base64 DER.
func ParseCertificate(value string) (*x509.Certificate, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("empty certificate")
	}
	if strings.Contains(value, "%") {
		unescaped, err := url.QueryUnescape(value)
		if err != nil {
			return nil, fmt.Errorf("failed to unescape certificate: %w", err)
		}
		value = unescaped
	}

	if block, _ := pem.Decode([]byte(value)); block != nil {
		return x509.ParseCertificate(block.Bytes)
	}

	der, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("certificate is neither PEM nor base64 DER: %w", err)
	}
	return x509.ParseCertificate(der)
}
