package clientauth

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"strings"

	"github.com/tendant/tenant-idp/internal/crypto"
	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
)

// certBinding is one registered tls_client_auth field and its matcher.
type certBinding struct {
	name       string
	registered func(*domain.ClientConfiguration) string
	matches    func(cert *x509.Certificate, value string) bool
}

// certBindings are checked in this order; the first match wins.
var certBindings = []certBinding{
	{
		name:       "tls_client_auth_subject_dn",
		registered: func(c *domain.ClientConfiguration) string { return c.TLSClientAuthSubjectDN },
		matches: func(cert *x509.Certificate, v string) bool {
			return normalizeDN(cert.Subject.String()) == normalizeDN(v)
		},
	},
	{
		name:       "tls_client_auth_san_dns",
		registered: func(c *domain.ClientConfiguration) string { return c.TLSClientAuthSANDNS },
		matches: func(cert *x509.Certificate, v string) bool {
			for _, name := range cert.DNSNames {
				if strings.EqualFold(name, v) {
					return true
				}
			}
			return false
		},
	},
	{
		name:       "tls_client_auth_san_uri",
		registered: func(c *domain.ClientConfiguration) string { return c.TLSClientAuthSANURI },
		matches: func(cert *x509.Certificate, v string) bool {
			for _, u := range cert.URIs {
				if u.String() == v {
					return true
				}
			}
			return false
		},
	},
	{
		name:       "tls_client_auth_san_ip",
		registered: func(c *domain.ClientConfiguration) string { return c.TLSClientAuthSANIP },
		matches: func(cert *x509.Certificate, v string) bool {
			ip := net.ParseIP(v)
			if ip == nil {
				return false
			}
			for _, addr := range cert.IPAddresses {
				if addr.Equal(ip) {
					return true
				}
			}
			return false
		},
	},
	{
		name:       "tls_client_auth_san_email",
		registered: func(c *domain.ClientConfiguration) string { return c.TLSClientAuthSANEmail },
		matches: func(cert *x509.Certificate, v string) bool {
			for _, email := range cert.EmailAddresses {
				if email == v {
					return true
				}
			}
			return false
		},
	},
}

// normalizeDN makes RFC 4514 strings comparable across "CN=a, O=b" and "cn=a,o=b".
func normalizeDN(dn string) string {
	parts := strings.Split(dn, ",")
	for i, p := range parts {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) == 2 {
			parts[i] = strings.ToUpper(strings.TrimSpace(kv[0])) + "=" + strings.TrimSpace(kv[1])
		} else {
			parts[i] = strings.TrimSpace(p)
		}
	}
	return strings.Join(parts, ",")
}

// MatchCertificate returns the name of the first registered binding the
// certificate satisfies.
func MatchCertificate(client *domain.ClientConfiguration, cert *x509.Certificate) (string, bool) {
	for _, b := range certBindings {
		v := b.registered(client)
		if v == "" {
			continue
		}
		if b.matches(cert, v) {
			return b.name, true
		}
	}
	return "", false
}

func authenticateTLSClient(_ context.Context, req *Request) (*domain.ClientCredentials, error) {
	cert := req.Input.Certificate
	if cert == nil {
		return nil, idperrors.ClientUnauthorized("tls_client_auth requires a client certificate")
	}
	if _, ok := MatchCertificate(req.Client, cert); !ok {
		return nil, idperrors.ClientUnauthorized("client certificate does not match any registered binding")
	}
	return &domain.ClientCredentials{Certificate: cert}, nil
}

func authenticateSelfSignedTLSClient(_ context.Context, req *Request) (*domain.ClientCredentials, error) {
	cert := req.Input.Certificate
	if cert == nil {
		return nil, idperrors.ClientUnauthorized("self_signed_tls_client_auth requires a client certificate")
	}

	registered, err := crypto.X5CCertificates(req.Client.JWKS)
	if err != nil {
		return nil, idperrors.ClientUnauthorized("client JWKS is unusable: " + err.Error())
	}
	if len(registered) != 1 {
		return nil, idperrors.ClientUnauthorized(
			fmt.Sprintf("client JWKS must hold exactly one key with x5c, found %d", len(registered)))
	}
	if !bytes.Equal(registered[0].Raw, cert.Raw) {
		return nil, idperrors.ClientUnauthorized("client certificate does not match the registered x5c certificate")
	}
	return &domain.ClientCredentials{Certificate: cert}, nil
}
