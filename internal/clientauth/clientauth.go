// Package clientauth authenticates OAuth clients at the token, revocation,
// introspection and backchannel endpoints.
//
// The method is always the one the client registered as its
// token_endpoint_auth_method. What the caller happens to present never
// selects the strategy.
package clientauth

import (
	"context"
	"crypto/x509"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tendant/tenant-idp/internal/crypto"
	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/metrics"
	"github.com/tendant/tenant-idp/internal/store"
)

// Input is what the transport extracted from the request.
type Input struct {
	// ClientID is the client_id form parameter.
	ClientID string

	BasicUser     string
	BasicPassword string
	HasBasic      bool

	// ClientSecret is the client_secret form parameter.
	ClientSecret string

	ClientAssertion     string
	ClientAssertionType string

	// Certificate is the presented TLS client certificate, if any.
	Certificate *x509.Certificate
}

// Request is the input of one strategy.
type Request struct {
	Server *domain.ServerConfiguration
	Client *domain.ClientConfiguration
	Input  Input
	Now    time.Time
}

// Authenticator is one client authentication strategy.
type Authenticator interface {
	Authenticate(ctx context.Context, req *Request) (*domain.ClientCredentials, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, req *Request) (*domain.ClientCredentials, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, req *Request) (*domain.ClientCredentials, error) {
	return f(ctx, req)
}

// Result is an authenticated client.
type Result struct {
	Client      *domain.ClientConfiguration
	Credentials *domain.ClientCredentials
}

// Dispatcher selects the registered strategy for a client and runs it.
type Dispatcher struct {
	clients    store.ClientConfigurationRepository
	strategies map[domain.ClientAuthMethod]Authenticator
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithClock overrides the clock used for assertion expiry checks.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a Dispatcher with every supported strategy registered.
func NewDispatcher(clients store.ClientConfigurationRepository, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		clients: clients,
		strategies: map[domain.ClientAuthMethod]Authenticator{
			domain.ClientAuthNone:                    AuthenticatorFunc(authenticateNone),
			domain.ClientAuthSecretBasic:             AuthenticatorFunc(authenticateSecretBasic),
			domain.ClientAuthSecretPost:              AuthenticatorFunc(authenticateSecretPost),
			domain.ClientAuthSecretJWT:               AuthenticatorFunc(authenticateSecretJWT),
			domain.ClientAuthPrivateKeyJWT:           AuthenticatorFunc(authenticatePrivateKeyJWT),
			domain.ClientAuthTLSClientAuth:           AuthenticatorFunc(authenticateTLSClient),
			domain.ClientAuthSelfSignedTLSClientAuth: AuthenticatorFunc(authenticateSelfSignedTLSClient),
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Methods lists the registered methods.
func (d *Dispatcher) Methods() []domain.ClientAuthMethod {
	out := make([]domain.ClientAuthMethod, 0, len(d.strategies))
	for m := range d.strategies {
		out = append(out, m)
	}
	return out
}

// Authenticate identifies the client, loads its configuration and runs the
// strategy of its registered method.
func (d *Dispatcher) Authenticate(ctx context.Context, server *domain.ServerConfiguration, in Input) (*Result, error) {
	clientID, err := resolveClientID(in)
	if err != nil {
		return nil, err
	}

	client, err := d.clients.Get(ctx, server.TenantID, clientID)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.ConfigurationNotFound("client", clientID)
		}
		return nil, err
	}

	method := client.AuthMethod()
	strategy, ok := d.strategies[method]
	if !ok {
		return nil, idperrors.ClientUnauthorized("unsupported token_endpoint_auth_method: " + string(method))
	}

	creds, err := strategy.Authenticate(ctx, &Request{Server: server, Client: client, Input: in, Now: d.now()})
	metrics.RecordClientAuthentication(string(method), err == nil)
	if err != nil {
		d.logger.Debug("client authentication failed",
			"tenant_id", server.TenantID, "client_id", clientID, "method", method, "error", err)
		return nil, err
	}

	creds.Method = method
	creds.ClientID = client.ClientID
	if in.Certificate != nil && creds.Certificate == nil {
		creds.Certificate = in.Certificate
	}
	if creds.Certificate != nil {
		creds.CertificateThumbprint = crypto.CertificateThumbprint(creds.Certificate)
	}
	return &Result{Client: client, Credentials: creds}, nil
}

// resolveClientID finds the client identifier without trusting any of the
// presented proofs yet.
func resolveClientID(in Input) (string, error) {
	if in.HasBasic && in.ClientSecret != "" {
		return "", idperrors.ClientError("", "multiple client authentication methods presented")
	}

	var candidates []string
	if in.HasBasic {
		candidates = append(candidates, in.BasicUser)
	}
	if in.ClientID != "" {
		candidates = append(candidates, in.ClientID)
	}
	if in.ClientAssertion != "" {
		if sub := unverifiedSubject(in.ClientAssertion); sub != "" {
			candidates = append(candidates, sub)
		}
	}

	if len(candidates) == 0 {
		return "", idperrors.ClientUnauthorized("client identification is missing")
	}
	for _, c := range candidates[1:] {
		if c != candidates[0] {
			return "", idperrors.ClientUnauthorized("client identifiers in the request do not match")
		}
	}
	return candidates[0], nil
}

func unverifiedSubject(assertion string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(assertion, claims); err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}
