package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tendant/tenant-idp/internal/clientauth"
	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/metrics"
	"github.com/tendant/tenant-idp/internal/store"
	"github.com/tendant/tenant-idp/internal/telemetry"
)

// TokenRequest represents a parsed token request.
type TokenRequest struct {
	TenantID     string
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	Assertion    string
	AuthReqID    string

	// Client holds the presented client authentication material.
	Client clientauth.Input
}

// TokenRequestContext is a token request after client authentication.
type TokenRequestContext struct {
	Request     *TokenRequest
	GrantType   domain.GrantType
	Server      *domain.ServerConfiguration
	Client      *domain.ClientConfiguration
	Credentials *domain.ClientCredentials
	Now         time.Time
}

// GrantService handles one grant type.
type GrantService interface {
	Grant(ctx context.Context, tc *TokenRequestContext) (*TokenResponse, error)
}

// GrantFunc adapts a function to GrantService.
type GrantFunc func(ctx context.Context, tc *TokenRequestContext) (*TokenResponse, error)

// Grant calls f.
func (f GrantFunc) Grant(ctx context.Context, tc *TokenRequestContext) (*TokenResponse, error) {
	return f(ctx, tc)
}

// TokenService dispatches token requests to the registered grant services.
// Grants are registered once at startup.
type TokenService struct {
	servers store.ServerConfigurationRepository
	clients *clientauth.Dispatcher
	tokens  store.OAuthTokenRepository
	grants  map[domain.GrantType]GrantService
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// TokenServiceOption configures the TokenService.
type TokenServiceOption func(*TokenService)

// WithTokenLogger sets the logger.
func WithTokenLogger(logger *slog.Logger) TokenServiceOption {
	return func(s *TokenService) {
		s.logger = logger
	}
}

// WithTokenClock overrides the clock.
func WithTokenClock(now func() time.Time) TokenServiceOption {
	return func(s *TokenService) {
		s.now = now
	}
}

// NewTokenService creates a TokenService without any grants.
func NewTokenService(servers store.ServerConfigurationRepository, clients *clientauth.Dispatcher,
	tokens store.OAuthTokenRepository, opts ...TokenServiceOption) *TokenService {
	s := &TokenService{
		servers: servers,
		clients: clients,
		tokens:  tokens,
		grants:  make(map[domain.GrantType]GrantService),
		logger:  slog.Default(),
		tracer:  telemetry.Tracer("oidc"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register installs the service for a grant type.
func (s *TokenService) Register(gt domain.GrantType, svc GrantService) {
	s.grants[gt] = svc
}

// Request authenticates the client and runs the grant of the request.
func (s *TokenService) Request(ctx context.Context, req *TokenRequest) (resp *TokenResponse, err error) {
	ctx, span := telemetry.Start(ctx, s.tracer, "oidc.TokenService.Request", req.TenantID, req.Client.ClientID,
		attribute.String("oauth.grant_type", req.GrantType))
	defer func() { telemetry.End(span, err) }()

	resp, err = s.request(ctx, req)
	if err != nil {
		e := idperrors.OAuth(err)
		metrics.RecordTokenError(req.GrantType, e.Code)
		if e.Code == idperrors.CodeServerError {
			s.logger.Error("token request failed",
				"tenant_id", req.TenantID, "grant_type", req.GrantType, "error", err)
		} else {
			s.logger.Debug("token request rejected",
				"tenant_id", req.TenantID, "grant_type", req.GrantType, "error", err)
		}
		return nil, e
	}
	return resp, nil
}

func (s *TokenService) request(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.GrantType == "" {
		return nil, idperrors.ClientError("", "grant_type is required")
	}

	server, auth, err := s.Authenticate(ctx, req.TenantID, req.Client)
	if err != nil {
		return nil, err
	}

	gt := domain.GrantType(req.GrantType)
	if !server.SupportsGrantType(gt) {
		return nil, idperrors.UnsupportedGrantType(req.GrantType)
	}
	if !auth.Client.SupportsGrantType(gt) {
		return nil, idperrors.ClientError(idperrors.CodeUnauthorizedClient,
			"client is not allowed to use grant_type "+req.GrantType)
	}
	svc, ok := s.grants[gt]
	if !ok {
		return nil, idperrors.UnsupportedGrantType(req.GrantType)
	}

	return svc.Grant(ctx, &TokenRequestContext{
		Request:     req,
		GrantType:   gt,
		Server:      server,
		Client:      auth.Client,
		Credentials: auth.Credentials,
		Now:         s.now(),
	})
}

// Authenticate loads the tenant configuration and authenticates the client.
func (s *TokenService) Authenticate(ctx context.Context, tenantID string, in clientauth.Input) (*domain.ServerConfiguration, *clientauth.Result, error) {
	server, err := LoadServer(ctx, s.servers, tenantID)
	if err != nil {
		return nil, nil, err
	}
	auth, err := s.clients.Authenticate(ctx, server, in)
	if err != nil {
		return nil, nil, err
	}
	return server, auth, nil
}

// LoadServer returns the tenant's server configuration, mapping an unknown
// tenant to a protocol error.
func LoadServer(ctx context.Context, servers store.ServerConfigurationRepository, tenantID string) (*domain.ServerConfiguration, error) {
	server, err := servers.Get(ctx, tenantID)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.ConfigurationNotFound("tenant", tenantID)
		}
		return nil, fmt.Errorf("failed to get server configuration: %w", err)
	}
	return server, nil
}
