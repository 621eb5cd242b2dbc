package http

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tendant/tenant-idp/internal/auth"
	"github.com/tendant/tenant-idp/internal/ciba"
	"github.com/tendant/tenant-idp/internal/crypto"
	"github.com/tendant/tenant-idp/internal/metrics"
	"github.com/tendant/tenant-idp/internal/oidc"
	"github.com/tendant/tenant-idp/internal/store"
)

// Services are the protocol services behind the tenant routes.
type Services struct {
	Servers   store.ServerConfigurationRepository
	Keys      *crypto.KeyService
	Auth      *auth.Service
	Authorize *oidc.AuthorizeService
	Tokens    *oidc.TokenService
	UserInfo  *oidc.UserInfoService
	CIBA      *ciba.Service
}

// Server represents the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	logger *slog.Logger
	health *HealthHandler

	services         *Services
	interactionURL   string
	clientCertHeader string
	tokenRateLimit   int
	loginRateLimit   int
	cors             *CORSConfig
	checks           map[string]ReadinessCheck

	certFile, keyFile string
	clientCAs         *x509.CertPool
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServices mounts the tenant routes.
func WithServices(services *Services) Option {
	return func(s *Server) {
		s.services = services
	}
}

// WithInteractionURL sets where accepted authorization requests send the browser.
func WithInteractionURL(u string) Option {
	return func(s *Server) {
		s.interactionURL = u
	}
}

// WithClientCertHeader accepts client certificates forwarded by a TLS
// terminating proxy in the named header.
func WithClientCertHeader(header string) Option {
	return func(s *Server) {
		s.clientCertHeader = header
	}
}

// WithRateLimits sets the per-IP limits, per minute, of the token and
// backchannel endpoints and of the login calls. Zero disables a limit.
func WithRateLimits(token, login int) Option {
	return func(s *Server) {
		s.tokenRateLimit = token
		s.loginRateLimit = login
	}
}

// WithCORS sets the CORS policy of the browser-facing endpoints.
func WithCORS(cfg *CORSConfig) Option {
	return func(s *Server) {
		s.cors = cfg
	}
}

// WithReadinessCheck adds a dependency check to /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// WithTLS serves TLS. With clientCAs, presented client certificates must
// chain to them; without, any certificate is accepted and left to the
// client authentication methods to check.
func WithTLS(certFile, keyFile string, clientCAs *x509.CertPool) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
		s.clientCAs = clientCAs
	}
}

// NewServer creates a new HTTP server with default middleware.
func NewServer(addr string, opts ...Option) *Server {
	r := chi.NewRouter()

	s := &Server{
		router: r,
		logger: slog.Default(),
		checks: make(map[string]ReadinessCheck),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Default middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(RequestLogger(s.logger))
	r.Use(metrics.Middleware)
	r.Use(SecurityHeaders)

	// Health endpoints
	s.health = NewHealthHandler(s.checks)
	r.Get("/healthz", s.health.Healthz)
	r.Get("/readyz", s.health.Readyz)
	r.Handle("/metrics", metrics.Handler())

	if s.services != nil {
		s.mountTenantRoutes()
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if s.certFile != "" {
		cfg := &tls.Config{MinVersion: tls.VersionTLS12, ClientAuth: tls.RequestClientCert}
		if s.clientCAs != nil {
			cfg.ClientAuth = tls.VerifyClientCertIfGiven
			cfg.ClientCAs = s.clientCAs
		}
		s.server.TLSConfig = cfg
	}

	return s
}

func (s *Server) mountTenantRoutes() {
	svc := s.services
	discovery := NewDiscoveryHandler(svc.Servers, s.logger)
	jwks := NewJWKSHandler(svc.Servers, svc.Keys, s.logger)
	oidcHandler := NewOIDCHandler(svc.Authorize, svc.Tokens, svc.UserInfo, s.interactionURL, s.logger)
	interaction := NewInteractionHandler(svc.Authorize, s.logger)

	s.router.Route("/{tenant}", func(r chi.Router) {
		r.Use(ClientCertificate(s.clientCertHeader, s.logger))

		r.Group(func(r chi.Router) {
			r.Use(CORSMiddleware(s.cors))
			r.Get("/.well-known/openid-configuration", discovery.OpenIDConfiguration)
			r.Get("/v1/jwks", jwks.JWKS)
			r.Get("/v1/userinfo", oidcHandler.UserInfo)
			r.Post("/v1/userinfo", oidcHandler.UserInfo)
			r.Options("/v1/userinfo", func(w http.ResponseWriter, r *http.Request) {})
		})

		r.Get("/v1/authorizations", oidcHandler.Authorize)
		r.Post("/v1/authorizations", oidcHandler.Authorize)
		r.Route("/v1/authorizations/{id}", func(r chi.Router) {
			r.Get("/view-data", interaction.ViewData)
			r.With(RateLimit("login", s.loginRateLimit)).Post("/authorize", interaction.Authorize)
			r.Post("/deny", interaction.Deny)
		})

		r.Group(func(r chi.Router) {
			r.Use(RateLimit("token", s.tokenRateLimit))
			r.Use(RequireForm)
			r.Post("/v1/tokens", oidcHandler.Token)
			r.Post("/v1/tokens/revocation", oidcHandler.Revoke)
			r.Post("/v1/tokens/introspection", oidcHandler.Introspect)
		})

		if svc.CIBA != nil {
			cibaHandler := NewCIBAHandler(svc.CIBA, svc.Auth, s.logger)
			r.With(RateLimit("backchannel", s.tokenRateLimit), RequireForm).
				Post("/v1/backchannel/authentications", cibaHandler.BackchannelAuthentication)
			r.Route("/v1/backchannel/authentications/{id}", func(r chi.Router) {
				r.Use(RateLimit("device", s.loginRateLimit))
				r.Get("/", cibaHandler.Get)
				r.Post("/authorize", cibaHandler.Authorize)
				r.Post("/deny", cibaHandler.Deny)
			})
		}
	})
}

// Router returns the chi router for adding routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "addr", s.server.Addr, "tls", s.certFile != "")
	if s.certFile != "" {
		return s.server.ListenAndServeTLS(s.certFile, s.keyFile)
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server. Readiness fails from the start
// of the shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.health.SetReady(false)
	return s.server.Shutdown(ctx)
}
