// Package main is the entry point for the multi-tenant Identity Provider.
package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tendant/tenant-idp/internal/auth"
	"github.com/tendant/tenant-idp/internal/ciba"
	"github.com/tendant/tenant-idp/internal/clientauth"
	"github.com/tendant/tenant-idp/internal/config"
	"github.com/tendant/tenant-idp/internal/crypto"
	"github.com/tendant/tenant-idp/internal/domain"
	idphttp "github.com/tendant/tenant-idp/internal/http"
	"github.com/tendant/tenant-idp/internal/metrics"
	"github.com/tendant/tenant-idp/internal/oidc"
	"github.com/tendant/tenant-idp/internal/policy"
	"github.com/tendant/tenant-idp/internal/store"
	"github.com/tendant/tenant-idp/internal/store/file"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.LogLevel),
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.LogLevel),
		})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize file store
	configStore, err := file.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer configStore.Close()
	logger.Info("initialized file store", "data_dir", cfg.DataDir)

	if err := bootstrap(ctx, cfg, configStore, logger); err != nil {
		return fmt.Errorf("failed to bootstrap tenant: %w", err)
	}

	grants, checks, err := openGrantStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize grant store: %w", err)
	}
	defer grants.Close()
	logger.Info("initialized grant store", "kind", cfg.GrantStore)

	// Signing keys
	keyService := crypto.NewKeyService(configStore.SigningKeys(), crypto.WithKeyLogger(logger))
	key, err := keyService.EnsureActiveKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to ensure signing key: %w", err)
	}
	logger.Info("signing key ready", "kid", key.Kid)
	signer := crypto.NewSigner(keyService)

	// Services
	authService := auth.NewService(configStore.Users(),
		auth.WithLogger(logger),
		auth.WithLockout(auth.NewLockoutService(cfg.LockoutMaxAttempts, cfg.LockoutDuration)),
	)
	dispatcher := clientauth.NewDispatcher(configStore.Clients(), clientauth.WithLogger(logger))
	policies := policy.NewResolver(configStore.Policies())
	issuer := oidc.NewTokenIssuer(signer, grants.Tokens(), configStore.Users())

	tokenService := oidc.NewTokenService(configStore.Servers(), dispatcher, grants.Tokens(), oidc.WithTokenLogger(logger))
	tokenService.Register(domain.GrantTypeAuthorizationCode,
		oidc.NewAuthorizationCodeGrant(grants.AuthorizationCodes(), grants.AuthorizationRequests(), issuer))
	tokenService.Register(domain.GrantTypeRefreshToken, oidc.NewRefreshTokenGrant(grants.Tokens(), configStore.Users(), issuer))
	tokenService.Register(domain.GrantTypeClientCredentials, oidc.NewClientCredentialsGrant(issuer))
	tokenService.Register(domain.GrantTypeJWTBearer, oidc.NewJWTBearerGrant(configStore.Users(), issuer))
	tokenService.Register(domain.GrantTypeCIBA, ciba.NewGrantService(grants.CibaGrants(), configStore.Users(), issuer))

	services := &idphttp.Services{
		Servers:   configStore.Servers(),
		Keys:      keyService,
		Auth:      authService,
		Authorize: oidc.NewAuthorizeService(configStore, grants, authService, policies, oidc.WithAuthorizeLogger(logger)),
		Tokens:    tokenService,
		UserInfo:  oidc.NewUserInfoService(configStore.Servers(), grants.Tokens(), configStore.Users()),
		CIBA:      ciba.NewService(configStore, grants.CibaGrants(), dispatcher, policies, signer, ciba.WithLogger(logger)),
	}

	opts := []idphttp.Option{
		idphttp.WithLogger(logger),
		idphttp.WithServices(services),
		idphttp.WithInteractionURL(cfg.InteractionURL),
		idphttp.WithClientCertHeader(cfg.ClientCertHeader),
		idphttp.WithRateLimits(cfg.TokenRateLimit, cfg.LoginRateLimit),
	}
	for name, check := range checks {
		opts = append(opts, idphttp.WithReadinessCheck(name, check))
	}
	if cfg.TLSEnabled() {
		var pool *x509.CertPool
		if cfg.TLSClientCAFile != "" {
			pool, err = loadCertPool(cfg.TLSClientCAFile)
			if err != nil {
				return err
			}
		}
		opts = append(opts, idphttp.WithTLS(cfg.TLSCertFile, cfg.TLSKeyFile, pool))
	}

	// Create HTTP server
	server := idphttp.NewServer(cfg.Addr(), opts...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sweepExpired(ctx, grants, cfg.SweepInterval, logger)
		return nil
	})
	g.Go(func() error {
		rotateKeys(ctx, keyService, cfg.SigningKeyMaxAge(), cfg.SigningKeyGracePeriod, logger)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	logger.Info("server started", "addr", cfg.Addr(), "base_url", cfg.BaseURL, "tls", cfg.TLSEnabled())
	return g.Wait()
}

// sweepExpired deletes expired grants and tokens every interval until ctx ends.
func sweepExpired(ctx context.Context, grants store.Grants, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			res, err := store.Sweep(ctx, grants, now)
			if err != nil {
				logger.Error("failed to sweep expired grants", "error", err)
			}
			metrics.RecordSwept("authorization_request", res.AuthorizationRequests)
			metrics.RecordSwept("authorization_code", res.AuthorizationCodes)
			metrics.RecordSwept("ciba_grant", res.CibaGrants)
			metrics.RecordSwept("token", res.Tokens)
			if n := res.Total(); n > 0 {
				logger.Debug("swept expired grants", "count", n)
			}
		}
	}
}

// rotateKeys replaces the signing key once it is older than maxAge and drops
// keys past their grace period. Zero maxAge disables rotation.
func rotateKeys(ctx context.Context, keys *crypto.KeyService, maxAge, grace time.Duration, logger *slog.Logger) {
	if maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := keys.RotateIfOlderThan(ctx, maxAge, grace); err != nil {
				logger.Error("failed to rotate signing key", "error", err)
			}
			if _, err := keys.CleanupExpiredKeys(ctx); err != nil {
				logger.Error("failed to clean up signing keys", "error", err)
			}
		}
	}
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
