package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tendant/tenant-idp/internal/auth"
	"github.com/tendant/tenant-idp/internal/config"
	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/store/file"
)

// bootstrap creates the configured tenant, users and clients that do not
// exist yet. Existing records are left alone.
func bootstrap(ctx context.Context, cfg *config.Config, s *file.Store, logger *slog.Logger) error {
	tenant := cfg.BootstrapTenant
	if tenant == "" {
		return nil
	}

	if _, err := s.Servers().Get(ctx, tenant); err != nil {
		if !idperrors.IsCode(err, idperrors.CodeNotFound) {
			return err
		}
		server := domain.NewServerConfiguration(tenant, cfg.BaseURL)
		if err := s.PutServer(ctx, server); err != nil {
			return fmt.Errorf("failed to create tenant %s: %w", tenant, err)
		}
		logger.Info("created bootstrap tenant", "tenant_id", tenant, "issuer", server.Issuer)
	}

	for _, u := range cfg.ParseBootstrapUsers() {
		_, err := s.Users().FindBy(ctx, tenant, domain.UserAttributeUsername, u.Username)
		if err == nil {
			continue
		}
		if !idperrors.IsCode(err, idperrors.CodeNotFound) {
			return err
		}

		hash, err := auth.HashPassword(u.Password)
		if err != nil {
			return fmt.Errorf("failed to hash password for %s: %w", u.Username, err)
		}
		user := domain.User{
			Sub:          uuid.NewString(),
			TenantID:     tenant,
			Username:     u.Username,
			Email:        u.Email,
			Status:       domain.UserStatusRegistered,
			PasswordHash: hash,
		}
		if err := s.PutUser(ctx, user); err != nil {
			return fmt.Errorf("failed to create user %s: %w", u.Username, err)
		}
		logger.Info("created bootstrap user", "tenant_id", tenant, "username", u.Username, "sub", user.Sub)
	}

	for _, c := range cfg.ParseBootstrapClients() {
		_, err := s.Clients().Get(ctx, tenant, c.ID)
		if err == nil {
			continue
		}
		if !idperrors.IsCode(err, idperrors.CodeNotFound) {
			return err
		}

		client := domain.ClientConfiguration{
			TenantID:      tenant,
			ClientID:      c.ID,
			ClientName:    c.ID,
			RedirectURIs:  c.RedirectURIs,
			GrantTypes:    []string{string(domain.GrantTypeAuthorizationCode), string(domain.GrantTypeRefreshToken)},
			ResponseTypes: []string{string(domain.ResponseTypeCode)},
			Scope:         "openid profile email offline_access",
		}
		if c.Public {
			client.TokenEndpointAuthMethod = domain.ClientAuthNone
			client.RequirePKCE = true
		} else {
			hash, err := auth.HashPassword(c.Secret)
			if err != nil {
				return fmt.Errorf("failed to hash secret for %s: %w", c.ID, err)
			}
			client.ClientSecret = hash
			client.TokenEndpointAuthMethod = domain.ClientAuthSecretBasic
		}
		if err := s.PutClient(ctx, client); err != nil {
			return fmt.Errorf("failed to create client %s: %w", c.ID, err)
		}
		logger.Info("created bootstrap client", "tenant_id", tenant, "client_id", c.ID, "public", c.Public)
	}
	return nil
}
