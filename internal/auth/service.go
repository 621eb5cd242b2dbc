package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/store"
)

// Service checks end-user credentials within a tenant.
type Service struct {
	users   store.UserRepository
	lockout *LockoutService
	logger  *slog.Logger
}

// ServiceOption configures the Service.
type ServiceOption func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithLockout enables failed-attempt lockout.
func WithLockout(lockout *LockoutService) ServiceOption {
	return func(s *Service) {
		s.lockout = lockout
	}
}

// NewService creates a new auth Service.
func NewService(users store.UserRepository, opts ...ServiceOption) *Service {
	s := &Service{
		users:  users,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

var errInvalidCredentials = idperrors.New(idperrors.CodeUnauthorized, "invalid credentials")

// Authenticate verifies a username and password and returns the user. Unknown
// users and wrong passwords produce the same error.
func (s *Service) Authenticate(ctx context.Context, tenantID, username, password string) (*domain.User, error) {
	key := LockoutKey(tenantID, username)
	if s.lockout.IsLocked(key) {
		return nil, idperrors.New(idperrors.CodeRateLimited, "too many failed attempts")
	}

	user, err := s.users.FindBy(ctx, tenantID, domain.UserAttributeUsername, username)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			s.lockout.RecordFailure(key)
			return nil, errInvalidCredentials
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if !user.Status.IsActive() {
		s.logger.Info("login rejected for inactive user",
			"tenant_id", tenantID, "sub", user.Sub, "status", user.Status)
		return nil, idperrors.New(idperrors.CodeUnauthorized, "account is not active")
	}

	valid, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		s.logger.Error("password verification error", "tenant_id", tenantID, "sub", user.Sub, "error", err)
		return nil, errInvalidCredentials
	}
	if !valid {
		if s.lockout.RecordFailure(key) {
			s.logger.Warn("user locked out", "tenant_id", tenantID, "sub", user.Sub)
		}
		return nil, errInvalidCredentials
	}

	s.lockout.RecordSuccess(key)
	return user, nil
}
