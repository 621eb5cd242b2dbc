package crypto

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	idperrors "github.com/tendant/tenant-idp/internal/errors"
)

// KeyRepository stores provider signing keys.
type KeyRepository interface {
	GetByID(ctx context.Context, kid string) (*KeyPair, error)
	GetActive(ctx context.Context) (*KeyPair, error)
	GetAll(ctx context.Context) ([]*KeyPair, error)
	Save(ctx context.Context, keyPair *KeyPair) error
	SetActive(ctx context.Context, kid string) error
	Delete(ctx context.Context, kid string) error
}

// KeyService manages the signing keys shared by every tenant.
type KeyService struct {
	repo    KeyRepository
	keySize int
	logger  *slog.Logger
	mu      sync.RWMutex
}

// KeyServiceOption configures the KeyService.
type KeyServiceOption func(*KeyService)

// WithKeyLogger sets the logger.
func WithKeyLogger(logger *slog.Logger) KeyServiceOption {
	return func(s *KeyService) {
		s.logger = logger
	}
}

// WithKeySize overrides the RSA size of generated keys.
func WithKeySize(bits int) KeyServiceOption {
	return func(s *KeyService) {
		s.keySize = bits
	}
}

// NewKeyService creates a new KeyService.
func NewKeyService(repo KeyRepository, opts ...KeyServiceOption) *KeyService {
	s := &KeyService{
		repo:    repo,
		keySize: DefaultKeySize,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureActiveKey returns the active key, generating one if there is none.
func (s *KeyService) EnsureActiveKey(ctx context.Context) (*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.repo.GetActive(ctx)
	switch {
	case err == nil:
		if err := key.loaded(); err != nil {
			return nil, fmt.Errorf("failed to load key from PEM: %w", err)
		}
		return key, nil
	case !idperrors.IsCode(err, idperrors.CodeNotFound):
		return nil, err
	}

	key, err = s.generateAndActivate(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info("generated signing key", "kid", key.Kid)
	return key, nil
}

func (s *KeyService) generateAndActivate(ctx context.Context) (*KeyPair, error) {
	key, err := GenerateKeyPair(s.keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := s.repo.Save(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}
	if err := s.repo.SetActive(ctx, key.Kid); err != nil {
		return nil, fmt.Errorf("failed to activate key: %w", err)
	}
	return key, nil
}

// GetActiveKey returns the current signing key.
func (s *KeyService) GetActiveKey(ctx context.Context) (*KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, err := s.repo.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	if err := key.loaded(); err != nil {
		return nil, fmt.Errorf("failed to load key from PEM: %w", err)
	}
	return key, nil
}

// GetKeyByID returns a signing or rotated-out key by kid.
func (s *KeyService) GetKeyByID(ctx context.Context, kid string) (*KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, err := s.repo.GetByID(ctx, kid)
	if err != nil {
		return nil, err
	}
	if err := key.loaded(); err != nil {
		return nil, fmt.Errorf("failed to load key from PEM: %w", err)
	}
	return key, nil
}

// JWKS returns every key that may still verify tokens.
func (s *KeyService) JWKS(ctx context.Context) (jose.JSONWebKeySet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, err := s.repo.GetAll(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return PublicJWKS(keys), nil
}

// RotateKey activates a new key. The previous key keeps verifying for gracePeriod.
func (s *KeyService) RotateKey(ctx context.Context, gracePeriod time.Duration) (*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked(ctx, gracePeriod)
}

func (s *KeyService) rotateLocked(ctx context.Context, gracePeriod time.Duration) (*KeyPair, error) {
	old, err := s.repo.GetActive(ctx)
	if err == nil {
		old.Active = false
		old.ExpiresAt = time.Now().Add(gracePeriod)
		if err := s.repo.Save(ctx, old); err != nil {
			return nil, fmt.Errorf("failed to update old key: %w", err)
		}
	} else if !idperrors.IsCode(err, idperrors.CodeNotFound) {
		return nil, err
	}

	key, err := s.generateAndActivate(ctx)
	if err != nil {
		return nil, err
	}
	if old != nil {
		s.logger.Info("rotated signing key", "kid", key.Kid, "previous_kid", old.Kid)
	}
	return key, nil
}

// RotateIfOlderThan rotates the active key once it is older than maxAge.
// It reports whether a rotation happened.
func (s *KeyService) RotateIfOlderThan(ctx context.Context, maxAge, gracePeriod time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.repo.GetActive(ctx)
	if err != nil && !idperrors.IsCode(err, idperrors.CodeNotFound) {
		return false, err
	}
	if active != nil && time.Since(active.CreatedAt) < maxAge {
		return false, nil
	}
	if _, err := s.rotateLocked(ctx, gracePeriod); err != nil {
		return false, err
	}
	return true, nil
}

// CleanupExpiredKeys removes rotated-out keys past their grace period.
func (s *KeyService) CleanupExpiredKeys(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.repo.GetAll(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range keys {
		if key.Active || !key.IsExpired() {
			continue
		}
		if err := s.repo.Delete(ctx, key.Kid); err != nil {
			return removed, fmt.Errorf("failed to delete expired key %s: %w", key.Kid, err)
		}
		removed++
	}
	return removed, nil
}
