package memory

import (
	"context"
	"sync"

	"github.com/tendant/tenant-idp/internal/crypto"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
)

// KeyRepository implements crypto.KeyRepository in memory.
type KeyRepository struct {
	mu        sync.RWMutex
	keys      []*crypto.KeyPair
	activeKid string
}

var _ crypto.KeyRepository = (*KeyRepository)(nil)

// NewKeyRepository creates an empty KeyRepository.
func NewKeyRepository() *KeyRepository {
	return &KeyRepository{}
}

func (r *KeyRepository) GetByID(ctx context.Context, kid string) (*crypto.KeyPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.keys {
		if k.Kid == kid {
			return k, nil
		}
	}
	return nil, idperrors.NotFound("signing key", kid)
}

func (r *KeyRepository) GetActive(ctx context.Context) (*crypto.KeyPair, error) {
	r.mu.RLock()
	kid := r.activeKid
	r.mu.RUnlock()
	if kid == "" {
		return nil, idperrors.NotFound("active signing key", "")
	}
	return r.GetByID(ctx, kid)
}

func (r *KeyRepository) GetAll(ctx context.Context) ([]*crypto.KeyPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*crypto.KeyPair(nil), r.keys...), nil
}

func (r *KeyRepository) Save(ctx context.Context, keyPair *crypto.KeyPair) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, k := range r.keys {
		if k.Kid == keyPair.Kid {
			r.keys[i] = keyPair
			return nil
		}
	}
	r.keys = append(r.keys, keyPair)
	return nil
}

func (r *KeyRepository) SetActive(ctx context.Context, kid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, k := range r.keys {
		k.Active = k.Kid == kid
		found = found || k.Active
	}
	if !found {
		return idperrors.NotFound("signing key", kid)
	}
	r.activeKid = kid
	return nil
}

func (r *KeyRepository) Delete(ctx context.Context, kid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, k := range r.keys {
		if k.Kid == kid {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			if r.activeKid == kid {
				r.activeKid = ""
			}
			return nil
		}
	}
	return idperrors.NotFound("signing key", kid)
}
