package crypto

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"

	idperrors "github.com/tendant/tenant-idp/internal/errors"
)

// memKeys is a map-backed KeyRepository for tests.
type memKeys struct {
	mu     sync.Mutex
	keys   map[string]*KeyPair
	active string
}

func newMemKeys() *memKeys {
	return &memKeys{keys: make(map[string]*KeyPair)}
}

func (m *memKeys) GetByID(ctx context.Context, kid string) (*KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[kid]; ok {
		return k, nil
	}
	return nil, idperrors.NotFound("signing key", kid)
}

func (m *memKeys) GetActive(ctx context.Context) (*KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[m.active]; ok {
		return k, nil
	}
	return nil, idperrors.NotFound("active signing key", m.active)
}

func (m *memKeys) GetAll(ctx context.Context) ([]*KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*KeyPair, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k)
	}
	return out, nil
}

func (m *memKeys) Save(ctx context.Context, kp *KeyPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[kp.Kid] = kp
	return nil
}

func (m *memKeys) SetActive(ctx context.Context, kid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, k := range m.keys {
		k.Active = id == kid
	}
	m.active = kid
	return nil
}

func (m *memKeys) Delete(ctx context.Context, kid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, kid)
	return nil
}

func TestGenerateKeyPair(t *testing.T) {
	keyPair, err := GenerateKeyPair(2048)
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	want, err := DeriveKeyID(keyPair.PublicKey)
	if err != nil {
		t.Fatalf("DeriveKeyID failed: %v", err)
	}
	if keyPair.Kid != want {
		t.Errorf("Kid = %s, want thumbprint %s", keyPair.Kid, want)
	}
	if keyPair.Alg != "RS256" {
		t.Errorf("Expected algorithm RS256, got %s", keyPair.Alg)
	}
	if keyPair.PrivateKey == nil || keyPair.PublicKey == nil {
		t.Error("Keys should not be nil")
	}
	if !keyPair.Active {
		t.Error("New key should be active")
	}
	if keyPair.IsExpired() {
		t.Error("New key should not be expired")
	}
}

func TestDeriveKeyIDMatchesJWKThumbprint(t *testing.T) {
	keyPair, err := GenerateKeyPair(2048)
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	kid, err := DeriveKeyID(keyPair.PublicKey)
	if err != nil {
		t.Fatalf("DeriveKeyID failed: %v", err)
	}

	key, err := jwk.Import(keyPair.PublicKey)
	if err != nil {
		t.Fatalf("jwk.Import failed: %v", err)
	}
	thumbprint, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		t.Fatalf("Thumbprint failed: %v", err)
	}
	if want := base64.RawURLEncoding.EncodeToString(thumbprint); kid != want {
		t.Errorf("DeriveKeyID = %s, want %s", kid, want)
	}
}

func TestKeyPairPEMRoundTrip(t *testing.T) {
	keyPair, err := GenerateKeyPair(2048)
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	data, err := json.Marshal(keyPair)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var restored KeyPair
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if restored.PrivateKey != nil {
		t.Error("Parsed keys must not be serialized")
	}
	if err := restored.LoadFromPEM(); err != nil {
		t.Fatalf("LoadFromPEM failed: %v", err)
	}
	if !restored.PublicKey.Equal(keyPair.PublicKey) {
		t.Error("Public key should survive the round trip")
	}
	if kid, _ := DeriveKeyID(restored.PublicKey); kid != keyPair.Kid {
		t.Error("Thumbprint should be stable across the round trip")
	}
}

func TestPublicJWKS(t *testing.T) {
	active, _ := GenerateKeyPair(2048)
	rotated, _ := GenerateKeyPair(2048)
	rotated.Active = false
	rotated.ExpiresAt = time.Now().Add(time.Hour)
	expired, _ := GenerateKeyPair(2048)
	expired.Active = false
	expired.ExpiresAt = time.Now().Add(-time.Hour)

	set := PublicJWKS([]*KeyPair{active, rotated, expired})
	if len(set.Keys) != 2 {
		t.Fatalf("Expected 2 published keys, got %d", len(set.Keys))
	}
	if len(set.Key(active.Kid)) != 1 || len(set.Key(rotated.Kid)) != 1 {
		t.Error("Active and rotated keys should be published")
	}
	if len(set.Key(expired.Kid)) != 0 {
		t.Error("Expired key should not be published")
	}

	data, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if _, err := ParseKeySet(string(data)); err != nil {
		t.Errorf("Published set should parse as a client key set: %v", err)
	}
}

func TestKeyServiceRotation(t *testing.T) {
	ctx := context.Background()
	svc := NewKeyService(newMemKeys())

	first, err := svc.EnsureActiveKey(ctx)
	if err != nil {
		t.Fatalf("EnsureActiveKey failed: %v", err)
	}
	again, err := svc.EnsureActiveKey(ctx)
	if err != nil || again.Kid != first.Kid {
		t.Fatal("EnsureActiveKey should reuse the active key")
	}

	rotated, err := svc.RotateIfOlderThan(ctx, time.Hour, time.Minute)
	if err != nil || rotated {
		t.Fatalf("Fresh key should not rotate (rotated=%v, err=%v)", rotated, err)
	}

	second, err := svc.RotateKey(ctx, time.Minute)
	if err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}
	if second.Kid == first.Kid {
		t.Error("Rotation should produce a new key")
	}

	set, err := svc.JWKS(ctx)
	if err != nil {
		t.Fatalf("JWKS failed: %v", err)
	}
	if len(set.Keys) != 2 {
		t.Errorf("Both keys should verify during the grace period, got %d", len(set.Keys))
	}

	old, _ := svc.GetKeyByID(ctx, first.Kid)
	old.ExpiresAt = time.Now().Add(-time.Second)
	removed, err := svc.CleanupExpiredKeys(ctx)
	if err != nil || removed != 1 {
		t.Errorf("CleanupExpiredKeys removed %d (err=%v), want 1", removed, err)
	}
}

func BenchmarkGenerateKeyPair(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = GenerateKeyPair(2048)
	}
}
