package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/store"
	"github.com/tendant/tenant-idp/internal/store/storetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewWithClient(client, "idp:test:")
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestGrants(t *testing.T) {
	storetest.RunGrants(t, func(t *testing.T) store.Grants {
		s, _ := newTestStore(t)
		return s
	})
}

func TestNew(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := New(context.Background(), Config{Addr: mr.Addr(), KeyPrefix: "idp:"})
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))

	_, err = New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestRecordsCarryTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AuthorizationCodes().Register(ctx, &domain.AuthorizationCodeGrant{
		Code:      "c1",
		TenantID:  "t1",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}))

	key := "idp:test:code:t1:c1"
	assert.True(t, mr.Exists(key))
	assert.Greater(t, mr.TTL(key), 9*time.Minute)

	mr.FastForward(11 * time.Minute)
	_, err := s.AuthorizationCodes().Find(ctx, "t1", "c1")
	assert.True(t, idperrors.IsCode(err, idperrors.CodeNotFound))

	// The sweeper drops the index entry without counting the record Redis expired.
	n, err := s.AuthorizationCodes().DeleteExpired(ctx, time.Now().Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTransitionKeepsTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CibaGrants().Register(ctx, &domain.CibaGrant{
		AuthReqID: "ar-1",
		TenantID:  "t1",
		Status:    domain.CibaStatusRequested,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}))
	_, err := s.CibaGrants().Transition(ctx, "t1", "ar-1", domain.CibaStatusRequested, domain.CibaStatusDenied, nil)
	require.NoError(t, err)

	assert.Greater(t, mr.TTL("idp:test:ciba:t1:ar-1"), 4*time.Minute)
}

func TestTokenIndexKeysAreHashed(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Tokens().Register(ctx, &domain.OAuthToken{
		ID:                   "tok-1",
		TenantID:             "t1",
		AccessToken:          "raw-access-token",
		AccessTokenExpiresAt: time.Now().Add(time.Hour),
		CreatedAt:            time.Now(),
	}))

	for _, k := range mr.Keys() {
		assert.NotContains(t, k, "raw-access-token")
	}
}
