// Package storetest holds behavioral tests shared by every store.Grants implementation.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/store"
)

// RunGrants runs the grant repository contract against stores built by newGrants.
func RunGrants(t *testing.T, newGrants func(t *testing.T) store.Grants) {
	t.Run("AuthorizationRequests", func(t *testing.T) { testAuthorizationRequests(t, newGrants(t)) })
	t.Run("AuthorizationRequestConcurrentConsume", func(t *testing.T) { testRequestConcurrentConsume(t, newGrants(t)) })
	t.Run("AuthorizationCodeSingleUse", func(t *testing.T) { testCodeSingleUse(t, newGrants(t)) })
	t.Run("AuthorizationCodeConcurrentConsume", func(t *testing.T) { testCodeConcurrentConsume(t, newGrants(t)) })
	t.Run("CibaTransition", func(t *testing.T) { testCibaTransition(t, newGrants(t)) })
	t.Run("Tokens", func(t *testing.T) { testTokens(t, newGrants(t)) })
	t.Run("Sweep", func(t *testing.T) { testSweep(t, newGrants(t)) })
	t.Run("TenantIsolation", func(t *testing.T) { testTenantIsolation(t, newGrants(t)) })
}

func codeGrant(tenant, code string, expiresAt time.Time) *domain.AuthorizationCodeGrant {
	return &domain.AuthorizationCodeGrant{
		Code:                   code,
		TenantID:               tenant,
		AuthorizationRequestID: "req-" + code,
		Grant: domain.AuthorizationGrant{
			TenantID: tenant,
			ClientID: "client-1",
			UserSub:  "user-1",
			Scopes:   domain.Scopes{"openid"},
		},
		RedirectURI: "https://rp.example/cb",
		CreatedAt:   expiresAt.Add(-10 * time.Minute),
		ExpiresAt:   expiresAt,
	}
}

func testAuthorizationRequests(t *testing.T, grants store.Grants) {
	ctx := context.Background()
	repo := grants.AuthorizationRequests()

	req, err := domain.NewAuthorizationRequest(domain.AuthorizationRequestParams{
		TenantID:    "t1",
		ClientID:    "client-1",
		Scope:       "openid",
		RedirectURI: "https://rp.example/cb",
		State:       "xyz",
	})
	require.NoError(t, err)
	require.NoError(t, repo.Register(ctx, req))

	got, err := repo.Get(ctx, "t1", req.ID())
	require.NoError(t, err)
	assert.Equal(t, req.ID(), got.ID())
	assert.Equal(t, "xyz", got.State())
	assert.Equal(t, domain.Scopes{"openid"}, got.Scopes())

	require.NoError(t, repo.Delete(ctx, "t1", req.ID()))
	_, err = repo.Get(ctx, "t1", req.ID())
	assert.True(t, idperrors.IsCode(err, idperrors.CodeNotFound))
}

func testRequestConcurrentConsume(t *testing.T, grants store.Grants) {
	ctx := context.Background()
	repo := grants.AuthorizationRequests()

	req, err := domain.NewAuthorizationRequest(domain.AuthorizationRequestParams{
		TenantID:    "t1",
		ClientID:    "client-1",
		Scope:       "openid",
		RedirectURI: "https://rp.example/cb",
	})
	require.NoError(t, err)
	require.NoError(t, repo.Register(ctx, req))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got, err := repo.Consume(ctx, "t1", req.ID()); err == nil {
				assert.Equal(t, req.ID(), got.ID())
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	_, err = repo.Get(ctx, "t1", req.ID())
	assert.True(t, idperrors.IsCode(err, idperrors.CodeNotFound))
}

func testCodeSingleUse(t *testing.T, grants store.Grants) {
	ctx := context.Background()
	repo := grants.AuthorizationCodes()

	require.NoError(t, repo.Register(ctx, codeGrant("t1", "code-1", time.Now().Add(time.Minute))))
	err := repo.Register(ctx, codeGrant("t1", "code-1", time.Now().Add(time.Minute)))
	assert.True(t, idperrors.IsCode(err, idperrors.CodeAlreadyExists))

	found, err := repo.Find(ctx, "t1", "code-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", found.Grant.UserSub)

	consumed, err := repo.Consume(ctx, "t1", "code-1")
	require.NoError(t, err)
	assert.Equal(t, "code-1", consumed.Code)

	_, err = repo.Consume(ctx, "t1", "code-1")
	assert.True(t, idperrors.IsCode(err, idperrors.CodeNotFound))
	_, err = repo.Find(ctx, "t1", "code-1")
	assert.True(t, idperrors.IsCode(err, idperrors.CodeNotFound))
}

func testCodeConcurrentConsume(t *testing.T, grants store.Grants) {
	ctx := context.Background()
	repo := grants.AuthorizationCodes()
	require.NoError(t, repo.Register(ctx, codeGrant("t1", "race", time.Now().Add(time.Minute))))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Consume(ctx, "t1", "race"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func testCibaTransition(t *testing.T, grants store.Grants) {
	ctx := context.Background()
	repo := grants.CibaGrants()
	now := time.Now()

	require.NoError(t, repo.Register(ctx, &domain.CibaGrant{
		AuthReqID: "ar-1",
		TenantID:  "t1",
		ClientID:  "client-1",
		Status:    domain.CibaStatusRequested,
		Grant:     domain.AuthorizationGrant{TenantID: "t1", ClientID: "client-1", UserSub: "user-1"},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}))

	_, err := repo.Consume(ctx, "t1", "ar-1")
	assert.True(t, idperrors.IsCode(err, idperrors.CodeConflict), "pending grant must not be consumable")

	updated, err := repo.Transition(ctx, "t1", "ar-1", domain.CibaStatusRequested, domain.CibaStatusAuthorized,
		func(g *domain.CibaGrant) { g.Grant.ACR = "urn:pwd" })
	require.NoError(t, err)
	assert.Equal(t, domain.CibaStatusAuthorized, updated.Status)
	assert.Equal(t, "urn:pwd", updated.Grant.ACR)

	_, err = repo.Transition(ctx, "t1", "ar-1", domain.CibaStatusRequested, domain.CibaStatusDenied, nil)
	assert.True(t, idperrors.IsCode(err, idperrors.CodeConflict), "second decision must lose")

	found, err := repo.Find(ctx, "t1", "ar-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CibaStatusAuthorized, found.Status)

	consumed, err := repo.Consume(ctx, "t1", "ar-1")
	require.NoError(t, err)
	assert.Equal(t, "urn:pwd", consumed.Grant.ACR)

	_, err = repo.Consume(ctx, "t1", "ar-1")
	assert.True(t, idperrors.IsCode(err, idperrors.CodeNotFound))

	_, err = repo.Transition(ctx, "t1", "missing", domain.CibaStatusRequested, domain.CibaStatusDenied, nil)
	assert.True(t, idperrors.IsCode(err, idperrors.CodeNotFound))
}

func testTokens(t *testing.T, grants store.Grants) {
	ctx := context.Background()
	repo := grants.Tokens()
	now := time.Now()

	tok := &domain.OAuthToken{
		ID:                    "tok-1",
		TenantID:              "t1",
		AccessToken:           "at-1",
		AccessTokenExpiresAt:  now.Add(time.Minute),
		RefreshToken:          "rt-1",
		RefreshTokenExpiresAt: now.Add(time.Hour),
		Grant:                 domain.AuthorizationGrant{TenantID: "t1", ClientID: "client-1", UserSub: "user-1"},
		CreatedAt:             now,
	}
	require.NoError(t, repo.Register(ctx, tok))

	byAccess, err := repo.FindByAccessToken(ctx, "t1", "at-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", byAccess.ID)

	byRefresh, err := repo.FindByRefreshToken(ctx, "t1", "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", byRefresh.AccessToken)

	consumed, err := repo.ConsumeByRefreshToken(ctx, "t1", "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", consumed.ID)

	_, err = repo.ConsumeByRefreshToken(ctx, "t1", "rt-1")
	assert.True(t, idperrors.IsCode(err, idperrors.CodeNotFound))
	_, err = repo.FindByAccessToken(ctx, "t1", "at-1")
	assert.True(t, idperrors.IsCode(err, idperrors.CodeNotFound), "consuming the refresh token drops the bundle")

	noRefresh := &domain.OAuthToken{
		ID: "tok-2", TenantID: "t1", AccessToken: "at-2",
		AccessTokenExpiresAt: now.Add(time.Minute), CreatedAt: now,
	}
	require.NoError(t, repo.Register(ctx, noRefresh))
	require.NoError(t, repo.Delete(ctx, "t1", "tok-2"))
	_, err = repo.FindByAccessToken(ctx, "t1", "at-2")
	assert.True(t, idperrors.IsCode(err, idperrors.CodeNotFound))
	assert.NoError(t, repo.Delete(ctx, "t1", "tok-2"), "deleting twice is not an error")
}

func testSweep(t *testing.T, grants store.Grants) {
	ctx := context.Background()
	now := time.Now()

	oldReq, err := domain.NewAuthorizationRequest(domain.AuthorizationRequestParams{
		TenantID: "t1", ClientID: "client-1", Now: now.Add(-time.Hour), TTL: time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, grants.AuthorizationRequests().Register(ctx, oldReq))
	require.NoError(t, grants.AuthorizationCodes().Register(ctx, codeGrant("t1", "old", now.Add(-time.Minute))))
	require.NoError(t, grants.AuthorizationCodes().Register(ctx, codeGrant("t1", "fresh", now.Add(time.Minute))))
	require.NoError(t, grants.CibaGrants().Register(ctx, &domain.CibaGrant{
		AuthReqID: "stale", TenantID: "t1", Status: domain.CibaStatusRequested,
		CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, grants.Tokens().Register(ctx, &domain.OAuthToken{
		ID: "expired", TenantID: "t1", AccessToken: "at-x",
		AccessTokenExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-time.Hour),
	}))

	res, err := store.Sweep(ctx, grants, now)
	require.NoError(t, err)
	assert.Equal(t, store.SweepResult{AuthorizationRequests: 1, AuthorizationCodes: 1, CibaGrants: 1, Tokens: 1}, res)
	assert.Equal(t, 4, res.Total())

	_, err = grants.AuthorizationCodes().Find(ctx, "t1", "fresh")
	assert.NoError(t, err)
	_, err = grants.Tokens().FindByAccessToken(ctx, "t1", "at-x")
	assert.True(t, idperrors.IsCode(err, idperrors.CodeNotFound))
}

func testTenantIsolation(t *testing.T, grants store.Grants) {
	ctx := context.Background()
	require.NoError(t, grants.AuthorizationCodes().Register(ctx, codeGrant("t1", "shared", time.Now().Add(time.Minute))))

	_, err := grants.AuthorizationCodes().Consume(ctx, "t2", "shared")
	assert.True(t, idperrors.IsCode(err, idperrors.CodeNotFound))
	_, err = grants.AuthorizationCodes().Find(ctx, "t1", "shared")
	assert.NoError(t, err)
}
