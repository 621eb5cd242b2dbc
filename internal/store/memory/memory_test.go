package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/store"
	"github.com/tendant/tenant-idp/internal/store/storetest"
)

func TestGrants(t *testing.T) {
	storetest.RunGrants(t, func(t *testing.T) store.Grants { return NewStore() })
}

func TestConfiguration(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	s.PutServer(domain.ServerConfiguration{TenantID: "t1", Issuer: "https://idp.example/t1"})
	s.PutClient(domain.ClientConfiguration{TenantID: "t1", ClientID: "c1"})
	s.PutUser(domain.User{TenantID: "t1", Sub: "u1", Username: "alice", Email: "alice@example.com"})
	s.PutPolicies("t1", domain.PolicyFlowOAuth, []domain.AuthenticationPolicy{{ID: "p1"}, {ID: "p2"}})

	srv, err := s.Servers().Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "https://idp.example/t1", srv.Issuer)

	_, err = s.Servers().Get(ctx, "t2")
	assert.True(t, idperrors.IsCode(err, idperrors.CodeNotFound))

	_, err = s.Clients().Get(ctx, "t2", "c1")
	assert.True(t, idperrors.IsCode(err, idperrors.CodeNotFound), "clients are scoped per tenant")

	u, err := s.Users().FindBy(ctx, "t1", "email", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.Sub)

	u, err = s.Users().FindBy(ctx, "t1", "sub", "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	_, err = s.Users().FindBy(ctx, "t1", "phone_number", "")
	assert.True(t, idperrors.IsCode(err, idperrors.CodeNotFound))

	policies, err := s.Policies().List(ctx, "t1", domain.PolicyFlowOAuth)
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, "p1", policies[0].ID)

	none, err := s.Policies().List(ctx, "t1", domain.PolicyFlowCIBA)
	require.NoError(t, err)
	assert.Empty(t, none)
}
