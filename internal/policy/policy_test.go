package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/tenant-idp/internal/domain"
	"github.com/tendant/tenant-idp/internal/store/memory"
)

func TestAllMatch(t *testing.T) {
	tests := []struct {
		name string
		cond domain.AuthenticationPolicyCondition
		subj Subject
		want bool
	}{
		{"empty condition matches anything", domain.AuthenticationPolicyCondition{}, Subject{ClientID: "c1", AcrValues: []string{"urn:x"}}, true},
		{"acr mismatch", domain.AuthenticationPolicyCondition{AcrValues: []string{"urn:mfa"}}, Subject{AcrValues: []string{"urn:other"}}, false},
		{"acr overlap", domain.AuthenticationPolicyCondition{AcrValues: []string{"urn:mfa"}}, Subject{AcrValues: []string{"urn:other", "urn:mfa"}}, true},
		{"client contained", domain.AuthenticationPolicyCondition{ClientIDs: []string{"c1", "c2"}}, Subject{ClientID: "c2"}, true},
		{"client not contained", domain.AuthenticationPolicyCondition{ClientIDs: []string{"c1"}}, Subject{ClientID: "c2"}, false},
		{"scope overlap is enough", domain.AuthenticationPolicyCondition{Scopes: []string{"payments", "accounts"}}, Subject{Scopes: []string{"openid", "accounts"}}, true},
		{"all dimensions must hold", domain.AuthenticationPolicyCondition{ClientIDs: []string{"c1"}, Scopes: []string{"payments"}}, Subject{ClientID: "c1", Scopes: []string{"openid"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.AllMatch(tt.subj.ClientID, tt.subj.AcrValues, tt.subj.Scopes))
		})
	}
}

func TestSelect(t *testing.T) {
	policies := []domain.AuthenticationPolicy{
		{ID: "default", Priority: 1, Conditions: domain.AuthenticationPolicyCondition{ClientIDs: []string{"nobody"}}},
		{ID: "mfa-a", Priority: 10, Conditions: domain.AuthenticationPolicyCondition{AcrValues: []string{"urn:mfa"}}},
		{ID: "mfa-b", Priority: 10, Conditions: domain.AuthenticationPolicyCondition{Scopes: []string{"payments"}}},
		{ID: "low", Priority: 5},
	}

	got := Select(policies, Subject{ClientID: "c1", AcrValues: []string{"urn:mfa"}, Scopes: []string{"payments"}})
	require.NotNil(t, got)
	assert.Equal(t, "mfa-a", got.ID, "ties go to the first configured policy")

	got = Select(policies, Subject{ClientID: "c1"})
	assert.Equal(t, "low", got.ID)

	got = Select(policies[:1], Subject{ClientID: "c1"})
	assert.Equal(t, "default", got.ID, "no match falls back to the first policy")

	assert.Nil(t, Select(nil, Subject{}))
}

func TestResolve(t *testing.T) {
	st := memory.NewStore()
	st.PutPolicies("acme", domain.PolicyFlowCIBA, []domain.AuthenticationPolicy{
		{ID: "ciba-default", TenantID: "acme", Flow: domain.PolicyFlowCIBA, ACR: "urn:pwd"},
	})
	r := NewResolver(st.Policies())
	ctx := context.Background()

	p, err := r.Resolve(ctx, "acme", domain.PolicyFlowCIBA, Subject{ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "ciba-default", p.ID)

	p, err = r.Resolve(ctx, "acme", domain.PolicyFlowOAuth, Subject{ClientID: "c1"})
	require.NoError(t, err)
	assert.Empty(t, p.ID)
	assert.Equal(t, domain.PolicyFlowOAuth, p.Flow)
	assert.True(t, p.AllowsMethod("password"))
}
