// Package policy resolves the authentication policy that applies to a request.
// The front-channel and CIBA flows share this resolver.
package policy

import (
	"context"
	"fmt"

	"github.com/tendant/tenant-idp/internal/domain"
	"github.com/tendant/tenant-idp/internal/store"
)

// Subject is the part of a request a policy condition is matched against.
type Subject struct {
	ClientID  string
	AcrValues []string
	Scopes    []string
}

// Resolver picks the authentication policy for a request.
type Resolver struct {
	policies store.AuthenticationPolicyRepository
}

// NewResolver creates a Resolver over the policy repository.
func NewResolver(policies store.AuthenticationPolicyRepository) *Resolver {
	return &Resolver{policies: policies}
}

// Resolve returns the highest-priority policy of the flow whose condition
// matches subject. Ties go to the policy configured first. Without a match
// the first configured policy applies; a tenant without policies gets an
// empty policy.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, flow domain.PolicyFlow, subject Subject) (*domain.AuthenticationPolicy, error) {
	policies, err := r.policies.List(ctx, tenantID, flow)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s policies: %w", flow, err)
	}
	p := Select(policies, subject)
	if p == nil {
		return &domain.AuthenticationPolicy{TenantID: tenantID, Flow: flow}, nil
	}
	return p, nil
}

// Select applies the resolution rules to an ordered policy list. It returns
// nil only for an empty list.
func Select(policies []domain.AuthenticationPolicy, subject Subject) *domain.AuthenticationPolicy {
	if len(policies) == 0 {
		return nil
	}

	var best *domain.AuthenticationPolicy
	for i := range policies {
		p := &policies[i]
		if !p.Conditions.AllMatch(subject.ClientID, subject.AcrValues, subject.Scopes) {
			continue
		}
		if best == nil || p.Priority > best.Priority {
			best = p
		}
	}
	if best == nil {
		best = &policies[0]
	}
	out := *best
	return &out
}
