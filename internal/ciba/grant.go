package ciba

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/oidc"
	"github.com/tendant/tenant-idp/internal/store"
)

// pollEntry limits the polling of one auth_req_id to its interval.
type pollEntry struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

// pollLimiter tracks polling per auth_req_id. Entries leave when the request
// completes or expires.
type pollLimiter struct {
	mu      sync.Mutex
	entries map[string]*pollEntry
}

func newPollLimiter() *pollLimiter {
	return &pollLimiter{entries: make(map[string]*pollEntry)}
}

func (p *pollLimiter) allow(grant *domain.CibaGrant, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for k, e := range p.entries {
		if now.After(e.expiresAt) {
			delete(p.entries, k)
		}
	}

	k := grant.TenantID + "/" + grant.AuthReqID
	e, ok := p.entries[k]
	if !ok {
		interval := grant.Interval.Duration
		if interval <= 0 {
			interval = domain.DefaultBackchannelInterval
		}
		e = &pollEntry{limiter: rate.NewLimiter(rate.Every(interval), 1), expiresAt: grant.ExpiresAt}
		p.entries[k] = e
	}
	return e.limiter.AllowN(now, 1)
}

func (p *pollLimiter) forget(tenantID, authReqID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, tenantID+"/"+authReqID)
}

// GrantService is the ciba token grant.
type GrantService struct {
	grants store.CibaGrantRepository
	users  store.UserRepository
	issuer *oidc.TokenIssuer
	polls  *pollLimiter
}

// NewGrantService creates the ciba grant service for the token dispatcher.
func NewGrantService(grants store.CibaGrantRepository, users store.UserRepository, issuer *oidc.TokenIssuer) *GrantService {
	return &GrantService{grants: grants, users: users, issuer: issuer, polls: newPollLimiter()}
}

// Grant answers one poll of auth_req_id. A pending request is
// authorization_pending, or slow_down when polled faster than its interval.
// An AUTHORIZED request is consumed exactly once and exchanged for tokens.
func (g *GrantService) Grant(ctx context.Context, tc *oidc.TokenRequestContext) (*oidc.TokenResponse, error) {
	tenantID := tc.Server.TenantID
	authReqID := tc.Request.AuthReqID
	if authReqID == "" {
		return nil, idperrors.ClientError("", "auth_req_id is required")
	}

	grant, err := g.grants.Find(ctx, tenantID, authReqID)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.BadGrant("auth_req_id is invalid")
		}
		return nil, fmt.Errorf("failed to get ciba grant: %w", err)
	}
	if grant.ClientID != tc.Client.ClientID {
		return nil, idperrors.BadGrant("auth_req_id was not issued to this client")
	}
	if grant.IsExpired(tc.Now) || grant.Status == domain.CibaStatusExpired {
		g.polls.forget(tenantID, authReqID)
		return nil, idperrors.ClientError(idperrors.CodeExpiredToken, "auth_req_id has expired")
	}
	if !g.polls.allow(grant, tc.Now) {
		return nil, idperrors.ClientError(idperrors.CodeSlowDown, "polling faster than the interval")
	}

	switch grant.Status {
	case domain.CibaStatusRequested:
		return nil, idperrors.ClientError(idperrors.CodeAuthorizationPending, "the end-user has not yet been authenticated")
	case domain.CibaStatusDenied:
		g.polls.forget(tenantID, authReqID)
		return nil, idperrors.ClientError(idperrors.CodeAccessDenied, "the end-user denied the request")
	case domain.CibaStatusAuthorized:
	default:
		return nil, fmt.Errorf("ciba grant %s has unknown status %q", authReqID, grant.Status)
	}

	consumed, err := g.grants.Consume(ctx, tenantID, authReqID)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) || idperrors.IsCode(err, idperrors.CodeConflict) {
			return nil, idperrors.BadGrant("auth_req_id has already been used")
		}
		return nil, fmt.Errorf("failed to consume ciba grant: %w", err)
	}
	g.polls.forget(tenantID, authReqID)

	user, err := g.users.Get(ctx, tenantID, consumed.Grant.UserSub)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.BadGrant("user of the request no longer exists")
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !user.Status.IsActive() {
		return nil, idperrors.BadGrant("user is not active: " + string(user.Status))
	}

	return g.issuer.Issue(ctx, oidc.IssueRequest{
		Server:      tc.Server,
		Client:      tc.Client,
		Credentials: tc.Credentials,
		GrantType:   domain.GrantTypeCIBA,
		Grant:       consumed.Grant,
	})
}
