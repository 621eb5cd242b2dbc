// Package memory implements in-process storage for configuration and grants.
// It backs tests and single-node development setups.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/store"
)

// Store implements store.Configuration and store.Grants in memory.
type Store struct {
	mu sync.RWMutex

	servers  map[string]domain.ServerConfiguration
	clients  map[string]domain.ClientConfiguration
	users    map[string]domain.User
	policies map[string][]domain.AuthenticationPolicy

	requests map[string]*domain.AuthorizationRequest
	codes    map[string]domain.AuthorizationCodeGrant
	ciba     map[string]domain.CibaGrant
	tokens   map[string]domain.OAuthToken
	access   map[string]string // tenant/access token -> token id
	refresh  map[string]string // tenant/refresh token -> token id
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		servers:  make(map[string]domain.ServerConfiguration),
		clients:  make(map[string]domain.ClientConfiguration),
		users:    make(map[string]domain.User),
		policies: make(map[string][]domain.AuthenticationPolicy),
		requests: make(map[string]*domain.AuthorizationRequest),
		codes:    make(map[string]domain.AuthorizationCodeGrant),
		ciba:     make(map[string]domain.CibaGrant),
		tokens:   make(map[string]domain.OAuthToken),
		access:   make(map[string]string),
		refresh:  make(map[string]string),
	}
}

func key(parts ...string) string {
	return strings.Join(parts, "/")
}

var (
	_ store.Configuration = (*Store)(nil)
	_ store.Grants        = (*Store)(nil)
)

func (s *Store) Servers() store.ServerConfigurationRepository   { return (*serverRepository)(s) }
func (s *Store) Clients() store.ClientConfigurationRepository   { return (*clientRepository)(s) }
func (s *Store) Users() store.UserRepository                    { return (*userRepository)(s) }
func (s *Store) Policies() store.AuthenticationPolicyRepository { return (*policyRepository)(s) }
func (s *Store) AuthorizationRequests() store.AuthorizationRequestRepository {
	return (*requestRepository)(s)
}
func (s *Store) AuthorizationCodes() store.AuthorizationCodeGrantRepository {
	return (*codeRepository)(s)
}
func (s *Store) CibaGrants() store.CibaGrantRepository { return (*cibaRepository)(s) }
func (s *Store) Tokens() store.OAuthTokenRepository    { return (*tokenRepository)(s) }
func (s *Store) Close() error                          { return nil }

// PutServer adds or replaces a tenant's server configuration.
func (s *Store) PutServer(cfg domain.ServerConfiguration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[cfg.TenantID] = cfg
}

// PutClient adds or replaces a client configuration.
func (s *Store) PutClient(cfg domain.ClientConfiguration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[key(cfg.TenantID, cfg.ClientID)] = cfg
}

// PutUser adds or replaces a user.
func (s *Store) PutUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[key(u.TenantID, u.Sub)] = u
}

// PutPolicies replaces the policies of a tenant and flow, keeping their order.
func (s *Store) PutPolicies(tenantID string, flow domain.PolicyFlow, policies []domain.AuthenticationPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[key(tenantID, string(flow))] = append([]domain.AuthenticationPolicy(nil), policies...)
}

type serverRepository Store

func (r *serverRepository) Get(ctx context.Context, tenantID string) (*domain.ServerConfiguration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.servers[tenantID]
	if !ok {
		return nil, idperrors.NotFound("tenant", tenantID)
	}
	return &cfg, nil
}

type clientRepository Store

func (r *clientRepository) Get(ctx context.Context, tenantID, clientID string) (*domain.ClientConfiguration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.clients[key(tenantID, clientID)]
	if !ok {
		return nil, idperrors.NotFound("client", clientID)
	}
	return &cfg, nil
}

type userRepository Store

func (r *userRepository) Get(ctx context.Context, tenantID, sub string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[key(tenantID, sub)]
	if !ok {
		return nil, idperrors.NotFound("user", sub)
	}
	return &u, nil
}

func (r *userRepository) FindBy(ctx context.Context, tenantID, attribute, value string) (*domain.User, error) {
	if attribute == domain.UserAttributeSub {
		return r.Get(ctx, tenantID, value)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.TenantID != tenantID {
			continue
		}
		if value != "" && u.Attribute(attribute) == value {
			found := u
			return &found, nil
		}
	}
	return nil, idperrors.NotFound("user", attribute+":"+value)
}

type policyRepository Store

func (r *policyRepository) List(ctx context.Context, tenantID string, flow domain.PolicyFlow) ([]domain.AuthenticationPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.AuthenticationPolicy(nil), r.policies[key(tenantID, string(flow))]...), nil
}

type requestRepository Store

func (r *requestRepository) Register(ctx context.Context, req *domain.AuthorizationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(req.TenantID(), req.ID())
	if _, exists := r.requests[k]; exists {
		return idperrors.AlreadyExists("authorization request", req.ID())
	}
	r.requests[k] = req
	return nil
}

func (r *requestRepository) Get(ctx context.Context, tenantID, id string) (*domain.AuthorizationRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[key(tenantID, id)]
	if !ok {
		return nil, idperrors.NotFound("authorization request", id)
	}
	return req, nil
}

func (r *requestRepository) Consume(ctx context.Context, tenantID, id string) (*domain.AuthorizationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(tenantID, id)
	req, ok := r.requests[k]
	if !ok {
		return nil, idperrors.NotFound("authorization request", id)
	}
	delete(r.requests, k)
	return req, nil
}

func (r *requestRepository) Delete(ctx context.Context, tenantID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requests, key(tenantID, id))
	return nil
}

func (r *requestRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, req := range r.requests {
		if req.IsExpired(now) {
			delete(r.requests, k)
			n++
		}
	}
	return n, nil
}

type codeRepository Store

func (r *codeRepository) Register(ctx context.Context, grant *domain.AuthorizationCodeGrant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(grant.TenantID, grant.Code)
	if _, exists := r.codes[k]; exists {
		return idperrors.AlreadyExists("authorization code", grant.Code)
	}
	r.codes[k] = *grant
	return nil
}

func (r *codeRepository) Find(ctx context.Context, tenantID, code string) (*domain.AuthorizationCodeGrant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.codes[key(tenantID, code)]
	if !ok {
		return nil, idperrors.NotFound("authorization code", code)
	}
	return &g, nil
}

func (r *codeRepository) Consume(ctx context.Context, tenantID, code string) (*domain.AuthorizationCodeGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(tenantID, code)
	g, ok := r.codes[k]
	if !ok {
		return nil, idperrors.NotFound("authorization code", code)
	}
	delete(r.codes, k)
	return &g, nil
}

func (r *codeRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, g := range r.codes {
		if g.IsExpired(now) {
			delete(r.codes, k)
			n++
		}
	}
	return n, nil
}

type cibaRepository Store

func (r *cibaRepository) Register(ctx context.Context, grant *domain.CibaGrant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(grant.TenantID, grant.AuthReqID)
	if _, exists := r.ciba[k]; exists {
		return idperrors.AlreadyExists("ciba grant", grant.AuthReqID)
	}
	r.ciba[k] = *grant
	return nil
}

func (r *cibaRepository) Find(ctx context.Context, tenantID, authReqID string) (*domain.CibaGrant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.ciba[key(tenantID, authReqID)]
	if !ok {
		return nil, idperrors.NotFound("ciba grant", authReqID)
	}
	return &g, nil
}

func (r *cibaRepository) Transition(ctx context.Context, tenantID, authReqID string, from, to domain.CibaGrantStatus,
	update func(*domain.CibaGrant)) (*domain.CibaGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(tenantID, authReqID)
	g, ok := r.ciba[k]
	if !ok {
		return nil, idperrors.NotFound("ciba grant", authReqID)
	}
	if g.Status != from {
		return nil, idperrors.Conflict("ciba grant", authReqID)
	}
	g.Status = to
	if update != nil {
		update(&g)
	}
	r.ciba[k] = g
	return &g, nil
}

func (r *cibaRepository) Consume(ctx context.Context, tenantID, authReqID string) (*domain.CibaGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(tenantID, authReqID)
	g, ok := r.ciba[k]
	if !ok {
		return nil, idperrors.NotFound("ciba grant", authReqID)
	}
	if g.Status != domain.CibaStatusAuthorized {
		return nil, idperrors.Conflict("ciba grant", authReqID)
	}
	delete(r.ciba, k)
	return &g, nil
}

func (r *cibaRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, g := range r.ciba {
		if g.IsExpired(now) {
			delete(r.ciba, k)
			n++
		}
	}
	return n, nil
}

type tokenRepository Store

func (r *tokenRepository) Register(ctx context.Context, token *domain.OAuthToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(token.TenantID, token.ID)
	if _, exists := r.tokens[k]; exists {
		return idperrors.AlreadyExists("oauth token", token.ID)
	}
	r.tokens[k] = *token
	r.access[key(token.TenantID, token.AccessToken)] = token.ID
	if token.RefreshToken != "" {
		r.refresh[key(token.TenantID, token.RefreshToken)] = token.ID
	}
	return nil
}

func (r *tokenRepository) FindByAccessToken(ctx context.Context, tenantID, accessToken string) (*domain.OAuthToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.access[key(tenantID, accessToken)]
	if !ok {
		return nil, idperrors.NotFound("oauth token", "access token")
	}
	t := r.tokens[key(tenantID, id)]
	return &t, nil
}

func (r *tokenRepository) FindByRefreshToken(ctx context.Context, tenantID, refreshToken string) (*domain.OAuthToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.refresh[key(tenantID, refreshToken)]
	if !ok {
		return nil, idperrors.NotFound("oauth token", "refresh token")
	}
	t := r.tokens[key(tenantID, id)]
	return &t, nil
}

func (r *tokenRepository) ConsumeByRefreshToken(ctx context.Context, tenantID, refreshToken string) (*domain.OAuthToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.refresh[key(tenantID, refreshToken)]
	if !ok {
		return nil, idperrors.NotFound("oauth token", "refresh token")
	}
	t := r.tokens[key(tenantID, id)]
	r.deleteLocked(t)
	return &t, nil
}

func (r *tokenRepository) Delete(ctx context.Context, tenantID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[key(tenantID, id)]; ok {
		r.deleteLocked(t)
	}
	return nil
}

func (r *tokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tokens {
		if now.After(t.ExpiresAt()) {
			r.deleteLocked(t)
			n++
		}
	}
	return n, nil
}

func (r *tokenRepository) deleteLocked(t domain.OAuthToken) {
	delete(r.tokens, key(t.TenantID, t.ID))
	delete(r.access, key(t.TenantID, t.AccessToken))
	if t.RefreshToken != "" {
		delete(r.refresh, key(t.TenantID, t.RefreshToken))
	}
}
