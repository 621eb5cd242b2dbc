// Package file implements tenant configuration storage using JSON files.
//
// Each collection lives in its own document under the data directory:
// servers.json, clients.json, users.json and policies.json. Documents are
// edited by cmd/seed or by hand and read on every lookup, so changes apply
// without a restart.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/store"
)

// Store implements store.Configuration using JSON files for persistence.
type Store struct {
	dataDir string
	mu      sync.RWMutex
	// updateMu serializes read-modify-write cycles.
	updateMu sync.Mutex

	servers  *serverRepository
	clients  *clientRepository
	users    *userRepository
	policies *policyRepository
}

var _ store.Configuration = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// NewStore creates a new file-based configuration store.
func NewStore(dataDir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{
		dataDir: dataDir,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.servers = &serverRepository{store: s}
	s.clients = &clientRepository{store: s}
	s.users = &userRepository{store: s}
	s.policies = &policyRepository{store: s}

	return s, nil
}

func (s *Store) Servers() store.ServerConfigurationRepository   { return s.servers }
func (s *Store) Clients() store.ClientConfigurationRepository   { return s.clients }
func (s *Store) Users() store.UserRepository                    { return s.users }
func (s *Store) Policies() store.AuthenticationPolicyRepository { return s.policies }
func (s *Store) Close() error                                   { return nil }

// DataDir returns the directory holding the documents.
func (s *Store) DataDir() string {
	return s.dataDir
}

func (s *Store) filePath(name string) string {
	return filepath.Join(s.dataDir, name+".json")
}

func (s *Store) readFile(name string, v any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.filePath(name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) writeFile(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.filePath(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.filePath(name))
}

// update runs a read-modify-write cycle on one document.
func update[T any](s *Store, name string, fn func(doc *T) error) error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	var doc T
	if err := s.readFile(name, &doc); err != nil {
		return idperrors.Internal("failed to load "+name, err)
	}
	if err := fn(&doc); err != nil {
		return err
	}
	if err := s.writeFile(name, &doc); err != nil {
		return idperrors.Internal("failed to save "+name, err)
	}
	return nil
}

// Server configuration

type serverRepository struct {
	store *Store
}

type serversData struct {
	Servers []domain.ServerConfiguration `json:"servers"`
}

func (r *serverRepository) Get(ctx context.Context, tenantID string) (*domain.ServerConfiguration, error) {
	var data serversData
	if err := r.store.readFile("servers", &data); err != nil {
		return nil, idperrors.Internal("failed to load servers", err)
	}
	for i := range data.Servers {
		if data.Servers[i].TenantID == tenantID {
			return &data.Servers[i], nil
		}
	}
	return nil, idperrors.NotFound("tenant", tenantID)
}

// PutServer adds or replaces a tenant's server configuration.
func (s *Store) PutServer(ctx context.Context, cfg domain.ServerConfiguration) error {
	if cfg.TenantID == "" {
		return idperrors.InvalidInput("tenant_id is required")
	}
	return update(s, "servers", func(doc *serversData) error {
		for i := range doc.Servers {
			if doc.Servers[i].TenantID == cfg.TenantID {
				doc.Servers[i] = cfg
				return nil
			}
		}
		doc.Servers = append(doc.Servers, cfg)
		return nil
	})
}

// Client configuration

type clientRepository struct {
	store *Store
}

type clientsData struct {
	Clients []domain.ClientConfiguration `json:"clients"`
}

func (r *clientRepository) Get(ctx context.Context, tenantID, clientID string) (*domain.ClientConfiguration, error) {
	var data clientsData
	if err := r.store.readFile("clients", &data); err != nil {
		return nil, idperrors.Internal("failed to load clients", err)
	}
	for i := range data.Clients {
		c := &data.Clients[i]
		if c.TenantID == tenantID && c.ClientID == clientID {
			return c, nil
		}
	}
	return nil, idperrors.NotFound("client", clientID)
}

// PutClient adds or replaces a client configuration.
func (s *Store) PutClient(ctx context.Context, cfg domain.ClientConfiguration) error {
	if cfg.TenantID == "" || cfg.ClientID == "" {
		return idperrors.InvalidInput("tenant_id and client_id are required")
	}
	return update(s, "clients", func(doc *clientsData) error {
		for i := range doc.Clients {
			if doc.Clients[i].TenantID == cfg.TenantID && doc.Clients[i].ClientID == cfg.ClientID {
				doc.Clients[i] = cfg
				return nil
			}
		}
		doc.Clients = append(doc.Clients, cfg)
		return nil
	})
}

// Users

type userRepository struct {
	store *Store
}

type usersData struct {
	Users []domain.User `json:"users"`
}

func (r *userRepository) Get(ctx context.Context, tenantID, sub string) (*domain.User, error) {
	return r.FindBy(ctx, tenantID, domain.UserAttributeSub, sub)
}

func (r *userRepository) FindBy(ctx context.Context, tenantID, attribute, value string) (*domain.User, error) {
	if value == "" {
		return nil, idperrors.NotFound("user", attribute)
	}
	var data usersData
	if err := r.store.readFile("users", &data); err != nil {
		return nil, idperrors.Internal("failed to load users", err)
	}
	for i := range data.Users {
		u := &data.Users[i]
		if u.TenantID == tenantID && u.Attribute(attribute) == value {
			return u, nil
		}
	}
	return nil, idperrors.NotFound("user", attribute+":"+value)
}

// PutUser adds or replaces a user. Usernames are unique per tenant.
func (s *Store) PutUser(ctx context.Context, user domain.User) error {
	if user.TenantID == "" || user.Sub == "" {
		return idperrors.InvalidInput("tenant_id and sub are required")
	}
	return update(s, "users", func(doc *usersData) error {
		idx := -1
		for i, u := range doc.Users {
			if u.TenantID != user.TenantID {
				continue
			}
			if u.Sub == user.Sub {
				idx = i
				continue
			}
			if user.Username != "" && u.Username == user.Username {
				return idperrors.AlreadyExists("user with username", user.Username)
			}
		}
		if idx >= 0 {
			doc.Users[idx] = user
		} else {
			doc.Users = append(doc.Users, user)
		}
		return nil
	})
}

// Authentication policies

type policyRepository struct {
	store *Store
}

type policiesData struct {
	Policies []domain.AuthenticationPolicy `json:"policies"`
}

func (r *policyRepository) List(ctx context.Context, tenantID string, flow domain.PolicyFlow) ([]domain.AuthenticationPolicy, error) {
	var data policiesData
	if err := r.store.readFile("policies", &data); err != nil {
		return nil, idperrors.Internal("failed to load policies", err)
	}
	var out []domain.AuthenticationPolicy
	for _, p := range data.Policies {
		if p.TenantID == tenantID && p.Flow == flow {
			out = append(out, p)
		}
	}
	return out, nil
}

// PutPolicy adds or replaces a policy by id. New policies are appended, so
// configured order is insertion order.
func (s *Store) PutPolicy(ctx context.Context, policy domain.AuthenticationPolicy) error {
	if policy.TenantID == "" || policy.ID == "" {
		return idperrors.InvalidInput("tenant_id and id are required")
	}
	if policy.Flow == "" {
		policy.Flow = domain.PolicyFlowOAuth
	}
	return update(s, "policies", func(doc *policiesData) error {
		for i := range doc.Policies {
			if doc.Policies[i].TenantID == policy.TenantID && doc.Policies[i].ID == policy.ID {
				doc.Policies[i] = policy
				return nil
			}
		}
		doc.Policies = append(doc.Policies, policy)
		return nil
	})
}
