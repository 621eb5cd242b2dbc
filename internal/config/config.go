// Package config handles application configuration via environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Grant store kinds.
const (
	GrantStoreMemory = "memory"
	GrantStoreBolt   = "bolt"
	GrantStoreRedis  = "redis"
)

// Config holds all configuration for the IdP.
type Config struct {
	// Server settings
	Host string `env:"IDP_HOST" env-default:"0.0.0.0"`
	Port int    `env:"IDP_PORT" env-default:"8080"`

	// Public base URL. Tenant documents created by the seed command derive
	// their issuer and endpoints from it.
	BaseURL string `env:"IDP_BASE_URL" env-default:"http://localhost:8080"`

	// TLS settings. With a client CA the listener requests client
	// certificates for mutual TLS client authentication.
	TLSCertFile     string `env:"IDP_TLS_CERT_FILE"`
	TLSKeyFile      string `env:"IDP_TLS_KEY_FILE"`
	TLSClientCAFile string `env:"IDP_TLS_CLIENT_CA_FILE"`

	// ClientCertHeader names the header a TLS terminating proxy forwards the
	// URL-encoded client certificate in. Empty disables it.
	ClientCertHeader string `env:"IDP_CLIENT_CERT_HEADER"`

	// Storage settings
	DataDir    string `env:"IDP_DATA_DIR" env-default:"./data"`
	GrantStore string `env:"IDP_GRANT_STORE" env-default:"memory"` // memory, bolt or redis
	BoltPath   string `env:"IDP_BOLT_PATH"`                        // defaults to <data dir>/grants.db

	RedisAddr      string `env:"IDP_REDIS_ADDR" env-default:"localhost:6379"`
	RedisUsername  string `env:"IDP_REDIS_USERNAME"`
	RedisPassword  string `env:"IDP_REDIS_PASSWORD"`
	RedisDB        int    `env:"IDP_REDIS_DB" env-default:"0"`
	RedisKeyPrefix string `env:"IDP_REDIS_KEY_PREFIX" env-default:"idp:"`

	// InteractionURL receives the browser after an accepted authorization
	// request, with tenant_id and id query parameters. Empty returns the
	// request id as JSON instead.
	InteractionURL string `env:"IDP_INTERACTION_URL"`

	// Key rotation
	SigningKeyRotationDays int           `env:"IDP_SIGNING_KEY_ROTATION_DAYS" env-default:"30"`
	SigningKeyGracePeriod  time.Duration `env:"IDP_SIGNING_KEY_GRACE_PERIOD" env-default:"24h"`

	// Expired grant sweeping
	SweepInterval time.Duration `env:"IDP_SWEEP_INTERVAL" env-default:"1m"`

	// Rate limiting, in requests per minute per client IP
	TokenRateLimit int `env:"IDP_TOKEN_RATE_LIMIT" env-default:"60"`
	LoginRateLimit int `env:"IDP_LOGIN_RATE_LIMIT" env-default:"5"`

	// Account lockout
	LockoutMaxAttempts int           `env:"IDP_LOCKOUT_MAX_ATTEMPTS" env-default:"5"`
	LockoutDuration    time.Duration `env:"IDP_LOCKOUT_DURATION" env-default:"15m"`

	// Logging
	LogLevel  string `env:"IDP_LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"IDP_LOG_FORMAT" env-default:"json"` // json or text

	// Bootstrap data, written to the tenant on startup when missing.
	BootstrapTenant string `env:"IDP_BOOTSTRAP_TENANT"`
	// Format: "username:password:email,username2:password2:email2"
	BootstrapUsers string `env:"IDP_BOOTSTRAP_USERS"`
	// Format: "client_id|client_secret|redirect_uri" (use | as delimiter to avoid URL conflicts)
	// Multiple redirect URIs separated by space: "client_id|secret|http://uri1 http://uri2"
	// Multiple clients separated by comma: "client1|secret1|uri1,client2|secret2|uri2"
	// Empty secret for public clients: "public-app||http://localhost:3000/callback"
	BootstrapClients string `env:"IDP_BOOTSTRAP_CLIENTS"`
}

// Load reads configuration from an optional .env file and the environment.
// Variables already set in the environment win over the file.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.GrantStore {
	case GrantStoreMemory, GrantStoreBolt, GrantStoreRedis:
	default:
		return fmt.Errorf("invalid IDP_GRANT_STORE %q: must be memory, bolt or redis", c.GrantStore)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("IDP_TLS_CERT_FILE and IDP_TLS_KEY_FILE must be set together")
	}
	if c.TLSClientCAFile != "" && c.TLSCertFile == "" {
		return errors.New("IDP_TLS_CLIENT_CA_FILE requires IDP_TLS_CERT_FILE")
	}
	if c.SweepInterval <= 0 {
		return errors.New("IDP_SWEEP_INTERVAL must be positive")
	}
	return nil
}

// Addr returns the server address in host:port format.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TLSEnabled reports whether the listener serves TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != ""
}

// GrantStorePath returns the bbolt file of the bolt grant store.
func (c *Config) GrantStorePath() string {
	if c.BoltPath != "" {
		return c.BoltPath
	}
	return filepath.Join(c.DataDir, "grants.db")
}

// SigningKeyMaxAge returns the age after which the signing key is rotated.
// Zero disables rotation.
func (c *Config) SigningKeyMaxAge() time.Duration {
	if c.SigningKeyRotationDays <= 0 {
		return 0
	}
	return time.Duration(c.SigningKeyRotationDays) * 24 * time.Hour
}

// BootstrapUser represents a user to be created on startup.
type BootstrapUser struct {
	Username string
	Password string
	Email    string
}

// BootstrapClient represents a client to be created on startup.
type BootstrapClient struct {
	ID           string
	Secret       string
	RedirectURIs []string
	Public       bool
}

// ParseBootstrapUsers parses the IDP_BOOTSTRAP_USERS environment variable.
// Format: "username:password:email,username2:password2:email2"
func (c *Config) ParseBootstrapUsers() []BootstrapUser {
	if c.BootstrapUsers == "" {
		return nil
	}

	var users []BootstrapUser
	for _, entry := range strings.Split(c.BootstrapUsers, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			continue
		}

		user := BootstrapUser{
			Username: strings.TrimSpace(parts[0]),
			Password: strings.TrimSpace(parts[1]),
		}
		if len(parts) >= 3 {
			user.Email = strings.TrimSpace(parts[2])
		}
		users = append(users, user)
	}
	return users
}

// ParseBootstrapClients parses the IDP_BOOTSTRAP_CLIENTS environment variable.
func (c *Config) ParseBootstrapClients() []BootstrapClient {
	if c.BootstrapClients == "" {
		return nil
	}

	var clients []BootstrapClient
	for _, entry := range strings.Split(c.BootstrapClients, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "|", 3)
		if len(parts) < 3 {
			continue
		}

		secret := strings.TrimSpace(parts[1])
		clients = append(clients, BootstrapClient{
			ID:           strings.TrimSpace(parts[0]),
			Secret:       secret,
			RedirectURIs: strings.Fields(parts[2]),
			Public:       secret == "",
		})
	}
	return clients
}
