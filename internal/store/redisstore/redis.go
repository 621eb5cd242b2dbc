// Package redisstore implements grant storage on Redis so that several IdP
// nodes can share protocol state.
//
// Records are JSON values under "<prefix><kind>:<tenant>:<id>" with a TTL
// matching their expiry. Each kind also keeps a sorted set scored by expiry
// so the sweeper can report what it removed. Single-use semantics rely on
// GETDEL, and CIBA status changes use WATCH/MULTI.
package redisstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/store"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// maxTxRetries bounds optimistic transaction retries before reporting a conflict.
const maxTxRetries = 3

const (
	kindRequest      = "req"
	kindCode         = "code"
	kindCiba         = "ciba"
	kindToken        = "token"
	kindAccessIndex  = "at"
	kindRefreshIndex = "rt"
)

// Config holds Redis connection settings.
type Config struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Store implements store.Grants on Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ store.Grants = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{cfg.Addr},
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps a pre-configured client. Tests use it with miniredis.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix}
}

func (s *Store) AuthorizationRequests() store.AuthorizationRequestRepository {
	return (*requestRepository)(s)
}
func (s *Store) AuthorizationCodes() store.AuthorizationCodeGrantRepository {
	return (*codeRepository)(s)
}
func (s *Store) CibaGrants() store.CibaGrantRepository { return (*cibaRepository)(s) }
func (s *Store) Tokens() store.OAuthTokenRepository    { return (*tokenRepository)(s) }

// Close closes the Redis client connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(kind, tenantID, id string) string {
	return s.keyPrefix + kind + ":" + tenantID + ":" + id
}

// indexKey hashes a token value so raw bearer tokens never appear in key names.
func (s *Store) indexKey(kind, tenantID, token string) string {
	h := sha256.Sum256([]byte(token))
	return s.key(kind, tenantID, hex.EncodeToString(h[:]))
}

func (s *Store) expiryKey(kind string) string {
	return s.keyPrefix + "expiry:" + kind
}

func ttlUntil(t time.Time) time.Duration {
	ttl := time.Until(t)
	if ttl < time.Second {
		// Keep already-expired records until the sweeper removes them.
		return 0
	}
	return ttl
}

// register stores v under key only if absent and tracks it for sweeping.
func (s *Store) register(ctx context.Context, kind, key string, v any, expiresAt time.Time, resource, id string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return idperrors.Internal("failed to marshal "+resource, err)
	}
	ok, err := s.client.SetNX(ctx, key, data, ttlUntil(expiresAt)).Result()
	if err != nil {
		return idperrors.Internal("failed to store "+resource, err)
	}
	if !ok {
		return idperrors.AlreadyExists(resource, id)
	}
	if err := s.client.ZAdd(ctx, s.expiryKey(kind), redis.Z{Score: float64(expiresAt.Unix()), Member: key}).Err(); err != nil {
		_ = s.client.Del(ctx, key).Err()
		return idperrors.Internal("failed to index "+resource, err)
	}
	return nil
}

// load reads and decodes key, mapping a missing key to not_found.
func (s *Store) load(ctx context.Context, key string, v any, resource, id string) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return idperrors.NotFound(resource, id)
		}
		return idperrors.Internal("failed to load "+resource, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return idperrors.Internal("failed to decode "+resource, err)
	}
	return nil
}

// take atomically reads and deletes key.
func (s *Store) take(ctx context.Context, kind, key string, v any, resource, id string) error {
	data, err := s.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return idperrors.NotFound(resource, id)
		}
		return idperrors.Internal("failed to consume "+resource, err)
	}
	_ = s.client.ZRem(ctx, s.expiryKey(kind), key).Err()
	if err := json.Unmarshal(data, v); err != nil {
		return idperrors.Internal("failed to decode "+resource, err)
	}
	return nil
}

// sweep removes tracked records of kind whose expiry is before now. Records
// Redis already expired are dropped from the index without being counted.
func (s *Store) sweep(ctx context.Context, kind string, now time.Time, onDelete func(data []byte) error) (int, error) {
	zkey := s.expiryKey(kind)
	keys, err := s.client.ZRangeByScore(ctx, zkey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix()-1, 10),
	}).Result()
	if err != nil {
		return 0, idperrors.Internal("failed to list expired "+kind, err)
	}

	n := 0
	for _, key := range keys {
		data, err := s.client.GetDel(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return n, idperrors.Internal("failed to delete expired "+kind, err)
		default:
			n++
			if onDelete != nil {
				if err := onDelete(data); err != nil {
					return n, err
				}
			}
		}
		if err := s.client.ZRem(ctx, zkey, key).Err(); err != nil {
			return n, idperrors.Internal("failed to unindex expired "+kind, err)
		}
	}
	return n, nil
}

type requestRepository Store

func (r *requestRepository) Register(ctx context.Context, req *domain.AuthorizationRequest) error {
	s := (*Store)(r)
	return s.register(ctx, kindRequest, s.key(kindRequest, req.TenantID(), req.ID()), req, req.ExpiresAt(),
		"authorization request", req.ID())
}

func (r *requestRepository) Get(ctx context.Context, tenantID, id string) (*domain.AuthorizationRequest, error) {
	s := (*Store)(r)
	var req domain.AuthorizationRequest
	if err := s.load(ctx, s.key(kindRequest, tenantID, id), &req, "authorization request", id); err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *requestRepository) Consume(ctx context.Context, tenantID, id string) (*domain.AuthorizationRequest, error) {
	s := (*Store)(r)
	var req domain.AuthorizationRequest
	if err := s.take(ctx, kindRequest, s.key(kindRequest, tenantID, id), &req, "authorization request", id); err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *requestRepository) Delete(ctx context.Context, tenantID, id string) error {
	s := (*Store)(r)
	key := s.key(kindRequest, tenantID, id)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return idperrors.Internal("failed to delete authorization request", err)
	}
	_ = s.client.ZRem(ctx, s.expiryKey(kindRequest), key).Err()
	return nil
}

func (r *requestRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return (*Store)(r).sweep(ctx, kindRequest, now, nil)
}

type codeRepository Store

func (r *codeRepository) Register(ctx context.Context, grant *domain.AuthorizationCodeGrant) error {
	s := (*Store)(r)
	return s.register(ctx, kindCode, s.key(kindCode, grant.TenantID, grant.Code), grant, grant.ExpiresAt,
		"authorization code", grant.Code)
}

func (r *codeRepository) Find(ctx context.Context, tenantID, code string) (*domain.AuthorizationCodeGrant, error) {
	s := (*Store)(r)
	var g domain.AuthorizationCodeGrant
	if err := s.load(ctx, s.key(kindCode, tenantID, code), &g, "authorization code", code); err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *codeRepository) Consume(ctx context.Context, tenantID, code string) (*domain.AuthorizationCodeGrant, error) {
	s := (*Store)(r)
	var g domain.AuthorizationCodeGrant
	if err := s.take(ctx, kindCode, s.key(kindCode, tenantID, code), &g, "authorization code", code); err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *codeRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return (*Store)(r).sweep(ctx, kindCode, now, nil)
}

type cibaRepository Store

func (r *cibaRepository) Register(ctx context.Context, grant *domain.CibaGrant) error {
	s := (*Store)(r)
	return s.register(ctx, kindCiba, s.key(kindCiba, grant.TenantID, grant.AuthReqID), grant, grant.ExpiresAt,
		"ciba grant", grant.AuthReqID)
}

func (r *cibaRepository) Find(ctx context.Context, tenantID, authReqID string) (*domain.CibaGrant, error) {
	s := (*Store)(r)
	var g domain.CibaGrant
	if err := s.load(ctx, s.key(kindCiba, tenantID, authReqID), &g, "ciba grant", authReqID); err != nil {
		return nil, err
	}
	return &g, nil
}

// watch runs fn in an optimistic transaction on key, retrying when a
// concurrent writer touches the key between read and commit.
func (r *cibaRepository) watch(ctx context.Context, key, authReqID string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return idperrors.Conflict("ciba grant", authReqID)
}

func (r *cibaRepository) Transition(ctx context.Context, tenantID, authReqID string, from, to domain.CibaGrantStatus,
	update func(*domain.CibaGrant)) (*domain.CibaGrant, error) {
	key := (*Store)(r).key(kindCiba, tenantID, authReqID)
	var g domain.CibaGrant

	err := r.watch(ctx, key, authReqID, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return idperrors.NotFound("ciba grant", authReqID)
		}
		if err != nil {
			return idperrors.Internal("failed to load ciba grant", err)
		}
		g = domain.CibaGrant{}
		if err := json.Unmarshal(data, &g); err != nil {
			return idperrors.Internal("failed to decode ciba grant", err)
		}
		if g.Status != from {
			return idperrors.Conflict("ciba grant", authReqID)
		}
		g.Status = to
		if update != nil {
			update(&g)
		}
		out, err := json.Marshal(&g)
		if err != nil {
			return idperrors.Internal("failed to marshal ciba grant", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redis.KeepTTL)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *cibaRepository) Consume(ctx context.Context, tenantID, authReqID string) (*domain.CibaGrant, error) {
	s := (*Store)(r)
	key := s.key(kindCiba, tenantID, authReqID)
	var g domain.CibaGrant

	err := r.watch(ctx, key, authReqID, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return idperrors.NotFound("ciba grant", authReqID)
		}
		if err != nil {
			return idperrors.Internal("failed to load ciba grant", err)
		}
		g = domain.CibaGrant{}
		if err := json.Unmarshal(data, &g); err != nil {
			return idperrors.Internal("failed to decode ciba grant", err)
		}
		if g.Status != domain.CibaStatusAuthorized {
			return idperrors.Conflict("ciba grant", authReqID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.expiryKey(kindCiba), key)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *cibaRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return (*Store)(r).sweep(ctx, kindCiba, now, nil)
}

type tokenRepository Store

func (r *tokenRepository) Register(ctx context.Context, token *domain.OAuthToken) error {
	s := (*Store)(r)
	key := s.key(kindToken, token.TenantID, token.ID)
	if err := s.register(ctx, kindToken, key, token, token.ExpiresAt(), "oauth token", token.ID); err != nil {
		return err
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.indexKey(kindAccessIndex, token.TenantID, token.AccessToken), token.ID,
			ttlUntil(token.AccessTokenExpiresAt))
		if token.RefreshToken != "" {
			pipe.Set(ctx, s.indexKey(kindRefreshIndex, token.TenantID, token.RefreshToken), token.ID,
				ttlUntil(token.RefreshTokenExpiresAt))
		}
		return nil
	})
	if err != nil {
		_ = s.client.Del(ctx, key).Err()
		return idperrors.Internal("failed to index oauth token", err)
	}
	return nil
}

func (r *tokenRepository) byIndex(ctx context.Context, kind, tenantID, value, label string) (*domain.OAuthToken, error) {
	s := (*Store)(r)
	id, err := s.client.Get(ctx, s.indexKey(kind, tenantID, value)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, idperrors.NotFound("oauth token", label)
		}
		return nil, idperrors.Internal("failed to load token index", err)
	}
	var t domain.OAuthToken
	if err := s.load(ctx, s.key(kindToken, tenantID, id), &t, "oauth token", label); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *tokenRepository) FindByAccessToken(ctx context.Context, tenantID, accessToken string) (*domain.OAuthToken, error) {
	return r.byIndex(ctx, kindAccessIndex, tenantID, accessToken, "access token")
}

func (r *tokenRepository) FindByRefreshToken(ctx context.Context, tenantID, refreshToken string) (*domain.OAuthToken, error) {
	return r.byIndex(ctx, kindRefreshIndex, tenantID, refreshToken, "refresh token")
}

// dropIndexes removes the lookup keys of a bundle that has already been removed.
func (r *tokenRepository) dropIndexes(ctx context.Context, t *domain.OAuthToken) error {
	s := (*Store)(r)
	keys := []string{s.indexKey(kindAccessIndex, t.TenantID, t.AccessToken)}
	if t.RefreshToken != "" {
		keys = append(keys, s.indexKey(kindRefreshIndex, t.TenantID, t.RefreshToken))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return idperrors.Internal("failed to drop token indexes", err)
	}
	return nil
}

func (r *tokenRepository) ConsumeByRefreshToken(ctx context.Context, tenantID, refreshToken string) (*domain.OAuthToken, error) {
	s := (*Store)(r)
	// The refresh index entry is the single-use claim: only one caller gets the id.
	id, err := s.client.GetDel(ctx, s.indexKey(kindRefreshIndex, tenantID, refreshToken)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, idperrors.NotFound("oauth token", "refresh token")
		}
		return nil, idperrors.Internal("failed to consume refresh token", err)
	}

	var t domain.OAuthToken
	if err := s.take(ctx, kindToken, s.key(kindToken, tenantID, id), &t, "oauth token", "refresh token"); err != nil {
		return nil, err
	}
	if err := r.dropIndexes(ctx, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *tokenRepository) Delete(ctx context.Context, tenantID, id string) error {
	s := (*Store)(r)
	var t domain.OAuthToken
	err := s.take(ctx, kindToken, s.key(kindToken, tenantID, id), &t, "oauth token", id)
	if idperrors.IsCode(err, idperrors.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.dropIndexes(ctx, &t)
}

func (r *tokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return (*Store)(r).sweep(ctx, kindToken, now, func(data []byte) error {
		var t domain.OAuthToken
		if err := json.Unmarshal(data, &t); err != nil {
			return idperrors.Internal("failed to decode oauth token", err)
		}
		return r.dropIndexes(ctx, &t)
	})
}
