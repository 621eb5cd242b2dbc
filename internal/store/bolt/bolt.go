// Package bolt implements grant storage on an embedded bbolt database.
//
// Every record is stored as JSON under "<tenant>/<id>". Token lookups go
// through index buckets keyed by the SHA-256 of the token value so raw
// bearer tokens are not used as keys on disk. Consume and Transition run
// inside a single read-write transaction, which bbolt serializes.
package bolt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/store"
)

const (
	dirPerm     = fs.FileMode(0o700)
	filePerm    = fs.FileMode(0o600)
	openTimeout = 5 * time.Second
)

var (
	requestsBucket     = []byte("authorization_requests")
	codesBucket        = []byte("authorization_codes")
	cibaBucket         = []byte("ciba_grants")
	tokensBucket       = []byte("oauth_tokens")
	accessIndexBucket  = []byte("access_token_index")
	refreshIndexBucket = []byte("refresh_token_index")
	allBuckets         = [][]byte{requestsBucket, codesBucket, cibaBucket, tokensBucket, accessIndexBucket, refreshIndexBucket}
)

func recordKey(tenantID, id string) []byte {
	return []byte(tenantID + "/" + id)
}

// tokenKey hashes a token value for use as an index key.
func tokenKey(tenantID, token string) []byte {
	h := sha256.Sum256([]byte(token))
	return []byte(tenantID + "/" + hex.EncodeToString(h[:]))
}

// Store implements store.Grants on bbolt.
type Store struct {
	db *bbolt.DB
}

var _ store.Grants = (*Store)(nil)

// Open opens or creates the database at path and ensures all buckets exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating grant store directory: %w", err)
	}

	db, err := bbolt.Open(path, filePerm, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening grant store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) AuthorizationRequests() store.AuthorizationRequestRepository {
	return (*requestRepository)(s)
}
func (s *Store) AuthorizationCodes() store.AuthorizationCodeGrantRepository {
	return (*codeRepository)(s)
}
func (s *Store) CibaGrants() store.CibaGrantRepository { return (*cibaRepository)(s) }
func (s *Store) Tokens() store.OAuthTokenRepository    { return (*tokenRepository)(s) }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func put(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func insert(tx *bbolt.Tx, bucket []byte, key []byte, v any, resource, id string) error {
	b := tx.Bucket(bucket)
	if b.Get(key) != nil {
		return idperrors.AlreadyExists(resource, id)
	}
	return put(b, key, v)
}

// get decodes the record at key into v and reports whether it exists.
func get(tx *bbolt.Tx, bucket []byte, key []byte, v any) (bool, error) {
	data := tx.Bucket(bucket).Get(key)
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

// wrap converts bbolt and codec failures into internal errors, leaving coded errors alone.
func wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	var coded *idperrors.Error
	if errors.As(err, &coded) {
		return err
	}
	return idperrors.Internal(op, err)
}

// deleteExpired removes every record in bucket for which expired reports true.
func deleteExpired[T any](s *Store, bucket []byte, expired func(*T) bool, onDelete func(tx *bbolt.Tx, v *T) error) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		var stale [][]byte
		var values []*T
		err := b.ForEach(func(k, data []byte) error {
			v := new(T)
			if err := json.Unmarshal(data, v); err != nil {
				return err
			}
			if expired(v) {
				stale = append(stale, append([]byte(nil), k...))
				values = append(values, v)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for i, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			if onDelete != nil {
				if err := onDelete(tx, values[i]); err != nil {
					return err
				}
			}
		}
		n = len(stale)
		return nil
	})
	return n, wrap(err, "failed to delete expired records")
}

type requestRepository Store

func (r *requestRepository) Register(ctx context.Context, req *domain.AuthorizationRequest) error {
	err := r.db.Update(func(tx *bbolt.Tx) error {
		return insert(tx, requestsBucket, recordKey(req.TenantID(), req.ID()), req, "authorization request", req.ID())
	})
	return wrap(err, "failed to register authorization request")
}

func (r *requestRepository) Get(ctx context.Context, tenantID, id string) (*domain.AuthorizationRequest, error) {
	var req domain.AuthorizationRequest
	var found bool
	err := r.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = get(tx, requestsBucket, recordKey(tenantID, id), &req)
		return err
	})
	if err != nil {
		return nil, wrap(err, "failed to load authorization request")
	}
	if !found {
		return nil, idperrors.NotFound("authorization request", id)
	}
	return &req, nil
}

func (r *requestRepository) Consume(ctx context.Context, tenantID, id string) (*domain.AuthorizationRequest, error) {
	var req domain.AuthorizationRequest
	err := r.db.Update(func(tx *bbolt.Tx) error {
		key := recordKey(tenantID, id)
		found, err := get(tx, requestsBucket, key, &req)
		if err != nil {
			return err
		}
		if !found {
			return idperrors.NotFound("authorization request", id)
		}
		return tx.Bucket(requestsBucket).Delete(key)
	})
	if err != nil {
		return nil, wrap(err, "failed to consume authorization request")
	}
	return &req, nil
}

func (r *requestRepository) Delete(ctx context.Context, tenantID, id string) error {
	err := r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(requestsBucket).Delete(recordKey(tenantID, id))
	})
	return wrap(err, "failed to delete authorization request")
}

func (r *requestRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return deleteExpired((*Store)(r), requestsBucket, func(req *domain.AuthorizationRequest) bool {
		return req.IsExpired(now)
	}, nil)
}

type codeRepository Store

func (r *codeRepository) Register(ctx context.Context, grant *domain.AuthorizationCodeGrant) error {
	err := r.db.Update(func(tx *bbolt.Tx) error {
		return insert(tx, codesBucket, recordKey(grant.TenantID, grant.Code), grant, "authorization code", grant.Code)
	})
	return wrap(err, "failed to register authorization code")
}

func (r *codeRepository) Find(ctx context.Context, tenantID, code string) (*domain.AuthorizationCodeGrant, error) {
	var g domain.AuthorizationCodeGrant
	var found bool
	err := r.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = get(tx, codesBucket, recordKey(tenantID, code), &g)
		return err
	})
	if err != nil {
		return nil, wrap(err, "failed to load authorization code")
	}
	if !found {
		return nil, idperrors.NotFound("authorization code", code)
	}
	return &g, nil
}

func (r *codeRepository) Consume(ctx context.Context, tenantID, code string) (*domain.AuthorizationCodeGrant, error) {
	var g domain.AuthorizationCodeGrant
	err := r.db.Update(func(tx *bbolt.Tx) error {
		key := recordKey(tenantID, code)
		found, err := get(tx, codesBucket, key, &g)
		if err != nil {
			return err
		}
		if !found {
			return idperrors.NotFound("authorization code", code)
		}
		return tx.Bucket(codesBucket).Delete(key)
	})
	if err != nil {
		return nil, wrap(err, "failed to consume authorization code")
	}
	return &g, nil
}

func (r *codeRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return deleteExpired((*Store)(r), codesBucket, func(g *domain.AuthorizationCodeGrant) bool {
		return g.IsExpired(now)
	}, nil)
}

type cibaRepository Store

func (r *cibaRepository) Register(ctx context.Context, grant *domain.CibaGrant) error {
	err := r.db.Update(func(tx *bbolt.Tx) error {
		return insert(tx, cibaBucket, recordKey(grant.TenantID, grant.AuthReqID), grant, "ciba grant", grant.AuthReqID)
	})
	return wrap(err, "failed to register ciba grant")
}

func (r *cibaRepository) Find(ctx context.Context, tenantID, authReqID string) (*domain.CibaGrant, error) {
	var g domain.CibaGrant
	var found bool
	err := r.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = get(tx, cibaBucket, recordKey(tenantID, authReqID), &g)
		return err
	})
	if err != nil {
		return nil, wrap(err, "failed to load ciba grant")
	}
	if !found {
		return nil, idperrors.NotFound("ciba grant", authReqID)
	}
	return &g, nil
}

func (r *cibaRepository) Transition(ctx context.Context, tenantID, authReqID string, from, to domain.CibaGrantStatus,
	update func(*domain.CibaGrant)) (*domain.CibaGrant, error) {
	var g domain.CibaGrant
	err := r.db.Update(func(tx *bbolt.Tx) error {
		key := recordKey(tenantID, authReqID)
		found, err := get(tx, cibaBucket, key, &g)
		if err != nil {
			return err
		}
		if !found {
			return idperrors.NotFound("ciba grant", authReqID)
		}
		if g.Status != from {
			return idperrors.Conflict("ciba grant", authReqID)
		}
		g.Status = to
		if update != nil {
			update(&g)
		}
		return put(tx.Bucket(cibaBucket), key, &g)
	})
	if err != nil {
		return nil, wrap(err, "failed to transition ciba grant")
	}
	return &g, nil
}

func (r *cibaRepository) Consume(ctx context.Context, tenantID, authReqID string) (*domain.CibaGrant, error) {
	var g domain.CibaGrant
	err := r.db.Update(func(tx *bbolt.Tx) error {
		key := recordKey(tenantID, authReqID)
		found, err := get(tx, cibaBucket, key, &g)
		if err != nil {
			return err
		}
		if !found {
			return idperrors.NotFound("ciba grant", authReqID)
		}
		if g.Status != domain.CibaStatusAuthorized {
			return idperrors.Conflict("ciba grant", authReqID)
		}
		return tx.Bucket(cibaBucket).Delete(key)
	})
	if err != nil {
		return nil, wrap(err, "failed to consume ciba grant")
	}
	return &g, nil
}

func (r *cibaRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return deleteExpired((*Store)(r), cibaBucket, func(g *domain.CibaGrant) bool {
		return g.IsExpired(now)
	}, nil)
}

type tokenRepository Store

func (r *tokenRepository) Register(ctx context.Context, token *domain.OAuthToken) error {
	err := r.db.Update(func(tx *bbolt.Tx) error {
		if err := insert(tx, tokensBucket, recordKey(token.TenantID, token.ID), token, "oauth token", token.ID); err != nil {
			return err
		}
		if err := tx.Bucket(accessIndexBucket).Put(tokenKey(token.TenantID, token.AccessToken), []byte(token.ID)); err != nil {
			return err
		}
		if token.RefreshToken != "" {
			return tx.Bucket(refreshIndexBucket).Put(tokenKey(token.TenantID, token.RefreshToken), []byte(token.ID))
		}
		return nil
	})
	return wrap(err, "failed to register oauth token")
}

// lookup resolves an index entry to its token bundle.
func lookup(tx *bbolt.Tx, index []byte, tenantID, value string, t *domain.OAuthToken) (bool, error) {
	id := tx.Bucket(index).Get(tokenKey(tenantID, value))
	if id == nil {
		return false, nil
	}
	return get(tx, tokensBucket, recordKey(tenantID, string(id)), t)
}

func removeToken(tx *bbolt.Tx, t *domain.OAuthToken) error {
	if err := tx.Bucket(tokensBucket).Delete(recordKey(t.TenantID, t.ID)); err != nil {
		return err
	}
	if err := tx.Bucket(accessIndexBucket).Delete(tokenKey(t.TenantID, t.AccessToken)); err != nil {
		return err
	}
	if t.RefreshToken != "" {
		return tx.Bucket(refreshIndexBucket).Delete(tokenKey(t.TenantID, t.RefreshToken))
	}
	return nil
}

func (r *tokenRepository) find(index []byte, tenantID, value, kind string) (*domain.OAuthToken, error) {
	var t domain.OAuthToken
	var found bool
	err := r.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = lookup(tx, index, tenantID, value, &t)
		return err
	})
	if err != nil {
		return nil, wrap(err, "failed to load oauth token")
	}
	if !found {
		return nil, idperrors.NotFound("oauth token", kind)
	}
	return &t, nil
}

func (r *tokenRepository) FindByAccessToken(ctx context.Context, tenantID, accessToken string) (*domain.OAuthToken, error) {
	return r.find(accessIndexBucket, tenantID, accessToken, "access token")
}

func (r *tokenRepository) FindByRefreshToken(ctx context.Context, tenantID, refreshToken string) (*domain.OAuthToken, error) {
	return r.find(refreshIndexBucket, tenantID, refreshToken, "refresh token")
}

func (r *tokenRepository) ConsumeByRefreshToken(ctx context.Context, tenantID, refreshToken string) (*domain.OAuthToken, error) {
	var t domain.OAuthToken
	err := r.db.Update(func(tx *bbolt.Tx) error {
		found, err := lookup(tx, refreshIndexBucket, tenantID, refreshToken, &t)
		if err != nil {
			return err
		}
		if !found {
			return idperrors.NotFound("oauth token", "refresh token")
		}
		return removeToken(tx, &t)
	})
	if err != nil {
		return nil, wrap(err, "failed to consume refresh token")
	}
	return &t, nil
}

func (r *tokenRepository) Delete(ctx context.Context, tenantID, id string) error {
	err := r.db.Update(func(tx *bbolt.Tx) error {
		var t domain.OAuthToken
		found, err := get(tx, tokensBucket, recordKey(tenantID, id), &t)
		if err != nil || !found {
			return err
		}
		return removeToken(tx, &t)
	})
	return wrap(err, "failed to delete oauth token")
}

func (r *tokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return deleteExpired((*Store)(r), tokensBucket, func(t *domain.OAuthToken) bool {
		return now.After(t.ExpiresAt())
	}, func(tx *bbolt.Tx, t *domain.OAuthToken) error {
		return removeToken(tx, t)
	})
}
