package main

import (
	"context"
	"fmt"

	"github.com/tendant/tenant-idp/internal/config"
	idphttp "github.com/tendant/tenant-idp/internal/http"
	"github.com/tendant/tenant-idp/internal/store"
	"github.com/tendant/tenant-idp/internal/store/bolt"
	"github.com/tendant/tenant-idp/internal/store/memory"
	"github.com/tendant/tenant-idp/internal/store/redisstore"
)

// openGrantStore opens the configured grant store and the readiness checks
// of the services it depends on.
func openGrantStore(ctx context.Context, cfg *config.Config) (store.Grants, map[string]idphttp.ReadinessCheck, error) {
	switch cfg.GrantStore {
	case config.GrantStoreBolt:
		s, err := bolt.Open(cfg.GrantStorePath())
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case config.GrantStoreRedis:
		s, err := redisstore.New(ctx, redisstore.Config{
			Addr:      cfg.RedisAddr,
			Username:  cfg.RedisUsername,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, map[string]idphttp.ReadinessCheck{"redis": s.Ping}, nil
	case config.GrantStoreMemory:
		return memory.NewStore(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown grant store %q", cfg.GrantStore)
}
