package utils

import (
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"github.com/ziyixi/quotaguard/quota"
)

// Quota state backends selectable on the command line
const (
	StateBackendFile   = "file"
	StateBackendSQLite = "sqlite"
	StateBackendRedis  = "redis"
)

// StoreConfig selects where the shared quota state lives
type StoreConfig struct {
	Backend   string
	Path      string
	RedisAddr string
	RedisKey  string
}

// OpenStore opens the quota store described by cfg. The returned closer
// releases the underlying file handle or connection.
func OpenStore(cfg StoreConfig) (quota.Store, io.Closer, error) {
	switch cfg.Backend {
	case StateBackendFile, "":
		store, err := quota.NewFileStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case StateBackendSQLite:
		store, err := quota.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case StateBackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		var opts []quota.RedisStoreOption
		if cfg.RedisKey != "" {
			opts = append(opts, quota.WithRedisKey(cfg.RedisKey))
		}
		return quota.NewRedisStore(rdb, opts...), rdb, nil
	default:
		return nil, nil, fmt.Errorf("unsupported state backend: %s", cfg.Backend)
	}
}
