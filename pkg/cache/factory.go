package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"erpcache/pkg/config"
	"erpcache/pkg/errors"
)

// New 按配置中的 backend 选择并创建缓存后端。metrics 可以为 nil。
func New(cfg config.CacheConfig, metrics *StoreMetrics) (Store, error) {
	opts := Options{
		MaxSize:         cfg.MaxSize,
		DefaultTTL:      cfg.DefaultTTL,
		StaleWindow:     cfg.StaleWindow,
		CleanupInterval: cfg.CleanupInterval,
		Policy:          PolicyType(cfg.EvictionPolicy),
		Metrics:         metrics,
	}

	switch cfg.Backend {
	case config.BackendMemory, "":
		return NewMemoryStore(opts), nil

	case config.BackendDisk:
		return NewDiskStore(DiskOptions{
			Options:   opts,
			Dir:       cfg.Disk.Dir,
			Namespace: cfg.Namespace,
			MaxBytes:  cfg.Disk.MaxBytes,
		})

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		// Test Redis connection
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, errors.WrapError(errors.ErrCacheBackend, "failed to connect to Redis", err).
				WithContext("addr", cfg.Redis.Addr)
		}

		return NewRedisStore(client, RedisOptions{
			Options:   opts,
			Namespace: cfg.Namespace,
		}), nil

	default:
		return nil, errors.NewError(errors.ErrConfigInvalid, fmt.Sprintf("unknown cache backend %q", cfg.Backend))
	}
}
