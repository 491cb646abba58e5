package fingerprint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/locsync/internal/model"
)

const keyPrefix = "locsync:fp:"

// RedisConfig configures the shared Redis cache tier.
type RedisConfig struct {
	URL          string        `yaml:"url" mapstructure:"url"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// NewRedisClient connects to Redis. It returns nil, nil when no URL is
// configured so callers can skip the tier.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, eris.Wrap(err, "fingerprint: parse redis url")
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "fingerprint: redis ping")
	}
	return client, nil
}

// RedisCache stores enrichment results as JSON under a fixed key prefix.
// Entries do not expire; a reprocessed fingerprint overwrites its entry.
type RedisCache struct {
	client redis.Cmdable
}

// NewRedisCache wraps a connected client. Client lifecycle stays with the caller.
func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{client: client}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, fp string) (*model.Enrichment, error) {
	raw, err := c.client.Get(ctx, keyPrefix+fp).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "fingerprint: redis get")
	}
	var e model.Enrichment
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, eris.Wrap(err, "fingerprint: decode cached enrichment")
	}
	return &e, nil
}

// Put implements Cache.
func (c *RedisCache) Put(ctx context.Context, fp string, e *model.Enrichment) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "fingerprint: encode enrichment")
	}
	if err := c.client.Set(ctx, keyPrefix+fp, raw, 0).Err(); err != nil {
		return eris.Wrap(err, "fingerprint: redis set")
	}
	return nil
}
