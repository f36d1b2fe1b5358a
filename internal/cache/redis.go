package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/redis/go-redis/v9/maintnotifications"
	"go.uber.org/zap"
)

const (
	previewKeyPrefix   = "top8:preview:png:"
	defaultDialTimeout = 5 * time.Second
)

// ErrMissingAddress indicates the cache was configured without a redis address.
var ErrMissingAddress = errors.New("cache: redis address is required")

// PreviewKey names the cached preview image of one version of an owner's ranking.
// The version is the ranking's last update time at millisecond precision.
func PreviewKey(ownerFID int64, version time.Time) string {
	return previewKeyPrefix + strconv.FormatInt(ownerFID, 10) + ":" + strconv.FormatInt(version.UTC().UnixMilli(), 10)
}

// RedisConfig describes the connection to the preview cache.
type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// RedisCache stores rendered previews as opaque bytes.
type RedisCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisCache connects and pings the server before returning.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, ErrMissingAddress
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:        address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return &RedisCache{client: client, logger: logger}, nil
}

// Get returns the cached value; a missing key is reported as found == false.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores the value with the given expiry.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Delete removes the key; deleting a missing key is not an error.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: delete %s: %w", key, err)
	}
	return nil
}

// Close releases the connection pool.
func (c *RedisCache) Close() error {
	if err := c.client.Close(); err != nil {
		c.logger.Warn("redis close failed", zap.Error(err))
		return err
	}
	return nil
}
