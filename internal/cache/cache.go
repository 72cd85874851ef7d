// Package cache holds analysis results between pipeline runs, in process or
// in Redis.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/lox/rentalweather/internal/config"
	"github.com/lox/rentalweather/internal/metrics"
)

// Cache stores string values under keys with a per-entry TTL. A zero TTL
// never expires.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// DeleteMany removes every key matching any of the glob patterns and
	// returns how many were removed.
	DeleteMany(ctx context.Context, patterns ...string) (int, error)
	Close() error
}

// New builds the backend named by cfg.Backend.
func New(cfg config.CacheConfig) (Cache, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(cfg.Size)
	case "redis":
		return NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}

// Key joins parts with ':' into a cache key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// kindOf is the first key segment, used as the metrics label.
func kindOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

// GetJSON decodes a cached value into v. A value that no longer decodes is
// reported as a miss.
func GetJSON(ctx context.Context, c Cache, key string, v any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil {
		metrics.CacheRequests.WithLabelValues(kindOf(key), "error").Inc()
		return false, err
	}
	if !ok {
		metrics.CacheRequests.WithLabelValues(kindOf(key), "miss").Inc()
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		metrics.CacheRequests.WithLabelValues(kindOf(key), "miss").Inc()
		return false, nil
	}
	metrics.CacheRequests.WithLabelValues(kindOf(key), "hit").Inc()
	return true, nil
}

func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return c.Set(ctx, key, string(data), ttl)
}
