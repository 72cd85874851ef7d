package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// scanCount is the SCAN batch hint used by DeleteMany.
const scanCount = 500

type Redis struct {
	client *redis.Client
}

func NewRedis(addr, password string, db int) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: redis get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set %s: %w", key, err)
	}
	return nil
}

// DeleteMany walks the keyspace with SCAN MATCH rather than KEYS so large
// databases are not blocked.
func (r *Redis) DeleteMany(ctx context.Context, patterns ...string) (int, error) {
	n := 0
	for _, p := range patterns {
		iter := r.client.Scan(ctx, 0, p, scanCount).Iterator()
		var batch []string
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return n, fmt.Errorf("cache: redis scan %q: %w", p, err)
		}
		if len(batch) == 0 {
			continue
		}
		deleted, err := r.client.Del(ctx, batch...).Result()
		if err != nil {
			return n, fmt.Errorf("cache: redis del %q: %w", p, err)
		}
		n += int(deleted)
	}
	return n, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
