package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDriver implements Driver on top of a Redis server. Keys are stored
// verbatim under an optional global prefix.
type RedisDriver struct {
	client   *redis.Client
	prefix   string
	scanSize int64
}

// NewRedisDriver connects to redisURL and verifies the connection
func NewRedisDriver(ctx context.Context, redisURL string) (*RedisDriver, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisDriverWithClient(client, ""), nil
}

// NewRedisDriverWithClient wraps an existing client
func NewRedisDriverWithClient(client *redis.Client, prefix string) *RedisDriver {
	return &RedisDriver{
		client:   client,
		prefix:   prefix,
		scanSize: 256,
	}
}

func (r *RedisDriver) key(k string) string {
	return r.prefix + k
}

func (r *RedisDriver) GetItem(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

func (r *RedisDriver) SetItem(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisDriver) RemoveItem(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// ListKeys scans the keyspace with a MATCH pattern. SCAN may return
// duplicates, so results are de-duplicated and sorted.
func (r *RedisDriver) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(r.key(prefix)) + "*"
	seen := make(map[string]struct{})

	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, r.scanSize).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
		}
		for _, k := range keys {
			seen[k[len(r.prefix):]] = struct{}{}
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Ping checks if Redis is reachable
func (r *RedisDriver) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisDriver) Close() error {
	return r.client.Close()
}

func escapeGlob(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
