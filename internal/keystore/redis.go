package keystore

import (
	"context"
	"fmt"
	"regexp"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend over a redis keyspace. Keys are stored
// as "<label>:<namespace>:<key>" so multiple logical installations can
// share one redis instance (RELAY_STORAGE_LABEL).
type RedisBackend struct {
	client *redis.Client
	label  string
}

// NewRedisBackend constructs a backend from a redis DSN (REDIS_URL) and
// partition label.
func NewRedisBackend(url, label string) (*RedisBackend, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("keystore: parse redis url: %w", err)
	}
	return &RedisBackend{client: redis.NewClient(opt), label: label}, nil
}

func (r *RedisBackend) redisKey(ns Namespace, key string) string {
	return fmt.Sprintf("%s:%s:%s", r.label, ns, key)
}

func (r *RedisBackend) Initialize(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Shutdown(ctx context.Context) error {
	return r.client.Close()
}

func (r *RedisBackend) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.redisKey(ns, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("keystore: redis get: %w", err)
	}
	return val, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, ns Namespace, key string, value []byte) error {
	if err := r.client.Set(ctx, r.redisKey(ns, key), value, 0).Err(); err != nil {
		return fmt.Errorf("keystore: redis set: %w", err)
	}
	return nil
}

func (r *RedisBackend) Has(ctx context.Context, ns Namespace, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.redisKey(ns, key)).Result()
	if err != nil {
		return false, fmt.Errorf("keystore: redis exists: %w", err)
	}
	return n > 0, nil
}

func (r *RedisBackend) Remove(ctx context.Context, ns Namespace, key string) error {
	if err := r.client.Del(ctx, r.redisKey(ns, key)).Err(); err != nil {
		return fmt.Errorf("keystore: redis del: %w", err)
	}
	return nil
}

func (r *RedisBackend) Keys(ctx context.Context, ns Namespace, pattern string) ([]string, error) {
	prefix := fmt.Sprintf("%s:%s:", r.label, ns)
	var re *regexp.Regexp
	var err error
	if pattern != "" {
		re, err = regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("keystore: invalid key pattern: %w", err)
		}
	}

	var out []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()[len(prefix):]
		if re == nil || re.MatchString(key) {
			out = append(out, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("keystore: redis scan: %w", err)
	}
	return out, nil
}
