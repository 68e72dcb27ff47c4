package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisPrefix namespaces cache keys in a shared Redis.
	DefaultRedisPrefix = "canvasgpt:cache:"

	// Expired entries are kept for a while so they can still be revalidated by ETag.
	staleRetention = 4
	minRetention   = time.Minute
	scanBatch      = 200
)

// RedisStore shares entries between processes, so the API server and the
// cache-warming worker see the same cache.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store on client. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key Key) (*Entry, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache: redis get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("cache: decode redis entry: %w", err)
	}
	return &e, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key Key, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	retention := entry.TTL * staleRetention
	if retention < minRetention {
		retention = minRetention
	}
	if err := s.client.Set(ctx, s.redisKey(key), data, retention).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

// DeleteFamily implements Store. Keys are path first, so a family is matched
// by the family path followed by either a space or a slash.
func (s *RedisStore) DeleteFamily(ctx context.Context, family string) error {
	family = cleanPath(family)
	base := s.prefix + escapeGlob(strings.TrimSuffix(family, "/"))
	for _, pattern := range []string{base + " *", base + "/*"} {
		if err := s.deleteMatching(ctx, pattern); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) deleteMatching(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("cache: redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache: redis del: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *RedisStore) redisKey(key Key) string {
	return s.prefix + key.String()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
