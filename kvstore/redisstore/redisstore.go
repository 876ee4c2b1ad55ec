// Package redisstore implements kv.Store over go-redis/v9, for embedders
// who want native key TTL and a cache shared across multiple Federation
// processes instead of the default sqlstore's per-process SQL table.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/klppl/fedcore/kv"
)

// Store is a Redis-backed kv.Store.
type Store struct {
	client *redis.Client
	prefix string
}

// Options configures New.
type Options struct {
	// KeyPrefix is prepended to every Redis key, so one Redis instance can be
	// shared across unrelated uses. Defaults to "fedcore:".
	KeyPrefix string
}

// New wraps an existing *redis.Client. The caller owns the client's
// lifecycle (construct it from redis.ParseURL / redis.NewClient and Close it
// on shutdown).
func New(client *redis.Client, opts Options) *Store {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "fedcore:"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) redisKey(key kv.Key) string {
	return s.prefix + key.Join("\x1f")
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key kv.Key) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redisstore: get: %w", err)
	}
	return v, true, nil
}

// Set implements kv.Store. ttl <= 0 stores the key without expiry, using
// Redis's native TTL (SET ... EX) when a positive ttl is given.
func (s *Store) Set(ctx context.Context, key kv.Key, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.redisKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: set: %w", err)
	}
	return nil
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, key kv.Key) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redisstore: delete: %w", err)
	}
	return nil
}
