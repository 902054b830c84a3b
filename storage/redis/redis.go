// Package redis provides a storage.Storage backed by Redis string keys with
// native expiry.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ggoodman/session-relay/storage"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis storage.
type Config struct {
	// Client is the Redis client instance.
	Client redis.UniversalClient

	// KeyPrefix is the prefix for all Redis keys.
	// Default: "relay:storage:"
	KeyPrefix string
}

// Storage implements storage.Storage using Redis.
type Storage struct {
	client    redis.UniversalClient
	keyPrefix string
}

type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a Redis-backed store.
func New(cfg Config) (*Storage, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "relay:storage:"
	}
	return &Storage{client: cfg.Client, keyPrefix: prefix}, nil
}

// Get implements storage.Storage.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Resolve(opts...)
	rkey := s.keyPrefix + storage.FullKey(o.Namespace, key)

	raw, err := s.client.Get(ctx, rkey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", rkey, err)
	}

	var st storedItem
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}

	item := &storage.Item{Data: st.Data, CreatedAt: st.CreatedAt, ExpiresAt: st.ExpiresAt}
	if item.IsExpired() {
		s.client.Del(ctx, rkey)
		return nil, nil
	}
	return item, nil
}

// Set implements storage.Storage.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Resolve(opts...)
	rkey := s.keyPrefix + storage.FullKey(o.Namespace, key)

	now := time.Now()
	st := storedItem{Data: data, CreatedAt: now}
	var ttl time.Duration
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		st.ExpiresAt = &exp
		ttl = *o.TTL
	}

	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal storage item: %w", err)
	}
	if err := s.client.Set(ctx, rkey, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", rkey, err)
	}
	return nil
}

// Delete implements storage.Storage.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Resolve(opts...)

	if o.Key != nil {
		rkey := s.keyPrefix + storage.FullKey(o.Namespace, *o.Key)
		if err := s.client.Del(ctx, rkey).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", rkey, err)
		}
		return nil
	}

	pattern := s.keyPrefix + storage.NamespacePrefix(o.Namespace) + "*"
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close implements storage.Storage.
func (s *Storage) Close() error {
	return s.client.Close()
}

var _ storage.Storage = (*Storage)(nil)
