// Package redis provides a bus.Bus backed by Redis Streams so that producers,
// relay instances and the gateway can run as separate processes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/session-relay/bus"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis bus. Defaults can be loaded via envdecode.
type Config struct {
	// Client to use. When nil a client for Addr is created.
	Client redis.UniversalClient
	// Addr like "localhost:6379". ENV: RELAY_REDIS_ADDR
	Addr string `env:"RELAY_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all stream keys. ENV: RELAY_BUS_PREFIX
	KeyPrefix string `env:"RELAY_BUS_PREFIX,default=relay:bus:"`
	// MaxLen approximately caps each stream. ENV: RELAY_BUS_MAXLEN
	MaxLen int64 `env:"RELAY_BUS_MAXLEN,default=100000"`
}

// Bus is a Redis Streams implementation of bus.Bus. Every subscriber reads
// the whole stream; no consumer groups are used.
type Bus struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
}

// New creates a Redis-backed bus.
func New(cfg Config) *Bus {
	client := cfg.Client
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "relay:bus:"
	}

	return &Bus{client: client, keyPrefix: prefix, maxLen: cfg.MaxLen}
}

// NewFromEnv builds a Bus using envdecode to populate Config.
func NewFromEnv() (*Bus, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis bus config: %w", err)
	}
	return New(cfg), nil
}

// Close closes the Redis client.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	key := b.streamKey(topic)
	args := &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{"data": data},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", key, err)
	}
	return id, nil
}

// Subscribe implements bus.Bus.
func (b *Bus) Subscribe(ctx context.Context, topic string, lastID string, handler bus.Handler) error {
	key := b.streamKey(topic)

	start := "$"
	if lastID != "" {
		start = lastID
	} else {
		// Pin "$" to a concrete id so nothing published between two reads is lost.
		msgs, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && err != redis.Nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read tail of stream %s: %w", key, err)
		}
		if len(msgs) > 0 {
			start = msgs[0].ID
		} else {
			start = "0-0"
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, start},
			Count:   100,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from stream %s: %w", key, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				start = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				if err := handler(ctx, bus.Envelope{ID: msg.ID, Data: []byte(data)}); err != nil {
					return err
				}
			}
		}
	}
}

// Cleanup implements bus.Bus.
func (b *Bus) Cleanup(ctx context.Context, topic string) error {
	key := b.streamKey(topic)
	if err := b.client.Del(ctx, key).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to cleanup topic %s: %w", topic, err)
	}
	return nil
}

func (b *Bus) streamKey(topic string) string {
	return b.keyPrefix + "stream:" + topic
}

var _ bus.Bus = (*Bus)(nil)
