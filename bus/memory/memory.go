// Package memory provides an in-process bus.Bus. It is suitable for a single
// relay instance and for tests.
package memory

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/session-relay/bus"
)

// Bus implements bus.Bus with per-topic channels. Envelopes are retained so
// subscribers can resume from an id.
type Bus struct {
	mu      sync.Mutex
	topics  map[string]*topic
	counter atomic.Int64
	retain  int
}

type topic struct {
	mu          sync.Mutex
	envelopes   []bus.Envelope
	subscribers map[*subscription]struct{}
	closed      chan struct{}
}

type subscription struct {
	ch  chan bus.Envelope
	ctx context.Context
}

// Option configures a Bus.
type Option func(*Bus)

// WithRetention bounds how many envelopes a topic keeps for resumption.
func WithRetention(n int) Option {
	return func(b *Bus) { b.retain = n }
}

// New creates an empty in-memory bus.
func New(opts ...Option) *Bus {
	b := &Bus{topics: make(map[string]*topic), retain: 10000}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) topic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subscribers: make(map[*subscription]struct{}), closed: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	env := bus.Envelope{
		ID:   strconv.FormatInt(b.counter.Add(1), 10),
		Data: append([]byte(nil), data...),
	}

	t := b.topic(name)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.envelopes = append(t.envelopes, env)
	if b.retain > 0 && len(t.envelopes) > b.retain {
		t.envelopes = t.envelopes[len(t.envelopes)-b.retain:]
	}

	// Blocking send keeps per-topic ordering without dropping; a subscriber
	// that goes away releases the publisher through its context.
	for sub := range t.subscribers {
		select {
		case sub.ch <- env:
		case <-sub.ctx.Done():
			delete(t.subscribers, sub)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	return env.ID, nil
}

// Subscribe implements bus.Bus.
func (b *Bus) Subscribe(ctx context.Context, name string, lastID string, handler bus.Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t := b.topic(name)
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{ch: make(chan bus.Envelope, 256), ctx: subCtx}

	t.mu.Lock()
	var backlog []bus.Envelope
	if lastID != "" {
		for i, env := range t.envelopes {
			if env.ID == lastID {
				backlog = append(backlog, t.envelopes[i+1:]...)
				break
			}
		}
	}
	t.subscribers[sub] = struct{}{}
	closed := t.closed
	t.mu.Unlock()

	defer func() {
		// Cancel before taking the lock: a publisher blocked on our channel
		// holds it and waits for this context.
		cancel()
		t.mu.Lock()
		delete(t.subscribers, sub)
		t.mu.Unlock()
	}()

	for _, env := range backlog {
		if err := handler(subCtx, env); err != nil {
			return err
		}
	}

	for {
		select {
		case env := <-sub.ch:
			if err := handler(subCtx, env); err != nil {
				return err
			}
		case <-closed:
			return bus.ErrClosed
		case <-subCtx.Done():
			return subCtx.Err()
		}
	}
}

// Cleanup implements bus.Bus.
func (b *Bus) Cleanup(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	t, ok := b.topics[name]
	if ok {
		delete(b.topics, name)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	close(t.closed)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = make(map[*subscription]struct{})
	t.envelopes = nil
	return nil
}

var _ bus.Bus = (*Bus)(nil)
