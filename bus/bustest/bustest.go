// Package bustest is a conformance suite shared by the bus.Bus backends.
package bustest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/session-relay/bus"
	"github.com/google/uuid"
)

// BusFactory creates a fresh bus for one subtest.
type BusFactory func(t *testing.T) bus.Bus

// RunBusTests runs the complete suite against the provided factory.
func RunBusTests(t *testing.T, factory BusFactory) {
	t.Run("PublishAndSubscribe", func(t *testing.T) {
		testPublishAndSubscribe(t, factory)
	})
	t.Run("ResumeFromLastID", func(t *testing.T) {
		testResumeFromLastID(t, factory)
	})
	t.Run("MultipleSubscribers", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("TopicIsolation", func(t *testing.T) {
		testTopicIsolation(t, factory)
	})
	t.Run("OrderPreserved", func(t *testing.T) {
		testOrderPreserved(t, factory)
	})
	t.Run("ContextCancellation", func(t *testing.T) {
		testContextCancellation(t, factory)
	})
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) {
		testHandlerErrorStopsSubscription(t, factory)
	})
	t.Run("CleanupUnknownTopic", func(t *testing.T) {
		testCleanupUnknownTopic(t, factory)
	})
}

func topicName(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

type collector struct {
	mu   sync.Mutex
	envs []bus.Envelope
}

func (c *collector) handle(ctx context.Context, env bus.Envelope) error {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []bus.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Envelope(nil), c.envs...)
}

func waitFor(t *testing.T, c *collector, n int) []bus.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if envs := c.snapshot(); len(envs) >= n {
			return envs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d envelopes, got %d", n, len(c.snapshot()))
	return nil
}

func subscribe(ctx context.Context, b bus.Bus, topic, lastID string, h bus.Handler) <-chan error {
	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, topic, lastID, h) }()
	return done
}

func testPublishAndSubscribe(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := topicName("pubsub")
	c := &collector{}
	done := subscribe(ctx, b, topic, "", c.handle)

	// Give the subscription time to start
	time.Sleep(100 * time.Millisecond)

	id, err := b.Publish(ctx, topic, []byte(`{"kind":"heartbeat"}`))
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty id")
	}

	envs := waitFor(t, c, 1)
	if envs[0].ID != id {
		t.Fatalf("expected id %s, got %s", id, envs[0].ID)
	}
	if string(envs[0].Data) != `{"kind":"heartbeat"}` {
		t.Fatalf("unexpected data %q", envs[0].Data)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not stop")
	}
}

func testResumeFromLastID(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := topicName("resume")
	first, err := b.Publish(ctx, topic, []byte("one"))
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	second, err := b.Publish(ctx, topic, []byte("two"))
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	c := &collector{}
	subscribe(ctx, b, topic, first, c.handle)

	envs := waitFor(t, c, 1)
	if envs[0].ID != second || string(envs[0].Data) != "two" {
		t.Fatalf("expected to resume at %s, got %s (%q)", second, envs[0].ID, envs[0].Data)
	}
}

func testMultipleSubscribers(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := topicName("fanout")
	c1, c2 := &collector{}, &collector{}
	subscribe(ctx, b, topic, "", c1.handle)
	subscribe(ctx, b, topic, "", c2.handle)
	time.Sleep(100 * time.Millisecond)

	id, err := b.Publish(ctx, topic, []byte("x"))
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	for i, c := range []*collector{c1, c2} {
		envs := waitFor(t, c, 1)
		if envs[0].ID != id {
			t.Fatalf("subscriber %d: expected id %s, got %s", i, id, envs[0].ID)
		}
	}
}

func testTopicIsolation(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topicA, topicB := topicName("iso-a"), topicName("iso-b")
	ca, cb := &collector{}, &collector{}
	subscribe(ctx, b, topicA, "", ca.handle)
	subscribe(ctx, b, topicB, "", cb.handle)
	time.Sleep(100 * time.Millisecond)

	if _, err := b.Publish(ctx, topicA, []byte("a")); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	if _, err := b.Publish(ctx, topicB, []byte("b")); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	envsA := waitFor(t, ca, 1)
	envsB := waitFor(t, cb, 1)
	time.Sleep(100 * time.Millisecond)

	if got := len(ca.snapshot()); got != 1 {
		t.Fatalf("topic A expected 1 envelope, got %d", got)
	}
	if string(envsA[0].Data) != "a" || string(envsB[0].Data) != "b" {
		t.Fatalf("envelopes crossed topics: %q %q", envsA[0].Data, envsB[0].Data)
	}
}

func testOrderPreserved(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := topicName("order")
	c := &collector{}
	subscribe(ctx, b, topic, "", c.handle)
	time.Sleep(100 * time.Millisecond)

	const n = 50
	for i := 0; i < n; i++ {
		if _, err := b.Publish(ctx, topic, []byte(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("Publish() failed: %v", err)
		}
	}

	envs := waitFor(t, c, n)
	for i, env := range envs[:n] {
		if string(env.Data) != fmt.Sprintf("%d", i) {
			t.Fatalf("envelope %d out of order: %q", i, env.Data)
		}
	}
}

func testContextCancellation(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := subscribe(ctx, b, topicName("cancel"), "", func(context.Context, bus.Envelope) error { return nil })
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not observe cancellation")
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := topicName("handler-err")
	boom := errors.New("boom")
	done := subscribe(ctx, b, topic, "", func(context.Context, bus.Envelope) error { return boom })
	time.Sleep(100 * time.Millisecond)

	if _, err := b.Publish(ctx, topic, []byte("x")); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("expected handler error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not stop on handler error")
	}
}

func testCleanupUnknownTopic(t *testing.T, factory BusFactory) {
	b := factory(t)
	if err := b.Cleanup(context.Background(), topicName("never-used")); err != nil {
		t.Fatalf("Cleanup() failed: %v", err)
	}
}
