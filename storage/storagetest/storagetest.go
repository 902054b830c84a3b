// Package storagetest is a conformance suite for storage.Storage backends.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/session-relay/storage"
	"github.com/google/uuid"
)

// Factory creates a fresh store for one subtest.
type Factory func(t *testing.T) storage.Storage

// RunStorageTests runs every conformance test against the factory.
func RunStorageTests(t *testing.T, factory Factory) {
	t.Run("GlobalRoundTrip", func(t *testing.T) { testGlobalRoundTrip(t, factory) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, factory) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, factory) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, factory) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, factory) })
}

func testGlobalRoundTrip(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	key := "k-" + uuid.NewString()

	if err := s.Set(ctx, key, []byte("v")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil || string(item.Data) != "v" {
		t.Fatalf("Get() returned %+v, want data v", item)
	}
}

func testNamespaceIsolation(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	logID := uuid.NewString()

	if err := s.Set(ctx, "patchfile", []byte("a.pb.logPatch"), storage.WithLog(logID)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Set(ctx, "patchfile", []byte("auto"), storage.WithObserver(logID)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	item, err := s.Get(ctx, "patchfile", storage.WithLog(logID))
	if err != nil || item == nil || string(item.Data) != "a.pb.logPatch" {
		t.Fatalf("log namespace read %+v, %v", item, err)
	}
	item, err = s.Get(ctx, "patchfile", storage.WithObserver(logID))
	if err != nil || item == nil || string(item.Data) != "auto" {
		t.Fatalf("observer namespace read %+v, %v", item, err)
	}
	item, err = s.Get(ctx, "patchfile")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatalf("global namespace should be empty, got %q", item.Data)
	}
}

func testTTL(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	key := "ttl-" + uuid.NewString()

	if err := s.Set(ctx, key, []byte("x"), storage.WithTTL(time.Second)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, key)
	if err != nil || item == nil {
		t.Fatalf("expected item before expiry, got %+v, %v", item, err)
	}
	if item.ExpiresAt == nil {
		t.Fatal("expected ExpiresAt to be set")
	}

	time.Sleep(1100 * time.Millisecond)
	item, err = s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatal("expected item to expire")
	}
}

func testDeleteKey(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	logID := uuid.NewString()

	s.Set(ctx, "a", []byte("1"), storage.WithLog(logID))
	s.Set(ctx, "b", []byte("2"), storage.WithLog(logID))

	if err := s.Delete(ctx, storage.WithLog(logID), storage.WithKey("a")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if item, _ := s.Get(ctx, "a", storage.WithLog(logID)); item != nil {
		t.Fatal("expected a to be deleted")
	}
	if item, _ := s.Get(ctx, "b", storage.WithLog(logID)); item == nil {
		t.Fatal("expected b to survive")
	}
}

func testDeleteNamespace(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	logA, logB := uuid.NewString(), uuid.NewString()

	s.Set(ctx, "a", []byte("1"), storage.WithLog(logA))
	s.Set(ctx, "b", []byte("2"), storage.WithLog(logA))
	s.Set(ctx, "a", []byte("3"), storage.WithLog(logB))

	if err := s.Delete(ctx, storage.WithLog(logA)); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if item, _ := s.Get(ctx, k, storage.WithLog(logA)); item != nil {
			t.Fatalf("expected %s to be deleted with its namespace", k)
		}
	}
	if item, _ := s.Get(ctx, "a", storage.WithLog(logB)); item == nil {
		t.Fatal("other namespace must be untouched")
	}
}

func testNotFound(t *testing.T, factory Factory) {
	s := factory(t)
	item, err := s.Get(context.Background(), "missing-"+uuid.NewString())
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatal("expected nil item")
	}
}
