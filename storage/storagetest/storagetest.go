// Package storagetest holds a conformance suite for storage.Storage
// implementations.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/storage"
)

// Factory creates a new, empty Storage for one test.
type Factory func(t *testing.T) storage.Storage

// RunStorageTests runs the complete Storage test suite against the provided factory.
func RunStorageTests(t *testing.T, factory Factory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory(t)) })
	t.Run("GetNonExistent", func(t *testing.T) { testGetNonExistent(t, factory(t)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory(t)) })
	t.Run("Namespaces", func(t *testing.T) { testNamespaces(t, factory(t)) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, factory(t)) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, factory(t)) })
	t.Run("InvalidOptions", func(t *testing.T) { testInvalidOptions(t, factory(t)) })
}

func mustGet(t *testing.T, s storage.Storage, key string, opts ...storage.Option) *storage.Item {
	t.Helper()
	item, err := s.Get(context.Background(), key, opts...)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	return item
}

func mustSet(t *testing.T, s storage.Storage, key, data string, opts ...storage.Option) {
	t.Helper()
	if err := s.Set(context.Background(), key, []byte(data), opts...); err != nil {
		t.Fatalf("Set(%q) failed: %v", key, err)
	}
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	mustSet(t, s, "greeting", "hello")
	item := mustGet(t, s, "greeting")
	if item == nil {
		t.Fatal("Get() returned nil item")
	}
	if string(item.Data) != "hello" {
		t.Fatalf("Get() returned wrong data: got %s, want hello", item.Data)
	}
	if item.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set")
	}
	if item.ExpiresAt != nil {
		t.Fatal("item without TTL should not expire")
	}

	mustSet(t, s, "greeting", "bonjour")
	if item := mustGet(t, s, "greeting"); string(item.Data) != "bonjour" {
		t.Fatalf("overwrite not visible: %s", item.Data)
	}
}

func testGetNonExistent(t *testing.T, s storage.Storage) {
	if item := mustGet(t, s, "missing"); item != nil {
		t.Fatalf("expected nil item, got %+v", item)
	}
}

func testTTL(t *testing.T, s storage.Storage) {
	mustSet(t, s, "short", "x", storage.WithTTL(50*time.Millisecond))
	item := mustGet(t, s, "short")
	if item == nil || item.ExpiresAt == nil {
		t.Fatalf("expected item with expiry, got %+v", item)
	}
	time.Sleep(120 * time.Millisecond)
	if item := mustGet(t, s, "short"); item != nil {
		t.Fatalf("expected expired item to be gone, got %+v", item)
	}
}

func testNamespaces(t *testing.T, s storage.Storage) {
	mustSet(t, s, "k", "global")
	mustSet(t, s, "k", "tenant-a", storage.WithTenant("a"))
	mustSet(t, s, "k", "tenant-b", storage.WithTenant("b"))
	mustSet(t, s, "k", "user-a1", storage.WithUser("a", "u1"))

	cases := []struct {
		name string
		opts []storage.Option
		want string
	}{
		{"global", nil, "global"},
		{"tenant a", []storage.Option{storage.WithTenant("a")}, "tenant-a"},
		{"tenant b", []storage.Option{storage.WithTenant("b")}, "tenant-b"},
		{"user", []storage.Option{storage.WithUser("a", "u1")}, "user-a1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item := mustGet(t, s, "k", tc.opts...)
			if item == nil || string(item.Data) != tc.want {
				t.Fatalf("got %+v, want %s", item, tc.want)
			}
		})
	}
	if item := mustGet(t, s, "k", storage.WithUser("b", "u1")); item != nil {
		t.Fatalf("same user id under another tenant must be isolated")
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	mustSet(t, s, "one", "1", storage.WithTenant("a"))
	mustSet(t, s, "two", "2", storage.WithTenant("a"))

	if err := s.Delete(ctx, storage.WithTenant("a"), storage.WithKey("one")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if item := mustGet(t, s, "one", storage.WithTenant("a")); item != nil {
		t.Fatal("deleted key still present")
	}
	if item := mustGet(t, s, "two", storage.WithTenant("a")); item == nil {
		t.Fatal("sibling key removed")
	}
}

func testDeleteNamespace(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	mustSet(t, s, "one", "1", storage.WithTenant("a"))
	mustSet(t, s, "pref", "p", storage.WithUser("a", "u1"))
	mustSet(t, s, "one", "1", storage.WithTenant("b"))

	if err := s.Delete(ctx, storage.WithTenant("a")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if item := mustGet(t, s, "one", storage.WithTenant("a")); item != nil {
		t.Fatal("tenant key survived namespace delete")
	}
	if item := mustGet(t, s, "pref", storage.WithUser("a", "u1")); item != nil {
		t.Fatal("user key survived tenant namespace delete")
	}
	if item := mustGet(t, s, "one", storage.WithTenant("b")); item == nil {
		t.Fatal("other tenant affected by namespace delete")
	}
}

func testInvalidOptions(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Delete(ctx); !errors.Is(err, storage.ErrInvalidOptions) {
		t.Fatalf("deleting the global namespace should be refused, got %v", err)
	}
	if err := s.Set(ctx, "k", []byte("v"), storage.WithTTL(-time.Second)); !errors.Is(err, storage.ErrInvalidOptions) {
		t.Fatalf("negative TTL should be refused, got %v", err)
	}
}
