// Package ratelimittest holds a conformance suite for window.Store
// implementations.
package ratelimittest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/ratelimit/window"
	"github.com/google/uuid"
)

// StoreFactory creates a new, empty Store for one test.
type StoreFactory func(t *testing.T) window.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("RecordsUntilLimit", func(t *testing.T) { testRecordsUntilLimit(t, factory(t)) })
	t.Run("WindowSlides", func(t *testing.T) { testWindowSlides(t, factory(t)) })
	t.Run("Weights", func(t *testing.T) { testWeights(t, factory(t)) })
	t.Run("Remove", func(t *testing.T) { testRemove(t, factory(t)) })
	t.Run("KeysIsolated", func(t *testing.T) { testKeysIsolated(t, factory(t)) })
	t.Run("Peek", func(t *testing.T) { testPeek(t, factory(t)) })
	t.Run("ConcurrentHits", func(t *testing.T) { testConcurrentHits(t, factory(t)) })
}

// base is millisecond aligned so stores that keep milliseconds round-trip
// exactly.
var base = time.UnixMilli(1_760_000_000_000)

func entry(at time.Time, weight int64) window.Entry {
	return window.Entry{ID: uuid.NewString(), At: at, Weight: weight}
}

func key() string { return "test:" + uuid.NewString() }

func hit(t *testing.T, s window.Store, k string, e window.Entry, win time.Duration, limit int64) (window.Usage, bool) {
	t.Helper()
	u, ok, err := s.Hit(context.Background(), k, e, win, limit)
	if err != nil {
		t.Fatalf("Hit: %v", err)
	}
	return u, ok
}

func testRecordsUntilLimit(t *testing.T, s window.Store) {
	k := key()
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		u, ok := hit(t, s, k, entry(at, 1), time.Minute, 3)
		if !ok {
			t.Fatalf("hit %d should be recorded", i+1)
		}
		if u.Total != int64(i+1) {
			t.Fatalf("hit %d: expected total %d, got %d", i+1, i+1, u.Total)
		}
		if !u.Oldest.Equal(base) {
			t.Fatalf("hit %d: expected oldest %v, got %v", i+1, base, u.Oldest)
		}
	}

	u, ok := hit(t, s, k, entry(base.Add(10*time.Second), 1), time.Minute, 3)
	if ok {
		t.Fatalf("4th hit should be refused")
	}
	if u.Total != 3 {
		t.Fatalf("refused hit must not be recorded, total=%d", u.Total)
	}
	if got := u.ResetAfter(time.Minute, base.Add(10*time.Second)); got != 50*time.Second {
		t.Fatalf("expected reset after 50s, got %v", got)
	}
}

func testWindowSlides(t *testing.T, s window.Store) {
	k := key()
	for i := 0; i < 3; i++ {
		hit(t, s, k, entry(base.Add(time.Duration(i)*time.Second), 1), time.Minute, 3)
	}
	if _, ok := hit(t, s, k, entry(base.Add(30*time.Second), 1), time.Minute, 3); ok {
		t.Fatalf("hit inside the window should be refused")
	}
	// Only the first entry has left the window.
	u, ok := hit(t, s, k, entry(base.Add(60*time.Second+500*time.Millisecond), 1), time.Minute, 3)
	if !ok {
		t.Fatalf("hit after the oldest entry left the window should be recorded")
	}
	if u.Total != 3 {
		t.Fatalf("expected total 3, got %d", u.Total)
	}
	if want := base.Add(time.Second); !u.Oldest.Equal(want) {
		t.Fatalf("expected oldest %v, got %v", want, u.Oldest)
	}
}

func testWeights(t *testing.T, s window.Store) {
	k := key()
	if _, ok := hit(t, s, k, entry(base, 5), time.Minute, 10); !ok {
		t.Fatalf("first weighted hit should be recorded")
	}
	if u, ok := hit(t, s, k, entry(base.Add(time.Second), 5), time.Minute, 10); !ok || u.Total != 10 {
		t.Fatalf("second weighted hit should fill the budget, ok=%v total=%d", ok, u.Total)
	}
	if u, ok := hit(t, s, k, entry(base.Add(2*time.Second), 5), time.Minute, 10); ok || u.Total != 10 {
		t.Fatalf("third weighted hit should be refused, ok=%v total=%d", ok, u.Total)
	}
	if _, ok := hit(t, s, key(), entry(base, 11), time.Minute, 10); ok {
		t.Fatalf("a single entry heavier than the limit should be refused")
	}
}

func testRemove(t *testing.T, s window.Store) {
	ctx := context.Background()
	k := key()
	a := entry(base, 1)
	b := entry(base.Add(time.Second), 1)
	hit(t, s, k, a, time.Minute, 2)
	hit(t, s, k, b, time.Minute, 2)

	if err := s.Remove(ctx, k, b); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(ctx, k, b); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if err := s.Remove(ctx, key(), a); err != nil {
		t.Fatalf("Remove on unknown key: %v", err)
	}
	if _, ok := hit(t, s, k, entry(base.Add(2*time.Second), 1), time.Minute, 2); !ok {
		t.Fatalf("removed entry should free capacity")
	}
}

func testKeysIsolated(t *testing.T, s window.Store) {
	k1, k2 := key(), key()
	hit(t, s, k1, entry(base, 1), time.Minute, 1)
	if _, ok := hit(t, s, k1, entry(base, 1), time.Minute, 1); ok {
		t.Fatalf("k1 should be full")
	}
	if _, ok := hit(t, s, k2, entry(base, 1), time.Minute, 1); !ok {
		t.Fatalf("k2 must not share k1's window")
	}
}

func testPeek(t *testing.T, s window.Store) {
	ctx := context.Background()
	k := key()

	u, err := s.Peek(ctx, k, base, time.Minute)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if u.Total != 0 || !u.Oldest.IsZero() {
		t.Fatalf("expected empty usage, got %+v", u)
	}

	hit(t, s, k, entry(base, 2), time.Minute, 10)
	u, _ = s.Peek(ctx, k, base.Add(time.Second), time.Minute)
	if u.Total != 2 || !u.Oldest.Equal(base) {
		t.Fatalf("unexpected usage %+v", u)
	}
	u, _ = s.Peek(ctx, k, base.Add(time.Second), time.Minute)
	if u.Total != 2 {
		t.Fatalf("Peek must not record, total=%d", u.Total)
	}
	u, _ = s.Peek(ctx, k, base.Add(2*time.Minute), time.Minute)
	if u.Total != 0 {
		t.Fatalf("expected window to be empty after it elapsed, got %+v", u)
	}
}

func testConcurrentHits(t *testing.T, s window.Store) {
	k := key()
	const attempts, limit = 50, 10
	var recorded atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := s.Hit(context.Background(), k, entry(base.Add(time.Duration(i)*time.Millisecond), 1), time.Minute, limit)
			if err != nil {
				t.Errorf("Hit: %v", err)
				return
			}
			if ok {
				recorded.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if recorded.Load() != limit {
		t.Fatalf("expected exactly %d recorded hits, got %d", limit, recorded.Load())
	}
}
