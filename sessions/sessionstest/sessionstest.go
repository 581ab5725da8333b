// Package sessionstest holds a conformance suite for sessions.Host
// implementations.
package sessionstest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/google/uuid"
)

// HostFactory creates a new, empty Host for one test.
type HostFactory func(t *testing.T) sessions.Host

// RunHostTests runs the complete Host test suite against the provided factory.
func RunHostTests(t *testing.T, factory HostFactory) {
	t.Run("CreateAndLoad", func(t *testing.T) { testCreateAndLoad(t, factory) })
	t.Run("LoadUnknown", func(t *testing.T) { testLoadUnknown(t, factory) })
	t.Run("TouchMovesForward", func(t *testing.T) { testTouchMovesForward(t, factory) })
	t.Run("TouchIdleEvicts", func(t *testing.T) { testTouchIdleEvicts(t, factory) })
	t.Run("IncrementConcurrent", func(t *testing.T) { testIncrementConcurrent(t, factory) })
	t.Run("IncrementIdleEvicts", func(t *testing.T) { testIncrementIdleEvicts(t, factory) })
	t.Run("ExpireOnlyWhenIdle", func(t *testing.T) { testExpireOnlyWhenIdle(t, factory) })
	t.Run("DeleteIdempotent", func(t *testing.T) { testDeleteIdempotent(t, factory) })
	t.Run("ListIsolatesTenants", func(t *testing.T) { testListIsolatesTenants(t, factory) })
	t.Run("RangeAndLen", func(t *testing.T) { testRangeAndLen(t, factory) })
}

// base is millisecond aligned so hosts that store milliseconds round-trip
// exactly.
var base = time.UnixMilli(1_760_000_000_000)

func newSession(tenant, user string, at time.Time) *sessions.Session {
	return &sessions.Session{
		ID:              uuid.NewString(),
		TenantID:        tenant,
		UserID:          user,
		ProtocolVersion: mcp.LatestProtocolVersion,
		Client:          mcp.ImplementationInfo{Name: "test-client", Version: "1.0.0"},
		CreatedAt:       at,
		LastActivity:    at,
	}
}

func mustCreate(t *testing.T, h sessions.Host, s *sessions.Session) {
	t.Helper()
	if err := h.Create(context.Background(), s); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func testCreateAndLoad(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	s := newSession("t1", "u1", base)
	mustCreate(t, h, s)

	got, err := h.Load(ctx, s.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ID != s.ID || got.TenantID != "t1" || got.UserID != "u1" {
		t.Fatalf("unexpected identity: %+v", got)
	}
	if got.ProtocolVersion != mcp.LatestProtocolVersion || got.Client.Name != "test-client" {
		t.Fatalf("unexpected metadata: %+v", got)
	}
	if !got.CreatedAt.Equal(base) || !got.LastActivity.Equal(base) {
		t.Fatalf("unexpected times: created=%v last=%v", got.CreatedAt, got.LastActivity)
	}
	if got.Usage != (sessions.Usage{}) {
		t.Fatalf("expected zero usage, got %+v", got.Usage)
	}

	got.TenantID = "mutated"
	again, _ := h.Load(ctx, s.ID)
	if again.TenantID != "t1" {
		t.Fatalf("Load must return a copy")
	}
}

func testLoadUnknown(t *testing.T, factory HostFactory) {
	h := factory(t)
	if _, err := h.Load(context.Background(), uuid.NewString()); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testTouchMovesForward(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	s := newSession("t1", "u1", base)
	mustCreate(t, h, s)

	later := base.Add(time.Minute)
	if err := h.Touch(ctx, s.ID, later, base.Add(-time.Hour)); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	// An older timestamp must not move activity backwards.
	if err := h.Touch(ctx, s.ID, base, base.Add(-time.Hour)); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	got, _ := h.Load(ctx, s.ID)
	if !got.LastActivity.Equal(later) {
		t.Fatalf("expected last activity %v, got %v", later, got.LastActivity)
	}

	if err := h.Touch(ctx, uuid.NewString(), later, base); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for unknown id, got %v", err)
	}
}

func testTouchIdleEvicts(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	s := newSession("t1", "u1", base)
	mustCreate(t, h, s)

	err := h.Touch(ctx, s.ID, base.Add(time.Hour), base.Add(time.Millisecond))
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := h.Load(ctx, s.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("idle session should have been removed, got %v", err)
	}
}

func testIncrementConcurrent(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	s := newSession("t1", "u1", base)
	mustCreate(t, h, s)

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := base.Add(time.Duration(i) * time.Millisecond)
			if _, err := h.Increment(ctx, s.ID, sessions.CounterToolCalls, at, base.Add(-time.Hour)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Increment: %v", err)
	}

	got, _ := h.Load(ctx, s.ID)
	if got.Usage.ToolCalls != n {
		t.Fatalf("expected %d tool calls, got %d", n, got.Usage.ToolCalls)
	}
	if got.Usage.ResourceReads != 0 || got.Usage.PromptGets != 0 {
		t.Fatalf("unexpected other counters: %+v", got.Usage)
	}
	if want := base.Add((n - 1) * time.Millisecond); !got.LastActivity.Equal(want) {
		t.Fatalf("expected last activity %v, got %v", want, got.LastActivity)
	}

	v, err := h.Increment(ctx, s.ID, sessions.CounterPromptGets, base, base.Add(-time.Hour))
	if err != nil || v != 1 {
		t.Fatalf("expected prompt gets 1, got %d err=%v", v, err)
	}
}

func testIncrementIdleEvicts(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	s := newSession("t1", "u1", base)
	mustCreate(t, h, s)

	_, err := h.Increment(ctx, s.ID, sessions.CounterResourceReads, base.Add(time.Hour), base.Add(time.Second))
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if n, _ := h.Len(ctx); n != 0 {
		t.Fatalf("expected empty host, got %d", n)
	}
}

func testExpireOnlyWhenIdle(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	s := newSession("t1", "u1", base)
	mustCreate(t, h, s)

	ok, err := h.Expire(ctx, s.ID, base)
	if err != nil || ok {
		t.Fatalf("session active at cutoff must not expire: ok=%v err=%v", ok, err)
	}
	ok, err = h.Expire(ctx, s.ID, base.Add(time.Millisecond))
	if err != nil || !ok {
		t.Fatalf("expected expiry: ok=%v err=%v", ok, err)
	}
	ok, err = h.Expire(ctx, s.ID, base.Add(time.Hour))
	if err != nil || ok {
		t.Fatalf("second expiry must be a no-op: ok=%v err=%v", ok, err)
	}
	if list, _ := h.List(ctx, "t1"); len(list) != 0 {
		t.Fatalf("expired session still listed: %d", len(list))
	}
}

func testDeleteIdempotent(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	s := newSession("t1", "u1", base)
	mustCreate(t, h, s)

	if err := h.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := h.Delete(ctx, s.ID); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := h.Load(ctx, s.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func testListIsolatesTenants(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	a1 := newSession("tenant-a", "u1", base)
	a2 := newSession("tenant-a", "u2", base)
	b1 := newSession("tenant-b", "u1", base)
	for _, s := range []*sessions.Session{a1, a2, b1} {
		mustCreate(t, h, s)
	}

	listA, err := h.List(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listA) != 2 {
		t.Fatalf("expected 2 sessions for tenant-a, got %d", len(listA))
	}
	for _, s := range listA {
		if s.TenantID != "tenant-a" {
			t.Fatalf("foreign session listed: %+v", s)
		}
	}
	listB, _ := h.List(ctx, "tenant-b")
	if len(listB) != 1 || listB[0].ID != b1.ID {
		t.Fatalf("unexpected tenant-b sessions: %+v", listB)
	}
	if listC, _ := h.List(ctx, "tenant-c"); len(listC) != 0 {
		t.Fatalf("expected no sessions for unknown tenant")
	}
}

func testRangeAndLen(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	want := map[string]bool{}
	for i := 0; i < 5; i++ {
		s := newSession("t1", "u1", base)
		mustCreate(t, h, s)
		want[s.ID] = true
	}

	n, err := h.Len(ctx)
	if err != nil || n != 5 {
		t.Fatalf("expected Len 5, got %d err=%v", n, err)
	}

	seen := map[string]bool{}
	if err := h.Range(ctx, func(s *sessions.Session) bool {
		seen[s.ID] = true
		return true
	}); err != nil {
		t.Fatalf("Range: %v", err)
	}
	for id := range want {
		if !seen[id] {
			t.Fatalf("Range missed %s", id)
		}
	}

	calls := 0
	_ = h.Range(ctx, func(*sessions.Session) bool {
		calls++
		return false
	})
	if calls != 1 {
		t.Fatalf("Range should stop when fn returns false, got %d calls", calls)
	}
}
