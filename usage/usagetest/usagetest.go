// Package usagetest holds a conformance suite for usage.Log
// implementations.
package usagetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/ggoodman/mcp-gateway/usage"
	"github.com/google/uuid"
)

// LogFactory creates a new, empty Log capped at perTenant entries.
type LogFactory func(t *testing.T, perTenant int) usage.Log

// RunLogTests runs the complete Log test suite against the provided factory.
func RunLogTests(t *testing.T, factory LogFactory) {
	t.Run("NewestFirst", func(t *testing.T) { testNewestFirst(t, factory(t, 10)) })
	t.Run("CapEvictsOldest", func(t *testing.T) { testCapEvictsOldest(t, factory(t, 3)) })
	t.Run("TenantsIsolated", func(t *testing.T) { testTenantsIsolated(t, factory(t, 10)) })
}

func appendN(t *testing.T, l usage.Log, tenant string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		e := usage.Entry{ID: uuid.NewString(), TenantID: tenant, UserID: "u", Method: fmt.Sprintf("m%d", i), Success: true}
		if err := l.Append(context.Background(), e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func recent(t *testing.T, l usage.Log, tenant string, n int) []usage.Entry {
	t.Helper()
	out, err := l.Recent(context.Background(), tenant, n)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	return out
}

func testNewestFirst(t *testing.T, l usage.Log) {
	tenant := uuid.NewString()
	appendN(t, l, tenant, 4)
	got := recent(t, l, tenant, 2)
	if len(got) != 2 || got[0].Method != "m3" || got[1].Method != "m2" {
		t.Fatalf("unexpected entries %+v", got)
	}
	if all := recent(t, l, tenant, 0); len(all) != 4 {
		t.Fatalf("expected all 4 entries, got %d", len(all))
	}
}

func testCapEvictsOldest(t *testing.T, l usage.Log) {
	tenant := uuid.NewString()
	appendN(t, l, tenant, 5)
	got := recent(t, l, tenant, 10)
	if len(got) != 3 {
		t.Fatalf("expected cap of 3, got %d", len(got))
	}
	if got[0].Method != "m4" || got[2].Method != "m2" {
		t.Fatalf("oldest entries should be evicted first: %+v", got)
	}
}

func testTenantsIsolated(t *testing.T, l usage.Log) {
	a, b := uuid.NewString(), uuid.NewString()
	appendN(t, l, a, 2)
	appendN(t, l, b, 1)
	if got := recent(t, l, a, 0); len(got) != 2 {
		t.Fatalf("tenant a: expected 2, got %d", len(got))
	}
	if got := recent(t, l, b, 0); len(got) != 1 || got[0].TenantID != b {
		t.Fatalf("tenant b: unexpected %+v", got)
	}
	if got := recent(t, l, uuid.NewString(), 0); len(got) != 0 {
		t.Fatalf("unknown tenant should have no entries")
	}
}
