package usage

import (
	"context"
	"sync"
)

type ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func (r *ring) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) recent(n int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.full {
		size = len(r.entries)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}

// MemoryLog keeps a fixed-size ring of entries per tenant.
type MemoryLog struct {
	cap int

	mu      sync.RWMutex
	tenants map[string]*ring
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog creates a log keeping at most perTenant entries for each
// tenant. A non-positive value selects DefaultCap.
func NewMemoryLog(perTenant int) *MemoryLog {
	if perTenant <= 0 {
		perTenant = DefaultCap
	}
	return &MemoryLog{cap: perTenant, tenants: make(map[string]*ring)}
}

func (l *MemoryLog) ring(tenantID string, create bool) *ring {
	l.mu.RLock()
	r, ok := l.tenants[tenantID]
	l.mu.RUnlock()
	if ok || !create {
		return r
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok = l.tenants[tenantID]; !ok {
		r = &ring{entries: make([]Entry, l.cap)}
		l.tenants[tenantID] = r
	}
	return r
}

func (l *MemoryLog) Append(_ context.Context, e Entry) error {
	l.ring(e.TenantID, true).add(e)
	return nil
}

// Recent returns up to n entries, newest first. A non-positive n returns
// everything kept for the tenant.
func (l *MemoryLog) Recent(_ context.Context, tenantID string, n int) ([]Entry, error) {
	r := l.ring(tenantID, false)
	if r == nil {
		return nil, nil
	}
	return r.recent(n), nil
}
