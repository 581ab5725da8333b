// Package memoryhost provides an in-process sessions.Host.
//
// Sessions live in a map guarded by a read-write lock that is only taken
// for writing on create and delete. Activity times and usage counters are
// atomics on each entry, so calls on different sessions proceed in
// parallel and increments on one session never lose an update.
package memoryhost

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-gateway/sessions"
)

type entry struct {
	session  sessions.Session
	last     atomic.Int64
	counters [3]atomic.Int64
}

func counterIndex(c sessions.Counter) (int, bool) {
	switch c {
	case sessions.CounterToolCalls:
		return 0, true
	case sessions.CounterResourceReads:
		return 1, true
	case sessions.CounterPromptGets:
		return 2, true
	}
	return 0, false
}

func (e *entry) snapshot() *sessions.Session {
	s := e.session
	s.LastActivity = time.Unix(0, e.last.Load())
	s.Usage = sessions.Usage{
		ToolCalls:     e.counters[0].Load(),
		ResourceReads: e.counters[1].Load(),
		PromptGets:    e.counters[2].Load(),
	}
	return &s
}

// touch moves last activity forward to at, never backwards.
func (e *entry) touch(at int64) {
	for {
		cur := e.last.Load()
		if cur >= at || e.last.CompareAndSwap(cur, at) {
			return
		}
	}
}

// Host is an in-memory session host.
type Host struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	byTenant map[string]map[string]struct{}
}

var _ sessions.Host = (*Host)(nil)

// New creates an empty Host.
func New() *Host {
	return &Host{
		sessions: make(map[string]*entry),
		byTenant: make(map[string]map[string]struct{}),
	}
}

func (h *Host) Create(_ context.Context, s *sessions.Session) error {
	e := &entry{session: *s}
	e.session.Usage = sessions.Usage{}
	e.last.Store(s.LastActivity.UnixNano())
	e.counters[0].Store(s.Usage.ToolCalls)
	e.counters[1].Store(s.Usage.ResourceReads)
	e.counters[2].Store(s.Usage.PromptGets)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = e
	ids := h.byTenant[s.TenantID]
	if ids == nil {
		ids = make(map[string]struct{})
		h.byTenant[s.TenantID] = ids
	}
	ids[s.ID] = struct{}{}
	return nil
}

func (h *Host) get(id string) (*entry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.sessions[id]
	return e, ok
}

func (h *Host) Load(_ context.Context, id string) (*sessions.Session, error) {
	e, ok := h.get(id)
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	return e.snapshot(), nil
}

// live returns the entry for id unless it is missing or idle before cutoff,
// in which case an idle entry is removed.
func (h *Host) live(id string, cutoff time.Time) (*entry, error) {
	e, ok := h.get(id)
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	if e.last.Load() < cutoff.UnixNano() {
		h.expire(id, cutoff)
		return nil, sessions.ErrSessionNotFound
	}
	return e, nil
}

func (h *Host) Touch(_ context.Context, id string, at, cutoff time.Time) error {
	e, err := h.live(id, cutoff)
	if err != nil {
		return err
	}
	e.touch(at.UnixNano())
	return nil
}

func (h *Host) Increment(_ context.Context, id string, c sessions.Counter, at, cutoff time.Time) (int64, error) {
	idx, ok := counterIndex(c)
	if !ok {
		return 0, fmt.Errorf("memoryhost: unknown counter %q", c)
	}
	e, err := h.live(id, cutoff)
	if err != nil {
		return 0, err
	}
	n := e.counters[idx].Add(1)
	e.touch(at.UnixNano())
	return n, nil
}

func (h *Host) Expire(_ context.Context, id string, cutoff time.Time) (bool, error) {
	return h.expire(id, cutoff), nil
}

func (h *Host) expire(id string, cutoff time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.sessions[id]
	if !ok || e.last.Load() >= cutoff.UnixNano() {
		return false
	}
	h.removeLocked(id, e)
	return true
}

func (h *Host) Delete(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.sessions[id]; ok {
		h.removeLocked(id, e)
	}
	return nil
}

func (h *Host) removeLocked(id string, e *entry) {
	delete(h.sessions, id)
	if ids := h.byTenant[e.session.TenantID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(h.byTenant, e.session.TenantID)
		}
	}
}

func (h *Host) List(_ context.Context, tenantID string) ([]*sessions.Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := h.byTenant[tenantID]
	out := make([]*sessions.Session, 0, len(ids))
	for id := range ids {
		if e, ok := h.sessions[id]; ok {
			out = append(out, e.snapshot())
		}
	}
	return out, nil
}

func (h *Host) Range(_ context.Context, fn func(*sessions.Session) bool) error {
	h.mu.RLock()
	snaps := make([]*sessions.Session, 0, len(h.sessions))
	for _, e := range h.sessions {
		snaps = append(snaps, e.snapshot())
	}
	h.mu.RUnlock()

	for _, s := range snaps {
		if !fn(s) {
			break
		}
	}
	return nil
}

func (h *Host) Len(context.Context) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions), nil
}
