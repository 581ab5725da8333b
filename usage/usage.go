// Package usage records one audit entry per protocol call.
//
// Entries are append-only and grouped by tenant. Each tenant keeps only the
// most recent entries; once its cap is reached the oldest entry is dropped
// for every new one.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultCap is the number of entries kept per tenant.
const DefaultCap = 1000

// Entry is one usage record.
type Entry struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId,omitempty"`
	TenantID    string    `json:"tenantId"`
	UserID      string    `json:"userId"`
	Method      string    `json:"method"`
	Target      string    `json:"target,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	DurationMS  int64     `json:"durationMs"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
}

// Duration returns the call's duration.
func (e Entry) Duration() time.Duration {
	return e.CompletedAt.Sub(e.StartedAt)
}

// Log stores usage entries.
type Log interface {
	// Append records e.
	Append(ctx context.Context, e Entry) error
	// Recent returns up to n of the tenant's entries, newest first.
	Recent(ctx context.Context, tenantID string, n int) ([]Entry, error)
}

// Span measures one call. Create it with Start and close it with End.
type Span struct {
	entry Entry
	now   func() time.Time
}

// Start opens a span for the call described by e. Identity, method and
// target come from e; timing and outcome are filled in by End.
func Start(e Entry) *Span {
	return StartWithClock(e, time.Now)
}

// StartWithClock is Start with an injected clock.
func StartWithClock(e Entry, now func() time.Time) *Span {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.StartedAt = now()
	return &Span{entry: e, now: now}
}

// SetSession attaches the session once it exists.
func (s *Span) SetSession(id string) { s.entry.SessionID = id }

// SetTarget names the tool, resource or prompt once it is known.
func (s *Span) SetTarget(target string) { s.entry.Target = target }

// End closes the span and returns the finished entry. A nil err marks the
// call successful.
func (s *Span) End(err error) Entry {
	e := s.entry
	e.CompletedAt = s.now()
	e.DurationMS = e.CompletedAt.Sub(e.StartedAt).Milliseconds()
	e.Success = err == nil
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Fail closes the span as failed with msg. Tools that fail soft report
// their error text this way.
func (s *Span) Fail(msg string) Entry {
	e := s.End(nil)
	e.Success = false
	e.Error = msg
	return e
}
