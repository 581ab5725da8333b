// Package window defines the sliding-window store behind the rate limiter.
//
// A store keeps, per key, the entries recorded inside a trailing window.
// Each entry carries a weight: request counting uses weight 1 and the token
// budget uses the call's cost. Hit is the only mutating check and must be
// atomic per key: prune, sum, compare and record happen as one step with
// respect to other calls on the same key.
package window

import (
	"context"
	"time"
)

// Entry is one recorded event.
type Entry struct {
	// ID distinguishes entries recorded at the same instant. Remove uses it.
	ID     string
	At     time.Time
	Weight int64
}

// Usage describes a key's window after a check.
type Usage struct {
	// Total is the sum of the weights inside the window.
	Total int64
	// Oldest is the time of the oldest entry inside the window, or the zero
	// time when the window is empty.
	Oldest time.Time
}

// ResetAfter returns how long until the oldest entry leaves the window,
// measured from now. An empty window resets after the full window.
func (u Usage) ResetAfter(window time.Duration, now time.Time) time.Duration {
	if u.Oldest.IsZero() {
		return window
	}
	d := u.Oldest.Add(window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Store is a sliding-window store.
type Store interface {
	// Hit discards entries older than e.At - window, then records e if the
	// remaining total plus e.Weight does not exceed limit. It returns the
	// usage after the decision and whether e was recorded.
	Hit(ctx context.Context, key string, e Entry, window time.Duration, limit int64) (Usage, bool, error)
	// Peek reports the usage of key as of at without recording anything.
	Peek(ctx context.Context, key string, at time.Time, window time.Duration) (Usage, error)
	// Remove deletes a previously recorded entry. Removing an unknown entry
	// is not an error.
	Remove(ctx context.Context, key string, e Entry) error
}
