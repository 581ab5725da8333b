package sessions

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned for unknown, expired, and foreign sessions.
var ErrSessionNotFound = errors.New("session not found")

// Host is the storage strategy behind a Manager.
//
// Touch and Increment must be atomic per session and must refuse a session
// whose last activity is before cutoff with ErrSessionNotFound, removing it.
// Operations on different sessions must not serialize each other beyond
// what creation and deletion require.
type Host interface {
	// Create stores a new session.
	Create(ctx context.Context, s *Session) error
	// Load returns a copy of the stored session regardless of idleness.
	Load(ctx context.Context, id string) (*Session, error)
	// Touch moves the session's last activity forward to at.
	Touch(ctx context.Context, id string, at, cutoff time.Time) error
	// Increment adds one to counter c, touches the session and returns the
	// new counter value.
	Increment(ctx context.Context, id string, c Counter, at, cutoff time.Time) (int64, error)
	// Expire deletes the session only if its last activity is before
	// cutoff, reporting whether it did.
	Expire(ctx context.Context, id string, cutoff time.Time) (bool, error)
	// Delete removes the session. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
	// List returns the sessions owned by tenantID, expired or not.
	List(ctx context.Context, tenantID string) ([]*Session, error)
	// Range calls fn for every stored session until fn returns false.
	Range(ctx context.Context, fn func(*Session) bool) error
	// Len returns the number of stored sessions.
	Len(ctx context.Context) (int, error)
}
