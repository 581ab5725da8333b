// Package sessions manages the lifecycle of protocol sessions.
//
// A session is created by a successful initialize handshake and is bound
// to exactly one tenant and one user for its whole life. Every later call
// refreshes its last-activity time; a session idle for longer than the TTL
// is gone. Expiry is checked lazily on every lookup and, in long-lived
// processes, by a background sweep started with Manager.Start.
//
// Storage is pluggable through the Host interface. memoryhost keeps
// sessions in process and redishost shares them between instances. Both
// keep the usage counters atomic so overlapping calls on one session never
// lose an increment.
//
// Unknown, expired, and foreign sessions are all reported as
// ErrSessionNotFound. Restore in particular never reveals that a session
// exists under another owner.
package sessions
