// Package redishost implements sessions.Host on Redis so that several
// gateway instances can share one session space.
//
// Layout
//   - <prefix>session:<id>   hash holding the session record and counters
//   - <prefix>tenant:<id>    set of session ids owned by a tenant
//   - <prefix>index          set of every session id
//
// Times are stored as unix milliseconds. Touch, Increment and Expire run as
// Lua scripts so the idle check and the write happen atomically on the
// server; HINCRBY keeps counters exact under concurrent calls from any
// number of instances.
package redishost
