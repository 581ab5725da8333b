package sessions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/mcp"
)

const (
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// CreateParams describes a session being opened by an initialize handshake.
type CreateParams struct {
	TenantID        string
	UserID          string
	ProtocolVersion string
	Client          mcp.ImplementationInfo
}

// Manager owns session creation, lookup and expiry on top of a Host.
type Manager struct {
	host          Host
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	log           *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTTL sets the idle time after which a session expires.
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithSweepInterval sets how often Start sweeps expired sessions. Zero
// disables the background sweep.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d >= 0 {
			m.sweepInterval = d
		}
	}
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the manager's logger.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager creates a Manager storing sessions in host.
func NewManager(host Host, opts ...ManagerOption) *Manager {
	m := &Manager{
		host:          host,
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured idle timeout.
func (m *Manager) TTL() time.Duration { return m.ttl }

func (m *Manager) cutoff(now time.Time) time.Time { return now.Add(-m.ttl) }

// Create opens a new session for the given owner.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Session, error) {
	if p.TenantID == "" || p.UserID == "" {
		return nil, errors.New("sessions: tenant and user are required")
	}
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	now := m.now()
	s := &Session{
		ID:              id,
		TenantID:        p.TenantID,
		UserID:          p.UserID,
		ProtocolVersion: p.ProtocolVersion,
		Client:          p.Client,
		CreatedAt:       now,
		LastActivity:    now,
	}
	if err := m.host.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("sessions: create: %w", err)
	}
	cp := *s
	return &cp, nil
}

// Get returns the live session with the given id. An expired session is
// evicted and reported as ErrSessionNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	s, err := m.host.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	cutoff := m.cutoff(m.now())
	if s.IdleSince(cutoff) {
		if _, err := m.host.Expire(ctx, id, cutoff); err != nil {
			m.log.WarnContext(ctx, "sessions.expire.fail", slog.String("session_id", id), slog.String("err", err.Error()))
		}
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Restore returns the live session with the given id only if it belongs to
// the tenant and user.
func (m *Manager) Restore(ctx context.Context, id, tenantID, userID string) (*Session, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.OwnedBy(tenantID, userID) {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Touch records activity on a live session.
func (m *Manager) Touch(ctx context.Context, id string) error {
	now := m.now()
	return m.host.Touch(ctx, id, now, m.cutoff(now))
}

// IncrementUsage bumps counter c on a live session and refreshes its
// activity time.
func (m *Manager) IncrementUsage(ctx context.Context, id string, c Counter) (int64, error) {
	if !c.Valid() {
		return 0, fmt.Errorf("sessions: unknown counter %q", c)
	}
	now := m.now()
	return m.host.Increment(ctx, id, c, now, m.cutoff(now))
}

// Delete closes a session. Deleting an unknown session is not an error.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.host.Delete(ctx, id)
}

// ListForTenant returns the tenant's live sessions.
func (m *Manager) ListForTenant(ctx context.Context, tenantID string) ([]*Session, error) {
	all, err := m.host.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	cutoff := m.cutoff(m.now())
	live := all[:0]
	for _, s := range all {
		if s.TenantID != tenantID || s.IdleSince(cutoff) {
			continue
		}
		live = append(live, s)
	}
	return live, nil
}

// Count returns the number of the tenant's live sessions.
func (m *Manager) Count(ctx context.Context, tenantID string) (int, error) {
	live, err := m.ListForTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return len(live), nil
}

// Size returns the number of stored sessions, including expired ones not
// yet swept.
func (m *Manager) Size(ctx context.Context) (int, error) {
	return m.host.Len(ctx)
}

// Sweep evicts every expired session and returns how many were removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	cutoff := m.cutoff(m.now())

	var idle []string
	if err := m.host.Range(ctx, func(s *Session) bool {
		if s.IdleSince(cutoff) {
			idle = append(idle, s.ID)
		}
		return ctx.Err() == nil
	}); err != nil {
		m.log.ErrorContext(ctx, "sessions.sweep.fail", slog.String("err", err.Error()))
		return 0, err
	}

	evicted := 0
	for _, id := range idle {
		ok, err := m.host.Expire(ctx, id, cutoff)
		if err != nil {
			m.log.ErrorContext(ctx, "sessions.sweep.fail", slog.String("session_id", id), slog.String("err", err.Error()))
			return evicted, err
		}
		if ok {
			evicted++
		}
	}

	if evicted > 0 {
		m.log.InfoContext(ctx, "sessions.sweep.ok", slog.Int("evicted", evicted), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	}
	return evicted, nil
}

// Start launches the background sweep. It is a no-op when the sweep
// interval is zero or the sweep is already running. The sweep stops when
// ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	if m.sweepInterval <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = m.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the background sweep and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// newSessionID returns 128 random bits as lowercase hex.
func newSessionID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("sessions: generate id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
