package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/ggoodman/mcp-gateway/ratelimit/window"
	"github.com/ggoodman/mcp-gateway/storage"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	configKey             = "ratelimit:config"
	DefaultConfigCacheTTL = time.Minute
	defaultConfigCacheLen = 4096
)

// Request identifies what is being limited.
type Request struct {
	TenantID  string
	Operation string
	// Tool is set for tools/call only.
	Tool string
}

func (r Request) windowKey() string {
	return "req:" + r.TenantID + ":" + r.Operation + ":" + r.Tool
}

func (r Request) tokenKey() string {
	return "tok:" + r.TenantID
}

// Limiter checks and configures rate limits.
type Limiter interface {
	// CheckAndConsume records the request if it is within quota.
	CheckAndConsume(ctx context.Context, req Request) (Result, error)
	// Status computes the same result without recording anything.
	Status(ctx context.Context, req Request) (Result, error)
	// Config returns the tenant's effective configuration.
	Config(ctx context.Context, tenantID string) (Config, error)
	// SetConfig stores the tenant's configuration.
	SetConfig(ctx context.Context, tenantID string, cfg Config) error
}

// WindowLimiter implements Limiter over a window.Store, with tenant configs
// persisted in a storage.Storage.
type WindowLimiter struct {
	windows  window.Store
	configs  storage.Storage
	cache    *expirable.LRU[string, Config]
	defaults Config
	now      func() time.Time
	log      *slog.Logger
	closers  []io.Closer
}

var _ Limiter = (*WindowLimiter)(nil)

// LimiterOption configures a WindowLimiter.
type LimiterOption func(*limiterOptions)

type limiterOptions struct {
	defaults Config
	cacheTTL time.Duration
	cacheLen int
	now      func() time.Time
	log      *slog.Logger
}

// WithDefaultConfig sets the config used for tenants without a stored one.
func WithDefaultConfig(cfg Config) LimiterOption {
	return func(o *limiterOptions) { o.defaults = cfg.Normalize() }
}

// WithConfigCacheTTL sets how long fetched tenant configs are cached.
func WithConfigCacheTTL(ttl time.Duration) LimiterOption {
	return func(o *limiterOptions) {
		if ttl > 0 {
			o.cacheTTL = ttl
		}
	}
}

// WithConfigCacheSize bounds the number of cached tenant configs.
func WithConfigCacheSize(n int) LimiterOption {
	return func(o *limiterOptions) {
		if n > 0 {
			o.cacheLen = n
		}
	}
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) LimiterOption {
	return func(o *limiterOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the limiter's logger.
func WithLogger(log *slog.Logger) LimiterOption {
	return func(o *limiterOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// NewWindowLimiter creates a limiter recording windows in windows and
// reading tenant configs from configs.
func NewWindowLimiter(windows window.Store, configs storage.Storage, opts ...LimiterOption) *WindowLimiter {
	o := limiterOptions{
		defaults: DefaultConfig(),
		cacheTTL: DefaultConfigCacheTTL,
		cacheLen: defaultConfigCacheLen,
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &WindowLimiter{
		windows:  windows,
		configs:  configs,
		cache:    expirable.NewLRU[string, Config](o.cacheLen, nil, o.cacheTTL),
		defaults: o.defaults,
		now:      o.now,
		log:      o.log,
	}
}

// Close releases the backends the factory opened for this limiter.
func (l *WindowLimiter) Close() error {
	var errs []error
	for _, c := range l.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config returns the tenant's config, the default when none is stored.
func (l *WindowLimiter) Config(ctx context.Context, tenantID string) (Config, error) {
	if cfg, ok := l.cache.Get(tenantID); ok {
		return cfg.clone(), nil
	}

	item, err := l.configs.Get(ctx, configKey, storage.WithTenant(tenantID))
	if err != nil {
		return Config{}, fmt.Errorf("ratelimit: load config for %q: %w", tenantID, err)
	}
	cfg := l.defaults
	if item != nil {
		var stored Config
		if err := json.Unmarshal(item.Data, &stored); err != nil {
			return Config{}, fmt.Errorf("ratelimit: decode config for %q: %w", tenantID, err)
		}
		cfg = stored.Normalize()
	}
	l.cache.Add(tenantID, cfg)
	return cfg.clone(), nil
}

// SetConfig validates and stores the tenant's config and drops the cached
// copy.
func (l *WindowLimiter) SetConfig(ctx context.Context, tenantID string, cfg Config) error {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := l.configs.Set(ctx, configKey, data, storage.WithTenant(tenantID)); err != nil {
		return fmt.Errorf("ratelimit: store config for %q: %w", tenantID, err)
	}
	l.cache.Remove(tenantID)
	return nil
}

func (l *WindowLimiter) CheckAndConsume(ctx context.Context, req Request) (Result, error) {
	cfg, err := l.Config(ctx, req.TenantID)
	if err != nil {
		return Result{}, err
	}
	limit, win := cfg.EffectiveLimit(req.Tool)
	now := l.now()

	reqEntry := window.Entry{ID: uuid.NewString(), At: now, Weight: 1}
	u, ok, err := l.windows.Hit(ctx, req.windowKey(), reqEntry, win, int64(limit))
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: record request: %w", err)
	}
	if !ok {
		res := denied(limit, u.ResetAfter(win, now),
			fmt.Sprintf("limit of %d requests per %s exceeded", limit, win))
		l.log.InfoContext(ctx, "ratelimit.denied", slog.String("tenant_id", req.TenantID), slog.String("operation", req.Operation), slog.String("tool", req.Tool), slog.String("reason", "requests"))
		return res, nil
	}

	remaining := max(limit-int(u.Total), 0)
	res := Result{
		Allowed:      true,
		Remaining:    remaining,
		Limit:        limit,
		ResetSeconds: seconds(u.ResetAfter(win, now)),
	}
	if cfg.TokensPerMinute <= 0 {
		return res, nil
	}

	cost := cfg.Cost(req.Tool)
	tokEntry := window.Entry{ID: reqEntry.ID, At: now, Weight: int64(cost)}
	tu, ok, err := l.windows.Hit(ctx, req.tokenKey(), tokEntry, tokenWindow, int64(cfg.TokensPerMinute))
	if err != nil || !ok {
		if rerr := l.windows.Remove(ctx, req.windowKey(), reqEntry); rerr != nil {
			l.log.WarnContext(ctx, "ratelimit.rollback.fail", slog.String("tenant_id", req.TenantID), slog.String("err", rerr.Error()))
		}
	}
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: record tokens: %w", err)
	}
	if !ok {
		res := denied(limit, tu.ResetAfter(tokenWindow, now),
			fmt.Sprintf("token budget of %d per minute exceeded (cost %d, used %d)", cfg.TokensPerMinute, cost, tu.Total))
		l.log.InfoContext(ctx, "ratelimit.denied", slog.String("tenant_id", req.TenantID), slog.String("operation", req.Operation), slog.String("tool", req.Tool), slog.String("reason", "tokens"))
		return res, nil
	}
	return res, nil
}

func (l *WindowLimiter) Status(ctx context.Context, req Request) (Result, error) {
	cfg, err := l.Config(ctx, req.TenantID)
	if err != nil {
		return Result{}, err
	}
	limit, win := cfg.EffectiveLimit(req.Tool)
	now := l.now()

	u, err := l.windows.Peek(ctx, req.windowKey(), now, win)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: peek requests: %w", err)
	}
	if int(u.Total) >= limit {
		return denied(limit, u.ResetAfter(win, now),
			fmt.Sprintf("limit of %d requests per %s exceeded", limit, win)), nil
	}
	res := Result{
		Allowed:      true,
		Remaining:    limit - int(u.Total),
		Limit:        limit,
		ResetSeconds: seconds(u.ResetAfter(win, now)),
	}
	if cfg.TokensPerMinute <= 0 {
		return res, nil
	}

	cost := cfg.Cost(req.Tool)
	tu, err := l.windows.Peek(ctx, req.tokenKey(), now, tokenWindow)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: peek tokens: %w", err)
	}
	if int(tu.Total)+cost > cfg.TokensPerMinute {
		res := denied(limit, tu.ResetAfter(tokenWindow, now),
			fmt.Sprintf("token budget of %d per minute exceeded (cost %d, used %d)", cfg.TokensPerMinute, cost, tu.Total))
		return res, nil
	}
	return res, nil
}

func denied(limit int, reset time.Duration, reason string) Result {
	secs := max(seconds(reset), 1)
	return Result{
		Allowed:      false,
		Remaining:    0,
		Limit:        limit,
		ResetSeconds: secs,
		RetryAfter:   secs,
		Reason:       reason,
	}
}

// seconds rounds d up to whole seconds.
func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
