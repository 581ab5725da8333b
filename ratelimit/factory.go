package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-gateway/ratelimit/memorystore"
	"github.com/ggoodman/mcp-gateway/ratelimit/redisstore"
	"github.com/ggoodman/mcp-gateway/storage/memory"
	storageredis "github.com/ggoodman/mcp-gateway/storage/redis"
)

// Settings select and tune the limiter's backends. Defaults can be loaded
// via envdecode.
type Settings struct {
	// RedisAddr enables the distributed backend when set. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`
	// KeyPrefix for rate-limit keys. ENV: RATELIMIT_KEY_PREFIX
	KeyPrefix string `env:"RATELIMIT_KEY_PREFIX,default=mcp:ratelimit:"`
	// ConfigCacheTTL bounds how stale a cached tenant config may be.
	// ENV: RATELIMIT_CONFIG_CACHE_TTL
	ConfigCacheTTL time.Duration `env:"RATELIMIT_CONFIG_CACHE_TTL,default=1m"`
	// LocalConfigCapacity bounds the in-memory config store.
	// ENV: RATELIMIT_LOCAL_CONFIG_CAPACITY
	LocalConfigCapacity int `env:"RATELIMIT_LOCAL_CONFIG_CAPACITY,default=10000"`
}

// Backend names the window store a limiter was built with.
type Backend string

const (
	BackendRedis  Backend = "redis"
	BackendMemory Backend = "memory"
)

// New builds a WindowLimiter. With s.RedisAddr set and reachable, windows
// and configs live in Redis; otherwise both are kept in memory. Falling
// back logs ratelimit.fallback_local, at warn level when Redis was
// requested but unavailable.
func New(ctx context.Context, s Settings, opts ...LimiterOption) (*WindowLimiter, Backend, error) {
	o := limiterOptions{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if s.ConfigCacheTTL > 0 {
		opts = append(opts, WithConfigCacheTTL(s.ConfigCacheTTL))
	}
	prefix := s.KeyPrefix
	if prefix == "" {
		prefix = "mcp:ratelimit:"
	}

	if s.RedisAddr != "" {
		windows, err := redisstore.New(ctx, redisstore.Config{RedisAddr: s.RedisAddr, KeyPrefix: prefix})
		if err == nil {
			var configs *storageredis.Storage
			configs, err = storageredis.New(storageredis.Config{RedisAddr: s.RedisAddr, KeyPrefix: prefix + "config:"})
			if err == nil {
				l := NewWindowLimiter(windows, configs, opts...)
				l.closers = append(l.closers, windows, configs)
				return l, BackendRedis, nil
			}
			_ = windows.Close()
		}
		o.log.WarnContext(ctx, "ratelimit.fallback_local", slog.String("redis_addr", s.RedisAddr), slog.String("err", err.Error()))
	} else {
		o.log.InfoContext(ctx, "ratelimit.fallback_local", slog.String("reason", "redis not configured"))
	}

	capacity := s.LocalConfigCapacity
	if capacity <= 0 {
		capacity = 10000
	}
	configs, err := memory.New(capacity)
	if err != nil {
		return nil, "", err
	}
	windows := memorystore.New()
	stop := windows.StartCompaction(localCompactEvery, localMaxWindow)
	l := NewWindowLimiter(windows, configs, opts...)
	l.closers = append(l.closers, closerFunc(func() error { stop(); return nil }), configs)
	return l, BackendMemory, nil
}

// The in-memory backend drops idle keys periodically. Windows longer than
// localMaxWindow are not supported by it.
const (
	localCompactEvery = 5 * time.Minute
	localMaxWindow    = 24 * time.Hour
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
