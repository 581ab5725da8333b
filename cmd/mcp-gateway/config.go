package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/broker"
	brokerredis "github.com/ggoodman/mcp-gateway/broker/redis"
	"github.com/ggoodman/mcp-gateway/ratelimit"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/sessions/memoryhost"
	"github.com/ggoodman/mcp-gateway/sessions/redishost"
	"github.com/ggoodman/mcp-gateway/storage"
	"github.com/ggoodman/mcp-gateway/storage/memory"
	storageredis "github.com/ggoodman/mcp-gateway/storage/redis"
	"github.com/ggoodman/mcp-gateway/usage"
	"github.com/ggoodman/mcp-gateway/usage/redisusage"
	"github.com/joeshaw/envdecode"
)

// Config is the process configuration, read from the environment.
type Config struct {
	Addr          string        `env:"MCP_ADDR,default=127.0.0.1:8080"`
	Path          string        `env:"MCP_PATH,default=/mcp"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	SessionTTL    time.Duration `env:"SESSION_TTL,default=30m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL,default=5m"`
	LogLevel      string        `env:"LOG_LEVEL,default=info"`

	Auth      AuthConfig
	RateLimit ratelimit.Settings
}

// AuthConfig selects the bearer token verifier. The first of HMACSecret,
// JWKSURL and Issuer that is set wins.
type AuthConfig struct {
	HMACSecret  string `env:"AUTH_HMAC_SECRET"`
	Issuer      string `env:"AUTH_ISSUER"`
	JWKSURL     string `env:"AUTH_JWKS_URL"`
	Audience    string `env:"AUTH_AUDIENCE"` // comma separated
	TenantClaim string `env:"AUTH_TENANT_CLAIM,default=tenant_id"`
	Realm       string `env:"AUTH_REALM,default=mcp"`

	// Resource is the public URL of the MCP endpoint. With Issuer set it
	// enables protected resource metadata.
	Resource string `env:"AUTH_RESOURCE"`
}

func loadConfig() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.RateLimit.RedisAddr == "" {
		cfg.RateLimit.RedisAddr = cfg.RedisAddr
	}
	return &cfg, nil
}

var errNoAuthenticator = errors.New("no authenticator configured: set AUTH_HMAC_SECRET, AUTH_JWKS_URL or AUTH_ISSUER")

func newAuthenticator(ctx context.Context, cfg AuthConfig) (auth.Authenticator, error) {
	var opts []auth.AccessTokenAuthOption
	for _, aud := range strings.Split(cfg.Audience, ",") {
		if aud = strings.TrimSpace(aud); aud != "" {
			opts = append(opts, auth.WithAudience(aud))
		}
	}
	if cfg.TenantClaim != "" {
		opts = append(opts, auth.WithTenantClaim(cfg.TenantClaim))
	}

	switch {
	case cfg.HMACSecret != "":
		return auth.NewHMAC([]byte(cfg.HMACSecret), opts...)
	case cfg.JWKSURL != "":
		return auth.NewJWKS(ctx, cfg.Issuer, cfg.JWKSURL, opts...)
	case cfg.Issuer != "":
		return auth.NewFromDiscovery(ctx, cfg.Issuer, opts...)
	}
	return nil, errNoAuthenticator
}

// backends is the state shared by both transports. With REDIS_ADDR set
// every piece lives in Redis so that several instances can serve the same
// tenants.
type backends struct {
	host    sessions.Host
	data    storage.Storage
	usage   usage.Log
	cancels broker.Broker // nil unless shared through Redis
	limiter *ratelimit.WindowLimiter
	kind    ratelimit.Backend

	closers []io.Closer
}

func openBackends(ctx context.Context, cfg *Config, log *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	if cfg.RedisAddr != "" {
		host, err := redishost.New(redishost.Config{RedisAddr: cfg.RedisAddr})
		if err != nil {
			return nil, fmt.Errorf("session host: %w", err)
		}
		b.host = host
		b.closers = append(b.closers, host)

		data, err := storageredis.New(storageredis.Config{RedisAddr: cfg.RedisAddr, KeyPrefix: "mcp:commerce:"})
		if err != nil {
			return nil, fmt.Errorf("data store: %w", err)
		}
		b.data = data
		b.closers = append(b.closers, data)

		ul, err := redisusage.New(ctx, redisusage.Config{RedisAddr: cfg.RedisAddr})
		if err != nil {
			return nil, fmt.Errorf("usage log: %w", err)
		}
		b.usage = ul
		b.closers = append(b.closers, ul)

		cancels, err := brokerredis.New(ctx, brokerredis.Config{RedisAddr: cfg.RedisAddr})
		if err != nil {
			return nil, fmt.Errorf("cancel broker: %w", err)
		}
		b.cancels = cancels
		b.closers = append(b.closers, cancels)
	} else {
		b.host = memoryhost.New()
		data, err := memory.New(10000)
		if err != nil {
			return nil, err
		}
		b.data = data
		b.closers = append(b.closers, data)
		b.usage = usage.NewMemoryLog(0)
	}

	limiter, kind, err := ratelimit.New(ctx, cfg.RateLimit, ratelimit.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	b.limiter, b.kind = limiter, kind
	b.closers = append(b.closers, limiter)

	log.InfoContext(ctx, "backends.open.ok", slog.Bool("redis", cfg.RedisAddr != ""), slog.String("ratelimit", string(kind)))
	return b, nil
}

// Close releases backends in reverse order of opening.
func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i].Close())
	}
	b.closers = nil
	return errors.Join(errs...)
}
