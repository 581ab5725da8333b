// Package redisusage is a usage.Log shared between gateway instances. Each
// tenant's entries are a Redis list, newest at the head, trimmed to the cap
// on every append.
package redisusage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-gateway/usage"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis usage log. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: USAGE_KEY_PREFIX
	KeyPrefix string `env:"USAGE_KEY_PREFIX,default=mcp:usage:"`
	// PerTenant caps each tenant's list. ENV: USAGE_PER_TENANT
	PerTenant int `env:"USAGE_PER_TENANT,default=1000"`
}

type Log struct {
	client    *redis.Client
	keyPrefix string
	cap       int64
}

var _ usage.Log = (*Log)(nil)

func New(ctx context.Context, cfg Config) (*Log, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:usage:"
	}
	capacity := cfg.PerTenant
	if capacity <= 0 {
		capacity = usage.DefaultCap
	}
	return &Log{client: cl, keyPrefix: prefix, cap: int64(capacity)}, nil
}

// NewFromEnv builds a Log using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Log, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(ctx, cfg)
}

// Close closes the Redis client.
func (l *Log) Close() error { return l.client.Close() }

func (l *Log) tenantKey(tenantID string) string { return l.keyPrefix + "tenant:" + tenantID }

func (l *Log) Append(ctx context.Context, e usage.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := l.tenantKey(e.TenantID)
	pipe := l.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, l.cap-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (l *Log) Recent(ctx context.Context, tenantID string, n int) ([]usage.Entry, error) {
	stop := int64(n) - 1
	if n <= 0 || int64(n) > l.cap {
		stop = l.cap - 1
	}
	raw, err := l.client.LRange(ctx, l.tenantKey(tenantID), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]usage.Entry, 0, len(raw))
	for _, item := range raw {
		var e usage.Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("redisusage: decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
