// Package redisstore is the distributed window.Store. Each key is a sorted
// set scored by entry time in milliseconds; members encode the weight and
// the entry id as "<weight>:<id>". A single Lua script prunes, sums,
// compares and records, so concurrent gateway instances observe one
// consistent window per key.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/mcp-gateway/ratelimit/window"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis window store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: RATELIMIT_KEY_PREFIX
	KeyPrefix string `env:"RATELIMIT_KEY_PREFIX,default=mcp:ratelimit:"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ window.Store = (*Store)(nil)

// New dials Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client. The store takes ownership of it.
func NewWithClient(cl *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "mcp:ratelimit:"
	}
	return &Store{client: cl, keyPrefix: keyPrefix}
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(ctx, cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) windowKey(key string) string { return s.keyPrefix + "window:" + key }

func member(e window.Entry) string {
	return strconv.FormatInt(e.Weight, 10) + ":" + e.ID
}

// KEYS[1] window; ARGV: now_ms, window_ms, limit, weight, member, record
// Returns {total, oldest_ms (-1 when empty), recorded}.
var hitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local win = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. (now - win))
local members = redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
local total = 0
local oldest = -1
for i = 1, #members, 2 do
  total = total + tonumber(string.match(members[i], '^(%d+):'))
  if oldest < 0 then oldest = tonumber(members[i + 1]) end
end
local recorded = 0
if ARGV[6] == '1' then
  local weight = tonumber(ARGV[4])
  if total + weight <= tonumber(ARGV[3]) then
    redis.call('ZADD', KEYS[1], now, ARGV[5])
    total = total + weight
    recorded = 1
    if oldest < 0 or now < oldest then oldest = now end
  end
  redis.call('PEXPIRE', KEYS[1], win + 1000)
end
return {total, oldest, recorded}
`)

func (s *Store) run(ctx context.Context, key string, at time.Time, win time.Duration, limit int64, e window.Entry, record bool) (window.Usage, bool, error) {
	rec := "0"
	if record {
		rec = "1"
	}
	res, err := hitScript.Run(ctx, s.client, []string{s.windowKey(key)},
		at.UnixMilli(), win.Milliseconds(), limit, e.Weight, member(e), rec).Int64Slice()
	if err != nil {
		return window.Usage{}, false, err
	}
	if len(res) != 3 {
		return window.Usage{}, false, fmt.Errorf("redisstore: unexpected script result %v", res)
	}
	u := window.Usage{Total: res[0]}
	if res[1] >= 0 {
		u.Oldest = time.UnixMilli(res[1])
	}
	return u, res[2] == 1, nil
}

func (s *Store) Hit(ctx context.Context, key string, e window.Entry, win time.Duration, limit int64) (window.Usage, bool, error) {
	return s.run(ctx, key, e.At, win, limit, e, true)
}

func (s *Store) Peek(ctx context.Context, key string, at time.Time, win time.Duration) (window.Usage, error) {
	u, _, err := s.run(ctx, key, at, win, 0, window.Entry{}, false)
	return u, err
}

func (s *Store) Remove(ctx context.Context, key string, e window.Entry) error {
	return s.client.ZRem(ctx, s.windowKey(key), member(e)).Err()
}
