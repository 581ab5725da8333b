package redishost

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed session host. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
}

type Host struct {
	client    *redis.Client
	keyPrefix string
}

var _ sessions.Host = (*Host)(nil)

func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client. The host takes ownership of it.
func NewWithClient(cl *redis.Client, keyPrefix string) *Host {
	if keyPrefix == "" {
		keyPrefix = "mcp:sessions:"
	}
	return &Host{client: cl, keyPrefix: keyPrefix}
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

// --- Key helpers ---

func (h *Host) sessionKey(id string) string      { return h.keyPrefix + "session:" + id }
func (h *Host) tenantKey(tenantID string) string { return h.keyPrefix + "tenant:" + tenantID }
func (h *Host) indexKey() string                 { return h.keyPrefix + "index" }

const (
	fTenant    = "tenant_id"
	fUser      = "user_id"
	fVersion   = "protocol_version"
	fClient    = "client_name"
	fClientVer = "client_version"
	fClientTtl = "client_title"
	fCreated   = "created_at"
	fLast      = "last_activity"
	fTools     = string(sessions.CounterToolCalls)
	fResources = string(sessions.CounterResourceReads)
	fPrompts   = string(sessions.CounterPromptGets)
)

func ms(t time.Time) int64 { return t.UnixMilli() }

func (h *Host) Create(ctx context.Context, s *sessions.Session) error {
	fields := map[string]any{
		fTenant:    s.TenantID,
		fUser:      s.UserID,
		fVersion:   s.ProtocolVersion,
		fClient:    s.Client.Name,
		fClientVer: s.Client.Version,
		fClientTtl: s.Client.Title,
		fCreated:   ms(s.CreatedAt),
		fLast:      ms(s.LastActivity),
		fTools:     s.Usage.ToolCalls,
		fResources: s.Usage.ResourceReads,
		fPrompts:   s.Usage.PromptGets,
	}
	pipe := h.client.TxPipeline()
	pipe.HSet(ctx, h.sessionKey(s.ID), fields)
	pipe.SAdd(ctx, h.tenantKey(s.TenantID), s.ID)
	pipe.SAdd(ctx, h.indexKey(), s.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (h *Host) Load(ctx context.Context, id string) (*sessions.Session, error) {
	vals, err := h.client.HGetAll(ctx, h.sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return decodeSession(id, vals)
}

func decodeSession(id string, vals map[string]string) (*sessions.Session, error) {
	if len(vals) == 0 {
		return nil, sessions.ErrSessionNotFound
	}
	created, _ := strconv.ParseInt(vals[fCreated], 10, 64)
	last, _ := strconv.ParseInt(vals[fLast], 10, 64)
	counter := func(c sessions.Counter) int64 {
		n, _ := strconv.ParseInt(vals[string(c)], 10, 64)
		return n
	}
	return &sessions.Session{
		ID:              id,
		TenantID:        vals[fTenant],
		UserID:          vals[fUser],
		ProtocolVersion: vals[fVersion],
		Client: mcp.ImplementationInfo{
			Name:    vals[fClient],
			Version: vals[fClientVer],
			Title:   vals[fClientTtl],
		},
		CreatedAt:    time.UnixMilli(created),
		LastActivity: time.UnixMilli(last),
		Usage: sessions.Usage{
			ToolCalls:     counter(sessions.CounterToolCalls),
			ResourceReads: counter(sessions.CounterResourceReads),
			PromptGets:    counter(sessions.CounterPromptGets),
		},
	}, nil
}

// Script results below zero are not-found (-1) and idle (-2).
const (
	resMissing = -1
	resIdle    = -2
)

var touchScript = redis.NewScript(`
local last = redis.call('HGET', KEYS[1], 'last_activity')
if not last then return -1 end
last = tonumber(last)
if last < tonumber(ARGV[2]) then return -2 end
if last < tonumber(ARGV[1]) then
  redis.call('HSET', KEYS[1], 'last_activity', ARGV[1])
end
return 1
`)

var incrementScript = redis.NewScript(`
local last = redis.call('HGET', KEYS[1], 'last_activity')
if not last then return -1 end
last = tonumber(last)
if last < tonumber(ARGV[3]) then return -2 end
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
if last < tonumber(ARGV[2]) then
  redis.call('HSET', KEYS[1], 'last_activity', ARGV[2])
end
return n
`)

var expireScript = redis.NewScript(`
local last = redis.call('HGET', KEYS[1], 'last_activity')
if not last then return 0 end
if tonumber(last) >= tonumber(ARGV[1]) then return 0 end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
redis.call('SREM', KEYS[3], ARGV[2])
return 1
`)

func (h *Host) Touch(ctx context.Context, id string, at, cutoff time.Time) error {
	res, err := touchScript.Run(ctx, h.client, []string{h.sessionKey(id)}, ms(at), ms(cutoff)).Int64()
	if err != nil {
		return err
	}
	return h.scriptResult(ctx, id, cutoff, res)
}

func (h *Host) Increment(ctx context.Context, id string, c sessions.Counter, at, cutoff time.Time) (int64, error) {
	if !c.Valid() {
		return 0, fmt.Errorf("redishost: unknown counter %q", c)
	}
	res, err := incrementScript.Run(ctx, h.client, []string{h.sessionKey(id)}, string(c), ms(at), ms(cutoff)).Int64()
	if err != nil {
		return 0, err
	}
	if err := h.scriptResult(ctx, id, cutoff, res); err != nil {
		return 0, err
	}
	return res, nil
}

func (h *Host) scriptResult(ctx context.Context, id string, cutoff time.Time, res int64) error {
	switch res {
	case resMissing:
		return sessions.ErrSessionNotFound
	case resIdle:
		if _, err := h.Expire(ctx, id, cutoff); err != nil {
			return err
		}
		return sessions.ErrSessionNotFound
	}
	return nil
}

func (h *Host) Expire(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	tenant, err := h.client.HGet(ctx, h.sessionKey(id), fTenant).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	keys := []string{h.sessionKey(id), h.tenantKey(tenant), h.indexKey()}
	n, err := expireScript.Run(ctx, h.client, keys, ms(cutoff), id).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (h *Host) Delete(ctx context.Context, id string) error {
	tenant, err := h.client.HGet(ctx, h.sessionKey(id), fTenant).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	pipe := h.client.TxPipeline()
	pipe.Del(ctx, h.sessionKey(id))
	if tenant != "" {
		pipe.SRem(ctx, h.tenantKey(tenant), id)
	}
	pipe.SRem(ctx, h.indexKey(), id)
	_, err = pipe.Exec(ctx)
	return err
}

// loadMany fetches the given ids in one round trip. Ids whose hash is gone
// are returned in stale.
func (h *Host) loadMany(ctx context.Context, ids []string) (out []*sessions.Session, stale []string, err error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	pipe := h.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, h.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, err
	}
	for i, cmd := range cmds {
		s, err := decodeSession(ids[i], cmd.Val())
		if err != nil {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, s)
	}
	return out, stale, nil
}

func (h *Host) List(ctx context.Context, tenantID string) ([]*sessions.Session, error) {
	ids, err := h.client.SMembers(ctx, h.tenantKey(tenantID)).Result()
	if err != nil {
		return nil, err
	}
	out, stale, err := h.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(stale) > 0 {
		_ = h.client.SRem(context.WithoutCancel(ctx), h.tenantKey(tenantID), toAny(stale)...).Err()
	}
	return out, nil
}

func (h *Host) Range(ctx context.Context, fn func(*sessions.Session) bool) error {
	var cursor uint64
	for {
		ids, next, err := h.client.SScan(ctx, h.indexKey(), cursor, "", 100).Result()
		if err != nil {
			return err
		}
		batch, stale, err := h.loadMany(ctx, ids)
		if err != nil {
			return err
		}
		if len(stale) > 0 {
			_ = h.client.SRem(context.WithoutCancel(ctx), h.indexKey(), toAny(stale)...).Err()
		}
		for _, s := range batch {
			if !fn(s) {
				return nil
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (h *Host) Len(ctx context.Context) (int, error) {
	n, err := h.client.SCard(ctx, h.indexKey()).Result()
	return int(n), err
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
