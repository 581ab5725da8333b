// Package redis is a broker.Broker on Redis Streams, shared by every gateway
// instance that points at the same Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-gateway/broker"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const (
	// streamMaxLen approximately caps each topic's stream.
	streamMaxLen = 1000
	// readBlock bounds each blocking read so that ctx is re-checked.
	readBlock = time.Second
)

// Config for the Redis broker. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: BROKER_KEY_PREFIX
	KeyPrefix string `env:"BROKER_KEY_PREFIX,default=mcp:broker:"`
}

// Broker implements broker.Broker with one Redis stream per topic.
type Broker struct {
	client    *redis.Client
	keyPrefix string
}

var _ broker.Broker = (*Broker)(nil)

// New connects to cfg.RedisAddr.
func New(ctx context.Context, cfg Config) (*Broker, error) {
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

// NewWithClient wraps an existing client. The broker takes ownership of it.
func NewWithClient(cl *redis.Client, keyPrefix string) *Broker {
	if keyPrefix == "" {
		keyPrefix = "mcp:broker:"
	}
	return &Broker{client: cl, keyPrefix: keyPrefix}
}

// NewFromEnv builds a Broker using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Broker, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(ctx, cfg)
}

// Close closes the Redis client.
func (b *Broker) Close() error { return b.client.Close() }

func (b *Broker) streamKey(topic string) string { return b.keyPrefix + "stream:" + topic }

// Publish appends data to the topic's stream.
func (b *Broker) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(topic),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

// Subscribe anchors a reader at the stream's current tail.
func (b *Broker) Subscribe(ctx context.Context, topic string) (broker.Stream, error) {
	key := b.streamKey(topic)
	last := "0-0"
	msgs, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	if len(msgs) > 0 {
		last = msgs[0].ID
	}
	return &stream{client: b.client, key: key, last: last}, nil
}

type stream struct {
	client  *redis.Client
	key     string
	last    string
	pending []broker.Envelope
	closed  atomic.Bool
}

func (s *stream) Next(ctx context.Context) (broker.Envelope, error) {
	for {
		if s.closed.Load() {
			return broker.Envelope{}, broker.ErrClosed
		}
		if len(s.pending) > 0 {
			env := s.pending[0]
			s.pending = s.pending[1:]
			return env, nil
		}
		if err := ctx.Err(); err != nil {
			return broker.Envelope{}, err
		}

		block := readBlock
		if dl, ok := ctx.Deadline(); ok {
			block = max(min(block, time.Until(dl)), time.Millisecond)
		}
		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.last},
			Block:   block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return broker.Envelope{}, ctxErr
			}
			return broker.Envelope{}, fmt.Errorf("read %s: %w", s.key, err)
		}
		for _, st := range res {
			for _, msg := range st.Messages {
				s.last = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				s.pending = append(s.pending, broker.Envelope{ID: msg.ID, Data: []byte(data)})
			}
		}
	}
}

func (s *stream) Close() error {
	s.closed.Store(true)
	return nil
}
