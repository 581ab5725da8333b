// Package memory is an in-process broker.Broker. It connects engines that
// share a process, which is all a single-instance deployment needs.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/ggoodman/mcp-gateway/broker"
)

// subscriberBuffer bounds how far a slow subscriber may fall behind before
// messages to it are dropped.
const subscriberBuffer = 64

// Broker implements broker.Broker with channels.
type Broker struct {
	mu      sync.Mutex
	topics  map[string]map[*subscription]struct{}
	counter int64
}

var _ broker.Broker = (*Broker)(nil)

// New creates an empty broker.
func New() *Broker {
	return &Broker{topics: make(map[string]map[*subscription]struct{})}
}

// Publish delivers data to the current subscribers of topic. Subscribers
// whose buffer is full miss the message.
func (b *Broker) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counter++
	env := broker.Envelope{ID: strconv.FormatInt(b.counter, 10), Data: append([]byte(nil), data...)}
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- env:
		default:
		}
	}
	return env.ID, nil
}

// Subscribe registers a new subscription on topic.
func (b *Broker) Subscribe(ctx context.Context, topic string) (broker.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{
		b:     b,
		topic: topic,
		ch:    make(chan broker.Envelope, subscriberBuffer),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub, nil
}

func (b *Broker) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[sub.topic]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
}

type subscription struct {
	b     *Broker
	topic string
	ch    chan broker.Envelope

	once sync.Once
	done chan struct{}
}

func (s *subscription) Next(ctx context.Context) (broker.Envelope, error) {
	select {
	case <-s.done:
		return broker.Envelope{}, broker.ErrClosed
	default:
	}
	select {
	case env := <-s.ch:
		return env, nil
	case <-s.done:
		return broker.Envelope{}, broker.ErrClosed
	case <-ctx.Done():
		return broker.Envelope{}, ctx.Err()
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.b.remove(s)
		close(s.done)
	})
	return nil
}
