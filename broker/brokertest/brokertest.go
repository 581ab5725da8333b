// Package brokertest is a conformance suite for broker.Broker
// implementations.
package brokertest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/broker"
)

// BrokerFactory creates a fresh broker for one subtest.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the suite against brokers built by factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("DeliversInOrder", func(t *testing.T) { testDeliversInOrder(t, factory(t)) })
	t.Run("FansOut", func(t *testing.T) { testFansOut(t, factory(t)) })
	t.Run("TopicIsolation", func(t *testing.T) { testTopicIsolation(t, factory(t)) })
	t.Run("NoHistory", func(t *testing.T) { testNoHistory(t, factory(t)) })
	t.Run("NextHonorsContext", func(t *testing.T) { testNextHonorsContext(t, factory(t)) })
	t.Run("Close", func(t *testing.T) { testClose(t, factory(t)) })
}

func subscribe(t *testing.T, b broker.Broker, topic string) broker.Stream {
	t.Helper()
	s, err := b.Subscribe(t.Context(), topic)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func publish(t *testing.T, b broker.Broker, topic, data string) string {
	t.Helper()
	id, err := b.Publish(t.Context(), topic, []byte(data))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id == "" {
		t.Fatalf("Publish returned an empty event id")
	}
	return id
}

func next(t *testing.T, s broker.Stream) broker.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	env, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return env
}

func testDeliversInOrder(t *testing.T, b broker.Broker) {
	s := subscribe(t, b, "orders")
	ids := []string{publish(t, b, "orders", "a"), publish(t, b, "orders", "b"), publish(t, b, "orders", "c")}
	for i, want := range []string{"a", "b", "c"} {
		env := next(t, s)
		if string(env.Data) != want || env.ID != ids[i] {
			t.Fatalf("message %d: got %s/%q, want %s/%q", i, env.ID, env.Data, ids[i], want)
		}
	}
}

func testFansOut(t *testing.T, b broker.Broker) {
	s1 := subscribe(t, b, "fan")
	s2 := subscribe(t, b, "fan")
	publish(t, b, "fan", "hello")
	for _, s := range []broker.Stream{s1, s2} {
		if env := next(t, s); string(env.Data) != "hello" {
			t.Fatalf("unexpected message %q", env.Data)
		}
	}
}

func testTopicIsolation(t *testing.T, b broker.Broker) {
	a := subscribe(t, b, "a")
	publish(t, b, "b", "for b")
	publish(t, b, "a", "for a")
	if env := next(t, a); string(env.Data) != "for a" {
		t.Fatalf("topic a received %q", env.Data)
	}
}

func testNoHistory(t *testing.T, b broker.Broker) {
	publish(t, b, "late", "before")
	s := subscribe(t, b, "late")
	publish(t, b, "late", "after")
	if env := next(t, s); string(env.Data) != "after" {
		t.Fatalf("subscription saw a message published before it: %q", env.Data)
	}
}

func testNextHonorsContext(t *testing.T, b broker.Broker) {
	s := subscribe(t, b, "quiet")
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func testClose(t *testing.T, b broker.Broker) {
	s, err := b.Subscribe(t.Context(), "closing")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Next(t.Context()); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}
