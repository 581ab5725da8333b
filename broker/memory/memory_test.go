package memory

import (
	"testing"

	"github.com/ggoodman/mcp-gateway/broker"
	"github.com/ggoodman/mcp-gateway/broker/brokertest"
)

func TestMemoryBroker(t *testing.T) {
	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		return New()
	})
}

func TestTopicsAreReleased(t *testing.T) {
	b := New()
	s, err := b.Subscribe(t.Context(), "a")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	_ = s.Close()
	_ = s.Close()
	if len(b.topics) != 0 {
		t.Fatalf("closed subscription left %d topics behind", len(b.topics))
	}
}
