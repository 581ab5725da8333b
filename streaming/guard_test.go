package streaming

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/mcp-gateway/mcp"
)

func collect(seq Seq) []mcp.StreamingChunk {
	var out []mcp.StreamingChunk
	for c := range seq {
		out = append(out, c)
	}
	return out
}

func TestGuardStopsAfterTerminal(t *testing.T) {
	got := collect(Guard(context.Background(), seqOf(
		Partial(0, Text("A")),
		Complete(nil),
		Partial(1, Text("late")),
		Error(-32004, "late", nil),
	)))
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	if got[1].Type != mcp.ChunkTypeComplete {
		t.Fatalf("last chunk = %s, want complete", got[1].Type)
	}
}

func TestGuardSynthesizesComplete(t *testing.T) {
	got := collect(Guard(context.Background(), seqOf(
		Progress(50, "half", 1, 2),
		Partial(0, Text("A")),
		Partial(1, Text("B")),
	)))
	if len(got) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(got))
	}
	last := got[3]
	if last.Type != mcp.ChunkTypeComplete || len(last.Complete.Content) != 2 {
		t.Fatalf("unexpected terminal chunk: %+v", last)
	}
}

func TestGuardConvertsProducerPanic(t *testing.T) {
	got := collect(Guard(context.Background(), func(yield func(mcp.StreamingChunk) bool) {
		yield(Partial(0, Text("A")))
		panic("kaboom")
	}))
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	if got[1].Type != mcp.ChunkTypeError || got[1].Error.Code != -32004 {
		t.Fatalf("unexpected terminal chunk: %+v", got[1])
	}
}

func TestGuardToleratesProducerIgnoringStop(t *testing.T) {
	got := collect(Guard(context.Background(), func(yield func(mcp.StreamingChunk) bool) {
		yield(Complete(nil))
		// A misbehaving producer keeps going after the terminal chunk.
		yield(Partial(0, Text("ignored")))
	}))
	if len(got) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(got))
	}
}

func TestGuardStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	produced := 0
	stoppedByConsumer := false
	seq := Guard(ctx, func(yield func(mcp.StreamingChunk) bool) {
		for i := 0; i < 100; i++ {
			produced++
			if !yield(Partial(i, Text("x"))) {
				stoppedByConsumer = true
				return
			}
		}
	})

	var got []mcp.StreamingChunk
	for c := range seq {
		got = append(got, c)
		if len(got) == 2 {
			cancel()
		}
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 chunks before cancellation, got %d", len(got))
	}
	if !stoppedByConsumer {
		t.Fatalf("producer was not told to stop")
	}
	if produced != 3 {
		t.Fatalf("producer ran %d steps, want 3", produced)
	}
}

func TestProduceReleasesContextOnEveryExit(t *testing.T) {
	var seen context.Context
	got := collect(Produce(context.Background(), func(ctx context.Context, emit Emit) error {
		seen = ctx
		emit(Partial(0, Text("A")))
		return errors.New("upstream failed")
	}))

	if seen.Err() == nil {
		t.Fatalf("producer context was not released")
	}
	if len(got) != 2 || got[1].Type != mcp.ChunkTypeError || got[1].Error.Message != "upstream failed" {
		t.Fatalf("unexpected chunks: %+v", got)
	}
}

func TestProduceCancelsProducerWhenConsumerStops(t *testing.T) {
	done := make(chan error, 1)
	seq := Produce(context.Background(), func(ctx context.Context, emit Emit) error {
		for i := 0; ; i++ {
			if !emit(Partial(i, Text("x"))) {
				done <- ctx.Err()
				return nil
			}
		}
	})
	for range seq {
		break
	}
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("producer context err = %v, want canceled", err)
	}
}
