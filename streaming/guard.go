package streaming

import (
	"context"
	"fmt"

	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/mcp"
)

// Guard wraps seq so that consumers always observe a well-formed stream:
//
//   - nothing is forwarded after the first complete or error chunk;
//   - a producer that finishes without a terminal chunk is closed with a
//     complete chunk holding the concatenated partial content;
//   - a producer panic becomes a terminal error chunk;
//   - once ctx is cancelled the next chunk is dropped and the producer is
//     told to stop, with no terminal chunk synthesized.
//
// Panics raised by the consumer's loop body are not intercepted.
func Guard(ctx context.Context, seq Seq) Seq {
	return func(yield func(mcp.StreamingChunk) bool) {
		var (
			partials []mcp.ContentBlock
			done     bool
			inYield  bool
		)

		emit := func(c mcp.StreamingChunk) {
			inYield = true
			ok := yield(c)
			inYield = false
			if !ok || c.IsTerminal() {
				done = true
			}
		}

		recovered := func() (p any) {
			defer func() {
				if r := recover(); r != nil {
					if inYield {
						panic(r)
					}
					p = r
				}
			}()
			for chunk := range seq {
				if done {
					return nil
				}
				if ctx.Err() != nil {
					done = true
					return nil
				}
				if chunk.Type == mcp.ChunkTypePartial && chunk.Partial != nil {
					partials = append(partials, chunk.Partial.Content...)
				}
				emit(chunk)
				if done {
					return nil
				}
			}
			return nil
		}()

		if done || ctx.Err() != nil {
			return
		}
		if recovered != nil {
			emit(Error(jsonrpc.ErrorCodeToolExecution, fmt.Sprintf("stream producer panicked: %v", recovered), nil))
			return
		}
		res := EmptyResult()
		if len(partials) > 0 {
			res.Content = partials
		}
		emit(Complete(res))
	}
}

// Emit forwards one chunk. It returns false once the consumer has stopped.
type Emit func(mcp.StreamingChunk) bool

// Produce adapts an error-returning producer function into a guarded Seq.
// fn receives a context that is cancelled as soon as the consumer stops or
// the parent is cancelled, and is always released when fn returns. A
// non-nil error from fn becomes the terminal error chunk.
func Produce(ctx context.Context, fn func(ctx context.Context, emit Emit) error) Seq {
	return Guard(ctx, func(yield func(mcp.StreamingChunk) bool) {
		pctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		emit := func(c mcp.StreamingChunk) bool {
			if stopped {
				return false
			}
			if !yield(c) {
				stopped = true
				cancel()
			}
			return !stopped
		}

		err := fn(pctx, emit)
		if stopped || err == nil {
			return
		}
		yield(ErrorFrom(err))
	})
}
