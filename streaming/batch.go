package streaming

import (
	"context"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-gateway/mcp"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize is used when WithBatchSize is not given.
const DefaultBatchSize = 10

type batchConfig struct {
	size     int
	delay    time.Duration
	progress bool
}

// BatchOption configures BatchProcess.
type BatchOption func(*batchConfig)

// WithBatchSize sets how many items are processed in parallel per batch.
func WithBatchSize(n int) BatchOption {
	return func(c *batchConfig) {
		if n > 0 {
			c.size = n
		}
	}
}

// WithBatchDelay pauses between consecutive batches.
func WithBatchDelay(d time.Duration) BatchOption {
	return func(c *batchConfig) { c.delay = d }
}

// WithoutProgress suppresses the per-batch progress chunks.
func WithoutProgress() BatchOption {
	return func(c *batchConfig) { c.progress = false }
}

// BatchProcess processes items in order, in batches of fixed size. Items
// within a batch run in parallel. For every batch it yields a progress chunk
// followed by a partial chunk holding that batch's blocks in item order, and
// it finishes with a complete chunk carrying all blocks. The first item
// error cancels the rest of its batch and ends the stream with an error
// chunk.
func BatchProcess[T any](ctx context.Context, items []T, fn func(ctx context.Context, item T) ([]mcp.ContentBlock, error), opts ...BatchOption) Seq {
	cfg := batchConfig{size: DefaultBatchSize, progress: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	return Produce(ctx, func(ctx context.Context, emit Emit) error {
		total := len(items)
		all := make([]mcp.ContentBlock, 0, total)

		for batch, start := 0, 0; start < total; batch, start = batch+1, start+cfg.size {
			if batch > 0 && cfg.delay > 0 {
				t := time.NewTimer(cfg.delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			end := min(start+cfg.size, total)
			results := make([][]mcp.ContentBlock, end-start)

			g, gctx := errgroup.WithContext(ctx)
			for i := start; i < end; i++ {
				g.Go(func() error {
					blocks, err := fn(gctx, items[i])
					if err != nil {
						return fmt.Errorf("item %d: %w", i, err)
					}
					results[i-start] = blocks
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			var blocks []mcp.ContentBlock
			for _, r := range results {
				blocks = append(blocks, r...)
			}
			all = append(all, blocks...)

			if cfg.progress {
				pct := float64(end) / float64(total) * 100
				msg := fmt.Sprintf("processed %d of %d", end, total)
				if !emit(Progress(pct, msg, end, total)) {
					return nil
				}
			}
			if !emit(Partial(batch, blocks...)) {
				return nil
			}
		}

		emit(Complete(&mcp.CallToolResult{Content: all}))
		return nil
	})
}
