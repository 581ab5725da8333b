// Package streaming turns producers of incremental tool results into
// well-formed chunk streams.
//
// A producer is a Seq: an iterator of mcp.StreamingChunk values. Producers
// are cooperative. They yield one chunk at a time and must return promptly
// once yield reports false or their context is cancelled.
//
// Guard enforces the stream shape regardless of how the producer behaves:
// zero or more progress/partial chunks followed by exactly one complete or
// error chunk. Aggregate drains a stream into the single result a
// non-streaming call would have returned, and Response renders a stream as
// newline-delimited JSON-RPC envelopes.
//
// BatchProcess is a ready-made producer for tools that work through an
// ordered collection in fixed-size, internally parallel batches:
//
//	seq := streaming.BatchProcess(ctx, orderIDs, func(ctx context.Context, id string) ([]mcp.ContentBlock, error) {
//	    return exportOne(ctx, id)
//	}, streaming.WithBatchSize(20))
package streaming
