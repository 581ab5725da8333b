package streaming

import (
	"iter"

	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/mcp"
)

// Seq is a producer of streaming chunks.
type Seq = iter.Seq[mcp.StreamingChunk]

// Progress builds a progress chunk. percent is clamped to 0-100.
func Progress(percent float64, message string, processed, total int) mcp.StreamingChunk {
	percent = max(0, min(100, percent))
	return mcp.StreamingChunk{
		Type:     mcp.ChunkTypeProgress,
		Progress: &mcp.ProgressChunk{Percent: percent, Message: message, Processed: processed, Total: total},
	}
}

// Partial builds a partial chunk for the zero-based batch index.
func Partial(batchIndex int, blocks ...mcp.ContentBlock) mcp.StreamingChunk {
	if blocks == nil {
		blocks = []mcp.ContentBlock{}
	}
	return mcp.StreamingChunk{
		Type:    mcp.ChunkTypePartial,
		Partial: &mcp.PartialChunk{Content: blocks, BatchIndex: batchIndex},
	}
}

// Complete builds a terminal complete chunk.
func Complete(res *mcp.CallToolResult) mcp.StreamingChunk {
	if res == nil {
		res = EmptyResult()
	}
	return mcp.StreamingChunk{Type: mcp.ChunkTypeComplete, Complete: res}
}

// Error builds a terminal error chunk.
func Error(code jsonrpc.ErrorCode, message string, data any) mcp.StreamingChunk {
	return mcp.StreamingChunk{
		Type:  mcp.ChunkTypeError,
		Error: &mcp.ChunkError{Code: int(code), Message: message, Data: data},
	}
}

// ErrorFrom converts err into a terminal error chunk. Protocol errors keep
// their code; anything else is reported as a tool execution error.
func ErrorFrom(err error) mcp.StreamingChunk {
	if rpcErr, ok := jsonrpc.AsError(err); ok {
		return Error(rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	return Error(jsonrpc.ErrorCodeToolExecution, err.Error(), nil)
}

// EmptyResult is the result of a stream that produced nothing.
func EmptyResult() *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{}}
}

// Text is shorthand for a text content block.
func Text(s string) mcp.ContentBlock {
	return mcp.ContentBlock{Type: mcp.ContentTypeText, Text: s}
}
