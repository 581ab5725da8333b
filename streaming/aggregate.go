package streaming

import "github.com/ggoodman/mcp-gateway/mcp"

// Aggregate drains seq into a single result:
//
//   - a complete chunk's result is returned as soon as it is seen;
//   - an error chunk short-circuits to an error-flagged result;
//   - otherwise the partial content blocks are concatenated in order;
//   - a stream that produced no content yields EmptyResult.
//
// Progress chunks are discarded.
func Aggregate(seq Seq) *mcp.CallToolResult {
	var blocks []mcp.ContentBlock
	for chunk := range seq {
		switch chunk.Type {
		case mcp.ChunkTypePartial:
			if chunk.Partial != nil {
				blocks = append(blocks, chunk.Partial.Content...)
			}
		case mcp.ChunkTypeComplete:
			if chunk.Complete == nil {
				return EmptyResult()
			}
			return chunk.Complete
		case mcp.ChunkTypeError:
			msg := "stream failed"
			if chunk.Error != nil && chunk.Error.Message != "" {
				msg = chunk.Error.Message
			}
			return &mcp.CallToolResult{Content: []mcp.ContentBlock{Text(msg)}, IsError: true}
		}
	}
	if len(blocks) == 0 {
		return EmptyResult()
	}
	return &mcp.CallToolResult{Content: blocks}
}
