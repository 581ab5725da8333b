package mcp

import (
	"encoding/json"
	"fmt"
)

// ChunkType discriminates the StreamingChunk variants.
type ChunkType string

const (
	ChunkTypeProgress ChunkType = "progress"
	ChunkTypePartial  ChunkType = "partial"
	ChunkTypeComplete ChunkType = "complete"
	ChunkTypeError    ChunkType = "error"
)

// StreamingChunk is one incremental unit of a streamed tool result. Exactly
// one of the variant fields is set, matching Type.
//
// A well-formed stream is zero or more progress/partial chunks followed by
// exactly one complete or error chunk.
type StreamingChunk struct {
	Type     ChunkType
	Progress *ProgressChunk
	Partial  *PartialChunk
	Complete *CallToolResult
	Error    *ChunkError
}

// ProgressChunk reports how far a long-running call has come.
type ProgressChunk struct {
	// Percent is in the range 0-100.
	Percent   float64 `json:"progress"`
	Message   string  `json:"message,omitzero"`
	Processed int     `json:"processed,omitzero"`
	Total     int     `json:"total,omitzero"`
}

// PartialChunk carries one batch of content blocks.
type PartialChunk struct {
	Content    []ContentBlock `json:"content"`
	BatchIndex int            `json:"batchIndex"`
}

// ChunkError terminates a stream with a JSON-RPC style error.
type ChunkError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// IsTerminal reports whether the chunk ends its stream.
func (c StreamingChunk) IsTerminal() bool {
	return c.Type == ChunkTypeComplete || c.Type == ChunkTypeError
}

// MarshalJSON flattens the active variant next to the type discriminator.
func (c StreamingChunk) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case ChunkTypeProgress:
		p := c.Progress
		if p == nil {
			p = &ProgressChunk{}
		}
		return json.Marshal(struct {
			Type ChunkType `json:"type"`
			*ProgressChunk
		}{c.Type, p})
	case ChunkTypePartial:
		p := c.Partial
		if p == nil {
			p = &PartialChunk{}
		}
		if p.Content == nil {
			p = &PartialChunk{Content: []ContentBlock{}, BatchIndex: p.BatchIndex}
		}
		return json.Marshal(struct {
			Type ChunkType `json:"type"`
			*PartialChunk
		}{c.Type, p})
	case ChunkTypeComplete:
		res := c.Complete
		if res == nil {
			res = &CallToolResult{Content: []ContentBlock{}}
		}
		return json.Marshal(struct {
			Type   ChunkType       `json:"type"`
			Result *CallToolResult `json:"result"`
		}{c.Type, res})
	case ChunkTypeError:
		e := c.Error
		if e == nil {
			e = &ChunkError{}
		}
		return json.Marshal(struct {
			Type ChunkType `json:"type"`
			*ChunkError
		}{c.Type, e})
	default:
		return nil, fmt.Errorf("mcp: unknown chunk type %q", c.Type)
	}
}

// UnmarshalJSON reverses MarshalJSON.
func (c *StreamingChunk) UnmarshalJSON(data []byte) error {
	var head struct {
		Type ChunkType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	out := StreamingChunk{Type: head.Type}
	switch head.Type {
	case ChunkTypeProgress:
		out.Progress = &ProgressChunk{}
		if err := json.Unmarshal(data, out.Progress); err != nil {
			return err
		}
	case ChunkTypePartial:
		out.Partial = &PartialChunk{}
		if err := json.Unmarshal(data, out.Partial); err != nil {
			return err
		}
	case ChunkTypeComplete:
		var body struct {
			Result *CallToolResult `json:"result"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		out.Complete = body.Result
	case ChunkTypeError:
		out.Error = &ChunkError{}
		if err := json.Unmarshal(data, out.Error); err != nil {
			return err
		}
	default:
		return fmt.Errorf("mcp: unknown chunk type %q", head.Type)
	}
	*c = out
	return nil
}
