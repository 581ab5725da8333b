package mcpservice

import (
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-gateway/mcp"
)

// TextResult is a small helper to build a text CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: s}}}
}

// Errorf returns an error CallToolResult with a single text block and IsError=true.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	msg := fmt.Sprintf(format, a...)
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: msg}}, IsError: true}
}

// JSONResult renders v as indented JSON text and, when v encodes to an
// object, also as structured content.
func JSONResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	res := TextResult(string(b))
	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err == nil {
		res.StructuredContent = obj
	}
	return res, nil
}
