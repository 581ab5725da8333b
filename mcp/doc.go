// Package mcp contains protocol data types and constants shared across
// transports and the capability registry. It mirrors the wire
// representation of the Model Context Protocol while keeping the surface
// Go-friendly (exported structs with json tags, string constants for
// method names and enumerations).
//
// The package is free of transport logic: the HTTP and stdio transports
// import these types but implement their own framing, authentication and
// session handling.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod).
//
// # Versions
//
// SupportedProtocolVersions lists the protocol revisions the server speaks,
// oldest first. NegotiateProtocolVersion implements the initialize
// handshake rule: exact matches are honored, revisions newer than the
// newest supported one degrade to it, and older ones are rejected.
//
// # Streaming
//
// StreamingChunk is the unit of an incremental tool result. It serializes
// as a flat object discriminated by "type":
//
//	{"type":"progress","progress":40,"message":"batch 2/5","processed":20,"total":50}
//	{"type":"partial","content":[...],"batchIndex":1}
//	{"type":"complete","result":{"content":[...]}}
//	{"type":"error","code":-32004,"message":"boom"}
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "hello"}},
//	}
package mcp
