// Package stdio implements a single-connection transport over a reader and
// writer, normally stdin and stdout. It is meant for running the gateway as
// a subprocess of a local agent.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Auth             : none; a fixed tenant and user (OS user by default)
//	Sessions         : one, opened by initialize and closed when Serve returns
//	Framing          : one JSON-RPC message per line; streaming tool calls
//	                   emit one line per chunk
//
// Example:
//
//	h := stdio.New(reg, mgr, mcpservice.Identity{TenantID: "local"})
//	if err := h.Serve(ctx, os.Stdin, os.Stdout); err != nil { log.Fatal(err) }
//
// For multi-tenant deployments prefer the streaming HTTP transport, which
// authenticates each request.
package stdio
