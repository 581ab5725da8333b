// Package mcpservice holds the capability registry: the named tools,
// resources and prompts a server exposes, together with the handlers that
// implement them.
//
// Handlers are supplied by the application. The registry only stores them,
// lists their public metadata, and looks them up by key. Deciding what a
// miss means is left to the caller: the engine reports an unknown tool as
// an error-flagged tool result and an unknown resource or prompt as a
// protocol error.
//
// Tools declare whether they stream at registration time. A plain tool has
// a Call handler that returns one result; a streaming tool has a Stream
// handler that returns a chunk sequence.
//
// Quick start:
//
//	type OrderArgs struct {
//	    OrderID string `json:"order_id" jsonschema:"description=Order identifier" validate:"required"`
//	}
//
//	reg := mcpservice.NewRegistry()
//	err := reg.RegisterTool(mcpservice.NewTool("get_order",
//	    func(ctx context.Context, req mcpservice.ToolRequest, args OrderArgs) (*mcp.CallToolResult, error) {
//	        return lookupOrder(ctx, req.Identity.TenantID, args.OrderID)
//	    },
//	    mcpservice.WithToolDescription("Fetch one order"),
//	))
//
// The argument map handed to every tool handler carries the caller's
// authenticated tenant and user under the reserved keys "_tenantId" and
// "_userId". Values a client sends under those keys are overwritten before
// the handler runs.
package mcpservice
