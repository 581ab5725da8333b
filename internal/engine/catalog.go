package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/mcpservice"
	"github.com/ggoodman/mcp-gateway/sessions"
)

// ListResources returns the registered resources.
func (e *Engine) ListResources(ctx context.Context, sess *sessions.Session) (*mcp.ListResourcesResult, error) {
	if err := e.admit(ctx, sess, mcp.ResourcesListMethod, ""); err != nil {
		return nil, err
	}
	span := e.sessionSpan(sess, mcp.ResourcesListMethod, "")
	if err := e.touch(ctx, sess); err != nil {
		e.record(ctx, span.End(err))
		return nil, err
	}
	res := &mcp.ListResourcesResult{Resources: e.reg.ListResources()}
	e.record(ctx, span.End(nil))
	return res, nil
}

// ReadResource reads one resource. Unlike tools, a missing resource or a
// failing handler is a protocol error.
func (e *Engine) ReadResource(ctx context.Context, sess *sessions.Session, params *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	if params == nil || params.URI == "" {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "missing resource uri", nil)
	}
	if err := e.admit(ctx, sess, mcp.ResourcesReadMethod, ""); err != nil {
		return nil, err
	}

	span := e.sessionSpan(sess, mcp.ResourcesReadMethod, params.URI)
	res, ok := e.reg.Resource(params.URI)
	if !ok {
		rpcErr := jsonrpc.NewError(jsonrpc.ErrorCodeResourceNotFound, "resource not found", map[string]string{"uri": params.URI})
		if err := e.touch(ctx, sess); err != nil {
			e.record(ctx, span.End(err))
			return nil, err
		}
		e.record(ctx, span.End(rpcErr))
		return nil, rpcErr
	}
	if err := e.increment(ctx, sess, sessions.CounterResourceReads); err != nil {
		e.record(ctx, span.End(err))
		return nil, err
	}

	contents, err := invoke(ctx, "resource "+params.URI, res.Handler, mcpservice.ResourceRequest{URI: params.URI, Identity: identityOf(sess)})
	if err != nil {
		e.log.WarnContext(ctx, "engine.read_resource.fail", slog.String("uri", params.URI), slog.String("err", err.Error()))
		e.record(ctx, span.End(err))
		return nil, handlerErr("read resource", err)
	}
	if contents == nil {
		contents = &mcp.ResourceContents{}
	}
	if contents.URI == "" {
		contents.URI = params.URI
	}
	if contents.MimeType == "" {
		contents.MimeType = res.Descriptor.MimeType
	}

	e.record(ctx, span.End(nil))
	return &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{*contents}}, nil
}

// ListPrompts returns the registered prompts.
func (e *Engine) ListPrompts(ctx context.Context, sess *sessions.Session) (*mcp.ListPromptsResult, error) {
	if err := e.admit(ctx, sess, mcp.PromptsListMethod, ""); err != nil {
		return nil, err
	}
	span := e.sessionSpan(sess, mcp.PromptsListMethod, "")
	if err := e.touch(ctx, sess); err != nil {
		e.record(ctx, span.End(err))
		return nil, err
	}
	res := &mcp.ListPromptsResult{Prompts: e.reg.ListPrompts()}
	e.record(ctx, span.End(nil))
	return res, nil
}

// GetPrompt renders a prompt. A missing prompt is a resource-not-found
// protocol error and missing required arguments are invalid params.
func (e *Engine) GetPrompt(ctx context.Context, sess *sessions.Session, params *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	if params == nil || params.Name == "" {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "missing prompt name", nil)
	}
	if err := e.admit(ctx, sess, mcp.PromptsGetMethod, ""); err != nil {
		return nil, err
	}

	span := e.sessionSpan(sess, mcp.PromptsGetMethod, params.Name)
	p, ok := e.reg.Prompt(params.Name)
	if !ok {
		rpcErr := jsonrpc.NewError(jsonrpc.ErrorCodeResourceNotFound, "prompt not found", map[string]string{"name": params.Name})
		if err := e.touch(ctx, sess); err != nil {
			e.record(ctx, span.End(err))
			return nil, err
		}
		e.record(ctx, span.End(rpcErr))
		return nil, rpcErr
	}
	if missing := mcpservice.MissingPromptArguments(p.Descriptor, params.Arguments); len(missing) > 0 {
		rpcErr := jsonrpc.Errorf(jsonrpc.ErrorCodeInvalidParams, "missing required arguments: %s", strings.Join(missing, ", "))
		e.record(ctx, span.End(rpcErr))
		return nil, rpcErr
	}
	if err := e.increment(ctx, sess, sessions.CounterPromptGets); err != nil {
		e.record(ctx, span.End(err))
		return nil, err
	}

	msgs, err := invoke(ctx, "prompt "+params.Name, p.Handler, mcpservice.PromptRequest{Name: params.Name, Arguments: params.Arguments, Identity: identityOf(sess)})
	if err != nil {
		e.log.WarnContext(ctx, "engine.get_prompt.fail", slog.String("prompt", params.Name), slog.String("err", err.Error()))
		e.record(ctx, span.End(err))
		return nil, handlerErr("get prompt", err)
	}
	if msgs == nil {
		msgs = []mcp.PromptMessage{}
	}

	e.record(ctx, span.End(nil))
	return &mcp.GetPromptResult{Description: p.Descriptor.Description, Messages: msgs}, nil
}

// handlerErr keeps protocol errors a handler chose to return and reports
// anything else as an internal error.
func handlerErr(op string, err error) error {
	if rpcErr, ok := jsonrpc.AsError(err); ok {
		return rpcErr
	}
	return jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, fmt.Sprintf("%s: %v", op, err), nil)
}
