package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/mcpservice"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/streaming"
	"github.com/ggoodman/mcp-gateway/usage"
)

// ListTools returns the registered tools. Listing counts against the rate
// limit and is recorded as usage, but does not bump a session counter.
func (e *Engine) ListTools(ctx context.Context, sess *sessions.Session) (*mcp.ListToolsResult, error) {
	if err := e.admit(ctx, sess, mcp.ToolsListMethod, ""); err != nil {
		return nil, err
	}
	span := e.sessionSpan(sess, mcp.ToolsListMethod, "")
	if err := e.touch(ctx, sess); err != nil {
		e.record(ctx, span.End(err))
		return nil, err
	}
	res := &mcp.ListToolsResult{Tools: e.reg.ListTools()}
	e.record(ctx, span.End(nil))
	return res, nil
}

// ShouldStream reports whether calls to the named tool should be rendered
// as a chunk stream when the transport can do so.
func (e *Engine) ShouldStream(name string) bool {
	if t, ok := e.reg.Tool(name); ok {
		return t.Streaming
	}
	return streaming.RequiresStreaming(name)
}

// CallTool invokes a tool and returns its single result. Streaming tools
// are drained and aggregated. An unknown tool, invalid arguments or a
// failing handler produce a result flagged isError rather than a protocol
// error; only malformed params, rate limiting and an expired session are
// protocol errors.
func (e *Engine) CallTool(ctx context.Context, sess *sessions.Session, params *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	call, soft, err := e.prepareCall(ctx, sess, params)
	if err != nil {
		return nil, err
	}
	if soft != nil {
		return soft, nil
	}

	ctx = call.ctx
	start := time.Now()
	var res *mcp.CallToolResult
	if call.tool.Streaming {
		res = streaming.Aggregate(streaming.Guard(ctx, deferStream(ctx, call.tool.Stream, call.req)))
		// Guard ends a cancelled stream without a terminal chunk, which
		// Aggregate cannot tell apart from a producer that just returned.
		if ctx.Err() != nil {
			err = context.Cause(ctx)
		}
	} else {
		res, err = invoke(ctx, "tool "+call.req.Name, call.tool.Call, call.req)
	}

	switch {
	case err != nil && ctx.Err() != nil:
		e.log.InfoContext(ctx, "engine.call_tool.cancelled", slog.String("err", context.Cause(ctx).Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		e.record(ctx, call.span.End(context.Cause(ctx)))
		return mcpservice.Errorf("tool call cancelled: %v", context.Cause(ctx)), nil
	case err != nil:
		e.log.WarnContext(ctx, "engine.call_tool.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		e.record(ctx, call.span.End(err))
		return mcpservice.Errorf("%s", err.Error()), nil
	}

	if res == nil {
		res = streaming.EmptyResult()
	}
	e.finishResult(ctx, call.span, res)
	return res, nil
}

// CallToolStreaming invokes a tool as a chunk producer. Protocol errors
// are returned before anything is produced; after that the sequence always
// ends with exactly one complete or error chunk unless ctx is cancelled or
// the consumer stops early. A non-streaming tool yields a single complete
// chunk.
func (e *Engine) CallToolStreaming(ctx context.Context, sess *sessions.Session, params *mcp.CallToolRequest) (streaming.Seq, error) {
	call, soft, err := e.prepareCall(ctx, sess, params)
	if err != nil {
		return nil, err
	}
	if soft != nil {
		return func(yield func(mcp.StreamingChunk) bool) {
			yield(streaming.Complete(soft))
		}, nil
	}

	ctx = call.ctx
	var src streaming.Seq
	if call.tool.Streaming {
		src = streaming.Guard(ctx, deferStream(ctx, call.tool.Stream, call.req))
	} else {
		src = streaming.Produce(ctx, func(ctx context.Context, emit streaming.Emit) error {
			res, err := call.tool.Call(ctx, call.req)
			if err != nil {
				return err
			}
			emit(streaming.Complete(res))
			return nil
		})
	}

	return func(yield func(mcp.StreamingChunk) bool) {
		start := time.Now()
		var (
			last    mcp.StreamingChunk
			chunks  int
			stopped bool
		)
		for c := range src {
			last = c
			chunks++
			if !yield(c) {
				stopped = true
				break
			}
		}

		dur := slog.Int64("dur_ms", time.Since(start).Milliseconds())
		switch {
		case last.IsTerminal() && last.Type == mcp.ChunkTypeError:
			e.log.WarnContext(ctx, "engine.call_tool.fail", slog.String("err", last.Error.Message), slog.Int("chunks", chunks), dur)
			e.record(ctx, call.span.Fail(last.Error.Message))
		case last.IsTerminal():
			e.log.InfoContext(ctx, "engine.call_tool.ok", slog.Int("chunks", chunks), dur)
			e.finishResult(ctx, call.span, last.Complete)
		case ctx.Err() != nil:
			e.log.InfoContext(ctx, "engine.call_tool.cancelled", slog.Int("chunks", chunks), dur)
			e.record(ctx, call.span.End(context.Cause(ctx)))
		case stopped:
			e.log.InfoContext(ctx, "engine.call_tool.abandoned", slog.Int("chunks", chunks), dur)
			e.record(ctx, call.span.Fail("stream abandoned by consumer"))
		}
	}, nil
}

type preparedCall struct {
	ctx  context.Context
	tool mcpservice.Tool
	req  mcpservice.ToolRequest
	span *usage.Span
}

// prepareCall runs the bookkeeping shared by both call paths: param checks,
// rate limiting, tool lookup, the session counter, identity injection and
// schema validation. It returns either a prepared call, a soft failure
// result, or a protocol error.
func (e *Engine) prepareCall(ctx context.Context, sess *sessions.Session, params *mcp.CallToolRequest) (*preparedCall, *mcp.CallToolResult, error) {
	if params == nil || params.Name == "" {
		return nil, nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "missing tool name", nil)
	}
	if err := e.admit(ctx, sess, mcp.ToolsCallMethod, params.Name); err != nil {
		return nil, nil, err
	}

	span := e.sessionSpan(sess, mcp.ToolsCallMethod, params.Name)
	tool, ok := e.reg.Tool(params.Name)
	if !ok {
		if err := e.touch(ctx, sess); err != nil {
			e.record(ctx, span.End(err))
			return nil, nil, err
		}
		msg := fmt.Sprintf("tool not found: %s", params.Name)
		e.record(ctx, span.Fail(msg))
		return nil, mcpservice.Errorf("%s", msg), nil
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name, Streaming: tool.Streaming})
	if err := e.increment(ctx, sess, sessions.CounterToolCalls); err != nil {
		e.record(ctx, span.End(err))
		return nil, nil, err
	}

	id := identityOf(sess)
	args := mcpservice.InjectIdentity(params.Arguments, id)
	if err := mcpservice.ValidateArguments(tool.Descriptor.InputSchema, args); err != nil {
		e.log.InfoContext(ctx, "engine.call_tool.invalid", slog.String("err", err.Error()))
		e.record(ctx, span.Fail(err.Error()))
		return nil, mcpservice.Errorf("%s", err.Error()), nil
	}

	return &preparedCall{
		ctx:  ctx,
		tool: tool,
		req:  mcpservice.ToolRequest{Name: params.Name, Arguments: args, Identity: id},
		span: span,
	}, nil, nil
}

// finishResult records a completed call, marking it failed when the tool
// flagged its own result as an error.
func (e *Engine) finishResult(ctx context.Context, span *usage.Span, res *mcp.CallToolResult) {
	if res != nil && res.IsError {
		e.record(ctx, span.Fail(resultText(res)))
		return
	}
	e.record(ctx, span.End(nil))
}

// invoke calls a handler, turning a panic into an error.
func invoke[Req, Res any](ctx context.Context, what string, h func(context.Context, Req) (Res, error), req Req) (res Res, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero Res
			res, err = zero, fmt.Errorf("%s panicked: %v", what, r)
		}
	}()
	return h(ctx, req)
}

// deferStream builds the handler's sequence on first iteration, so that a
// panic while constructing it is caught by Guard like any producer panic.
func deferStream(ctx context.Context, h mcpservice.StreamingToolHandler, req mcpservice.ToolRequest) streaming.Seq {
	return func(yield func(mcp.StreamingChunk) bool) {
		for c := range h(ctx, req) {
			if !yield(c) {
				return
			}
		}
	}
}

func resultText(res *mcp.CallToolResult) string {
	for _, b := range res.Content {
		if b.Type == mcp.ContentTypeText && b.Text != "" {
			return b.Text
		}
	}
	return "tool reported an error"
}

// WantsStream reports whether req is a tools/call whose tool should be
// rendered as a chunk stream.
func (e *Engine) WantsStream(req *jsonrpc.Request) bool {
	if req == nil || mcp.Method(req.Method) != mcp.ToolsCallMethod {
		return false
	}
	var params mcp.CallToolRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return false
	}
	return e.ShouldStream(params.Name)
}

// StreamRequest is the streaming counterpart of HandleRequest for
// tools/call. The call stays cancellable through notifications/cancelled
// until the returned sequence finishes. A returned error is always a
// *jsonrpc.Error the transport should send as a plain response.
func (e *Engine) StreamRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (streaming.Seq, error) {
	start := time.Now()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})
	log := e.log.With(slog.String("method", req.Method))

	fail := func(rpcErr *jsonrpc.Error) (streaming.Seq, error) {
		logRPCError(ctx, log, rpcErr, time.Since(start))
		return nil, rpcErr
	}
	if sess == nil {
		return fail(jsonrpc.NewError(jsonrpc.ErrorCodeSessionExpired, "session not found", nil))
	}
	ctx = withSession(ctx, sess)

	var params mcp.CallToolRequest
	if err := decodeParams(req.Params, &params); err != nil {
		rpcErr, _ := jsonrpc.AsError(err)
		return fail(rpcErr)
	}

	ctx, done := e.trackCall(ctx, sess.ID, req.ID)
	seq, err := e.CallToolStreaming(ctx, sess, &params)
	if err != nil {
		done()
		rpcErr, ok := jsonrpc.AsError(err)
		if !ok {
			log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
			rpcErr = jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "internal error", nil)
			return nil, rpcErr
		}
		return fail(rpcErr)
	}
	return func(yield func(mcp.StreamingChunk) bool) {
		defer done()
		for c := range seq {
			if !yield(c) {
				return
			}
		}
	}, nil
}
