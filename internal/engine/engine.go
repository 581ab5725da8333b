package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/broker"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/mcpservice"
	"github.com/ggoodman/mcp-gateway/ratelimit"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/usage"
)

// Engine is the protocol core of the server. It is transport-agnostic:
// transports decode JSON-RPC messages, resolve the caller's session and hand
// the request to the engine, which negotiates versions, enforces rate
// limits, dispatches to the registry and records usage.
//
// The engine holds no lock while a capability handler runs.
type Engine struct {
	reg          *mcpservice.Registry
	sessions     *sessions.Manager
	limiter      ratelimit.Limiter
	usage        usage.Log
	log          *slog.Logger
	info         mcp.ImplementationInfo
	instructions string
	now          func() time.Time
	broker       broker.Broker

	// in-flight tool calls, keyed by session id and request id, so that
	// notifications/cancelled can reach them.
	callsMu sync.Mutex
	calls   map[callKey]context.CancelCauseFunc
}

type callKey struct {
	session string
	request string
}

type cancelledParams struct {
	RequestID *jsonrpc.RequestID `json:"requestId"`
	Reason    string             `json:"reason,omitempty"`
}

// ErrCancelled is the cancellation cause of a tool call the client
// cancelled.
var ErrCancelled = errors.New("operation cancelled by client")

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithRateLimiter enables rate limiting. Without it every call is admitted.
func WithRateLimiter(l ratelimit.Limiter) EngineOption {
	return func(e *Engine) { e.limiter = l }
}

// WithUsageLog records one usage entry per call in l.
func WithUsageLog(l usage.Log) EngineOption {
	return func(e *Engine) { e.usage = l }
}

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) EngineOption {
	return func(e *Engine) { e.info = info }
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(s string) EngineOption {
	return func(e *Engine) { e.instructions = s }
}

// WithCancelBroker forwards cancellations for calls that are not running on
// this engine to the other engines subscribed to b. Each engine must run
// RelayCancellations to receive them.
func WithCancelBroker(b broker.Broker) EngineOption {
	return func(e *Engine) { e.broker = b }
}

// WithClock replaces time.Now for usage timing.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an engine serving reg with sessions kept by mgr.
func NewEngine(reg *mcpservice.Registry, mgr *sessions.Manager, opts ...EngineOption) *Engine {
	e := &Engine{
		reg:      reg,
		sessions: mgr,
		log:      slog.Default(),
		info:     mcp.ImplementationInfo{Name: "mcp-gateway", Version: "dev"},
		now:      time.Now,
		calls:    make(map[callKey]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Sessions exposes the session manager so transports can resolve and
// delete sessions.
func (e *Engine) Sessions() *sessions.Manager { return e.sessions }

// Initialize negotiates the protocol version and opens a session owned by
// the authenticated caller. Identity fields a client may have put in the
// request are never consulted.
func (e *Engine) Initialize(ctx context.Context, caller mcpservice.Identity, req *mcp.InitializeRequest) (*sessions.Session, *mcp.InitializeResult, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", string(mcp.InitializeMethod)))
	span := e.startSpan(usage.Entry{TenantID: caller.TenantID, UserID: caller.UserID, Method: string(mcp.InitializeMethod)})

	if req == nil {
		req = &mcp.InitializeRequest{}
	}

	version, ok := mcp.NegotiateProtocolVersion(req.ProtocolVersion)
	if !ok {
		rpcErr := jsonrpc.NewError(jsonrpc.ErrorCodeUnsupportedVersion, "unsupported protocol version", map[string]any{
			"requested": req.ProtocolVersion,
			"supported": mcp.SupportedProtocolVersions(),
		})
		log.InfoContext(ctx, "session.initialize.unsupported", slog.String("requested", req.ProtocolVersion), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		e.record(ctx, span.End(rpcErr))
		return nil, nil, rpcErr
	}

	sess, err := e.sessions.Create(ctx, sessions.CreateParams{
		TenantID:        caller.TenantID,
		UserID:          caller.UserID,
		ProtocolVersion: version,
		Client:          req.ClientInfo,
	})
	if err != nil {
		log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		e.record(ctx, span.End(err))
		return nil, nil, fmt.Errorf("create session: %w", err)
	}

	ctx = withSession(ctx, sess)
	span.SetSession(sess.ID)

	res := &mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      e.info,
		Instructions:    e.instructions,
	}
	res.Capabilities.Tools = &struct {
		ListChanged bool `json:"listChanged"`
	}{}
	res.Capabilities.Resources = &struct {
		ListChanged bool `json:"listChanged"`
		Subscribe   bool `json:"subscribe"`
	}{}
	res.Capabilities.Prompts = &struct {
		ListChanged bool `json:"listChanged"`
	}{}

	log.InfoContext(ctx, "session.initialize.ok",
		slog.String("requested", req.ProtocolVersion),
		slog.String("client", req.ClientInfo.Name),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	e.record(ctx, span.End(nil))
	return sess, res, nil
}

// HandleRequest dispatches one request on an established session and
// shapes the outcome into a response envelope. Protocol failures are
// returned inside the envelope; the error return is reserved for failures
// to build the envelope itself.
func (e *Engine) HandleRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})
	if sess != nil {
		ctx = withSession(ctx, sess)
	}
	log := e.log.With(slog.String("method", req.Method))

	res, err := e.dispatch(ctx, sess, req)
	if err != nil {
		rpcErr, ok := jsonrpc.AsError(err)
		if !ok {
			log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
		}
		logRPCError(ctx, log, rpcErr, time.Since(start))
		return jsonrpc.NewErrorResponseFrom(req.ID, rpcErr), nil
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) dispatch(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (any, error) {
	switch mcp.Method(req.Method) {
	case mcp.PingMethod:
		if err := e.Ping(ctx, sess); err != nil {
			return nil, err
		}
		return mcp.EmptyResult{}, nil
	case mcp.InitializeMethod:
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil)
	}

	if sess == nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeSessionExpired, "session not found", nil)
	}

	switch mcp.Method(req.Method) {
	case mcp.ToolsListMethod:
		return e.ListTools(ctx, sess)
	case mcp.ToolsCallMethod:
		var params mcp.CallToolRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		ctx, done := e.trackCall(ctx, sess.ID, req.ID)
		defer done()
		return e.CallTool(ctx, sess, &params)
	case mcp.ResourcesListMethod:
		return e.ListResources(ctx, sess)
	case mcp.ResourcesReadMethod:
		var params mcp.ReadResourceRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return e.ReadResource(ctx, sess, &params)
	case mcp.PromptsListMethod:
		return e.ListPrompts(ctx, sess)
	case mcp.PromptsGetMethod:
		var params mcp.GetPromptRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return e.GetPrompt(ctx, sess, &params)
	}

	return nil, jsonrpc.Errorf(jsonrpc.ErrorCodeMethodNotFound, "method not found: %s", req.Method)
}

// HandleNotification processes a message that expects no response.
// Initialized notifications touch the session; cancellations abort the
// matching in-flight tool call. Anything else is ignored.
func (e *Engine) HandleNotification(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) error {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, Type: "notification"})
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod, mcp.InitializedMethod:
		if sess == nil {
			return nil
		}
		if err := e.sessions.Touch(ctx, sess.ID); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
			e.log.WarnContext(ctx, "engine.handle_notification.fail", slog.String("err", err.Error()))
			return err
		}
		return nil
	case mcp.CancelledNotificationMethod:
		if sess == nil {
			return nil
		}
		var params cancelledParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.RequestID.IsNil() {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid")
			return nil
		}
		if e.cancelCall(sess.ID, params.RequestID.String()) {
			e.log.InfoContext(ctx, "engine.handle_notification.cancelled", slog.String("request_id", params.RequestID.String()))
			return nil
		}
		e.forwardCancel(ctx, sess.ID, params.RequestID.String())
		return nil
	}
	e.log.DebugContext(ctx, "engine.handle_notification.ignored")
	return nil
}

// Ping touches the session when there is one. It is never rate limited.
func (e *Engine) Ping(ctx context.Context, sess *sessions.Session) error {
	if sess == nil {
		return nil
	}
	if err := e.sessions.Touch(ctx, sess.ID); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
		return err
	}
	return nil
}

// admit runs the rate-limit check for one call. The result is reported to
// any observer on ctx. A limiter backend failure admits the call.
func (e *Engine) admit(ctx context.Context, sess *sessions.Session, method mcp.Method, tool string) error {
	if e.limiter == nil {
		return nil
	}
	res, err := e.limiter.CheckAndConsume(ctx, ratelimit.Request{
		TenantID:  sess.TenantID,
		Operation: string(method),
		Tool:      tool,
	})
	if err != nil {
		e.log.WarnContext(ctx, "engine.ratelimit.fail", slog.String("err", err.Error()))
		return nil
	}
	ratelimit.Observe(ctx, res)
	if !res.Allowed {
		return jsonrpc.NewError(jsonrpc.ErrorCodeRateLimitExceeded, res.Err().Error(), res)
	}
	return nil
}

// touch refreshes the session, mapping an expired session to the protocol's
// session-expired error.
func (e *Engine) touch(ctx context.Context, sess *sessions.Session) error {
	return sessionErr(e.sessions.Touch(ctx, sess.ID))
}

func (e *Engine) increment(ctx context.Context, sess *sessions.Session, c sessions.Counter) error {
	_, err := e.sessions.IncrementUsage(ctx, sess.ID, c)
	return sessionErr(err)
}

func sessionErr(err error) error {
	if errors.Is(err, sessions.ErrSessionNotFound) {
		return jsonrpc.NewError(jsonrpc.ErrorCodeSessionExpired, "session expired", nil)
	}
	return err
}

func (e *Engine) startSpan(entry usage.Entry) *usage.Span {
	return usage.StartWithClock(entry, e.now)
}

func (e *Engine) sessionSpan(sess *sessions.Session, method mcp.Method, target string) *usage.Span {
	return e.startSpan(usage.Entry{
		SessionID: sess.ID,
		TenantID:  sess.TenantID,
		UserID:    sess.UserID,
		Method:    string(method),
		Target:    target,
	})
}

// record appends entry to the usage log. Failures are logged and never
// affect the call.
func (e *Engine) record(ctx context.Context, entry usage.Entry) {
	if e.usage == nil {
		return
	}
	if err := e.usage.Append(context.WithoutCancel(ctx), entry); err != nil {
		e.log.WarnContext(ctx, "engine.usage.fail", slog.String("err", err.Error()))
	}
}

func (e *Engine) trackCall(ctx context.Context, sessionID string, id *jsonrpc.RequestID) (context.Context, func()) {
	reqID := id.String()
	if reqID == "" {
		return ctx, func() {}
	}
	key := callKey{session: sessionID, request: reqID}
	callCtx, cancel := context.WithCancelCause(ctx)

	e.callsMu.Lock()
	e.calls[key] = cancel
	e.callsMu.Unlock()

	return callCtx, func() {
		e.callsMu.Lock()
		delete(e.calls, key)
		e.callsMu.Unlock()
		cancel(context.Canceled)
	}
}

func (e *Engine) cancelCall(sessionID, reqID string) bool {
	e.callsMu.Lock()
	cancel, ok := e.calls[callKey{session: sessionID, request: reqID}]
	e.callsMu.Unlock()
	if ok {
		cancel(ErrCancelled)
	}
	return ok
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "missing params", nil)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return jsonrpc.Errorf(jsonrpc.ErrorCodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}

func withSession(ctx context.Context, sess *sessions.Session) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID,
		TenantID:        sess.TenantID,
		UserID:          sess.UserID,
		ProtocolVersion: sess.ProtocolVersion,
	})
}

func identityOf(sess *sessions.Session) mcpservice.Identity {
	return mcpservice.Identity{TenantID: sess.TenantID, UserID: sess.UserID, SessionID: sess.ID}
}

func logRPCError(ctx context.Context, log *slog.Logger, rpcErr *jsonrpc.Error, dur time.Duration) {
	attrs := []any{slog.Int("code", int(rpcErr.Code)), slog.String("err", rpcErr.Message), slog.Int64("dur_ms", dur.Milliseconds())}
	switch rpcErr.Code {
	case jsonrpc.ErrorCodeInvalidParams, jsonrpc.ErrorCodeInvalidRequest:
		log.InfoContext(ctx, "engine.handle_request.invalid", attrs...)
	case jsonrpc.ErrorCodeMethodNotFound:
		log.InfoContext(ctx, "engine.handle_request.unsupported", attrs...)
	case jsonrpc.ErrorCodeInternalError:
		log.ErrorContext(ctx, "engine.handle_request.fail", attrs...)
	default:
		log.InfoContext(ctx, "engine.handle_request.rejected", attrs...)
	}
}
