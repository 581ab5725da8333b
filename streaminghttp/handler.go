package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/broker"
	"github.com/ggoodman/mcp-gateway/internal/engine"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/internal/wellknown"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/mcpservice"
	"github.com/ggoodman/mcp-gateway/ratelimit"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/streaming"
	"github.com/ggoodman/mcp-gateway/usage"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType   = contenttype.NewMediaType("application/json")
	ndjsonMediaType = contenttype.NewMediaType(streaming.ContentType)

	responseMediaTypes = []contenttype.MediaType{jsonMediaType, ndjsonMediaType}
	streamMediaTypes   = []contenttype.MediaType{ndjsonMediaType}
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"

	rateLimitLimitHeader     = "X-RateLimit-Limit"
	rateLimitRemainingHeader = "X-RateLimit-Remaining"
	rateLimitResetHeader     = "X-RateLimit-Reset"
	retryAfterHeader         = "Retry-After"

	defaultPath         = "/mcp"
	defaultMaxBodyBytes = 4 << 20
)

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	path         string
	logger       *slog.Logger
	realm        string
	scope        string
	maxBodyBytes int64
	engineOpts   []engine.EngineOption
	resource     *wellknown.ProtectedResourceMetadata
	relay        bool
}

// WithPath sets the URL path the handler serves. Defaults to "/mcp".
func WithPath(path string) Option {
	return func(c *newConfig) {
		if path != "" {
			c.path = "/" + strings.TrimLeft(path, "/")
		}
	}
}

// WithLogger sets the logger used by the handler and its engine. If not
// provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithChallengeScope sets the scope named in insufficient_scope challenges.
func WithChallengeScope(scope string) Option {
	return func(c *newConfig) { c.scope = scope }
}

// WithMaxBodyBytes caps the size of a request body.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// WithProtectedResource publishes OAuth protected resource metadata for the
// public endpoint URL resource, naming the authorization servers that issue
// its tokens. Challenges then point clients at the metadata document.
func WithProtectedResource(resource string, authorizationServers []string, scopes ...string) Option {
	return func(c *newConfig) {
		c.resource = &wellknown.ProtectedResourceMetadata{
			Resource:             resource,
			AuthorizationServers: authorizationServers,
			ScopesSupported:      scopes,
		}
	}
}

// WithCancelBroker shares client cancellations with other gateway instances
// through b, so a cancellation reaches a call running on any of them.
func WithCancelBroker(b broker.Broker) Option {
	return func(c *newConfig) {
		if b != nil {
			c.engineOpts = append(c.engineOpts, engine.WithCancelBroker(b))
			c.relay = true
		}
	}
}

// WithRateLimiter enforces per-tenant rate limits on every call.
func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(c *newConfig) { c.engineOpts = append(c.engineOpts, engine.WithRateLimiter(l)) }
}

// WithUsageLog records one usage entry per call.
func WithUsageLog(l usage.Log) Option {
	return func(c *newConfig) { c.engineOpts = append(c.engineOpts, engine.WithUsageLog(l)) }
}

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(c *newConfig) { c.engineOpts = append(c.engineOpts, engine.WithServerInfo(info)) }
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(s string) Option {
	return func(c *newConfig) { c.engineOpts = append(c.engineOpts, engine.WithInstructions(s)) }
}

// StreamingHTTPHandler serves the protocol over HTTP POST. Each request
// carries one JSON-RPC message; the reply is either a single JSON object or,
// for streaming tool calls, a newline-delimited stream of JSON-RPC
// responses.
type StreamingHTTPHandler struct {
	mux          *http.ServeMux
	log          *slog.Logger
	auth         auth.Authenticator
	eng          *engine.Engine
	sessions     *sessions.Manager
	realm        string
	scope        string
	maxBodyBytes int64

	// resourceMetadata is the absolute URL of the protected resource
	// metadata document, if one is published.
	resourceMetadata string
}

// New constructs a StreamingHTTPHandler serving reg, with sessions kept by
// mgr and callers authenticated by authenticator. The session sweep runs
// until ctx is done.
func New(ctx context.Context, reg *mcpservice.Registry, mgr *sessions.Manager, authenticator auth.Authenticator, opts ...Option) (*StreamingHTTPHandler, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if mgr == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	cfg := &newConfig{path: defaultPath, logger: slog.Default(), maxBodyBytes: defaultMaxBodyBytes}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	log := logctx.NewLogger(cfg.logger.Handler())
	engineOpts := append([]engine.EngineOption{engine.WithLogger(log)}, cfg.engineOpts...)

	h := &StreamingHTTPHandler{
		log:          log,
		auth:         authenticator,
		eng:          engine.NewEngine(reg, mgr, engineOpts...),
		sessions:     mgr,
		realm:        cfg.realm,
		scope:        cfg.scope,
		maxBodyBytes: cfg.maxBodyBytes,
	}

	mgr.Start(ctx)
	if cfg.relay {
		go func() {
			if err := h.eng.RelayCancellations(ctx); err != nil {
				log.ErrorContext(ctx, "http.cancel_relay.stop", slog.String("err", err.Error()))
			}
		}()
	}

	mux := http.NewServeMux()
	if cfg.resource != nil {
		u, err := wellknown.MetadataURL(cfg.resource.Resource)
		if err != nil {
			return nil, err
		}
		mux.Handle("GET "+u.Path, wellknown.Handler(*cfg.resource))
		h.resourceMetadata = u.String()
	}
	mux.HandleFunc("POST "+cfg.path, h.handlePostMCP)
	mux.HandleFunc("DELETE "+cfg.path, h.handleDeleteMCP)
	mux.HandleFunc(cfg.path, h.handleMethodNotAllowed)
	h.mux = mux
	return h, nil
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *StreamingHTTPHandler) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "POST, DELETE")
	writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	h.log.InfoContext(r.Context(), "http.method.unsupported")
}

// handleDeleteMCP terminates the caller's session.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing Mcp-Session-Id header")
		h.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}

	sess, err := h.sessions.Restore(ctx, sessID, userInfo.TenantID(), userInfo.UserID())
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.delete.miss")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}
	ctx = sessionContext(ctx, sess)

	if err := h.sessions.Delete(ctx, sess.ID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to delete session")
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// handlePostMCP handles one JSON-RPC message posted by the client.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, responseMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow application/json or application/x-ndjson")
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}
	_, _, streamErr := contenttype.GetAcceptableMediaType(r, streamMediaTypes)
	canStream := streamErr == nil

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		writeRPCError(w, http.StatusRequestEntityTooLarge, nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidRequest, "request body too large", nil))
		h.log.WarnContext(ctx, "http.body.fail", slog.String("err", err.Error()))
		return
	}
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) > 0 && raw[0] == '[' {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidRequest, "batch requests are not supported", nil))
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	if !json.Valid(raw) {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.NewError(jsonrpc.ErrorCodeParseError, "parse error", nil))
		h.log.WarnContext(ctx, "jsonrpc.message.unparseable")
		return
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.Errorf(jsonrpc.ErrorCodeInvalidRequest, "invalid request: %v", err))
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	req := msg.AsRequest()
	if req == nil {
		// Responses from the client have nothing to correlate with.
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "jsonrpc.response.ignored")
		return
	}

	// Rate-limit results land in the response headers before the status line.
	ctx = ratelimit.WithObserver(ctx, func(res ratelimit.Result) { setRateLimitHeaders(w.Header(), res) })

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		if mcp.Method(req.Method) == mcp.PingMethod && !req.IsNotification() {
			h.respond(ctx, w, nil, req, start)
			return
		}
		if mcp.Method(req.Method) != mcp.InitializeMethod || req.IsNotification() {
			writeRPCError(w, http.StatusBadRequest, req.ID, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidRequest, "missing Mcp-Session-Id header", nil))
			h.log.InfoContext(ctx, "session.header.missing")
			return
		}
		h.initialize(ctx, w, userInfo, req, start)
		return
	}

	sess, err := h.sessions.Restore(ctx, sessID, userInfo.TenantID(), userInfo.UserID())
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeRPCError(w, http.StatusNotFound, req.ID, jsonrpc.NewError(jsonrpc.ErrorCodeSessionExpired, "session not found", nil))
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		writeRPCError(w, http.StatusInternalServerError, req.ID, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "failed to load session", nil))
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}
	ctx = sessionContext(ctx, sess)

	clientPV := r.Header.Get(mcpProtocolVersionHeader)
	if clientPV != "" && clientPV != sess.ProtocolVersion {
		writeRPCError(w, http.StatusBadRequest, req.ID, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidRequest, "protocol version mismatch", nil))
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", clientPV))
		return
	}
	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)

	if req.IsNotification() {
		if err := h.eng.HandleNotification(ctx, sess, req); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			h.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	if canStream && h.eng.WantsStream(req) {
		h.stream(ctx, w, sess, req, start)
		return
	}

	h.respond(ctx, w, sess, req, start)
}

// respond runs a plain request through the engine and writes its response.
// sess may be nil for methods that need no session.
func (h *StreamingHTTPHandler) respond(ctx context.Context, w http.ResponseWriter, sess *sessions.Session, req *jsonrpc.Request, start time.Time) {
	res, err := h.eng.HandleRequest(ctx, sess, req)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	h.writeResponse(ctx, w, res)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

func (h *StreamingHTTPHandler) initialize(ctx context.Context, w http.ResponseWriter, userInfo auth.UserInfo, req *jsonrpc.Request, start time.Time) {
	var initReq mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			writeRPCError(w, http.StatusBadRequest, req.ID, jsonrpc.Errorf(jsonrpc.ErrorCodeInvalidParams, "invalid initialize params: %v", err))
			h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
			return
		}
	}

	caller := mcpservice.Identity{TenantID: userInfo.TenantID(), UserID: userInfo.UserID()}
	sess, initRes, err := h.eng.Initialize(ctx, caller, &initReq)
	if err != nil {
		if rpcErr, ok := jsonrpc.AsError(err); ok {
			writeRPCError(w, http.StatusBadRequest, req.ID, rpcErr)
			return
		}
		writeRPCError(w, http.StatusInternalServerError, req.ID, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "failed to initialize session", nil))
		return
	}
	ctx = sessionContext(ctx, sess)

	resp, err := jsonrpc.NewResultResponse(req.ID, initRes)
	if err != nil {
		writeRPCError(w, http.StatusInternalServerError, req.ID, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "failed to encode initialize response", nil))
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}
	w.Header().Set(mcpSessionIDHeader, sess.ID)
	w.Header().Set(mcpProtocolVersionHeader, initRes.ProtocolVersion)
	h.writeResponse(ctx, w, resp)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

func (h *StreamingHTTPHandler) stream(ctx context.Context, w http.ResponseWriter, sess *sessions.Session, req *jsonrpc.Request, start time.Time) {
	seq, err := h.eng.StreamRequest(ctx, sess, req)
	if err != nil {
		rpcErr, ok := jsonrpc.AsError(err)
		if !ok {
			rpcErr = jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
		h.writeResponse(ctx, w, jsonrpc.NewErrorResponseFrom(req.ID, rpcErr))
		return
	}

	id, _ := json.Marshal(req.ID)
	resp := streaming.NewResponse(id, seq, streaming.WithResponseLogger(h.log))
	resp.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	if err := resp.Render(ctx, w); err != nil {
		h.log.InfoContext(ctx, "http.stream.aborted", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return
	}
	h.log.InfoContext(ctx, "http.stream.ok", slog.Duration("dur", time.Since(start)))
}

func (h *StreamingHTTPHandler) writeResponse(ctx context.Context, w http.ResponseWriter, res *jsonrpc.Response) {
	status := http.StatusOK
	if res.Error != nil {
		status = statusForCode(res.Error.Code)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
	}
}

// checkAuthentication returns the caller, or writes a challenge and returns
// nil.
func (h *StreamingHTTPHandler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		ch := auth.NewAuthenticationRequired(h.realm)
		h.setChallenge(w, ch)
		writeRPCError(w, ch.Status, nil, jsonrpc.NewError(jsonrpc.ErrorCodeAuthRequired, "authentication required", nil))
		h.log.InfoContext(ctx, "auth.fail", slog.String("reason", "missing credentials"))
		return nil
	}

	scheme, tok, ok := strings.Cut(authHeader, " ")
	tok = strings.TrimSpace(tok)
	if !ok || !strings.EqualFold(scheme, "Bearer") || tok == "" {
		ch := auth.NewInvalidTokenChallenge(h.realm, "Invalid Authorization header")
		h.setChallenge(w, ch)
		writeRPCError(w, ch.Status, nil, jsonrpc.NewError(jsonrpc.ErrorCodeAuthRequired, "authentication required", nil))
		h.log.InfoContext(ctx, "auth.fail", slog.String("reason", "malformed header"))
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		ch := auth.ChallengeFor(h.realm, h.scope, err)
		h.setChallenge(w, ch)
		rpcErr := jsonrpc.NewError(jsonrpc.ErrorCodeAuthRequired, "invalid token", nil)
		if errors.Is(err, auth.ErrInsufficientScope) {
			rpcErr = jsonrpc.NewError(jsonrpc.ErrorCodeAuthorizationFailed, "insufficient scope", nil)
		}
		writeRPCError(w, ch.Status, nil, rpcErr)
		h.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
		return nil
	}
	if userInfo.TenantID() == "" || userInfo.UserID() == "" {
		ch := auth.NewInvalidTokenChallenge(h.realm, "Token does not identify a tenant and user")
		h.setChallenge(w, ch)
		writeRPCError(w, ch.Status, nil, jsonrpc.NewError(jsonrpc.ErrorCodeAuthRequired, "invalid token", nil))
		h.log.InfoContext(ctx, "auth.fail", slog.String("reason", "missing identity"))
		return nil
	}
	return userInfo
}

func (h *StreamingHTTPHandler) setChallenge(w http.ResponseWriter, ch *auth.Challenge) {
	v := ch.WWWAuthenticate
	if h.resourceMetadata != "" {
		v += fmt.Sprintf(`, resource_metadata="%s"`, h.resourceMetadata)
	}
	w.Header().Set(wwwAuthenticateHeader, v)
}

func sessionContext(ctx context.Context, sess *sessions.Session) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID,
		TenantID:        sess.TenantID,
		UserID:          sess.UserID,
		ProtocolVersion: sess.ProtocolVersion,
	})
}

func setRateLimitHeaders(h http.Header, res ratelimit.Result) {
	h.Set(rateLimitLimitHeader, strconv.Itoa(res.Limit))
	h.Set(rateLimitRemainingHeader, strconv.Itoa(res.Remaining))
	h.Set(rateLimitResetHeader, strconv.Itoa(res.ResetSeconds))
	if res.Allowed {
		h.Del(retryAfterHeader)
		return
	}
	h.Set(retryAfterHeader, strconv.Itoa(max(res.RetryAfter, 1)))
}

func statusForCode(code jsonrpc.ErrorCode) int {
	switch code {
	case jsonrpc.ErrorCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case jsonrpc.ErrorCodeSessionExpired:
		return http.StatusNotFound
	case jsonrpc.ErrorCodeAuthRequired:
		return http.StatusUnauthorized
	case jsonrpc.ErrorCodeAuthorizationFailed:
		return http.StatusForbidden
	case jsonrpc.ErrorCodeParseError:
		return http.StatusBadRequest
	}
	return http.StatusOK
}

// writeRPCError writes a JSON-RPC error envelope with the given HTTP status.
// A nil id is rendered as null.
func writeRPCError(w http.ResponseWriter, status int, id *jsonrpc.RequestID, rpcErr *jsonrpc.Error) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponseFrom(id, rpcErr))
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// happen before a JSON-RPC exchange is possible.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
