package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/mcp-gateway/internal/engine"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/mcpservice"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/streaming"
)

const (
	maxLineBytes       = 4 << 20
	defaultMaxInFlight = 16
)

// Handler is a single-connection stdio transport that reads newline-delimited
// JSON-RPC messages and writes one JSON line per response. Streaming tool
// calls write one line per chunk, exactly as the HTTP transport does.
//
// The peer is not authenticated: every session is owned by the identity the
// handler was built with.
type Handler struct {
	mgr          *sessions.Manager
	reg          *mcpservice.Registry
	identity     mcpservice.Identity
	userProvider UserProvider
	l            *slog.Logger
	maxInFlight  int
	engineOpts   []engine.EngineOption
}

// New constructs a stdio Handler serving reg as identity.
func New(reg *mcpservice.Registry, mgr *sessions.Manager, identity mcpservice.Identity, opts ...Option) *Handler {
	h := &Handler{
		mgr:          mgr,
		reg:          reg,
		identity:     identity,
		userProvider: OSUserProvider{},
		l:            slog.Default(),
		maxInFlight:  defaultMaxInFlight,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// lockedWriter keeps each line written by concurrent requests intact.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (l *lockedWriter) writeJSONRPC(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = l.Write(append(b, '\n'))
	return err
}

// conn is the per-Serve state.
type conn struct {
	h   *Handler
	eng *engine.Engine
	log *slog.Logger
	out *lockedWriter

	mu   sync.Mutex
	sess *sessions.Session
}

func (c *conn) session() *sessions.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Serve runs the event loop until EOF on r or until ctx is cancelled. It
// waits for in-flight requests before returning and closes the session it
// opened.
func (h *Handler) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	if h.reg == nil || h.mgr == nil {
		return errors.New("stdio: registry and session manager are required")
	}
	identity := h.identity
	if identity.UserID == "" {
		uid, err := h.userProvider.CurrentUserID()
		if err != nil {
			return fmt.Errorf("stdio: resolve user: %w", err)
		}
		identity.UserID = uid
	}
	if identity.TenantID == "" {
		return errors.New("stdio: tenant id is required")
	}
	h.identity = identity

	log := logctx.NewLogger(h.l.Handler())
	c := &conn{
		h:   h,
		eng: engine.NewEngine(h.reg, h.mgr, append([]engine.EngineOption{engine.WithLogger(log)}, h.engineOpts...)...),
		log: log,
		out: &lockedWriter{w: w},
	}

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- bytes.Clone(line):
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.maxInFlight)
	log.InfoContext(ctx, "stdio.serve.start", slog.String("tenant_id", identity.TenantID), slog.String("user_id", identity.UserID))

	var loopErr error
loop:
	for {
		select {
		case <-ctx.Done():
			loopErr = ctx.Err()
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			c.handleLine(gctx, g, line)
		}
	}

	waitErr := g.Wait()
	if sess := c.session(); sess != nil {
		if err := h.mgr.Delete(context.WithoutCancel(ctx), sess.ID); err != nil {
			log.WarnContext(ctx, "stdio.session.close.fail", slog.String("err", err.Error()))
		}
	}
	if loopErr != nil {
		return loopErr
	}
	select {
	case err := <-readErr:
		if err != nil {
			return fmt.Errorf("stdio: read: %w", err)
		}
	default:
	}
	log.InfoContext(ctx, "stdio.serve.eof")
	return waitErr
}

func (c *conn) handleLine(ctx context.Context, g *errgroup.Group, line []byte) {
	if line[0] == '[' {
		c.writeError(ctx, nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidRequest, "batch requests are not supported", nil))
		return
	}
	if !json.Valid(line) {
		c.writeError(ctx, nil, jsonrpc.NewError(jsonrpc.ErrorCodeParseError, "parse error", nil))
		return
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.writeError(ctx, nil, jsonrpc.Errorf(jsonrpc.ErrorCodeInvalidRequest, "invalid request: %v", err))
		return
	}
	req := msg.AsRequest()
	if req == nil {
		c.log.DebugContext(ctx, "stdio.response.ignored")
		return
	}

	// Notifications and initialize run inline so that ordering with later
	// lines is preserved; everything else may run concurrently.
	if req.IsNotification() {
		if err := c.eng.HandleNotification(ctx, c.session(), req); err != nil {
			c.log.WarnContext(ctx, "stdio.notification.fail", slog.String("err", err.Error()))
		}
		return
	}
	if mcp.Method(req.Method) == mcp.InitializeMethod {
		c.initialize(ctx, req)
		return
	}

	sess := c.session()
	g.Go(func() error {
		c.handleRequest(ctx, sess, req)
		return nil
	})
}

func (c *conn) initialize(ctx context.Context, req *jsonrpc.Request) {
	if c.session() != nil {
		c.writeError(ctx, req.ID, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil))
		return
	}
	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.writeError(ctx, req.ID, jsonrpc.Errorf(jsonrpc.ErrorCodeInvalidParams, "invalid initialize params: %v", err))
			return
		}
	}

	sess, res, err := c.eng.Initialize(ctx, c.h.identity, &params)
	if err != nil {
		rpcErr, ok := jsonrpc.AsError(err)
		if !ok {
			rpcErr = jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "failed to initialize session", nil)
		}
		c.writeError(ctx, req.ID, rpcErr)
		return
	}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	resp, err := jsonrpc.NewResultResponse(req.ID, res)
	if err != nil {
		c.writeError(ctx, req.ID, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "failed to encode initialize response", nil))
		return
	}
	c.write(ctx, resp)
}

func (c *conn) handleRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) {
	if sess != nil && c.eng.WantsStream(req) {
		seq, err := c.eng.StreamRequest(ctx, sess, req)
		if err != nil {
			rpcErr, ok := jsonrpc.AsError(err)
			if !ok {
				rpcErr = jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "internal error", nil)
			}
			c.writeError(ctx, req.ID, rpcErr)
			return
		}
		id, _ := json.Marshal(req.ID)
		if err := streaming.NewResponse(id, seq, streaming.WithResponseLogger(c.log)).Render(ctx, c.out); err != nil {
			c.log.InfoContext(ctx, "stdio.stream.aborted", slog.String("err", err.Error()))
		}
		return
	}

	res, err := c.eng.HandleRequest(ctx, sess, req)
	if err != nil {
		c.log.ErrorContext(ctx, "stdio.request.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	c.write(ctx, res)
}

func (c *conn) writeError(ctx context.Context, id *jsonrpc.RequestID, rpcErr *jsonrpc.Error) {
	c.write(ctx, jsonrpc.NewErrorResponseFrom(id, rpcErr))
}

func (c *conn) write(ctx context.Context, res *jsonrpc.Response) {
	if err := c.out.writeJSONRPC(res); err != nil {
		c.log.WarnContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}
