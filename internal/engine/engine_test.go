package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	memorybroker "github.com/ggoodman/mcp-gateway/broker/memory"
	"github.com/ggoodman/mcp-gateway/internal/engine"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/mcpservice"
	"github.com/ggoodman/mcp-gateway/ratelimit"
	"github.com/ggoodman/mcp-gateway/ratelimit/memorystore"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/sessions/memoryhost"
	"github.com/ggoodman/mcp-gateway/storage/memory"
	"github.com/ggoodman/mcp-gateway/streaming"
	"github.com/ggoodman/mcp-gateway/usage"
)

var caller = mcpservice.Identity{TenantID: "t1", UserID: "u1"}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	eng   *engine.Engine
	reg   *mcpservice.Registry
	mgr   *sessions.Manager
	usage *usage.MemoryLog
	clock *clock
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T, opts ...engine.EngineOption) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2025, 6, 18, 12, 0, 0, 0, time.UTC)}
	reg := mcpservice.NewRegistry()
	mgr := sessions.NewManager(memoryhost.New(), sessions.WithClock(c.Now), sessions.WithTTL(time.Minute), sessions.WithLogger(discard()))
	log := usage.NewMemoryLog(100)
	opts = append([]engine.EngineOption{engine.WithLogger(discard()), engine.WithUsageLog(log), engine.WithClock(c.Now)}, opts...)
	return &fixture{eng: engine.NewEngine(reg, mgr, opts...), reg: reg, mgr: mgr, usage: log, clock: c}
}

func (f *fixture) initialize(t *testing.T) *sessions.Session {
	t.Helper()
	sess, _, err := f.eng.Initialize(context.Background(), caller, &mcp.InitializeRequest{
		ProtocolVersion: "2024-11-05",
		ClientInfo:      mcp.ImplementationInfo{Name: "agent", Version: "1"},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return sess
}

func request(t *testing.T, id any, method string, params any) *jsonrpc.Request {
	t.Helper()
	var rid *jsonrpc.RequestID
	if id != nil {
		rid = jsonrpc.NewRequestID(id)
	}
	req, err := jsonrpc.NewRequest(rid, method, params)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func (f *fixture) call(t *testing.T, sess *sessions.Session, method string, params any) *jsonrpc.Response {
	t.Helper()
	res, err := f.eng.HandleRequest(context.Background(), sess, request(t, 1, method, params))
	if err != nil {
		t.Fatalf("HandleRequest(%s): %v", method, err)
	}
	return res
}

func decodeResult[T any](t *testing.T, res *jsonrpc.Response) T {
	t.Helper()
	var v T
	if res.Error != nil {
		t.Fatalf("unexpected error response: %+v", res.Error)
	}
	if err := json.Unmarshal(res.Result, &v); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return v
}

func expectCode(t *testing.T, res *jsonrpc.Response, code jsonrpc.ErrorCode) *jsonrpc.Error {
	t.Helper()
	if res.Error == nil {
		t.Fatalf("expected error %d, got result %s", code, res.Result)
	}
	if res.Error.Code != code {
		t.Fatalf("expected error %d, got %d (%s)", code, res.Error.Code, res.Error.Message)
	}
	return res.Error
}

type getOrderArgs struct {
	OrderID string `json:"order_id" validate:"required"`
}

func TestInitialize(t *testing.T) {
	f := newFixture(t, engine.WithServerInfo(mcp.ImplementationInfo{Name: "shop", Version: "2"}), engine.WithInstructions("be nice"))
	ctx := context.Background()

	cases := []struct {
		requested string
		want      string
	}{
		{"2024-11-05", "2024-11-05"},
		{"2025-03-26", "2025-03-26"},
		{"2099-01-01", mcp.LatestProtocolVersion},
	}
	for _, tc := range cases {
		t.Run(tc.requested, func(t *testing.T) {
			sess, res, err := f.eng.Initialize(ctx, caller, &mcp.InitializeRequest{ProtocolVersion: tc.requested})
			if err != nil {
				t.Fatalf("Initialize: %v", err)
			}
			if res.ProtocolVersion != tc.want || sess.ProtocolVersion != tc.want {
				t.Fatalf("expected %s, got result=%s session=%s", tc.want, res.ProtocolVersion, sess.ProtocolVersion)
			}
			if sess.TenantID != "t1" || sess.UserID != "u1" {
				t.Fatalf("session not bound to caller: %+v", sess)
			}
			if res.ServerInfo.Name != "shop" || res.Instructions != "be nice" {
				t.Fatalf("unexpected server info %+v", res)
			}
			if res.Capabilities.Tools == nil || res.Capabilities.Resources == nil || res.Capabilities.Prompts == nil {
				t.Fatalf("capabilities not advertised: %+v", res.Capabilities)
			}
		})
	}

	t.Run("unsupported", func(t *testing.T) {
		_, _, err := f.eng.Initialize(ctx, caller, &mcp.InitializeRequest{ProtocolVersion: "2020-01-01"})
		rpcErr, ok := jsonrpc.AsError(err)
		if !ok || rpcErr.Code != jsonrpc.ErrorCodeUnsupportedVersion {
			t.Fatalf("expected unsupported version error, got %v", err)
		}
		data, _ := rpcErr.Data.(map[string]any)
		if supported, _ := data["supported"].([]string); !slices.Equal(supported, mcp.SupportedProtocolVersions()) {
			t.Fatalf("expected supported versions in data, got %+v", rpcErr.Data)
		}
	})
}

func TestCallToolInjectsIdentity(t *testing.T) {
	f := newFixture(t)

	var got map[string]any
	err := f.reg.RegisterTool(mcpservice.NewTool("get_order", func(ctx context.Context, req mcpservice.ToolRequest, args getOrderArgs) (*mcp.CallToolResult, error) {
		got = req.Arguments
		return mcpservice.TextResult("order " + args.OrderID), nil
	}))
	if err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}

	sess := f.initialize(t)
	if sess.ProtocolVersion != "2024-11-05" {
		t.Fatalf("expected 2024-11-05, got %s", sess.ProtocolVersion)
	}

	res := decodeResult[mcp.CallToolResult](t, f.call(t, sess, "tools/call", map[string]any{
		"name": "get_order",
		"arguments": map[string]any{
			"order_id":  "o1",
			"_tenantId": "forged",
			"_userId":   "mallory",
		},
	}))
	if res.IsError {
		t.Fatalf("unexpected error result %+v", res)
	}
	if res.Content[0].Text != "order o1" {
		t.Fatalf("unexpected content %+v", res.Content)
	}
	if got[mcpservice.TenantIDArg] != "t1" || got[mcpservice.UserIDArg] != "u1" || got["order_id"] != "o1" {
		t.Fatalf("identity not injected: %+v", got)
	}

	stored, err := f.mgr.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Usage.ToolCalls != 1 {
		t.Fatalf("expected tool call counter 1, got %d", stored.Usage.ToolCalls)
	}

	entries, _ := f.usage.Recent(context.Background(), "t1", 1)
	if len(entries) != 1 {
		t.Fatalf("expected a usage entry")
	}
	if e := entries[0]; e.Method != "tools/call" || e.Target != "get_order" || !e.Success || e.SessionID != sess.ID {
		t.Fatalf("unexpected usage entry %+v", e)
	}
}

func TestCallToolFailsSoft(t *testing.T) {
	f := newFixture(t)
	schema := mcp.ToolInputSchema{
		Type:       "object",
		Properties: map[string]mcp.SchemaProperty{"n": {Type: "integer"}},
		Required:   []string{"n"},
	}
	err := f.reg.RegisterTool(
		mcpservice.Tool{
			Descriptor: mcp.Tool{Name: "boom", InputSchema: schema},
			Call: func(context.Context, mcpservice.ToolRequest) (*mcp.CallToolResult, error) {
				return nil, errors.New("database unavailable")
			},
		},
		mcpservice.Tool{
			Descriptor: mcp.Tool{Name: "panics", InputSchema: mcp.ToolInputSchema{Type: "object", AdditionalProperties: true}},
			Call: func(context.Context, mcpservice.ToolRequest) (*mcp.CallToolResult, error) {
				panic("nil map")
			},
		},
	)
	if err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	sess := f.initialize(t)

	cases := []struct {
		name   string
		params map[string]any
		want   string
	}{
		{"unknown tool", map[string]any{"name": "nope"}, "tool not found"},
		{"handler error", map[string]any{"name": "boom", "arguments": map[string]any{"n": 1}}, "database unavailable"},
		{"handler panic", map[string]any{"name": "panics"}, "panicked"},
		{"missing argument", map[string]any{"name": "boom"}, "missing required argument"},
		{"wrong type", map[string]any{"name": "boom", "arguments": map[string]any{"n": "x"}}, "expected integer"},
		{"undeclared argument", map[string]any{"name": "boom", "arguments": map[string]any{"n": 1, "m": 2}}, "unexpected argument"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := decodeResult[mcp.CallToolResult](t, f.call(t, sess, "tools/call", tc.params))
			if !res.IsError {
				t.Fatalf("expected isError result")
			}
			if !strings.Contains(res.Content[0].Text, tc.want) {
				t.Fatalf("expected %q in %q", tc.want, res.Content[0].Text)
			}
			entries, _ := f.usage.Recent(context.Background(), "t1", 1)
			if entries[0].Success || entries[0].Error == "" {
				t.Fatalf("usage entry should record the failure: %+v", entries[0])
			}
		})
	}

	expectCode(t, f.call(t, sess, "tools/call", map[string]any{"arguments": map[string]any{}}), jsonrpc.ErrorCodeInvalidParams)
}

func registerReport(t *testing.T, reg *mcpservice.Registry) {
	t.Helper()
	err := reg.RegisterTool(mcpservice.Tool{
		Descriptor: mcp.Tool{Name: "generate_report", InputSchema: mcp.ToolInputSchema{Type: "object", AdditionalProperties: true}},
		Streaming:  true,
		Stream: func(ctx context.Context, req mcpservice.ToolRequest) streaming.Seq {
			return func(yield func(mcp.StreamingChunk) bool) {
				if !yield(streaming.Progress(50, "halfway", 1, 2)) {
					return
				}
				if !yield(streaming.Partial(0, streaming.Text("a"))) {
					return
				}
				if !yield(streaming.Partial(1, streaming.Text("b"))) {
					return
				}
				yield(streaming.Complete(mcpservice.TextResult("report for " + req.Identity.TenantID)))
			}
		},
	})
	if err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
}

func TestCallToolStreaming(t *testing.T) {
	f := newFixture(t)
	registerReport(t, f.reg)
	if err := f.reg.RegisterTool(mcpservice.Tool{
		Descriptor: mcp.Tool{Name: "get_order", InputSchema: mcp.ToolInputSchema{Type: "object", AdditionalProperties: true}},
		Call: func(context.Context, mcpservice.ToolRequest) (*mcp.CallToolResult, error) {
			return mcpservice.TextResult("o1"), nil
		},
	}); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	sess := f.initialize(t)
	ctx := context.Background()

	if !f.eng.ShouldStream("generate_report") || f.eng.ShouldStream("get_order") {
		t.Fatalf("ShouldStream should follow the registered flag")
	}
	if !f.eng.ShouldStream("export_orders") {
		t.Fatalf("unregistered long-running tools should stream")
	}

	t.Run("streaming tool", func(t *testing.T) {
		seq, err := f.eng.CallToolStreaming(ctx, sess, &mcp.CallToolRequest{Name: "generate_report"})
		if err != nil {
			t.Fatalf("CallToolStreaming: %v", err)
		}
		chunks := slices.Collect(seq)
		var types []mcp.ChunkType
		for _, c := range chunks {
			types = append(types, c.Type)
		}
		want := []mcp.ChunkType{mcp.ChunkTypeProgress, mcp.ChunkTypePartial, mcp.ChunkTypePartial, mcp.ChunkTypeComplete}
		if !slices.Equal(types, want) {
			t.Fatalf("expected %v, got %v", want, types)
		}
		if got := chunks[3].Complete.Content[0].Text; got != "report for t1" {
			t.Fatalf("unexpected final result %q", got)
		}
	})

	t.Run("aggregated", func(t *testing.T) {
		res, err := f.eng.CallTool(ctx, sess, &mcp.CallToolRequest{Name: "generate_report"})
		if err != nil {
			t.Fatalf("CallTool: %v", err)
		}
		if len(res.Content) != 1 || res.Content[0].Text != "report for t1" {
			t.Fatalf("complete chunk should win, got %+v", res.Content)
		}
	})

	t.Run("non-streaming tool", func(t *testing.T) {
		seq, err := f.eng.CallToolStreaming(ctx, sess, &mcp.CallToolRequest{Name: "get_order"})
		if err != nil {
			t.Fatalf("CallToolStreaming: %v", err)
		}
		chunks := slices.Collect(seq)
		if len(chunks) != 1 || chunks[0].Type != mcp.ChunkTypeComplete || chunks[0].Complete.Content[0].Text != "o1" {
			t.Fatalf("expected one complete chunk, got %+v", chunks)
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		seq, err := f.eng.CallToolStreaming(ctx, sess, &mcp.CallToolRequest{Name: "nope"})
		if err != nil {
			t.Fatalf("CallToolStreaming: %v", err)
		}
		chunks := slices.Collect(seq)
		if len(chunks) != 1 || !chunks[0].Complete.IsError {
			t.Fatalf("expected a single isError complete chunk, got %+v", chunks)
		}
	})

	stored, _ := f.mgr.Get(ctx, sess.ID)
	if stored.Usage.ToolCalls != 3 {
		t.Fatalf("expected 3 tool calls counted, got %d", stored.Usage.ToolCalls)
	}
}

func TestCallToolStreamingHandlerError(t *testing.T) {
	f := newFixture(t)
	if err := f.reg.RegisterTool(mcpservice.Tool{
		Descriptor: mcp.Tool{Name: "get_order", InputSchema: mcp.ToolInputSchema{Type: "object", AdditionalProperties: true}},
		Call: func(context.Context, mcpservice.ToolRequest) (*mcp.CallToolResult, error) {
			return nil, errors.New("lookup failed")
		},
	}); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	sess := f.initialize(t)

	seq, err := f.eng.CallToolStreaming(context.Background(), sess, &mcp.CallToolRequest{Name: "get_order"})
	if err != nil {
		t.Fatalf("CallToolStreaming: %v", err)
	}
	chunks := slices.Collect(seq)
	if len(chunks) != 1 || chunks[0].Type != mcp.ChunkTypeError {
		t.Fatalf("expected one error chunk, got %+v", chunks)
	}
	if chunks[0].Error.Code != int(jsonrpc.ErrorCodeToolExecution) {
		t.Fatalf("expected tool execution code, got %d", chunks[0].Error.Code)
	}
	entries, _ := f.usage.Recent(context.Background(), "t1", 1)
	if entries[0].Success || entries[0].Error != "lookup failed" {
		t.Fatalf("unexpected usage entry %+v", entries[0])
	}
}

func TestResourcesAndPrompts(t *testing.T) {
	f := newFixture(t)
	var seen mcpservice.Identity
	if err := f.reg.RegisterResource(mcpservice.Resource{
		Descriptor: mcp.Resource{URI: "shop://info", Name: "shop", MimeType: "application/json"},
		Handler: func(_ context.Context, req mcpservice.ResourceRequest) (*mcp.ResourceContents, error) {
			seen = req.Identity
			return &mcp.ResourceContents{Text: `{"name":"acme"}`}, nil
		},
	}); err != nil {
		t.Fatalf("RegisterResource: %v", err)
	}
	if err := f.reg.RegisterPrompt(mcpservice.Prompt{
		Descriptor: mcp.Prompt{Name: "summary", Description: "Summarize", Arguments: []mcp.PromptArgument{{Name: "order_id", Required: true}}},
		Handler: func(_ context.Context, req mcpservice.PromptRequest) ([]mcp.PromptMessage, error) {
			return []mcp.PromptMessage{{Role: mcp.RoleUser, Content: mcp.ContentBlock{Type: mcp.ContentTypeText, Text: "Summarize " + req.Arguments["order_id"]}}}, nil
		},
	}); err != nil {
		t.Fatalf("RegisterPrompt: %v", err)
	}
	sess := f.initialize(t)

	list := decodeResult[mcp.ListResourcesResult](t, f.call(t, sess, "resources/list", nil))
	if len(list.Resources) != 1 || list.Resources[0].URI != "shop://info" {
		t.Fatalf("unexpected resources %+v", list)
	}

	read := decodeResult[mcp.ReadResourceResult](t, f.call(t, sess, "resources/read", map[string]any{"uri": "shop://info"}))
	if len(read.Contents) != 1 || read.Contents[0].URI != "shop://info" || read.Contents[0].MimeType != "application/json" {
		t.Fatalf("unexpected contents %+v", read)
	}
	if seen.TenantID != "t1" || seen.UserID != "u1" || seen.SessionID != sess.ID {
		t.Fatalf("resource handler got identity %+v", seen)
	}
	expectCode(t, f.call(t, sess, "resources/read", map[string]any{"uri": "shop://missing"}), jsonrpc.ErrorCodeResourceNotFound)

	prompts := decodeResult[mcp.ListPromptsResult](t, f.call(t, sess, "prompts/list", nil))
	if len(prompts.Prompts) != 1 {
		t.Fatalf("unexpected prompts %+v", prompts)
	}
	got := decodeResult[mcp.GetPromptResult](t, f.call(t, sess, "prompts/get", map[string]any{"name": "summary", "arguments": map[string]string{"order_id": "o1"}}))
	if got.Description != "Summarize" || got.Messages[0].Content.Text != "Summarize o1" {
		t.Fatalf("unexpected prompt %+v", got)
	}
	expectCode(t, f.call(t, sess, "prompts/get", map[string]any{"name": "summary"}), jsonrpc.ErrorCodeInvalidParams)
	expectCode(t, f.call(t, sess, "prompts/get", map[string]any{"name": "missing"}), jsonrpc.ErrorCodeResourceNotFound)

	stored, _ := f.mgr.Get(context.Background(), sess.ID)
	if stored.Usage.ResourceReads != 1 || stored.Usage.PromptGets != 1 || stored.Usage.ToolCalls != 0 {
		t.Fatalf("unexpected counters %+v", stored.Usage)
	}
}

func TestDispatchErrors(t *testing.T) {
	f := newFixture(t)
	sess := f.initialize(t)

	expectCode(t, f.call(t, sess, "initialize", map[string]any{"protocolVersion": "2025-06-18"}), jsonrpc.ErrorCodeInvalidRequest)
	expectCode(t, f.call(t, sess, "sampling/createMessage", nil), jsonrpc.ErrorCodeMethodNotFound)
	expectCode(t, f.call(t, sess, "tools/call", nil), jsonrpc.ErrorCodeInvalidParams)
	expectCode(t, f.call(t, nil, "tools/list", nil), jsonrpc.ErrorCodeSessionExpired)

	if res := f.call(t, nil, "ping", nil); res.Error != nil {
		t.Fatalf("ping without a session should succeed, got %+v", res.Error)
	}
}

func TestExpiredSession(t *testing.T) {
	f := newFixture(t)
	sess := f.initialize(t)

	f.clock.Advance(30 * time.Second)
	if res := f.call(t, sess, "ping", nil); res.Error != nil {
		t.Fatalf("ping: %+v", res.Error)
	}
	f.clock.Advance(45 * time.Second)
	if res := f.call(t, sess, "tools/list", nil); res.Error != nil {
		t.Fatalf("ping should have kept the session alive: %+v", res.Error)
	}

	f.clock.Advance(time.Minute + time.Second)
	expectCode(t, f.call(t, sess, "tools/list", nil), jsonrpc.ErrorCodeSessionExpired)
	if _, err := f.mgr.Get(context.Background(), sess.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected session to be gone, got %v", err)
	}
}

func TestRateLimit(t *testing.T) {
	configs, err := memory.New(10)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { _ = configs.Close() })
	limiter := ratelimit.NewWindowLimiter(memorystore.New(), configs,
		ratelimit.WithDefaultConfig(ratelimit.Config{Limit: 2, Window: ratelimit.Duration(time.Minute)}))

	f := newFixture(t, engine.WithRateLimiter(limiter))
	sess := f.initialize(t)

	var observed []ratelimit.Result
	ctx := ratelimit.WithObserver(context.Background(), func(r ratelimit.Result) { observed = append(observed, r) })
	list := func() *jsonrpc.Response {
		res, err := f.eng.HandleRequest(ctx, sess, request(t, "x", "tools/list", nil))
		if err != nil {
			t.Fatalf("HandleRequest: %v", err)
		}
		return res
	}

	for i := 0; i < 2; i++ {
		if res := list(); res.Error != nil {
			t.Fatalf("call %d denied: %+v", i+1, res.Error)
		}
	}
	rpcErr := expectCode(t, list(), jsonrpc.ErrorCodeRateLimitExceeded)
	data, ok := rpcErr.Data.(ratelimit.Result)
	if !ok || data.Allowed || data.RetryAfter <= 0 || data.Limit != 2 {
		t.Fatalf("unexpected rate limit data %+v", rpcErr.Data)
	}
	if len(observed) != 3 || observed[0].Remaining != 1 || observed[2].Allowed {
		t.Fatalf("unexpected observed results %+v", observed)
	}

	if res, _ := f.eng.HandleRequest(ctx, sess, request(t, "p", "ping", nil)); res.Error != nil {
		t.Fatalf("ping must not be rate limited: %+v", res.Error)
	}

	// tools/call has its own window per tool.
	res := decodeResult[mcp.CallToolResult](t, f.call(t, sess, "tools/call", map[string]any{"name": "nope"}))
	if !res.IsError {
		t.Fatalf("expected soft not-found result")
	}
}

func TestCancelNotification(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	if err := f.reg.RegisterTool(mcpservice.Tool{
		Descriptor: mcp.Tool{Name: "slow", InputSchema: mcp.ToolInputSchema{Type: "object", AdditionalProperties: true}},
		Call: func(ctx context.Context, _ mcpservice.ToolRequest) (*mcp.CallToolResult, error) {
			close(started)
			<-ctx.Done()
			return nil, context.Cause(ctx)
		},
	}); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	sess := f.initialize(t)

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		res, _ := f.eng.HandleRequest(context.Background(), sess, request(t, 7, "tools/call", map[string]any{"name": "slow"}))
		done <- res
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("tool did not start")
	}
	if err := f.eng.HandleNotification(context.Background(), sess, request(t, nil, "notifications/cancelled", map[string]any{"requestId": 7})); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}

	select {
	case res := <-done:
		out := decodeResult[mcp.CallToolResult](t, res)
		if !out.IsError || !strings.Contains(out.Content[0].Text, "cancelled") {
			t.Fatalf("expected cancelled result, got %+v", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("tool call was not cancelled")
	}
}

func TestCancelStreamingCall(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	if err := f.reg.RegisterTool(mcpservice.Tool{
		Descriptor: mcp.Tool{Name: "slow_export", InputSchema: mcp.ToolInputSchema{Type: "object", AdditionalProperties: true}},
		Streaming:  true,
		Stream: func(ctx context.Context, _ mcpservice.ToolRequest) streaming.Seq {
			return func(yield func(mcp.StreamingChunk) bool) {
				if !yield(streaming.Partial(0, streaming.Text("A"))) {
					return
				}
				close(started)
				<-ctx.Done()
			}
		},
	}); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	sess := f.initialize(t)

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		res, _ := f.eng.HandleRequest(context.Background(), sess, request(t, 1, "tools/call", map[string]any{"name": "slow_export"}))
		done <- res
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("tool did not start")
	}
	if err := f.eng.HandleNotification(context.Background(), sess, request(t, nil, "notifications/cancelled", map[string]any{"requestId": 1})); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}

	select {
	case res := <-done:
		out := decodeResult[mcp.CallToolResult](t, res)
		if !out.IsError || !strings.Contains(out.Content[0].Text, "cancelled") {
			t.Fatalf("expected cancelled result, got %+v", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("tool call was not cancelled")
	}

	entries, _ := f.usage.Recent(context.Background(), "t1", 1)
	if len(entries) != 1 || entries[0].Method != "tools/call" || entries[0].Success {
		t.Fatalf("cancelled call should be recorded as a failure, got %+v", entries)
	}
}

func TestHandlerPanics(t *testing.T) {
	f := newFixture(t)
	if err := f.reg.RegisterResource(mcpservice.Resource{
		Descriptor: mcp.Resource{URI: "shop://broken", Name: "broken"},
		Handler: func(context.Context, mcpservice.ResourceRequest) (*mcp.ResourceContents, error) {
			panic("boom")
		},
	}); err != nil {
		t.Fatalf("RegisterResource: %v", err)
	}
	if err := f.reg.RegisterPrompt(mcpservice.Prompt{
		Descriptor: mcp.Prompt{Name: "broken"},
		Handler: func(context.Context, mcpservice.PromptRequest) ([]mcp.PromptMessage, error) {
			panic("boom")
		},
	}); err != nil {
		t.Fatalf("RegisterPrompt: %v", err)
	}
	if err := f.reg.RegisterTool(mcpservice.Tool{
		Descriptor: mcp.Tool{Name: "broken_stream", InputSchema: mcp.ToolInputSchema{Type: "object", AdditionalProperties: true}},
		Streaming:  true,
		Stream: func(context.Context, mcpservice.ToolRequest) streaming.Seq {
			panic("boom")
		},
	}); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	sess := f.initialize(t)

	t.Run("resource", func(t *testing.T) {
		rpcErr := expectCode(t, f.call(t, sess, "resources/read", map[string]any{"uri": "shop://broken"}), jsonrpc.ErrorCodeInternalError)
		if !strings.Contains(rpcErr.Message, "boom") {
			t.Fatalf("unexpected message %q", rpcErr.Message)
		}
	})

	t.Run("prompt", func(t *testing.T) {
		expectCode(t, f.call(t, sess, "prompts/get", map[string]any{"name": "broken"}), jsonrpc.ErrorCodeInternalError)
	})

	t.Run("stream construction aggregated", func(t *testing.T) {
		out := decodeResult[mcp.CallToolResult](t, f.call(t, sess, "tools/call", map[string]any{"name": "broken_stream"}))
		if !out.IsError || !strings.Contains(out.Content[0].Text, "boom") {
			t.Fatalf("expected isError result, got %+v", out)
		}
	})

	t.Run("stream construction streamed", func(t *testing.T) {
		seq, err := f.eng.CallToolStreaming(context.Background(), sess, &mcp.CallToolRequest{Name: "broken_stream"})
		if err != nil {
			t.Fatalf("CallToolStreaming: %v", err)
		}
		chunks := slices.Collect(seq)
		if len(chunks) != 1 || chunks[0].Type != mcp.ChunkTypeError {
			t.Fatalf("expected one error chunk, got %+v", chunks)
		}
	})
}

func TestInitializedNotificationTouches(t *testing.T) {
	f := newFixture(t)
	sess := f.initialize(t)
	f.clock.Advance(50 * time.Second)
	if err := f.eng.HandleNotification(context.Background(), sess, request(t, nil, "notifications/initialized", nil)); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	f.clock.Advance(50 * time.Second)
	if _, err := f.mgr.Get(context.Background(), sess.ID); err != nil {
		t.Fatalf("initialized notification should have touched the session: %v", err)
	}
}

func TestCancelRelayedAcrossEngines(t *testing.T) {
	b := memorybroker.New()
	f := newFixture(t, engine.WithCancelBroker(b))
	other := engine.NewEngine(f.reg, f.mgr, engine.WithLogger(discard()), engine.WithCancelBroker(b))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relayed := make(chan error, 1)
	go func() { relayed <- f.eng.RelayCancellations(ctx) }()

	started := make(chan struct{})
	if err := f.reg.RegisterTool(mcpservice.Tool{
		Descriptor: mcp.Tool{Name: "slow", InputSchema: mcp.ToolInputSchema{Type: "object", AdditionalProperties: true}},
		Call: func(ctx context.Context, _ mcpservice.ToolRequest) (*mcp.CallToolResult, error) {
			close(started)
			<-ctx.Done()
			return nil, context.Cause(ctx)
		},
	}); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	sess := f.initialize(t)

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		res, _ := f.eng.HandleRequest(context.Background(), sess, request(t, 9, "tools/call", map[string]any{"name": "slow"}))
		done <- res
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("tool did not start")
	}

	// The subscription may not be registered yet; keep forwarding until the
	// call ends.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := other.HandleNotification(context.Background(), sess, request(t, nil, "notifications/cancelled", map[string]any{"requestId": 9})); err != nil {
			t.Fatalf("HandleNotification: %v", err)
		}
		select {
		case res := <-done:
			out := decodeResult[mcp.CallToolResult](t, res)
			if !out.IsError || !strings.Contains(out.Content[0].Text, "cancelled") {
				t.Fatalf("expected cancelled result, got %+v", out)
			}
			cancel()
			if err := <-relayed; err != nil {
				t.Fatalf("RelayCancellations: %v", err)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("cancellation was not relayed")
		}
	}
}
