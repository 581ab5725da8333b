package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/mcpservice"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/sessions/memoryhost"
	"github.com/ggoodman/mcp-gateway/streaming"
)

// testHarness wires a Handler to in-memory pipes.
type testHarness struct {
	t      *testing.T
	stdinW *io.PipeWriter
	lines  chan string
	done   chan error
	mgr    *sessions.Manager
}

type whoArgs struct{}

type waitArgs struct{}

type countArgs struct {
	N int `json:"n"`
}

func testRegistry(t *testing.T) *mcpservice.Registry {
	t.Helper()
	reg := mcpservice.NewRegistry()
	err := reg.RegisterTool(
		mcpservice.NewTool("whoami", func(ctx context.Context, req mcpservice.ToolRequest, _ whoArgs) (*mcp.CallToolResult, error) {
			return mcpservice.TextResult(req.Identity.TenantID + "/" + req.Identity.UserID), nil
		}),
		mcpservice.NewTool("wait", func(ctx context.Context, req mcpservice.ToolRequest, _ waitArgs) (*mcp.CallToolResult, error) {
			<-ctx.Done()
			return nil, context.Cause(ctx)
		}),
		mcpservice.NewStreamingTool("count", func(ctx context.Context, req mcpservice.ToolRequest, args countArgs) streaming.Seq {
			return func(yield func(mcp.StreamingChunk) bool) {
				for i := 0; i < args.N; i++ {
					if !yield(streaming.Partial(i, streaming.Text("x"))) {
						return
					}
				}
				yield(streaming.Complete(mcpservice.TextResult("done")))
			}
		}),
	)
	if err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	return reg
}

func newHarness(t *testing.T, opts ...Option) *testHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := sessions.NewManager(memoryhost.New(), sessions.WithTTL(time.Minute), sessions.WithLogger(log))

	opts = append([]Option{WithLogger(log), WithUserProvider(StaticUserProvider("dev"))}, opts...)
	h := New(testRegistry(t), mgr, mcpservice.Identity{TenantID: "local"}, opts...)

	th := &testHarness{t: t, stdinW: inW, lines: make(chan string, 64), done: make(chan error, 1), mgr: mgr}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		th.done <- h.Serve(ctx, inR, outW)
		_ = outW.Close()
	}()
	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			th.lines <- sc.Text()
		}
		close(th.lines)
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
	})
	return th
}

func (th *testHarness) sendRaw(s string) {
	th.t.Helper()
	if _, err := th.stdinW.Write([]byte(s + "\n")); err != nil {
		th.t.Fatalf("write: %v", err)
	}
}

func (th *testHarness) send(id any, method string, params any) {
	th.t.Helper()
	var rid *jsonrpc.RequestID
	if id != nil {
		rid = jsonrpc.NewRequestID(id)
	}
	req, err := jsonrpc.NewRequest(rid, method, params)
	if err != nil {
		th.t.Fatalf("NewRequest: %v", err)
	}
	b, err := json.Marshal(req)
	if err != nil {
		th.t.Fatalf("marshal: %v", err)
	}
	th.sendRaw(string(b))
}

func (th *testHarness) nextLine() string {
	th.t.Helper()
	select {
	case line, ok := <-th.lines:
		if !ok {
			th.t.Fatalf("output closed")
		}
		return line
	case <-time.After(2 * time.Second):
		th.t.Fatalf("timeout waiting for output line")
	}
	return ""
}

func (th *testHarness) expectResponse() *jsonrpc.Response {
	th.t.Helper()
	var res jsonrpc.Response
	line := th.nextLine()
	if err := json.Unmarshal([]byte(line), &res); err != nil {
		th.t.Fatalf("decode %q: %v", line, err)
	}
	return &res
}

func (th *testHarness) initialize() {
	th.t.Helper()
	th.send(1, "initialize", mcp.InitializeRequest{ProtocolVersion: mcp.LatestProtocolVersion, ClientInfo: mcp.ImplementationInfo{Name: "client", Version: "0.0.1"}})
	res := th.expectResponse()
	if res.Error != nil {
		th.t.Fatalf("initialize failed: %+v", res.Error)
	}
	th.send(nil, "notifications/initialized", nil)
}

func TestInitializeAndCall(t *testing.T) {
	th := newHarness(t)
	th.initialize()

	th.send(2, "tools/call", map[string]any{"name": "whoami"})
	res := th.expectResponse()
	var out mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Content) != 1 || out.Content[0].Text != "local/dev" {
		t.Fatalf("unexpected identity result %+v", out)
	}

	th.send(3, "initialize", mcp.InitializeRequest{ProtocolVersion: mcp.LatestProtocolVersion})
	if res := th.expectResponse(); res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("second initialize must fail, got %+v", res)
	}
}

func TestRequestBeforeInitialize(t *testing.T) {
	th := newHarness(t)

	th.send(1, "ping", nil)
	if res := th.expectResponse(); res.Error != nil {
		t.Fatalf("ping must work without a session: %+v", res.Error)
	}
	th.send(2, "tools/list", nil)
	if res := th.expectResponse(); res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeSessionExpired {
		t.Fatalf("want session error, got %+v", res)
	}
}

func TestMalformedInput(t *testing.T) {
	th := newHarness(t)

	th.sendRaw("{not json")
	if res := th.expectResponse(); res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("want parse error, got %+v", res)
	}
	th.sendRaw(`[{"jsonrpc":"2.0","id":1,"method":"ping"}]`)
	if res := th.expectResponse(); res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("want invalid request, got %+v", res)
	}
	th.sendRaw(`{"jsonrpc":"1.0","id":1,"method":"ping"}`)
	if res := th.expectResponse(); res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("want invalid request, got %+v", res)
	}
}

func TestStreamingCall(t *testing.T) {
	th := newHarness(t)
	th.initialize()

	th.send("c", "tools/call", map[string]any{"name": "count", "arguments": map[string]any{"n": 2}})
	var types []mcp.ChunkType
	for {
		var env struct {
			ID     string             `json:"id"`
			Result mcp.StreamingChunk `json:"result"`
		}
		if err := json.Unmarshal([]byte(th.nextLine()), &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.ID != "c" {
			t.Fatalf("unexpected id %q", env.ID)
		}
		types = append(types, env.Result.Type)
		if env.Result.IsTerminal() {
			break
		}
	}
	want := []mcp.ChunkType{mcp.ChunkTypePartial, mcp.ChunkTypePartial, mcp.ChunkTypeComplete}
	if len(types) != len(want) {
		t.Fatalf("want %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("want %v, got %v", want, types)
		}
	}
}

func TestCancelInFlight(t *testing.T) {
	th := newHarness(t)
	th.initialize()

	th.send(7, "tools/call", map[string]any{"name": "wait"})
	// The call runs concurrently, so a following request still gets through.
	th.send(8, "ping", nil)
	if res := th.expectResponse(); res.ID.String() != "8" {
		t.Fatalf("expected ping response first, got id %s", res.ID)
	}

	th.send(nil, "notifications/cancelled", map[string]any{"requestId": 7, "reason": "user"})
	res := th.expectResponse()
	if res.ID.String() != "7" {
		t.Fatalf("unexpected id %s", res.ID)
	}
	var out mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.IsError || !strings.Contains(out.Content[0].Text, "cancelled") {
		t.Fatalf("unexpected cancelled result %+v", out)
	}
}

func TestEOFClosesSession(t *testing.T) {
	th := newHarness(t)
	th.initialize()

	if n, err := th.mgr.Size(context.Background()); err != nil || n != 1 {
		t.Fatalf("want 1 live session, got %d (%v)", n, err)
	}
	_ = th.stdinW.Close()

	select {
	case err := <-th.done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return on EOF")
	}
	if n, _ := th.mgr.Size(context.Background()); n != 0 {
		t.Fatalf("session not closed, %d left", n)
	}
}

func TestServeRequiresTenant(t *testing.T) {
	mgr := sessions.NewManager(memoryhost.New())
	h := New(mcpservice.NewRegistry(), mgr, mcpservice.Identity{UserID: "u"})
	if err := h.Serve(context.Background(), strings.NewReader(""), io.Discard); err == nil {
		t.Fatalf("expected error without tenant")
	}
}
