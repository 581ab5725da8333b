package mcpservice

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/mcp-gateway/mcp"
)

func plainTool(name, text string) Tool {
	return Tool{
		Descriptor: mcp.Tool{Name: name, InputSchema: mcp.ToolInputSchema{Type: "object"}},
		Call: func(context.Context, ToolRequest) (*mcp.CallToolResult, error) {
			return TextResult(text), nil
		},
	}
}

func TestRegistryLastRegistrationWins(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterTool(plainTool("a", "first"), plainTool("b", "b")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.RegisterTool(plainTool("a", "second")); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	list := reg.ListTools()
	if len(list) != 2 || list[0].Name != "a" || list[1].Name != "b" {
		t.Fatalf("unexpected listing: %+v", list)
	}

	tool, ok := reg.Tool("a")
	if !ok {
		t.Fatalf("tool a missing")
	}
	res, _ := tool.Call(context.Background(), ToolRequest{})
	if res.Content[0].Text != "second" {
		t.Fatalf("handler = %q, want the last registration", res.Content[0].Text)
	}
}

func TestRegistryMissReturnsAbsent(t *testing.T) {
	reg := NewRegistry()
	if _, ok := reg.Tool("nope"); ok {
		t.Fatalf("expected miss for tool")
	}
	if _, ok := reg.Resource("shop://nope"); ok {
		t.Fatalf("expected miss for resource")
	}
	if _, ok := reg.Prompt("nope"); ok {
		t.Fatalf("expected miss for prompt")
	}
}

func TestRegistryRejectsMismatchedStreamingFlag(t *testing.T) {
	reg := NewRegistry()
	bad := plainTool("x", "x")
	bad.Streaming = true
	if err := reg.RegisterTool(bad); !errors.Is(err, ErrInvalidTool) {
		t.Fatalf("err = %v, want ErrInvalidTool", err)
	}
	if len(reg.ListTools()) != 0 {
		t.Fatalf("invalid tool was registered")
	}
}

func TestRegistryResourcesAndPrompts(t *testing.T) {
	reg := NewRegistry()
	res := StaticResource(mcp.Resource{URI: "shop://info", Name: "info", MimeType: "text/plain"}, "hello")
	if err := reg.RegisterResource(res); err != nil {
		t.Fatalf("register resource: %v", err)
	}
	prompt := Prompt{
		Descriptor: mcp.Prompt{Name: "summary", Arguments: []mcp.PromptArgument{{Name: "order_id", Required: true}}},
		Handler: func(context.Context, PromptRequest) ([]mcp.PromptMessage, error) {
			return nil, nil
		},
	}
	if err := reg.RegisterPrompt(prompt); err != nil {
		t.Fatalf("register prompt: %v", err)
	}

	got, ok := reg.Resource("shop://info")
	if !ok {
		t.Fatalf("resource missing")
	}
	contents, err := got.Handler(context.Background(), ResourceRequest{URI: "shop://info"})
	if err != nil || contents.Text != "hello" {
		t.Fatalf("read = %+v, %v", contents, err)
	}

	if list := reg.ListPrompts(); len(list) != 1 || list[0].Name != "summary" {
		t.Fatalf("unexpected prompts: %+v", list)
	}
	if missing := MissingPromptArguments(prompt.Descriptor, map[string]string{}); len(missing) != 1 {
		t.Fatalf("missing = %v", missing)
	}
}

func TestInjectIdentityOverwritesClientValues(t *testing.T) {
	args := map[string]any{"order_id": "o1", TenantIDArg: "evil", UserIDArg: "mallory"}
	out := InjectIdentity(args, Identity{TenantID: "t1", UserID: "u1"})

	if out[TenantIDArg] != "t1" || out[UserIDArg] != "u1" {
		t.Fatalf("identity not injected: %v", out)
	}
	if args[TenantIDArg] != "evil" {
		t.Fatalf("input map was mutated")
	}
	if out["order_id"] != "o1" {
		t.Fatalf("client argument lost: %v", out)
	}
}
