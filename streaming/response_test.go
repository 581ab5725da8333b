package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-gateway/mcp"
)

type line struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      json.RawMessage    `json:"id"`
	Result  mcp.StreamingChunk `json:"result"`
}

func readLines(t *testing.T, body string) []line {
	t.Helper()
	var out []line
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		var l line
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("line %q is not a JSON envelope: %v", sc.Text(), err)
		}
		out = append(out, l)
	}
	return out
}

func TestResponseRendersOneEnvelopePerChunk(t *testing.T) {
	rec := httptest.NewRecorder()
	resp := NewResponse(json.RawMessage(`7`), seqOf(
		Progress(50, "half", 1, 2),
		Partial(0, Text("A")),
		Complete(&mcp.CallToolResult{Content: []mcp.ContentBlock{Text("done")}}),
	))
	resp.SetHeaders(rec.Header())

	if err := resp.Render(context.Background(), rec); err != nil {
		t.Fatalf("render: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != ContentType {
		t.Fatalf("content type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("cache control = %q", cc)
	}
	if !rec.Flushed {
		t.Fatalf("expected the recorder to be flushed")
	}

	lines := readLines(t, rec.Body.String())
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	for _, l := range lines {
		if l.JSONRPC != "2.0" || string(l.ID) != "7" {
			t.Fatalf("bad envelope: %+v", l)
		}
	}
	if lines[2].Result.Type != mcp.ChunkTypeComplete {
		t.Fatalf("last chunk = %s", lines[2].Result.Type)
	}
}

func TestResponseEndsWithErrorChunkOnFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	seq := func(yield func(mcp.StreamingChunk) bool) {
		yield(Partial(0, Text("A")))
		panic("producer exploded")
	}
	if err := NewResponse(nil, seq).Render(context.Background(), rec); err != nil {
		t.Fatalf("render: %v", err)
	}

	lines := readLines(t, rec.Body.String())
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	last := lines[1]
	if string(last.ID) != "null" {
		t.Fatalf("id = %s, want null", last.ID)
	}
	if last.Result.Type != mcp.ChunkTypeError || last.Result.Error.Code != -32004 {
		t.Fatalf("unexpected last chunk: %+v", last.Result)
	}
}
