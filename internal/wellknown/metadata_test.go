package wellknown

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMetadataURL(t *testing.T) {
	cases := map[string]string{
		"https://mcp.example.com/mcp":  "https://mcp.example.com/.well-known/oauth-protected-resource/mcp",
		"https://mcp.example.com/":     "https://mcp.example.com/.well-known/oauth-protected-resource",
		"http://localhost:8080/a/b?x=": "http://localhost:8080/.well-known/oauth-protected-resource/a/b",
	}
	for in, want := range cases {
		u, err := MetadataURL(in)
		if err != nil {
			t.Fatalf("MetadataURL(%q): %v", in, err)
		}
		if u.String() != want {
			t.Fatalf("MetadataURL(%q) = %q, want %q", in, u, want)
		}
	}
	if _, err := MetadataURL("/relative"); err == nil {
		t.Fatalf("expected error for relative resource")
	}
}

func TestHandler(t *testing.T) {
	h := Handler(ProtectedResourceMetadata{
		Resource:             "https://mcp.example.com/mcp",
		AuthorizationServers: []string{"https://issuer.example.com"},
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	var got ProtectedResourceMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Resource != "https://mcp.example.com/mcp" || len(got.AuthorizationServers) != 1 {
		t.Fatalf("unexpected metadata %+v", got)
	}
	if len(got.BearerMethodsSupported) != 1 || got.BearerMethodsSupported[0] != "header" {
		t.Fatalf("bearer methods should default to header, got %v", got.BearerMethodsSupported)
	}
}
