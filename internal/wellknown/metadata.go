// Package wellknown serves OAuth 2.0 protected resource metadata (RFC 9728)
// so that clients can discover which authorization server issues tokens
// for an MCP endpoint.
package wellknown

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ProtectedResourcePrefix is the well-known path segment of RFC 9728.
const ProtectedResourcePrefix = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata is the subset of the RFC 9728 document this
// server publishes.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// MetadataURL returns where the metadata for resource is published: the
// well-known prefix inserted between the host and the resource path.
func MetadataURL(resource string) (*url.URL, error) {
	u, err := url.Parse(resource)
	if err != nil {
		return nil, fmt.Errorf("wellknown: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("wellknown: resource %q must be an absolute URL", resource)
	}
	out := *u
	out.Path = ProtectedResourcePrefix + strings.TrimRight(u.Path, "/")
	out.RawPath = ""
	out.RawQuery = ""
	out.Fragment = ""
	return &out, nil
}

// Handler serves m as JSON.
func Handler(m ProtectedResourceMetadata) http.Handler {
	if len(m.BearerMethodsSupported) == 0 {
		m.BearerMethodsSupported = []string{"header"}
	}
	body, _ := json.Marshal(m)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_, _ = w.Write(body)
	})
}
