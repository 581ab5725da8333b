package mcpservice

import (
	"context"
	"errors"

	"github.com/ggoodman/mcp-gateway/mcp"
)

// ResourceRequest is what a resource handler receives. Identity is passed
// explicitly rather than merged into any argument map.
type ResourceRequest struct {
	URI      string
	Identity Identity
}

// ResourceHandler reads one resource.
type ResourceHandler func(ctx context.Context, req ResourceRequest) (*mcp.ResourceContents, error)

// Resource pairs a descriptor with its handler. Resources are keyed by URI.
type Resource struct {
	Descriptor mcp.Resource
	Handler    ResourceHandler
}

// StaticResource serves fixed text content.
func StaticResource(desc mcp.Resource, text string) Resource {
	return Resource{
		Descriptor: desc,
		Handler: func(_ context.Context, req ResourceRequest) (*mcp.ResourceContents, error) {
			return &mcp.ResourceContents{URI: desc.URI, MimeType: desc.MimeType, Text: text}, nil
		},
	}
}

func (r Resource) validate() error {
	if r.Descriptor.URI == "" {
		return errors.New("invalid resource: missing uri")
	}
	if r.Handler == nil {
		return errors.New("invalid resource: missing handler")
	}
	return nil
}
