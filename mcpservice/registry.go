package mcpservice

import (
	"sync"

	"github.com/ggoodman/mcp-gateway/mcp"
)

// catalog is an insertion-ordered, name-keyed map. Re-registering a key
// replaces the value but keeps its original position.
type catalog[T any] struct {
	order []string
	items map[string]T
}

func (c *catalog[T]) put(key string, v T) {
	if c.items == nil {
		c.items = make(map[string]T)
	}
	if _, ok := c.items[key]; !ok {
		c.order = append(c.order, key)
	}
	c.items[key] = v
}

func (c *catalog[T]) get(key string) (T, bool) {
	v, ok := c.items[key]
	return v, ok
}

func (c *catalog[T]) values() []T {
	out := make([]T, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.items[k])
	}
	return out
}

// Registry holds the server's tools, resources and prompts. It is safe for
// concurrent use; handlers are never invoked while its lock is held.
type Registry struct {
	mu        sync.RWMutex
	tools     catalog[Tool]
	resources catalog[Resource]
	prompts   catalog[Prompt]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterTool adds or replaces tools by name. The last registration of a
// name wins.
func (r *Registry) RegisterTool(tools ...Tool) error {
	for _, t := range tools {
		if err := t.validate(); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		r.tools.put(t.Descriptor.Name, t)
	}
	return nil
}

// RegisterResource adds or replaces resources by URI.
func (r *Registry) RegisterResource(resources ...Resource) error {
	for _, res := range resources {
		if err := res.validate(); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range resources {
		r.resources.put(res.Descriptor.URI, res)
	}
	return nil
}

// RegisterPrompt adds or replaces prompts by name.
func (r *Registry) RegisterPrompt(prompts ...Prompt) error {
	for _, p := range prompts {
		if err := p.validate(); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range prompts {
		r.prompts.put(p.Descriptor.Name, p)
	}
	return nil
}

// Tool looks up a tool by name.
func (r *Registry) Tool(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools.get(name)
}

// Resource looks up a resource by URI.
func (r *Registry) Resource(uri string) (Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resources.get(uri)
}

// Prompt looks up a prompt by name.
func (r *Registry) Prompt(name string) (Prompt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prompts.get(name)
}

// ListTools returns the tool descriptors in registration order.
func (r *Registry) ListTools() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(r.tools.order))
	for _, t := range r.tools.values() {
		out = append(out, t.Descriptor)
	}
	return out
}

// ListResources returns the resource descriptors in registration order.
func (r *Registry) ListResources() []mcp.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Resource, 0, len(r.resources.order))
	for _, res := range r.resources.values() {
		out = append(out, res.Descriptor)
	}
	return out
}

// ListPrompts returns the prompt descriptors in registration order.
func (r *Registry) ListPrompts() []mcp.Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Prompt, 0, len(r.prompts.order))
	for _, p := range r.prompts.values() {
		out = append(out, p.Descriptor)
	}
	return out
}
