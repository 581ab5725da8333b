package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/streaming"
	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

var (
	// ErrInvalidTool is returned when registering a tool whose handler does
	// not match its streaming flag.
	ErrInvalidTool = errors.New("invalid tool")
	// ErrInvalidArguments is returned when tool arguments do not satisfy the
	// declared input schema or the typed argument struct.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// ToolRequest is what a tool handler receives. Arguments already contain
// the injected identity keys.
type ToolRequest struct {
	Name      string
	Arguments map[string]any
	Identity  Identity
}

// ToolHandler produces a single result.
type ToolHandler func(ctx context.Context, req ToolRequest) (*mcp.CallToolResult, error)

// StreamingToolHandler produces a chunk sequence. The sequence should honor
// ctx cancellation at every yield.
type StreamingToolHandler func(ctx context.Context, req ToolRequest) streaming.Seq

// Tool pairs a descriptor with its handler. Exactly one of Call and Stream
// is set, and Streaming says which.
type Tool struct {
	Descriptor mcp.Tool
	Streaming  bool
	Call       ToolHandler
	Stream     StreamingToolHandler
}

func (t Tool) validate() error {
	if t.Descriptor.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidTool)
	}
	switch {
	case t.Streaming && t.Stream == nil:
		return fmt.Errorf("%w: %s is streaming but has no Stream handler", ErrInvalidTool, t.Descriptor.Name)
	case !t.Streaming && t.Call == nil:
		return fmt.Errorf("%w: %s has no Call handler", ErrInvalidTool, t.Descriptor.Name)
	}
	return nil
}

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), the generated schema sets additionalProperties=false and
// runtime decoding rejects unknown fields.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewTool builds a non-streaming tool from a typed argument struct A. The
// input schema is reflected from A, and each call decodes the arguments
// into A (reserved identity keys excluded) and runs its `validate` tags
// before invoking fn.
func NewTool[A any](name string, fn func(ctx context.Context, req ToolRequest, args A) (*mcp.CallToolResult, error), opts ...ToolOption) Tool {
	cfg := applyToolOptions(opts)
	return Tool{
		Descriptor: mcp.Tool{
			Name:        name,
			Description: cfg.description,
			InputSchema: reflectToMCPInputSchema[A](cfg.allowAdditionalProperties),
		},
		Call: func(ctx context.Context, req ToolRequest) (*mcp.CallToolResult, error) {
			a, err := decodeArgs[A](req.Arguments, cfg.allowAdditionalProperties)
			if err != nil {
				return nil, err
			}
			return fn(ctx, req, a)
		},
	}
}

// NewStreamingTool is the streaming counterpart of NewTool. Argument
// failures end the stream with an invalid-params error chunk.
func NewStreamingTool[A any](name string, fn func(ctx context.Context, req ToolRequest, args A) streaming.Seq, opts ...ToolOption) Tool {
	cfg := applyToolOptions(opts)
	return Tool{
		Descriptor: mcp.Tool{
			Name:        name,
			Description: cfg.description,
			InputSchema: reflectToMCPInputSchema[A](cfg.allowAdditionalProperties),
		},
		Streaming: true,
		Stream: func(ctx context.Context, req ToolRequest) streaming.Seq {
			a, err := decodeArgs[A](req.Arguments, cfg.allowAdditionalProperties)
			if err != nil {
				return func(yield func(mcp.StreamingChunk) bool) {
					yield(streaming.Error(jsonrpc.ErrorCodeInvalidParams, err.Error(), nil))
				}
			}
			return fn(ctx, req, a)
		},
	}
}

func applyToolOptions(opts []ToolOption) toolConfig {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func decodeArgs[A any](args map[string]any, allowAdditional bool) (A, error) {
	var a A
	clean := make(map[string]any, len(args))
	for k, v := range args {
		if !isReservedArg(k) {
			clean[k] = v
		}
	}
	raw, err := json.Marshal(clean)
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if !allowAdditional {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(&a); err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if isStruct(a) {
		if err := validate.Struct(a); err != nil {
			return a, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}
	return a, nil
}

func isStruct(v any) bool {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t != nil && t.Kind() == reflect.Struct
}

// reflectToMCPInputSchema reflects a Go type A into a jsonschema.Schema, and
// converts it to the simplified mcp.ToolInputSchema. Unknown field policy is
// surfaced via the AdditionalProperties flag on the returned schema.
func reflectToMCPInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	// Only object schemas map cleanly to MCP ToolInputSchema.
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

// toMCPProperty recursively maps a jsonschema.Schema to the simplified MCP SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toMCPProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
