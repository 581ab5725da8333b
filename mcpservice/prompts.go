package mcpservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-gateway/mcp"
)

// PromptRequest is what a prompt handler receives.
type PromptRequest struct {
	Name      string
	Arguments map[string]string
	Identity  Identity
}

// PromptHandler renders a prompt into messages.
type PromptHandler func(ctx context.Context, req PromptRequest) ([]mcp.PromptMessage, error)

// Prompt pairs a descriptor with its handler.
type Prompt struct {
	Descriptor mcp.Prompt
	Handler    PromptHandler
}

func (p Prompt) validate() error {
	if p.Descriptor.Name == "" {
		return errors.New("invalid prompt: missing name")
	}
	if p.Handler == nil {
		return fmt.Errorf("invalid prompt %s: missing handler", p.Descriptor.Name)
	}
	return nil
}

// MissingPromptArguments lists the declared required arguments absent from args.
func MissingPromptArguments(desc mcp.Prompt, args map[string]string) []string {
	var missing []string
	for _, a := range desc.Arguments {
		if !a.Required {
			continue
		}
		if v, ok := args[a.Name]; !ok || v == "" {
			missing = append(missing, a.Name)
		}
	}
	return missing
}
