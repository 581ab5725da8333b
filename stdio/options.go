package stdio

import (
	"log/slog"

	"github.com/ggoodman/mcp-gateway/internal/engine"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/ratelimit"
	"github.com/ggoodman/mcp-gateway/usage"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.l = l
		}
	}
}

// WithUserProvider resolves the user id when the configured identity has
// none.
func WithUserProvider(up UserProvider) Option {
	return func(h *Handler) {
		if up != nil {
			h.userProvider = up
		}
	}
}

// WithMaxInFlight bounds the number of requests handled concurrently.
func WithMaxInFlight(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxInFlight = n
		}
	}
}

// WithRateLimiter enforces the tenant's rate limits on every call.
func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(h *Handler) { h.engineOpts = append(h.engineOpts, engine.WithRateLimiter(l)) }
}

// WithUsageLog records one usage entry per call.
func WithUsageLog(l usage.Log) Option {
	return func(h *Handler) { h.engineOpts = append(h.engineOpts, engine.WithUsageLog(l)) }
}

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(h *Handler) { h.engineOpts = append(h.engineOpts, engine.WithServerInfo(info)) }
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(s string) Option {
	return func(h *Handler) { h.engineOpts = append(h.engineOpts, engine.WithInstructions(s)) }
}
