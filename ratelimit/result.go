package ratelimit

import (
	"context"
	"errors"
	"fmt"
)

// ErrLimitExceeded is wrapped by every ExceededError.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed      bool   `json:"allowed"`
	Remaining    int    `json:"remaining"`
	Limit        int    `json:"limit"`
	ResetSeconds int    `json:"resetSeconds"`
	RetryAfter   int    `json:"retryAfter,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Err returns nil for an allowed result and an *ExceededError otherwise.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	return &ExceededError{Result: r}
}

// ExceededError carries the Result of a denied check.
type ExceededError struct {
	Result Result
}

func (e *ExceededError) Error() string {
	if e.Result.Reason == "" {
		return ErrLimitExceeded.Error()
	}
	return fmt.Sprintf("%s: %s", ErrLimitExceeded, e.Result.Reason)
}

func (e *ExceededError) Unwrap() error { return ErrLimitExceeded }

// Observer receives every Result produced for a request.
type Observer func(Result)

type observerKey struct{}

// WithObserver returns a context whose rate-limit results are reported to
// fn. Transports use it to emit rate-limit headers.
func WithObserver(ctx context.Context, fn Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, fn)
}

// Observe reports r to the context's observer, if any.
func Observe(ctx context.Context, r Result) {
	if fn, ok := ctx.Value(observerKey{}).(Observer); ok && fn != nil {
		fn(r)
	}
}
