// Package streaminghttp mounts the protocol engine as a standard net/http
// handler.
//
// Every POST carries exactly one JSON-RPC message. The reply is a single
// application/json object, except for tools/call on a streaming tool when
// the client accepts application/x-ndjson: then the body is a sequence of
// JSON-RPC responses, one per line, all carrying the request id and ending
// with a complete or error chunk.
//
// # Sessions
//
// initialize creates a session owned by the authenticated tenant and user
// and returns its id in the Mcp-Session-Id header. Every later request must
// echo that header. A session id that is unknown, expired, or owned by
// somebody else yields 404, so ids cannot be guessed at. DELETE ends the
// session.
//
// # Authentication
//
// Requests carry a bearer token checked by an auth.Authenticator. Failures
// are answered with a WWW-Authenticate challenge: 401 for missing or invalid
// credentials, 403 for insufficient scope.
//
// # Rate limits
//
// With WithRateLimiter every rate-limited call reports X-RateLimit-Limit,
// X-RateLimit-Remaining and X-RateLimit-Reset; a denied call gets 429 and a
// Retry-After header alongside the JSON-RPC error.
//
// Example:
//
//	h, err := streaminghttp.New(ctx, reg, mgr, authenticator,
//	    streaminghttp.WithRateLimiter(limiter),
//	    streaminghttp.WithUsageLog(usageLog),
//	)
//	if err != nil { log.Fatal(err) }
//	http.ListenAndServe(":8080", h)
package streaminghttp
