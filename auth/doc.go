// Package auth provides pluggable authentication primitives used by the
// HTTP transport. An Authenticator validates a bearer token string and
// returns a UserInfo carrying both the user and the tenant the request acts
// for. Every session, rate limit and usage entry downstream is keyed by that
// pair, so a token that lacks either is rejected.
//
// Three constructors cover the common deployments:
//
//	auth.NewHMAC(secret)                         // shared secret, HS256
//	auth.NewJWKS(ctx, issuer, jwksURL)           // static key set
//	auth.NewFromDiscovery(ctx, issuer)           // OIDC discovery, RFC 9068 tokens
//
// Options adjust validation: WithAudience, WithTenantClaim (default
// "tenant_id"), WithRequiredScopes or WithAnyRequiredScope, WithLeeway and
// WithAllowedAlgs.
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// missing identity claims). ErrInsufficientScope signals successful
// authentication but missing required scope(s). ChallengeFor turns either
// into the status and WWW-Authenticate header a transport should send.
package auth
