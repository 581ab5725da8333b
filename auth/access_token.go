package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/mcp-gateway/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of the JWT
// authenticators (audience, tenant claim, scopes, algorithms, leeway).
type AccessTokenAuthOption func(*jwtauth.Config)

// WithAudience requires the aud claim to contain at least one of auds.
func WithAudience(auds ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.ExpectedAudiences = append(c.ExpectedAudiences, auds...)
	}
}

// WithTenantClaim names the string claim holding the tenant id. Defaults to
// "tenant_id".
func WithTenantClaim(claim string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.TenantClaim = claim }
}

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

func buildConfig(issuer string, opts []AccessTokenAuthOption) *jwtauth.Config {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// NewHMAC returns an Authenticator for tokens signed with a shared secret.
// Only HS256 is accepted unless WithAllowedAlgs says otherwise.
func NewHMAC(secret []byte, opts ...AccessTokenAuthOption) (Authenticator, error) {
	opts = append([]AccessTokenAuthOption{WithAllowedAlgs("HS256")}, opts...)
	v, err := jwtauth.NewHMAC(buildConfig("", opts), secret)
	if err != nil {
		return nil, err
	}
	return &adapter{a: v}, nil
}

// NewJWKS returns an Authenticator that verifies tokens against the keys
// published at jwksURL. issuer is enforced when non-empty. Keys are refreshed
// in the background until ctx is done.
func NewJWKS(ctx context.Context, issuer string, jwksURL string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	v, err := jwtauth.NewStatic(ctx, buildConfig(issuer, opts), jwksURL)
	if err != nil {
		return nil, err
	}
	return &adapter{a: v}, nil
}

// NewFromDiscovery returns an Authenticator that verifies RFC 9068 JWT access
// tokens using the jwks_uri found via OpenID Connect discovery on issuer.
func NewFromDiscovery(ctx context.Context, issuer string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	cfg := buildConfig(issuer, opts)
	cfg.AccessTokenTyp = true
	v, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{a: v}, nil
}

// adapter wraps the internal authenticator to satisfy the public interface.
type adapter struct {
	a jwtauth.Authenticator
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		// Map internal sentinel errors to public errors used by the handler.
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return ui, nil
}
