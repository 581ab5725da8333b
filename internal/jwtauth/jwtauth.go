package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultTenantClaim is the claim holding the caller's tenant.
const DefaultTenantClaim = "tenant_id"

// Config controls validation behavior for bearer tokens.
type Config struct {
	// Issuer is enforced against the iss claim when set.
	Issuer string
	// ExpectedAudiences is enforced when non-empty; any one of them in the
	// aud claim is accepted.
	ExpectedAudiences []string
	RequiredScopes    []string
	ScopeModeAny      bool // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs       []string
	Leeway            time.Duration
	// TenantClaim names the string claim carrying the tenant id.
	TenantClaim string
	// AccessTokenTyp requires the RFC 9068 "at+jwt" typ header.
	AccessTokenTyp bool
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
		TenantClaim: DefaultTenantClaim,
	}
}

// UserInfo is the internal claims carrier for validated tokens.
type UserInfo interface {
	UserID() string
	TenantID() string
	Claims(ref any) error
}

type userInfo struct {
	sub    string
	tenant string
	claims map[string]any
}

func (u *userInfo) UserID() string   { return u.sub }
func (u *userInfo) TenantID() string { return u.tenant }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Authenticator validates tokens and returns the subject and tenant.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// ErrUnauthorized indicates that the token failed validation (e.g.,
// signature, issuer, audience, exp/nbf, missing identity claims).
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not satisfy the
// required scopes policy; callers should respond with HTTP 403 where relevant.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Verifier checks tokens against a Config using a key function.
type Verifier struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

var _ Authenticator = (*Verifier)(nil)

// New builds a Verifier around kf. Only algorithms in cfg.AllowedAlgs are
// ever handed to kf.
func New(cfg *Config, kf jwt.Keyfunc) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if kf == nil {
		return nil, errors.New("key function is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		return nil, errors.New("at least one allowed algorithm is required")
	}
	if slices.Contains(cfg.AllowedAlgs, "none") {
		return nil, errors.New(`algorithm "none" is never allowed`)
	}
	if cfg.TenantClaim == "" {
		cfg.TenantClaim = DefaultTenantClaim
	}
	return &Verifier{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf(t)
	}}, nil
}

// NewHMAC verifies tokens signed with a shared secret.
func NewHMAC(cfg *Config, secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("hmac secret is required")
	}
	return New(cfg, func(*jwt.Token) (any, error) { return secret, nil })
}

// NewStatic verifies tokens against the keys served at jwksURI, which are
// refreshed in the background until ctx is done.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (*Verifier, error) {
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return New(cfg, kf.Keyfunc)
}

// NewFromDiscovery performs OIDC discovery on cfg.Issuer to find its
// jwks_uri and then behaves like NewStatic. The discovered issuer replaces
// cfg.Issuer for the iss check.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	if meta.Issuer != "" {
		cfg.Issuer = meta.Issuer
	}
	return NewStatic(ctx, cfg, meta.JwksURI)
}

func (v *Verifier) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	parsed, err := jwt.NewParser(opts...).Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if v.cfg.AccessTokenTyp {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if len(v.cfg.ExpectedAudiences) > 0 && !audIntersects(claims["aud"], v.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	tenant, _ := claims[v.cfg.TenantClaim].(string)
	if tenant == "" {
		return nil, fmt.Errorf("%w: missing %s claim", ErrUnauthorized, v.cfg.TenantClaim)
	}

	if len(v.cfg.RequiredScopes) > 0 {
		scopeStr, _ := claims["scope"].(string)
		have := strings.Fields(scopeStr)
		if v.cfg.ScopeModeAny {
			if !slices.ContainsFunc(v.cfg.RequiredScopes, func(s string) bool { return slices.Contains(have, s) }) {
				return nil, ErrInsufficientScope
			}
		} else {
			for _, want := range v.cfg.RequiredScopes {
				if !slices.Contains(have, want) {
					return nil, ErrInsufficientScope
				}
			}
		}
	}

	return &userInfo{sub: sub, tenant: tenant, claims: claims}, nil
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
