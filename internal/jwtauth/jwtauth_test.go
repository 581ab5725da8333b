package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockOIDC struct {
	srv       *httptest.Server
	issuer    string
	jwksPath  string
	metaExtra map[string]any
}

func newMockOIDC(t *testing.T, keysJSON []byte, metaExtra map[string]any) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys", metaExtra: metaExtra}
	handler := http.NewServeMux()
	handler.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 m.issuer + m.jwksPath,
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
		}
		for k, v := range m.metaExtra {
			meta[k] = v
		}
		_ = json.NewEncoder(w).Encode(meta)
	})
	handler.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(handler)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, headerTyp string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if headerTyp != "" {
		tok.Header["typ"] = headerTyp
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseConfig(issuer, aud string) *Config {
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{aud}
	cfg.Leeway = 0
	cfg.AccessTokenTyp = true
	return cfg
}

func baseClaims(issuer, aud string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":       issuer,
		"sub":       "user-123",
		"aud":       aud,
		"exp":       now.Add(time.Hour).Unix(),
		"iat":       now.Unix(),
		"tenant_id": "acme",
	}
}

const aud = "https://api.example.com/mcp"

func discovery(t *testing.T, cfgFn func(*Config)) (*Verifier, *mockOIDC, *rsa.PrivateKey, string) {
	t.Helper()
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	cfg := baseConfig(oidc.issuer, aud)
	if cfgFn != nil {
		cfgFn(cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	v, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return v, oidc, pk, kid
}

func TestAuthenticator_HappyPath(t *testing.T) {
	a, oidc, pk, kid := discovery(t, nil)

	claims := baseClaims(oidc.issuer, aud)
	claims["scope"] = "mcp:read mcp:write"
	tok := signToken(t, pk, kid, "at+jwt", claims)

	ui, err := a.CheckAuthentication(context.Background(), tok)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "user-123" || ui.TenantID() != "acme" {
		t.Fatalf("want user-123@acme, got %s@%s", ui.UserID(), ui.TenantID())
	}

	var out struct {
		Scope string `json:"scope"`
	}
	if err := ui.Claims(&out); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if out.Scope != "mcp:read mcp:write" {
		t.Fatalf("scope roundtrip mismatch: %q", out.Scope)
	}
}

func TestAuthenticator_DiscoveryMissingJWKS(t *testing.T) {
	_, _, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, map[string]any{"jwks_uri": ""})
	if _, err := NewFromDiscovery(context.Background(), baseConfig(oidc.issuer, "aud")); err == nil {
		t.Fatalf("expected error due to missing jwks_uri")
	}
}

func TestAuthenticator_AudienceArray(t *testing.T) {
	a, oidc, pk, kid := discovery(t, nil)

	claims := baseClaims(oidc.issuer, aud)
	claims["aud"] = []string{"https://other", aud}
	if _, err := a.CheckAuthentication(context.Background(), signToken(t, pk, kid, "at+jwt", claims)); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestAuthenticator_AdditionalAudiences(t *testing.T) {
	extra := "http://localhost:8080/mcp"
	a, oidc, pk, kid := discovery(t, func(c *Config) { c.ExpectedAudiences = []string{aud, extra} })

	claims := baseClaims(oidc.issuer, extra)
	if _, err := a.CheckAuthentication(context.Background(), signToken(t, pk, kid, "at+jwt", claims)); err != nil {
		t.Fatalf("check (extra audience) failed: %v", err)
	}

	claims["aud"] = "https://unknown"
	if _, err := a.CheckAuthentication(context.Background(), signToken(t, pk, kid, "at+jwt", claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown audience, got %v", err)
	}
}

func TestAuthenticator_Scopes(t *testing.T) {
	t.Run("all required", func(t *testing.T) {
		a, oidc, pk, kid := discovery(t, func(c *Config) { c.RequiredScopes = []string{"mcp:write", "mcp:admin"} })
		claims := baseClaims(oidc.issuer, aud)
		claims["scope"] = "mcp:write"
		if _, err := a.CheckAuthentication(context.Background(), signToken(t, pk, kid, "at+jwt", claims)); !errors.Is(err, ErrInsufficientScope) {
			t.Fatalf("want ErrInsufficientScope, got %v", err)
		}
	})
	t.Run("any required", func(t *testing.T) {
		a, oidc, pk, kid := discovery(t, func(c *Config) {
			c.RequiredScopes = []string{"mcp:write", "mcp:admin"}
			c.ScopeModeAny = true
		})
		claims := baseClaims(oidc.issuer, aud)
		claims["scope"] = "mcp:write"
		if _, err := a.CheckAuthentication(context.Background(), signToken(t, pk, kid, "at+jwt", claims)); err != nil {
			t.Fatalf("check: %v", err)
		}
	})
}

func TestAuthenticator_Rejections(t *testing.T) {
	a, oidc, pk, kid := discovery(t, nil)

	cases := map[string]struct {
		typ    string
		mutate func(jwt.MapClaims)
	}{
		"wrong typ":       {typ: "JWT", mutate: func(jwt.MapClaims) {}},
		"issuer mismatch": {typ: "at+jwt", mutate: func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }},
		"expired":         {typ: "at+jwt", mutate: func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Minute).Unix() }},
		"missing sub":     {typ: "at+jwt", mutate: func(c jwt.MapClaims) { delete(c, "sub") }},
		"missing tenant":  {typ: "at+jwt", mutate: func(c jwt.MapClaims) { delete(c, "tenant_id") }},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			claims := baseClaims(oidc.issuer, aud)
			tc.mutate(claims)
			_, err := a.CheckAuthentication(context.Background(), signToken(t, pk, kid, tc.typ, claims))
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("want ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestStaticJWKS(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)

	cfg := DefaultConfig()
	cfg.TenantClaim = "org"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewStatic(ctx, cfg, oidc.issuer+oidc.jwksPath)
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}

	claims := baseClaims("anyone", aud)
	claims["org"] = "globex"
	ui, err := a.CheckAuthentication(ctx, signToken(t, pk, kid, "", claims))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.TenantID() != "globex" {
		t.Fatalf("expected tenant from custom claim, got %q", ui.TenantID())
	}
}

func TestHMAC(t *testing.T) {
	secret := []byte("s3cret")
	cfg := DefaultConfig()
	cfg.AllowedAlgs = []string{"HS256"}
	a, err := NewHMAC(cfg, secret)
	if err != nil {
		t.Fatalf("NewHMAC: %v", err)
	}

	sign := func(key []byte, method jwt.SigningMethod) string {
		s, err := jwt.NewWithClaims(method, baseClaims("issuer", aud)).SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}

	ui, err := a.CheckAuthentication(context.Background(), sign(secret, jwt.SigningMethodHS256))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "user-123" || ui.TenantID() != "acme" {
		t.Fatalf("unexpected identity %s@%s", ui.UserID(), ui.TenantID())
	}
	if _, err := a.CheckAuthentication(context.Background(), sign([]byte("other"), jwt.SigningMethodHS256)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong secret: want ErrUnauthorized, got %v", err)
	}
	if _, err := a.CheckAuthentication(context.Background(), sign(secret, jwt.SigningMethodHS512)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("disallowed alg: want ErrUnauthorized, got %v", err)
	}
	if _, err := a.CheckAuthentication(context.Background(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty token: want ErrUnauthorized, got %v", err)
	}

	if _, err := NewHMAC(cfg, nil); err == nil {
		t.Fatalf("expected error for empty secret")
	}
	none := DefaultConfig()
	none.AllowedAlgs = []string{"none"}
	if _, err := NewHMAC(none, secret); err == nil {
		t.Fatalf(`expected "none" to be rejected`)
	}
}
