package auth_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/auth/authtest"
)

func hmacToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestNewHMAC(t *testing.T) {
	secret := []byte("gateway-secret")
	authn, err := auth.NewHMAC(secret,
		auth.WithAudience("mcp"),
		auth.WithTenantClaim("org_id"),
		auth.WithRequiredScopes("mcp:tools"),
	)
	if err != nil {
		t.Fatalf("NewHMAC: %v", err)
	}

	claims := func() jwt.MapClaims {
		return jwt.MapClaims{
			"sub":    "u1",
			"org_id": "t1",
			"aud":    "mcp",
			"scope":  "mcp:tools",
			"exp":    time.Now().Add(time.Hour).Unix(),
		}
	}

	ui, err := authn.CheckAuthentication(context.Background(), hmacToken(t, secret, claims()))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.TenantID() != "t1" || ui.UserID() != "u1" {
		t.Fatalf("unexpected identity %s/%s", ui.TenantID(), ui.UserID())
	}

	t.Run("missing tenant", func(t *testing.T) {
		c := claims()
		delete(c, "org_id")
		if _, err := authn.CheckAuthentication(context.Background(), hmacToken(t, secret, c)); !errors.Is(err, auth.ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})
	t.Run("wrong audience", func(t *testing.T) {
		c := claims()
		c["aud"] = "other"
		if _, err := authn.CheckAuthentication(context.Background(), hmacToken(t, secret, c)); !errors.Is(err, auth.ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})
	t.Run("missing scope", func(t *testing.T) {
		c := claims()
		c["scope"] = "mcp:read"
		_, err := authn.CheckAuthentication(context.Background(), hmacToken(t, secret, c))
		if !errors.Is(err, auth.ErrInsufficientScope) {
			t.Fatalf("want ErrInsufficientScope, got %v", err)
		}
		if errors.Is(err, auth.ErrUnauthorized) {
			t.Fatalf("insufficient scope must not read as unauthorized")
		}
	})
}

func TestNewFromDiscoveryRequiresIssuer(t *testing.T) {
	if _, err := auth.NewFromDiscovery(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty issuer")
	}
}

func TestChallengeFor(t *testing.T) {
	ch := auth.ChallengeFor("mcp", "", auth.ErrUnauthorized)
	if ch.Status != http.StatusUnauthorized || !strings.Contains(ch.WWWAuthenticate, `error="invalid_token"`) {
		t.Fatalf("unexpected challenge: %+v", ch)
	}

	ch = auth.ChallengeFor("mcp", "mcp:tools", errors.Join(auth.ErrInsufficientScope, errors.New("detail")))
	if ch.Status != http.StatusForbidden || !strings.Contains(ch.WWWAuthenticate, `scope="mcp:tools"`) {
		t.Fatalf("unexpected challenge: %+v", ch)
	}

	ch = auth.NewAuthenticationRequired(`a"b`)
	if ch.WWWAuthenticate != `Bearer realm="a\"b"` {
		t.Fatalf("realm not escaped: %s", ch.WWWAuthenticate)
	}
}

func TestStatic(t *testing.T) {
	s := authtest.NewStatic("", "")
	ui, err := s.CheckAuthentication(context.Background(), "anything")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	var claims struct {
		Sub    string `json:"sub"`
		Tenant string `json:"tenant_id"`
	}
	if err := ui.Claims(&claims); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if claims.Sub != "test-user" || claims.Tenant != "test-tenant" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	s.Token = "secret"
	if _, err := s.CheckAuthentication(context.Background(), "nope"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}
