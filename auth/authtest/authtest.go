// Package authtest provides a fixed-identity authenticator for tests and
// local development.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-gateway/auth"
)

// Static authenticates every request as the same tenant and user. When Token
// is set, only that exact bearer token is accepted.
type Static struct {
	TenantID string
	UserID   string
	Token    string
}

var _ auth.Authenticator = (*Static)(nil)

// NewStatic returns a Static authenticator, defaulting empty ids to
// "test-tenant" and "test-user".
func NewStatic(tenantID, userID string) *Static {
	if tenantID == "" {
		tenantID = "test-tenant"
	}
	if userID == "" {
		userID = "test-user"
	}
	return &Static{TenantID: tenantID, UserID: userID}
}

func (s *Static) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if s.Token != "" && tok != s.Token {
		return nil, fmt.Errorf("%w: unexpected token", auth.ErrUnauthorized)
	}
	return &userInfo{tenant: s.TenantID, user: s.UserID}, nil
}

type userInfo struct {
	tenant string
	user   string
}

func (u *userInfo) UserID() string   { return u.user }
func (u *userInfo) TenantID() string { return u.tenant }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(map[string]string{"sub": u.user, "tenant_id": u.tenant})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
