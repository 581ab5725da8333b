package mcpservice

import "maps"

// Reserved argument keys holding the authenticated caller.
const (
	TenantIDArg = "_tenantId"
	UserIDArg   = "_userId"
)

// Identity is the authenticated caller of a capability.
type Identity struct {
	TenantID  string
	UserID    string
	SessionID string
}

// InjectIdentity returns a copy of args with the identity written under the
// reserved keys, replacing anything the client supplied there.
func InjectIdentity(args map[string]any, id Identity) map[string]any {
	out := make(map[string]any, len(args)+2)
	maps.Copy(out, args)
	out[TenantIDArg] = id.TenantID
	out[UserIDArg] = id.UserID
	return out
}

func isReservedArg(key string) bool {
	return key == TenantIDArg || key == UserIDArg
}
