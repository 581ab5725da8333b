package sessions

import (
	"time"

	"github.com/ggoodman/mcp-gateway/mcp"
)

// Counter names one of a session's usage counters.
type Counter string

const (
	CounterToolCalls     Counter = "tool_calls"
	CounterResourceReads Counter = "resource_reads"
	CounterPromptGets    Counter = "prompt_gets"
)

// Valid reports whether c is a known counter.
func (c Counter) Valid() bool {
	switch c {
	case CounterToolCalls, CounterResourceReads, CounterPromptGets:
		return true
	}
	return false
}

// Usage is a snapshot of a session's counters.
type Usage struct {
	ToolCalls     int64 `json:"toolCalls"`
	ResourceReads int64 `json:"resourceReads"`
	PromptGets    int64 `json:"promptGets"`
}

// Get returns the value of counter c.
func (u Usage) Get(c Counter) int64 {
	switch c {
	case CounterToolCalls:
		return u.ToolCalls
	case CounterResourceReads:
		return u.ResourceReads
	case CounterPromptGets:
		return u.PromptGets
	}
	return 0
}

// Session is a point-in-time copy of a session record. Mutating it has no
// effect on the stored session.
type Session struct {
	ID              string                 `json:"id"`
	TenantID        string                 `json:"tenantId"`
	UserID          string                 `json:"userId"`
	ProtocolVersion string                 `json:"protocolVersion"`
	Client          mcp.ImplementationInfo `json:"client"`
	CreatedAt       time.Time              `json:"createdAt"`
	LastActivity    time.Time              `json:"lastActivity"`
	Usage           Usage                  `json:"usage"`
}

// OwnedBy reports whether the session belongs to the tenant and user.
func (s *Session) OwnedBy(tenantID, userID string) bool {
	return s.TenantID == tenantID && s.UserID == userID
}

// IdleSince reports whether the session's last activity is before cutoff.
func (s *Session) IdleSince(cutoff time.Time) bool {
	return s.LastActivity.Before(cutoff)
}
