package mcp

import (
	"slices"
	"time"
)

// LatestProtocolVersion is the newest protocol revision the server speaks
// and the one it offers by default.
const LatestProtocolVersion = "2025-06-18"

// MinimumStreamableVersion is the oldest revision that defines the
// Streamable HTTP transport.
const MinimumStreamableVersion = "2025-03-26"

// supportedVersions is ordered oldest to newest.
var supportedVersions = []string{
	"2024-11-05",
	MinimumStreamableVersion,
	LatestProtocolVersion,
}

// SupportedProtocolVersions returns the supported revisions, oldest first.
func SupportedProtocolVersions() []string {
	return slices.Clone(supportedVersions)
}

// NegotiateProtocolVersion picks the revision to use for a client that asked
// for requested. An exact match is used as is. A well-formed revision dated
// after the newest supported one degrades to the newest. Anything else,
// including unknown revisions that fall between supported ones, is rejected.
//
// Revisions are compared by their position in the ordered list and by
// parsed date, never by string order.
func NegotiateProtocolVersion(requested string) (string, bool) {
	if idx := slices.Index(supportedVersions, requested); idx >= 0 {
		return supportedVersions[idx], true
	}

	newest := supportedVersions[len(supportedVersions)-1]
	req, err := time.Parse(time.DateOnly, requested)
	if err != nil {
		return "", false
	}
	top, err := time.Parse(time.DateOnly, newest)
	if err != nil {
		return "", false
	}
	if req.After(top) {
		return newest, true
	}
	return "", false
}
