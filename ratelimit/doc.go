// Package ratelimit enforces per-tenant request quotas and a cost-weighted
// token budget using sliding windows.
//
// Every check is keyed by (tenant, operation, tool). The request quota for
// that key comes from the tenant's Config: an explicit per-tool override
// wins; otherwise tools in the expensive set are clamped to
// ExpensiveToolLimit; otherwise the tenant limit applies. When the tenant
// has a TokensPerMinute budget, an allowed request is then charged its cost
// against a per-tenant 60-second window. A request denied by the budget is
// rolled back from the request window so it does not count twice.
//
// Windows live in a window.Store (memorystore or redisstore). Tenant configs
// live in a storage.Storage and are cached briefly in process. New selects
// Redis when it is configured and reachable and falls back to memory
// otherwise.
package ratelimit
