// Package storage provides a small tenant-scoped key/value store used for
// gateway state that must outlive a single request, such as per-tenant
// rate-limit configuration or the sample commerce catalog.
//
// Keys live in a namespace: global (the default), a tenant, or a user
// within a tenant. Deleting a namespace without a key removes everything
// beneath it, so deleting a tenant namespace also removes its users' data.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage defines the primary interface for namespaced data storage
type Storage interface {
	// Get retrieves data for a specific key within the given namespace.
	// Returns a nil Item if the key doesn't exist or has expired.
	// Returns error only for legitimate storage system failures.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data for a specific key within the given namespace
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes data within the given namespace.
	// If no key is specified via WithKey, removes the entire namespace.
	Delete(ctx context.Context, opts ...Option) error

	// Close closes the storage backend and releases resources
	Close() error
}

// Item represents a stored piece of data with metadata
type Item struct {
	Data      []byte     // The stored data
	CreatedAt time.Time  // When the item was created
	ExpiresAt *time.Time // When the item expires (nil = no expiration)
}

// IsExpired checks if the item has expired
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Option configures storage operations
type Option func(*Options)

// Options contains configuration for storage operations
type Options struct {
	Namespace Namespace      // Optional: specifies the storage namespace (nil = global)
	Key       *string        // Optional: specific key (for Delete operations)
	TTL       *time.Duration // Optional: time-to-live for the data
}

// Apply collects opts into an Options value.
func Apply(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Namespace represents a storage namespace (tenant or user level).
// If nil, storage operates in the global namespace.
type Namespace interface {
	// Prefix returns the key prefix for everything in the namespace.
	Prefix() string
}

// TenantNamespace represents tenant-level storage
type TenantNamespace struct {
	TenantID string
}

func (ns TenantNamespace) Prefix() string { return "tenant:" + ns.TenantID + ":" }

// UserNamespace represents storage for one user within a tenant
type UserNamespace struct {
	TenantID string
	UserID   string
}

func (ns UserNamespace) Prefix() string {
	return "tenant:" + ns.TenantID + ":user:" + ns.UserID + ":"
}

const globalPrefix = "global:"

// Prefix returns the key prefix for ns, treating nil as global.
func Prefix(ns Namespace) string {
	if ns == nil {
		return globalPrefix
	}
	return ns.Prefix()
}

// KeyFor builds the full key for key in ns.
func KeyFor(ns Namespace, key string) string {
	return Prefix(ns) + "key:" + key
}

// WithTenant specifies tenant-level storage namespace
func WithTenant(tenantID string) Option {
	return func(opts *Options) {
		opts.Namespace = TenantNamespace{TenantID: tenantID}
	}
}

// WithUser specifies user-level storage namespace
func WithUser(tenantID, userID string) Option {
	return func(opts *Options) {
		opts.Namespace = UserNamespace{TenantID: tenantID, UserID: userID}
	}
}

// WithKey specifies a specific key for Delete operations.
// If not provided, Delete removes the entire namespace.
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL sets a time-to-live for the stored data
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

// Error types
var (
	// ErrInvalidOptions is returned when incompatible options are provided
	ErrInvalidOptions = errors.New("storage: invalid option combination")
)
