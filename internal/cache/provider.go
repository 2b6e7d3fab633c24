// Package cache implements the CacheProvider/CacheManager layer (spec
// 4.3, 4.4): a key->envelope K/V abstraction with optional invalidation
// fan-out, and a façade over it that adds metrics, retry, breaker and
// staleness policy.
package cache

import (
	"context"
	"time"
)

// Envelope wraps a cached value with the time it was stored, supporting
// the staleness predicate in CacheManager.
type Envelope struct {
	Value    []byte `json:"value"`
	StoredAt int64  `json:"storedAt"` // epoch-ms
}

// SetOptions configures an individual Set call.
type SetOptions struct {
	// TTLSeconds overrides the provider's default TTL for this entry.
	// Zero means never expire (spec 4.3); -1 means "use the provider
	// default"; any positive value is an explicit TTL in seconds.
	TTLSeconds int
}

// InvalidateHandler receives the key of a local or peer-originated
// invalidation.
type InvalidateHandler func(key string)

// Provider is the CacheProvider interface of spec 4.3. Implementations:
// an in-memory LRU (NewMemory) and a Redis-backed distributed K/V
// (NewRedis) that fans invalidations out over Pub/Sub.
type Provider interface {
	Init(ctx context.Context) error
	Dispose(ctx context.Context) error

	// Get returns the stored envelope, or ok=false if absent or expired.
	Get(ctx context.Context, key string) (env Envelope, ok bool, err error)
	Set(ctx context.Context, key string, env Envelope, opts SetOptions) error
	Delete(ctx context.Context, key string) error

	// OnInvalidate registers a subscriber notified of provider-originated
	// invalidations (e.g. a peer's write) and returns a func that removes
	// it. Providers
	// that have no cross-process fan-out (the in-memory LRU) accept the
	// registration but never call it.
	OnInvalidate(h InvalidateHandler) (unsubscribe func())
}

func nowMillis() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }
