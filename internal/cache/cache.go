// Package cache provides the completion cache tier.
//
// Two backends are available:
//   - SharedCache  - Redis-backed, TTL enforced by the store itself.
//     Durable across gateway restarts and shared between replicas.
//   - BoundedCache - in-process map with insertion-order (FIFO) eviction
//     above a configured maximum entry count, plus lazy TTL expiry.
//
// Both implement the Cache interface so they are fully interchangeable.
// Streaming completions are never cached - a streamed response is not
// captured as a single value.
package cache

import (
	"context"
	"time"
)

// Cache is the gateway's cache contract. Get returns (nil, false) on a miss;
// implementations must degrade to a miss on any store error so a broken cache
// never fails a request.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
