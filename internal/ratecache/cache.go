// Package ratecache holds the per-minute request counters consulted on
// the hot admission path. The cache mirrors the durable requests_1m
// counter for the current bucket only; bucket-key rollover, not entry
// expiry, is what guarantees a fresh window starts at zero. Expiry just
// reclaims memory for buckets that have passed.
package ratecache

import "context"

// State classifies the outcome of an admission probe.
type State int

const (
	// Miss means the cache holds no entry for the key and bucket; the
	// caller must fall back to the durable store.
	Miss State = iota
	// Allowed means the counter was below the limit and has been
	// incremented.
	Allowed
	// Denied means the counter already reached the limit; nothing was
	// incremented.
	Denied
)

// Result carries the probe outcome. Count is the post-increment value
// on Allowed and the current value on Denied.
type Result struct {
	State State
	Count int64
	Limit int64
}

// Cache is the window counter contract. Admit must perform its
// read-check-increment atomically per (key, bucket): two concurrent
// callers with one increment of headroom left must not both be allowed.
type Cache interface {
	Admit(ctx context.Context, key string, bucket int64) (Result, error)

	// Seed installs the post-increment durable count for (key, bucket)
	// together with the record's rate limit, so subsequent hits can
	// decide without touching storage.
	Seed(ctx context.Context, key string, bucket, count, limit int64) error
}
