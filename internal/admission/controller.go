package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/pigment-org/key-service/internal/credential"
	"github.com/pigment-org/key-service/internal/logger"
	"github.com/pigment-org/key-service/internal/ratecache"
)

const (
	bucketLength = time.Minute

	defaultStoreTimeout = 5 * time.Second
)

// Decision is the outcome of a verification request.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	// Reset is the unix-millisecond instant the current window ends.
	// Only set on denials.
	Reset int64
}

// Bucket maps an instant to its one-minute window id.
func Bucket(t time.Time) int64 {
	return t.UnixMilli() / bucketLength.Milliseconds()
}

// Controller decides allow/deny per request: cache first, durable store
// on miss, reconciling the two by seeding the cache with the
// post-increment durable count.
//
// The warmed cache enforces the limit per process (per Redis instance
// when the shared backend is used); the durable store is the
// cross-process source of truth only on cache miss. Denials never
// mutate any counter, cached or durable.
type Controller struct {
	log   *logger.Logger
	auth  *Authenticator
	cache ratecache.Cache
	store credential.Store

	storeTimeout time.Duration
}

type ControllerOption func(*Controller)

// WithStoreTimeout bounds every durable-store call made during
// verification. On expiry the request fails closed.
func WithStoreTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.storeTimeout = d }
}

func NewController(log *logger.Logger, auth *Authenticator, cache ratecache.Cache, store credential.Store, opts ...ControllerOption) *Controller {
	c := &Controller{
		log:          log,
		auth:         auth,
		cache:        cache,
		store:        store,
		storeTimeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify runs the admission state machine for one request.
//
// Cache hit: decide and increment in the cache alone, trading strict
// cross-instance accuracy for a storage-free hot path. Cache miss:
// resolve the record, check requests_1m against the limit, apply the
// counter update as a single atomic increment-with-ceiling, then seed
// the cache for the remainder of the bucket.
//
// Errors from the durable path (including timeouts) propagate to the
// caller and must be mapped to a denial, never an allow.
func (c *Controller) Verify(ctx context.Context, presentedKey string, now time.Time) (Decision, error) {
	bucket := Bucket(now)

	res, err := c.cache.Admit(ctx, presentedKey, bucket)
	if err != nil {
		// A degraded cache backend is not fatal: the durable store
		// still answers, just slower.
		c.log.Warn("Rate cache unavailable, falling back to durable store", "error", err)
		res = ratecache.Result{State: ratecache.Miss}
	}

	switch res.State {
	case ratecache.Allowed:
		return Decision{
			Allowed:   true,
			Limit:     res.Limit,
			Remaining: res.Limit - res.Count,
		}, nil
	case ratecache.Denied:
		return Decision{
			Limit: res.Limit,
			Reset: (bucket + 1) * bucketLength.Milliseconds(),
		}, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	rec, err := c.auth.Resolve(storeCtx, presentedKey)
	if err != nil {
		return Decision{}, err
	}

	if rec.Requests1m >= rec.RateLimit {
		return Decision{
			Limit: rec.RateLimit,
			Reset: now.UnixMilli() + bucketLength.Milliseconds(),
		}, nil
	}

	admitted, err := c.store.RecordUsage(storeCtx, presentedKey, rec.RateLimit, now)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to record api key usage: %w", err)
	}
	if !admitted {
		// Lost the race for the last slot in the window.
		return Decision{
			Limit: rec.RateLimit,
			Reset: now.UnixMilli() + bucketLength.Milliseconds(),
		}, nil
	}

	count := rec.Requests1m + 1
	if err := c.cache.Seed(ctx, presentedKey, bucket, count, rec.RateLimit); err != nil {
		c.log.Warn("Failed to seed rate cache", "key_prefix", credential.Prefix(presentedKey), "error", err)
	}

	return Decision{
		Allowed:   true,
		Limit:     rec.RateLimit,
		Remaining: rec.RateLimit - count,
	}, nil
}
