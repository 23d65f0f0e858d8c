package credential

import (
	"context"
	"time"
)

// Store is the narrow durable contract the admission and issuance paths
// depend on: point read by key, insert of a new record, and a single
// conditional counter update.
type Store interface {
	// GetByKey returns the record for a raw key, or ErrKeyNotFound.
	GetByKey(ctx context.Context, key string) (*Record, error)

	// Insert persists a newly issued record.
	Insert(ctx context.Context, rec *Record) error

	// RecordUsage advances requests_1m, requests_1h, requests_1d and
	// total_requests by one and stamps last_used, but only while
	// requests_1m is still below limit. It reports whether the
	// increment was applied. The ceiling check and the increment are a
	// single atomic statement, so concurrent callers cannot push
	// requests_1m past limit.
	RecordUsage(ctx context.Context, key string, limit int64, now time.Time) (bool, error)

	Close() error
}
