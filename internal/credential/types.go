package credential

import (
	"errors"
	"time"
)

// ErrKeyNotFound is returned when no record matches a presented key.
var ErrKeyNotFound = errors.New("api key not found")

// ErrEmptyKey is returned when a record is inserted without key material.
var ErrEmptyKey = errors.New("api key is required and cannot be empty")

// PrefixLength is the number of leading key characters kept for
// display and audit purposes.
const PrefixLength = 16

// Record is a single API key with its provenance metadata and usage
// counters. The key itself is immutable after creation; counters are
// advanced by the admission path only.
//
// Requests1h and Requests1d are informational accumulators: they are
// incremented alongside Requests1m on every durable-path admission but
// are never enforced or reset by this service. Only Requests1m is
// checked against RateLimit, and its reset happens externally on a
// one-minute cadence.
type Record struct {
	Key       string `json:"key"`
	KeyPrefix string `json:"key_prefix"`
	SubjectID string `json:"subject_id"`

	Project   string `json:"project"`
	Email     string `json:"email,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	RateLimit     int64 `json:"rate_limit"`
	Requests1m    int64 `json:"requests_1m"`
	Requests1h    int64 `json:"requests_1h"`
	Requests1d    int64 `json:"requests_1d"`
	TotalRequests int64 `json:"total_requests"`

	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

// Prefix derives the audit prefix for a raw key.
func Prefix(key string) string {
	if len(key) <= PrefixLength {
		return key
	}
	return key[:PrefixLength]
}
