// Package kv is the durable state store used by the settlement engine:
// versioned records with compare-and-set, set-if-absent with expiry, and
// scored indexes for listing.
package kv

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	ErrNotFound        = errors.New("kv: key not found")
	ErrVersionConflict = errors.New("kv: version conflict")
)

// Record is a stored value with its compare-and-set version.
// Version starts at 1 and increases on every write to the key.
type Record struct {
	Key       string
	Value     []byte
	Version   int64
	ExpiresAt time.Time // zero when the record never expires
}

// RangeQuery selects index members by score.
type RangeQuery struct {
	Min        int64
	Max        int64
	Limit      int
	Descending bool
}

// FullRange selects every member of an index.
func FullRange(limit int, descending bool) RangeQuery {
	return RangeQuery{Min: math.MinInt64, Max: math.MaxInt64, Limit: limit, Descending: descending}
}

// Store is the keyed state store. Expired records behave as absent.
type Store interface {
	// Get returns the live record for key or ErrNotFound.
	Get(ctx context.Context, key string) (Record, error)

	// Set writes value unconditionally. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error)

	// CompareAndSwap writes value only if the current version equals expected.
	// expected == 0 requires the key to be absent. Returns the new version or
	// ErrVersionConflict.
	CompareAndSwap(ctx context.Context, key string, value []byte, expected int64, ttl time.Duration) (int64, error)

	// SetIfAbsent writes value only if key is absent, reporting whether it did.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. expected == 0 deletes unconditionally; otherwise a
	// version mismatch returns ErrVersionConflict. Missing keys are not an error.
	Delete(ctx context.Context, key string, expected int64) error

	// IndexAdd upserts member into index with score.
	IndexAdd(ctx context.Context, index, member string, score int64) error

	// IndexRemove removes member from index.
	IndexRemove(ctx context.Context, index, member string) error

	// RangeByScore lists members with Min <= score <= Max.
	RangeByScore(ctx context.Context, index string, q RangeQuery) ([]string, error)

	// PurgeExpired drops expired records and returns how many were removed.
	PurgeExpired(ctx context.Context) (int64, error)

	Close() error
}

// Clock returns the current time. Injected so tests control expiry.
type Clock func() time.Time

func expiryFrom(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
