// Package store provides the key-value backends used by the x402 issuer
// (challenge issuance log, consumed nonces, rate-limit windows) and by the
// payment client (receipt cache).
//
// Every backend honours per-key TTLs so that single-instance in-memory and
// shared database deployments are interchangeable.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("store: key not found")

// Store is a key-value store with per-key expiry.
// A ttl of zero means the key never expires.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value under key only if the key is absent or expired.
	// It reports whether the value was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan calls fn for every live key with the given prefix.
	// Iteration stops at the first error returned by fn.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error

	Close() error
}

// expiry converts a ttl into an absolute deadline. The zero time means no expiry.
func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(deadline, now time.Time) bool {
	return !deadline.IsZero() && !now.Before(deadline)
}
