// Package provider defines the byte stores that back the source loader.
//
// A store holds one encoded frame set (see internal/wire) per asset key.
// Implementations must be byte-for-byte transparent: Get returns exactly the
// bytes previously passed to Set for the key.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrRejected is returned by Set when the store refused the write, for
// example because an admission policy dropped it under memory pressure.
var ErrRejected = errors.New("provider: write rejected")

// Provider is a minimal byte store with TTLs. Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value; ttl <= 0 means no expiry where the store supports it.
	// A successful Set is visible to the next Get.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes a key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// Stats is a point-in-time view of a store. Counters a backend cannot report
// are -1.
type Stats struct {
	Hits   int64
	Misses int64
	Keys   int64
	Bytes  int64
}

// StatsReporter is implemented by stores that can describe their contents.
type StatsReporter interface {
	Stats(ctx context.Context) (Stats, error)
}
