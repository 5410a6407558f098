// Package kvstore is the shared key-value store used for cross-request state:
// the cached OAuth credential and the per-family quota cooldowns.
package kvstore

import (
	"context"
	"time"
)

// Store reads and writes string values with a time-to-live.
// A missing key is reported as ok == false with a nil error.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
}
