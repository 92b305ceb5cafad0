// Package kvstore provides the persistent key-value service backing stack
// snapshots and inheritance cache entries. Backends share one contract:
// a ttl of zero means no expiry, and an expired entry reads as a miss.
package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrClosed = errors.New("kvstore is closed")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
	Close() error
}

// Sweeper is implemented by backends that can bulk-remove expired entries,
// for callers that schedule housekeeping.
type Sweeper interface {
	DeleteExpired(ctx context.Context) (int, error)
}

// escapeLike guards prefix deletion against LIKE metacharacters; keys
// routinely contain underscores from user and intent ids.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
