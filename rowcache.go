package omen

import (
	"context"
	"time"
)

// RowCache is the optional second-level row cache consulted on identity map
// misses for by-primary-key reads. Implementations must treat a missing key
// as (false, nil), never as an error. The rediscache subpackage provides the
// Redis-backed implementation and an in-process mock.
type RowCache interface {
	// GetStruct fetches and decodes the value stored under key into target,
	// reporting whether the key was present.
	GetStruct(ctx context.Context, key string, target any) (bool, error)
	// SetStruct encodes value and stores it under key with the given
	// expiration; zero means no expiration.
	SetStruct(ctx context.Context, key string, value any, expiration time.Duration) error
	// Delete removes keys, reporting whether any was present.
	Delete(ctx context.Context, keys []string) (bool, error)
	// Clear removes everything. Mainly for tests.
	Clear(ctx context.Context) error
}
