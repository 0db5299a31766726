// Package store provides the adapter over the shared key-value store that
// holds all cross-worker mutable state: availability queues, the active
// call registry, cached agent records and the overflow blob.
//
// Every operation is retryable by the caller; nothing here retries
// internally. Store unavailability surfaces as ErrUnavailable, which is
// distinct from ErrNotFound so callers never confuse a network failure
// with an absent key.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the key or field does not exist. A normal,
	// expected outcome for most callers.
	ErrNotFound = errors.New("store: not found")

	// ErrUnavailable means the store could not be reached or answered
	// with a server-side failure. Transient; callers may retry.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrLockNotAcquired means the named lock was held by someone else
	// for the whole blocking wait.
	ErrLockNotAcquired = errors.New("store: lock not acquired within timeout")
)

// ZMember is one member of a sorted set with its score
type ZMember struct {
	Member string
	Score  float64
}

// KV is the state store contract. Single-field operations (ZAdd, HSet,
// HDel) are natively atomic on the backing store and need no extra lock;
// read-modify-write on compound values must go through Lock.
type KV interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set writes key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// GetDel atomically reads and deletes key in one pipelined round
	// trip. Returns ErrNotFound if the key was absent.
	GetDel(ctx context.Context, key string) (string, error)
	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error

	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HGetDel atomically fetches and deletes one hash field in a single
	// pipelined round trip, so concurrent readers observe either the
	// field present or gone, never a partial apply.
	HGetDel(ctx context.Context, key, field string) (string, error)

	// ZAdd inserts member with score; re-adding an existing member
	// overwrites its score.
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key string, members ...string) error
	// ZPopMin removes and returns the lowest-scored member. Returns
	// ErrNotFound when the set is empty.
	ZPopMin(ctx context.Context, key string) (ZMember, error)
	// ZRange returns all members in ascending score order.
	ZRange(ctx context.Context, key string) ([]string, error)

	// Lock returns a named leased lock. The lease ttl bounds how long a
	// crashed holder can block others.
	Lock(name string, ttl time.Duration) Lock

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// Lock is a named distributed mutual-exclusion token with auto-expiry.
// Release must be called on every exit path; it verifies ownership first
// so a lease that already expired and was reacquired elsewhere is never
// released out from under the new holder.
type Lock interface {
	// Acquire blocks up to wait for the lock. Returns
	// ErrLockNotAcquired if it could not be obtained in time.
	Acquire(ctx context.Context, wait time.Duration) error
	// Release frees the lock if still owned. Releasing a lock that
	// expired or was never acquired is a no-op.
	Release(ctx context.Context) error
}
