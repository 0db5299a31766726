// Package overflow holds call descriptors that could not be matched to an
// agent at assignment time. Entries wait here for manual or delayed
// follow-up instead of being lost.
package overflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/telroute/acd/internal/store"
	"github.com/telroute/acd/internal/types"
)

// The whole queue lives in one JSON blob that the reporting side reads
// and clears wholesale, so every read-modify-write goes through the
// overflow lock rather than a per-entry primitive.
const (
	lockTTL  = 5 * time.Second
	lockWait = 3 * time.Second
)

// Queue is the lock-protected overflow list
type Queue struct {
	kv     store.KV
	logger zerolog.Logger
}

// NewQueue creates overflow queue access over the given store
func NewQueue(kv store.KV, logger zerolog.Logger) *Queue {
	return &Queue{kv: kv, logger: logger}
}

// Append adds an entry under the overflow lock. The lock is released on
// every path, including decode failures and store errors mid-append.
func (q *Queue) Append(ctx context.Context, entry types.OverflowEntry) error {
	lock := q.kv.Lock(store.OverflowLockName(), lockTTL)
	if err := lock.Acquire(ctx, lockWait); err != nil {
		return fmt.Errorf("overflow append: %w", err)
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			q.logger.Error().Err(err).Msg("failed to release overflow lock")
		}
	}()

	entries, err := q.load(ctx)
	if err != nil {
		return fmt.Errorf("overflow append: %w", err)
	}
	entries = append(entries, entry)

	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal overflow entries: %w", err)
	}
	if err := q.kv.Set(ctx, store.KeyOverflowQueue, string(raw), 0); err != nil {
		return fmt.Errorf("write overflow queue: %w", err)
	}

	q.logger.Info().Str("call_id", entry.CallID).Str("reason", entry.Reason).
		Int("depth", len(entries)).Msg("call moved to overflow queue")
	return nil
}

// Drain returns all entries and clears the queue under the lock
func (q *Queue) Drain(ctx context.Context) ([]types.OverflowEntry, error) {
	lock := q.kv.Lock(store.OverflowLockName(), lockTTL)
	if err := lock.Acquire(ctx, lockWait); err != nil {
		return nil, fmt.Errorf("overflow drain: %w", err)
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			q.logger.Error().Err(err).Msg("failed to release overflow lock")
		}
	}()

	entries, err := q.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("overflow drain: %w", err)
	}
	if err := q.kv.Del(ctx, store.KeyOverflowQueue); err != nil {
		return nil, fmt.Errorf("clear overflow queue: %w", err)
	}
	return entries, nil
}

// Depth returns the current queue length without taking the lock
func (q *Queue) Depth(ctx context.Context) (int, error) {
	entries, err := q.load(ctx)
	if err != nil {
		return 0, fmt.Errorf("overflow depth: %w", err)
	}
	return len(entries), nil
}

// load reads and decodes the blob. An absent key or undecodable blob is
// an empty queue; corruption loses those entries but never fails the
// caller. Store unavailability is still an error so appends do not
// silently overwrite entries they could not read.
func (q *Queue) load(ctx context.Context) ([]types.OverflowEntry, error) {
	raw, err := q.kv.Get(ctx, store.KeyOverflowQueue)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []types.OverflowEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		q.logger.Error().Err(err).Msg("undecodable overflow queue, treating as empty")
		return nil, nil
	}
	return entries, nil
}
