// Package eventlog is the durable side of the engine: every raw switch
// event, its processing status, and the per-channel call state
// transitions are persisted here before any routing action is taken.
package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/telroute/acd/internal/types"
)

// ErrNotFound means no record exists for the given key
var ErrNotFound = errors.New("eventlog: not found")

// Store persists telephony events and their processing bookkeeping.
// Events are write-once; statuses are updated through the retry
// lifecycle; transitions are append-only.
type Store interface {
	SaveEvent(ctx context.Context, ev types.TelephonyEvent) error
	GetEvent(ctx context.Context, eventID string) (types.TelephonyEvent, error)

	SaveStatus(ctx context.Context, st types.ProcessingStatus) error
	// SaveStatusBatch writes a batch of statuses in bulk to cut store
	// round trips under load. Individual outcomes are still one record
	// per event.
	SaveStatusBatch(ctx context.Context, sts []types.ProcessingStatus) error
	GetStatus(ctx context.Context, eventID string) (types.ProcessingStatus, error)
	// ListDue returns statuses eligible for (re)processing: pending,
	// failed below maxAttempts with NextRetry at or before now, or
	// stuck in processing since before staleBefore (a claim whose
	// worker died mid-handler). Failed records at the attempt ceiling
	// never come back from this scan.
	ListDue(ctx context.Context, now, staleBefore time.Time, maxAttempts, limit int) ([]types.ProcessingStatus, error)

	SaveTransition(ctx context.Context, tr types.CallStateTransition) error
	// LastTransition returns the most recent transition for a channel
	LastTransition(ctx context.Context, channelID string) (types.CallStateTransition, error)
	ListTransitions(ctx context.Context, channelID string) ([]types.CallStateTransition, error)
}
