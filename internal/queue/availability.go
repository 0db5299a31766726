// Package queue implements the per-team FIFO queues of idle agents,
// backed by a timestamp-scored sorted set in the state store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/telroute/acd/internal/store"
	"github.com/telroute/acd/internal/types"
)

// Availability manages the idle-agent queues for every team.
//
// Ordering is strict FIFO by enqueue timestamp; scores carry nanosecond
// precision and equal scores fall back to the store's lexicographic
// member order, so the tie-break is deterministic.
type Availability struct {
	kv     store.KV
	logger zerolog.Logger
	clock  func() time.Time
}

// NewAvailability creates queue access over the given store
func NewAvailability(kv store.KV, logger zerolog.Logger) *Availability {
	return &Availability{kv: kv, logger: logger, clock: time.Now}
}

// WithClock overrides the time source, for tests
func (a *Availability) WithClock(clock func() time.Time) *Availability {
	a.clock = clock
	return a
}

// Enqueue adds an agent to its team's queue. Re-enqueueing an agent that
// already has an entry refreshes its timestamp rather than duplicating it.
func (a *Availability) Enqueue(ctx context.Context, team types.Team, agentID string) error {
	score := float64(a.clock().UnixNano()) / float64(time.Second)
	if err := a.kv.ZAdd(ctx, store.AgentQueueKey(team), agentID, score); err != nil {
		return fmt.Errorf("enqueue agent %s: %w", agentID, err)
	}
	a.logger.Debug().Str("agent_id", agentID).Str("team", string(team)).Msg("agent enqueued")
	return nil
}

// DequeueOldest atomically removes and returns the agent that has waited
// longest. An empty queue is an expected condition, reported via ok=false
// with a nil error.
func (a *Availability) DequeueOldest(ctx context.Context, team types.Team) (agentID string, ok bool, err error) {
	m, err := a.kv.ZPopMin(ctx, store.AgentQueueKey(team))
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dequeue %s queue: %w", team, err)
	}
	return m.Member, true, nil
}

// Remove deletes an agent's queue entry if present
func (a *Availability) Remove(ctx context.Context, team types.Team, agentID string) error {
	if err := a.kv.ZRem(ctx, store.AgentQueueKey(team), agentID); err != nil {
		return fmt.Errorf("remove agent %s from %s queue: %w", agentID, team, err)
	}
	return nil
}

// PeekAll returns the ordered agent IDs of a team's queue without
// removing them. Diagnostics only; routing must use DequeueOldest.
func (a *Availability) PeekAll(ctx context.Context, team types.Team) ([]string, error) {
	ids, err := a.kv.ZRange(ctx, store.AgentQueueKey(team))
	if err != nil {
		return nil, fmt.Errorf("peek %s queue: %w", team, err)
	}
	return ids, nil
}

// PeekAllTeams returns the idle agents of every team, support first,
// for "any idle agent" diagnostics.
func (a *Availability) PeekAllTeams(ctx context.Context) ([]string, error) {
	support, err := a.PeekAll(ctx, types.TeamSupport)
	if err != nil {
		return nil, err
	}
	sales, err := a.PeekAll(ctx, types.TeamSales)
	if err != nil {
		return nil, err
	}
	return append(support, sales...), nil
}

// Depth returns the number of idle agents queued for a team
func (a *Availability) Depth(ctx context.Context, team types.Team) (int, error) {
	ids, err := a.PeekAll(ctx, team)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}
