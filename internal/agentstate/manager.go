// Package agentstate owns the cached runtime record of every agent and
// the idle/busy/remove transitions on it. Each transition runs under a
// per-agent leased lock so two handlers can never race on the same
// agent's record.
package agentstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/telroute/acd/internal/queue"
	"github.com/telroute/acd/internal/store"
	"github.com/telroute/acd/internal/types"
)

const (
	lockTTL  = 3 * time.Second
	lockWait = 3 * time.Second

	// orphanAge is how long an agent may sit busy with no call ID
	// before the reaper frees it
	orphanAge = 90 * time.Second
)

// Manager coordinates agent record transitions with queue membership
type Manager struct {
	kv     store.KV
	queues *queue.Availability
	logger zerolog.Logger
	clock  func() time.Time
}

// NewManager creates an agent state manager
func NewManager(kv store.KV, queues *queue.Availability, logger zerolog.Logger) *Manager {
	return &Manager{kv: kv, queues: queues, logger: logger, clock: time.Now}
}

// WithClock overrides the time source, for tests
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Register provisions (or re-provisions at login) an agent's cached
// record as idle and enqueues it for assignment.
func (m *Manager) Register(ctx context.Context, agent types.Agent) error {
	return m.withAgentLock(ctx, agent.AgentID, func() error {
		rec := types.AgentRecord{
			AgentID:   agent.AgentID,
			Team:      agent.Team,
			Extension: agent.Extension,
			Status:    types.StatusIdle,
			UpdatedAt: m.clock(),
		}
		if err := m.save(ctx, rec); err != nil {
			return err
		}
		return m.queues.Enqueue(ctx, agent.Team, agent.AgentID)
	})
}

// MarkIdle sets an agent idle, clears its current call, and re-enqueues
// it. Unknown agents (already logged off) are a warning-level no-op.
// Calling MarkIdle on an agent that is already idle refreshes its queue
// entry; the zset insert is idempotent so no duplicate appears.
func (m *Manager) MarkIdle(ctx context.Context, agentID string) (bool, error) {
	found := false
	err := m.withAgentLock(ctx, agentID, func() error {
		rec, ok, err := m.load(ctx, agentID)
		if err != nil {
			return err
		}
		if !ok {
			m.logger.Warn().Str("agent_id", agentID).Msg("mark idle for unknown agent, skipping")
			return nil
		}
		found = true

		rec.Status = types.StatusIdle
		rec.CurrentCallID = ""
		rec.CallStartedAt = nil
		rec.UpdatedAt = m.clock()

		if err := m.save(ctx, rec); err != nil {
			return err
		}
		return m.queues.Enqueue(ctx, rec.Team, agentID)
	})
	return found, err
}

// MarkBusy sets an agent busy on a call and removes it from its team's
// availability queue so it cannot be selected again.
func (m *Manager) MarkBusy(ctx context.Context, agentID, callID string) (bool, error) {
	found := false
	err := m.withAgentLock(ctx, agentID, func() error {
		rec, ok, err := m.load(ctx, agentID)
		if err != nil {
			return err
		}
		if !ok {
			// Agent logged out while we were bridging
			m.logger.Warn().Str("agent_id", agentID).Str("call_id", callID).
				Msg("mark busy for unknown agent, skipping")
			return nil
		}
		found = true

		now := m.clock()
		rec.Status = types.StatusBusy
		rec.CurrentCallID = callID
		rec.CallStartedAt = &now
		rec.UpdatedAt = now

		if err := m.save(ctx, rec); err != nil {
			return err
		}
		return m.queues.Remove(ctx, rec.Team, agentID)
	})
	return found, err
}

// Remove deletes an agent's cached record and any queue membership,
// used at logoff or deactivation.
func (m *Manager) Remove(ctx context.Context, agentID string) (bool, error) {
	found := false
	err := m.withAgentLock(ctx, agentID, func() error {
		rec, ok, err := m.load(ctx, agentID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		found = true

		if err := m.kv.HDel(ctx, store.KeyAgentStates, agentID); err != nil {
			return fmt.Errorf("delete agent %s: %w", agentID, err)
		}
		return m.queues.Remove(ctx, rec.Team, agentID)
	})
	return found, err
}

// IsIdle reports whether the agent exists, is idle, and has no call
func (m *Manager) IsIdle(ctx context.Context, agentID string) (bool, error) {
	rec, ok, err := m.load(ctx, agentID)
	if err != nil || !ok {
		return false, err
	}
	return rec.Status == types.StatusIdle && rec.CurrentCallID == "", nil
}

// Get returns an agent's cached record
func (m *Manager) Get(ctx context.Context, agentID string) (types.AgentRecord, bool, error) {
	return m.load(ctx, agentID)
}

// Snapshot returns every cached agent record, for reporting
func (m *Manager) Snapshot(ctx context.Context) ([]types.AgentRecord, error) {
	raw, err := m.kv.HGetAll(ctx, store.KeyAgentStates)
	if err != nil {
		return nil, fmt.Errorf("snapshot agent states: %w", err)
	}

	out := make([]types.AgentRecord, 0, len(raw))
	for agentID, v := range raw {
		var rec types.AgentRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			m.logger.Warn().Str("agent_id", agentID).Msg("skipping undecodable agent record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// PendingAgent returns an agent of the team flagged as waiting for a
// fallback assignment, or ok=false when none is.
func (m *Manager) PendingAgent(ctx context.Context, team types.Team) (string, bool, error) {
	recs, err := m.Snapshot(ctx)
	if err != nil {
		return "", false, err
	}
	for _, rec := range recs {
		if rec.Status == types.StatusPending && rec.Team == team {
			return rec.AgentID, true, nil
		}
	}
	return "", false, nil
}

// ReapOrphans reconciles agent records against reality and returns how
// many agents were freed or repaired:
//   - busy agents whose call no longer exists (current call ID absent
//     from the active registries, or busy with no call ID past
//     orphanAge) are freed
//   - pending reservations older than orphanAge, stranded by a dial
//     attempt whose call-not-connected event never arrived, are released
//   - idle agents missing their queue entry are re-enqueued
func (m *Manager) ReapOrphans(ctx context.Context, activeCallIDs map[string]bool) int {
	recs, err := m.Snapshot(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("orphan reap skipped, cannot read agent states")
		return 0
	}

	queued := make(map[types.Team]map[string]bool, len(types.AllTeams))
	for _, team := range types.AllTeams {
		ids, err := m.queues.PeekAll(ctx, team)
		if err != nil {
			m.logger.Error().Err(err).Str("team", string(team)).
				Msg("orphan reap skipped, cannot read queue")
			return 0
		}
		members := make(map[string]bool, len(ids))
		for _, id := range ids {
			members[id] = true
		}
		queued[team] = members
	}

	now := m.clock()
	freed := 0
	for _, rec := range recs {
		orphaned := false
		switch rec.Status {
		case types.StatusBusy:
			switch {
			case rec.CurrentCallID != "" && !activeCallIDs[rec.CurrentCallID]:
				m.logger.Warn().Str("agent_id", rec.AgentID).Str("call_id", rec.CurrentCallID).
					Msg("agent busy on a call that no longer exists, freeing")
				orphaned = true
			case rec.CurrentCallID == "" && rec.CallStartedAt != nil && now.Sub(*rec.CallStartedAt) > orphanAge:
				m.logger.Warn().Str("agent_id", rec.AgentID).
					Msg("agent busy with no call past orphan age, freeing")
				orphaned = true
			}

		case types.StatusPending:
			if now.Sub(rec.UpdatedAt) > orphanAge {
				m.logger.Warn().Str("agent_id", rec.AgentID).
					Msg("agent pending past orphan age, releasing reservation")
				orphaned = true
			}

		case types.StatusIdle:
			if !queued[rec.Team][rec.AgentID] {
				m.logger.Warn().Str("agent_id", rec.AgentID).Str("team", string(rec.Team)).
					Msg("idle agent missing queue entry, re-enqueueing")
				if err := m.queues.Enqueue(ctx, rec.Team, rec.AgentID); err != nil {
					m.logger.Error().Err(err).Str("agent_id", rec.AgentID).Msg("failed to re-enqueue idle agent")
					continue
				}
				freed++
			}
		}

		if orphaned {
			if _, err := m.MarkIdle(ctx, rec.AgentID); err != nil {
				m.logger.Error().Err(err).Str("agent_id", rec.AgentID).Msg("failed to free orphaned agent")
				continue
			}
			freed++
		}
	}
	return freed
}

// withAgentLock runs fn under the agent's leased lock, releasing on all
// paths. Lock timeouts and store failures come back as errors the
// dispatcher treats as retryable.
func (m *Manager) withAgentLock(ctx context.Context, agentID string, fn func() error) error {
	lock := m.kv.Lock(store.AgentLockName(agentID), lockTTL)
	if err := lock.Acquire(ctx, lockWait); err != nil {
		if errors.Is(err, store.ErrLockNotAcquired) {
			m.logger.Error().Str("agent_id", agentID).Msg("could not acquire agent lock, system busy")
		}
		return fmt.Errorf("agent %s lock: %w", agentID, err)
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			m.logger.Error().Err(err).Str("agent_id", agentID).Msg("failed to release agent lock")
		}
	}()
	return fn()
}

// load decodes the agent record. Decode failure is treated as absent.
func (m *Manager) load(ctx context.Context, agentID string) (types.AgentRecord, bool, error) {
	raw, err := m.kv.HGet(ctx, store.KeyAgentStates, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return types.AgentRecord{}, false, nil
	}
	if err != nil {
		return types.AgentRecord{}, false, fmt.Errorf("load agent %s: %w", agentID, err)
	}

	var rec types.AgentRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		m.logger.Error().Err(err).Str("agent_id", agentID).Msg("undecodable agent record, treating as absent")
		return types.AgentRecord{}, false, nil
	}
	return rec, true, nil
}

func (m *Manager) save(ctx context.Context, rec types.AgentRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal agent %s: %w", rec.AgentID, err)
	}
	if err := m.kv.HSet(ctx, store.KeyAgentStates, rec.AgentID, string(raw)); err != nil {
		return fmt.Errorf("save agent %s: %w", rec.AgentID, err)
	}
	return nil
}

// MarkPending flags an agent as waiting for a fallback assignment
func (m *Manager) MarkPending(ctx context.Context, agentID string) (bool, error) {
	found := false
	err := m.withAgentLock(ctx, agentID, func() error {
		rec, ok, err := m.load(ctx, agentID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		found = true

		rec.Status = types.StatusPending
		rec.UpdatedAt = m.clock()
		if err := m.save(ctx, rec); err != nil {
			return err
		}
		return m.queues.Remove(ctx, rec.Team, agentID)
	})
	return found, err
}
