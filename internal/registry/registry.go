// Package registry tracks in-flight calls per team in the state store.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/telroute/acd/internal/store"
	"github.com/telroute/acd/internal/types"
)

// ErrNotFound means no call with that ID is registered for the team.
// A second Remove of the same call reports this, not a failure.
var ErrNotFound = errors.New("registry: call not found")

// ActiveCalls is the per-team registry of calls that currently have a
// switch channel.
type ActiveCalls struct {
	kv     store.KV
	logger zerolog.Logger
}

// NewActiveCalls creates registry access over the given store
func NewActiveCalls(kv store.KV, logger zerolog.Logger) *ActiveCalls {
	return &ActiveCalls{kv: kv, logger: logger}
}

// Put upserts a call context into its team's registry
func (r *ActiveCalls) Put(ctx context.Context, cc types.CallContext) error {
	raw, err := json.Marshal(cc)
	if err != nil {
		return fmt.Errorf("marshal call %s: %w", cc.CallID, err)
	}
	if err := r.kv.HSet(ctx, store.ActiveCallsKey(cc.Team), cc.CallID, string(raw)); err != nil {
		return fmt.Errorf("register call %s: %w", cc.CallID, err)
	}
	return nil
}

// Get reads a call context without removing it
func (r *ActiveCalls) Get(ctx context.Context, team types.Team, callID string) (types.CallContext, bool, error) {
	raw, err := r.kv.HGet(ctx, store.ActiveCallsKey(team), callID)
	if errors.Is(err, store.ErrNotFound) {
		return types.CallContext{}, false, nil
	}
	if err != nil {
		return types.CallContext{}, false, fmt.Errorf("get call %s: %w", callID, err)
	}

	var cc types.CallContext
	if err := json.Unmarshal([]byte(raw), &cc); err != nil {
		r.logger.Warn().Str("call_id", callID).Msg("undecodable call context")
		return types.CallContext{}, false, nil
	}
	return cc, true, nil
}

// Remove atomically fetches and deletes a call in one pipelined round
// trip and returns its final snapshot. Exactly one concurrent caller
// observes the context; later callers get ErrNotFound.
func (r *ActiveCalls) Remove(ctx context.Context, team types.Team, callID string) (types.CallContext, error) {
	raw, err := r.kv.HGetDel(ctx, store.ActiveCallsKey(team), callID)
	if errors.Is(err, store.ErrNotFound) {
		return types.CallContext{}, ErrNotFound
	}
	if err != nil {
		return types.CallContext{}, fmt.Errorf("remove call %s: %w", callID, err)
	}

	var cc types.CallContext
	if err := json.Unmarshal([]byte(raw), &cc); err != nil {
		// Corrupt entry: the field is already gone, treat as absent
		r.logger.Error().Err(err).Str("call_id", callID).Str("team", string(team)).
			Msg("undecodable call context dropped")
		return types.CallContext{}, ErrNotFound
	}
	return cc, nil
}

// Snapshot returns every registered call for a team. Monitoring only;
// routing decisions must go through Remove.
func (r *ActiveCalls) Snapshot(ctx context.Context, team types.Team) ([]types.CallContext, error) {
	raw, err := r.kv.HGetAll(ctx, store.ActiveCallsKey(team))
	if err != nil {
		return nil, fmt.Errorf("snapshot %s calls: %w", team, err)
	}

	out := make([]types.CallContext, 0, len(raw))
	for callID, v := range raw {
		var cc types.CallContext
		if err := json.Unmarshal([]byte(v), &cc); err != nil {
			r.logger.Warn().Str("call_id", callID).Msg("skipping undecodable call context in snapshot")
			continue
		}
		out = append(out, cc)
	}
	return out, nil
}

// ActiveCallIDs returns the set of call IDs registered across all teams,
// used by the orphan reaper to spot busy agents whose call is gone.
func (r *ActiveCalls) ActiveCallIDs(ctx context.Context) (map[string]bool, error) {
	ids := make(map[string]bool)
	for _, team := range types.AllTeams {
		raw, err := r.kv.HGetAll(ctx, store.ActiveCallsKey(team))
		if err != nil {
			return nil, fmt.Errorf("list %s calls: %w", team, err)
		}
		for callID := range raw {
			ids[callID] = true
		}
	}
	return ids, nil
}
