package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/telroute/acd/internal/agentstate"
	"github.com/telroute/acd/internal/metrics"
	"github.com/telroute/acd/internal/overflow"
	"github.com/telroute/acd/internal/queue"
	"github.com/telroute/acd/internal/registry"
	"github.com/telroute/acd/internal/types"
)

// Reaper periodically frees busy agents whose call no longer exists and
// refreshes the snapshot gauges. It is the reconciliation path for
// events that were lost or exhausted their retries while an agent was
// still held busy.
type Reaper struct {
	agents   *agentstate.Manager
	calls    *registry.ActiveCalls
	queues   *queue.Availability
	overflow *overflow.Queue
	interval time.Duration
	logger   zerolog.Logger
}

func NewReaper(agents *agentstate.Manager, calls *registry.ActiveCalls, queues *queue.Availability, ovf *overflow.Queue, interval time.Duration, logger zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{
		agents:   agents,
		calls:    calls,
		queues:   queues,
		overflow: ovf,
		interval: interval,
		logger:   logger.With().Str("component", "reaper").Logger(),
	}
}

// Run sweeps until ctx is cancelled
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("orphan reaper started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("orphan reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass
func (r *Reaper) Sweep(ctx context.Context) {
	ids, err := r.calls.ActiveCallIDs(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list active calls, skipping sweep")
		return
	}

	if n := r.agents.ReapOrphans(ctx, ids); n > 0 {
		metrics.OrphansReaped.Add(float64(n))
		r.logger.Warn().Int("freed", n).Msg("freed orphaned busy agents")
	}

	for _, team := range types.AllTeams {
		if depth, err := r.queues.Depth(ctx, team); err == nil {
			metrics.IdleAgents.WithLabelValues(string(team)).Set(float64(depth))
		}
		if calls, err := r.calls.Snapshot(ctx, team); err == nil {
			metrics.ActiveCalls.WithLabelValues(string(team)).Set(float64(len(calls)))
		}
	}
	if depth, err := r.overflow.Depth(ctx); err == nil {
		metrics.OverflowDepth.Set(float64(depth))
	}
}
