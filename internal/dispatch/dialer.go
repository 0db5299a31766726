package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/telroute/acd/internal/agentstate"
	"github.com/telroute/acd/internal/queue"
	"github.com/telroute/acd/internal/types"
)

// defaultTaskCeiling aborts a runaway assignment task. Partial side
// effects up to the abort stand; a retried event must tolerate them.
const defaultTaskCeiling = 30 * time.Minute

// AssignResult is the dial loop's answer to one assignment request
type AssignResult struct {
	AgentID   string
	Extension string
	OK        bool
	Err       error
}

type assignRequest struct {
	ctx    context.Context
	team   types.Team
	callID string
	reply  chan AssignResult
}

// Dialer serializes final dial-assignment decisions through a single
// consumer goroutine. Handlers from any number of workers submit
// requests; exactly one at a time pops an idle agent and reserves it,
// so two calls can never claim the same agent.
type Dialer struct {
	agents      *agentstate.Manager
	queues      *queue.Availability
	requests    chan assignRequest
	taskCeiling time.Duration
	logger      zerolog.Logger
}

func NewDialer(agents *agentstate.Manager, queues *queue.Availability, logger zerolog.Logger) *Dialer {
	return &Dialer{
		agents:      agents,
		queues:      queues,
		requests:    make(chan assignRequest, 64),
		taskCeiling: defaultTaskCeiling,
		logger:      logger.With().Str("component", "dialer").Logger(),
	}
}

// Run consumes assignment requests in enqueue order until ctx is
// cancelled
func (d *Dialer) Run(ctx context.Context) {
	d.logger.Info().Msg("dial loop started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("dial loop stopped")
			return
		case req := <-d.requests:
			req.reply <- d.assign(req)
		}
	}
}

// Assign requests an agent for a call and blocks until the dial loop
// replies or ctx is cancelled.
func (d *Dialer) Assign(ctx context.Context, team types.Team, callID string) AssignResult {
	req := assignRequest{
		ctx:    ctx,
		team:   team,
		callID: callID,
		reply:  make(chan AssignResult, 1),
	}
	select {
	case d.requests <- req:
	case <-ctx.Done():
		return AssignResult{Err: ctx.Err()}
	}
	select {
	case res := <-req.reply:
		return res
	case <-ctx.Done():
		return AssignResult{Err: ctx.Err()}
	}
}

// assign runs inside the single consumer. It pops the oldest idle agent
// off the team queue and reserves it (pending) for the call. Agents
// whose cached record disagrees with the queue are skipped.
func (d *Dialer) assign(req assignRequest) AssignResult {
	ctx, cancel := context.WithTimeout(req.ctx, d.taskCeiling)
	defer cancel()

	for {
		agentID, ok, err := d.queues.DequeueOldest(ctx, req.team)
		if err != nil {
			return AssignResult{Err: err}
		}
		if !ok {
			return AssignResult{OK: false}
		}

		rec, found, err := d.agents.Get(ctx, agentID)
		if err != nil {
			d.requeue(ctx, req.team, agentID)
			return AssignResult{Err: err}
		}
		if !found || rec.Status != types.StatusIdle {
			// Stale queue membership, drop it and keep looking
			d.logger.Warn().
				Str("agent_id", agentID).
				Str("team", string(req.team)).
				Msg("queued agent not idle, skipping")
			continue
		}

		reserved, err := d.agents.MarkPending(ctx, agentID)
		if err != nil {
			d.requeue(ctx, req.team, agentID)
			return AssignResult{Err: err}
		}
		if !reserved {
			continue
		}

		d.logger.Info().
			Str("agent_id", agentID).
			Str("call_id", req.callID).
			Str("team", string(req.team)).
			Msg("agent reserved for call")
		return AssignResult{AgentID: agentID, Extension: rec.Extension, OK: true}
	}
}

// requeue puts a popped but unreserved agent back on its team queue so
// a store hiccup mid-assignment does not strand it. Best effort; the
// reaper re-enqueues any idle agent that fell out of its queue.
func (d *Dialer) requeue(ctx context.Context, team types.Team, agentID string) {
	if err := d.queues.Enqueue(ctx, team, agentID); err != nil {
		d.logger.Error().Err(err).
			Str("agent_id", agentID).
			Str("team", string(team)).
			Msg("failed to requeue agent after assignment error")
	}
}
