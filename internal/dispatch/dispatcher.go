// Package dispatch turns telephony events into routing actions: agent
// assignment, bridging, overflow demotion, and cleanup. It is the state
// machine between the event pipeline and the switch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/telroute/acd/internal/agentstate"
	"github.com/telroute/acd/internal/eventlog"
	"github.com/telroute/acd/internal/metrics"
	"github.com/telroute/acd/internal/overflow"
	"github.com/telroute/acd/internal/queue"
	"github.com/telroute/acd/internal/registry"
	"github.com/telroute/acd/internal/switchctl"
	"github.com/telroute/acd/internal/types"
)

// Outcome is the discrete result of one handled event
type Outcome string

const (
	OutcomeBridged      Outcome = "bridged"
	OutcomeDisconnected Outcome = "disconnected"
	OutcomeQueued       Outcome = "queued"
	OutcomeFreed        Outcome = "freed"
	OutcomeTransferred  Outcome = "transferred"
	OutcomeCompleted    Outcome = "completed"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeError        Outcome = "error"
)

// Notifier pushes routing results to the monitoring side
type Notifier interface {
	NotifyTransition(tr types.CallStateTransition)
	NotifyOutcome(team types.Team, callID string, outcome types.CallOutcome)
}

type nopNotifier struct{}

func (nopNotifier) NotifyTransition(types.CallStateTransition)          {}
func (nopNotifier) NotifyOutcome(types.Team, string, types.CallOutcome) {}

// Dispatcher routes telephony events. Handlers are idempotent: events
// may be retried after partial side effects, and re-freeing an already
// idle agent or removing an already removed call is harmless.
type Dispatcher struct {
	agents   *agentstate.Manager
	queues   *queue.Availability
	calls    *registry.ActiveCalls
	overflow *overflow.Queue
	switchcl switchctl.Controller
	events   eventlog.Store
	dialer   *Dialer
	notifier Notifier
	logger   zerolog.Logger
	clock    func() time.Time
}

func NewDispatcher(
	agents *agentstate.Manager,
	queues *queue.Availability,
	calls *registry.ActiveCalls,
	ovf *overflow.Queue,
	switchcl switchctl.Controller,
	events eventlog.Store,
	dialer *Dialer,
	logger zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		agents:   agents,
		queues:   queues,
		calls:    calls,
		overflow: ovf,
		switchcl: switchcl,
		events:   events,
		dialer:   dialer,
		notifier: nopNotifier{},
		logger:   logger.With().Str("component", "dispatch").Logger(),
		clock:    time.Now,
	}
}

// WithNotifier sets the monitoring notifier. Call before handling.
func (d *Dispatcher) WithNotifier(n Notifier) *Dispatcher {
	d.notifier = n
	return d
}

// WithClock overrides the time source for tests
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// HandleEvent adapts Handle to the event pipeline's handler contract
func (d *Dispatcher) HandleEvent(ctx context.Context, ev types.TelephonyEvent) (string, error) {
	out, err := d.Handle(ctx, ev)
	if err != nil {
		return string(out), err
	}
	if out == OutcomeSkipped {
		return string(out), eventlog.ErrSkip
	}
	return string(out), nil
}

// Handle routes one event by type and direction
func (d *Dispatcher) Handle(ctx context.Context, ev types.TelephonyEvent) (Outcome, error) {
	log := d.logger.With().
		Str("event_id", ev.EventID).
		Str("type", string(ev.Type)).
		Str("call_id", ev.CallID).
		Str("channel_id", ev.ChannelID).
		Logger()

	switch ev.Type {
	case types.EventChannelCreate:
		if ev.Direction == types.DirectionInbound {
			return d.handleInboundCreate(ctx, log, ev)
		}
		// Outbound legs are tracked from the originate call; the create
		// event only seeds the state trail.
		d.recordTransition(ctx, ev.ChannelID, types.CallStateInitiated)
		return OutcomeSkipped, nil

	case types.EventChannelAnswer:
		return d.handleAnswer(ctx, log, ev)

	case types.EventChannelHangupComplete:
		return d.handleHangupComplete(ctx, log, ev)

	case types.EventCallNotConnected:
		return d.handleCallNotConnected(ctx, log, ev)

	default:
		log.Warn().Msg("unhandled event type")
		return OutcomeSkipped, nil
	}
}

// handleAnswer bridges an answered outbound leg to its reserved agent.
// A leg answered with no agent attached is disconnected; there is
// nobody to talk to. An agent already busy on a different call is never
// re-bridged: the leg is killed with AGENT_BUSY and the call demoted.
func (d *Dispatcher) handleAnswer(ctx context.Context, log zerolog.Logger, ev types.TelephonyEvent) (Outcome, error) {
	cc, team, found, err := d.lookupCall(ctx, ev.Team, ev.CallID)
	if err != nil {
		return OutcomeError, err
	}

	agentID := ev.AgentID
	if agentID == "" && found {
		agentID = cc.AgentID
	}

	d.recordTransition(ctx, ev.ChannelID, types.CallStateAnswered)

	if agentID == "" {
		log.Warn().Msg("channel answered with no agent assigned, disconnecting")
		d.switchcl.Disconnect(ctx, ev.ChannelID, "NORMAL_CLEARING")
		return OutcomeDisconnected, nil
	}

	rec, ok, err := d.agents.Get(ctx, agentID)
	if err != nil {
		return OutcomeError, err
	}
	if !ok {
		log.Warn().Str("agent_id", agentID).Msg("assigned agent unknown, disconnecting")
		d.switchcl.Disconnect(ctx, ev.ChannelID, "NORMAL_CLEARING")
		return OutcomeDisconnected, nil
	}

	switch {
	case rec.Status == types.StatusIdle || rec.Status == types.StatusPending:
	case rec.Status == types.StatusBusy && rec.CurrentCallID == ev.CallID:
		// Retried answer for the call this agent already holds
	default:
		log.Warn().Str("agent_id", agentID).Str("current_call", rec.CurrentCallID).
			Str("status", string(rec.Status)).
			Msg("assigned agent not free, demoting call")
		d.switchcl.Disconnect(ctx, ev.ChannelID, "AGENT_BUSY")
		cc.CallID = ev.CallID
		cc.Team = team
		cc.ChannelID = ""
		return d.demoteToOverflow(ctx, log, cc, "agent busy")
	}

	if _, err := d.agents.MarkBusy(ctx, agentID, ev.CallID); err != nil {
		return OutcomeError, err
	}

	if !d.switchcl.Bridge(ctx, ev.ChannelID, rec.Extension) {
		// Compensate: do not leave the agent stuck busy on a dead leg
		metrics.BridgeFailures.Inc()
		log.Error().Str("agent_id", agentID).Msg("bridge failed, disconnecting and freeing agent")
		d.switchcl.Disconnect(ctx, ev.ChannelID, "NORMAL_CLEARING")
		if _, err := d.agents.MarkIdle(ctx, agentID); err != nil {
			log.Error().Err(err).Str("agent_id", agentID).Msg("failed to free agent after bridge failure")
		}
		return OutcomeDisconnected, nil
	}

	now := d.clock()
	cc.CallID = ev.CallID
	cc.Team = team
	cc.AgentID = agentID
	cc.ChannelID = ev.ChannelID
	cc.AnsweredAt = &now
	if cc.CreatedAt.IsZero() {
		cc.CreatedAt = now
	}
	if err := d.calls.Put(ctx, cc); err != nil {
		return OutcomeError, err
	}

	d.recordTransition(ctx, ev.ChannelID, types.CallStateBridged)
	log.Info().Str("agent_id", agentID).Msg("call bridged to agent")
	return OutcomeBridged, nil
}

// handleHangupComplete finishes a call: exactly one handler removes the
// registry entry, frees the agent, and records the outcome.
func (d *Dispatcher) handleHangupComplete(ctx context.Context, log zerolog.Logger, ev types.TelephonyEvent) (Outcome, error) {
	cc, team, err := d.removeCall(ctx, ev.Team, ev.CallID)
	if errors.Is(err, registry.ErrNotFound) {
		// Already cleaned up by a parallel worker or the reaper
		d.recordTransition(ctx, ev.ChannelID, types.CallStateEnded)
		log.Debug().Msg("hangup for unknown call")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeError, err
	}

	if cc.AgentID != "" {
		if _, err := d.agents.MarkIdle(ctx, cc.AgentID); err != nil {
			return OutcomeError, fmt.Errorf("free agent %s: %w", cc.AgentID, err)
		}
	}

	d.recordTransition(ctx, ev.ChannelID, types.CallStateEnded)

	outcome := types.OutcomeForCause(ev.HangupCause, cc.Answered())
	metrics.CallsTotal.WithLabelValues(string(team), string(outcome)).Inc()
	d.notifier.NotifyOutcome(team, ev.CallID, outcome)

	log.Info().
		Str("agent_id", cc.AgentID).
		Str("cause", ev.HangupCause).
		Str("outcome", string(outcome)).
		Msg("call completed")
	return OutcomeCompleted, nil
}

// handleCallNotConnected releases the agent reserved for a dial attempt
// that never connected. Inbound attempts reserve from support, outbound
// from sales.
func (d *Dispatcher) handleCallNotConnected(ctx context.Context, log zerolog.Logger, ev types.TelephonyEvent) (Outcome, error) {
	team := types.TeamSales
	if ev.Direction == types.DirectionInbound {
		team = types.TeamSupport
	}

	agentID := ev.AgentID
	if agentID == "" {
		var ok bool
		var err error
		agentID, ok, err = d.agents.PendingAgent(ctx, team)
		if err != nil {
			return OutcomeError, err
		}
		if !ok {
			log.Debug().Str("team", string(team)).Msg("no pending agent to release")
			return OutcomeSkipped, nil
		}
	}

	if _, err := d.agents.MarkIdle(ctx, agentID); err != nil {
		return OutcomeError, err
	}
	log.Info().Str("agent_id", agentID).Str("team", string(team)).Msg("released agent after failed connect")
	return OutcomeFreed, nil
}

// handleInboundCreate tries to bridge a new inbound leg to an idle
// agent right away; with nobody available the call is demoted to the
// overflow queue.
func (d *Dispatcher) handleInboundCreate(ctx context.Context, log zerolog.Logger, ev types.TelephonyEvent) (Outcome, error) {
	team := ev.Team
	if !team.Valid() {
		team = types.TeamSupport
	}

	cc := types.CallContext{
		CallID:    ev.CallID,
		Team:      team,
		Direction: types.DirectionInbound,
		ChannelID: ev.ChannelID,
		CallerID:  ev.CallerID,
		CreatedAt: d.clock(),
	}
	d.recordTransition(ctx, ev.ChannelID, types.CallStateInitiated)

	res := d.dialer.Assign(ctx, team, ev.CallID)
	if res.Err != nil {
		return OutcomeError, res.Err
	}
	if !res.OK {
		return d.demoteToOverflow(ctx, log, cc, "no agents available")
	}

	if !d.switchcl.Bridge(ctx, ev.ChannelID, res.Extension) {
		metrics.BridgeFailures.Inc()
		log.Error().Str("agent_id", res.AgentID).Msg("inbound bridge failed")
		if _, err := d.agents.MarkIdle(ctx, res.AgentID); err != nil {
			log.Error().Err(err).Str("agent_id", res.AgentID).Msg("failed to release agent after bridge failure")
		}
		return d.demoteToOverflow(ctx, log, cc, "bridge failed")
	}

	now := d.clock()
	cc.AgentID = res.AgentID
	cc.AnsweredAt = &now
	if _, err := d.agents.MarkBusy(ctx, res.AgentID, ev.CallID); err != nil {
		return OutcomeError, err
	}
	if err := d.calls.Put(ctx, cc); err != nil {
		return OutcomeError, err
	}

	d.recordTransition(ctx, ev.ChannelID, types.CallStateBridged)
	log.Info().Str("agent_id", res.AgentID).Msg("inbound call bridged")
	return OutcomeBridged, nil
}

// StartOutbound runs a dial request from the campaign side: reserve an
// agent, originate the leg, and register the call. With no agent
// available the request goes to overflow instead of dialing a lead
// nobody can talk to.
func (d *Dispatcher) StartOutbound(ctx context.Context, cc types.CallContext) (Outcome, error) {
	log := d.logger.With().Str("call_id", cc.CallID).Str("team", string(cc.Team)).Logger()

	cc.Direction = types.DirectionOutbound
	if cc.CreatedAt.IsZero() {
		cc.CreatedAt = d.clock()
	}

	res := d.dialer.Assign(ctx, cc.Team, cc.CallID)
	if res.Err != nil {
		return OutcomeError, res.Err
	}
	if !res.OK {
		return d.demoteToOverflow(ctx, log, cc, "no agents available")
	}
	cc.AgentID = res.AgentID

	vars := map[string]string{
		"origination_uuid":   cc.CallID,
		"ignore_early_media": "true",
	}
	channelID, ok := d.switchcl.Originate(ctx, cc.Destination, vars, res.Extension)
	if !ok {
		log.Error().Str("agent_id", res.AgentID).Msg("originate failed, releasing agent")
		if _, err := d.agents.MarkIdle(ctx, res.AgentID); err != nil {
			log.Error().Err(err).Str("agent_id", res.AgentID).Msg("failed to release agent after originate failure")
		}
		return d.demoteToOverflow(ctx, log, cc, "originate failed")
	}

	cc.ChannelID = channelID
	if err := d.calls.Put(ctx, cc); err != nil {
		return OutcomeError, err
	}
	d.recordTransition(ctx, channelID, types.CallStateInitiated)
	log.Info().Str("agent_id", res.AgentID).Str("channel_id", channelID).Msg("outbound call originated")
	return OutcomeQueued, nil
}

// lookupCall resolves a call context when the event may not name a
// team. The switch does not know teams, so an event without one is
// checked against every team registry. Returns the team the call was
// found under, or a best guess when it was not.
func (d *Dispatcher) lookupCall(ctx context.Context, team types.Team, callID string) (types.CallContext, types.Team, bool, error) {
	if team.Valid() {
		cc, found, err := d.calls.Get(ctx, team, callID)
		return cc, team, found, err
	}
	for _, t := range types.AllTeams {
		cc, found, err := d.calls.Get(ctx, t, callID)
		if err != nil {
			return types.CallContext{}, t, false, err
		}
		if found {
			return cc, t, true, nil
		}
	}
	return types.CallContext{}, types.TeamSales, false, nil
}

// removeCall removes a call context, trying every team registry when
// the event carries no team. Returns the team it was removed from.
func (d *Dispatcher) removeCall(ctx context.Context, team types.Team, callID string) (types.CallContext, types.Team, error) {
	if team.Valid() {
		cc, err := d.calls.Remove(ctx, team, callID)
		return cc, team, err
	}
	for _, t := range types.AllTeams {
		cc, err := d.calls.Remove(ctx, t, callID)
		if errors.Is(err, registry.ErrNotFound) {
			continue
		}
		return cc, t, err
	}
	return types.CallContext{}, types.TeamSales, registry.ErrNotFound
}

// demoteToOverflow disconnects any live leg and parks the call
func (d *Dispatcher) demoteToOverflow(ctx context.Context, log zerolog.Logger, cc types.CallContext, reason string) (Outcome, error) {
	if cc.ChannelID != "" {
		d.switchcl.Disconnect(ctx, cc.ChannelID, "NORMAL_CLEARING")
	}

	entry := types.OverflowEntry{
		CallID:      cc.CallID,
		Team:        cc.Team,
		Direction:   cc.Direction,
		Destination: cc.Destination,
		CallerID:    cc.CallerID,
		Reason:      reason,
		EnqueuedAt:  d.clock(),
		Payload:     cc.Payload,
	}
	if err := d.overflow.Append(ctx, entry); err != nil {
		return OutcomeError, fmt.Errorf("overflow call %s: %w", cc.CallID, err)
	}

	metrics.OverflowAppends.Inc()
	if depth, err := d.overflow.Depth(ctx); err == nil {
		metrics.OverflowDepth.Set(float64(depth))
	}
	log.Info().Str("reason", reason).Msg("call queued for retry")
	return OutcomeQueued, nil
}

// recordTransition appends a call state transition, chaining sequence
// and duration off the previous record. Failures are logged only; the
// state trail is an audit aid, not a routing dependency.
func (d *Dispatcher) recordTransition(ctx context.Context, channelID string, state types.CallState) {
	if channelID == "" {
		return
	}
	now := d.clock()
	tr := types.CallStateTransition{
		ChannelID:    channelID,
		Sequence:     1,
		CurrentState: state,
		Timestamp:    now,
	}

	prev, err := d.events.LastTransition(ctx, channelID)
	if err == nil {
		if prev.CurrentState == state {
			return
		}
		tr.Sequence = prev.Sequence + 1
		tr.PreviousState = prev.CurrentState
		tr.DurationSecs = now.Sub(prev.Timestamp).Seconds()
	} else if !errors.Is(err, eventlog.ErrNotFound) {
		d.logger.Warn().Err(err).Str("channel_id", channelID).Msg("failed to read last transition")
	}

	if err := d.events.SaveTransition(ctx, tr); err != nil {
		d.logger.Warn().Err(err).Str("channel_id", channelID).Msg("failed to record transition")
		return
	}
	d.notifier.NotifyTransition(tr)
}
