// Package api is the ops and collaborator HTTP surface: read-only
// snapshots for reporting, provisioning and dial requests from the
// campaign subsystem, and event injection into the pipeline.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/telroute/acd/internal/agentstate"
	"github.com/telroute/acd/internal/dispatch"
	"github.com/telroute/acd/internal/eventlog"
	"github.com/telroute/acd/internal/metrics"
	"github.com/telroute/acd/internal/overflow"
	"github.com/telroute/acd/internal/queue"
	"github.com/telroute/acd/internal/registry"
	"github.com/telroute/acd/internal/types"
)

// Handler wires the engine's components to HTTP endpoints
type Handler struct {
	agents     *agentstate.Manager
	queues     *queue.Availability
	calls      *registry.ActiveCalls
	overflow   *overflow.Queue
	dispatcher *dispatch.Dispatcher
	pipeline   *eventlog.Pipeline
	logger     zerolog.Logger
}

func NewHandler(
	agents *agentstate.Manager,
	queues *queue.Availability,
	calls *registry.ActiveCalls,
	ovf *overflow.Queue,
	dispatcher *dispatch.Dispatcher,
	pipeline *eventlog.Pipeline,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		agents:     agents,
		queues:     queues,
		calls:      calls,
		overflow:   ovf,
		dispatcher: dispatcher,
		pipeline:   pipeline,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// HandleHealth handles GET /health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleCalls handles GET /api/calls/{team}
func (h *Handler) HandleCalls(w http.ResponseWriter, r *http.Request) {
	team := types.Team(chi.URLParam(r, "team"))
	if !team.Valid() {
		http.Error(w, `{"error":"unknown team"}`, http.StatusBadRequest)
		return
	}

	calls, err := h.calls.Snapshot(r.Context(), team)
	if err != nil {
		h.logger.Error().Err(err).Str("team", string(team)).Msg("failed to snapshot calls")
		http.Error(w, `{"error":"store unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"team":  team,
		"calls": calls,
		"count": len(calls),
	})
}

// HandleAgents handles GET /api/agents
func (h *Handler) HandleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agents.Snapshot(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to snapshot agents")
		http.Error(w, `{"error":"store unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

// HandleQueues handles GET /api/queues
func (h *Handler) HandleQueues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	queues := make(map[string][]string, len(types.AllTeams))
	for _, team := range types.AllTeams {
		ids, err := h.queues.PeekAll(ctx, team)
		if err != nil {
			h.logger.Error().Err(err).Str("team", string(team)).Msg("failed to read queue")
			http.Error(w, `{"error":"store unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		queues[string(team)] = ids
	}

	depth, err := h.overflow.Depth(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read overflow depth")
		http.Error(w, `{"error":"store unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"queues":        queues,
		"overflowDepth": depth,
	})
}

// HandleOverflowDrain handles POST /internal/overflow/drain. The
// campaign subsystem pulls parked calls here to redial them on its own
// pacing; the entries are removed as they are handed over.
func (h *Handler) HandleOverflowDrain(w http.ResponseWriter, r *http.Request) {
	entries, err := h.overflow.Drain(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to drain overflow queue")
		http.Error(w, `{"error":"store unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	metrics.OverflowDepth.Set(0)
	h.logger.Info().Int("count", len(entries)).Msg("overflow queue drained")
	respondJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// HandleProvisionAgent handles POST /internal/agents
func (h *Handler) HandleProvisionAgent(w http.ResponseWriter, r *http.Request) {
	var agent types.Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if agent.AgentID == "" || !agent.Team.Valid() {
		http.Error(w, `{"error":"agentId and a valid team are required"}`, http.StatusBadRequest)
		return
	}

	if err := h.agents.Register(r.Context(), agent); err != nil {
		h.logger.Error().Err(err).Str("agent_id", agent.AgentID).Msg("failed to register agent")
		http.Error(w, `{"error":"store unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	h.logger.Info().Str("agent_id", agent.AgentID).Str("team", string(agent.Team)).Msg("agent provisioned")
	respondJSON(w, http.StatusCreated, map[string]string{"agentId": agent.AgentID})
}

// HandleDeactivateAgent handles DELETE /internal/agents/{id}
func (h *Handler) HandleDeactivateAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if agentID == "" {
		http.Error(w, `{"error":"agent id is required"}`, http.StatusBadRequest)
		return
	}

	found, err := h.agents.Remove(r.Context(), agentID)
	if err != nil {
		h.logger.Error().Err(err).Str("agent_id", agentID).Msg("failed to remove agent")
		http.Error(w, `{"error":"store unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	if !found {
		http.Error(w, `{"error":"agent not found"}`, http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"agentId": agentID})
}

// DialRequest is a call context creation request from the campaign
// subsystem.
type DialRequest struct {
	CallID      string            `json:"callId"`
	Team        types.Team        `json:"team"`
	Destination string            `json:"destination"`
	CallerID    string            `json:"callerId,omitempty"`
	Payload     map[string]string `json:"payload,omitempty"`
}

// HandleDial handles POST /internal/dial
func (h *Handler) HandleDial(w http.ResponseWriter, r *http.Request) {
	var req DialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.CallID == "" || req.Destination == "" || !req.Team.Valid() {
		http.Error(w, `{"error":"callId, destination and a valid team are required"}`, http.StatusBadRequest)
		return
	}

	cc := types.CallContext{
		CallID:      req.CallID,
		Team:        req.Team,
		Direction:   types.DirectionOutbound,
		Destination: req.Destination,
		CallerID:    req.CallerID,
		Payload:     req.Payload,
	}
	outcome, err := h.dispatcher.StartOutbound(r.Context(), cc)
	if err != nil {
		h.logger.Error().Err(err).Str("call_id", req.CallID).Msg("dial request failed")
		http.Error(w, `{"error":"dial failed"}`, http.StatusServiceUnavailable)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"callId":  req.CallID,
		"outcome": string(outcome),
	})
}

// HandleEvent handles POST /internal/event
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var ev types.TelephonyEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if ev.Type == "" || ev.ChannelID == "" {
		http.Error(w, `{"error":"type and channelId are required"}`, http.StatusBadRequest)
		return
	}

	if err := h.pipeline.Ingest(r.Context(), ev); err != nil {
		h.logger.Error().Err(err).Str("channel_id", ev.ChannelID).Msg("failed to ingest event")
		http.Error(w, `{"error":"event store unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
