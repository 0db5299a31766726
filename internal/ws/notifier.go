package ws

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/telroute/acd/internal/types"
)

// Monitor publishes routing results to the hub as JSON messages
type Monitor struct {
	hub    *Hub
	logger zerolog.Logger
}

func NewMonitor(hub *Hub, logger zerolog.Logger) *Monitor {
	return &Monitor{hub: hub, logger: logger}
}

type transitionMessage struct {
	Type       string                    `json:"type"`
	Transition types.CallStateTransition `json:"transition"`
}

type outcomeMessage struct {
	Type      string            `json:"type"`
	Team      types.Team        `json:"team"`
	CallID    string            `json:"callId"`
	Outcome   types.CallOutcome `json:"outcome"`
	Timestamp time.Time         `json:"timestamp"`
}

// NotifyTransition broadcasts a call state change
func (m *Monitor) NotifyTransition(tr types.CallStateTransition) {
	m.send(transitionMessage{Type: "transition", Transition: tr})
}

// NotifyOutcome broadcasts a finished call's outcome
func (m *Monitor) NotifyOutcome(team types.Team, callID string, outcome types.CallOutcome) {
	m.send(outcomeMessage{
		Type:      "outcome",
		Team:      team,
		CallID:    callID,
		Outcome:   outcome,
		Timestamp: time.Now(),
	})
}

func (m *Monitor) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to marshal monitor message")
		return
	}
	m.hub.Broadcast(data)
}
