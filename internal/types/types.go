package types

import "time"

// Team is a routing partition of agents and calls. Queues and the active
// call registry are always scoped per team.
type Team string

const (
	TeamSales   Team = "sales"
	TeamSupport Team = "support"
)

// AllTeams lists the known routing teams
var AllTeams = []Team{TeamSales, TeamSupport}

// Valid reports whether t is a known team
func (t Team) Valid() bool {
	return t == TeamSales || t == TeamSupport
}

// AgentStatus represents agent availability
type AgentStatus string

const (
	StatusIdle    AgentStatus = "idle"
	StatusBusy    AgentStatus = "busy"
	StatusPending AgentStatus = "pending" // waiting for a fallback assignment
	StatusOffline AgentStatus = "offline"
)

// Direction represents which side initiated the call leg
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Agent is the provisioning-time identity of an agent. Runtime state
// (status, current call) lives in the state store as an AgentRecord.
type Agent struct {
	AgentID          string `json:"agentId"`
	Team             Team   `json:"team"`
	Extension        string `json:"extension"`
	ConcurrencyLimit int    `json:"concurrencyLimit"`
}

// AgentRecord is the cached runtime state of an agent in the state store.
// Invariant: Status == busy iff CurrentCallID is set.
type AgentRecord struct {
	AgentID       string      `json:"agentId"`
	Team          Team        `json:"team"`
	Status        AgentStatus `json:"status"`
	Extension     string      `json:"extension,omitempty"`
	CurrentCallID string      `json:"currentCallId,omitempty"`
	CallStartedAt *time.Time  `json:"callStartedAt,omitempty"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// CallContext is the per-attempt call descriptor held in the active call
// registry while a switch channel exists for it.
type CallContext struct {
	CallID      string            `json:"callId"`
	Team        Team              `json:"team"`
	Direction   Direction         `json:"direction"`
	AgentID     string            `json:"agentId,omitempty"`
	ChannelID   string            `json:"channelId"`
	Destination string            `json:"destination,omitempty"`
	CallerID    string            `json:"callerId,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	AnsweredAt  *time.Time        `json:"answeredAt,omitempty"`
	Payload     map[string]string `json:"payload,omitempty"`
}

// Answered reports whether the call was ever connected
func (c CallContext) Answered() bool {
	return c.AnsweredAt != nil
}

// OverflowEntry is a call descriptor demoted to the overflow queue when no
// agent could be assigned at call time.
type OverflowEntry struct {
	CallID      string            `json:"callId"`
	Team        Team              `json:"team"`
	Direction   Direction         `json:"direction"`
	Destination string            `json:"destination,omitempty"`
	CallerID    string            `json:"callerId,omitempty"`
	Reason      string            `json:"reason"`
	EnqueuedAt  time.Time         `json:"enqueuedAt"`
	Payload     map[string]string `json:"payload,omitempty"`
}

// QueueEntry is one member of a team availability queue
type QueueEntry struct {
	AgentID    string    `json:"agentId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}
