package store

import "github.com/telroute/acd/internal/types"

// Key names shared by every worker process. These strings are part of the
// deployed contract: changing one orphans the data stored under the old
// name.
const (
	KeyAgentStates   = "acd:agent_states"    // hash: agentID -> AgentRecord JSON
	KeyOverflowQueue = "acd:overflow_queue"  // blob: JSON array of OverflowEntry
	keyAgentQueue    = "acd:agent_queue:"    // + team, zset: agentID scored by enqueue time
	keyActiveCalls   = "acd:active_calls:"   // + team, hash: callID -> CallContext JSON
	keyAgentLock     = "acd:lock:agent:"     // + agentID
	keyOverflowLock  = "acd:lock:overflow"
)

// AgentQueueKey returns the availability zset key for a team
func AgentQueueKey(team types.Team) string {
	return keyAgentQueue + string(team)
}

// ActiveCallsKey returns the active-call hash key for a team
func ActiveCallsKey(team types.Team) string {
	return keyActiveCalls + string(team)
}

// AgentLockName returns the lock name guarding one agent's cached record
func AgentLockName(agentID string) string {
	return keyAgentLock + agentID
}

// OverflowLockName returns the lock name guarding the overflow blob
func OverflowLockName() string {
	return keyOverflowLock
}
