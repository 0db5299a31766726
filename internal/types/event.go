package types

import "time"

// EventType identifies a telephony life-cycle event from the switch
type EventType string

const (
	EventChannelCreate         EventType = "channel-create"
	EventChannelAnswer         EventType = "channel-answer"
	EventChannelHangupComplete EventType = "channel-hangup-complete"
	EventCallNotConnected      EventType = "call-not-connected"
)

// TelephonyEvent is the durable audit record of one raw switch event.
// Immutable once recorded.
type TelephonyEvent struct {
	EventID     string    `json:"eventId" dynamodbav:"EventID"`
	Type        EventType `json:"type" dynamodbav:"Type"`
	ChannelID   string    `json:"channelId" dynamodbav:"ChannelID"`
	CallID      string    `json:"callId,omitempty" dynamodbav:"CallID"`
	Team        Team      `json:"team,omitempty" dynamodbav:"Team"`
	Direction   Direction `json:"direction,omitempty" dynamodbav:"Direction"`
	AgentID     string    `json:"agentId,omitempty" dynamodbav:"AgentID"`
	CallerID    string    `json:"callerId,omitempty" dynamodbav:"CallerID"`
	Destination string    `json:"destination,omitempty" dynamodbav:"Destination"`
	HangupCause string    `json:"hangupCause,omitempty" dynamodbav:"HangupCause"`
	RawPayload  string    `json:"rawPayload,omitempty" dynamodbav:"RawPayload"`
	SwitchTime  time.Time `json:"switchTime" dynamodbav:"SwitchTime"`
	ReceivedAt  time.Time `json:"receivedAt" dynamodbav:"ReceivedAt"`
}

// ProcessingState is the lifecycle state of an event's processing record
type ProcessingState string

const (
	ProcessingPending   ProcessingState = "pending"
	ProcessingActive    ProcessingState = "processing"
	ProcessingProcessed ProcessingState = "processed"
	ProcessingFailed    ProcessingState = "failed"
	ProcessingSkipped   ProcessingState = "skipped"
)

// ProcessingStatus tracks retry-safe processing of a single TelephonyEvent.
// Attempts increments only on an explicit retry; once Attempts reaches the
// configured ceiling the record stays failed and leaves the retry scan.
// LastAttempt and NextRetry persist as epoch seconds so range filters on
// them compare numerically.
type ProcessingStatus struct {
	EventID     string          `json:"eventId" dynamodbav:"EventID"`
	State       ProcessingState `json:"state" dynamodbav:"State"`
	Attempts    int             `json:"attempts" dynamodbav:"Attempts"`
	LastAttempt time.Time       `json:"lastAttempt" dynamodbav:"LastAttempt,unixtime"`
	NextRetry   time.Time       `json:"nextRetry" dynamodbav:"NextRetry,unixtime"`
	LastError   string          `json:"lastError,omitempty" dynamodbav:"LastError"`
	Outcome     string          `json:"outcome,omitempty" dynamodbav:"Outcome"`
	UpdatedAt   time.Time       `json:"updatedAt" dynamodbav:"UpdatedAt"`
}

// CallState is one node of the simplified call state machine
type CallState string

const (
	CallStateInitiated CallState = "initiated"
	CallStateAlerting  CallState = "alerting"
	CallStateAnswered  CallState = "answered"
	CallStateBridged   CallState = "bridged"
	CallStateHeld      CallState = "held"
	CallStateEnded     CallState = "ended"
)

// CallStateTransition is an append-only record of one state change,
// keyed by channel ID. CallStateEnded is terminal.
type CallStateTransition struct {
	ChannelID     string    `json:"channelId" dynamodbav:"ChannelID"`
	Sequence      int64     `json:"sequence" dynamodbav:"Sequence"`
	PreviousState CallState `json:"previousState" dynamodbav:"PreviousState"`
	CurrentState  CallState `json:"currentState" dynamodbav:"CurrentState"`
	DurationSecs  float64   `json:"durationSecs" dynamodbav:"DurationSecs"`
	Timestamp     time.Time `json:"timestamp" dynamodbav:"Timestamp"`
}

// CallOutcome classifies a finished call for the reporting collaborator
type CallOutcome string

const (
	OutcomeAnswered CallOutcome = "answered"
	OutcomeNoAnswer CallOutcome = "no_answer"
	OutcomeBusy     CallOutcome = "busy"
	OutcomeFailed   CallOutcome = "failed"
	OutcomeInvalid  CallOutcome = "invalid"
	OutcomeCanceled CallOutcome = "cancelled"
)

// hangupCauseOutcomes maps switch hangup causes to reporting outcomes
var hangupCauseOutcomes = map[string]CallOutcome{
	"NORMAL_CLEARING": OutcomeAnswered,

	"USER_BUSY":     OutcomeBusy,
	"CALL_REJECTED": OutcomeBusy,

	"NO_ANSWER":        OutcomeNoAnswer,
	"NO_USER_RESPONSE": OutcomeNoAnswer,
	"PROGRESS_TIMEOUT": OutcomeNoAnswer,

	"RECOVERY_ON_TIMER": OutcomeFailed,
	"LOSE_RACE":         OutcomeFailed,
	"ORIGINATOR_CANCEL": OutcomeCanceled,

	"UNALLOCATED_NUMBER":    OutcomeInvalid,
	"INVALID_NUMBER_FORMAT": OutcomeInvalid,
	"NO_ROUTE_DESTINATION":  OutcomeInvalid,
}

// OutcomeForCause maps a switch hangup cause to a CallOutcome. Unknown
// causes fall back on whether the call was ever answered.
func OutcomeForCause(cause string, answered bool) CallOutcome {
	if o, ok := hangupCauseOutcomes[cause]; ok {
		return o
	}
	if answered {
		return OutcomeAnswered
	}
	return OutcomeNoAnswer
}
