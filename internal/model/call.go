package model

import "time"

// CallKind is the media kind of a call.
type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

// CallStatus is a state of the call signaling state machine.
type CallStatus string

const (
	CallPending  CallStatus = "pending"
	CallAccepted CallStatus = "accepted"
	CallRejected CallStatus = "rejected"
	CallMissed   CallStatus = "missed"
	CallEnded    CallStatus = "ended"
)

// Active reports whether the call still holds the conversation's call slot.
func (s CallStatus) Active() bool {
	return s == CallPending || s == CallAccepted
}

// Call is a call record. Terminal rows are kept as history.
type Call struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversation_id"`
	CallerID        string     `json:"caller_id"`
	CalleeID        string     `json:"callee_id"`
	Kind            CallKind   `json:"kind"`
	Status          CallStatus `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	Offer           string     `json:"offer,omitempty"`
	Answer          string     `json:"answer,omitempty"`
	Channel         string     `json:"channel,omitempty"`
}

// CallPatch is the set of columns a status transition writes. When From is
// set the write only applies while the stored status still equals From.
type CallPatch struct {
	From            CallStatus
	Status          CallStatus
	EndedAt         *time.Time
	DurationSeconds *int
	Answer          string
}
