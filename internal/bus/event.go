package bus

import "time"

// Event is a UI-facing notification published by the messaging components.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by prefix, e.g. "call." or "conn.".
const (
	KindConnStatus      = "conn.status_changed"
	KindMessagesChanged = "messages.changed"
	KindSendFailed      = "messages.send_failed"
	KindUnreadChanged   = "receipts.changed"
	KindTypingChanged   = "typing.changed"
	KindCallIncoming    = "call.incoming"
	KindCallUpdated     = "call.updated"
	KindInboxUpdated    = "inbox.updated"
)
