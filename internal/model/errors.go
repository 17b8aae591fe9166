package model

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportDisconnected is reported when a live subscription is lost.
	// It never means data loss: the subscription layer reconnects and resyncs.
	ErrTransportDisconnected = errors.New("transport disconnected")

	// ErrClosed is returned by operations on a released screen or store.
	ErrClosed = errors.New("closed")

	// ErrEmptyMessage is returned when a message has neither body nor media.
	ErrEmptyMessage = errors.New("message has no body and no media")

	// ErrDurationRequired is returned when ending a call without a duration.
	ErrDurationRequired = errors.New("ending a call requires the elapsed duration")

	// ErrDuplicateSubscription is returned when a live subscription for the
	// same topic already exists.
	ErrDuplicateSubscription = errors.New("duplicate live subscription")
)

// FetchError reports a failed read. Callers degrade to an empty or zero
// result and surface a non-fatal notice.
type FetchError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *FetchError) Error() string {
	if e.ConversationID != "" {
		return fmt.Sprintf("fetch %s (conversation %s): %v", e.Op, e.ConversationID, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SendError reports a rejected write. Local state is left untouched and the
// write is never retried automatically.
type SendError struct {
	Op  string
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// InvalidTransition reports a call state machine misuse. It is raised
// before any write is issued, or when the stored status has already moved
// past the transition's source.
type InvalidTransition struct {
	CallID string
	From   CallStatus
	To     CallStatus
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("call %s: invalid transition from %s to %s", e.CallID, e.From, e.To)
}

// CallInProgressError is returned when starting a call in a conversation
// that already has a pending or accepted call on this device.
type CallInProgressError struct {
	ConversationID string
	CallID         string
}

func (e *CallInProgressError) Error() string {
	return fmt.Sprintf("conversation %s already has active call %s", e.ConversationID, e.CallID)
}

// IsFetch reports whether err is a *FetchError.
func IsFetch(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// IsSend reports whether err is a *SendError.
func IsSend(err error) bool {
	var se *SendError
	return errors.As(err, &se)
}

// IsInvalidTransition reports whether err is an *InvalidTransition.
func IsInvalidTransition(err error) bool {
	var it *InvalidTransition
	return errors.As(err, &it)
}
