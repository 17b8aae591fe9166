// Package transport defines the publish/subscribe contract the messaging core
// consumes: row-change events for backing tables, ad-hoc broadcast events on
// named channels, and stream liveness. Hub is the in-process implementation.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Op is a row-change operation.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Backing tables.
const (
	TableConversations = "conversations"
	TableParticipants  = "conversation_participants"
	TableMessages      = "messages"
	TableReadStatus    = "message_read_status"
	TableCalls         = "calls"
)

// Filter restricts a row-change subscription to rows whose Column equals Value.
type Filter struct {
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Eq builds a column equality filter.
func Eq(column, value string) Filter {
	return Filter{Column: column, Value: value}
}

// IsZero reports whether the filter matches every row.
func (f Filter) IsZero() bool { return f.Column == "" }

func (f Filter) String() string {
	if f.IsZero() {
		return "*"
	}
	return f.Column + "=" + f.Value
}

// RowChange is `{ table, operation, filter?, row }` on the wire.
type RowChange struct {
	Table     string          `json:"table"`
	Operation Op              `json:"operation"`
	Filter    *Filter         `json:"filter,omitempty"`
	Row       json.RawMessage `json:"row"`
}

// NewRowChange encodes row as the payload of a change on table.
func NewRowChange(table string, op Op, row any) (RowChange, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return RowChange{}, fmt.Errorf("encode %s row: %w", table, err)
	}
	return RowChange{Table: table, Operation: op, Row: data}, nil
}

// Decode unmarshals the row into v.
func (c RowChange) Decode(v any) error {
	if err := json.Unmarshal(c.Row, v); err != nil {
		return fmt.Errorf("decode %s row: %w", c.Table, err)
	}
	return nil
}

// Column returns the row's value for name rendered as a string.
func (c RowChange) Column(name string) (string, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(c.Row, &fields); err != nil {
		return "", false
	}
	raw, ok := fields[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	if unq, err := strconv.Unquote(string(raw)); err == nil {
		return unq, true
	}
	return string(raw), true
}

// Broadcast is `{ channel, event, payload }` on the wire. Broadcasts are
// ephemeral and best-effort.
type Broadcast struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (b Broadcast) Decode(v any) error {
	if err := json.Unmarshal(b.Payload, v); err != nil {
		return fmt.Errorf("decode %s/%s payload: %w", b.Channel, b.Event, err)
	}
	return nil
}

// EventKind discriminates Event.
type EventKind string

const (
	KindChange    EventKind = "change"
	KindBroadcast EventKind = "broadcast"
	// KindResync is emitted by the subscription layer after a reconnect.
	// Consumers must treat their state as possibly incomplete and re-derive it.
	KindResync EventKind = "resync"
)

// Event is one delivery on a Stream.
type Event struct {
	Kind      EventKind  `json:"kind"`
	Change    *RowChange `json:"change,omitempty"`
	Broadcast *Broadcast `json:"broadcast,omitempty"`
}

// ChangeEvent wraps a row change.
func ChangeEvent(c RowChange) Event { return Event{Kind: KindChange, Change: &c} }

// BroadcastEvent wraps a broadcast.
func BroadcastEvent(b Broadcast) Event { return Event{Kind: KindBroadcast, Broadcast: &b} }

// Topic names one logical channel: a filtered table or a broadcast channel.
type Topic struct {
	Table   string `json:"table,omitempty"`
	Filter  Filter `json:"filter,omitzero"`
	Channel string `json:"channel,omitempty"`
}

// Rows subscribes to row changes on table, optionally filtered.
func Rows(table string, filter Filter) Topic {
	return Topic{Table: table, Filter: filter}
}

// Broadcasts subscribes to broadcast events on channel.
func Broadcasts(channel string) Topic {
	return Topic{Channel: channel}
}

// Key is the canonical identity of the topic.
func (t Topic) Key() string {
	if t.Channel != "" {
		return "broadcast:" + t.Channel
	}
	return "rows:" + t.Table + ":" + t.Filter.String()
}

func (t Topic) String() string { return t.Key() }

// Validate checks that exactly one of Table or Channel is set.
func (t Topic) Validate() error {
	switch {
	case t.Table == "" && t.Channel == "":
		return errors.New("topic needs a table or a channel")
	case t.Table != "" && t.Channel != "":
		return errors.New("topic cannot name both a table and a channel")
	case t.Channel != "" && !t.Filter.IsZero():
		return errors.New("broadcast topics take no filter")
	}
	return nil
}

// Matches reports whether evt belongs to the topic.
func (t Topic) Matches(evt Event) bool {
	switch evt.Kind {
	case KindChange:
		if evt.Change == nil || t.Table == "" || evt.Change.Table != t.Table {
			return false
		}
		if t.Filter.IsZero() {
			return true
		}
		v, ok := evt.Change.Column(t.Filter.Column)
		return ok && v == t.Filter.Value
	case KindBroadcast:
		return evt.Broadcast != nil && t.Channel != "" && evt.Broadcast.Channel == t.Channel
	}
	return false
}

// Stream is one live subscription. Events is closed when the stream ends;
// Err then reports why (nil after Close).
type Stream interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Transport is the client side of the publish/subscribe connection.
type Transport interface {
	Subscribe(ctx context.Context, topic Topic) (Stream, error)
	Broadcast(ctx context.Context, channel, event string, payload any) error
}

// ChangeFeed is the backend side: committed writes are announced here.
type ChangeFeed interface {
	PublishChange(ctx context.Context, change RowChange) error
}

// NewBroadcast encodes payload for channel/event.
func NewBroadcast(channel, event string, payload any) (Broadcast, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Broadcast{}, fmt.Errorf("encode %s/%s payload: %w", channel, event, err)
	}
	return Broadcast{Channel: channel, Event: event, Payload: data}, nil
}
