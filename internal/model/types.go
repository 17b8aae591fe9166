package model

import "time"

// Kind is the content kind of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindFile  Kind = "file"
)

// Valid reports whether k is a known content kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindAudio, KindFile:
		return true
	}
	return false
}

// Profile is the read-only projection of an account used for display.
type Profile struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	AvatarRef    string    `json:"avatar_ref,omitempty"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// PlaceholderName is shown when a participant's profile row is missing.
const PlaceholderName = "Unknown user"

// Placeholder returns a display identity for a participant without a profile row.
func Placeholder(userID string) Profile {
	return Profile{ID: userID, DisplayName: PlaceholderName}
}

// Conversation is a message thread. Participants is resolved at read time
// and excludes the viewing user.
type Conversation struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
	Participants  []Profile `json:"-"`
}

// ConversationSummary is one row of a user's conversation list: the
// conversation, the other participants' ids, and the last message if any.
type ConversationSummary struct {
	Conversation Conversation
	OtherIDs     []string
	LastMessage  *Message
}

// Participant is a conversation_participants membership row.
type Participant struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	JoinedAt       time.Time `json:"joined_at"`
}

// Message is immutable after creation except for IsRead.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	Kind           Kind      `json:"kind"`
	MediaRef       string    `json:"media_ref,omitempty"`
	ReplyToID      string    `json:"reply_to_id,omitempty"`
	ClientID       string    `json:"client_id,omitempty"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Pending marks a provisional entry that has not been confirmed by the
	// backend yet. Never persisted.
	Pending bool `json:"-"`
}

// Key returns the identity used for ordering ties and de-duplication.
// Provisional entries have no server id yet and use their client id.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.ClientID
}

// Before reports whether m sorts before o: created_at ascending, id as tie-break.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.Key() < o.Key()
}

// ReadStatus records that ReaderID has seen MessageID. At most one per pair.
type ReadStatus struct {
	MessageID string    `json:"message_id"`
	ReaderID  string    `json:"reader_id"`
	CreatedAt time.Time `json:"created_at"`
}
