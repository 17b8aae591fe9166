// Package presence tracks whether peers are online and when they were last
// seen. A peer is online while its presence key is alive; the key expires a
// TTL after the last Touch.
package presence

import (
	"context"
	"time"
)

// DefaultTTL is how long a Touch keeps a user online.
const DefaultTTL = 60 * time.Second

// Status is a coarse presence state.
type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

// Presence is a user's presence snapshot. LastSeen is zero when unknown.
type Presence struct {
	UserID   string
	Status   Status
	LastSeen time.Time
}

// Store records and reads presence.
type Store interface {
	Touch(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	Get(ctx context.Context, userID string) (Presence, error)
}

// TypingLabel is shown instead of the presence label while a peer types.
const TypingLabel = "typing…"

// Label renders the peer status line: typing wins over presence.
func Label(typing bool, p Presence) string {
	if typing {
		return TypingLabel
	}
	if p.Status == Online {
		return "Online"
	}
	return "Offline"
}

type record struct {
	Status   Status `json:"status"`
	LastSeen int64  `json:"last_seen"`
}

func toPresence(userID string, r record) Presence {
	p := Presence{UserID: userID, Status: r.Status}
	if r.LastSeen > 0 {
		p.LastSeen = time.UnixMilli(r.LastSeen).UTC()
	}
	if p.Status == "" {
		p.Status = Offline
	}
	return p
}
