package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// Redis stores presence in Redis so every client instance sees the same
// state. Keys:
//   - <prefix>:presence:<user>  JSON {status,last_seen}, expires after ttl
//   - <prefix>:last_seen:<user> unix millis, no expiry
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  clockwork.Clock
}

// NewRedis creates a Redis presence store.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration, clock clockwork.Clock) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, clock: clock}
}

func (s *Redis) presenceKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", s.prefix, userID)
}

func (s *Redis) lastSeenKey(userID string) string {
	return fmt.Sprintf("%s:last_seen:%s", s.prefix, userID)
}

// Touch marks userID online for the TTL.
func (s *Redis) Touch(ctx context.Context, userID string) error {
	now := s.clock.Now().UnixMilli()
	b, err := json.Marshal(record{Status: Online, LastSeen: now})
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.presenceKey(userID), b, s.ttl)
		pipe.Set(ctx, s.lastSeenKey(userID), now, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("touch presence %s: %w", userID, err)
	}
	return nil
}

// SetOffline clears the online marker and stamps last seen.
func (s *Redis) SetOffline(ctx context.Context, userID string) error {
	now := s.clock.Now().UnixMilli()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.presenceKey(userID))
		pipe.Set(ctx, s.lastSeenKey(userID), now, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set offline %s: %w", userID, err)
	}
	return nil
}

// Get returns the user's presence. Unknown users are offline.
func (s *Redis) Get(ctx context.Context, userID string) (Presence, error) {
	b, err := s.client.Get(ctx, s.presenceKey(userID)).Bytes()
	if err == nil {
		var r record
		if err := json.Unmarshal(b, &r); err != nil {
			return Presence{}, fmt.Errorf("decode presence %s: %w", userID, err)
		}
		return toPresence(userID, r), nil
	}
	if !errors.Is(err, redis.Nil) {
		return Presence{}, fmt.Errorf("get presence %s: %w", userID, err)
	}

	ms, err := s.client.Get(ctx, s.lastSeenKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return Presence{UserID: userID, Status: Offline}, nil
	}
	if err != nil {
		return Presence{}, fmt.Errorf("get last seen %s: %w", userID, err)
	}
	return toPresence(userID, record{Status: Offline, LastSeen: ms}), nil
}
