package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/chat"
	"github.com/matheus3301/relay/internal/config"
	"github.com/matheus3301/relay/internal/logging"
	"github.com/matheus3301/relay/internal/paths"
	"github.com/matheus3301/relay/internal/presence"
	"github.com/matheus3301/relay/internal/store"
	"github.com/matheus3301/relay/internal/subscription"
	"github.com/matheus3301/relay/internal/transport/grpchub"
)

// session is one signed-in client wired to the instance's hub and database.
type session struct {
	client  *chat.Client
	backend *store.Backend
	hub     *grpchub.Client
	db      *store.DB
	redis   *redis.Client
	logger  *zap.Logger
	closed  bool
}

func openSession(instance string, cfg *config.Config, verbose bool) (*session, error) {
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(paths.LogPath(instance, "relayctl"), level, instance)
	if err != nil {
		return nil, err
	}

	socket := cfg.Backend.Socket
	if socket == "" {
		socket = paths.SocketPath(instance)
	}
	dbPath := cfg.Backend.DBPath
	if dbPath == "" {
		dbPath = paths.DBPath(instance)
	}

	hub, err := grpchub.DialSocket(socket, logger.Named("hub"))
	if err != nil {
		return nil, err
	}
	db, err := store.Open(dbPath)
	if err != nil {
		_ = hub.Close()
		return nil, fmt.Errorf("open store (is relayd running?): %w", err)
	}
	s := &session{hub: hub, db: db, logger: logger}
	s.backend = store.NewBackend(db, hub, logger.Named("store"))

	clock := clockwork.NewRealClock()
	var pres presence.Store
	if cfg.Redis.Addr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pres = presence.NewRedis(s.redis, cfg.Redis.Prefix, cfg.Redis.PresenceTTL.Duration, clock)
	} else {
		pres = presence.NewMemory(cfg.Redis.PresenceTTL.Duration, clock)
	}

	m := cfg.Messaging
	r := cfg.Reconnect
	s.client, err = chat.NewClient(chat.Deps{
		UserID:    cfg.UserID,
		Transport: hub,
		Backend:   s.backend,
		Presence:  pres,
		Clock:     clock,
		Logger:    logger,
		Options: chat.Options{
			HistoryLimit:   m.HistoryLimit,
			TypingTimeout:  m.TypingTimeout.Duration,
			TypingThrottle: m.TypingThrottle.Duration,
			RingTimeout:    m.RingTimeout.Duration,
			Provisional:    m.Provisional,
			Reconnect:      subscription.ExponentialBackOff(r.InitialInterval.Duration, r.MaxInterval.Duration, r.Multiplier),
		},
	})
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.client != nil {
		if err := s.client.Close(context.Background()); err != nil {
			s.logger.Debug("presence offline failed", zap.Error(err))
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	_ = s.db.Close()
	_ = s.hub.Close()
	_ = s.logger.Sync()
}
