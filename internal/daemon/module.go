package daemon

import (
	"context"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/lock"
	"github.com/matheus3301/relay/internal/logging"
	"github.com/matheus3301/relay/internal/paths"
	"github.com/matheus3301/relay/internal/store"
	"github.com/matheus3301/relay/internal/transport"
	"github.com/matheus3301/relay/internal/transport/grpchub"
)

// Params holds the resolved instance configuration passed to the fx module.
type Params struct {
	Instance string
	LogLevel string
	Dir      string // optional override for testing; empty = paths.Dir(Instance)
	// Optional overrides; empty = inside Dir.
	SocketPath string
	DBPath     string
}

func (p Params) dir() string {
	if p.Dir != "" {
		return p.Dir
	}
	return paths.Dir(p.Instance)
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return filepath.Join(p.dir(), "hub.sock")
}

func (p Params) dbPath() string {
	if p.DBPath != "" {
		return p.DBPath
	}
	return filepath.Join(p.dir(), "relay.db")
}

// Module returns the fx module for the hub daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideLock,
			provideStore,
			provideHub,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(filepath.Join(p.dir(), "logs", "relayd.log"), p.LogLevel, p.Instance)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring instance lock", zap.String("instance", p.Instance))
	l, err := lock.Acquire(p.dir())
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired")
	return l, nil
}

// provideStore takes the lock so migrations only run under it.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.dbPath()
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideHub() *transport.Hub {
	return transport.NewHub()
}

func provideService(hub *transport.Hub, logger *zap.Logger) *grpchub.Service {
	return grpchub.NewService(hub, logger.Named("hub"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, hub *transport.Hub, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Dropping live streams lets GracefulStop finish; clients
			// reconnect to the next daemon.
			hub.SetAvailable(false)
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
