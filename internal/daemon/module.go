package daemon

import (
	"context"

	"github.com/agonn78/p2p-chat/internal/api"
	"github.com/agonn78/p2p-chat/internal/bus"
	"github.com/agonn78/p2p-chat/internal/config"
	"github.com/agonn78/p2p-chat/internal/lock"
	"github.com/agonn78/p2p-chat/internal/logging"
	"github.com/agonn78/p2p-chat/internal/messenger"
	"github.com/agonn78/p2p-chat/internal/outbox"
	"github.com/agonn78/p2p-chat/internal/profile"
	"github.com/agonn78/p2p-chat/internal/receipts"
	"github.com/agonn78/p2p-chat/internal/status"
	"github.com/agonn78/p2p-chat/internal/store"
	intsync "github.com/agonn78/p2p-chat/internal/sync"
	"github.com/agonn78/p2p-chat/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	// Config overrides the config file when non-nil.
	Config *config.Config
	Debug  bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideSyncService,
			provideTransport,
			provideMessenger,
			provideRetrier,
			provideListener,
			provideAPIService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two
// daemons at once.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
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

func provideSyncService(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Service {
	return intsync.NewService(db, b, logger.Named("sync"))
}

func identity(cfg *config.Config) transport.Identity {
	return transport.Identity{
		Token:    cfg.Server.Token,
		UserID:   cfg.Server.UserID,
		Username: cfg.Server.Username,
	}
}

func provideTransport(cfg *config.Config, logger *zap.Logger) *transport.Client {
	if cfg.Server.BaseURL == "" {
		logger.Warn("server.base_url is not set, every send will stay queued")
	}
	return transport.NewClient(cfg.Server.BaseURL, identity(cfg))
}

func provideMessenger(svc *intsync.Service, client *transport.Client, db *store.DB, cfg *config.Config, logger *zap.Logger) *messenger.Messenger {
	return messenger.New(svc, client, db, messenger.Options{
		SenderID: cfg.Server.UserID,
		PageSize: cfg.History.PageSize,
	}, logger.Named("messenger"))
}

func provideRetrier(db *store.DB, m *messenger.Messenger, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Retrier {
	return outbox.NewRetrier(db, m, b, outbox.Options{
		PollInterval: cfg.Outbox.PollInterval.Duration,
		StaleAfter:   cfg.Outbox.StaleAfter.Duration,
		Backoff:      cfg.OutboxBackoff(),
	}, logger.Named("outbox"))
}

// provideListener returns nil when no event socket is configured.
func provideListener(cfg *config.Config, svc *intsync.Service, machine *status.Machine, logger *zap.Logger) *receipts.Listener {
	if cfg.Server.WSURL == "" {
		logger.Info("server.ws_url is not set, receipts disabled")
		return nil
	}
	return receipts.NewListener(receipts.Options{
		URL:      cfg.Server.WSURL,
		Identity: identity(cfg),
		Backoff:  cfg.ReconnectBackoff(),
	}, svc, machine, logger.Named("receipts"))
}

func provideAPIService(p Params, machine *status.Machine, m *messenger.Messenger, svc *intsync.Service, retrier *outbox.Retrier, db *store.DB, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(api.Deps{
		Profile:   p.Profile,
		Machine:   machine,
		Messenger: m,
		Sync:      svc,
		Retrier:   retrier,
		DB:        db,
		Bus:       b,
		Logger:    logger.Named("api"),
	})
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, retrier *outbox.Retrier, listener *receipts.Listener, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			retrier.Start(context.Background())
			if listener != nil {
				listener.Start(context.Background())
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if listener != nil {
				listener.Stop()
			}
			retrier.Stop()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
