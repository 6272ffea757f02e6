package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/duetchat/duet/internal/bus"
	"github.com/duetchat/duet/internal/config"
	"github.com/duetchat/duet/internal/convindex"
	"github.com/duetchat/duet/internal/httpapi"
	"github.com/duetchat/duet/internal/lock"
	"github.com/duetchat/duet/internal/logging"
	"github.com/duetchat/duet/internal/presence"
	"github.com/duetchat/duet/internal/reconcile"
	"github.com/duetchat/duet/internal/router"
	"github.com/duetchat/duet/internal/sender"
	"github.com/duetchat/duet/internal/session"
	"github.com/duetchat/duet/internal/status"
	"github.com/duetchat/duet/internal/store"
	"github.com/duetchat/duet/internal/transport"
)

// How much history per conversation is pulled into memory at startup.
const hydrateTail = 200

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideSession,
			provideStateMachine,
			provideLock,
			provideStore,
			provideReconciler,
			provideIndex,
			provideTracker,
			provideAPIClient,
			provideTransport,
			provideSender,
			provideRefresher,
			providePoller,
			provideRouter,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideSession(p Params) session.Session {
	return session.Session{
		Name:   p.SessionName,
		UserID: p.Config.Server.Username,
		Token:  p.Config.Server.Token,
	}
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideReconciler(p Params, db *store.DB, b *bus.Bus, sess session.Session, logger *zap.Logger) (*reconcile.Reconciler, error) {
	r := reconcile.New(db, b, sess, p.Config.Sync.DedupeWindow(), logger)
	if err := r.Hydrate(hydrateTail); err != nil {
		return nil, err
	}
	return r, nil
}

func provideIndex(db *store.DB, logger *zap.Logger) (*convindex.Index, error) {
	ix := convindex.New(db, logger)
	if err := ix.Hydrate(); err != nil {
		return nil, err
	}
	return ix, nil
}

func provideTracker(db *store.DB, b *bus.Bus, logger *zap.Logger) (*presence.Tracker, error) {
	t := presence.New(db, b, logger)
	if err := t.Hydrate(); err != nil {
		return nil, err
	}
	return t, nil
}

func provideAPIClient(p Params) *httpapi.Client {
	return httpapi.New(p.Config)
}

func provideTransport(p Params, sess session.Session, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *transport.Manager {
	return transport.New(p.Config, sess, machine, b, logger)
}

func provideSender(client *httpapi.Client, tm *transport.Manager, r *reconcile.Reconciler, ix *convindex.Index, sess session.Session, b *bus.Bus, logger *zap.Logger) *sender.Sender {
	return sender.New(client, tm, r, ix, sess, b, logger)
}

func provideRefresher(p Params, s *sender.Sender, logger *zap.Logger) *sender.Refresher {
	return sender.NewRefresher(s, p.Config.Sync.Refresh(), logger)
}

func providePoller(p Params, t *presence.Tracker, client *httpapi.Client, logger *zap.Logger) *presence.Poller {
	return presence.NewPoller(t, client, p.Config.Sync.PresencePoll(), p.Config.Sync.PresenceIdlePoll(), logger)
}

func provideRouter(b *bus.Bus, sess session.Session, r *reconcile.Reconciler, ix *convindex.Index, t *presence.Tracker, logger *zap.Logger) *router.Router {
	return router.New(b, &sess, r, ix, t, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, rt *router.Router, tm *transport.Manager, refresher *sender.Refresher, poller *presence.Poller, snd *sender.Sender, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Router first so no push event published after connect is
			// dropped.
			rt.Start()

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("api server error", zap.Error(err))
				}
			}()

			tm.Connect()
			poller.Start()
			refresher.Start()

			// Initial directory pull so the conversation list is usable
			// before the first push or refresh tick.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if n, err := snd.RefreshDirectory(ctx); err != nil {
					logger.Warn("initial directory load failed", zap.Error(err))
				} else {
					logger.Info("directory loaded", zap.Int("users", n))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			refresher.Stop()
			poller.Stop()
			tm.Disconnect()
			rt.Stop()
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
