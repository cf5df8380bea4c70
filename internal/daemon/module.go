// Package daemon composes the mediated process: storage, services, push and
// the HTTP server, started and stopped through fx lifecycle hooks.
package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/mediate/internal/api"
	"github.com/matheus3301/mediate/internal/bus"
	"github.com/matheus3301/mediate/internal/config"
	"github.com/matheus3301/mediate/internal/conversation"
	"github.com/matheus3301/mediate/internal/lock"
	"github.com/matheus3301/mediate/internal/logging"
	"github.com/matheus3301/mediate/internal/metrics"
	"github.com/matheus3301/mediate/internal/moderation"
	"github.com/matheus3301/mediate/internal/notify"
	"github.com/matheus3301/mediate/internal/outbox"
	"github.com/matheus3301/mediate/internal/paths"
	"github.com/matheus3301/mediate/internal/push"
	"github.com/matheus3301/mediate/internal/resolve"
	"github.com/matheus3301/mediate/internal/status"
	"github.com/matheus3301/mediate/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// LockOwner is recorded in the data directory lock while the daemon runs.
const LockOwner = "mediated"

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config *config.Config
	Addr   string // optional listen override for testing; empty = use config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideMetrics,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideModerator,
			providePolicy,
			providePublisher,
			provideNotifier,
			provideConversations,
			provideHub,
			provideMailer,
			provideSender,
			provideReconciler,
			provideAPI,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func dataDir(p Params) string {
	return paths.DataDir(p.Config.DataDir)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(paths.LogPath(dataDir(p)), p.Config.Log.Level, "mediated")
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideBus(m *metrics.Metrics) *bus.Bus {
	b := bus.New()
	b.OnDrop(func(evt bus.Event) { m.BusDropped(evt.Kind) })
	return b
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	dir := dataDir(p)
	if err := paths.EnsureDir(dir); err != nil {
		return nil, err
	}
	logger.Info("acquiring data directory lock", zap.String("dir", dir))
	l, err := lock.Acquire(dir, LockOwner)
	if err != nil {
		return nil, err
	}
	logger.Info("data directory lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two
// processes.
func provideStore(p Params, _ *lock.Lock, machine *status.Machine, logger *zap.Logger) (*store.DB, error) {
	if err := machine.Transition(status.Migrating); err != nil {
		return nil, err
	}
	dbPath := paths.DBPath(dataDir(p))
	db, err := store.Open(dbPath)
	if err != nil {
		machine.Fail()
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		machine.Fail()
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideModerator(p Params) (*moderation.Moderator, error) {
	return moderation.New(p.Config.Moderation.Terms)
}

func providePolicy(p Params) (conversation.InterceptionPolicy, error) {
	return conversation.NewPolicy(p.Config.Interception.Mode, p.Config.Interception.Providers)
}

func providePublisher(b *bus.Bus) *push.Publisher {
	return push.NewPublisher(b)
}

func provideNotifier(p Params, db *store.DB, pub *push.Publisher, logger *zap.Logger, m *metrics.Metrics) *notify.Service {
	return notify.NewService(db, pub, logger.Named("notify"), m, notify.Options{
		EmailBaseURL: p.Config.Notify.EmailBaseURL,
	})
}

func provideConversations(
	p Params,
	db *store.DB,
	notes *notify.Service,
	policy conversation.InterceptionPolicy,
	mod *moderation.Moderator,
	pub *push.Publisher,
	logger *zap.Logger,
	m *metrics.Metrics,
) *conversation.Service {
	return conversation.NewService(conversation.Deps{
		DB:        db,
		Notifier:  notes,
		Policy:    policy,
		Moderator: mod,
		Publisher: pub,
		Logger:    logger.Named("conversation"),
		Metrics:   m,
	}, conversation.Options{OperatorAlias: p.Config.Operator.Alias})
}

func provideHub(p Params, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *push.Hub {
	return push.NewHub(b, logger.Named("push"), m, p.Config.HTTP.AllowedOrigins)
}

func provideMailer(p Params, logger *zap.Logger) (outbox.Mailer, error) {
	e := p.Config.Email
	switch e.Mode {
	case "", "log":
		return outbox.LogMailer{Logger: logger.Named("mail")}, nil
	case "smtp":
		return outbox.SMTPMailer{Addr: e.SMTPAddr, From: e.From, Username: e.Username, Password: e.Password}, nil
	default:
		return nil, fmt.Errorf("unknown email mode %q", e.Mode)
	}
}

func provideSender(p Params, db *store.DB, mailer outbox.Mailer, logger *zap.Logger, m *metrics.Metrics) *outbox.Sender {
	return outbox.NewSender(db, mailer, logger.Named("outbox"), m, outbox.Options{
		Interval:    p.Config.Email.Interval,
		MaxAttempts: p.Config.Email.MaxAttempts,
	})
}

func provideReconciler(p Params, db *store.DB, logger *zap.Logger) *resolve.Reconciler {
	return resolve.NewReconciler(db, logger.Named("resolve"), resolve.Options{OperatorAlias: p.Config.Operator.Alias})
}

func provideAPI(
	db *store.DB,
	convs *conversation.Service,
	notes *notify.Service,
	hub *push.Hub,
	machine *status.Machine,
	m *metrics.Metrics,
	logger *zap.Logger,
) *api.Server {
	return api.NewServer(api.Deps{
		DB:            db,
		Conversations: convs,
		Notifications: notes,
		Hub:           hub,
		Status:        machine,
		Metrics:       m,
		Logger:        logger,
	})
}

type lifecycleDeps struct {
	fx.In

	Params     Params
	Server     *Server
	Lock       *lock.Lock
	DB         *store.DB
	Hub        *push.Hub
	Sender     *outbox.Sender
	Reconciler *resolve.Reconciler
	Machine    *status.Machine
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Backfill rows written by older releases before taking traffic.
			if err := d.Machine.Transition(status.Resolving); err != nil {
				return err
			}
			report, err := d.Reconciler.Run(ctx)
			if err != nil {
				d.Machine.Fail()
				return fmt.Errorf("resolve: %w", err)
			}
			d.Logger.Info("resolve pass complete",
				zap.Int("messages", report.MessagesScanned),
				zap.Int("resolved", report.IdentitiesResolved),
				zap.Int("unresolved", report.IdentitiesUnresolved),
				zap.Int("bodies", report.BodiesRederived),
				zap.Int("notifications", report.NotificationsRederived))

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("http server error", zap.Error(err))
					d.Machine.Fail()
				}
			}()

			d.Sender.Start(context.Background())
			return d.Machine.Transition(status.Ready)
		},
		OnStop: func(ctx context.Context) error {
			_ = d.Machine.Transition(status.Draining)
			if timeout := d.Params.Config.HTTP.ShutdownTimeout; timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			if err := d.Server.Stop(ctx); err != nil {
				d.Logger.Warn("http shutdown incomplete", zap.Error(err))
			}
			d.Hub.Close()
			d.Sender.Stop()
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}
			_ = d.Machine.Transition(status.Stopped)
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			return nil
		},
	})
}
