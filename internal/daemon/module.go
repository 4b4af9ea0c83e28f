// Package daemon composes the store, the ingest engine and the outbox sender
// of one profile into an fx application.
package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/anomess/internal/bus"
	"github.com/matheus3301/anomess/internal/ingest"
	"github.com/matheus3301/anomess/internal/link"
	"github.com/matheus3301/anomess/internal/lock"
	"github.com/matheus3301/anomess/internal/logging"
	"github.com/matheus3301/anomess/internal/outbox"
	"github.com/matheus3301/anomess/internal/profile"
	"github.com/matheus3301/anomess/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile       string
	LocalAddress  string
	RetryInterval time.Duration
	LogLevel      string

	// Transport carries messages to peers. Nil leaves the link OFFLINE and
	// outgoing messages PENDING until a daemon with a transport runs.
	Transport outbox.Transport
}

// Connector is implemented by transports whose connection the daemon brings
// up on start and tears down on stop.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect()
}

var errNoTransport = errors.New("no transport attached")

type unattached struct{}

func (unattached) Send(context.Context, *store.Message) error { return errNoTransport }

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLinkMachine,
			provideLock,
			provideStore,
			provideTransport,
			provideIngestEngine,
			provideSender,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLinkMachine(b *bus.Bus) *link.Machine {
	return link.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.LockPath(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("path", l.Path()))
	return l, nil
}

// provideStore takes the lock so the database is never opened by a second
// process.
func provideStore(p Params, _ *lock.Lock, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath, store.WithBus(b))
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

func provideTransport(p Params) outbox.Transport {
	if p.Transport == nil {
		return unattached{}
	}
	return p.Transport
}

func provideIngestEngine(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *ingest.Engine {
	return ingest.NewEngine(db, b, logger.Named("ingest"), p.LocalAddress)
}

func provideSender(p Params, db *store.DB, t outbox.Transport, m *link.Machine, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, t, m, b, logger.Named("outbox"), p.RetryInterval)
}

func registerLifecycle(lc fx.Lifecycle, p Params, lk *lock.Lock, db *store.DB, t outbox.Transport, engine *ingest.Engine, sender *outbox.Sender, machine *link.Machine, logger *zap.Logger) {
	var stopLink context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Start ingest engine (subscribes to transport.* bus events).
			engine.Start(context.Background())

			if err := sender.Start(context.Background()); err != nil {
				engine.Stop()
				return err
			}

			contacts, _ := db.ContactCount(ctx)
			messages, _ := db.MessageCount(ctx)
			logger.Info("daemon started",
				zap.String("local_address", p.LocalAddress),
				zap.Int64("contacts", contacts),
				zap.Int64("messages", messages))

			if p.Transport == nil {
				logger.Info("no transport attached, outbox stays idle")
				return nil
			}

			_ = machine.Transition(link.Starting)
			conn, ok := t.(Connector)
			if !ok {
				_ = machine.Transition(link.Online)
				return nil
			}
			var linkCtx context.Context
			linkCtx, stopLink = context.WithCancel(context.Background())
			go func() {
				if err := conn.Connect(linkCtx); err != nil {
					logger.Error("transport connect failed", zap.Error(err))
					_ = machine.Transition(link.Error)
					return
				}
				_ = machine.Transition(link.Online)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if stopLink != nil {
				stopLink()
			}
			if conn, ok := t.(Connector); ok && p.Transport != nil {
				conn.Disconnect()
			}
			if machine.Current() != link.Offline {
				if err := machine.Transition(link.Offline); err != nil {
					logger.Warn("link state on shutdown", zap.Error(err))
				}
			}
			sender.Stop()
			engine.Stop()
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
