// Package app composes the client: configuration, logging, the profile
// store, the session, the gateway and the synchronizers.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/matheus3301/howudoin/internal/account"
	"github.com/matheus3301/howudoin/internal/bus"
	"github.com/matheus3301/howudoin/internal/config"
	"github.com/matheus3301/howudoin/internal/direct"
	"github.com/matheus3301/howudoin/internal/friends"
	"github.com/matheus3301/howudoin/internal/groups"
	"github.com/matheus3301/howudoin/internal/logging"
	"github.com/matheus3301/howudoin/internal/poll"
	"github.com/matheus3301/howudoin/internal/profile"
	"github.com/matheus3301/howudoin/internal/session"
	"github.com/matheus3301/howudoin/internal/store"
	"github.com/matheus3301/howudoin/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile and command-line overrides passed to the fx module.
type Params struct {
	ProfileName string
	// ConfigPath overrides the global config location; empty = profile.ConfigPath().
	ConfigPath string
	// BaseURL and PollInterval override the config file when set.
	BaseURL      string
	PollInterval time.Duration
}

// Client is everything a consuming surface needs.
type Client struct {
	Config   *config.Config
	Bus      *bus.Bus
	Sessions *session.Store
	Account  *account.Service
	Friends  *friends.Synchronizer
	Direct   *direct.Synchronizer
	Groups   *groups.Synchronizer
	Poller   *poll.Scheduler
	Logger   *zap.Logger
}

// Module returns the fx module for the client, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("howudoin",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStore,
			provideSessions,
			provideHTTPClient,
			provideGateway,
			provideAccount,
			provideFriends,
			provideDirect,
			provideGroups,
			provideScheduler,
			newClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if p.BaseURL != "" {
		cfg.BaseURL = p.BaseURL
	}
	if p.PollInterval > 0 {
		cfg.PollInterval = config.Duration{Duration: p.PollInterval}
	}
	return cfg, cfg.Validate()
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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
		logger.Debug("migrations up to date", zap.Uint("version", result.Version))
	}
	return db, nil
}

func provideSessions(db *store.DB, b *bus.Bus, logger *zap.Logger) *session.Store {
	return session.NewStore(db, b, logger)
}

func provideHTTPClient(cfg *config.Config) *http.Client {
	return &http.Client{Timeout: cfg.RequestTimeout.Duration}
}

func provideGateway(cfg *config.Config, hc *http.Client, sessions *session.Store, logger *zap.Logger) (*transport.Gateway, error) {
	return transport.New(cfg.BaseURL, hc, sessions, logger)
}

func provideAccount(gw *transport.Gateway, sessions *session.Store, logger *zap.Logger) *account.Service {
	return account.New(gw, sessions, logger)
}

func provideFriends(gw *transport.Gateway, sessions *session.Store, b *bus.Bus, logger *zap.Logger) *friends.Synchronizer {
	return friends.New(gw, sessions, b, logger)
}

func provideDirect(gw *transport.Gateway, b *bus.Bus, logger *zap.Logger) *direct.Synchronizer {
	return direct.New(gw, b, logger)
}

func provideGroups(gw *transport.Gateway, b *bus.Bus, logger *zap.Logger) *groups.Synchronizer {
	return groups.New(gw, b, logger)
}

func provideScheduler(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *poll.Scheduler {
	return poll.NewScheduler(cfg.PollInterval.Duration, b, logger)
}

func newClient(
	cfg *config.Config,
	b *bus.Bus,
	sessions *session.Store,
	acct *account.Service,
	f *friends.Synchronizer,
	d *direct.Synchronizer,
	g *groups.Synchronizer,
	poller *poll.Scheduler,
	logger *zap.Logger,
) *Client {
	return &Client{
		Config:   cfg,
		Bus:      b,
		Sessions: sessions,
		Account:  acct,
		Friends:  f,
		Direct:   d,
		Groups:   g,
		Poller:   poller,
		Logger:   logger,
	}
}

func registerLifecycle(lc fx.Lifecycle, p Params, sessions *session.Store, poller *poll.Scheduler, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if s := sessions.Load(ctx); !s.Authenticated() {
				logger.Info("no saved session, sign in required", zap.String("profile", p.ProfileName))
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			poller.StopAll()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			logger.Info("client stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
