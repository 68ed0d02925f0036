package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"portage/internal/config"
	"portage/internal/config/loader"
	"portage/internal/gateway/binance"
	"portage/internal/gateway/exchange"
	"portage/internal/gateway/notifier"
	"portage/internal/gateway/paper"
	"portage/internal/logger"
	"portage/internal/migration"
	"portage/internal/scheduler"
	"portage/internal/store/gormstore"
	"portage/internal/store/journal"
	migrationhttp "portage/internal/transport/http"
)

// App owns every long-lived component and their shutdown order.
type App struct {
	cfg     *config.Config
	store   *gormstore.GormStore
	journal *journal.Store
	svc     *migration.Service
	server  *migrationhttp.Server
	watcher *loader.PolicyWatcher
}

// NewApp wires the application from config.
func NewApp(cfg *config.Config) (*App, error) {
	store, err := gormstore.New(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening transition store: %w", err)
	}
	jnl, err := journal.Open(cfg.Storage.JournalPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening tick journal: %w", err)
	}

	venues, err := buildVenues(cfg)
	if err != nil {
		store.Close()
		jnl.Close()
		return nil, err
	}

	var notify migration.TextNotifier
	if cfg.Notify.Telegram.Enabled {
		notify = notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
	}

	policy := migration.Policy{
		EmergencyLossPct: cfg.Policy.EmergencyLossPct,
		TightenStopPct:   cfg.Policy.TightenStopPct,
	}
	exec := migration.ExecSettings{
		MaxConcurrentCloses: cfg.Cycle.MaxConcurrentCloses,
		CallTimeout:         cfg.Cycle.CloseTimeout(),
	}
	svc := migration.NewService(store, venues, policy, exec, jnl, notify)

	var watcher *loader.PolicyWatcher
	if cfg.Policy.OverridesPath != "" {
		watcher, err = loader.NewPolicyWatcher(cfg.Policy.OverridesPath, func(o loader.PolicyOverrides) {
			svc.SetPolicy(migration.Policy{
				EmergencyLossPct: o.EmergencyLossPct,
				TightenStopPct:   o.TightenStopPct,
			})
		})
		if err != nil {
			store.Close()
			jnl.Close()
			return nil, err
		}
		if overrides, err := watcher.ReadOnce(); err == nil {
			svc.SetPolicy(migration.Policy{
				EmergencyLossPct: overrides.EmergencyLossPct,
				TightenStopPct:   overrides.TightenStopPct,
			})
		}
	}

	router := migrationhttp.NewRouter(svc, store, jnl)
	server, err := migrationhttp.NewServer(migrationhttp.ServerConfig{
		Addr:   cfg.App.HTTPAddr,
		Router: router,
	})
	if err != nil {
		store.Close()
		jnl.Close()
		return nil, err
	}

	return &App{
		cfg:     cfg,
		store:   store,
		journal: jnl,
		svc:     svc,
		server:  server,
		watcher: watcher,
	}, nil
}

func buildVenues(cfg *config.Config) (map[string]exchange.VenueClient, error) {
	venues := make(map[string]exchange.VenueClient)
	for _, name := range []string{cfg.Venues.Source, cfg.Venues.Destination} {
		if _, ok := venues[name]; ok {
			continue
		}
		switch name {
		case "binance":
			bn := cfg.Venues.Binance
			cli, err := binance.New(binance.Config{
				APIKey:       bn.APIKey,
				APISecret:    bn.APISecret,
				RESTBaseURL:  bn.RESTBaseURL,
				HTTPTimeout:  time.Duration(bn.TimeoutSeconds) * time.Second,
				ProxyEnabled: bn.ProxyEnabled,
				RESTProxyURL: bn.RESTProxyURL,
			})
			if err != nil {
				return nil, fmt.Errorf("building binance venue: %w", err)
			}
			venues[name] = cli
		case "paper":
			venues[name] = paper.New("paper")
		default:
			return nil, fmt.Errorf("unknown venue %q", name)
		}
	}
	return venues, nil
}

// Service exposes the migration service, mainly for tests.
func (a *App) Service() *migration.Service { return a.svc }

// Run blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.journal.Close()

	interval, _ := scheduler.ParseIntervalDuration(a.cfg.Cycle.Interval)
	sched := scheduler.NewAlignedScheduler(ctx, interval, time.Duration(a.cfg.Cycle.OffsetSeconds)*time.Second)
	sched.RunImmediately = a.cfg.Cycle.RunImmediately

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Run(gctx)
	})
	g.Go(func() error {
		sched.Start(func() {
			if _, err := a.svc.RunTick(gctx); err != nil {
				logger.Errorf("tick failed: %v", err)
			}
		})
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error {
			err := a.watcher.Run(gctx)
			if err != nil && gctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	logger.Infof("portage running: %s -> %s interval=%s",
		a.cfg.Venues.Source, a.cfg.Venues.Destination, a.cfg.Cycle.Interval)
	return g.Wait()
}
