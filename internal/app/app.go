// Package app is the top-level wiring layer: it turns a config.Config into
// a running set of per-target supervisors plus the standalone streaming
// index server, the way the teacher's internal/app.New()/Start() wires its
// own server + worker + redis forwarder from one config struct. Nothing
// below this package knows about environment variables or process
// lifecycle; everything above it (cmd/daemon) just calls New() then Run().
package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/lanterndata/lanternd/internal/catalog"
	"github.com/lanterndata/lanternd/internal/config"
	"github.com/lanterndata/lanternd/internal/indexserver"
	"github.com/lanterndata/lanternd/internal/logger"
	"github.com/lanterndata/lanternd/internal/observability"
	"github.com/lanterndata/lanternd/internal/supervisor"
)

// App owns a daemon process's configuration and logger across its whole
// lifetime, from New() through Run()'s return.
type App struct {
	cfg *config.Config
	log *logger.Logger

	otelShutdown func(context.Context) error
}

// New loads configuration from the environment and builds the process
// logger. It performs no I/O against Postgres or Redis -- that happens
// lazily per target inside Run, so a config error surfaces in under a
// second instead of after a slow connection attempt.
func New() (*App, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("app: build logger: %w", err)
	}

	shutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "lanternd",
		Environment: cfg.LogMode,
	})

	return &App{cfg: cfg, log: log, otelShutdown: shutdown}, nil
}

// Close releases process-wide resources (logger sync, otel flush).
func (a *App) Close() {
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
	a.log.Sync()
}

// Run blocks until ctx is cancelled or a supervisor-fatal error occurs
// (spec.md §6: "exit 0 on clean cancellation, non-zero on fatal startup").
// It runs, concurrently: one supervisor per statically configured target
// database, the master-catalog watcher (if configured), and the streaming
// index server.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	manager := supervisor.NewManager(func(ctx context.Context, uri string) error {
		return RunTarget(ctx, a.cfg, a.log, uri)
	}, a.log)

	for _, uri := range a.cfg.TargetDatabaseURIs {
		manager.Spawn(ctx, uri)
	}

	if a.cfg.MasterDatabaseURI != "" {
		g.Go(func() error {
			return a.runMasterCatalog(ctx, manager)
		})
	}

	g.Go(func() error {
		srv := indexserver.New(a.cfg.IndexServerAddr(), a.cfg.IndexServerReadTimeout, indexserver.NewFlatIndexFactory(), a.log)
		return srv.Run(ctx)
	})

	g.Go(func() error {
		manager.Wait()
		return nil
	})

	err := g.Wait()
	manager.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *App) runMasterCatalog(ctx context.Context, manager *supervisor.Manager) error {
	pool, err := openPool(ctx, a.cfg.MasterDatabaseURI, a.cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("app: connect to master database: %w", err)
	}
	defer pool.Close()

	watcher := catalog.New(pool, "lantern_daemon_catalog", a.log)

	initial, err := catalog.ListRegistered(ctx, pool, a.cfg.MasterDatabaseSchema, a.cfg.MasterDatabaseTable)
	if err != nil {
		return fmt.Errorf("app: list registered target databases: %w", err)
	}
	for _, uri := range initial {
		manager.Spawn(ctx, uri)
	}

	return watcher.Run(ctx, func(ev catalog.Event) {
		if ev.Insert {
			manager.Spawn(ctx, ev.URI)
		} else {
			manager.Retire(ev.URI)
		}
	})
}
