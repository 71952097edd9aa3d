package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-navigator/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-navigator/pkg/adapters/datasource/postgres"
	"github.com/ekaya-inc/ekaya-navigator/pkg/config"
	"github.com/ekaya-inc/ekaya-navigator/pkg/events"
	"github.com/ekaya-inc/ekaya-navigator/pkg/logging"
	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
	"github.com/ekaya-inc/ekaya-navigator/pkg/repositories"
	"github.com/ekaya-inc/ekaya-navigator/pkg/retry"
	"github.com/ekaya-inc/ekaya-navigator/pkg/services"
)

// app wires the connectivity core the commands operate on.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	provider   *datasource.PoolProvider
	connBus    *events.ConnectionBus
	navBus     *events.NavigatorBus
	loadBus    *events.LoadBus
	registry   *services.ConnectionRegistry
	bindings   *services.BindingManager
	loader     *services.SchemaTreeLoader
	tester     *services.ConnectionTester
	monitor    *services.HealthMonitor
	watcher    *services.ConfigWatcher
	dispatcher *services.Dispatcher

	closers []func()
}

type appOptions struct {
	configPath      string
	connectionsPath string
	logLevel        string
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath, Version)
	if err != nil {
		return nil, err
	}
	if opts.connectionsPath != "" {
		cfg.Store.Path = opts.connectionsPath
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	logFile := cfg.Log.File
	if logFile == "" {
		if logFile, err = logging.DefaultLogPath(config.AppName); err != nil {
			return nil, err
		}
	}
	logger, flush, err := logging.NewLogger(logging.Options{
		Level:      cfg.Log.Level,
		File:       logFile,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Console:    cfg.Log.Console,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, flush)

	storePath := cfg.Store.Path
	if storePath == "" {
		if storePath, err = repositories.DefaultConnectionsPath(config.AppName); err != nil {
			a.close()
			return nil, err
		}
	}

	driver := postgres.NewDriver(logger)
	a.provider = datasource.NewPoolProvider(driver, datasource.ProviderOptions{
		Pool:            cfg.Pool.Datasource(),
		IdleEvictAfter:  providerIdleEviction(cfg.Pool.IdleEvictAfter),
		CleanupInterval: cfg.Pool.CleanupInterval,
		Retry:           retry.DefaultConfig(),
		HostResolver:    config.ResolveHostForDocker,
	}, logger)
	a.closers = append(a.closers, func() { _ = a.provider.Close() })

	a.connBus = events.NewConnectionBus(logger)
	a.navBus = events.NewNavigatorBus(logger)
	a.loadBus = events.NewLoadBus(logger)
	a.connBus.Subscribe(events.LoggingSubscriber(logger))
	events.BridgeToNavigator(a.connBus, a.navBus)

	store := repositories.NewConnectionConfigStore(storePath, logger)
	a.registry = services.NewConnectionRegistry(store, a.provider, a.connBus, logger)
	a.bindings = services.NewBindingManager(a.registry, logger)

	a.dispatcher = services.NewDispatcher(logger, services.WithWorkers(cfg.Workers))
	a.closers = append(a.closers, func() { _ = a.dispatcher.Close() })

	a.loader = services.NewSchemaTreeLoader(a.registry, driver, services.LoaderOptions{
		CacheTTL:     cfg.SchemaTree.CacheTTL,
		PageSize:     cfg.SchemaTree.PageSize,
		LoadBus:      a.loadBus,
		NavigatorBus: a.navBus,
		Dispatcher:   a.dispatcher,
	}, logger)
	a.loader.WatchConnections(a.connBus)

	a.tester = services.NewConnectionTester(a.registry, driver, logger)

	if a.monitor, err = services.NewHealthMonitor(a.bindings, cfg.HealthCheckSchedule, logger); err != nil {
		a.close()
		return nil, err
	}
	a.watcher = services.NewConfigWatcher(a.registry, services.DefaultReloadDebounce, logger)

	if _, err := a.registry.LoadAll(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// providerIdleEviction maps the config convention (zero disables) onto the
// provider's (negative disables).
func providerIdleEviction(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

// resolve finds a connection by name, falling back to its id.
func (a *app) resolve(ref string) (*services.ConnectionContext, error) {
	if c, ok := a.registry.FindByName(ref); ok {
		return c, nil
	}
	if id, err := models.ParseConnectionID(ref); err == nil {
		if c, ok := a.registry.Get(id); ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", errNoSuchConnection, ref)
}

var errNoSuchConnection = errors.New("no connection named")

// close releases everything in reverse order of construction.
func (a *app) close() {
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	if a.monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.monitor.Stop(ctx)
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
