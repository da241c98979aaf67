// Package internal wires the tracklog components into one application.
package internal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tracklog/internal/archive"
	"tracklog/internal/config"
	"tracklog/internal/database"
	"tracklog/internal/goals"
	"tracklog/internal/jobs"
	"tracklog/internal/logging"
	"tracklog/internal/period"
	"tracklog/internal/pkg/geoip"
	"tracklog/internal/privacy"
	"tracklog/internal/settings"
	"tracklog/internal/sites"
	"tracklog/internal/store"
	"tracklog/internal/tracker"
)

// Application holds the shared components. Tracker and Selector are the
// entry points for a tracking endpoint and a reporting engine embedding
// tracklog; the scheduler runs the purges.
type Application struct {
	Config    *config.Config
	Logger    *slog.Logger
	DBManager *database.DBManager
	Settings  *settings.Store
	Locker    store.Locker
	Geo       *geoip.Resolver

	Tracker       *tracker.Handler
	Selector      *archive.Selector
	ArchivePurger *archive.Purger
	LogPurger     *privacy.LogDataPurger
	Scheduler     *jobs.Scheduler

	closers []func() error
}

// NewApp creates a new application instance with default settings
func NewApp() (*Application, error) {
	return NewAppWithConfig(config.GetConfig())
}

// NewAppWithConfig opens the database and builds every component. Call
// Migrate before Start on a fresh database.
func NewAppWithConfig(cfg *config.Config) (*Application, error) {
	logger, err := logging.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app := &Application{
		Config:    cfg,
		Logger:    logger,
		DBManager: dbManager,
		closers:   []func() error{dbManager.Close},
	}

	locker, err := app.newLocker()
	if err != nil {
		app.close()
		return nil, err
	}
	app.Locker = locker

	app.Settings = settings.NewStore(dbManager, logger)
	app.Geo = geoip.NewResolver(cfg.GeoDBPath, logger)
	app.closers = append(app.closers, app.Geo.Close)

	clock := &period.DefaultTimeProvider{}

	app.Tracker = tracker.NewHandler(dbManager, logger, tracker.NewConfig(cfg), tracker.Deps{
		Sites:    sites.NewRegistry(dbManager, logger),
		Settings: app.Settings,
		Goals:    goals.NewManager(dbManager, logger),
		Geo:      app.Geo,
	})

	app.Selector = archive.NewSelector(dbManager, logger, 0)

	rules := archive.NewRules(app.Settings, logger, clock, archive.NewRulesConfig(cfg))
	app.ArchivePurger = archive.NewPurger(dbManager, logger, rules, locker, clock,
		archive.PurgerConfig{ScanSegmentSize: int64(cfg.Archiving.ArchiveScanSegmentSize)})
	app.LogPurger = privacy.NewLogDataPurger(dbManager, logger, locker, clock, privacy.NewConfig(cfg))

	app.Scheduler = jobs.NewScheduler(logger,
		jobs.NewArchivePurgeJob(archive.NewTables(dbManager, logger), app.ArchivePurger, logger, cfg.ArchivePurgeIntervalSeconds),
		jobs.NewLogPurgeJob(cfg.Purge.DeleteLogsEnable, app.LogPurger, app.Settings, clock, logger, cfg.LogPurgeIntervalSeconds),
		jobs.NewGeoLiteUpdaterJob(cfg.GeoLiteLicenseKey, cfg.GeoDBPath, app.Geo, app.Settings, clock, logger),
	)

	return app, nil
}

func (a *Application) newLocker() (store.Locker, error) {
	if a.Config.LockBackend != config.LockBackendRedis {
		return store.NewDBLocker(a.DBManager, a.Logger, a.Config.LockMaxRetries), nil
	}

	locker := store.NewRedisLocker(store.RedisOptions{
		Addr:       a.Config.RedisAddr,
		Password:   a.Config.RedisPassword,
		DB:         a.Config.RedisDB,
		Prefix:     a.Config.RedisPrefix,
		MaxRetries: a.Config.LockMaxRetries,
	}, a.Logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := locker.Ping(ctx); err != nil {
		locker.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", a.Config.RedisAddr, err)
	}
	a.closers = append(a.closers, locker.Close)
	a.Logger.Info("Using redis named locks", slog.String("addr", a.Config.RedisAddr))
	return locker, nil
}

// Migrate creates the schema and the default options.
func (a *Application) Migrate(ctx context.Context) error {
	if err := a.DBManager.MigrateDatabase(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := a.Settings.SetupDefaults(ctx); err != nil {
		return fmt.Errorf("failed to set up default settings: %w", err)
	}
	return nil
}

// Start runs the background jobs.
func (a *Application) Start() error {
	return a.Scheduler.Start()
}

// Shutdown stops the jobs and releases connections. Jobs notice the
// cancelled context between chunks, so ctx bounds the wait.
func (a *Application) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.Scheduler.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("background jobs did not stop: %w", ctx.Err())
	}
	return a.close()
}

func (a *Application) close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
