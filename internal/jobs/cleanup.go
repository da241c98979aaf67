package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tracklog/internal/archive"
	"tracklog/internal/period"
	"tracklog/internal/privacy"
	"tracklog/internal/settings"
)

const (
	defaultArchivePurgeInterval = time.Hour
	defaultLogPurgeInterval     = 24 * time.Hour
)

func intervalOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// ArchivePurgeJob purges outdated archives in every monthly archive table.
type ArchivePurgeJob struct {
	tables   *archive.Tables
	purger   *archive.Purger
	logger   *slog.Logger
	interval time.Duration
}

func NewArchivePurgeJob(tables *archive.Tables, purger *archive.Purger, logger *slog.Logger, intervalSeconds int) *ArchivePurgeJob {
	return &ArchivePurgeJob{
		tables:   tables,
		purger:   purger,
		logger:   logger,
		interval: intervalOr(intervalSeconds, defaultArchivePurgeInterval),
	}
}

func (j *ArchivePurgeJob) Name() string            { return "archive_purge" }
func (j *ArchivePurgeJob) Interval() time.Duration { return j.interval }

// Run visits the months oldest first. A failing month does not stop the others.
func (j *ArchivePurgeJob) Run(ctx context.Context) error {
	names, err := j.tables.NumericTables(ctx)
	if err != nil {
		return err
	}

	j.logger.Debug("Checking archive tables for outdated archives", slog.Int("tables", len(names)))

	var errs []error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		month, err := archive.MonthOf(name)
		if err != nil {
			continue
		}
		if err := j.purger.PurgeOutdatedArchives(ctx, month); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// LogPurgeJob deletes old raw logs at most once per interval, even across
// restarts, by recording the last run in the settings table.
type LogPurgeJob struct {
	enabled  bool
	purger   *privacy.LogDataPurger
	settings *settings.Store
	clock    period.TimeProvider
	logger   *slog.Logger
	interval time.Duration
}

func NewLogPurgeJob(enabled bool, purger *privacy.LogDataPurger, st *settings.Store, clock period.TimeProvider, logger *slog.Logger, intervalSeconds int) *LogPurgeJob {
	if clock == nil {
		clock = &period.DefaultTimeProvider{}
	}
	return &LogPurgeJob{
		enabled:  enabled,
		purger:   purger,
		settings: st,
		clock:    clock,
		logger:   logger,
		interval: intervalOr(intervalSeconds, defaultLogPurgeInterval),
	}
}

func (j *LogPurgeJob) Name() string            { return "log_purge" }
func (j *LogPurgeJob) Interval() time.Duration { return j.interval }

func (j *LogPurgeJob) Run(ctx context.Context) error {
	if !j.enabled {
		j.logger.Debug("Log purge disabled")
		return nil
	}

	now := j.clock.Now(time.UTC)
	last, ok, err := j.settings.GetTime(ctx, settings.KeyLastLogPurge)
	if err != nil {
		return err
	}
	if ok && now.Sub(last) < j.interval {
		j.logger.Debug("Log purge not due",
			slog.Time("last_purge", last),
			slog.Duration("interval", j.interval))
		return nil
	}

	// recorded before the purge so a failing run is not retried on every tick
	if err := j.settings.SetTime(ctx, settings.KeyLastLogPurge, now); err != nil {
		return err
	}

	return j.purger.PurgeData(ctx)
}
