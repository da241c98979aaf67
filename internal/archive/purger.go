package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"tracklog/internal/metrics"
	"tracklog/internal/period"
	"tracklog/internal/store"
)

const (
	defaultScanSegmentSize = 10000
	deleteBatchSize        = 1000
	maxRowsPerDelete       = 100000
)

// PurgerConfig bounds the purger's queries.
type PurgerConfig struct {
	// ScanSegmentSize is the idarchive span of each scan query.
	ScanSegmentSize int64
}

// Purger deletes temporary, failed and custom range archives.
type Purger struct {
	db     *gorm.DB
	logger *slog.Logger
	rules  *Rules
	locker store.Locker
	clock  period.TimeProvider
	cfg    PurgerConfig
	write  store.WriteFunc
}

// NewPurger returns a purger on conn that holds locker's named lock while it works.
func NewPurger(conn store.Connector, logger *slog.Logger, rules *Rules, locker store.Locker, clock period.TimeProvider, cfg PurgerConfig) *Purger {
	if clock == nil {
		clock = &period.DefaultTimeProvider{}
	}
	if cfg.ScanSegmentSize <= 0 {
		cfg.ScanSegmentSize = defaultScanSegmentSize
	}
	return &Purger{
		db:     conn.GetConnection(),
		logger: logger,
		rules:  rules,
		locker: locker,
		clock:  clock,
		cfg:    cfg,
		write:  store.PerformWrite(logger),
	}
}

// WithWriter replaces the write used for each delete statement.
func (p *Purger) WithWriter(write store.WriteFunc) *Purger {
	p.write = write
	return p
}

// LockName is the named lock guarding the purge of date's month.
func LockName(date time.Time) string {
	return "purgeOutdatedArchives." + NumericTable(date)
}

// PurgeOutdatedArchives purges the month table holding referenceDate when
// the rules say it is due. A held lock skips the cycle without error.
func (p *Purger) PurgeOutdatedArchives(ctx context.Context, referenceDate time.Time) error {
	start := time.Now()
	defer metrics.ObservePurge("archive", start)

	if !store.TableExists(p.db.WithContext(ctx), NumericTable(referenceDate)) {
		return nil
	}

	lock := LockName(referenceDate)
	err := store.WithLock(ctx, p.locker, p.logger, lock, func(ctx context.Context) error {
		return p.purge(ctx, referenceDate)
	})
	if errors.Is(err, store.ErrLockNotAcquired) {
		metrics.RecordPurgeSkipped(lock)
		p.logger.Info("Archive purge skipped, lock held elsewhere", slog.String("lock", lock))
		return nil
	}
	return err
}

func (p *Purger) purge(ctx context.Context, date time.Time) error {
	cutoff, due, err := p.rules.ShouldPurgeOutdatedArchives(ctx, date)
	if err != nil || !due {
		return err
	}

	ids, err := p.TemporaryArchiveIDsOlderThan(ctx, date, cutoff)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		if err := p.deleteArchiveIDs(ctx, date, ids); err != nil {
			return err
		}
		metrics.RecordArchivesPurged("temporary", len(ids))
	}

	ranges, err := p.deleteRangeArchives(ctx, date)
	if err != nil {
		return err
	}
	if ranges > 0 {
		metrics.RecordArchivesPurged("range", int(ranges))
	}

	p.logger.Info("Purged outdated archives",
		slog.String("month", date.UTC().Format("2006-01")),
		slog.Time("older_than", cutoff),
		slog.Any("deleted_ids", ids),
		slog.Int64("range_rows", ranges))
	return nil
}

// TemporaryArchiveIDsOlderThan returns the ids of date's month whose done
// flag is temporary or error and that were processed before cutoff. The scan
// walks idarchive downward in ScanSegmentSize chunks.
func (p *Purger) TemporaryArchiveIDsOlderThan(ctx context.Context, date, cutoff time.Time) ([]int64, error) {
	table := NumericTable(date)
	db := p.db.WithContext(ctx)

	maxID, err := store.MaxID(ctx, db, table, "idarchive")
	if err != nil || maxID == 0 {
		return nil, err
	}

	query := fmt.Sprintf(
		"SELECT idarchive FROM %s WHERE name LIKE 'done%%' AND value IN (?, ?) AND ts_archived < ? AND idarchive >= ? AND idarchive < ?",
		store.QuoteIdentifier(db, table),
	)
	ids, err := store.SegmentedFetchAll[int64](ctx, db, query, maxID, 1, -p.cfg.ScanSegmentSize,
		DoneOKTemporary, DoneError, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to find temporary archives in %s: %w", table, err)
	}
	return ids, nil
}

func (p *Purger) deleteArchiveIDs(ctx context.Context, date time.Time, ids []int64) error {
	for _, table := range []string{NumericTable(date), BlobTable(date)} {
		for lo := 0; lo < len(ids); lo += deleteBatchSize {
			batch := ids[lo:min(lo+deleteBatchSize, len(ids))]
			_, err := store.DeleteAllRows(ctx, p.db, p.write, table, "idarchive", "idarchive IN ?", maxRowsPerDelete, batch)
			if err != nil {
				return fmt.Errorf("failed to delete archives from %s: %w", table, err)
			}
		}
	}
	return nil
}

// deleteRangeArchives drops custom range archives processed before today.
// They are cheap to rebuild and would otherwise pile up.
func (p *Purger) deleteRangeArchives(ctx context.Context, date time.Time) (int64, error) {
	today := period.StartOfDay(p.clock.Now(time.UTC), time.UTC)

	var total int64
	for _, table := range []string{NumericTable(date), BlobTable(date)} {
		n, err := store.DeleteAllRows(ctx, p.db, p.write, table, "idarchive", "period = ? AND ts_archived < ?", maxRowsPerDelete, int(period.Range), today)
		total += n
		if err != nil {
			return total, fmt.Errorf("failed to delete range archives from %s: %w", table, err)
		}
	}
	return total, nil
}
