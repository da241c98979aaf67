// Package privacy deletes raw tracking logs once they are older than the
// configured retention.
package privacy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tracklog/internal/config"
	"tracklog/internal/metrics"
	"tracklog/internal/period"
	"tracklog/internal/store"
)

// LockName guards PurgeData across processes.
const LockName = "deleteLogData"

const (
	defaultOlderThanDays     = 180
	defaultMaxRowsPerQuery   = 100000
	defaultSelectSegmentSize = 100000
)

// Tables holding per-visit rows, in deletion order.
var visitTables = []string{"log_conversion", "log_link_visit_action", "log_visit", "log_conversion_item"}

// Columns referencing log_action. An action referenced by any of them is kept.
var actionReferences = []struct{ table, column string }{
	{"log_link_visit_action", "idaction_url"},
	{"log_link_visit_action", "idaction_url_ref"},
	{"log_link_visit_action", "idaction_name"},
	{"log_link_visit_action", "idaction_name_ref"},
	{"log_visit", "visit_entry_idaction_url"},
	{"log_visit", "visit_entry_idaction_name"},
	{"log_visit", "visit_exit_idaction_url"},
	{"log_visit", "visit_exit_idaction_name"},
	{"log_conversion", "idaction_url"},
	{"log_conversion_item", "idaction_sku"},
	{"log_conversion_item", "idaction_name"},
	{"log_conversion_item", "idaction_category"},
}

// Config bounds the log purge.
type Config struct {
	OlderThanDays     int
	MaxRowsPerQuery   int
	SelectSegmentSize int64
}

// NewConfig reads the purge settings from the application config.
func NewConfig(c *config.Config) Config {
	return Config{
		OlderThanDays:     c.Purge.DeleteLogsOlderThanDays,
		MaxRowsPerQuery:   c.Purge.DeleteLogsMaxRowsPerQuery,
		SelectSegmentSize: int64(c.Purge.SelectSegmentSize),
	}
}

// LogDataPurger deletes visits whose last action is older than the retention
// along with their actions, conversions and items, then drops log_action rows
// nothing references anymore.
type LogDataPurger struct {
	db     *gorm.DB
	logger *slog.Logger
	locker store.Locker
	clock  period.TimeProvider
	cfg    Config
	write  store.WriteFunc
}

// NewLogDataPurger returns a purger on conn.
func NewLogDataPurger(conn store.Connector, logger *slog.Logger, locker store.Locker, clock period.TimeProvider, cfg Config) *LogDataPurger {
	if clock == nil {
		clock = &period.DefaultTimeProvider{}
	}
	if cfg.OlderThanDays <= 0 {
		cfg.OlderThanDays = defaultOlderThanDays
	}
	if cfg.MaxRowsPerQuery <= 0 {
		cfg.MaxRowsPerQuery = defaultMaxRowsPerQuery
	}
	if cfg.SelectSegmentSize <= 0 {
		cfg.SelectSegmentSize = defaultSelectSegmentSize
	}
	return &LogDataPurger{
		db:     conn.GetConnection(),
		logger: logger,
		locker: locker,
		clock:  clock,
		cfg:    cfg,
		write:  store.PerformWrite(logger),
	}
}

// WithWriter replaces the write used for each purge statement.
func (p *LogDataPurger) WithWriter(write store.WriteFunc) *LogDataPurger {
	p.write = write
	return p
}

// PurgeData deletes the old logs. A held lock skips the run without error.
func (p *LogDataPurger) PurgeData(ctx context.Context) error {
	start := time.Now()
	defer metrics.ObservePurge("log", start)

	err := store.WithLock(ctx, p.locker, p.logger, LockName, p.purge)
	if errors.Is(err, store.ErrLockNotAcquired) {
		metrics.RecordPurgeSkipped(LockName)
		p.logger.Info("Log purge skipped, lock held elsewhere")
		return nil
	}
	return err
}

func (p *LogDataPurger) purge(ctx context.Context) error {
	maxID, ok, err := p.deleteIDVisitOffset(ctx)
	if err != nil || !ok {
		return err
	}

	for _, table := range visitTables {
		deleted, err := store.DeleteAllRows(ctx, p.db, p.write, table, primaryKey(table), "idvisit <= ?", p.cfg.MaxRowsPerQuery, maxID)
		if err != nil {
			return fmt.Errorf("failed to purge %s: %w", table, err)
		}
		metrics.RecordLogRowsPurged(table, deleted)
		p.logger.Debug("Purged log rows", slog.String("table", table), slog.Int64("rows", deleted))
	}

	actions, err := p.purgeUnusedActions(ctx)
	if err != nil {
		return err
	}
	metrics.RecordLogRowsPurged("log_action", actions)

	p.logger.Info("Purged old log data",
		slog.Int64("max_idvisit", maxID),
		slog.Int("older_than_days", p.cfg.OlderThanDays),
		slog.Int64("unused_actions", actions))
	return nil
}

// GetPurgeEstimate returns how many rows PurgeData would delete per table.
// Tables with nothing to delete are left out; log_action is never estimated.
func (p *LogDataPurger) GetPurgeEstimate(ctx context.Context) (map[string]int64, error) {
	result := make(map[string]int64)

	maxID, ok, err := p.deleteIDVisitOffset(ctx)
	if err != nil || !ok {
		return result, err
	}

	db := p.db.WithContext(ctx)
	for _, table := range visitTables {
		var n int64
		if err := db.Table(table).Where("idvisit <= ?", maxID).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		if n > 0 {
			result[table] = n
		}
	}
	return result, nil
}

// deleteIDVisitOffset returns the highest idvisit whose last action is before
// the retention cutoff, scanning idvisit downward chunk by chunk.
func (p *LogDataPurger) deleteIDVisitOffset(ctx context.Context) (int64, bool, error) {
	db := p.db.WithContext(ctx)

	maxID, err := store.MaxID(ctx, db, "log_visit", "idvisit")
	if err != nil || maxID == 0 {
		return 0, false, err
	}

	today := period.StartOfDay(p.clock.Now(time.UTC), time.UTC)
	cutoff := today.AddDate(0, 0, -p.cfg.OlderThanDays)

	id, ok, err := store.SegmentedFetchFirst(ctx, db,
		"SELECT MAX(idvisit) FROM log_visit WHERE visit_last_action_time < ? AND idvisit >= ? AND idvisit < ?",
		maxID, 1, -p.cfg.SelectSegmentSize, cutoff)
	if err != nil {
		return 0, false, fmt.Errorf("failed to find visits older than %s: %w", cutoff.Format(period.DateFormat), err)
	}
	return id, ok, nil
}

// purgeUnusedActions deletes log_action rows no log table points to, one
// idaction chunk per write. The tracker resolves actions under a share lock
// and writes the rows pointing to them in the same transaction, so the
// candidates are locked first and the DELETE re-checks the references
// against what has been committed meanwhile.
func (p *LogDataPurger) purgeUnusedActions(ctx context.Context) (int64, error) {
	db := p.db.WithContext(ctx)
	maxID, err := store.MaxID(ctx, db, "log_action", "idaction")
	if err != nil || maxID == 0 {
		return 0, err
	}

	selects := make([]string, 0, len(actionReferences))
	for _, ref := range actionReferences {
		column := store.QuoteIdentifier(db, ref.column)
		selects = append(selects, fmt.Sprintf("SELECT %s FROM %s WHERE %s IS NOT NULL", column, store.QuoteIdentifier(db, ref.table), column))
	}
	unused := "idaction >= ? AND idaction < ? AND idaction NOT IN (" + strings.Join(selects, " UNION ") + ")"

	var total int64
	for lo := int64(1); lo <= maxID; lo += p.cfg.SelectSegmentSize {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		hi := lo + p.cfg.SelectSegmentSize

		err := p.write(db, func(tx *gorm.DB) error {
			var candidates []int64
			err := tx.Table("log_action").
				Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
				Where(unused, lo, hi).
				Pluck("idaction", &candidates).Error
			if err != nil || len(candidates) == 0 {
				return err
			}

			res := tx.Exec("DELETE FROM log_action WHERE "+unused, lo, hi)
			total += res.RowsAffected
			return res.Error
		})
		if err != nil {
			return total, fmt.Errorf("failed to purge unused actions: %w", err)
		}
	}
	return total, nil
}

func primaryKey(table string) string {
	switch table {
	case "log_conversion":
		return "idconversion"
	case "log_link_visit_action":
		return "idlink_va"
	case "log_conversion_item":
		return "iditem"
	default:
		return "idvisit"
	}
}
