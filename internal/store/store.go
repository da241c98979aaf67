// Package store holds the query helpers shared by the tracker, the archive
// purger and the log purger: binary parameter binding, identifier quoting,
// chunked scans over integer ids and bounded deletes.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"
)

// Connector is anything that can hand out the shared gorm connection.
// database.DBManager and the test managers satisfy it.
type Connector interface {
	GetConnection() *gorm.DB
}

// Bin copies a raw binary value for parameter binding. Visitor ids, config ids
// and IP addresses are always bound through Bin and never formatted into SQL.
func Bin(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Hex renders a binary id for logs.
func Hex(b []byte) string {
	return hex.EncodeToString(b)
}

// QuoteIdentifier quotes a table or column name with the dialect's rules.
func QuoteIdentifier(db *gorm.DB, name string) string {
	var b strings.Builder
	db.Dialector.QuoteTo(&b, name)
	return b.String()
}

// chunkBounds returns the half-open [lo, hi) id interval covered by the chunk
// starting at i. Descending chunks (step < 0) cover (i+step, i].
func chunkBounds(i, step int64) (int64, int64) {
	if step > 0 {
		return i, i + step
	}
	return i + step + 1, i + 1
}

func validateStep(step int64) error {
	if step == 0 {
		return fmt.Errorf("segmented scan step must not be zero")
	}
	return nil
}

// SegmentedFetchFirst runs query once per id chunk between first and last and
// returns the first non-NULL scalar it produces. The query must end with
// "AND <id> >= ? AND <id> < ?"; the chunk bounds are appended to args.
// A negative step walks from first down to last.
func SegmentedFetchFirst(ctx context.Context, db *gorm.DB, query string, first, last, step int64, args ...any) (int64, bool, error) {
	if err := validateStep(step); err != nil {
		return 0, false, err
	}

	for i := first; (step > 0 && i <= last) || (step < 0 && i >= last); i += step {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}

		lo, hi := chunkBounds(i, step)
		var value sql.NullInt64
		bound := append(append([]any{}, args...), lo, hi)
		if err := db.WithContext(ctx).Raw(query, bound...).Scan(&value).Error; err != nil {
			return 0, false, fmt.Errorf("segmented fetch [%d,%d): %w", lo, hi, err)
		}
		if value.Valid {
			return value.Int64, true, nil
		}
	}
	return 0, false, nil
}

// SegmentedFetchAll runs query once per id chunk and concatenates every row.
// The query contract matches SegmentedFetchFirst.
func SegmentedFetchAll[T any](ctx context.Context, db *gorm.DB, query string, first, last, step int64, args ...any) ([]T, error) {
	if err := validateStep(step); err != nil {
		return nil, err
	}

	var out []T
	for i := first; (step > 0 && i <= last) || (step < 0 && i >= last); i += step {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lo, hi := chunkBounds(i, step)
		var chunk []T
		bound := append(append([]any{}, args...), lo, hi)
		if err := db.WithContext(ctx).Raw(query, bound...).Scan(&chunk).Error; err != nil {
			return nil, fmt.Errorf("segmented fetch [%d,%d): %w", lo, hi, err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// WriteFunc commits fn as one write transaction on db.
type WriteFunc func(db *gorm.DB, fn func(tx *gorm.DB) error) error

// PerformWrite is the WriteFunc of the application: every write goes
// through cartridge's serialized, retried transaction.
func PerformWrite(logger *slog.Logger) WriteFunc {
	return func(db *gorm.DB, fn func(tx *gorm.DB) error) error {
		return sqlite.PerformWrite(logger, db, fn)
	}
}

// DeleteAllRows deletes the rows of table matching where, at most maxRows per
// statement, until a statement deletes fewer than maxRows. Rows go in
// ascending key order so the oldest data leaves first. Each statement is
// committed through its own write, so locks are held for one chunk only.
func DeleteAllRows(ctx context.Context, db *gorm.DB, write WriteFunc, table, key, where string, maxRows int, args ...any) (int64, error) {
	if maxRows <= 0 {
		return 0, fmt.Errorf("maxRows must be positive, got %d", maxRows)
	}

	t := QuoteIdentifier(db, table)
	k := QuoteIdentifier(db, key)
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE %s IN (SELECT %s FROM %s WHERE %s ORDER BY %s ASC LIMIT %d)",
		t, k, k, t, where, k, maxRows,
	)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var deleted int64
		err := write(db.WithContext(ctx), func(tx *gorm.DB) error {
			result := tx.Exec(query, args...)
			deleted = result.RowsAffected
			return result.Error
		})
		if err != nil {
			return total, fmt.Errorf("bounded delete from %s: %w", table, err)
		}
		total += deleted

		if deleted < int64(maxRows) {
			return total, nil
		}
	}
}

// MaxID returns the highest value of key in table, or 0 for an empty table.
func MaxID(ctx context.Context, db *gorm.DB, table, key string) (int64, error) {
	var value sql.NullInt64
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s", QuoteIdentifier(db, key), QuoteIdentifier(db, table))
	if err := db.WithContext(ctx).Raw(query).Scan(&value).Error; err != nil {
		return 0, fmt.Errorf("max id of %s: %w", table, err)
	}
	return value.Int64, nil
}

// TableExists reports whether table is present in the connected schema.
func TableExists(db *gorm.DB, table string) bool {
	return db.Migrator().HasTable(table)
}
