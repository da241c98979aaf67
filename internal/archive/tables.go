// Package archive locates, writes and purges precomputed report data. Archive
// rows live in month tables named after the first day of their period:
// archive_numeric_YYYY_MM for scalar metrics and archive_blob_YYYY_MM for
// serialized reports.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tracklog/internal/period"
	"tracklog/internal/store"
)

// Done flag values.
const (
	DoneOK          = 1
	DoneError       = 2
	DoneOKTemporary = 3
)

const (
	numericPrefix = "archive_numeric_"
	blobPrefix    = "archive_blob_"
)

// DataType selects the numeric or the blob table of a month.
type DataType int

const (
	DataNumeric DataType = iota
	DataBlob
)

func (d DataType) String() string {
	if d == DataBlob {
		return "blob"
	}
	return "numeric"
}

// NumericTable is the numeric table holding periods starting in date's month.
func NumericTable(date time.Time) string {
	return numericPrefix + date.UTC().Format("2006_01")
}

// BlobTable is the blob table holding periods starting in date's month.
func BlobTable(date time.Time) string {
	return blobPrefix + date.UTC().Format("2006_01")
}

// TableFor returns the table of kind d for date's month.
func TableFor(d DataType, date time.Time) string {
	if d == DataBlob {
		return BlobTable(date)
	}
	return NumericTable(date)
}

// MonthOf parses the month out of an archive table name.
func MonthOf(table string) (time.Time, error) {
	suffix := strings.TrimPrefix(strings.TrimPrefix(table, numericPrefix), blobPrefix)
	month, err := time.Parse("2006_01", suffix)
	if err != nil {
		return time.Time{}, fmt.Errorf("not an archive table %q: %w", table, err)
	}
	return month, nil
}

// Sequence hands out idarchive values, one counter per numeric table.
type Sequence struct {
	Name  string `gorm:"primaryKey;size:191"`
	Value int64  `gorm:"not null"`
}

func (Sequence) TableName() string { return "archive_sequence" }

// Tables creates month tables on demand and lists the existing ones.
type Tables struct {
	db     *gorm.DB
	logger *slog.Logger

	mu      sync.Mutex
	created map[string]bool
}

// NewTables returns a table manager on conn.
func NewTables(conn store.Connector, logger *slog.Logger) *Tables {
	return &Tables{db: conn.GetConnection(), logger: logger, created: make(map[string]bool)}
}

// Ensure creates both tables of date's month if they are missing.
func (t *Tables) Ensure(ctx context.Context, date time.Time) error {
	for _, d := range []DataType{DataNumeric, DataBlob} {
		name := TableFor(d, date)

		t.mu.Lock()
		done := t.created[name]
		t.mu.Unlock()
		if done {
			continue
		}

		if err := t.create(ctx, name, d); err != nil {
			return err
		}
		t.mu.Lock()
		t.created[name] = true
		t.mu.Unlock()
	}
	return nil
}

func (t *Tables) create(ctx context.Context, name string, d DataType) error {
	db := t.db.WithContext(ctx)
	quoted := store.QuoteIdentifier(db, name)

	valueType := "DOUBLE PRECISION"
	if d == DataBlob {
		valueType = "BLOB"
		if db.Dialector.Name() == "postgres" {
			valueType = "BYTEA"
		}
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			idarchive BIGINT NOT NULL,
			name VARCHAR(255) NOT NULL,
			idsite INTEGER NOT NULL,
			date1 DATE NOT NULL,
			date2 DATE NOT NULL,
			period SMALLINT NOT NULL,
			ts_archived TIMESTAMP NOT NULL,
			value %s,
			PRIMARY KEY (idarchive, name)
		)`, quoted, valueType),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (idsite, date1, date2, period, ts_archived)",
			store.QuoteIdentifier(db, "idx_"+name+"_site_period"), quoted),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (period, ts_archived)",
			store.QuoteIdentifier(db, "idx_"+name+"_period_ts"), quoted),
	}

	return sqlite.PerformWrite(t.logger, db, func(tx *gorm.DB) error {
		for _, stmt := range statements {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to create archive table %s: %w", name, err)
			}
		}
		return nil
	})
}

// NumericTables lists the existing numeric tables, oldest month first.
func (t *Tables) NumericTables(ctx context.Context) ([]string, error) {
	all, err := t.db.WithContext(ctx).Migrator().GetTables()
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	var out []string
	for _, name := range all {
		if !strings.HasPrefix(name, numericPrefix) {
			continue
		}
		if _, err := MonthOf(name); err == nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Archive is one archive being written: its identity plus the records it holds.
type Archive struct {
	SiteID     uint
	Period     period.Period
	Segment    Segment
	Plugin     string
	Status     int
	ArchivedAt time.Time
	Numeric    map[string]float64
	Blobs      map[string][]byte
}

// Writer stores finished archives. The archiving engine itself is outside
// this package; Writer is what it and the fixtures write through.
type Writer struct {
	db     *gorm.DB
	logger *slog.Logger
	tables *Tables
}

// NewWriter returns a writer creating month tables through tables.
func NewWriter(conn store.Connector, logger *slog.Logger, tables *Tables) *Writer {
	return &Writer{db: conn.GetConnection(), logger: logger, tables: tables}
}

// NextID allocates the next idarchive of the month table holding date.
func (w *Writer) NextID(ctx context.Context, date time.Time) (int64, error) {
	name := NumericTable(date)

	var seq Sequence
	err := sqlite.PerformWrite(w.logger, w.db.WithContext(ctx), func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.Assignments(map[string]any{"value": gorm.Expr("archive_sequence.value + 1")}),
		}).Create(&Sequence{Name: name, Value: 1}).Error
		if err != nil {
			return err
		}
		return tx.Where("name = ?", name).First(&seq).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate archive id in %s: %w", name, err)
	}
	return seq.Value, nil
}

// Write stores a as a new archive and returns its idarchive. The done flag is
// written with the records so readers never see a half-written archive as done.
func (w *Writer) Write(ctx context.Context, a Archive) (int64, error) {
	if err := w.tables.Ensure(ctx, a.Period.Start); err != nil {
		return 0, err
	}
	id, err := w.NextID(ctx, a.Period.Start)
	if err != nil {
		return 0, err
	}

	archivedAt := a.ArchivedAt.UTC().Truncate(time.Second)
	numeric := make(map[string]any, len(a.Numeric)+1)
	for name, v := range a.Numeric {
		numeric[name] = v
	}
	numeric[DoneFlagFor(a.Segment, a.Plugin)] = float64(a.Status)
	blobs := make(map[string]any, len(a.Blobs))
	for name, v := range a.Blobs {
		blobs[name] = v
	}

	err = sqlite.PerformWrite(w.logger, w.db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := insertRows(tx, NumericTable(a.Period.Start), id, a, archivedAt, numeric); err != nil {
			return err
		}
		return insertRows(tx, BlobTable(a.Period.Start), id, a, archivedAt, blobs)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write archive %d: %w", id, err)
	}

	w.logger.Debug("Archive written",
		slog.Int64("idarchive", id),
		slog.Uint64("idsite", uint64(a.SiteID)),
		slog.String("period", a.Period.String()),
		slog.Int("status", a.Status))
	return id, nil
}

func insertRows(tx *gorm.DB, table string, id int64, a Archive, archivedAt time.Time, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]map[string]any, 0, len(names))
	for _, name := range names {
		rows = append(rows, map[string]any{
			"idarchive":   id,
			"name":        name,
			"idsite":      a.SiteID,
			"date1":       a.Period.DateStart(),
			"date2":       a.Period.DateEnd(),
			"period":      int(a.Period.ID),
			"ts_archived": archivedAt,
			"value":       values[name],
		})
	}
	return tx.Table(table).Create(rows).Error
}
