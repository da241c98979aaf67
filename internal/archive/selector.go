package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"tracklog/internal/period"
	"tracklog/internal/pkg/async"
	"tracklog/internal/store"
)

// Record names holding the visit counts of an archive.
const (
	RecordNbVisits          = "nb_visits"
	RecordNbVisitsConverted = "nb_visits_converted"
)

const defaultSelectorWorkers = 4

// IDAndVisits is the outcome of GetArchiveIDAndVisits. ArchiveID is 0 when
// only the visit counts were found. Visits and VisitsConverted are nil when
// no visits summary archive exists, which is not the same as zero visits.
type IDAndVisits struct {
	ArchiveID       int64
	Visits          *int64
	VisitsConverted *int64
}

// Row is one record of GetArchiveData. Numeric rows fill Numeric, blob rows Blob.
type Row struct {
	ArchiveID int64
	SiteID    uint
	Date1     time.Time
	Date2     time.Time
	Name      string
	Numeric   float64
	Blob      []byte
}

// Selector finds done archives and reads their records.
type Selector struct {
	db      *gorm.DB
	logger  *slog.Logger
	workers int
}

// NewSelector returns a selector reading through conn. workers bounds the
// number of month tables queried at once.
func NewSelector(conn store.Connector, logger *slog.Logger, workers int) *Selector {
	if workers < 1 {
		workers = defaultSelectorWorkers
	}
	return &Selector{db: conn.GetConnection(), logger: logger, workers: workers}
}

type candidateRow struct {
	IDArchive int64   `gorm:"column:idarchive"`
	Name      string  `gorm:"column:name"`
	Value     float64 `gorm:"column:value"`
}

// GetArchiveIDAndVisits finds the most recent done archive of plugin for
// site, p and segment processed at or after minProcessed (zero means any
// time), along with the visit counts of the visits summary archive. ok is
// false when neither was found.
func (s *Selector) GetArchiveIDAndVisits(ctx context.Context, siteID uint, p period.Period, segment Segment, minProcessed time.Time, plugin string) (*IDAndVisits, bool, error) {
	table := NumericTable(p.Start)
	db := s.db.WithContext(ctx)
	if !store.TableExists(db, table) {
		return nil, false, nil
	}

	plugins := []string{VisitsSummaryPlugin}
	if plugin != VisitsSummaryPlugin {
		plugins = append(plugins, plugin)
	}

	query := db.Table(table).
		Select("idarchive, name, value").
		Where("idsite = ? AND date1 = ? AND date2 = ? AND period = ?", siteID, p.DateStart(), p.DateEnd(), int(p.ID)).
		Where(db.Where("name IN ? AND value IN ?", DoneFlags(plugins, segment), []int{DoneOK, DoneOKTemporary}).
			Or("name IN ?", []string{RecordNbVisits, RecordNbVisitsConverted}))
	if !minProcessed.IsZero() {
		query = query.Where("ts_archived >= ?", minProcessed.UTC())
	}

	var rows []candidateRow
	if err := query.Order("idarchive DESC").Find(&rows).Error; err != nil {
		return nil, false, fmt.Errorf("failed to select archives in %s: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}

	idArchive := mostRecentArchiveID(rows, DoneFlags([]string{plugin}, segment))
	idVisitsSummary := mostRecentArchiveID(rows, DoneFlags([]string{VisitsSummaryPlugin}, segment))
	visits, converted := visitsFromRows(rows, idArchive, idVisitsSummary)

	if visits == nil && idArchive == 0 {
		return nil, false, nil
	}

	s.logger.Debug("Archive selected",
		slog.String("table", table),
		slog.Uint64("idsite", uint64(siteID)),
		slog.String("plugin", plugin),
		slog.Int64("idarchive", idArchive),
		slog.Int64("idarchive_visits", idVisitsSummary))
	return &IDAndVisits{ArchiveID: idArchive, Visits: visits, VisitsConverted: converted}, true, nil
}

// mostRecentArchiveID returns the first row carrying one of flags. Rows come
// newest first.
func mostRecentArchiveID(rows []candidateRow, flags []string) int64 {
	for _, row := range rows {
		for _, flag := range flags {
			if row.Name == flag {
				return row.IDArchive
			}
		}
	}
	return 0
}

func visitsFromRows(rows []candidateRow, idArchive, idVisitsSummary int64) (*int64, *int64) {
	if idVisitsSummary == 0 {
		return nil, nil
	}

	var visits, converted int64
	for _, row := range rows {
		if row.IDArchive == 0 || (row.IDArchive != idArchive && row.IDArchive != idVisitsSummary) {
			continue
		}
		value := int64(row.Value)
		if visits == 0 && row.Name == RecordNbVisits {
			visits = value
		}
		if converted == 0 && row.Name == RecordNbVisitsConverted {
			converted = value
		}
	}
	return &visits, &converted
}

type idRow struct {
	SiteID    uint      `gorm:"column:idsite"`
	Name      string    `gorm:"column:name"`
	Date1     time.Time `gorm:"column:date1"`
	Date2     time.Time `gorm:"column:date2"`
	IDArchive int64     `gorm:"column:idarchive"`
}

// GetArchiveIDs returns the latest done archive ids of every site in siteIDs
// for every period, grouped by done flag name and period key. One query runs
// per month table.
func (s *Selector) GetArchiveIDs(ctx context.Context, siteIDs []uint, periods []period.Period, segment Segment, plugins []string) (map[string]map[string][]int64, error) {
	result := make(map[string]map[string][]int64)
	if len(siteIDs) == 0 || len(periods) == 0 {
		return result, nil
	}

	byTable := make(map[string][]period.Period)
	for _, p := range periods {
		table := NumericTable(p.Start)
		byTable[table] = append(byTable[table], p)
	}

	flags := DoneFlags(plugins, segment)
	tasks := make([]async.Task[[]idRow], 0, len(byTable))
	for table, ps := range byTable {
		tasks = append(tasks, async.Task[[]idRow]{
			Name: table,
			Execute: func(ctx context.Context) ([]idRow, error) {
				return s.archiveIDsInTable(ctx, table, siteIDs, ps, flags)
			},
		})
	}

	results := async.NewPool[[]idRow](s.workers).Execute(ctx, tasks)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tables := make([]string, 0, len(results))
	for table := range results {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	for _, table := range tables {
		res := results[table]
		if res.Err != nil {
			return nil, res.Err
		}
		for _, row := range res.Data {
			key := row.Date1.Format(period.DateFormat) + "," + row.Date2.Format(period.DateFormat)
			if result[row.Name] == nil {
				result[row.Name] = make(map[string][]int64)
			}
			result[row.Name][key] = append(result[row.Name][key], row.IDArchive)
		}
	}
	return result, nil
}

func (s *Selector) archiveIDsInTable(ctx context.Context, table string, siteIDs []uint, periods []period.Period, flags []string) ([]idRow, error) {
	db := s.db.WithContext(ctx)
	if !store.TableExists(db, table) {
		return nil, nil
	}

	var periodCond []string
	var args []any
	for _, p := range periods {
		periodCond = append(periodCond, "(period = ? AND date1 = ? AND date2 = ?)")
		args = append(args, int(p.ID), p.DateStart(), p.DateEnd())
	}

	var rows []idRow
	err := db.Table(table).
		Select("idsite, name, date1, date2, MAX(idarchive) AS idarchive").
		Where("idsite IN ?", siteIDs).
		Where("name IN ? AND value IN ?", flags, []int{DoneOK, DoneOKTemporary}).
		Where(strings.Join(periodCond, " OR "), args...).
		Group("idsite, date1, date2, name").
		Order("idsite, date1, name").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to select archive ids in %s: %w", table, err)
	}
	return rows, nil
}

type numericRow struct {
	IDArchive int64     `gorm:"column:idarchive"`
	SiteID    uint      `gorm:"column:idsite"`
	Date1     time.Time `gorm:"column:date1"`
	Date2     time.Time `gorm:"column:date2"`
	Name      string    `gorm:"column:name"`
	Value     float64   `gorm:"column:value"`
}

type blobRow struct {
	IDArchive int64     `gorm:"column:idarchive"`
	SiteID    uint      `gorm:"column:idsite"`
	Date1     time.Time `gorm:"column:date1"`
	Date2     time.Time `gorm:"column:date2"`
	Name      string    `gorm:"column:name"`
	Value     []byte    `gorm:"column:value"`
}

// GetArchiveData reads the records named recordNames of the archives in
// archiveIDs, which maps a period key to the ids found for it. With
// loadAllSubtables the "<name>_<n>" subtable blobs come along.
func (s *Selector) GetArchiveData(ctx context.Context, archiveIDs map[string][]int64, recordNames []string, dataType DataType, loadAllSubtables bool) ([]Row, error) {
	byTable := make(map[string][]int64)
	for key, ids := range archiveIDs {
		p, err := period.ParseRange(key)
		if err != nil {
			return nil, fmt.Errorf("invalid period key %q: %w", key, err)
		}
		table := TableFor(dataType, p.Start)
		byTable[table] = append(byTable[table], ids...)
	}

	tables := make([]string, 0, len(byTable))
	for table := range byTable {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	var out []Row
	for _, table := range tables {
		rows, err := s.archiveData(ctx, table, byTable[table], recordNames, dataType, loadAllSubtables)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (s *Selector) archiveData(ctx context.Context, table string, ids []int64, recordNames []string, dataType DataType, loadAllSubtables bool) ([]Row, error) {
	db := s.db.WithContext(ctx)
	if len(ids) == 0 || len(recordNames) == 0 || !store.TableExists(db, table) {
		return nil, nil
	}

	names := db.Where("name IN ?", recordNames)
	if loadAllSubtables && dataType == DataBlob {
		for _, name := range recordNames {
			names = names.Or("name LIKE ?", name+"_%")
		}
	}
	query := db.Table(table).
		Select("idarchive, idsite, date1, date2, name, value").
		Where("idarchive IN ?", ids).
		Where(names).
		Order("idarchive, name")

	var out []Row
	if dataType == DataBlob {
		var rows []blobRow
		if err := query.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", table, err)
		}
		for _, r := range rows {
			out = append(out, Row{ArchiveID: r.IDArchive, SiteID: r.SiteID, Date1: r.Date1, Date2: r.Date2, Name: r.Name, Blob: r.Value})
		}
		return out, nil
	}

	var rows []numericRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	for _, r := range rows {
		out = append(out, Row{ArchiveID: r.IDArchive, SiteID: r.SiteID, Date1: r.Date1, Date2: r.Date2, Name: r.Name, Numeric: r.Value})
	}
	return out, nil
}
