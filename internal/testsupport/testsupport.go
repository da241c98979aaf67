package testsupport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/karloscodes/cartridge"
	ctestsupport "github.com/karloscodes/cartridge/testsupport"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tracklog/internal/archive"
	"tracklog/internal/database"
	"tracklog/internal/goals"
	"tracklog/internal/period"
	"tracklog/internal/sites"
)

// testDBCache caches test databases by test name to allow multiple calls
// within the same test to share the same database
var testDBCache = make(map[string]*gorm.DB)
var testDBCacheMu sync.Mutex

// TestDBManager wraps cartridge's TestDBManager for tracklog components
type TestDBManager struct {
	*ctestsupport.TestDBManager
}

// NewTestDBManager creates a TestDBManager that implements cartridge.DBManager
func NewTestDBManager(db *gorm.DB) *TestDBManager {
	return &TestDBManager{
		TestDBManager: ctestsupport.NewTestDBManager(db),
	}
}

// Ensure TestDBManager implements cartridge.DBManager
var _ cartridge.DBManager = (*TestDBManager)(nil)

// SetupTestDB creates a test database with all models migrated.
// Uses a named in-memory database with cache=shared to allow multiple connections
// to share the same database within a test. Caches the database by test name
// so multiple calls within the same test return the same database.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// Use root test name for caching to handle closure issues where
	// setup functions capture the outer t while t.Run has subtest t
	rootName := t.Name()
	if idx := strings.Index(rootName, "/"); idx > 0 {
		rootName = rootName[:idx]
	}

	testDBCacheMu.Lock()
	if db, exists := testDBCache[rootName]; exists {
		testDBCacheMu.Unlock()
		return db
	}
	testDBCacheMu.Unlock()

	dsn := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared", rootName, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("testsupport: failed to open test database: %v", err)
	}

	// shared-cache memory databases lock per table; one connection avoids SQLITE_LOCKED
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(database.AllModels()...); err != nil {
		t.Fatalf("testsupport: failed to migrate models: %v", err)
	}

	testDBCacheMu.Lock()
	testDBCache[rootName] = db
	testDBCacheMu.Unlock()

	t.Cleanup(func() {
		testDBCacheMu.Lock()
		delete(testDBCache, rootName)
		testDBCacheMu.Unlock()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	return db
}

// SetupTestDBManager creates a test DB manager using cartridge's testsupport
func SetupTestDBManager(t *testing.T) (*TestDBManager, *slog.Logger) {
	t.Helper()
	return NewTestDBManager(SetupTestDB(t)), GetLogger()
}

// GetLogger returns a test logger
func GetLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}

// CleanTables empties tables and resets their autoincrement counters.
func CleanTables(db *gorm.DB, tables ...string) {
	db.Transaction(func(tx *gorm.DB) error {
		for _, table := range tables {
			tx.Exec("DELETE FROM " + table)
			tx.Exec("DELETE FROM sqlite_sequence WHERE name=?", table)
		}
		return nil
	})
}

// CreateTestSite creates a tracked site with UTC timezone for mainURL.
func CreateTestSite(t *testing.T, db *gorm.DB, mainURL string) sites.Site {
	t.Helper()

	site := sites.Site{
		Name:     strings.TrimPrefix(strings.TrimPrefix(mainURL, "https://"), "http://"),
		MainURL:  mainURL,
		Timezone: "UTC",
		Currency: "USD",
	}
	require.NoError(t, sites.CreateSite(db, &site))
	return site
}

// CreateTestGoal creates a URL-matching goal on site.
func CreateTestGoal(t *testing.T, db *gorm.DB, siteID uint, id int, pattern string, revenue float64) goals.Goal {
	t.Helper()

	goal := goals.Goal{
		SiteID:         siteID,
		ID:             id,
		Name:           fmt.Sprintf("Goal %d", id),
		MatchAttribute: goals.MatchURL,
		Pattern:        pattern,
		PatternType:    goals.PatternContains,
		Revenue:        decimal.NewFromFloat(revenue),
	}
	require.NoError(t, goals.CreateGoal(db, &goal))
	return goal
}

// ArchiveFixture writes archives for tests.
type ArchiveFixture struct {
	Writer *archive.Writer
	Tables *archive.Tables
}

// NewArchiveFixture returns a fixture writing into dbManager's database.
func NewArchiveFixture(dbManager *TestDBManager, logger *slog.Logger) *ArchiveFixture {
	tables := archive.NewTables(dbManager, logger)
	return &ArchiveFixture{Writer: archive.NewWriter(dbManager, logger, tables), Tables: tables}
}

// Write stores a and returns its idarchive.
func (f *ArchiveFixture) Write(t *testing.T, a archive.Archive) int64 {
	t.Helper()
	id, err := f.Writer.Write(context.Background(), a)
	require.NoError(t, err)
	return id
}

// MustPeriod builds a period or fails the test.
func MustPeriod(t *testing.T, id period.ID, date string) period.Period {
	t.Helper()
	d, err := time.Parse(period.DateFormat, date)
	require.NoError(t, err)
	if id == period.Range {
		p, err := period.NewRange(d, d)
		require.NoError(t, err)
		return p
	}
	p, err := period.New(id, d)
	require.NoError(t, err)
	return p
}

// FakeClock is a period.TimeProvider frozen at a settable instant.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a clock stopped at now.
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now.UTC()}
}

func (c *FakeClock) Now(loc *time.Location) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.In(loc)
}

// Set moves the clock to now.
func (c *FakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now.UTC()
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var _ period.TimeProvider = (*FakeClock)(nil)
