package jobs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tracklog/internal/archive"
	"tracklog/internal/jobs"
	"tracklog/internal/period"
	"tracklog/internal/privacy"
	"tracklog/internal/settings"
	"tracklog/internal/store"
	"tracklog/internal/testsupport"
	"tracklog/internal/tracker"
)

func TestArchivePurgeJob(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	fixture := testsupport.NewArchiveFixture(dbManager, logger)
	st := settings.NewStore(dbManager, logger)
	ctx := context.Background()

	now := time.Date(2024, 4, 20, 12, 0, 0, 0, time.UTC)
	clock := testsupport.NewFakeClock(now)
	rules := archive.NewRules(st, logger, clock, archive.RulesConfig{TodayArchiveTTL: 10 * time.Second})
	purger := archive.NewPurger(dbManager, logger, rules, store.NewDBLocker(dbManager, logger, 1), clock, archive.PurgerConfig{})
	job := jobs.NewArchivePurgeJob(archive.NewTables(dbManager, logger), purger, logger, 0)

	assert.Equal(t, "archive_purge", job.Name())
	assert.Equal(t, time.Hour, job.Interval())

	t.Run("no archive tables", func(t *testing.T) {
		require.NoError(t, job.Run(ctx))
	})

	write := func(date string, status int, at time.Time) int64 {
		return fixture.Write(t, archive.Archive{
			SiteID: 1, Period: testsupport.MustPeriod(t, period.Day, date), Plugin: "Goals", Status: status, ArchivedAt: at,
			Numeric: map[string]float64{"nb_conversions": 1},
		})
	}
	march := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	april := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	marchFailed := write("2024-03-05", archive.DoneError, march.AddDate(0, 0, 5))
	marchDone := write("2024-03-06", archive.DoneOK, march.AddDate(0, 0, 6))
	aprilTemporary := write("2024-04-05", archive.DoneOKTemporary, april.AddDate(0, 0, 5))

	count := func(date time.Time, id int64) int64 {
		var n int64
		require.NoError(t, db.Table(archive.NumericTable(date)).Where("idarchive = ?", id).Count(&n).Error)
		return n
	}

	t.Run("every month is purged", func(t *testing.T) {
		require.NoError(t, job.Run(ctx))

		assert.Zero(t, count(march, marchFailed))
		assert.Zero(t, count(april, aprilTemporary))
		assert.Equal(t, int64(2), count(march, marchDone))

		for _, month := range []time.Time{march, april} {
			last, ok, err := st.GetTime(ctx, archive.PurgeKey(month))
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, last.Equal(now))
		}
	})
}

func oldVisit(t *testing.T, db *gorm.DB, last time.Time) int64 {
	t.Helper()
	v := tracker.Visit{
		SiteID: 1, VisitorID: make([]byte, 16), ConfigID: make([]byte, 16),
		FirstActionTime: last, LastActionTime: last,
		LocationIP: []byte{192, 0, 2, 1}, LocationCountry: "xx",
	}
	require.NoError(t, db.Create(&v).Error)
	return v.ID
}

func TestLogPurgeJob(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	st := settings.NewStore(dbManager, logger)
	ctx := context.Background()

	now := time.Date(2024, 9, 30, 12, 0, 0, 0, time.UTC)
	old := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	clock := testsupport.NewFakeClock(now)
	purger := privacy.NewLogDataPurger(dbManager, logger, store.NewDBLocker(dbManager, logger, 1), clock,
		privacy.Config{OlderThanDays: 90})

	exists := func(id int64) bool {
		var n int64
		require.NoError(t, db.Model(&tracker.Visit{}).Where("idvisit = ?", id).Count(&n).Error)
		return n == 1
	}

	t.Run("disabled", func(t *testing.T) {
		id := oldVisit(t, db, old)
		job := jobs.NewLogPurgeJob(false, purger, st, clock, logger, 0)
		assert.Equal(t, 24*time.Hour, job.Interval())

		require.NoError(t, job.Run(ctx))
		assert.True(t, exists(id))
		_, ok, err := st.GetTime(ctx, settings.KeyLastLogPurge)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("enabled runs once per interval", func(t *testing.T) {
		job := jobs.NewLogPurgeJob(true, purger, st, clock, logger, 3600)
		assert.Equal(t, time.Hour, job.Interval())

		first := oldVisit(t, db, old)
		require.NoError(t, job.Run(ctx))
		assert.False(t, exists(first))

		last, ok, err := st.GetTime(ctx, settings.KeyLastLogPurge)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, last.Equal(now))

		second := oldVisit(t, db, old)
		clock.Advance(30 * time.Minute)
		require.NoError(t, job.Run(ctx))
		assert.True(t, exists(second), "not due yet")

		clock.Advance(30 * time.Minute)
		require.NoError(t, job.Run(ctx))
		assert.False(t, exists(second))
	})
}
