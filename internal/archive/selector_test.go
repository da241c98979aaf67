package archive_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracklog/internal/archive"
	"tracklog/internal/period"
	"tracklog/internal/testsupport"
)

func TestGetArchiveIDAndVisits(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	fixture := testsupport.NewArchiveFixture(dbManager, logger)
	selector := archive.NewSelector(dbManager, logger, 2)
	ctx := context.Background()

	day := testsupport.MustPeriod(t, period.Day, "2024-03-10")
	archivedAt := march10.Add(23 * time.Hour)

	t.Run("missing month table", func(t *testing.T) {
		res, ok, err := selector.GetArchiveIDAndVisits(ctx, 1, day, archive.Segment{}, time.Time{}, "Goals")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, res)
	})

	summary := fixture.Write(t, archive.Archive{
		SiteID: 1, Period: day, Plugin: archive.VisitsSummaryPlugin, Status: archive.DoneOK, ArchivedAt: archivedAt,
		Numeric: map[string]float64{archive.RecordNbVisits: 10, archive.RecordNbVisitsConverted: 2},
	})
	goals := fixture.Write(t, archive.Archive{
		SiteID: 1, Period: day, Plugin: "Goals", Status: archive.DoneOKTemporary, ArchivedAt: archivedAt,
		Numeric: map[string]float64{"Goals_nb_conversions": 3},
	})
	fixture.Write(t, archive.Archive{
		SiteID: 1, Period: day, Plugin: "Referrers", Status: archive.DoneError, ArchivedAt: archivedAt,
	})

	t.Run("plugin archive with visits from the summary", func(t *testing.T) {
		res, ok, err := selector.GetArchiveIDAndVisits(ctx, 1, day, archive.Segment{}, time.Time{}, "Goals")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, goals, res.ArchiveID)
		require.NotNil(t, res.Visits)
		assert.Equal(t, int64(10), *res.Visits)
		assert.Equal(t, int64(2), *res.VisitsConverted)
	})

	t.Run("visits summary itself", func(t *testing.T) {
		res, ok, err := selector.GetArchiveIDAndVisits(ctx, 1, day, archive.Segment{}, time.Time{}, archive.VisitsSummaryPlugin)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, summary, res.ArchiveID)
		assert.Equal(t, int64(10), *res.Visits)
	})

	t.Run("no plugin archive still returns visits", func(t *testing.T) {
		res, ok, err := selector.GetArchiveIDAndVisits(ctx, 1, day, archive.Segment{}, time.Time{}, "Actions")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Zero(t, res.ArchiveID)
		assert.Equal(t, int64(10), *res.Visits)
	})

	t.Run("failed archives are never selected", func(t *testing.T) {
		res, ok, err := selector.GetArchiveIDAndVisits(ctx, 1, day, archive.Segment{}, time.Time{}, "Referrers")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Zero(t, res.ArchiveID)
	})

	t.Run("other segment", func(t *testing.T) {
		res, ok, err := selector.GetArchiveIDAndVisits(ctx, 1, day, archive.Segment{Definition: "browserCode==FF"}, time.Time{}, "Goals")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, res)
	})

	t.Run("processed too early", func(t *testing.T) {
		res, ok, err := selector.GetArchiveIDAndVisits(ctx, 1, day, archive.Segment{}, archivedAt.Add(time.Second), "Goals")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, res)
	})

	t.Run("other site", func(t *testing.T) {
		_, ok, err := selector.GetArchiveIDAndVisits(ctx, 2, day, archive.Segment{}, time.Time{}, "Goals")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("newest archive wins", func(t *testing.T) {
		newer := fixture.Write(t, archive.Archive{
			SiteID: 1, Period: day, Plugin: "Goals", Status: archive.DoneOK, ArchivedAt: archivedAt.Add(time.Minute),
		})
		res, ok, err := selector.GetArchiveIDAndVisits(ctx, 1, day, archive.Segment{}, time.Time{}, "Goals")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, newer, res.ArchiveID)
	})

	t.Run("all-plugins archive serves any plugin", func(t *testing.T) {
		all := fixture.Write(t, archive.Archive{
			SiteID: 3, Period: day, Status: archive.DoneOK, ArchivedAt: archivedAt,
			Numeric: map[string]float64{archive.RecordNbVisits: 7},
		})
		res, ok, err := selector.GetArchiveIDAndVisits(ctx, 3, day, archive.Segment{}, time.Time{}, "Actions")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, all, res.ArchiveID)
		assert.Equal(t, int64(7), *res.Visits)
		assert.Zero(t, *res.VisitsConverted)
	})

	t.Run("plugin archive without visits summary", func(t *testing.T) {
		only := fixture.Write(t, archive.Archive{
			SiteID: 4, Period: day, Plugin: "Goals", Status: archive.DoneOK, ArchivedAt: archivedAt,
		})
		res, ok, err := selector.GetArchiveIDAndVisits(ctx, 4, day, archive.Segment{}, time.Time{}, "Goals")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, only, res.ArchiveID)
		assert.Nil(t, res.Visits, "unknown visits differ from zero visits")
	})
}

func TestGetArchiveIDs(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	fixture := testsupport.NewArchiveFixture(dbManager, logger)
	selector := archive.NewSelector(dbManager, logger, 4)
	ctx := context.Background()

	march := testsupport.MustPeriod(t, period.Day, "2024-03-10")
	april := testsupport.MustPeriod(t, period.Day, "2024-04-02")
	may := testsupport.MustPeriod(t, period.Day, "2024-05-05")

	write := func(siteID uint, p period.Period, plugin string, status int) int64 {
		return fixture.Write(t, archive.Archive{SiteID: siteID, Period: p, Plugin: plugin, Status: status, ArchivedAt: march10})
	}
	write(1, march, "Goals", archive.DoneOK)
	marchNewest := write(1, march, "Goals", archive.DoneOKTemporary)
	aprilGoals := write(1, april, "Goals", archive.DoneOK)
	write(1, april, "Actions", archive.DoneOK)
	write(1, april, "Goals", archive.DoneError)
	site2 := write(2, march, "", archive.DoneOK)

	ids, err := selector.GetArchiveIDs(ctx, []uint{1, 2}, []period.Period{march, april, may}, archive.Segment{}, []string{"Goals"})
	require.NoError(t, err)

	assert.Equal(t, map[string]map[string][]int64{
		"done.Goals": {
			march.Key(): {marchNewest},
			april.Key(): {aprilGoals},
		},
		"done": {
			march.Key(): {site2},
		},
	}, ids)

	t.Run("empty input", func(t *testing.T) {
		ids, err := selector.GetArchiveIDs(ctx, nil, []period.Period{march}, archive.Segment{}, []string{"Goals"})
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestGetArchiveData(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	fixture := testsupport.NewArchiveFixture(dbManager, logger)
	selector := archive.NewSelector(dbManager, logger, 2)
	ctx := context.Background()

	march := testsupport.MustPeriod(t, period.Day, "2024-03-10")
	april := testsupport.MustPeriod(t, period.Month, "2024-04-01")

	marchID := fixture.Write(t, archive.Archive{
		SiteID: 1, Period: march, Plugin: "Actions", Status: archive.DoneOK, ArchivedAt: march10,
		Numeric: map[string]float64{"nb_pageviews": 40, "nb_uniq": 9},
		Blobs: map[string][]byte{
			"Actions_actions":   []byte("root"),
			"Actions_actions_1": []byte("sub1"),
			"Actions_actions_2": []byte("sub2"),
			"Referrers_type":    []byte("other"),
		},
	})
	aprilID := fixture.Write(t, archive.Archive{
		SiteID: 1, Period: april, Plugin: "Actions", Status: archive.DoneOK, ArchivedAt: march10,
		Numeric: map[string]float64{"nb_pageviews": 100},
	})

	t.Run("numeric across months", func(t *testing.T) {
		rows, err := selector.GetArchiveData(ctx, map[string][]int64{
			march.Key(): {marchID},
			april.Key(): {aprilID},
		}, []string{"nb_pageviews"}, archive.DataNumeric, false)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, marchID, rows[0].ArchiveID)
		assert.Equal(t, float64(40), rows[0].Numeric)
		assert.Equal(t, "2024-03-10", rows[0].Date1.Format(period.DateFormat))
		assert.Equal(t, float64(100), rows[1].Numeric)
		assert.Equal(t, "2024-04-30", rows[1].Date2.Format(period.DateFormat))
	})

	t.Run("blob without subtables", func(t *testing.T) {
		rows, err := selector.GetArchiveData(ctx, map[string][]int64{march.Key(): {marchID}}, []string{"Actions_actions"}, archive.DataBlob, false)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, []byte("root"), rows[0].Blob)
	})

	t.Run("blob with subtables", func(t *testing.T) {
		rows, err := selector.GetArchiveData(ctx, map[string][]int64{march.Key(): {marchID}}, []string{"Actions_actions"}, archive.DataBlob, true)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		names := []string{rows[0].Name, rows[1].Name, rows[2].Name}
		assert.Equal(t, []string{"Actions_actions", "Actions_actions_1", "Actions_actions_2"}, names)
	})

	t.Run("unknown month", func(t *testing.T) {
		rows, err := selector.GetArchiveData(ctx, map[string][]int64{"2019-01-01,2019-01-01": {1}}, []string{"nb_pageviews"}, archive.DataNumeric, false)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("invalid key", func(t *testing.T) {
		_, err := selector.GetArchiveData(ctx, map[string][]int64{"yesterday": {1}}, []string{"nb_pageviews"}, archive.DataNumeric, false)
		assert.Error(t, err)
	})
}
