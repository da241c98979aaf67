package goals_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tracklog/internal/goals"
	"tracklog/internal/testsupport"
)

type fakeActions struct {
	ids map[string]int64
}

func (f *fakeActions) ActionID(_ context.Context, _ *gorm.DB, name string, _ int) (int64, error) {
	if f.ids == nil {
		f.ids = map[string]int64{}
	}
	if id, ok := f.ids[name]; ok {
		return id, nil
	}
	f.ids[name] = int64(len(f.ids) + 1)
	return f.ids[name], nil
}

func TestGoalMatches(t *testing.T) {
	tests := []struct {
		name  string
		goal  goals.Goal
		value string
		want  bool
		err   bool
	}{
		{"contains ignores case", goals.Goal{Pattern: "Thank", PatternType: goals.PatternContains}, "https://x/thank-you", true, false},
		{"contains case sensitive", goals.Goal{Pattern: "Thank", PatternType: goals.PatternContains, CaseSensitive: true}, "https://x/thank-you", false, false},
		{"exact", goals.Goal{Pattern: "https://x/done", PatternType: goals.PatternExact}, "HTTPS://X/DONE", true, false},
		{"regex", goals.Goal{Pattern: `/order/\d+$`, PatternType: goals.PatternRegex}, "https://x/ORDER/42", true, false},
		{"empty value never matches", goals.Goal{Pattern: "", PatternType: goals.PatternContains}, "", false, false},
		{"invalid regex", goals.Goal{Pattern: `(`, PatternType: goals.PatternRegex}, "x", false, true},
		{"unknown type", goals.Goal{Pattern: "x", PatternType: "fuzzy"}, "x", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.goal.Matches(tt.value)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectGoals(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	site := testsupport.CreateTestSite(t, db, "https://example.com")

	testsupport.CreateTestGoal(t, db, site.ID, 1, "/pricing", 0)
	require.NoError(t, goals.CreateGoal(db, &goals.Goal{
		SiteID: site.ID, ID: 2, Name: "Brochure", MatchAttribute: goals.MatchFile, Pattern: ".pdf",
	}))
	require.NoError(t, goals.CreateGoal(db, &goals.Goal{
		SiteID: site.ID, ID: 3, Name: "Broken", MatchAttribute: goals.MatchURL, Pattern: "(", PatternType: goals.PatternRegex,
	}))
	require.NoError(t, goals.CreateGoal(db, &goals.Goal{
		SiteID: site.ID, ID: 4, Name: "Gone", MatchAttribute: goals.MatchURL, Pattern: "/pricing", Deleted: true,
	}))

	m := goals.NewManager(dbManager, logger)

	t.Run("url goal", func(t *testing.T) {
		matched, err := m.DetectGoalsMatchingAction(site.ID, goals.ActionInfo{URL: "https://example.com/pricing"})
		require.NoError(t, err)
		require.Len(t, matched, 1)
		assert.Equal(t, 1, matched[0].ID)
	})

	t.Run("download goal ignores pageviews", func(t *testing.T) {
		matched, err := m.DetectGoalsMatchingAction(site.ID, goals.ActionInfo{URL: "https://example.com/a.pdf"})
		require.NoError(t, err)
		assert.Empty(t, matched)

		matched, err = m.DetectGoalsMatchingAction(site.ID, goals.ActionInfo{URL: "https://example.com/a.pdf", IsDownload: true})
		require.NoError(t, err)
		require.Len(t, matched, 1)
		assert.Equal(t, 2, matched[0].ID)
	})

	t.Run("manual goal lookup", func(t *testing.T) {
		goal, err := m.DetectGoalID(site.ID, 2)
		require.NoError(t, err)
		require.NotNil(t, goal)
		assert.Equal(t, "Brochure", goal.Name)

		goal, err = m.DetectGoalID(site.ID, 4)
		require.NoError(t, err)
		assert.Nil(t, goal, "deleted goals cannot convert")
	})

	t.Run("cache is invalidated", func(t *testing.T) {
		testsupport.CreateTestGoal(t, db, site.ID, 5, "/new", 0)
		goal, err := m.DetectGoalID(site.ID, 5)
		require.NoError(t, err)
		assert.Nil(t, goal)

		m.Invalidate()
		goal, err = m.DetectGoalID(site.ID, 5)
		require.NoError(t, err)
		assert.NotNil(t, goal)
	})
}

func TestRecordGoals(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	site := testsupport.CreateTestSite(t, db, "https://example.com")
	ctx := context.Background()
	m := goals.NewManager(dbManager, logger)
	actions := &fakeActions{}

	now := time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)
	visit := goals.VisitInfo{VisitID: 7, SiteID: site.ID, VisitorID: make([]byte, 16), ServerTime: now, LastActionTime: now, URL: "https://example.com/x"}

	t.Run("single conversion per visit unless allowed", func(t *testing.T) {
		once := goals.Goal{ID: 1, Revenue: decimal.NewFromInt(5)}
		many := goals.Goal{ID: 2, AllowMultiple: true}

		require.NoError(t, m.RecordGoals(ctx, db, visit, goals.Request{}, []goals.Goal{once, many}, actions))
		later := visit
		later.LastActionTime = now.Add(time.Minute)
		require.NoError(t, m.RecordGoals(ctx, db, later, goals.Request{}, []goals.Goal{once, many}, actions))

		var counts []struct {
			GoalID int   `gorm:"column:idgoal"`
			N      int64 `gorm:"column:n"`
		}
		require.NoError(t, db.Model(&goals.Conversion{}).Select("idgoal, COUNT(*) AS n").Where("idvisit = ?", 7).Group("idgoal").Order("idgoal").Scan(&counts).Error)
		require.Len(t, counts, 2)
		assert.Equal(t, int64(1), counts[0].N)
		assert.Equal(t, int64(2), counts[1].N)
	})

	t.Run("cart then order", func(t *testing.T) {
		ecVisit := visit
		ecVisit.VisitID = 8

		cart, err := goals.ParseRequest(url.Values{"idgoal": {"0"}, "ec_items": {`[["S1","Shoe",["","Shoes"],"19.99",2]]`}})
		require.NoError(t, err)
		require.Equal(t, goals.KindEcommerceCart, cart.Kind())
		require.NoError(t, m.RecordGoals(ctx, db, ecVisit, cart, nil, actions))
		require.NoError(t, m.RecordGoals(ctx, db, ecVisit, cart, nil, actions))

		var carts []goals.Conversion
		require.NoError(t, db.Where("idvisit = ?", 8).Find(&carts).Error)
		require.Len(t, carts, 1, "cart updates replace each other")
		assert.Equal(t, goals.IDGoalCart, carts[0].GoalID)
		assert.Equal(t, "39.98", carts[0].Revenue.String())
		assert.Equal(t, 2, carts[0].ItemsCount)

		order, err := goals.ParseRequest(url.Values{"idgoal": {"0"}, "ec_id": {"A-1"}, "revenue": {"45"}, "ec_items": {`[["S1","Shoe","Shoes",19.99,2]]`}})
		require.NoError(t, err)
		require.NoError(t, m.RecordGoals(ctx, db, ecVisit, order, nil, actions))
		require.NoError(t, m.RecordGoals(ctx, db, ecVisit, order, nil, actions), "a replayed order is ignored")

		var conversions []goals.Conversion
		require.NoError(t, db.Where("idvisit = ?", 8).Find(&conversions).Error)
		require.Len(t, conversions, 1)
		assert.Equal(t, goals.IDGoalOrder, conversions[0].GoalID)
		require.NotNil(t, conversions[0].OrderID)
		assert.Equal(t, "A-1", *conversions[0].OrderID)

		var items []goals.ConversionItem
		require.NoError(t, db.Where("idvisit = ?", 8).Find(&items).Error)
		require.Len(t, items, 1)
		assert.Equal(t, "A-1", items[0].OrderID)
	})
}

func TestRequestKind(t *testing.T) {
	tests := []struct {
		q      url.Values
		kind   goals.Kind
		goalID int
		buyer  goals.Buyer
	}{
		{url.Values{}, goals.KindNone, goals.IDGoalCart, goals.BuyerOrdered},
		{url.Values{"idgoal": {"3"}}, goals.KindManual, 3, goals.BuyerOrdered},
		{url.Values{"idgoal": {"0"}}, goals.KindEcommerceCart, goals.IDGoalCart, goals.BuyerOrderedThenAbandonedCart},
		{url.Values{"idgoal": {"0"}, "ec_id": {"X"}}, goals.KindEcommerceOrder, goals.IDGoalOrder, goals.BuyerOrdered},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			r, err := goals.ParseRequest(tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, r.Kind())
			assert.Equal(t, tt.goalID, r.ConversionGoalID())
			assert.Equal(t, tt.buyer, r.BuyerType(goals.BuyerOrdered))
		})
	}

	assert.Equal(t, goals.BuyerAbandonedCart, goals.Request{GoalID: new(int)}.BuyerType(goals.BuyerNone))
}

func TestParseItems(t *testing.T) {
	items, err := goals.ParseItems(`[["A","Alpha","Cat",10,3],["",  "skipped"],["B"],[]]`)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "A", items[0].SKU)
	assert.Equal(t, "Alpha", items[0].Name)
	assert.Equal(t, "Cat", items[0].Category)
	assert.Equal(t, 3, items[0].Quantity)
	assert.True(t, items[0].Price.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "B", items[1].SKU)
	assert.Equal(t, 1, items[1].Quantity)

	_, err = goals.ParseItems(`{"not":"a list"}`)
	assert.Error(t, err)
}
