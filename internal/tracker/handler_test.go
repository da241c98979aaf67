package tracker_test

import (
	"context"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tracklog/internal/goals"
	"tracklog/internal/settings"
	"tracklog/internal/sites"
	"tracklog/internal/testsupport"
	"tracklog/internal/tracker"
)

const (
	chromeUA  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	visitorA  = "0123456789abcdef0123456789abcdef"
	visitorIP = "192.0.2.10"
)

var t0 = time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)

type trackerEnv struct {
	db      *gorm.DB
	handler *tracker.Handler
	site    sites.Site
	goals   *goals.Manager
}

func testConfig() tracker.Config {
	return tracker.Config{
		Recognizer: tracker.RecognizerConfig{
			VisitStandardLength:   30 * time.Minute,
			TrustedCookieLookBack: 24 * time.Hour,
		},
		IgnoreCookieName: "piwik_ignore",
		Salt:             "test-salt",
	}
}

func setupTracker(t *testing.T, cfg tracker.Config, configure func(site *sites.Site)) *trackerEnv {
	t.Helper()

	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()

	site := sites.Site{Name: "Example", MainURL: "https://example.com", Timezone: "UTC", Currency: "USD"}
	if configure != nil {
		configure(&site)
	}
	require.NoError(t, sites.CreateSite(db, &site))

	goalManager := goals.NewManager(dbManager, logger)
	handler := tracker.NewHandler(dbManager, logger, cfg, tracker.Deps{
		Sites:    sites.NewRegistry(dbManager, logger),
		Settings: settings.NewStore(dbManager, logger),
		Goals:    goalManager,
	})
	return &trackerEnv{db: db, handler: handler, site: site, goals: goalManager}
}

func (e *trackerEnv) request(t *testing.T, at time.Time, params map[string]string) *tracker.Request {
	t.Helper()

	q := url.Values{}
	q.Set("idsite", uintString(e.site.ID))
	q.Set("url", "https://example.com/")
	q.Set("rec", "1")
	for k, v := range params {
		q.Set(k, v)
	}
	req, err := tracker.NewRequest(q, tracker.Environment{RemoteIP: visitorIP, UserAgent: chromeUA, AcceptLanguage: "en-us"}, at)
	require.NoError(t, err)
	return req
}

func (e *trackerEnv) track(t *testing.T, at time.Time, params map[string]string) *tracker.Result {
	t.Helper()
	result, err := e.handler.Handle(context.Background(), e.request(t, at, params))
	require.NoError(t, err)
	return result
}

func (e *trackerEnv) visits(t *testing.T) []tracker.Visit {
	t.Helper()
	var visits []tracker.Visit
	require.NoError(t, e.db.Where("idsite = ?", e.site.ID).Order("idvisit").Find(&visits).Error)
	return visits
}

func (e *trackerEnv) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(model).Count(&n).Error)
	return n
}

func uintString(n uint) string {
	return strconv.FormatUint(uint64(n), 10)
}

func TestHandleVisitLifecycle(t *testing.T) {
	env := setupTracker(t, testConfig(), nil)

	first := env.track(t, t0, map[string]string{"_id": visitorA, "url": "https://example.com/", "action_name": "Home"})
	require.Equal(t, tracker.StatusNewVisit, first.Status)
	assert.NotZero(t, first.ActionID)

	visits := env.visits(t)
	require.Len(t, visits, 1)
	assert.Equal(t, 1, visits[0].TotalActions)
	assert.Equal(t, 0, visits[0].TotalTime)
	assert.Equal(t, first.VisitID, visits[0].ID)

	second := env.track(t, t0.Add(600*time.Second), map[string]string{"_id": visitorA, "url": "https://example.com/pricing"})
	require.Equal(t, tracker.StatusKnownVisit, second.Status)
	assert.Equal(t, first.VisitID, second.VisitID)

	visits = env.visits(t)
	require.Len(t, visits, 1)
	assert.Equal(t, 2, visits[0].TotalActions)
	assert.Equal(t, 601, visits[0].TotalTime)
	assert.True(t, visits[0].LastActionTime.Equal(t0.Add(600*time.Second)))
	assert.NotEqual(t, visits[0].EntryActionURL, visits[0].ExitActionURL)

	var link tracker.LinkVisitAction
	require.NoError(t, env.db.Where("idlink_va = ?", second.ActionID).First(&link).Error)
	assert.Equal(t, visits[0].EntryActionURL, link.URLRefAction)
	assert.Equal(t, 600, link.TimeSpentRefAction)

	third := env.track(t, t0.Add(3000*time.Second), map[string]string{"_id": visitorA, "url": "https://example.com/"})
	require.Equal(t, tracker.StatusNewVisit, third.Status)
	assert.NotEqual(t, first.VisitID, third.VisitID)

	visits = env.visits(t)
	require.Len(t, visits, 2)
	assert.Equal(t, 1, visits[1].TotalActions)
	assert.Equal(t, visits[0].VisitorID, visits[1].VisitorID)
}

func TestHandleRecognizesByFingerprint(t *testing.T) {
	env := setupTracker(t, testConfig(), nil)

	first := env.track(t, t0, nil)
	second := env.track(t, t0.Add(time.Minute), nil)

	assert.Equal(t, tracker.StatusNewVisit, first.Status)
	assert.Equal(t, tracker.StatusKnownVisit, second.Status)
	assert.Equal(t, first.VisitID, second.VisitID)
	assert.Equal(t, first.VisitorID, second.VisitorID, "the recognized visit keeps its visitor id")
	assert.Len(t, env.visits(t), 1)
}

func TestHandleStrictWindowBoundary(t *testing.T) {
	cfg := testConfig()
	// the lookup window reaches further back than the visit length
	cfg.Recognizer.WindowLookBackForVisitor = 2 * time.Hour
	env := setupTracker(t, cfg, nil)

	first := env.track(t, t0, map[string]string{"_id": visitorA})
	again := env.track(t, t0.Add(30*time.Minute), map[string]string{"_id": visitorA})

	assert.Equal(t, tracker.StatusNewVisit, again.Status, "a last action exactly visit_standard_length ago is not the same visit")
	assert.NotEqual(t, first.VisitID, again.VisitID)

	visits := env.visits(t)
	require.Len(t, visits, 2)
	assert.Equal(t, tracker.VisitorReturning, visits[1].VisitorReturning, "recognized visitors start returning visits")
}

func TestHandleVisitVanishedBeforeUpdate(t *testing.T) {
	env := setupTracker(t, testConfig(), nil)

	first := env.track(t, t0, map[string]string{"_id": visitorA})

	deleted := false
	env.handler.Hooks.OnBeforeVisitUpdate = append(env.handler.Hooks.OnBeforeVisitUpdate, func(ctx context.Context, v *tracker.Visit) {
		if !deleted {
			deleted = true
			env.db.Where("idvisit = ?", v.ID).Delete(&tracker.Visit{})
		}
	})

	t.Run("pageview falls back to a new visit", func(t *testing.T) {
		result := env.track(t, t0.Add(time.Minute), map[string]string{"_id": visitorA})

		require.Equal(t, tracker.StatusNewVisit, result.Status)
		require.NotNil(t, result.NotFound)
		assert.Equal(t, first.VisitID, result.NotFound.IDVisit)
		assert.NotEqual(t, first.VisitID, result.VisitID)

		visits := env.visits(t)
		require.Len(t, visits, 1)
		assert.Equal(t, result.VisitID, visits[0].ID)
		assert.Equal(t, 1, visits[0].TotalActions)
	})

	t.Run("conversion is dropped", func(t *testing.T) {
		testsupport.CreateTestGoal(t, env.db, env.site.ID, 1, "signup", 5)
		env.goals.Invalidate()
		deleted = false

		result := env.track(t, t0.Add(2*time.Minute), map[string]string{"_id": visitorA, "idgoal": "1"})

		assert.Equal(t, tracker.StatusConversionDropped, result.Status)
		assert.NotNil(t, result.NotFound)
		assert.False(t, result.Converted)
		assert.Empty(t, env.visits(t), "no visit is created for a dropped conversion")
		assert.Zero(t, env.count(t, &goals.Conversion{}))
	})
}

func TestHandleManualGoal(t *testing.T) {
	env := setupTracker(t, testConfig(), nil)
	testsupport.CreateTestGoal(t, env.db, env.site.ID, 1, "never-matches-a-url", 10)

	t.Run("unknown goal writes nothing", func(t *testing.T) {
		result := env.track(t, t0, map[string]string{"_id": visitorA, "idgoal": "99"})

		assert.Equal(t, tracker.StatusMalformedConversion, result.Status)
		assert.ErrorIs(t, result.Dropped, tracker.ErrMalformedConversionRequest)
		assert.Empty(t, env.visits(t))
		assert.Zero(t, env.count(t, &goals.Conversion{}))
	})

	t.Run("known goal converts a new visit", func(t *testing.T) {
		result := env.track(t, t0, map[string]string{"_id": visitorA, "idgoal": "1", "revenue": "12.50"})

		require.Equal(t, tracker.StatusNewVisit, result.Status)
		assert.True(t, result.Converted)
		assert.Zero(t, result.ActionID, "conversion pings carry no action")

		visits := env.visits(t)
		require.Len(t, visits, 1)
		assert.True(t, visits[0].GoalConverted)
		assert.Zero(t, visits[0].TotalActions)

		var conversion goals.Conversion
		require.NoError(t, env.db.First(&conversion).Error)
		assert.Equal(t, 1, conversion.GoalID)
		assert.Equal(t, result.VisitID, conversion.VisitID)
		assert.Equal(t, "12.5", conversion.Revenue.String())
	})

	t.Run("known goal on a known visit adds idgoal+2 to total time", func(t *testing.T) {
		result := env.track(t, t0.Add(100*time.Second), map[string]string{"_id": visitorA, "idgoal": "1"})

		require.Equal(t, tracker.StatusKnownVisit, result.Status)
		visits := env.visits(t)
		require.Len(t, visits, 1)
		assert.Equal(t, 1+100+1+2, visits[0].TotalTime)
	})
}

func TestHandleURLGoal(t *testing.T) {
	env := setupTracker(t, testConfig(), nil)
	testsupport.CreateTestGoal(t, env.db, env.site.ID, 3, "/thank-you", 7)

	env.track(t, t0, map[string]string{"_id": visitorA, "url": "https://example.com/"})
	result := env.track(t, t0.Add(time.Minute), map[string]string{"_id": visitorA, "url": "https://example.com/thank-you"})

	require.Equal(t, tracker.StatusKnownVisit, result.Status)
	assert.True(t, result.Converted)

	var conversion goals.Conversion
	require.NoError(t, env.db.First(&conversion).Error)
	assert.Equal(t, 3, conversion.GoalID)
	assert.Equal(t, result.ActionID, conversion.LinkVisitAction)
	assert.Equal(t, "https://example.com/thank-you", conversion.URL)
	assert.Equal(t, "7", conversion.Revenue.String())
}

func TestHandleEcommerce(t *testing.T) {
	t.Run("site without ecommerce drops the request", func(t *testing.T) {
		env := setupTracker(t, testConfig(), nil)
		result := env.track(t, t0, map[string]string{"_id": visitorA, "idgoal": "0", "ec_id": "A1", "revenue": "30"})

		assert.Equal(t, tracker.StatusMalformedConversion, result.Status)
		assert.Empty(t, env.visits(t))
	})

	t.Run("order converts the visit and sets the buyer", func(t *testing.T) {
		env := setupTracker(t, testConfig(), func(site *sites.Site) { site.Ecommerce = true })

		cart := env.track(t, t0, map[string]string{"_id": visitorA, "idgoal": "0", "ec_items": `[["SKU1","Shoe","Shoes",30,1]]`})
		require.Equal(t, tracker.StatusNewVisit, cart.Status)

		visits := env.visits(t)
		require.Len(t, visits, 1)
		assert.Equal(t, goals.BuyerAbandonedCart, visits[0].GoalBuyer)
		assert.False(t, visits[0].GoalConverted, "a cart update does not convert the visit")

		order := env.track(t, t0.Add(time.Minute), map[string]string{
			"_id": visitorA, "idgoal": "0", "ec_id": "A1", "revenue": "30",
			"ec_items": `[["SKU1","Shoe","Shoes",30,1]]`,
		})
		require.Equal(t, tracker.StatusKnownVisit, order.Status)

		visits = env.visits(t)
		require.Len(t, visits, 1)
		assert.Equal(t, goals.BuyerOrdered, visits[0].GoalBuyer)
		assert.True(t, visits[0].GoalConverted)

		var conversions []goals.Conversion
		require.NoError(t, env.db.Find(&conversions).Error)
		require.Len(t, conversions, 1, "the order replaces the cart")
		assert.Equal(t, goals.IDGoalOrder, conversions[0].GoalID)
	})
}

func TestHandleExclusion(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(*tracker.Config)
		site   func(*sites.Site)
		env    tracker.Environment
		reason string
	}{
		{
			name:   "bot user agent",
			env:    tracker.Environment{RemoteIP: visitorIP, UserAgent: "Googlebot/2.1 (+http://www.google.com/bot.html)"},
			reason: tracker.ExcludedBot,
		},
		{
			name:   "prefetch",
			env:    tracker.Environment{RemoteIP: visitorIP, UserAgent: chromeUA, Prefetch: true},
			reason: tracker.ExcludedPrefetch,
		},
		{
			name:   "ignore cookie",
			env:    tracker.Environment{RemoteIP: visitorIP, UserAgent: chromeUA, Cookies: map[string]string{"piwik_ignore": "1"}},
			reason: tracker.ExcludedIgnoreCookie,
		},
		{
			name:   "do not track when enabled",
			cfg:    func(c *tracker.Config) { c.EnableDNT = true },
			env:    tracker.Environment{RemoteIP: visitorIP, UserAgent: chromeUA, DoNotTrack: true},
			reason: tracker.ExcludedDoNotTrack,
		},
		{
			name:   "site excluded ip range",
			site:   func(s *sites.Site) { s.ExcludedIPs = "192.0.2.0/24" },
			env:    tracker.Environment{RemoteIP: visitorIP, UserAgent: chromeUA},
			reason: tracker.ExcludedSiteIP,
		},
		{
			name:   "site excluded user agent",
			site:   func(s *sites.Site) { s.ExcludedUserAgents = "uptime-checker" },
			env:    tracker.Environment{RemoteIP: visitorIP, UserAgent: chromeUA + " uptime-checker/1.0"},
			reason: tracker.ExcludedUserAgent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			env := setupTracker(t, cfg, tt.site)

			q := url.Values{"idsite": {uintString(env.site.ID)}, "url": {"https://example.com/"}}
			req, err := tracker.NewRequest(q, tt.env, t0)
			require.NoError(t, err)

			result, err := env.handler.Handle(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tracker.StatusExcluded, result.Status)
			assert.ErrorIs(t, result.Dropped, tracker.ErrExcludedRequest)
			assert.Contains(t, result.Dropped.Error(), tt.reason)
			assert.Empty(t, env.visits(t))
		})
	}

	t.Run("do not track is ignored by default", func(t *testing.T) {
		env := setupTracker(t, testConfig(), nil)
		q := url.Values{"idsite": {uintString(env.site.ID)}, "url": {"https://example.com/"}}
		req, err := tracker.NewRequest(q, tracker.Environment{RemoteIP: visitorIP, UserAgent: chromeUA, DoNotTrack: true}, t0)
		require.NoError(t, err)

		result, err := env.handler.Handle(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, tracker.StatusNewVisit, result.Status)
	})
}

func TestHandleHooks(t *testing.T) {
	env := setupTracker(t, testConfig(), nil)

	var order []string
	env.handler.Hooks.OnSetVisitorIP = append(env.handler.Hooks.OnSetVisitorIP, tracker.AnonymizeIP(2))
	env.handler.Hooks.OnNewVisit = append(env.handler.Hooks.OnNewVisit,
		func(ctx context.Context, v *tracker.Visit) {
			order = append(order, "new")
			v.Extra = map[string]any{"plan": "free"}
		},
		func(ctx context.Context, v *tracker.Visit) { order = append(order, "new2") },
	)
	env.handler.Hooks.OnAfterVisitSaved = append(env.handler.Hooks.OnAfterVisitSaved, func(ctx context.Context, v *tracker.Visit) {
		order = append(order, "saved")
		assert.NotZero(t, v.ID)
	})
	env.handler.Hooks.OnBeforeVisitUpdate = append(env.handler.Hooks.OnBeforeVisitUpdate, func(ctx context.Context, v *tracker.Visit) {
		order = append(order, "before_update")
		v.Extra = map[string]any{"plan": "pro"}
	})
	env.handler.Hooks.OnAfterVisitUpdated = append(env.handler.Hooks.OnAfterVisitUpdated, func(ctx context.Context, v *tracker.Visit) {
		order = append(order, "updated")
	})

	env.track(t, t0, map[string]string{"_id": visitorA})
	env.track(t, t0.Add(time.Minute), map[string]string{"_id": visitorA})

	assert.Equal(t, []string{"new", "new2", "saved", "before_update", "updated"}, order)

	visits := env.visits(t)
	require.Len(t, visits, 1)
	assert.Equal(t, []byte{192, 0, 0, 0}, visits[0].LocationIP)
	assert.Equal(t, "pro", visits[0].Extra["plan"])
}

func TestHandleAnonymizesConfiguredIPBytes(t *testing.T) {
	tests := []struct {
		name  string
		bytes int
		want  []byte
	}{
		{"disabled", 0, []byte{192, 0, 2, 10}},
		{"one byte", 1, []byte{192, 0, 2, 0}},
		{"three bytes", 3, []byte{192, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.AnonymizeIPBytes = tt.bytes
			env := setupTracker(t, cfg, nil)

			env.track(t, t0, map[string]string{"_id": visitorA})

			visits := env.visits(t)
			require.Len(t, visits, 1)
			assert.Equal(t, tt.want, visits[0].LocationIP)
		})
	}
}

func TestHandleSiteSearch(t *testing.T) {
	env := setupTracker(t, testConfig(), func(site *sites.Site) { site.SiteSearch = true })

	env.track(t, t0, map[string]string{"_id": visitorA, "url": "https://example.com/"})
	env.track(t, t0.Add(time.Minute), map[string]string{"_id": visitorA, "url": "https://example.com/search?q=shoes&page=2"})

	visits := env.visits(t)
	require.Len(t, visits, 1)
	assert.Equal(t, 2, visits[0].TotalActions)
	assert.Equal(t, 1, visits[0].TotalSearches)

	var action tracker.LogAction
	require.NoError(t, env.db.Where("idaction = ?", visits[0].ExitActionName).First(&action).Error)
	assert.Equal(t, "shoes", action.Name)
	assert.Equal(t, tracker.ActionTypeSiteSearch, action.Type)
}

func TestHandleCustomVariables(t *testing.T) {
	env := setupTracker(t, testConfig(), nil)

	env.track(t, t0, map[string]string{"_id": visitorA, "_cvar": `{"1":["plan","free"],"2":["lang","en"]}`})
	env.track(t, t0.Add(time.Minute), map[string]string{"_id": visitorA, "_cvar": `{"1":["plan","pro"]}`})

	visits := env.visits(t)
	require.Len(t, visits, 1)

	k, v, ok := visits[0].CustomVariables.Get(1)
	require.True(t, ok)
	assert.Equal(t, "plan", k)
	assert.Equal(t, "pro", v)

	k, v, ok = visits[0].CustomVariables.Get(2)
	require.True(t, ok)
	assert.Equal(t, "lang", k)
	assert.Equal(t, "en", v)
}

func TestClampTotalTime(t *testing.T) {
	tests := []struct {
		in   int64
		want int
	}{
		{-5, 0},
		{0, 0},
		{600, 600},
		{65534, 65534},
		{65535, 65534},
		{1 << 40, 65534},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tracker.ClampTotalTime(tt.in))
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "new_visit", tracker.StatusNewVisit.String())
	assert.Equal(t, "conversion_dropped", tracker.StatusConversionDropped.String())
	assert.Equal(t, "unknown", tracker.Status(42).String())
}
