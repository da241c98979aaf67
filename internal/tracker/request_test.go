package tracker_test

import (
	"context"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracklog/internal/goals"
	"tracklog/internal/sites"
	"tracklog/internal/tracker"
)

func TestNewRequest(t *testing.T) {
	env := tracker.Environment{RemoteIP: visitorIP, UserAgent: chromeUA, AcceptLanguage: "en-US, fr"}

	t.Run("parses the visitor parameters", func(t *testing.T) {
		q := url.Values{
			"idsite":  {"3"},
			"url":     {" https://example.com/a "},
			"_id":     {visitorA},
			"_idvc":   {"4"},
			"_idts":   {"1709632800"}, // 2024-03-05 10:00 UTC
			"res":     {"1920x1080"},
			"h":       {"9"},
			"m":       {"5"},
			"s":       {"70"},
			"pdf":     {"1"},
			"cookie":  {"1"},
			"idgoal":  {"2"},
			"revenue": {"3.456"},
		}
		req, err := tracker.NewRequest(q, env, t0.Add(500*time.Millisecond))
		require.NoError(t, err)

		assert.Equal(t, uint(3), req.SiteID)
		assert.Equal(t, "https://example.com/a", req.URL)
		assert.Len(t, req.VisitorID, 16)
		assert.Nil(t, req.ForcedVisitorID)
		assert.Equal(t, 4, req.VisitCount)
		assert.Equal(t, 5, req.DaysSinceFirstVisit)
		assert.Equal(t, "09:05:00", req.LocalTime)
		assert.Equal(t, "en-us,fr", req.BrowserLanguage)
		assert.Equal(t, "0000010001", req.Plugins.Flags())
		assert.Equal(t, net.IP{192, 0, 2, 10}, req.IP)
		assert.Equal(t, t0, req.Timestamp)
		assert.Equal(t, goals.KindManual, req.Goal.Kind())
		assert.Equal(t, "3.46", req.Goal.Revenue.String())
	})

	t.Run("forced visitor id overrides the cookie", func(t *testing.T) {
		q := url.Values{"idsite": {"1"}, "_id": {visitorA}, "cid": {"fedcba9876543210fedcba9876543210"}}
		req, err := tracker.NewRequest(q, env, t0)
		require.NoError(t, err)
		assert.Equal(t, req.ForcedVisitorID, req.EffectiveVisitorID())
	})

	t.Run("cip and ua override the environment", func(t *testing.T) {
		q := url.Values{"idsite": {"1"}, "cip": {"2001:db8::1"}, "ua": {"custom"}}
		req, err := tracker.NewRequest(q, env, t0)
		require.NoError(t, err)
		assert.Equal(t, "2001:db8::1", req.IP.String())
		assert.Equal(t, "custom", req.UserAgent)
	})

	t.Run("future timestamps are ignored", func(t *testing.T) {
		q := url.Values{"idsite": {"1"}, "_viewts": {"4102444800"}}
		req, err := tracker.NewRequest(q, env, t0)
		require.NoError(t, err)
		assert.Zero(t, req.DaysSinceLastVisit)
	})

	invalid := []struct {
		name string
		q    url.Values
		env  tracker.Environment
	}{
		{"missing idsite", url.Values{}, env},
		{"zero idsite", url.Values{"idsite": {"0"}}, env},
		{"bad visitor id", url.Values{"idsite": {"1"}, "_id": {"xyz"}}, env},
		{"bad ip", url.Values{"idsite": {"1"}}, tracker.Environment{RemoteIP: "nope"}},
		{"bad idgoal", url.Values{"idsite": {"1"}, "idgoal": {"one"}}, env},
		{"bad custom variables", url.Values{"idsite": {"1"}, "_cvar": {"{"}}, env},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tracker.NewRequest(tt.q, tt.env, t0)
			assert.Error(t, err)
		})
	}
}

func TestNewAction(t *testing.T) {
	site := sites.Site{MainURL: "https://example.com", ExcludedParameters: "sid"}
	newReq := func(q url.Values) *tracker.Request {
		q.Set("idsite", "1")
		req, err := tracker.NewRequest(q, tracker.Environment{RemoteIP: visitorIP}, t0)
		require.NoError(t, err)
		return req
	}

	tests := []struct {
		name     string
		site     sites.Site
		q        url.Values
		excluded []string
		wantType int
		wantURL  string
		wantName string
	}{
		{
			name:     "pageview strips excluded parameters",
			site:     site,
			q:        url.Values{"url": {"https://example.com/p?a=1&gclid=x&SID=2&utm=3"}, "action_name": {" /Docs/ "}},
			excluded: []string{"utm"},
			wantType: tracker.ActionTypeURL,
			wantURL:  "https://example.com/p?a=1",
			wantName: "Docs",
		},
		{
			name:     "download",
			site:     site,
			q:        url.Values{"download": {"https://example.com/file.zip"}},
			wantType: tracker.ActionTypeDownload,
			wantURL:  "https://example.com/file.zip",
		},
		{
			name:     "outlink to a file is a download",
			site:     site,
			q:        url.Values{"link": {"https://cdn.example.org/report.pdf"}},
			wantType: tracker.ActionTypeDownload,
			wantURL:  "https://cdn.example.org/report.pdf",
		},
		{
			name:     "outlink",
			site:     site,
			q:        url.Values{"link": {"https://other.org/"}},
			wantType: tracker.ActionTypeOutlink,
			wantURL:  "https://other.org/",
		},
		{
			name:     "explicit site search",
			site:     site,
			q:        url.Values{"url": {"https://example.com/"}, "search": {" boots "}},
			wantType: tracker.ActionTypeSiteSearch,
			wantURL:  "https://example.com/",
			wantName: "boots",
		},
		{
			name:     "site search detected from the url",
			site:     sites.Site{SiteSearch: true},
			q:        url.Values{"url": {"https://example.com/find?page=2&Q=boots"}},
			wantType: tracker.ActionTypeSiteSearch,
			wantURL:  "https://example.com/find?page=2",
			wantName: "boots",
		},
		{
			name:     "site search disabled",
			site:     sites.Site{},
			q:        url.Values{"url": {"https://example.com/find?q=boots"}},
			wantType: tracker.ActionTypeURL,
			wantURL:  "https://example.com/find?q=boots",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tracker.NewAction(newReq(tt.q), tt.site, tt.excluded)
			assert.Equal(t, tt.wantType, a.Type)
			assert.Equal(t, tt.wantURL, a.URL)
			assert.Equal(t, tt.wantName, a.Name)
			assert.True(t, a.CountsAsAction())
		})
	}
}

func TestExcludeQueryParameters(t *testing.T) {
	tests := []struct {
		raw   string
		names []string
		want  string
	}{
		{"https://example.com/", []string{"a"}, "https://example.com/"},
		{"https://example.com/?a=1&b=2", nil, "https://example.com/?a=1&b=2"},
		{"https://example.com/?a=1&b=2", []string{"A"}, "https://example.com/?b=2"},
		{"https://example.com/?a=1#top", []string{"a"}, "https://example.com/#top"},
		{"https://example.com/?x%5B%5D=1&y=2", []string{"x[]"}, "https://example.com/?y=2"},
		{"https://example.com/?&&b=2", []string{"a"}, "https://example.com/?b=2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tracker.ExcludeQueryParameters(tt.raw, tt.names), tt.raw)
	}
}

func TestAnonymizeIP(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		bytes int
		ip    string
		want  string
	}{
		{"none", 0, "192.0.2.10", "192.0.2.10"},
		{"two bytes", 2, "192.0.2.10", "192.0.0.0"},
		{"clamped", 9, "192.0.2.10", "0.0.0.0"},
		{"ipv6 keeps the network", 1, "2001:db8:1:2:3:4:5:6", "2001:db8:1::"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip := net.ParseIP(tt.ip)
			if v4 := ip.To4(); v4 != nil {
				ip = v4
			}
			out := tracker.AnonymizeIP(tt.bytes)(ctx, ip)
			assert.Equal(t, tt.want, out.String())
			assert.Equal(t, tt.ip, ip.String(), "input is not modified")
		})
	}
}
