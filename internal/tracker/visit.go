// Package tracker turns tracking requests into visits, actions and goal
// conversions. A Handler runs the per-request state machine; a Recognizer
// finds the open visit a request belongs to.
package tracker

import (
	"time"
	"unicode/utf8"

	"gorm.io/datatypes"

	"tracklog/internal/goals"
	"tracklog/internal/visitors"
)

// MaxVisitTotalTime is the largest visit_total_time stored.
const MaxVisitTotalTime = 65534

// visitor_returning values
const (
	VisitorNew               = 0
	VisitorReturning         = 1
	VisitorReturningCustomer = 2
)

// Visit is a log_visit row.
type Visit struct {
	ID        int64  `gorm:"column:idvisit;primaryKey;autoIncrement"`
	SiteID    uint   `gorm:"column:idsite;not null;index:idx_visit_site_config,priority:1;index:idx_visit_site_visitor,priority:1;index:idx_visit_site_time,priority:1"`
	VisitorID []byte `gorm:"column:idvisitor;size:16;not null;index:idx_visit_site_visitor,priority:2"`

	VisitorLocalTime      string `gorm:"column:visitor_localtime;size:8"`
	VisitorReturning      int    `gorm:"column:visitor_returning;not null"`
	VisitorCountVisits    int    `gorm:"column:visitor_count_visits;not null"`
	VisitorDaysSinceLast  int    `gorm:"column:visitor_days_since_last;not null"`
	VisitorDaysSinceOrder int    `gorm:"column:visitor_days_since_order;not null"`
	VisitorDaysSinceFirst int    `gorm:"column:visitor_days_since_first;not null"`

	FirstActionTime time.Time `gorm:"column:visit_first_action_time;not null"`
	LastActionTime  time.Time `gorm:"column:visit_last_action_time;not null;index:idx_visit_site_config,priority:3;index:idx_visit_site_visitor,priority:3;index:idx_visit_site_time,priority:2"`

	EntryActionURL  int64 `gorm:"column:visit_entry_idaction_url;not null"`
	EntryActionName int64 `gorm:"column:visit_entry_idaction_name;not null"`
	ExitActionURL   int64 `gorm:"column:visit_exit_idaction_url;not null"`
	ExitActionName  int64 `gorm:"column:visit_exit_idaction_name;not null"`

	TotalActions  int         `gorm:"column:visit_total_actions;not null"`
	TotalSearches int         `gorm:"column:visit_total_searches;not null"`
	TotalTime     int         `gorm:"column:visit_total_time;not null"`
	GoalConverted bool        `gorm:"column:visit_goal_converted;not null"`
	GoalBuyer     goals.Buyer `gorm:"column:visit_goal_buyer;not null"`

	ReferrerType    int    `gorm:"column:referer_type"`
	ReferrerName    string `gorm:"column:referer_name;size:70"`
	ReferrerURL     string `gorm:"column:referer_url;type:text"`
	ReferrerKeyword string `gorm:"column:referer_keyword;size:255"`

	ConfigID             []byte `gorm:"column:config_id;size:16;not null;index:idx_visit_site_config,priority:2"`
	ConfigOS             string `gorm:"column:config_os;size:3"`
	ConfigBrowserName    string `gorm:"column:config_browser_name;size:10"`
	ConfigBrowserVersion string `gorm:"column:config_browser_version;size:20"`
	ConfigResolution     string `gorm:"column:config_resolution;size:9"`
	ConfigPDF            bool   `gorm:"column:config_pdf;not null"`
	ConfigFlash          bool   `gorm:"column:config_flash;not null"`
	ConfigJava           bool   `gorm:"column:config_java;not null"`
	ConfigDirector       bool   `gorm:"column:config_director;not null"`
	ConfigQuicktime      bool   `gorm:"column:config_quicktime;not null"`
	ConfigRealPlayer     bool   `gorm:"column:config_realplayer;not null"`
	ConfigWindowsMedia   bool   `gorm:"column:config_windowsmedia;not null"`
	ConfigGears          bool   `gorm:"column:config_gears;not null"`
	ConfigSilverlight    bool   `gorm:"column:config_silverlight;not null"`
	ConfigCookie         bool   `gorm:"column:config_cookie;not null"`

	LocationIP          []byte   `gorm:"column:location_ip;size:16;not null"`
	LocationBrowserLang string   `gorm:"column:location_browser_lang;size:20"`
	LocationCountry     string   `gorm:"column:location_country;size:3;not null"`
	LocationRegion      string   `gorm:"column:location_region;size:3"`
	LocationCity        string   `gorm:"column:location_city;size:255"`
	LocationLatitude    *float64 `gorm:"column:location_latitude"`
	LocationLongitude   *float64 `gorm:"column:location_longitude"`
	LocationProvider    string   `gorm:"column:location_provider;size:100"`

	visitors.CustomVariables

	// Extra holds columns contributed by hooks that have no typed field.
	Extra datatypes.JSONMap `gorm:"column:extra"`
}

func (Visit) TableName() string { return "log_visit" }

// truncateColumns applies the column length limits before an insert.
func (v *Visit) truncateColumns() {
	v.LocationBrowserLang = truncate(v.LocationBrowserLang, 20)
	v.ReferrerName = truncate(v.ReferrerName, 70)
	v.ReferrerKeyword = truncate(v.ReferrerKeyword, 255)
	v.ConfigResolution = truncate(v.ConfigResolution, 9)
}

// goalVisit is the visit state conversions are attributed to.
func (v *Visit) goalVisit() goals.VisitInfo {
	return goals.VisitInfo{
		VisitID:            v.ID,
		SiteID:             v.SiteID,
		VisitorID:          v.VisitorID,
		LastActionTime:     v.LastActionTime,
		VisitorReturning:   v.VisitorReturning,
		VisitorCountVisits: v.VisitorCountVisits,
		DaysSinceFirst:     v.VisitorDaysSinceFirst,
		DaysSinceOrder:     v.VisitorDaysSinceOrder,
		ReferrerType:       v.ReferrerType,
		ReferrerName:       v.ReferrerName,
		ReferrerKeyword:    v.ReferrerKeyword,
		LocationCountry:    v.LocationCountry,
		LocationRegion:     v.LocationRegion,
		LocationCity:       v.LocationCity,
		CustomVariables:    v.CustomVariables,
	}
}

// ClampTotalTime bounds a visit duration to [0, MaxVisitTotalTime].
func ClampTotalTime(seconds int64) int {
	if seconds < 0 {
		return 0
	}
	if seconds > MaxVisitTotalTime {
		return MaxVisitTotalTime
	}
	return int(seconds)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
