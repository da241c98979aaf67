package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"tracklog/internal/goals"
	"tracklog/internal/store"
	"tracklog/internal/visitors"
)

// Lookup is what a request offers to identify its visitor.
type Lookup struct {
	SiteID    uint
	VisitorID []byte
	ConfigID  []byte
	Timestamp time.Time
	// ForcedVisitorID is set when the request carried cid; only that id may match.
	ForcedVisitorID bool
	// CustomVariablesSet is set when the request carried visit custom
	// variables. Otherwise the matched visit's variables are returned.
	CustomVariablesSet bool
}

// OpenVisit is the visit state a request continues.
type OpenVisit struct {
	VisitID         int64
	VisitorID       []byte
	FirstActionTime time.Time
	LastActionTime  time.Time
	ExitActionURL   int64
	ExitActionName  int64

	VisitorReturning   int
	DaysSinceFirst     int
	DaysSinceOrder     int
	CountVisits        int
	GoalBuyer          goals.Buyer
	LocationCountry    string
	LocationRegion     string
	LocationCity       string
	LocationLatitude   *float64
	LocationLongitude  *float64
	ReferrerType       int
	ReferrerName       string
	ReferrerKeyword    string
	CustomVariables    visitors.CustomVariables
	MatchedByVisitorID bool
}

// RecognizerConfig holds the visit window settings.
type RecognizerConfig struct {
	VisitStandardLength      time.Duration
	WindowLookBackForVisitor time.Duration
	TrustVisitorsCookies     bool
	TrustedCookieLookBack    time.Duration
}

// Recognizer finds the open visit of a visitor. It only reads.
type Recognizer struct {
	db     *gorm.DB
	logger *slog.Logger
	cfg    RecognizerConfig
}

// NewRecognizer returns a recognizer reading log_visit through conn.
func NewRecognizer(conn store.Connector, logger *slog.Logger, cfg RecognizerConfig) *Recognizer {
	return &Recognizer{db: conn.GetConnection(), logger: logger, cfg: cfg}
}

var recognizedColumns = []string{
	"idvisit", "idvisitor", "visit_first_action_time", "visit_last_action_time",
	"visit_exit_idaction_url", "visit_exit_idaction_name",
	"visitor_returning", "visitor_days_since_first", "visitor_days_since_order", "visitor_count_visits",
	"visit_goal_buyer",
	"location_country", "location_region", "location_city", "location_latitude", "location_longitude",
	"referer_name", "referer_keyword", "referer_type",
}

var customVariableColumns = []string{
	"custom_var_k1", "custom_var_v1", "custom_var_k2", "custom_var_v2", "custom_var_k3", "custom_var_v3",
	"custom_var_k4", "custom_var_v4", "custom_var_k5", "custom_var_v5",
}

// Window returns the last action time bounds a candidate visit must fall in.
func (r *Recognizer) Window(l Lookup) (time.Time, time.Time) {
	lookBack := r.cfg.VisitStandardLength
	if r.cfg.WindowLookBackForVisitor > lookBack {
		lookBack = r.cfg.WindowLookBackForVisitor
	}
	if r.cfg.TrustVisitorsCookies && len(l.VisitorID) > 0 && r.cfg.TrustedCookieLookBack > lookBack {
		lookBack = r.cfg.TrustedCookieLookBack
	}
	return l.Timestamp.Add(-lookBack), l.Timestamp.Add(r.cfg.VisitStandardLength)
}

// OneFieldOnly reports whether the lookup matches a single column: the
// visitor id when it is trusted or forced, the fingerprint when there is no id.
func (r *Recognizer) OneFieldOnly(l Lookup) bool {
	hasVisitorID := len(l.VisitorID) > 0
	return (hasVisitorID && r.cfg.TrustVisitorsCookies) || l.ForcedVisitorID || !hasVisitorID
}

// Recognize returns the most recently active visit matching l, or nil.
func (r *Recognizer) Recognize(ctx context.Context, l Lookup) (*OpenVisit, error) {
	from, to := r.Window(l)

	columns := recognizedColumns
	if !l.CustomVariablesSet {
		columns = append(append([]string{}, recognizedColumns...), customVariableColumns...)
	}

	if r.OneFieldOnly(l) {
		column, value := "config_id", l.ConfigID
		if len(l.VisitorID) > 0 {
			column, value = "idvisitor", l.VisitorID
		}
		row, err := r.find(ctx, columns, from, to, l.SiteID, column, value)
		if err != nil || row == nil {
			return nil, err
		}
		open := newOpenVisit(row)
		open.MatchedByVisitorID = column == "idvisitor"
		return open, nil
	}

	// Both branches run; a visitor id match outranks a fingerprint match.
	byVisitor, err := r.find(ctx, columns, from, to, l.SiteID, "idvisitor", l.VisitorID)
	if err != nil {
		return nil, err
	}
	if byVisitor != nil {
		open := newOpenVisit(byVisitor)
		open.MatchedByVisitorID = true
		return open, nil
	}

	byConfig, err := r.find(ctx, columns, from, to, l.SiteID, "config_id", l.ConfigID)
	if err != nil || byConfig == nil {
		return nil, err
	}
	return newOpenVisit(byConfig), nil
}

func (r *Recognizer) find(ctx context.Context, columns []string, from, to time.Time, siteID uint, column string, value []byte) (*Visit, error) {
	var row Visit
	result := r.db.WithContext(ctx).
		Model(&Visit{}).
		Select(columns).
		Where("visit_last_action_time >= ? AND visit_last_action_time <= ? AND idsite = ?", from, to, siteID).
		Where(column+" = ?", store.Bin(value)).
		Order("visit_last_action_time DESC, idvisit DESC").
		Limit(1).
		Find(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to recognize visitor by %s: %w", column, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

func newOpenVisit(v *Visit) *OpenVisit {
	return &OpenVisit{
		VisitID:           v.ID,
		VisitorID:         v.VisitorID,
		FirstActionTime:   v.FirstActionTime.UTC(),
		LastActionTime:    v.LastActionTime.UTC(),
		ExitActionURL:     v.ExitActionURL,
		ExitActionName:    v.ExitActionName,
		VisitorReturning:  v.VisitorReturning,
		DaysSinceFirst:    v.VisitorDaysSinceFirst,
		DaysSinceOrder:    v.VisitorDaysSinceOrder,
		CountVisits:       v.VisitorCountVisits,
		GoalBuyer:         v.GoalBuyer,
		LocationCountry:   v.LocationCountry,
		LocationRegion:    v.LocationRegion,
		LocationCity:      v.LocationCity,
		LocationLatitude:  v.LocationLatitude,
		LocationLongitude: v.LocationLongitude,
		ReferrerType:      v.ReferrerType,
		ReferrerName:      v.ReferrerName,
		ReferrerKeyword:   v.ReferrerKeyword,
		CustomVariables:   v.CustomVariables,
	}
}
