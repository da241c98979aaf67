package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"reflect"
	"time"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"tracklog/internal/config"
	"tracklog/internal/goals"
	"tracklog/internal/metrics"
	"tracklog/internal/pkg/geoip"
	"tracklog/internal/pkg/referrers"
	ua "tracklog/internal/pkg/user_agent"
	"tracklog/internal/settings"
	"tracklog/internal/sites"
	"tracklog/internal/store"
	"tracklog/internal/visitors"
)

// Status is the outcome of a handled request.
type Status int

const (
	StatusNewVisit Status = iota + 1
	StatusKnownVisit
	StatusExcluded
	StatusMalformedConversion
	// StatusConversionDropped is a conversion whose visit vanished before
	// its update; nothing was written.
	StatusConversionDropped
)

func (s Status) String() string {
	switch s {
	case StatusNewVisit:
		return "new_visit"
	case StatusKnownVisit:
		return "known_visit"
	case StatusExcluded:
		return "excluded"
	case StatusMalformedConversion:
		return "malformed_conversion"
	case StatusConversionDropped:
		return "conversion_dropped"
	default:
		return "unknown"
	}
}

// UpdateOutcome tells whether a known-visit UPDATE reached its row.
type UpdateOutcome int

const (
	UpdateOutcomeUpdated UpdateOutcome = iota
	UpdateOutcomeNotFound
)

// Result describes what a request did.
type Result struct {
	Status Status
	// Dropped wraps ErrExcludedRequest or ErrMalformedConversionRequest
	// when nothing was recorded.
	Dropped error
	VisitID int64
	// VisitorID is the id to hand back to the client cookie.
	VisitorID []byte
	// ActionID is the idlink_va of the recorded action, 0 when none.
	ActionID  int64
	Converted bool
	// NotFound is set when a matched visit could not be updated.
	NotFound *VisitorNotFoundError
}

// Config holds the tracker settings.
type Config struct {
	Recognizer              RecognizerConfig
	DefaultTimeOnePageVisit int
	EnableDNT               bool
	IgnoreCookieName        string

	// AnonymizeIPBytes > 0 installs an AnonymizeIP hook.
	AnonymizeIPBytes int
	// Salt keys the configuration fingerprint.
	Salt string
}

// NewConfig reads the tracker settings from the application config.
func NewConfig(c *config.Config) Config {
	return Config{
		Recognizer: RecognizerConfig{
			VisitStandardLength:      time.Duration(c.Tracker.VisitStandardLength) * time.Second,
			WindowLookBackForVisitor: time.Duration(c.Tracker.WindowLookBackForVisitor) * time.Second,
			TrustVisitorsCookies:     c.Tracker.TrustVisitorsCookies,
			TrustedCookieLookBack:    time.Duration(c.Tracker.TrustedCookieLookBack) * time.Second,
		},
		DefaultTimeOnePageVisit: c.Tracker.DefaultTimeOnePageVisit,
		EnableDNT:               c.Tracker.EnableDNT,
		IgnoreCookieName:        c.Tracker.IgnoreCookieName,
		AnonymizeIPBytes:        c.Tracker.AnonymizeIPBytes,
		Salt:                    c.PrivateKey,
	}
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Sites    *sites.Registry
	Settings *settings.Store
	Goals    *goals.Manager
	// Geo may be nil; locations then come from the browser language.
	Geo *geoip.Resolver
}

// Handler runs the visit state machine for tracking requests. Visit state
// is read from the database on every request and never cached.
type Handler struct {
	db         *gorm.DB
	logger     *slog.Logger
	cfg        Config
	sites      *sites.Registry
	settings   *settings.Store
	goals      *goals.Manager
	geo        *geoip.Resolver
	actions    *ActionStore
	recognizer *Recognizer
	Hooks      Hooks
}

// NewHandler returns a handler writing through conn.
func NewHandler(conn store.Connector, logger *slog.Logger, cfg Config, deps Deps) *Handler {
	h := &Handler{
		db:         conn.GetConnection(),
		logger:     logger,
		cfg:        cfg,
		sites:      deps.Sites,
		settings:   deps.Settings,
		goals:      deps.Goals,
		geo:        deps.Geo,
		actions:    NewActionStore(logger),
		recognizer: NewRecognizer(conn, logger, cfg.Recognizer),
	}
	if cfg.AnonymizeIPBytes > 0 {
		h.Hooks.OnSetVisitorIP = append(h.Hooks.OnSetVisitorIP, AnonymizeIP(cfg.AnonymizeIPBytes))
	}
	return h
}

// request-scoped state of the state machine
type visitState struct {
	req                *Request
	site               sites.Site
	action             *Action
	matched            []goals.Goal
	someGoalsConverted bool
	visitIsConverted   bool
	configID           []byte
	agent              ua.UserAgent
	open               *OpenVisit
	visitorKnown       bool
	visit              *Visit
}

// Handle records one tracking request.
func (h *Handler) Handle(ctx context.Context, req *Request) (*Result, error) {
	result, err := h.handle(ctx, req)
	if err != nil {
		metrics.RecordTrackingRequest("error")
		return nil, err
	}
	metrics.RecordTrackingRequest(result.Status.String())
	return result, nil
}

func (h *Handler) handle(ctx context.Context, req *Request) (*Result, error) {
	site, err := h.sites.Get(req.SiteID)
	if err != nil {
		return nil, err
	}

	reason, err := h.exclusionReason(req, site)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate exclusion rules: %w", err)
	}
	if reason != "" {
		h.logger.Debug("Tracking request excluded", slog.Uint64("idsite", uint64(site.ID)), slog.String("reason", reason))
		return &Result{Status: StatusExcluded, Dropped: fmt.Errorf("%w: %s", ErrExcludedRequest, reason)}, nil
	}

	req.IP = h.Hooks.setVisitorIP(ctx, req.IP)

	s := &visitState{req: req, site: site}
	if ok, err := h.classify(ctx, s); err != nil || !ok {
		if err != nil {
			return nil, err
		}
		h.logger.Debug("Invalid goal tracking request",
			slog.Uint64("idsite", uint64(site.ID)),
			slog.Int("idgoal", req.Goal.ConversionGoalID()),
			slog.String("kind", req.Goal.Kind().String()))
		return &Result{Status: StatusMalformedConversion, Dropped: ErrMalformedConversionRequest}, nil
	}

	s.agent = ua.ParseUserAgent(req.UserAgent)
	s.configID = visitors.ConfigID(h.cfg.Salt, visitors.Configuration{
		OS:             s.agent.OSCode,
		BrowserName:    s.agent.BrowserCode,
		BrowserVersion: s.agent.BrowserVersion,
		Plugins:        req.Plugins.Flags(),
		IP:             req.IP,
		BrowserLang:    req.BrowserLanguage,
	})

	s.open, err = h.recognizer.Recognize(ctx, Lookup{
		SiteID:             site.ID,
		VisitorID:          req.EffectiveVisitorID(),
		ConfigID:           s.configID,
		Timestamp:          req.Timestamp,
		ForcedVisitorID:    req.ForcedVisitorID != nil,
		CustomVariablesSet: req.CustomVariablesSet,
	})
	if err != nil {
		return nil, err
	}
	s.visitorKnown = s.open != nil

	result := &Result{}
	sameVisit := h.isLastActionInTheSameVisit(s)
	if s.visitorKnown && !sameVisit {
		h.logger.Debug("Visitor recognized but last action is too old",
			slog.Int64("idvisit", s.open.VisitID),
			slog.Time("last_action", s.open.LastActionTime))
	}

	if s.visitorKnown && sameVisit {
		outcome, err := h.handleKnownVisit(ctx, s, result)
		if err != nil {
			return nil, err
		}
		if outcome == UpdateOutcomeNotFound {
			result.NotFound = &VisitorNotFoundError{IDVisit: s.open.VisitID, IDVisitor: s.open.VisitorID}
			if req.Goal.Kind() == goals.KindManual || req.Goal.IsEcommerce() {
				// retrying as a new visit would count the conversion twice
				s.someGoalsConverted, s.visitIsConverted = false, false
				metrics.RecordVisitFallback("conversion_dropped")
				h.logger.Debug("Visit vanished during conversion, dropping it", slog.Any("error", result.NotFound))
				result.Status = StatusConversionDropped
				result.VisitorID = s.open.VisitorID
				return result, nil
			}
			metrics.RecordVisitFallback("new_visit")
			h.logger.Debug("Visit vanished before update, recording a new visit", slog.Any("error", result.NotFound))
			s.visitorKnown = false
		}
	}

	if !s.visitorKnown || !sameVisit {
		if err := h.handleNewVisit(ctx, s, result); err != nil {
			return nil, err
		}
	}

	result.VisitID = s.visit.ID
	result.VisitorID = s.visit.VisitorID

	if s.someGoalsConverted {
		if err := h.recordGoals(ctx, s, result); err != nil {
			return nil, err
		}
		result.Converted = true
		metrics.RecordConversion(req.Goal.Kind().String())
	}
	return result, nil
}

// classify decides between an ecommerce request, a manual conversion and a
// pageview. It returns false for a conversion that must be dropped.
func (h *Handler) classify(ctx context.Context, s *visitState) (bool, error) {
	req := s.req
	switch {
	case req.Goal.IsEcommerce():
		if !s.site.Ecommerce {
			return false, nil
		}
		s.someGoalsConverted = true
		// a cart update does not convert the visit
		s.visitIsConverted = req.Goal.Kind() == goals.KindEcommerceOrder
		return true, nil

	case req.Goal.Kind() == goals.KindManual:
		goal, err := h.goals.DetectGoalID(s.site.ID, *req.Goal.GoalID)
		if err != nil {
			return false, err
		}
		if goal == nil {
			return false, nil
		}
		s.matched = []goals.Goal{*goal}
		s.someGoalsConverted, s.visitIsConverted = true, true
		return true, nil
	}

	excluded, err := h.settings.ExcludedQueryParams(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load excluded query parameters: %w", err)
	}
	s.action = NewAction(req, s.site, excluded)
	if h.isOutlinkOnAliasHost(s) {
		h.logger.Debug("Outlink points to a known host of the site", slog.String("url", s.action.URL))
	}

	s.matched, err = h.goals.DetectGoalsMatchingAction(s.site.ID, s.action.Info())
	if err != nil {
		return false, err
	}
	s.someGoalsConverted = len(s.matched) > 0
	s.visitIsConverted = s.someGoalsConverted
	return true, nil
}

func (h *Handler) isOutlinkOnAliasHost(s *visitState) bool {
	if s.action.Type != ActionTypeOutlink {
		return false
	}
	u, err := url.Parse(s.action.URL)
	if err != nil || u.Host == "" {
		return false
	}
	return s.site.IsAliasHost(u.Hostname())
}

// isLastActionInTheSameVisit re-checks the matched visit against the strict
// window: its last action must be less than visit_standard_length ago.
func (h *Handler) isLastActionInTheSameVisit(s *visitState) bool {
	if s.open == nil {
		return false
	}
	cutoff := s.req.Timestamp.Add(-h.cfg.Recognizer.VisitStandardLength)
	return s.open.LastActionTime.Unix() > cutoff.Unix()
}

func (h *Handler) timeSpentRefAction(s *visitState) int {
	spent := s.req.Timestamp.Unix() - s.open.LastActionTime.Unix()
	if spent < 0 || spent > int64(h.cfg.Recognizer.VisitStandardLength/time.Second) {
		return 0
	}
	return int(spent)
}

func (h *Handler) handleKnownVisit(ctx context.Context, s *visitState, result *Result) (UpdateOutcome, error) {
	req, open := s.req, s.open
	now := req.Timestamp

	visit := &Visit{
		ID:              open.VisitID,
		SiteID:          s.site.ID,
		VisitorID:       open.VisitorID,
		FirstActionTime: open.FirstActionTime,
		LastActionTime:  now,
		ExitActionURL:   open.ExitActionURL,
		ExitActionName:  open.ExitActionName,
		GoalBuyer:       req.Goal.BuyerType(open.GoalBuyer),
		TotalTime:       ClampTotalTime(1 + now.Unix() - open.FirstActionTime.Unix()),

		VisitorReturning:      open.VisitorReturning,
		VisitorCountVisits:    open.CountVisits,
		VisitorDaysSinceFirst: open.DaysSinceFirst,
		VisitorDaysSinceOrder: open.DaysSinceOrder,
		ReferrerType:          open.ReferrerType,
		ReferrerName:          open.ReferrerName,
		ReferrerKeyword:       open.ReferrerKeyword,
		LocationCountry:       open.LocationCountry,
		LocationRegion:        open.LocationRegion,
		LocationCity:          open.LocationCity,
		LocationLatitude:      open.LocationLatitude,
		LocationLongitude:     open.LocationLongitude,
		CustomVariables:       open.CustomVariables,
	}
	visit.CustomVariables.Merge(req.CustomVariables)

	columns := []string{"visit_last_action_time", "visit_total_time", "visit_goal_buyer"}
	if visitors.IsValidVisitorID(visit.VisitorID) {
		columns = append(columns, "idvisitor")
	}

	incrementActions, incrementSearches := false, false
	if a := s.action; a != nil {
		incrementActions = true
		if a.Type == ActionTypeSiteSearch {
			incrementSearches = true
		}
	}

	if s.visitIsConverted {
		visit.GoalConverted = true
		columns = append(columns, "visit_goal_converted")
		// keeps the UPDATE from matching a row it leaves unchanged
		offset := -1
		if req.Goal.GoalID != nil {
			offset = *req.Goal.GoalID
		}
		visit.TotalTime = ClampTotalTime(int64(visit.TotalTime + offset + 2))
	}

	for column := range req.CustomVariables.Columns() {
		columns = append(columns, column)
	}

	runVisitHooks(ctx, h.Hooks.OnBeforeVisitUpdate, visit)

	values, err := columnValues(h.db, visit, columns)
	if err != nil {
		return UpdateOutcomeUpdated, err
	}
	if incrementSearches {
		values["visit_total_searches"] = gorm.Expr("visit_total_searches + 1")
	}
	if incrementActions {
		values["visit_total_actions"] = gorm.Expr("visit_total_actions + 1")
	}
	if visit.Extra != nil {
		values["extra"] = visit.Extra
	}

	// the action, the visit update and its link row commit together
	var rows, linkID int64
	err = sqlite.PerformWrite(h.logger, h.db.WithContext(ctx), func(tx *gorm.DB) error {
		if a := s.action; a != nil {
			if err := h.actions.Resolve(ctx, tx, a); err != nil {
				return err
			}
			visit.ExitActionURL = a.URLID
			values["visit_exit_idaction_url"] = a.URLID
			if a.NameID != 0 {
				visit.ExitActionName = a.NameID
				values["visit_exit_idaction_name"] = a.NameID
			}
		}

		res := tx.Model(&Visit{}).
			Where("idsite = ? AND idvisit = ?", visit.SiteID, visit.ID).
			Updates(values)
		if res.Error != nil {
			return res.Error
		}
		rows = res.RowsAffected
		if rows == 0 || s.action == nil {
			return nil
		}

		var err error
		linkID, err = h.actions.Record(ctx, tx, s.action, visit, open.ExitActionURL, open.ExitActionName, h.timeSpentRefAction(s), req.Timestamp)
		return err
	})
	if err != nil {
		return UpdateOutcomeUpdated, fmt.Errorf("failed to update visit %d: %w", visit.ID, err)
	}
	if rows == 0 {
		return UpdateOutcomeNotFound, nil
	}

	h.logger.Debug("Known visit updated",
		slog.Int64("idvisit", visit.ID),
		slog.String("idvisitor", store.Hex(visit.VisitorID)),
		slog.Int("total_time", visit.TotalTime))
	runVisitHooks(ctx, h.Hooks.OnAfterVisitUpdated, visit)
	s.visit = visit
	result.Status = StatusKnownVisit
	result.ActionID = linkID
	return UpdateOutcomeUpdated, nil
}

func (h *Handler) handleNewVisit(ctx context.Context, s *visitState, result *Result) error {
	req := s.req
	now := req.Timestamp

	returning := VisitorNew
	switch {
	case req.DaysSinceLastOrder != nil:
		returning = VisitorReturningCustomer
	case req.VisitCount > 1 || s.visitorKnown || req.DaysSinceLastVisit > 0:
		returning = VisitorReturning
	}
	daysSinceOrder := 0
	if req.DaysSinceLastOrder != nil {
		daysSinceOrder = *req.DaysSinceLastOrder
	}

	ref := referrers.Classify(req.Referrer, req.URL, s.site.IsAliasHost)

	visit := &Visit{
		SiteID:                s.site.ID,
		VisitorID:             h.visitorIDForNewVisit(s),
		VisitorLocalTime:      req.LocalTime,
		VisitorReturning:      returning,
		VisitorCountVisits:    req.VisitCount,
		VisitorDaysSinceLast:  req.DaysSinceLastVisit,
		VisitorDaysSinceOrder: daysSinceOrder,
		VisitorDaysSinceFirst: req.DaysSinceFirstVisit,
		FirstActionTime:       now,
		LastActionTime:        now,
		TotalTime:             ClampTotalTime(int64(h.cfg.DefaultTimeOnePageVisit)),
		GoalConverted:         s.visitIsConverted,
		GoalBuyer:             req.Goal.BuyerType(goals.BuyerNone),
		ReferrerType:          ref.Type,
		ReferrerName:          ref.Name,
		ReferrerURL:           ref.URL,
		ReferrerKeyword:       ref.Keyword,
		ConfigID:              s.configID,
		ConfigOS:              s.agent.OSCode,
		ConfigBrowserName:     s.agent.BrowserCode,
		ConfigBrowserVersion:  s.agent.BrowserVersion,
		ConfigResolution:      req.Resolution,
		ConfigPDF:             req.Plugins.PDF,
		ConfigFlash:           req.Plugins.Flash,
		ConfigJava:            req.Plugins.Java,
		ConfigDirector:        req.Plugins.Director,
		ConfigQuicktime:       req.Plugins.Quicktime,
		ConfigRealPlayer:      req.Plugins.RealPlayer,
		ConfigWindowsMedia:    req.Plugins.WindowsMedia,
		ConfigGears:           req.Plugins.Gears,
		ConfigSilverlight:     req.Plugins.Silverlight,
		ConfigCookie:          req.Plugins.Cookie,
		LocationIP:            store.Bin(req.IP),
		LocationBrowserLang:   req.BrowserLanguage,
		CustomVariables:       req.CustomVariables,
	}
	if a := s.action; a != nil {
		if a.CountsAsAction() {
			visit.TotalActions = 1
		}
		if a.Type == ActionTypeSiteSearch {
			visit.TotalSearches = 1
		}
	}
	h.setLocation(visit, req)

	runVisitHooks(ctx, h.Hooks.OnNewVisit, visit)
	visit.truncateColumns()

	var linkID int64
	err := sqlite.PerformWrite(h.logger, h.db.WithContext(ctx), func(tx *gorm.DB) error {
		if a := s.action; a != nil {
			if err := h.actions.Resolve(ctx, tx, a); err != nil {
				return err
			}
			visit.EntryActionURL, visit.ExitActionURL = a.URLID, a.URLID
			visit.EntryActionName, visit.ExitActionName = a.NameID, a.NameID
		}
		if err := tx.Create(visit).Error; err != nil {
			return err
		}
		if s.action == nil {
			return nil
		}

		var err error
		linkID, err = h.actions.Record(ctx, tx, s.action, visit, 0, 0, 0, req.Timestamp)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert visit: %w", err)
	}

	h.logger.Debug("New visit recorded",
		slog.Int64("idvisit", visit.ID),
		slog.String("idvisitor", store.Hex(visit.VisitorID)),
		slog.String("ip", req.IP.String()),
		slog.Int("returning", returning))
	runVisitHooks(ctx, h.Hooks.OnAfterVisitSaved, visit)
	s.visit = visit
	result.Status = StatusNewVisit
	result.ActionID = linkID
	return nil
}

// visitorIDForNewVisit keeps a recognized visitor's id, then the id sent
// with the request, and only then generates one.
func (h *Handler) visitorIDForNewVisit(s *visitState) []byte {
	if s.visitorKnown && visitors.IsValidVisitorID(s.open.VisitorID) {
		return s.open.VisitorID
	}
	if id := s.req.EffectiveVisitorID(); visitors.IsValidVisitorID(id) {
		return id
	}
	return visitors.NewVisitorID()
}

func (h *Handler) setLocation(visit *Visit, req *Request) {
	loc := h.geo.Lookup(req.IP)

	visit.LocationCountry = loc.CountryCode
	if visit.LocationCountry == "" {
		visit.LocationCountry = geoip.CountryFromBrowserLanguage(req.BrowserLanguage)
	}
	if visit.LocationCountry == "" {
		visit.LocationCountry = geoip.UnknownCountry
	}
	visit.LocationRegion = loc.Region
	visit.LocationCity = loc.City
	visit.LocationLatitude = loc.Latitude
	visit.LocationLongitude = loc.Longitude
	visit.LocationProvider = loc.Provider
}

func (h *Handler) recordGoals(ctx context.Context, s *visitState, result *Result) error {
	info := s.visit.goalVisit()
	info.ServerTime = s.req.Timestamp
	info.LinkVisitActionID = result.ActionID
	if s.action != nil {
		info.ActionURLID = s.action.URLID
		info.URL = s.action.URL
	} else {
		info.URL = s.req.URL
	}

	return sqlite.PerformWrite(h.logger, h.db.WithContext(ctx), func(tx *gorm.DB) error {
		return h.goals.RecordGoals(ctx, tx, info, s.req.Goal, s.matched, h.actions)
	})
}

// columnValues reads the named columns of visit through the gorm schema.
func columnValues(db *gorm.DB, visit *Visit, columns []string) (map[string]any, error) {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(&Visit{}); err != nil {
		return nil, fmt.Errorf("failed to parse visit schema: %w", err)
	}

	rv := reflect.ValueOf(visit).Elem()
	values := make(map[string]any, len(columns))
	for _, column := range columns {
		field := stmt.Schema.LookUpField(column)
		if field == nil {
			return nil, errors.New("unknown visit column " + column)
		}
		value, _ := field.ValueOf(context.Background(), rv)
		values[column] = value
	}
	return values, nil
}
