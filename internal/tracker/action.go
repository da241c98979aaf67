package tracker

import (
	"context"
	"fmt"
	"hash/crc32"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tracklog/internal/goals"
	"tracklog/internal/settings"
	"tracklog/internal/sites"
	"tracklog/internal/store"
	"tracklog/internal/visitors"
)

// log_action types
const (
	ActionTypeURL          = 1
	ActionTypeOutlink      = 2
	ActionTypeDownload     = 3
	ActionTypePageTitle    = 4
	ActionTypeItemSKU      = goals.ActionTypeItemSKU
	ActionTypeItemName     = goals.ActionTypeItemName
	ActionTypeItemCategory = goals.ActionTypeItemCategory
	ActionTypeSiteSearch   = 8
)

// Site search parameters used when a site does not configure its own.
var (
	DefaultSearchKeywordParameters  = []string{"q", "query", "s", "search", "searchword", "k", "keyword"}
	DefaultSearchCategoryParameters = []string{}
)

// Query parameters never kept in tracked URLs.
var defaultExcludedParameters = []string{
	"gclid", "fb_xd_fragment", "fb_comment_id", "phpsessid", "jsessionid",
	"sessionid", "aspsessionid", "doing_wp_cron",
}

var downloadExtensions = map[string]bool{
	"7z": true, "aac": true, "arc": true, "arj": true, "asf": true, "asx": true, "avi": true,
	"bin": true, "csv": true, "deb": true, "dmg": true, "doc": true, "docx": true, "exe": true,
	"flv": true, "gif": true, "gz": true, "gzip": true, "hqx": true, "jar": true, "jpg": true,
	"jpeg": true, "js": true, "mp2": true, "mp3": true, "mp4": true, "mpg": true, "mpeg": true,
	"mov": true, "movie": true, "msi": true, "msp": true, "odt": true, "pdf": true, "phps": true,
	"png": true, "ppt": true, "pptx": true, "qt": true, "qtm": true, "ra": true, "ram": true,
	"rar": true, "sea": true, "sit": true, "tar": true, "tbz": true, "tbz2": true, "bz2": true,
	"tgz": true, "torrent": true, "txt": true, "wav": true, "wma": true, "wmv": true, "wpd": true,
	"xls": true, "xlsx": true, "xml": true, "z": true, "zip": true,
}

// url_prefix ids, stripped from URL actions before they are stored.
var urlPrefixes = []struct {
	id     int
	prefix string
}{
	{1, "http://www."},
	{0, "http://"},
	{3, "https://www."},
	{2, "https://"},
}

// LogAction normalizes a (type, name) pair.
type LogAction struct {
	ID        int64  `gorm:"column:idaction;primaryKey;autoIncrement"`
	Name      string `gorm:"column:name;type:text;not null"`
	Hash      int64  `gorm:"column:hash;not null;index:idx_action_type_hash,priority:2"`
	Type      int    `gorm:"column:type;not null;index:idx_action_type_hash,priority:1"`
	URLPrefix *int   `gorm:"column:url_prefix"`
}

func (LogAction) TableName() string { return "log_action" }

// LinkVisitAction is one action of a visit.
type LinkVisitAction struct {
	ID                 int64     `gorm:"column:idlink_va;primaryKey;autoIncrement"`
	SiteID             uint      `gorm:"column:idsite;not null;index:idx_lva_site_time,priority:1"`
	VisitorID          []byte    `gorm:"column:idvisitor;size:16;not null"`
	ServerTime         time.Time `gorm:"column:server_time;not null;index:idx_lva_site_time,priority:2"`
	VisitID            int64     `gorm:"column:idvisit;not null;index"`
	URLAction          int64     `gorm:"column:idaction_url"`
	URLRefAction       int64     `gorm:"column:idaction_url_ref"`
	NameAction         int64     `gorm:"column:idaction_name"`
	NameRefAction      int64     `gorm:"column:idaction_name_ref"`
	TimeSpentRefAction int       `gorm:"column:time_spent_ref_action;not null"`
	CustomFloat        *float64  `gorm:"column:custom_float"`

	visitors.CustomVariables
}

func (LinkVisitAction) TableName() string { return "log_link_visit_action" }

// Action is the pageview, download, outlink or site search of a request.
type Action struct {
	Type int
	// URL is the full normalized URL.
	URL string
	// Name is the page title, or the keyword of a site search.
	Name           string
	SearchCategory string
	SearchCount    *int
	GenerationTime *float64
	// CustomVariables are the page-scope variables (cvar).
	CustomVariables visitors.CustomVariables

	URLID  int64
	NameID int64
}

// CountsAsAction reports whether the action increments visit_total_actions.
func (a *Action) CountsAsAction() bool {
	switch a.Type {
	case ActionTypeURL, ActionTypeDownload, ActionTypeOutlink, ActionTypeSiteSearch:
		return true
	}
	return false
}

// Info is what goal patterns match against.
func (a *Action) Info() goals.ActionInfo {
	return goals.ActionInfo{
		URL:        a.URL,
		Title:      a.Name,
		IsDownload: a.Type == ActionTypeDownload,
		IsOutlink:  a.Type == ActionTypeOutlink,
	}
}

func (a *Action) urlType() int {
	if a.Type == ActionTypeDownload || a.Type == ActionTypeOutlink {
		return a.Type
	}
	return ActionTypeURL
}

func (a *Action) nameType() int {
	if a.Type == ActionTypeSiteSearch {
		return ActionTypeSiteSearch
	}
	return ActionTypePageTitle
}

// NewAction builds the action of req. excluded lists extra query parameters
// to strip on top of the site's own and the built-in ones.
func NewAction(req *Request, site sites.Site, excluded []string) *Action {
	a := &Action{
		Type:            ActionTypeURL,
		GenerationTime:  req.GenerationTime,
		CustomVariables: req.PageCustomVariables,
	}

	switch {
	case req.Download != "":
		a.Type = ActionTypeDownload
		a.URL = strings.TrimSpace(req.Download)
		return a
	case req.Link != "":
		a.Type = ActionTypeOutlink
		a.URL = strings.TrimSpace(req.Link)
		if isDownloadURL(a.URL) {
			a.Type = ActionTypeDownload
		}
		return a
	}

	params := append(append(append([]string{}, defaultExcludedParameters...), excluded...), settings.SplitList(site.ExcludedParameters)...)
	a.URL = ExcludeQueryParameters(req.URL, params)
	a.Name = cleanActionName(req.ActionName)

	if req.Search != "" {
		a.Type = ActionTypeSiteSearch
		a.Name = strings.TrimSpace(req.Search)
		a.SearchCategory = strings.TrimSpace(req.SearchCategory)
		a.SearchCount = req.SearchCount
		return a
	}

	if site.SiteSearch {
		keywordParams := settings.SplitList(site.SearchKeywordParameters)
		if len(keywordParams) == 0 {
			keywordParams = DefaultSearchKeywordParameters
		}
		categoryParams := settings.SplitList(site.SearchCategoryParameters)
		if len(categoryParams) == 0 {
			categoryParams = DefaultSearchCategoryParameters
		}
		if keyword, category, ok := detectSiteSearch(a.URL, keywordParams, categoryParams); ok {
			a.Type = ActionTypeSiteSearch
			a.Name = keyword
			a.SearchCategory = category
			a.URL = ExcludeQueryParameters(a.URL, append(append([]string{}, keywordParams...), categoryParams...))
		}
	}
	return a
}

func cleanActionName(name string) string {
	return strings.Trim(strings.TrimSpace(name), "/")
}

func isDownloadURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	return ext != "" && downloadExtensions[ext]
}

// ExcludeQueryParameters removes the named parameters (case-insensitive)
// from the query string of raw, keeping the remaining order.
func ExcludeQueryParameters(raw string, names []string) string {
	if len(names) == 0 {
		return raw
	}
	base, query, ok := strings.Cut(raw, "?")
	if !ok {
		return raw
	}
	query, fragment, hasFragment := strings.Cut(query, "#")

	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[strings.ToLower(n)] = true
	}

	var kept []string
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		key, _, _ := strings.Cut(pair, "=")
		if unescaped, err := url.QueryUnescape(key); err == nil {
			key = unescaped
		}
		if drop[strings.ToLower(key)] {
			continue
		}
		kept = append(kept, pair)
	}

	out := base
	if len(kept) > 0 {
		out += "?" + strings.Join(kept, "&")
	}
	if hasFragment {
		out += "#" + fragment
	}
	return out
}

func detectSiteSearch(raw string, keywordParams, categoryParams []string) (string, string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", false
	}
	values := lowerKeys(u.Query())

	keyword := firstValue(values, keywordParams)
	if keyword == "" {
		return "", "", false
	}
	return keyword, firstValue(values, categoryParams), true
}

func lowerKeys(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, v := range q {
		out[strings.ToLower(k)] = append(out[strings.ToLower(k)], v...)
	}
	return out
}

func firstValue(q url.Values, names []string) string {
	for _, n := range names {
		if v := strings.TrimSpace(q.Get(strings.ToLower(n))); v != "" {
			return v
		}
	}
	return ""
}

func splitURLPrefix(raw string) (string, *int) {
	lower := strings.ToLower(raw)
	for _, p := range urlPrefixes {
		if strings.HasPrefix(lower, p.prefix) {
			id := p.id
			return raw[len(p.prefix):], &id
		}
	}
	return raw, nil
}

func isURLType(actionType int) bool {
	return actionType == ActionTypeURL || actionType == ActionTypeOutlink || actionType == ActionTypeDownload
}

// ActionStore looks up and inserts log_action rows and records
// log_link_visit_action rows.
type ActionStore struct {
	logger *slog.Logger
}

// NewActionStore returns an action store.
func NewActionStore(logger *slog.Logger) *ActionStore {
	return &ActionStore{logger: logger}
}

// ActionID returns the idaction of (name, actionType), inserting it when
// absent. URL types are stored without their scheme and "www." prefix.
// An existing row is read under a share lock; tx must also write the rows
// pointing to it, or the log purge may drop it as unused.
func (s *ActionStore) ActionID(ctx context.Context, tx *gorm.DB, name string, actionType int) (int64, error) {
	var prefix *int
	if isURLType(actionType) {
		name, prefix = splitURLPrefix(name)
	}
	hash := int64(crc32.ChecksumIEEE([]byte(name)))

	var action LogAction
	result := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: clause.LockingStrengthShare}).
		Where("hash = ? AND type = ? AND name = ?", hash, actionType, name).
		Order("idaction").
		Limit(1).
		Find(&action)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to look up action: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return action.ID, nil
	}

	action = LogAction{Name: name, Hash: hash, Type: actionType, URLPrefix: prefix}
	if err := tx.WithContext(ctx).Create(&action).Error; err != nil {
		return 0, fmt.Errorf("failed to insert action: %w", err)
	}
	return action.ID, nil
}

// Resolve fills the URL and name ids of a. An empty name resolves to 0.
func (s *ActionStore) Resolve(ctx context.Context, tx *gorm.DB, a *Action) error {
	var err error
	if a.URL != "" {
		if a.URLID, err = s.ActionID(ctx, tx, a.URL, a.urlType()); err != nil {
			return err
		}
	}
	if a.Name != "" {
		if a.NameID, err = s.ActionID(ctx, tx, a.Name, a.nameType()); err != nil {
			return err
		}
	}
	return nil
}

// Record appends the action to its visit. refURL and refName point to the
// previous exit action; both are 0 for the first action of a visit.
func (s *ActionStore) Record(ctx context.Context, tx *gorm.DB, a *Action, visit *Visit, refURL, refName int64, timeSpent int, at time.Time) (int64, error) {
	row := LinkVisitAction{
		SiteID:             visit.SiteID,
		VisitorID:          store.Bin(visit.VisitorID),
		ServerTime:         at,
		VisitID:            visit.ID,
		URLAction:          a.URLID,
		URLRefAction:       refURL,
		NameAction:         a.NameID,
		NameRefAction:      refName,
		TimeSpentRefAction: timeSpent,
		CustomFloat:        a.GenerationTime,
		CustomVariables:    a.CustomVariables,
	}
	if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("failed to record action of visit %d: %w", visit.ID, err)
	}

	s.logger.Debug("Action recorded",
		slog.Int64("idvisit", visit.ID),
		slog.Int64("idlink_va", row.ID),
		slog.Int("type", a.Type))
	return row.ID, nil
}
