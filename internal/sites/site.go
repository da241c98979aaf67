package sites

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/karloscodes/cartridge/cache"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"tracklog/internal/settings"
	"tracklog/internal/store"
)

// SiteNotFoundError represents an error when a site id is unknown
type SiteNotFoundError struct {
	ID uint
}

func (e *SiteNotFoundError) Error() string {
	return fmt.Sprintf("site not found: %d", e.ID)
}

// NewSiteNotFoundError creates a new SiteNotFoundError
func NewSiteNotFoundError(id uint) *SiteNotFoundError {
	return &SiteNotFoundError{ID: id}
}

// Site represents a tracked website and its tracking rules
type Site struct {
	ID                 uint   `gorm:"column:idsite;primaryKey;autoIncrement" json:"idsite"`
	Name               string `gorm:"size:90;not null" json:"name"`
	MainURL            string `gorm:"size:255;not null" json:"main_url"`
	AliasURLs          string `json:"alias_urls"`           // comma separated
	ExcludedIPs        string `json:"excluded_ips"`         // comma separated, CIDR and wildcards allowed
	ExcludedParameters string `json:"excluded_parameters"`  // comma separated query parameter names
	ExcludedUserAgents string `json:"excluded_user_agents"` // comma separated substrings
	Ecommerce          bool   `gorm:"not null" json:"ecommerce"`
	SiteSearch         bool   `gorm:"not null" json:"sitesearch"`
	// Empty means the default keyword parameters apply.
	SearchKeywordParameters  string    `json:"sitesearch_keyword_parameters"`
	SearchCategoryParameters string    `json:"sitesearch_category_parameters"`
	Timezone                 string    `gorm:"size:50;not null;default:'UTC'" json:"timezone"`
	Currency                 string    `gorm:"size:3;not null;default:'USD'" json:"currency"`
	CreatedAt                time.Time `gorm:"column:ts_created" json:"ts_created"`
}

func (Site) TableName() string { return "site" }

// Hosts returns the lowercased host names of the main URL and every alias.
func (s Site) Hosts() []string {
	var hosts []string
	for _, raw := range append([]string{s.MainURL}, settings.SplitList(s.AliasURLs)...) {
		if host := hostOf(raw); host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts
}

// Location returns the site's timezone, UTC when unset or unknown.
func (s Site) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

var hostCaser = cases.Lower(language.Und)

// CanonicalHost lowercases host and drops "www." so aliases compare equal.
func CanonicalHost(host string) string {
	return strings.ReplaceAll(hostCaser.String(host), "www.", "")
}

// Registry serves site definitions from a cache; they are configuration,
// not visit state, so short staleness is acceptable.
type Registry struct {
	db     *gorm.DB
	logger *slog.Logger
	cache  *cache.Cache[uint, Site]
}

// NewRegistry returns a registry reading from conn.
func NewRegistry(conn store.Connector, logger *slog.Logger) *Registry {
	r := &Registry{db: conn.GetConnection(), logger: logger}
	r.cache = cache.NewCache[uint, Site](logger, time.Minute, r.fetch)
	return r
}

func (r *Registry) fetch(id uint) (Site, error) {
	var site Site
	if err := r.db.First(&site, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Site{}, NewSiteNotFoundError(id)
		}
		return Site{}, fmt.Errorf("unexpected error querying site: %w", err)
	}
	return site, nil
}

// Get returns the site with the given id or a *SiteNotFoundError.
func (r *Registry) Get(id uint) (Site, error) {
	return r.cache.Get(id)
}

// Invalidate drops every cached site. Call after editing site rules.
func (r *Registry) Invalidate() {
	r.cache.Clear()
}

// IsHostKnownAliasHost reports whether host is the main host or an alias of the site.
func (r *Registry) IsHostKnownAliasHost(siteID uint, host string) bool {
	site, err := r.Get(siteID)
	if err != nil {
		r.logger.Debug("Alias host check on unknown site", slog.Uint64("idsite", uint64(siteID)))
		return false
	}
	return site.IsAliasHost(host)
}

// IsAliasHost reports whether host matches one of the site's hosts.
func (s Site) IsAliasHost(host string) bool {
	canonical := CanonicalHost(host)
	if canonical == "" {
		return false
	}
	for _, h := range s.Hosts() {
		if CanonicalHost(h) == canonical {
			return true
		}
	}
	return false
}

// CreateSite inserts a site, stamping its creation time.
func CreateSite(db *gorm.DB, site *Site) error {
	site.CreatedAt = time.Now().UTC()
	if site.Timezone == "" {
		site.Timezone = "UTC"
	}
	if site.Currency == "" {
		site.Currency = "USD"
	}
	return db.Create(site).Error
}

// GetAllSites retrieves all sites
func GetAllSites(db *gorm.DB) ([]Site, error) {
	var all []Site
	if err := db.Order("idsite").Find(&all).Error; err != nil {
		return nil, fmt.Errorf("failed to get sites: %w", err)
	}
	return all, nil
}
