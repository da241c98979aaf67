// Package goals detects goal and ecommerce conversions for tracking requests
// and appends them to log_conversion and log_conversion_item.
package goals

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.elara.ws/pcre"

	"tracklog/internal/visitors"
)

// Conversion idgoal values reserved for ecommerce.
const (
	IDGoalOrder = 0
	IDGoalCart  = -1
)

// What a goal pattern is tested against.
const (
	MatchURL             = "url"
	MatchTitle           = "title"
	MatchFile            = "file"
	MatchExternalWebsite = "external_website"
	MatchManually        = "manually"
)

// How a goal pattern is interpreted.
const (
	PatternContains = "contains"
	PatternExact    = "exact"
	PatternRegex    = "regex"
)

// Goal is a conversion definition of a site.
type Goal struct {
	SiteID         uint            `gorm:"column:idsite;primaryKey;autoIncrement:false" json:"idsite"`
	ID             int             `gorm:"column:idgoal;primaryKey;autoIncrement:false" json:"idgoal"`
	Name           string          `gorm:"size:50;not null" json:"name"`
	MatchAttribute string          `gorm:"size:20;not null" json:"match_attribute"`
	Pattern        string          `gorm:"size:255;not null" json:"pattern"`
	PatternType    string          `gorm:"size:10;not null" json:"pattern_type"`
	CaseSensitive  bool            `gorm:"not null" json:"case_sensitive"`
	AllowMultiple  bool            `gorm:"not null" json:"allow_multiple"`
	Revenue        decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"revenue"`
	Deleted        bool            `gorm:"not null;index" json:"deleted"`
}

func (Goal) TableName() string { return "goal" }

// Matches tests value against the goal pattern.
func (g Goal) Matches(value string) (bool, error) {
	if value == "" {
		return false, nil
	}

	switch g.PatternType {
	case PatternRegex:
		pattern := g.Pattern
		if !g.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := pcre.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("goal %d has an invalid pattern: %w", g.ID, err)
		}
		return re.MatchString(value), nil
	case PatternExact:
		if g.CaseSensitive {
			return value == g.Pattern, nil
		}
		return strings.EqualFold(value, g.Pattern), nil
	case PatternContains:
		if g.CaseSensitive {
			return strings.Contains(value, g.Pattern), nil
		}
		return strings.Contains(strings.ToLower(value), strings.ToLower(g.Pattern)), nil
	default:
		return false, fmt.Errorf("goal %d has unknown pattern type %q", g.ID, g.PatternType)
	}
}

// Conversion is an append-only log_conversion row. (idvisit, idgoal, buster)
// is unique so a replayed request cannot convert twice.
type Conversion struct {
	ID              int64     `gorm:"column:idconversion;primaryKey;autoIncrement"`
	VisitID         int64     `gorm:"column:idvisit;not null;uniqueIndex:idx_conversion_visit_goal_buster,priority:1"`
	SiteID          uint      `gorm:"column:idsite;not null;index:idx_conversion_site_time,priority:1;uniqueIndex:idx_conversion_site_order,priority:1"`
	VisitorID       []byte    `gorm:"column:idvisitor;size:16;not null"`
	ServerTime      time.Time `gorm:"column:server_time;not null;index:idx_conversion_site_time,priority:2"`
	ActionURLID     int64     `gorm:"column:idaction_url"`
	LinkVisitAction int64     `gorm:"column:idlink_va"`
	GoalID          int       `gorm:"column:idgoal;not null;uniqueIndex:idx_conversion_visit_goal_buster,priority:2"`
	Buster          int64     `gorm:"column:buster;not null;uniqueIndex:idx_conversion_visit_goal_buster,priority:3"`
	OrderID         *string   `gorm:"column:idorder;size:100;uniqueIndex:idx_conversion_site_order,priority:2"`
	ItemsCount      int       `gorm:"column:items"`
	URL             string    `gorm:"column:url;not null"`

	VisitorReturning   int    `gorm:"column:visitor_returning"`
	VisitorCountVisits int    `gorm:"column:visitor_count_visits"`
	DaysSinceFirst     int    `gorm:"column:visitor_days_since_first"`
	DaysSinceOrder     int    `gorm:"column:visitor_days_since_order"`
	ReferrerType       int    `gorm:"column:referer_type"`
	ReferrerName       string `gorm:"column:referer_name;size:70"`
	ReferrerKeyword    string `gorm:"column:referer_keyword;size:255"`
	LocationCountry    string `gorm:"column:location_country;size:3"`
	LocationRegion     string `gorm:"column:location_region;size:2"`
	LocationCity       string `gorm:"column:location_city;size:255"`

	Revenue         decimal.Decimal  `gorm:"column:revenue;type:decimal(20,2)"`
	RevenueSubtotal *decimal.Decimal `gorm:"column:revenue_subtotal;type:decimal(20,2)"`
	RevenueTax      *decimal.Decimal `gorm:"column:revenue_tax;type:decimal(20,2)"`
	RevenueShipping *decimal.Decimal `gorm:"column:revenue_shipping;type:decimal(20,2)"`
	RevenueDiscount *decimal.Decimal `gorm:"column:revenue_discount;type:decimal(20,2)"`

	visitors.CustomVariables
}

func (Conversion) TableName() string { return "log_conversion" }

// ConversionItem is one ecommerce line item of an order or abandoned cart.
type ConversionItem struct {
	ID         int64           `gorm:"column:iditem;primaryKey;autoIncrement"`
	SiteID     uint            `gorm:"column:idsite;not null"`
	VisitorID  []byte          `gorm:"column:idvisitor;size:16;not null"`
	ServerTime time.Time       `gorm:"column:server_time;not null"`
	VisitID    int64           `gorm:"column:idvisit;not null;index"`
	OrderID    string          `gorm:"column:idorder;size:100;not null;index"`
	SKUAction  int64           `gorm:"column:idaction_sku;not null"`
	NameAction int64           `gorm:"column:idaction_name;not null"`
	CatAction  int64           `gorm:"column:idaction_category;not null"`
	Price      decimal.Decimal `gorm:"column:price;type:decimal(20,2);not null"`
	Quantity   int             `gorm:"column:quantity;not null"`
	Deleted    bool            `gorm:"column:deleted;not null"`
}

func (ConversionItem) TableName() string { return "log_conversion_item" }

// AbandonedCartOrderID is the idorder of items belonging to a cart.
const AbandonedCartOrderID = "0"
