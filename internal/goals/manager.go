package goals

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge/cache"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tracklog/internal/store"
	"tracklog/internal/visitors"
)

// log_action types used for ecommerce item dimensions.
const (
	ActionTypeItemSKU      = 5
	ActionTypeItemName     = 6
	ActionTypeItemCategory = 7
)

// ActionResolver returns the idaction of a (name, type) pair, creating it
// when needed. tracker.ActionStore implements it.
type ActionResolver interface {
	ActionID(ctx context.Context, tx *gorm.DB, name string, actionType int) (int64, error)
}

// ActionInfo is what goal patterns are matched against.
type ActionInfo struct {
	URL        string
	Title      string
	IsDownload bool
	IsOutlink  bool
}

// VisitInfo is the final visit state a conversion is attributed to.
type VisitInfo struct {
	VisitID            int64
	SiteID             uint
	VisitorID          []byte
	ServerTime         time.Time
	LastActionTime     time.Time
	ActionURLID        int64
	LinkVisitActionID  int64
	URL                string
	VisitorReturning   int
	VisitorCountVisits int
	DaysSinceFirst     int
	DaysSinceOrder     int
	ReferrerType       int
	ReferrerName       string
	ReferrerKeyword    string
	LocationCountry    string
	LocationRegion     string
	LocationCity       string
	CustomVariables    visitors.CustomVariables
}

// Manager serves goal definitions from a cache and records conversions.
type Manager struct {
	db     *gorm.DB
	logger *slog.Logger
	cache  *cache.Cache[uint, []Goal]
}

// NewManager returns a manager bound to conn.
func NewManager(conn store.Connector, logger *slog.Logger) *Manager {
	m := &Manager{db: conn.GetConnection(), logger: logger}
	m.cache = cache.NewCache[uint, []Goal](logger, time.Minute, m.fetch)
	return m
}

func (m *Manager) fetch(siteID uint) ([]Goal, error) {
	var goals []Goal
	if err := m.db.Where("idsite = ? AND deleted = ?", siteID, false).Order("idgoal").Find(&goals).Error; err != nil {
		return nil, fmt.Errorf("failed to load goals of site %d: %w", siteID, err)
	}
	return goals, nil
}

// Goals returns the active goals of a site.
func (m *Manager) Goals(siteID uint) ([]Goal, error) {
	return m.cache.Get(siteID)
}

// Invalidate drops cached goal definitions.
func (m *Manager) Invalidate() {
	m.cache.Clear()
}

// DetectGoalID returns the goal a manual conversion refers to, or nil when
// the site has no such active goal.
func (m *Manager) DetectGoalID(siteID uint, goalID int) (*Goal, error) {
	goals, err := m.Goals(siteID)
	if err != nil {
		return nil, err
	}
	for i := range goals {
		if goals[i].ID == goalID {
			return &goals[i], nil
		}
	}
	return nil, nil
}

// DetectGoalsMatchingAction returns every goal whose pattern matches the
// action. Goals with an invalid pattern are logged and skipped.
func (m *Manager) DetectGoalsMatchingAction(siteID uint, action ActionInfo) ([]Goal, error) {
	goals, err := m.Goals(siteID)
	if err != nil {
		return nil, err
	}

	var matched []Goal
	for _, goal := range goals {
		value := ""
		switch goal.MatchAttribute {
		case MatchURL:
			if !action.IsDownload && !action.IsOutlink {
				value = action.URL
			}
		case MatchTitle:
			if !action.IsDownload && !action.IsOutlink {
				value = action.Title
			}
		case MatchFile:
			if action.IsDownload {
				value = action.URL
			}
		case MatchExternalWebsite:
			if action.IsOutlink {
				value = action.URL
			}
		}

		ok, err := goal.Matches(value)
		if err != nil {
			m.logger.Warn("Skipping goal with invalid pattern",
				slog.Uint64("idsite", uint64(siteID)),
				slog.Int("idgoal", goal.ID),
				slog.Any("error", err))
			continue
		}
		if ok {
			matched = append(matched, goal)
		}
	}
	return matched, nil
}

// RecordGoals appends the conversions of one request. matched holds the
// converted goals for manual and URL conversions and is ignored for
// ecommerce requests.
func (m *Manager) RecordGoals(ctx context.Context, tx *gorm.DB, visit VisitInfo, req Request, matched []Goal, actions ActionResolver) error {
	tx = tx.WithContext(ctx)

	if req.IsEcommerce() {
		return m.recordEcommerce(ctx, tx, visit, req, actions)
	}

	for _, goal := range matched {
		conversion := newConversion(visit, goal.ID)
		conversion.Revenue = goal.Revenue
		if req.Revenue != nil {
			conversion.Revenue = *req.Revenue
		}
		if goal.AllowMultiple {
			conversion.Buster = visit.LastActionTime.Unix()
		}

		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&conversion)
		if result.Error != nil {
			return fmt.Errorf("failed to record conversion of goal %d: %w", goal.ID, result.Error)
		}
		m.logger.Debug("Goal converted",
			slog.Int64("idvisit", visit.VisitID),
			slog.Int("idgoal", goal.ID),
			slog.Bool("duplicate", result.RowsAffected == 0))
	}
	return nil
}

func newConversion(visit VisitInfo, goalID int) Conversion {
	return Conversion{
		VisitID:            visit.VisitID,
		SiteID:             visit.SiteID,
		VisitorID:          store.Bin(visit.VisitorID),
		ServerTime:         visit.ServerTime,
		ActionURLID:        visit.ActionURLID,
		LinkVisitAction:    visit.LinkVisitActionID,
		GoalID:             goalID,
		URL:                visit.URL,
		VisitorReturning:   visit.VisitorReturning,
		VisitorCountVisits: visit.VisitorCountVisits,
		DaysSinceFirst:     visit.DaysSinceFirst,
		DaysSinceOrder:     visit.DaysSinceOrder,
		ReferrerType:       visit.ReferrerType,
		ReferrerName:       visit.ReferrerName,
		ReferrerKeyword:    visit.ReferrerKeyword,
		LocationCountry:    visit.LocationCountry,
		LocationRegion:     visit.LocationRegion,
		LocationCity:       visit.LocationCity,
		CustomVariables:    visit.CustomVariables,
	}
}

func (m *Manager) recordEcommerce(ctx context.Context, tx *gorm.DB, visit VisitInfo, req Request, actions ActionResolver) error {
	conversion := newConversion(visit, req.ConversionGoalID())
	conversion.RevenueSubtotal = req.Subtotal
	conversion.RevenueTax = req.Tax
	conversion.RevenueShipping = req.Shipping
	conversion.RevenueDiscount = req.Discount
	if req.Revenue != nil {
		conversion.Revenue = *req.Revenue
	} else {
		conversion.Revenue = itemsTotal(req.Items)
	}
	for _, item := range req.Items {
		conversion.ItemsCount += item.Quantity
	}

	orderID := AbandonedCartOrderID
	if req.Kind() == KindEcommerceOrder {
		orderID = req.OrderID
		conversion.OrderID = &orderID
		conversion.Buster = hashOrderID(orderID)

		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&conversion)
		if result.Error != nil {
			return fmt.Errorf("failed to record order %s: %w", orderID, result.Error)
		}
		if result.RowsAffected == 0 {
			m.logger.Debug("Order already recorded", slog.String("idorder", orderID), slog.Uint64("idsite", uint64(visit.SiteID)))
			return nil
		}

		// the cart became an order
		if err := tx.Where("idvisit = ? AND idgoal = ?", visit.VisitID, IDGoalCart).Delete(&Conversion{}).Error; err != nil {
			return fmt.Errorf("failed to delete converted cart: %w", err)
		}
		if err := tx.Where("idvisit = ? AND idorder = ?", visit.VisitID, AbandonedCartOrderID).Delete(&ConversionItem{}).Error; err != nil {
			return fmt.Errorf("failed to delete converted cart items: %w", err)
		}
	} else {
		result := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "idvisit"}, {Name: "idgoal"}, {Name: "buster"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"server_time", "items", "revenue", "revenue_subtotal", "revenue_tax", "revenue_shipping", "revenue_discount",
			}),
		}).Create(&conversion)
		if result.Error != nil {
			return fmt.Errorf("failed to record cart update: %w", result.Error)
		}
		if err := tx.Where("idvisit = ? AND idorder = ?", visit.VisitID, AbandonedCartOrderID).Delete(&ConversionItem{}).Error; err != nil {
			return fmt.Errorf("failed to replace cart items: %w", err)
		}
	}

	return m.recordItems(ctx, tx, visit, orderID, req.Items, actions)
}

func (m *Manager) recordItems(ctx context.Context, tx *gorm.DB, visit VisitInfo, orderID string, items []Item, actions ActionResolver) error {
	if len(items) == 0 {
		return nil
	}

	rows := make([]ConversionItem, 0, len(items))
	for _, item := range items {
		sku, err := actions.ActionID(ctx, tx, item.SKU, ActionTypeItemSKU)
		if err != nil {
			return err
		}
		var name, category int64
		if item.Name != "" {
			if name, err = actions.ActionID(ctx, tx, item.Name, ActionTypeItemName); err != nil {
				return err
			}
		}
		if item.Category != "" {
			if category, err = actions.ActionID(ctx, tx, item.Category, ActionTypeItemCategory); err != nil {
				return err
			}
		}
		rows = append(rows, ConversionItem{
			SiteID:     visit.SiteID,
			VisitorID:  store.Bin(visit.VisitorID),
			ServerTime: visit.ServerTime,
			VisitID:    visit.VisitID,
			OrderID:    orderID,
			SKUAction:  sku,
			NameAction: name,
			CatAction:  category,
			Price:      item.Price,
			Quantity:   item.Quantity,
		})
	}

	if err := tx.Create(&rows).Error; err != nil {
		return fmt.Errorf("failed to record %d ecommerce items: %w", len(rows), err)
	}
	return nil
}

func itemsTotal(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

func hashOrderID(orderID string) int64 {
	h := fnv.New32a()
	h.Write([]byte(orderID))
	return int64(h.Sum32())
}

// CreateGoal inserts a goal definition.
func CreateGoal(db *gorm.DB, goal *Goal) error {
	if goal.PatternType == "" {
		goal.PatternType = PatternContains
	}
	return db.Create(goal).Error
}
