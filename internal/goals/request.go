package goals

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Kind classifies a tracking request for conversion purposes.
type Kind int

const (
	KindNone Kind = iota
	KindManual
	KindEcommerceOrder
	KindEcommerceCart
)

func (k Kind) String() string {
	switch k {
	case KindManual:
		return "manual"
	case KindEcommerceOrder:
		return "ecommerce_order"
	case KindEcommerceCart:
		return "ecommerce_cart"
	default:
		return "none"
	}
}

// Buyer is the visit_goal_buyer status.
type Buyer int

const (
	BuyerNone                     Buyer = 0
	BuyerOrdered                  Buyer = 1
	BuyerAbandonedCart            Buyer = 2
	BuyerOrderedThenAbandonedCart Buyer = 3
)

// Item is one ecommerce line.
type Item struct {
	SKU      string
	Name     string
	Category string
	Price    decimal.Decimal
	Quantity int
}

// Request holds the conversion parameters of a tracking request.
type Request struct {
	// GoalID is nil when the request carries no idgoal.
	GoalID   *int
	Revenue  *decimal.Decimal
	OrderID  string
	Subtotal *decimal.Decimal
	Tax      *decimal.Decimal
	Shipping *decimal.Decimal
	Discount *decimal.Decimal
	Items    []Item
}

// ParseRequest reads idgoal, revenue and the ec_* parameters.
func ParseRequest(q url.Values) (Request, error) {
	var r Request

	if raw := strings.TrimSpace(q.Get("idgoal")); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return r, fmt.Errorf("invalid idgoal %q: %w", raw, err)
		}
		r.GoalID = &id
	}

	var err error
	fields := []struct {
		param string
		dst   **decimal.Decimal
	}{
		{"revenue", &r.Revenue},
		{"ec_st", &r.Subtotal},
		{"ec_tx", &r.Tax},
		{"ec_sh", &r.Shipping},
		{"ec_dt", &r.Discount},
	}
	for _, f := range fields {
		if *f.dst, err = parseAmount(q.Get(f.param)); err != nil {
			return r, fmt.Errorf("invalid %s: %w", f.param, err)
		}
	}

	r.OrderID = strings.TrimSpace(q.Get("ec_id"))
	if r.Items, err = ParseItems(q.Get("ec_items")); err != nil {
		return r, err
	}
	return r, nil
}

func parseAmount(raw string) (*decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, err
	}
	d = d.Round(2)
	return &d, nil
}

// Kind returns how the request converts. idgoal=0 is ecommerce: an order when
// ec_id is set, a cart update otherwise. idgoal>0 is a manual conversion.
func (r Request) Kind() Kind {
	if r.GoalID == nil {
		return KindNone
	}
	switch {
	case *r.GoalID == 0 && r.OrderID != "":
		return KindEcommerceOrder
	case *r.GoalID == 0:
		return KindEcommerceCart
	case *r.GoalID > 0:
		return KindManual
	default:
		return KindNone
	}
}

// IsEcommerce reports an order or cart update.
func (r Request) IsEcommerce() bool {
	k := r.Kind()
	return k == KindEcommerceOrder || k == KindEcommerceCart
}

// ConversionGoalID is the request's effective idgoal: 0 for orders, the goal
// id for manual conversions, -1 for carts and requests without idgoal.
func (r Request) ConversionGoalID() int {
	switch r.Kind() {
	case KindEcommerceOrder:
		return IDGoalOrder
	case KindEcommerceCart:
		return IDGoalCart
	case KindManual:
		return *r.GoalID
	default:
		return IDGoalCart
	}
}

// BuyerType returns the visit's buyer status after this request.
func (r Request) BuyerType(existing Buyer) Buyer {
	switch r.Kind() {
	case KindEcommerceOrder:
		return BuyerOrdered
	case KindEcommerceCart:
		if existing == BuyerOrdered || existing == BuyerOrderedThenAbandonedCart {
			return BuyerOrderedThenAbandonedCart
		}
		return BuyerAbandonedCart
	default:
		return existing
	}
}

// ParseItems decodes ec_items: [["sku","name","category",price,quantity],...].
// category may also be a list; its first non-empty entry is kept.
func ParseItems(raw string) ([]Item, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var rows [][]any
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, fmt.Errorf("invalid ec_items: %w", err)
	}

	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		item := Item{Quantity: 1}
		item.SKU = stringAt(row, 0)
		if item.SKU == "" {
			continue
		}
		item.Name = stringAt(row, 1)
		item.Category = categoryAt(row, 2)
		item.Price = decimalAt(row, 3)
		if q := decimalAt(row, 4); q.IsPositive() {
			item.Quantity = int(q.IntPart())
		}
		items = append(items, item)
	}
	return items, nil
}

func stringAt(row []any, i int) string {
	if i >= len(row) {
		return ""
	}
	switch v := row[i].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func categoryAt(row []any, i int) string {
	if i < len(row) {
		if list, ok := row[i].([]any); ok {
			for j := range list {
				if c := stringAt(list, j); c != "" {
					return c
				}
			}
			return ""
		}
	}
	return stringAt(row, i)
}

func decimalAt(row []any, i int) decimal.Decimal {
	if i >= len(row) {
		return decimal.Zero
	}
	switch v := row[i].(type) {
	case float64:
		return decimal.NewFromFloat(v).Round(2)
	case string:
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			return d.Round(2)
		}
	}
	return decimal.Zero
}
