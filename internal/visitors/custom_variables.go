package visitors

import (
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

const (
	// MaxCustomVariables is the number of key/value slots per scope.
	MaxCustomVariables = 5
	// MaxCustomVariableLength bounds keys and values.
	MaxCustomVariableLength = 200
)

// CustomVariables holds the five key/value slots stored on visits,
// conversions and actions. Nil means the slot is unset.
type CustomVariables struct {
	K1 *string `gorm:"column:custom_var_k1;size:200" json:"custom_var_k1,omitempty"`
	V1 *string `gorm:"column:custom_var_v1;size:200" json:"custom_var_v1,omitempty"`
	K2 *string `gorm:"column:custom_var_k2;size:200" json:"custom_var_k2,omitempty"`
	V2 *string `gorm:"column:custom_var_v2;size:200" json:"custom_var_v2,omitempty"`
	K3 *string `gorm:"column:custom_var_k3;size:200" json:"custom_var_k3,omitempty"`
	V3 *string `gorm:"column:custom_var_v3;size:200" json:"custom_var_v3,omitempty"`
	K4 *string `gorm:"column:custom_var_k4;size:200" json:"custom_var_k4,omitempty"`
	V4 *string `gorm:"column:custom_var_v4;size:200" json:"custom_var_v4,omitempty"`
	K5 *string `gorm:"column:custom_var_k5;size:200" json:"custom_var_k5,omitempty"`
	V5 *string `gorm:"column:custom_var_v5;size:200" json:"custom_var_v5,omitempty"`
}

func (c *CustomVariables) slot(i int) (**string, **string) {
	switch i {
	case 1:
		return &c.K1, &c.V1
	case 2:
		return &c.K2, &c.V2
	case 3:
		return &c.K3, &c.V3
	case 4:
		return &c.K4, &c.V4
	case 5:
		return &c.K5, &c.V5
	}
	return nil, nil
}

// Set stores a pair in slot i (1..5), truncating both sides.
func (c *CustomVariables) Set(i int, key, value string) error {
	k, v := c.slot(i)
	if k == nil {
		return fmt.Errorf("custom variable slot %d out of range 1..%d", i, MaxCustomVariables)
	}
	key, value = truncate(key, MaxCustomVariableLength), truncate(value, MaxCustomVariableLength)
	*k, *v = &key, &value
	return nil
}

// Get returns the pair in slot i and whether it is set.
func (c CustomVariables) Get(i int) (string, string, bool) {
	k, v := c.slot(i)
	if k == nil || *k == nil {
		return "", "", false
	}
	value := ""
	if *v != nil {
		value = **v
	}
	return **k, value, true
}

// IsEmpty reports whether no slot is set.
func (c CustomVariables) IsEmpty() bool {
	for i := 1; i <= MaxCustomVariables; i++ {
		if _, _, ok := c.Get(i); ok {
			return false
		}
	}
	return true
}

// Merge overwrites the slots set in other.
func (c *CustomVariables) Merge(other CustomVariables) {
	for i := 1; i <= MaxCustomVariables; i++ {
		if k, v, ok := other.Get(i); ok {
			_ = c.Set(i, k, v)
		}
	}
}

// Columns returns the set slots keyed by column name, for partial updates.
func (c CustomVariables) Columns() map[string]any {
	out := make(map[string]any)
	for i := 1; i <= MaxCustomVariables; i++ {
		if k, v, ok := c.Get(i); ok {
			out["custom_var_k"+strconv.Itoa(i)] = k
			out["custom_var_v"+strconv.Itoa(i)] = v
		}
	}
	return out
}

// ParseCustomVariables decodes the tracker's JSON form
// {"1":["key","value"],"3":["k","v"]}. Slots outside 1..5 and pairs that are
// not two strings are skipped.
func ParseCustomVariables(raw string) (CustomVariables, error) {
	var out CustomVariables
	if raw == "" {
		return out, nil
	}

	var decoded map[string][]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return out, fmt.Errorf("invalid custom variables: %w", err)
	}

	for index, pair := range decoded {
		i, err := strconv.Atoi(index)
		if err != nil || i < 1 || i > MaxCustomVariables || len(pair) != 2 {
			continue
		}
		key, ok := pair[0].(string)
		if !ok || key == "" {
			continue
		}
		value := ""
		switch v := pair[1].(type) {
		case string:
			value = v
		case float64:
			value = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			continue
		}
		_ = out.Set(i, key, value)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
