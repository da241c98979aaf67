// Package period models the report periods archives are computed for.
package period

import (
	"fmt"
	"strings"
	"time"
)

// DateFormat is the layout of archive date1/date2 columns and period keys.
const DateFormat = "2006-01-02"

// ID is the numeric period type stored in archive rows.
type ID int

const (
	Day   ID = 1
	Week  ID = 2
	Month ID = 3
	Year  ID = 4
	Range ID = 5
)

var labels = map[ID]string{
	Day:   "day",
	Week:  "week",
	Month: "month",
	Year:  "year",
	Range: "range",
}

func (id ID) String() string {
	if label, ok := labels[id]; ok {
		return label
	}
	return fmt.Sprintf("period(%d)", int(id))
}

// ParseID converts a label such as "week" to its ID.
func ParseID(label string) (ID, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	for id, l := range labels {
		if l == label {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown period %q", label)
}

type TimeProvider interface {
	Now(loc *time.Location) time.Time
}

// DefaultTimeProvider reads the system clock.
type DefaultTimeProvider struct{}

func (p *DefaultTimeProvider) Now(loc *time.Location) time.Time {
	return time.Now().In(loc)
}

// Period is a closed range of calendar days. Start and End are midnight UTC.
type Period struct {
	ID    ID
	Start time.Time
	End   time.Time
}

// New returns the day, week, month or year period containing date. Weeks
// start on Monday.
func New(id ID, date time.Time) (Period, error) {
	day := StartOfDay(date, date.Location())
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	switch id {
	case Day:
		return Period{ID: Day, Start: day, End: day}, nil
	case Week:
		weekday := int(day.Weekday())
		if weekday == 0 { // Sunday
			weekday = 7
		}
		start := day.AddDate(0, 0, -(weekday - 1))
		return Period{ID: Week, Start: start, End: start.AddDate(0, 0, 6)}, nil
	case Month:
		start := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Period{ID: Month, Start: start, End: start.AddDate(0, 1, -1)}, nil
	case Year:
		start := time.Date(day.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return Period{ID: Year, Start: start, End: time.Date(day.Year(), 12, 31, 0, 0, 0, 0, time.UTC)}, nil
	case Range:
		return Period{}, fmt.Errorf("range periods need both dates, use NewRange")
	default:
		return Period{}, fmt.Errorf("unknown period id %d", int(id))
	}
}

// NewRange returns a custom range period.
func NewRange(start, end time.Time) (Period, error) {
	s := toDate(start)
	e := toDate(end)
	if e.Before(s) {
		return Period{}, fmt.Errorf("range end %s is before start %s", e.Format(DateFormat), s.Format(DateFormat))
	}
	return Period{ID: Range, Start: s, End: e}, nil
}

// ParseRange parses "YYYY-MM-DD,YYYY-MM-DD".
func ParseRange(key string) (Period, error) {
	parts := strings.Split(key, ",")
	if len(parts) != 2 {
		return Period{}, fmt.Errorf("invalid range %q", key)
	}
	start, err := time.Parse(DateFormat, strings.TrimSpace(parts[0]))
	if err != nil {
		return Period{}, fmt.Errorf("invalid range start: %w", err)
	}
	end, err := time.Parse(DateFormat, strings.TrimSpace(parts[1]))
	if err != nil {
		return Period{}, fmt.Errorf("invalid range end: %w", err)
	}
	return NewRange(start, end)
}

func toDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DateStart is the date1 column value.
func (p Period) DateStart() string { return p.Start.Format(DateFormat) }

// DateEnd is the date2 column value.
func (p Period) DateEnd() string { return p.End.Format(DateFormat) }

// Key identifies the period in lookup results: "YYYY-MM-DD,YYYY-MM-DD".
func (p Period) Key() string {
	return p.DateStart() + "," + p.DateEnd()
}

func (p Period) String() string {
	return p.ID.String() + " " + p.Key()
}

// Contains reports whether t falls on one of the period's days (UTC).
func (p Period) Contains(t time.Time) bool {
	d := toDate(t.UTC())
	return !d.Before(p.Start) && !d.After(p.End)
}

// StartOfDay returns midnight of t's day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
