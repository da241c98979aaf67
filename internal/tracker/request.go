package tracker

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"tracklog/internal/goals"
	"tracklog/internal/visitors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Timestamps sent by trackers further in the past than this are ignored.
const maxTimestampAge = 10 * 365 * 24 * time.Hour

// Plugins are the browser capability flags sent with each request.
type Plugins struct {
	Flash        bool
	Java         bool
	Director     bool
	Quicktime    bool
	RealPlayer   bool
	PDF          bool
	WindowsMedia bool
	Gears        bool
	Silverlight  bool
	Cookie       bool
}

// Flags renders the plugins as 0/1 characters in fingerprint order.
func (p Plugins) Flags() string {
	var b strings.Builder
	for _, on := range []bool{p.Flash, p.Java, p.Director, p.Quicktime, p.RealPlayer, p.PDF, p.WindowsMedia, p.Gears, p.Silverlight, p.Cookie} {
		if on {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// Environment carries what a tracking request says outside its query string.
type Environment struct {
	RemoteIP       string
	UserAgent      string
	AcceptLanguage string
	DoNotTrack     bool
	Prefetch       bool
	Cookies        map[string]string
}

// EnvironmentFromHTTP reads the environment of an incoming HTTP request.
func EnvironmentFromHTTP(r *http.Request) Environment {
	env := Environment{
		RemoteIP:       r.RemoteAddr,
		UserAgent:      r.UserAgent(),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		DoNotTrack:     r.Header.Get("DNT") == "1" || r.Header.Get("X-Do-Not-Track") == "1",
		Prefetch: strings.EqualFold(r.Header.Get("X-Purpose"), "preview") ||
			strings.EqualFold(r.Header.Get("X-Moz"), "prefetch"),
		Cookies: make(map[string]string),
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		env.RemoteIP = host
	}
	for _, c := range r.Cookies() {
		env.Cookies[c.Name] = c.Value
	}
	return env
}

// Request is a parsed tracking request.
type Request struct {
	SiteID     uint   `validate:"required"`
	URL        string `validate:"max=65535"`
	ActionName string `validate:"max=4096"`
	Referrer   string `validate:"max=65535"`

	// VisitorID is the 16-byte id of the _id parameter, nil when absent.
	VisitorID []byte `validate:"omitempty,len=16"`
	// ForcedVisitorID is set from cid and overrides VisitorID.
	ForcedVisitorID []byte `validate:"omitempty,len=16"`

	VisitCount          int `validate:"gte=1"`
	DaysSinceFirstVisit int `validate:"gte=0"`
	DaysSinceLastVisit  int `validate:"gte=0"`
	// DaysSinceLastOrder is nil for visitors that never ordered.
	DaysSinceLastOrder *int

	Resolution string
	LocalTime  string
	Plugins    Plugins

	CustomVariables     visitors.CustomVariables
	PageCustomVariables visitors.CustomVariables
	CustomVariablesSet  bool

	Link           string `validate:"max=65535"`
	Download       string `validate:"max=65535"`
	Search         string `validate:"max=1024"`
	SearchCategory string `validate:"max=255"`
	SearchCount    *int
	GenerationTime *float64

	Goal goals.Request

	IP              net.IP `validate:"required"`
	UserAgent       string
	BrowserLanguage string
	DoNotTrack      bool
	Prefetch        bool
	Cookies         map[string]string

	Timestamp time.Time `validate:"required"`
}

// EffectiveVisitorID is the forced id when set, else the cookie id.
func (r *Request) EffectiveVisitorID() []byte {
	if r.ForcedVisitorID != nil {
		return r.ForcedVisitorID
	}
	return r.VisitorID
}

// NewRequest parses the query parameters of a tracking request received at now.
func NewRequest(q url.Values, env Environment, now time.Time) (*Request, error) {
	now = now.UTC().Truncate(time.Second)

	siteID, err := strconv.ParseUint(strings.TrimSpace(q.Get("idsite")), 10, 32)
	if err != nil || siteID == 0 {
		return nil, fmt.Errorf("invalid idsite %q", q.Get("idsite"))
	}

	r := &Request{
		SiteID:          uint(siteID),
		URL:             strings.TrimSpace(q.Get("url")),
		ActionName:      q.Get("action_name"),
		Referrer:        strings.TrimSpace(q.Get("urlref")),
		VisitCount:      1,
		Resolution:      q.Get("res"),
		LocalTime:       localTime(q),
		Link:            q.Get("link"),
		Download:        q.Get("download"),
		Search:          q.Get("search"),
		SearchCategory:  q.Get("search_cat"),
		UserAgent:       env.UserAgent,
		BrowserLanguage: browserLanguage(q.Get("lang"), env.AcceptLanguage),
		DoNotTrack:      env.DoNotTrack,
		Prefetch:        env.Prefetch,
		Cookies:         env.Cookies,
		Timestamp:       now,
	}

	if ua := q.Get("ua"); ua != "" {
		r.UserAgent = ua
	}
	ip := env.RemoteIP
	if cip := q.Get("cip"); cip != "" {
		ip = cip
	}
	if r.IP = net.ParseIP(strings.TrimSpace(ip)); r.IP == nil {
		return nil, fmt.Errorf("invalid visitor ip %q", ip)
	}
	if v4 := r.IP.To4(); v4 != nil {
		r.IP = v4
	}

	if raw := q.Get("_id"); raw != "" {
		if r.VisitorID, err = visitors.ParseVisitorID(raw); err != nil {
			return nil, err
		}
	}
	if raw := q.Get("cid"); raw != "" {
		if r.ForcedVisitorID, err = visitors.ParseVisitorID(raw); err != nil {
			return nil, err
		}
	}

	if n, err := strconv.Atoi(q.Get("_idvc")); err == nil && n > 1 {
		r.VisitCount = n
	}
	if days, ok := daysSince(q.Get("_idts"), now); ok {
		r.DaysSinceFirstVisit = days
	}
	if days, ok := daysSince(q.Get("_viewts"), now); ok {
		r.DaysSinceLastVisit = days
	}
	if days, ok := daysSince(q.Get("_ects"), now); ok {
		r.DaysSinceLastOrder = &days
	}

	r.Plugins = Plugins{
		Flash:        q.Get("fla") == "1",
		Java:         q.Get("java") == "1",
		Director:     q.Get("dir") == "1",
		Quicktime:    q.Get("qt") == "1",
		RealPlayer:   q.Get("realp") == "1",
		PDF:          q.Get("pdf") == "1",
		WindowsMedia: q.Get("wma") == "1",
		Gears:        q.Get("gears") == "1",
		Silverlight:  q.Get("ag") == "1",
		Cookie:       q.Get("cookie") == "1",
	}

	if raw := q.Get("_cvar"); raw != "" {
		if r.CustomVariables, err = visitors.ParseCustomVariables(raw); err != nil {
			return nil, fmt.Errorf("invalid _cvar: %w", err)
		}
		r.CustomVariablesSet = !r.CustomVariables.IsEmpty()
	}
	if raw := q.Get("cvar"); raw != "" {
		if r.PageCustomVariables, err = visitors.ParseCustomVariables(raw); err != nil {
			return nil, fmt.Errorf("invalid cvar: %w", err)
		}
	}

	if raw := q.Get("search_count"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			r.SearchCount = &n
		}
	}
	if raw := q.Get("gt_ms"); raw != "" {
		if ms, err := strconv.ParseFloat(raw, 64); err == nil && ms >= 0 && !math.IsInf(ms, 0) {
			r.GenerationTime = &ms
		}
	}

	if r.Goal, err = goals.ParseRequest(q); err != nil {
		return nil, err
	}

	if err := validate.Struct(r); err != nil {
		return nil, fmt.Errorf("invalid tracking request: %w", err)
	}
	return r, nil
}

// daysSince converts a unix timestamp sent by the tracker into whole days
// before now. Timestamps in the future or older than ten years are ignored.
func daysSince(raw string, now time.Time) (int, bool) {
	ts, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ts <= 0 {
		return 0, false
	}
	t := time.Unix(ts, 0)
	if t.After(now.Add(10*time.Second)) || t.Before(now.Add(-maxTimestampAge)) {
		return 0, false
	}
	days := int(math.Round(now.Sub(t).Hours() / 24))
	if days < 0 {
		days = 0
	}
	return days, true
}

func localTime(q url.Values) string {
	part := func(name string, max int) int {
		n, err := strconv.Atoi(q.Get(name))
		if err != nil || n < 0 || n > max {
			return 0
		}
		return n
	}
	return fmt.Sprintf("%02d:%02d:%02d", part("h", 23), part("m", 59), part("s", 59))
}

func browserLanguage(param, header string) string {
	lang := param
	if lang == "" {
		lang = header
	}
	lang = strings.ToLower(strings.ReplaceAll(lang, " ", ""))
	if lang == "" {
		return "xx"
	}
	return truncate(lang, 20)
}
