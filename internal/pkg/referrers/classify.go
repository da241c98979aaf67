package referrers

import (
	"net/url"
	"strings"
)

// Referrer types as stored in log_visit.referer_type.
const (
	TypeDirectEntry  = 1
	TypeSearchEngine = 2
	TypeWebsite      = 3
	TypeCampaign     = 6
)

// Query parameters carrying a campaign name and keyword, in priority order.
var (
	CampaignNameParams    = []string{"pk_campaign", "piwik_campaign", "pk_cpn", "utm_campaign"}
	CampaignKeywordParams = []string{"pk_kwd", "piwik_kwd", "pk_keyword", "utm_term"}
)

type searchEngine struct {
	name   string
	params []string
}

// Search engines keyed by their registrable name; "google" matches google.com,
// google.co.uk and www.google.de alike.
var searchEngines = map[string]searchEngine{
	"google":     {"Google", []string{"q"}},
	"bing":       {"Bing", []string{"q"}},
	"duckduckgo": {"DuckDuckGo", []string{"q"}},
	"yahoo":      {"Yahoo", []string{"p", "q"}},
	"baidu":      {"Baidu", []string{"wd", "word", "kw"}},
	"yandex":     {"Yandex", []string{"text"}},
	"ecosia":     {"Ecosia", []string{"q"}},
	"kagi":       {"Kagi", []string{"q"}},
	"qwant":      {"Qwant", []string{"q"}},
	"startpage":  {"Startpage", []string{"query", "q"}},
}

// Info is the referrer attribution of a new visit.
type Info struct {
	Type    int
	Name    string
	Keyword string
	URL     string
}

// Classify attributes a visit to a campaign, a search engine, a website or a
// direct entry. pageURL is the tracked URL (campaign parameters are read from
// it); isSiteHost reports whether a host belongs to the tracked site, in which
// case the referrer counts as a direct entry.
func Classify(refURL, pageURL string, isSiteHost func(host string) bool) Info {
	info := Info{Type: TypeDirectEntry, URL: refURL}

	var ref *url.URL
	if refURL != "" {
		if u, err := url.Parse(refURL); err == nil && u.Host != "" {
			ref = u
		}
	}

	if page, err := url.Parse(pageURL); err == nil && page.Host != "" {
		if name, keyword, ok := campaign(page); ok {
			info.Type, info.Name, info.Keyword = TypeCampaign, name, keyword
			return info
		}
	}

	if ref == nil {
		return info
	}

	host := strings.ToLower(ref.Hostname())
	if isSiteHost != nil && isSiteHost(host) {
		return info
	}

	if name, keyword, ok := search(host, ref.Query()); ok {
		info.Type, info.Name, info.Keyword = TypeSearchEngine, name, keyword
		return info
	}

	info.Type, info.Name = TypeWebsite, strings.TrimPrefix(host, "www.")
	return info
}

func campaign(page *url.URL) (string, string, bool) {
	q := page.Query()
	// campaign parameters in the fragment are honoured too
	if frag, err := url.ParseQuery(page.Fragment); err == nil {
		for k, v := range frag {
			if _, set := q[k]; !set {
				q[k] = v
			}
		}
	}

	name := firstParam(q, CampaignNameParams)
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), strings.ToLower(firstParam(q, CampaignKeywordParams)), true
}

func search(host string, q url.Values) (string, string, bool) {
	labels := strings.Split(strings.TrimPrefix(host, "www."), ".")
	for _, label := range labels {
		engine, ok := searchEngines[label]
		if !ok {
			continue
		}
		return engine.name, strings.ToLower(firstParam(q, engine.params)), true
	}
	return "", "", false
}

func firstParam(q url.Values, names []string) string {
	for _, name := range names {
		if v := strings.TrimSpace(q.Get(name)); v != "" {
			return v
		}
	}
	return ""
}
