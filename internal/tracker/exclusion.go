package tracker

import (
	"strings"

	ua "tracklog/internal/pkg/user_agent"
	"tracklog/internal/settings"
	"tracklog/internal/sites"
)

// Reasons a request is excluded.
const (
	ExcludedPrefetch     = "prefetch"
	ExcludedBot          = "bot"
	ExcludedIgnoreCookie = "ignore_cookie"
	ExcludedDoNotTrack   = "do_not_track"
	ExcludedGlobalIP     = "excluded_ip"
	ExcludedSiteIP       = "site_excluded_ip"
	ExcludedUserAgent    = "excluded_user_agent"
)

// exclusionReason returns why req must not be recorded, or "".
func (h *Handler) exclusionReason(req *Request, site sites.Site) (string, error) {
	if req.Prefetch {
		return ExcludedPrefetch, nil
	}
	if ua.IsBot(req.UserAgent) {
		return ExcludedBot, nil
	}
	if h.cfg.IgnoreCookieName != "" {
		if _, ok := req.Cookies[h.cfg.IgnoreCookieName]; ok {
			return ExcludedIgnoreCookie, nil
		}
	}
	if h.cfg.EnableDNT && req.DoNotTrack {
		return ExcludedDoNotTrack, nil
	}

	ip := req.IP.String()
	excluded, err := h.settings.IsIPExcluded(ip)
	if err != nil {
		return "", err
	}
	if excluded {
		return ExcludedGlobalIP, nil
	}
	if settings.ContainsIP(settings.SplitList(site.ExcludedIPs), ip) {
		return ExcludedSiteIP, nil
	}

	agent := strings.ToLower(req.UserAgent)
	for _, pattern := range settings.SplitList(site.ExcludedUserAgents) {
		if strings.Contains(agent, strings.ToLower(pattern)) {
			return ExcludedUserAgent, nil
		}
	}
	return "", nil
}
