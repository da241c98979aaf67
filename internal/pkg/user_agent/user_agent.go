// Package user_agent detects bots, browsers and operating systems from a
// User-Agent header using an embedded regex database.
package user_agent

import (
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.elara.ws/pcre"
	"gopkg.in/yaml.v3"
)

// Unknown is the code stored when a browser or OS cannot be detected.
const Unknown = "UNK"

type UserAgent struct {
	UserAgent      string
	OS             string
	OSCode         string
	OSVersion      string
	Browser        string
	BrowserCode    string
	BrowserVersion string
	Device         string
	Mobile         bool
	Tablet         bool
	Desktop        bool
	Bot            bool
}

// Embed the database files
//
//go:embed database/bots.yml
//go:embed database/oss.yml
//go:embed database/client/browsers.yml
var databaseFiles embed.FS

// ClientEntry is a browser or operating system rule.
type ClientEntry struct {
	Regex   string `yaml:"regex"`
	Name    string `yaml:"name"`
	Short   string `yaml:"short"`
	Version string `yaml:"version"`
}

// Bot entry structure
type BotEntry struct {
	Regex    string `yaml:"regex"`
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	URL      string `yaml:"url"`
	Producer struct {
		Name string `yaml:"name"`
		URL  string `yaml:"url"`
	} `yaml:"producer"`
}

// Compiled regex cache
type RegexCache struct {
	compiled map[string]*pcre.Regexp
	mutex    sync.RWMutex
}

func newRegexCache() *RegexCache {
	return &RegexCache{
		compiled: make(map[string]*pcre.Regexp),
	}
}

func (rc *RegexCache) get(pattern string) (*pcre.Regexp, error) {
	rc.mutex.RLock()
	if regex, exists := rc.compiled[pattern]; exists {
		rc.mutex.RUnlock()
		return regex, nil
	}
	rc.mutex.RUnlock()

	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	// Double-check pattern
	if regex, exists := rc.compiled[pattern]; exists {
		return regex, nil
	}

	regex, err := pcre.Compile(pattern)
	if err != nil {
		return nil, err
	}
	rc.compiled[pattern] = regex
	return regex, nil
}

// Global parser instance
var (
	parser *DeviceDetectorParser
	once   sync.Once
)

type DeviceDetectorParser struct {
	browsers   []ClientEntry
	oss        []ClientEntry
	bots       []BotEntry
	regexCache *RegexCache
}

func loadYAML(file string, out any) {
	data, err := databaseFiles.ReadFile(file)
	if err != nil {
		slog.Error("User agent database file missing", slog.String("file", file), slog.Any("error", err))
		return
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		slog.Error("User agent database file unreadable", slog.String("file", file), slog.Any("error", err))
	}
}

func getParser() *DeviceDetectorParser {
	once.Do(func() {
		parser = &DeviceDetectorParser{regexCache: newRegexCache()}
		loadYAML("database/client/browsers.yml", &parser.browsers)
		loadYAML("database/oss.yml", &parser.oss)
		loadYAML("database/bots.yml", &parser.bots)
	})
	return parser
}

func (p *DeviceDetectorParser) parseBot(userAgent string) *BotEntry {
	for i := range p.bots {
		if regex, err := p.regexCache.get(p.bots[i].Regex); err == nil {
			if regex.MatchString(userAgent) {
				return &p.bots[i]
			}
		}
	}
	return nil
}

// match returns the first entry whose regex matches, with $n placeholders in
// its version replaced by the capture groups.
func (p *DeviceDetectorParser) match(entries []ClientEntry, userAgent string) (ClientEntry, string, bool) {
	for _, entry := range entries {
		regex, err := p.regexCache.get(entry.Regex)
		if err != nil {
			continue
		}
		matches := regex.FindStringSubmatch(userAgent)
		if len(matches) == 0 {
			continue
		}
		version := ""
		if entry.Version != "" && len(matches) > 1 {
			version = entry.Version
			for i, m := range matches[1:] {
				version = strings.ReplaceAll(version, fmt.Sprintf("$%d", i+1), m)
			}
			version = strings.ReplaceAll(version, "_", ".")
		}
		return entry, version, true
	}
	return ClientEntry{}, "", false
}

func (p *DeviceDetectorParser) parseBrowser(userAgent string) (string, string, string) {
	if entry, version, ok := p.match(p.browsers, userAgent); ok {
		return entry.Name, entry.Short, version
	}
	return "Unknown", Unknown, ""
}

func (p *DeviceDetectorParser) parseOS(userAgent string) (string, string, string) {
	if entry, version, ok := p.match(p.oss, userAgent); ok {
		return entry.Name, entry.Short, version
	}
	return "Unknown", Unknown, ""
}

func parseDevice(userAgent string) (string, bool, bool, bool) {
	ua := strings.ToLower(userAgent)

	// Check for tablet indicators first (they often contain "mobile" too)
	if strings.Contains(ua, "tablet") || strings.Contains(ua, "ipad") {
		return "Tablet", false, true, false
	}

	if strings.Contains(ua, "mobile") || strings.Contains(ua, "android") ||
		strings.Contains(ua, "iphone") || strings.Contains(ua, "ipod") ||
		strings.Contains(ua, "blackberry") || strings.Contains(ua, "windows phone") {
		return "Mobile", true, false, false
	}

	return "Desktop", false, false, true
}

// IsBot reports whether userAgent matches the bot database.
func IsBot(userAgent string) bool {
	return getParser().parseBot(userAgent) != nil
}

func ParseUserAgent(userAgent string) UserAgent {
	parser := getParser()

	// Check for bots first
	if bot := parser.parseBot(userAgent); bot != nil {
		return UserAgent{
			UserAgent:   userAgent,
			OS:          "Unknown",
			OSCode:      Unknown,
			Browser:     bot.Name,
			BrowserCode: Unknown,
			Device:      "Bot",
			Bot:         true,
		}
	}

	browser, browserCode, browserVersion := parser.parseBrowser(userAgent)
	os, osCode, osVersion := parser.parseOS(userAgent)
	device, mobile, tablet, desktop := parseDevice(userAgent)

	return UserAgent{
		UserAgent:      userAgent,
		OS:             os,
		OSCode:         osCode,
		OSVersion:      osVersion,
		Browser:        browser,
		BrowserCode:    browserCode,
		BrowserVersion: browserVersion,
		Device:         device,
		Mobile:         mobile,
		Tablet:         tablet,
		Desktop:        desktop,
	}
}
