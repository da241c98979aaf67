package archive

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"tracklog/internal/config"
	"tracklog/internal/period"
	"tracklog/internal/settings"
)

// VisitsSummaryPlugin owns nb_visits and nb_visits_converted.
const VisitsSummaryPlugin = "VisitsSummary"

const minPurgeInterval = 6 * time.Hour

// Segment is a visitor segment definition; the zero value is all visits.
type Segment struct {
	Definition string
}

// Hash is the md5 of the definition, empty for all visits.
func (s Segment) Hash() string {
	if s.Definition == "" {
		return ""
	}
	sum := md5.Sum([]byte(s.Definition))
	return hex.EncodeToString(sum[:])
}

// DoneFlagFor is the done record name of an archive for plugin. An empty
// plugin names the archive holding every plugin's records.
func DoneFlagFor(segment Segment, plugin string) string {
	flag := "done" + segment.Hash()
	if plugin != "" {
		flag += "." + plugin
	}
	return flag
}

// DoneFlags lists the done names that satisfy a request for plugins: each
// plugin's own flag and the all-plugins flag.
func DoneFlags(plugins []string, segment Segment) []string {
	seen := make(map[string]bool)
	var flags []string
	add := func(flag string) {
		if !seen[flag] {
			seen[flag] = true
			flags = append(flags, flag)
		}
	}
	for _, plugin := range plugins {
		add(DoneFlagFor(segment, ""))
		add(DoneFlagFor(segment, plugin))
	}
	return flags
}

// RulesConfig holds the archive retention settings.
type RulesConfig struct {
	// TodayArchiveTTL is how long an archive covering today stays valid.
	TodayArchiveTTL time.Duration
	// BrowserTriggering allows reports to be archived on demand.
	BrowserTriggering bool
}

// NewRulesConfig reads the archiving settings from the application config.
func NewRulesConfig(c *config.Config) RulesConfig {
	return RulesConfig{
		TodayArchiveTTL:   time.Duration(c.Archiving.TodayArchiveTimeToLive) * time.Second,
		BrowserTriggering: c.Archiving.EnableBrowserArchivingTriggering,
	}
}

// Rules decides when temporary archives are purged.
type Rules struct {
	settings *settings.Store
	logger   *slog.Logger
	clock    period.TimeProvider
	cfg      RulesConfig
}

// NewRules returns retention rules recording their runs in st.
func NewRules(st *settings.Store, logger *slog.Logger, clock period.TimeProvider, cfg RulesConfig) *Rules {
	if clock == nil {
		clock = &period.DefaultTimeProvider{}
	}
	return &Rules{settings: st, logger: logger, clock: clock, cfg: cfg}
}

// PurgeKey is the option recording the last purge of date's month.
func PurgeKey(date time.Time) string {
	return "lastPurge_" + NumericTable(date)
}

// ShouldPurgeOutdatedArchives reports whether date's month is due for a
// purge and returns the cutoff before which temporary archives go. A due
// month has its purge time recorded, so a second call right after is a no-op.
func (r *Rules) ShouldPurgeOutdatedArchives(ctx context.Context, date time.Time) (time.Time, bool, error) {
	now := r.clock.Now(time.UTC).Truncate(time.Second)
	key := PurgeKey(date)

	last, ok, err := r.settings.GetTime(ctx, key)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	every := max(r.cfg.TodayArchiveTTL, minPurgeInterval)
	if ok && !last.Before(now.Add(-every)) {
		return time.Time{}, false, nil
	}

	if err := r.settings.SetTime(ctx, key, now); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to record %s: %w", key, err)
	}

	if r.cfg.BrowserTriggering {
		// on-demand archiving recreates what is deleted, so purge more eagerly
		return now.Add(-2 * r.cfg.TodayArchiveTTL), true, nil
	}
	return period.StartOfDay(now, time.UTC), true, nil
}
