package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/karloscodes/cartridge/cache"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tracklog/internal/store"
)

// Well-known keys
const (
	KeyExcludedIPs = "excluded_ips"
	// KeyExcludedQueryParams lists query parameters stripped from every tracked URL.
	KeyExcludedQueryParams = "excluded_query_params"
	// KeyLastLogPurge stores the unix time of the last raw log purge.
	KeyLastLogPurge = "lastPurge_log_data"
)

// Setting represents a persisted option
type Setting struct {
	ID        uint      `gorm:"primaryKey"`
	Key       string    `gorm:"uniqueIndex;not null;size:191"`
	Value     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:milli"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:milli"`
}

// Store reads and writes options. Excluded IPs are served from a short-lived cache.
type Store struct {
	db       *gorm.DB
	logger   *slog.Logger
	excluded *cache.Cache[string, []string]
}

// NewStore returns an option store bound to conn.
func NewStore(conn store.Connector, logger *slog.Logger) *Store {
	s := &Store{
		db:     conn.GetConnection(),
		logger: logger,
	}
	s.loadCache()
	return s
}

// SetupDefaults inserts the default options unless they already exist.
func (s *Store) SetupDefaults(ctx context.Context) error {
	defaults := []Setting{
		{Key: KeyExcludedIPs, Value: ""},
		{Key: KeyExcludedQueryParams, Value: ""},
	}
	return sqlite.PerformWrite(s.logger, s.db.WithContext(ctx), func(tx *gorm.DB) error {
		for _, setting := range defaults {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoNothing: true,
			}).Create(&Setting{Key: setting.Key, Value: setting.Value}).Error
			if err != nil {
				s.logger.Error("Failed to insert default setting", slog.String("key", setting.Key), slog.Any("error", err))
				return fmt.Errorf("failed to insert setting %s: %w", setting.Key, err)
			}
		}
		return nil
	})
}

// Get returns the value stored under key. Missing keys report gorm.ErrRecordNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var setting Setting
	if err := s.db.WithContext(ctx).Where("key = ?", key).First(&setting).Error; err != nil {
		return "", err
	}
	return setting.Value, nil
}

// Lookup is Get with the not-found case folded into ok.
func (s *Store) Lookup(ctx context.Context, key string) (string, bool, error) {
	value, err := s.Get(ctx, key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set creates or replaces the value stored under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	err := sqlite.PerformWrite(s.logger, s.db.WithContext(ctx), func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&Setting{Key: key, Value: value}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}

	if key == KeyExcludedIPs {
		s.excluded.Clear()
		s.loadCache()
	}
	return nil
}

// GetTime reads a unix timestamp option. ok is false when unset or unparsable.
func (s *Store) GetTime(ctx context.Context, key string) (time.Time, bool, error) {
	value, ok, err := s.Lookup(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.Unix(ts, 0).UTC(), true, nil
}

// SetTime stores t as a unix timestamp option.
func (s *Store) SetTime(ctx context.Context, key string, t time.Time) error {
	return s.Set(ctx, key, strconv.FormatInt(t.Unix(), 10))
}

// ExcludedIPs returns the globally excluded IP patterns.
func (s *Store) ExcludedIPs() ([]string, error) {
	ips, err := s.excluded.Get(KeyExcludedIPs)
	if err != nil {
		return nil, fmt.Errorf("failed to load excluded IPs: %w", err)
	}
	return ips, nil
}

// ExcludedQueryParams returns the globally excluded URL query parameters.
func (s *Store) ExcludedQueryParams(ctx context.Context) ([]string, error) {
	value, _, err := s.Lookup(ctx, KeyExcludedQueryParams)
	if err != nil {
		return nil, err
	}
	return SplitList(value), nil
}

// IsIPExcluded checks ip against the global exclusion list.
func (s *Store) IsIPExcluded(ip string) (bool, error) {
	patterns, err := s.ExcludedIPs()
	if err != nil {
		return false, err
	}
	return ContainsIP(patterns, ip), nil
}

func (s *Store) loadCache() {
	fetchFunc := func(key string) ([]string, error) {
		var value string
		err := s.db.WithContext(context.Background()).Raw("SELECT value FROM settings WHERE key = ? LIMIT 1", key).Scan(&value).Error
		if err != nil {
			return nil, err
		}
		return SplitList(value), nil
	}
	s.excluded = cache.NewCache[string, []string](s.logger, 5*time.Minute, fetchFunc)
}

// SplitList parses a comma separated option value, dropping blanks.
func SplitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ContainsIP reports whether ip matches any pattern. Patterns are exact
// addresses, CIDR ranges (10.0.0.0/8) or trailing wildcards (192.168.1.*).
func ContainsIP(patterns []string, ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		switch {
		case pattern == "":
			continue
		case strings.Contains(pattern, "/"):
			prefix, err := netip.ParsePrefix(pattern)
			if err == nil && prefix.Contains(addr) {
				return true
			}
		case strings.Contains(pattern, "*"):
			if prefix, ok := wildcardPrefix(pattern); ok && prefix.Contains(addr) {
				return true
			}
		default:
			other, err := netip.ParseAddr(pattern)
			if err == nil && other.Unmap() == addr {
				return true
			}
		}
	}
	return false
}

// wildcardPrefix turns "192.168.*.*" into 192.168.0.0/16.
func wildcardPrefix(pattern string) (netip.Prefix, bool) {
	parts := strings.Split(pattern, ".")
	if len(parts) != 4 {
		return netip.Prefix{}, false
	}
	bits := 0
	octets := make([]string, 4)
	wild := false
	for i, p := range parts {
		if p == "*" {
			wild = true
			octets[i] = "0"
			continue
		}
		if wild {
			return netip.Prefix{}, false
		}
		octets[i] = p
		bits += 8
	}
	addr, err := netip.ParseAddr(strings.Join(octets, "."))
	if err != nil {
		return netip.Prefix{}, false
	}
	return netip.PrefixFrom(addr, bits), true
}
