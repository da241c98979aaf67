// Package geoip resolves visitor IPs to a location using a MaxMind City
// database. The database is optional: without it every lookup is empty.
package geoip

import (
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
	"github.com/pariz/gountries"
)

// UnknownCountry is the sentinel stored when no country can be resolved.
const UnknownCountry = "xx"

// Location is the result of a lookup. Empty fields are unresolved.
type Location struct {
	CountryCode string // lowercase ISO 3166-1 alpha-2
	Region      string
	City        string
	Latitude    *float64
	Longitude   *float64
	Provider    string
}

var countries = gountries.New()

// Resolver wraps a lazily opened GeoIP2/GeoLite2 City reader.
type Resolver struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	db   *geoip2.Reader
	once sync.Once
}

// NewResolver returns a resolver for the database at path. An empty path
// disables lookups.
func NewResolver(path string, logger *slog.Logger) *Resolver {
	return &Resolver{path: path, logger: logger}
}

func (r *Resolver) open() *geoip2.Reader {
	if r.path == "" {
		r.logger.Debug("GeoIP database path not configured - GeoIP features disabled")
		return nil
	}

	absPath, err := filepath.Abs(r.path)
	if err != nil {
		r.logger.Error("Failed to get absolute path for GeoDB",
			slog.String("path", r.path),
			slog.Any("error", err))
	} else {
		r.logger.Debug("GeoIP database absolute path", slog.String("abs_path", absPath))
	}

	// GeoIP is optional
	fileInfo, err := os.Stat(r.path)
	if os.IsNotExist(err) {
		r.logger.Info("GeoLite2 database not found - GeoIP features disabled",
			slog.String("path", r.path),
			slog.String("hint", "Download from https://www.maxmind.com/en/geolite2/signup"))
		return nil
	} else if err != nil {
		r.logger.Warn("Error checking GeoLite2 database file",
			slog.String("path", r.path),
			slog.Any("error", err))
		return nil
	}

	r.logger.Debug("GeoIP database file details",
		slog.String("path", r.path),
		slog.Int64("size_bytes", fileInfo.Size()),
		slog.String("mode", fileInfo.Mode().String()),
		slog.Time("mod_time", fileInfo.ModTime()))

	db, err := geoip2.Open(r.path)
	if err != nil {
		r.logger.Error("Failed to open GeoLite2 database",
			slog.String("path", r.path),
			slog.Any("error", err))
		return nil
	}

	r.logger.Info("GeoLite2 database initialized successfully",
		slog.String("path", r.path),
		slog.String("db_type", db.Metadata().DatabaseType))
	return db
}

func (r *Resolver) reader() *geoip2.Reader {
	r.once.Do(func() {
		db := r.open()
		r.mu.Lock()
		r.db = db
		r.mu.Unlock()
	})
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.db
}

// Enabled reports whether a database could be opened.
func (r *Resolver) Enabled() bool {
	return r != nil && r.reader() != nil
}

// Reload reopens the database from disk. Call after replacing the file.
func (r *Resolver) Reload() {
	r.once.Do(func() {})

	db := r.open()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db != nil {
		r.db.Close()
	}
	r.db = db
	if db != nil {
		r.logger.Info("GeoLite2 database reloaded successfully")
	}
}

// Close releases the reader.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// Lookup resolves ip. A nil resolver, a missing database or an unknown
// address all yield an empty Location.
func (r *Resolver) Lookup(ip net.IP) Location {
	if r == nil || ip == nil {
		return Location{}
	}
	db := r.reader()
	if db == nil {
		return Location{}
	}

	record, err := db.City(ip)
	if err != nil {
		r.logger.Debug("GeoIP lookup failed", slog.String("ip", ip.String()), slog.Any("error", err))
		return Location{}
	}

	loc := Location{
		CountryCode: NormalizeCountry(record.Country.IsoCode),
		City:        record.City.Names["en"],
		Provider:    "geoip2",
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].IsoCode
	}
	if record.Location.Latitude != 0 || record.Location.Longitude != 0 {
		lat, long := record.Location.Latitude, record.Location.Longitude
		loc.Latitude, loc.Longitude = &lat, &long
	}
	return loc
}

// NormalizeCountry lowercases a known ISO alpha-2 code and returns "" for
// anything gountries does not recognise.
func NormalizeCountry(code string) string {
	code = strings.TrimSpace(code)
	if len(code) != 2 {
		return ""
	}
	if _, err := countries.FindCountryByAlpha(strings.ToUpper(code)); err != nil {
		return ""
	}
	return strings.ToLower(code)
}

// CountryFromBrowserLanguage derives a country from an Accept-Language value
// such as "fr-ca,fr;q=0.8". Only region subtags are used: "fr" alone does not
// say where the visitor is.
func CountryFromBrowserLanguage(lang string) string {
	for _, part := range strings.Split(lang, ",") {
		tag := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		pieces := strings.FieldsFunc(tag, func(r rune) bool { return r == '-' || r == '_' })
		if len(pieces) < 2 {
			continue
		}
		if code := NormalizeCountry(pieces[len(pieces)-1]); code != "" {
			return code
		}
	}
	return ""
}
