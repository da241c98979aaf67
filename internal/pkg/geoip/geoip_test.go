package geoip_test

import (
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"tracklog/internal/pkg/geoip"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestResolverWithoutDatabase(t *testing.T) {
	t.Run("empty path disables lookups", func(t *testing.T) {
		r := geoip.NewResolver("", newLogger())
		assert.False(t, r.Enabled())
		assert.Equal(t, geoip.Location{}, r.Lookup(net.ParseIP("8.8.8.8")))
	})

	t.Run("missing file disables lookups", func(t *testing.T) {
		r := geoip.NewResolver(filepath.Join(t.TempDir(), "missing.mmdb"), newLogger())
		assert.False(t, r.Enabled())
		assert.Equal(t, geoip.Location{}, r.Lookup(net.ParseIP("8.8.8.8")))
		assert.NoError(t, r.Close())
	})

	t.Run("corrupt file disables lookups", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.mmdb")
		assert.NoError(t, os.WriteFile(path, []byte("not a maxmind db"), 0o600))

		r := geoip.NewResolver(path, newLogger())
		assert.False(t, r.Enabled())
		r.Reload()
		assert.False(t, r.Enabled())
	})

	t.Run("nil resolver is safe", func(t *testing.T) {
		var r *geoip.Resolver
		assert.False(t, r.Enabled())
		assert.Equal(t, geoip.Location{}, r.Lookup(net.ParseIP("1.1.1.1")))
	})
}

func TestNormalizeCountry(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"US", "us"},
		{"fr", "fr"},
		{" DE ", "de"},
		{"ZZ", ""},
		{"USA", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, geoip.NormalizeCountry(tt.in))
		})
	}
}

func TestCountryFromBrowserLanguage(t *testing.T) {
	tests := []struct {
		lang string
		want string
	}{
		{"fr-ca,fr;q=0.8", "ca"},
		{"en-US", "us"},
		{"en_GB", "gb"},
		{"zh-Hant-TW", "tw"},
		{"fr,de;q=0.5", ""},
		{"de,en-au;q=0.7", "au"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			assert.Equal(t, tt.want, geoip.CountryFromBrowserLanguage(tt.lang))
		})
	}
}
