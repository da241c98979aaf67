package jobs

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tracklog/internal/period"
	"tracklog/internal/pkg/geoip"
	"tracklog/internal/settings"
)

const (
	// GeoLite database is updated weekly by MaxMind
	GeoLiteUpdateInterval = 7 * 24 * time.Hour
	// MaxMind download URL template
	MaxMindDownloadURL = "https://download.maxmind.com/app/geoip_download?edition_id=GeoLite2-City&license_key=%s&suffix=tar.gz"
	// KeyGeoLiteLastUpdate stores the unix time of the last successful download.
	KeyGeoLiteLastUpdate = "geolite_last_update"
)

// GeoLiteUpdaterJob keeps the City database used for visit locations fresh
// and reloads the resolver after each download.
type GeoLiteUpdaterJob struct {
	licenseKey string
	path       string
	resolver   *geoip.Resolver
	settings   *settings.Store
	clock      period.TimeProvider
	logger     *slog.Logger

	client      *http.Client
	downloadURL string
}

// NewGeoLiteUpdaterJob creates a new GeoLite updater job
func NewGeoLiteUpdaterJob(licenseKey, path string, resolver *geoip.Resolver, st *settings.Store, clock period.TimeProvider, logger *slog.Logger) *GeoLiteUpdaterJob {
	if path == "" {
		path = filepath.Join("storage", "GeoLite2-City.mmdb")
	}
	if clock == nil {
		clock = &period.DefaultTimeProvider{}
	}
	return &GeoLiteUpdaterJob{
		licenseKey:  licenseKey,
		path:        path,
		resolver:    resolver,
		settings:    st,
		clock:       clock,
		logger:      logger,
		client:      &http.Client{Timeout: 5 * time.Minute},
		downloadURL: MaxMindDownloadURL,
	}
}

// WithDownloadURL points the job at another server. url may hold one %s for the key.
func (j *GeoLiteUpdaterJob) WithDownloadURL(url string, client *http.Client) *GeoLiteUpdaterJob {
	j.downloadURL = url
	if client != nil {
		j.client = client
	}
	return j
}

func (j *GeoLiteUpdaterJob) Name() string { return "geolite_updater" }

// Interval is how often the job checks; downloads still happen weekly.
func (j *GeoLiteUpdaterJob) Interval() time.Duration { return 24 * time.Hour }

// Run executes the GeoLite update job
func (j *GeoLiteUpdaterJob) Run(ctx context.Context) error {
	if j.licenseKey == "" {
		j.logger.Debug("GeoLite license key not configured, skipping update")
		return nil
	}

	now := j.clock.Now(time.UTC)
	lastUpdate, ok, err := j.settings.GetTime(ctx, KeyGeoLiteLastUpdate)
	if err != nil {
		return err
	}
	if ok && now.Sub(lastUpdate) < GeoLiteUpdateInterval {
		j.logger.Debug("GeoLite database is up to date",
			slog.Time("last_update", lastUpdate),
			slog.Duration("age", now.Sub(lastUpdate)))
		return nil
	}

	j.logger.Info("Starting GeoLite database update", slog.Time("last_update", lastUpdate))

	if err := j.downloadAndUpdate(ctx); err != nil {
		j.logger.Error("Failed to update GeoLite database", slog.Any("error", err))
		return err
	}

	// New visits resolve against the fresh file right away
	j.resolver.Reload()

	if err := j.settings.SetTime(ctx, KeyGeoLiteLastUpdate, now); err != nil {
		j.logger.Error("Failed to update last update time", slog.Any("error", err))
	}

	j.logger.Info("GeoLite database updated successfully", slog.String("path", j.path))
	return nil
}

func (j *GeoLiteUpdaterJob) downloadAndUpdate(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	url := j.downloadURL
	if strings.Contains(url, "%s") {
		url = fmt.Sprintf(url, j.licenseKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download GeoLite database: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	tempFile, err := os.CreateTemp("", "geolite-*.tar.gz")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tempFile.Name())
	defer tempFile.Close()

	if _, err := io.Copy(tempFile, resp.Body); err != nil {
		return fmt.Errorf("failed to save download: %w", err)
	}
	if _, err := tempFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}

	return extractMMDB(tempFile, j.path)
}

// extractMMDB writes the first .mmdb entry of the tar.gz to destPath through
// a temp file, so a reader never sees a half-written database.
func extractMMDB(r io.Reader, destPath string) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}
		if !strings.HasSuffix(header.Name, ".mmdb") {
			continue
		}

		partial := destPath + ".partial"
		outFile, err := os.Create(partial)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		if _, err := io.Copy(outFile, tr); err != nil {
			outFile.Close()
			os.Remove(partial)
			return fmt.Errorf("failed to extract file: %w", err)
		}
		if err := outFile.Close(); err != nil {
			os.Remove(partial)
			return fmt.Errorf("failed to close output file: %w", err)
		}
		return os.Rename(partial, destPath)
	}

	return fmt.Errorf("no .mmdb file found in archive")
}
