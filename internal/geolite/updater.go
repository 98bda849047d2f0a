package geolite

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const (
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"
	countryEdition     = "GeoLite2-Country"
	userAgent          = "relaypool-geolite-updater/1.0"
)

// ErrNoAPIKey indicates that the GeoLite license key has not been configured.
var ErrNoAPIKey = errors.New("geolite: license key is not configured")

// Downloader fetches the GeoLite2-Country database from MaxMind into Path.
type Downloader struct {
	LicenseKey string
	Path       string
	BaseURL    string
	Client     *http.Client

	group singleflight.Group
}

// EnsureCountryDB downloads the database unless Path already exists. It
// returns true when a download happened.
func (d *Downloader) EnsureCountryDB(ctx context.Context) (bool, error) {
	if _, err := os.Stat(d.Path); err == nil {
		return false, nil
	}
	if err := d.Download(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Download replaces Path with a fresh copy. Concurrent calls share one download.
func (d *Downloader) Download(ctx context.Context) error {
	_, err, _ := d.group.Do("country", func() (any, error) {
		key := strings.TrimSpace(d.LicenseKey)
		if key == "" {
			return nil, ErrNoAPIKey
		}
		if err := d.download(ctx, key); err != nil {
			return nil, err
		}
		log.Info("GeoLite country database updated", "path", d.Path)
		return nil, nil
	})
	return err
}

func (d *Downloader) download(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.downloadURL(key), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", countryEdition, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", countryEdition, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gzipReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: open gzip: %w", countryEdition, err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	want := countryEdition + ".mmdb"
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: read tar: %w", countryEdition, err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != want {
			continue
		}
		if err := writeToFile(d.Path, tarReader); err != nil {
			return fmt.Errorf("%s: write file: %w", countryEdition, err)
		}
		return nil
	}

	return fmt.Errorf("%s: mmdb file not found in archive", countryEdition)
}

// writeToFile swaps the file in atomically so readers never see a partial database.
func writeToFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	return os.Rename(tmpFile.Name(), destPath)
}

func (d *Downloader) downloadURL(key string) string {
	base := d.BaseURL
	if base == "" {
		base = maxMindDownloadURL
	}
	query := url.Values{}
	query.Set("edition_id", countryEdition)
	query.Set("license_key", key)
	query.Set("suffix", "tar.gz")
	return base + "?" + query.Encode()
}
