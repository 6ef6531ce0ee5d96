// Package download fetches and caches remote source files with checksum
// verification.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rookery-os/rookpkg/internal/pkg/config"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"

	"github.com/avast/retry-go/v4"
)

// Version is stamped into the User-Agent header at build time.
var Version = "dev"

// SourceFile describes one downloadable artifact.
type SourceFile struct {
	URL      string
	SHA256   string
	Mirrors  []string
	Filename string
}

// NewSourceFile creates a source with a lowercase checksum.
func NewSourceFile(url, sha256sum string) SourceFile {
	return SourceFile{URL: url, SHA256: strings.ToLower(sha256sum)}
}

// GetFilename returns the explicit filename or the last URL path segment
// with any query string stripped.
func (s *SourceFile) GetFilename() string {
	if s.Filename != "" {
		return s.Filename
	}
	name := s.URL
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.Index(name, "?"); idx >= 0 {
		name = name[:idx]
	}
	if name == "" {
		return "download"
	}
	return name
}

// AllURLs returns the primary URL followed by mirrors.
func (s *SourceFile) AllURLs() []string {
	urls := make([]string, 0, 1+len(s.Mirrors))
	urls = append(urls, s.URL)
	urls = append(urls, s.Mirrors...)
	return urls
}

// Downloader fetches source files into a local cache.
type Downloader struct {
	client   *http.Client
	cacheDir string
	retries  int
	logger   logger.Logger
}

// NewDownloader creates a Downloader caching under <cacheDir>/sources.
func NewDownloader(cacheDir string, settings config.DownloadSettings, logger logger.Logger) (*Downloader, error) {
	sources := filepath.Join(cacheDir, "sources")
	if err := os.MkdirAll(sources, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", sources, err)
	}

	client := &http.Client{
		Timeout: time.Duration(settings.DownloadTimeoutSecs) * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: time.Duration(settings.ConnectTimeoutSecs) * time.Second,
			}).DialContext,
		},
	}

	return &Downloader{
		client:   client,
		cacheDir: sources,
		retries:  settings.Retries,
		logger:   logger,
	}, nil
}

// CacheDir returns the source cache directory.
func (d *Downloader) CacheDir() string {
	return d.cacheDir
}

// Download fetches a source file, returning the cached path. A cached
// copy with the right checksum short-circuits the network entirely.
func (d *Downloader) Download(ctx context.Context, source *SourceFile) (string, error) {
	filename := source.GetFilename()
	destPath := filepath.Join(d.cacheDir, filename)

	if _, err := os.Stat(destPath); err == nil {
		ok, err := VerifyChecksum(destPath, source.SHA256)
		if err == nil && ok {
			d.logger.Info(fmt.Sprintf("Using cached source: %s", filename))
			return destPath, nil
		}
		d.logger.Warn(fmt.Sprintf("Cached file has wrong checksum, re-downloading: %s", filename))
		_ = os.Remove(destPath)
	}

	var lastErr error
	for _, url := range source.AllURLs() {
		d.logger.Info(fmt.Sprintf("Downloading %s", url))
		if err := d.downloadWithRetries(ctx, url, destPath); err != nil {
			d.logger.Warn(fmt.Sprintf("Download from %s failed: %v", url, err))
			lastErr = err
			continue
		}

		ok, err := VerifyChecksum(destPath, source.SHA256)
		if err != nil {
			lastErr = err
			continue
		}
		if !ok {
			_ = os.Remove(destPath)
			lastErr = fmt.Errorf("checksum mismatch for %s, expected %s", filename, source.SHA256)
			d.logger.Warn(lastErr.Error())
			continue
		}
		return destPath, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no URLs to try for %s", filename)
	}
	return "", fmt.Errorf("failed to download %s: %w", filename, lastErr)
}

// DownloadAll fetches sources in sequence, stopping at the first failure.
func (d *Downloader) DownloadAll(ctx context.Context, sources []SourceFile) ([]string, error) {
	paths := make([]string, 0, len(sources))
	for i := range sources {
		path, err := d.Download(ctx, &sources[i])
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (d *Downloader) downloadWithRetries(ctx context.Context, url, dest string) error {
	return retry.Do(
		func() error {
			return d.downloadSingle(ctx, url, dest)
		},
		retry.Context(ctx),
		retry.Attempts(uint(d.retries)+1),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Info(fmt.Sprintf("Retry attempt %d of %d: %v", n+1, d.retries, err))
		}),
	)
}

// downloadSingle streams one URL into dest via a .part temp file so an
// interrupted download never leaves a partial file under the final name.
func (d *Downloader) downloadSingle(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", "rookpkg/"+Version)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, url)
	}

	tempPath := dest + ".part"
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file %s: %w", tempPath, err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to read from %s: %w", url, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to write %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, dest); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", tempPath, dest, err)
	}
	return nil
}

// CleanCache removes cached files older than maxAgeDays and returns the
// number removed.
func (d *Downloader) CleanCache(maxAgeDays int) (int, error) {
	entries, err := os.ReadDir(d.cacheDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read cache directory: %w", err)
	}

	maxAge := time.Duration(maxAgeDays) * 24 * time.Hour
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if time.Since(info.ModTime()) > maxAge {
			if os.Remove(filepath.Join(d.cacheDir, entry.Name())) == nil {
				d.logger.Info(fmt.Sprintf("Removed old cache file: %s", entry.Name()))
				removed++
			}
		}
	}
	return removed, nil
}

// ComputeSHA256 returns the lowercase hex sha256 of a file.
func ComputeSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum reports whether a file matches the expected sha256.
func VerifyChecksum(path, expected string) (bool, error) {
	actual, err := ComputeSHA256(path)
	if err != nil {
		return false, err
	}
	return actual == strings.ToLower(expected), nil
}

// ExtractTarball unpacks a source tarball into destDir, choosing the
// decompressor from the file extension. System tar handles the long tail
// of formats source tarballs arrive in.
func ExtractTarball(ctx context.Context, archive, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create extraction directory %s: %w", destDir, err)
	}

	var args []string
	switch {
	case strings.HasSuffix(archive, ".tar.gz"), strings.HasSuffix(archive, ".tgz"):
		args = []string{"-xzf", archive, "-C", destDir}
	case strings.HasSuffix(archive, ".tar.xz"):
		args = []string{"-xJf", archive, "-C", destDir}
	case strings.HasSuffix(archive, ".tar.bz2"):
		args = []string{"-xjf", archive, "-C", destDir}
	case strings.HasSuffix(archive, ".tar.zst"), strings.HasSuffix(archive, ".tar.zstd"):
		args = []string{"--use-compress-program=zstd", "-xf", archive, "-C", destDir}
	case strings.HasSuffix(archive, ".tar"):
		args = []string{"-xf", archive, "-C", destDir}
	default:
		return fmt.Errorf("unsupported archive format: %s", archive)
	}

	out, err := exec.CommandContext(ctx, "tar", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("tar extraction failed: %s", strings.TrimSpace(string(out)))
	}
	return nil
}
