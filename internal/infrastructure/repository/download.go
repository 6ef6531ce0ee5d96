package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/avast/retry-go/v4"

	domain "github.com/rookery-os/rookpkg/internal/domain/signing"
	"github.com/rookery-os/rookpkg/internal/infrastructure/download"
)

// SignatureState classifies the outcome of signature verification.
type SignatureState string

// Signature verification outcomes.
const (
	SignatureVerified   SignatureState = "verified"
	SignatureUnsigned   SignatureState = "unsigned"
	SignatureUnknownKey SignatureState = "unknown-key"
	SignatureInvalid    SignatureState = "invalid"
)

// SignatureStatus is the result of verifying a package signature.
type SignatureStatus struct {
	State       SignatureState
	Fingerprint string
	Signer      string
	Trust       domain.TrustLevel
	Reason      string
}

// IsVerified reports whether the signature checked out.
func (s *SignatureStatus) IsVerified() bool {
	return s.State == SignatureVerified
}

// IsTrusted reports whether the signature is verified with at least
// marginal trust.
func (s *SignatureStatus) IsTrusted() bool {
	return s.State == SignatureVerified && s.Trust != domain.TrustUnknown
}

// Description returns a human readable summary.
func (s *SignatureStatus) Description() string {
	switch s.State {
	case SignatureVerified:
		return fmt.Sprintf("Verified by %s (trust: %s)", s.Signer, s.Trust)
	case SignatureUnsigned:
		return "Unsigned"
	case SignatureUnknownKey:
		return fmt.Sprintf("Unknown key: %s", s.Fingerprint)
	default:
		return fmt.Sprintf("INVALID: %s", s.Reason)
	}
}

// VerifiedPackage is a downloaded package with its verification result.
type VerifiedPackage struct {
	Path      string
	Package   *PackageEntry
	Signature SignatureStatus
}

// IsTrusted reports whether the package came from a trusted signer.
func (v *VerifiedPackage) IsTrusted() bool {
	return v.Signature.IsTrusted()
}

// cachePath returns the local cache location of a package.
func (m *Manager) cachePath(entry *PackageEntry) string {
	filename := filepath.Base(entry.Filename)
	if filename == "." || filename == "/" || filename == "" {
		filename = fmt.Sprintf("%s-%s-%d.rookpkg", entry.Name, entry.Version, entry.Release)
	}
	return filepath.Join(m.pkgCacheDir, filename)
}

// IsPackageCached reports whether a valid copy is already downloaded.
func (m *Manager) IsPackageCached(entry *PackageEntry) bool {
	return m.CachedPackagePath(entry) != ""
}

// CachedPackagePath returns the cached package path when present with
// a matching checksum, or an empty string.
func (m *Manager) CachedPackagePath(entry *PackageEntry) string {
	path := m.cachePath(entry)
	if ok, err := download.VerifyChecksum(path, entry.SHA256); err == nil && ok {
		return path
	}
	return ""
}

// DownloadPackage fetches a package into the cache, trying the primary
// URL first and then any enabled mirrors by priority. The download is
// checksum verified but not signature verified; secure installs go
// through DownloadAndVerify.
func (m *Manager) DownloadPackage(ctx context.Context, entry *PackageEntry, repoName string) (string, error) {
	repo := m.Repo(repoName)
	if repo == nil {
		return "", fmt.Errorf("repository not found: %s", repoName)
	}

	cachePath := m.cachePath(entry)
	if _, err := os.Stat(cachePath); err == nil {
		if ok, err := download.VerifyChecksum(cachePath, entry.SHA256); err == nil && ok {
			m.logger.Info(fmt.Sprintf("Using cached package: %s", filepath.Base(cachePath)))
			return cachePath, nil
		}
		m.logger.Warn(fmt.Sprintf("Cached package has wrong checksum, re-downloading: %s", filepath.Base(cachePath)))
		os.Remove(cachePath)
	}

	var lastErr error
	for _, url := range m.packageURLs(repo, entry) {
		m.logger.Info(fmt.Sprintf("Downloading package from: %s", url))
		if err := m.downloadFile(ctx, url, cachePath); err != nil {
			m.logger.Warn(fmt.Sprintf("Download failed from %s: %v", url, err))
			lastErr = err
			continue
		}
		ok, err := download.VerifyChecksum(cachePath, entry.SHA256)
		if err == nil && ok {
			return cachePath, nil
		}
		os.Remove(cachePath)
		if err == nil {
			err = fmt.Errorf("checksum mismatch for %s, expected %s", filepath.Base(cachePath), entry.SHA256)
		}
		m.logger.Warn(err.Error())
		lastErr = err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no URLs available for package %s", entry.Name)
	}
	return "", lastErr
}

// DownloadPackages fetches several packages sequentially. Each element
// pairs a package entry with the repository carrying it.
func (m *Manager) DownloadPackages(ctx context.Context, entries []SearchResult) ([]string, error) {
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		path, err := m.DownloadPackage(ctx, e.Package, e.Repository)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// DownloadAndVerify fetches a package and verifies its detached
// signature. Unsigned packages, unknown keys, and invalid signatures
// are all rejected.
func (m *Manager) DownloadAndVerify(ctx context.Context, entry *PackageEntry, repoName string) (*VerifiedPackage, error) {
	repo := m.Repo(repoName)
	if repo == nil {
		return nil, fmt.Errorf("repository not found: %s", repoName)
	}

	pkgPath, err := m.DownloadPackage(ctx, entry, repoName)
	if err != nil {
		return nil, err
	}

	status := m.verifySignature(ctx, repo, entry, pkgPath)

	switch status.State {
	case SignatureInvalid:
		return nil, fmt.Errorf("package signature is INVALID: %s, do not install, package may be tampered", status.Reason)
	case SignatureUnsigned:
		return nil, fmt.Errorf("package %s is unsigned, all packages must be signed with a trusted key", entry.Name)
	case SignatureUnknownKey:
		return nil, fmt.Errorf("package %s is signed with unknown key %s (trust it with: rookpkg keytrust <key.pub>)",
			entry.Name, status.Fingerprint)
	}

	return &VerifiedPackage{Path: pkgPath, Package: entry, Signature: status}, nil
}

// verifySignature downloads and checks the detached package signature.
func (m *Manager) verifySignature(ctx context.Context, repo *Repository, entry *PackageEntry, pkgPath string) SignatureStatus {
	sigPath := pkgPath + ".sig"
	sigURL := repo.PackageURL(entry) + ".sig"

	if err := m.downloadFile(ctx, sigURL, sigPath); err != nil {
		m.logger.Warn(fmt.Sprintf("No signature file found for %s: %v", filepath.Base(pkgPath), err))
		return SignatureStatus{State: SignatureUnsigned}
	}

	sigBytes, err := os.ReadFile(sigPath)
	if err != nil {
		return SignatureStatus{State: SignatureInvalid, Reason: err.Error()}
	}
	var sig domain.HybridSignature
	if err := json.Unmarshal(sigBytes, &sig); err != nil {
		return SignatureStatus{State: SignatureInvalid, Reason: fmt.Sprintf("failed to parse signature: %v", err)}
	}

	key, err := m.findSigningKey(sig.Fingerprint)
	if err != nil {
		m.logger.Warn(fmt.Sprintf("Signing key not found: %v", err))
		return SignatureStatus{State: SignatureUnknownKey, Fingerprint: sig.Fingerprint}
	}

	if err := key.VerifyFile(pkgPath, &sig); err != nil {
		m.logger.Error(fmt.Sprintf("Signature verification failed: %v", err))
		return SignatureStatus{State: SignatureInvalid, Fingerprint: sig.Fingerprint, Reason: err.Error()}
	}

	m.logger.Info(fmt.Sprintf("Package signature verified: %s", filepath.Base(pkgPath)))
	return SignatureStatus{
		State:       SignatureVerified,
		Fingerprint: sig.Fingerprint,
		Signer:      fmt.Sprintf("%s <%s>", key.Identity.Name, key.Identity.Email),
		Trust:       key.TrustLevel,
	}
}

// packageURLs lists download locations for a package: the primary
// repository URL followed by enabled mirrors sorted by priority.
func (m *Manager) packageURLs(repo *Repository, entry *PackageEntry) []string {
	urls := []string{repo.PackageURL(entry)}

	if repo.Metadata == nil {
		return urls
	}

	var mirrors []Mirror
	for _, mirror := range repo.Metadata.Mirrors {
		if mirror.Enabled {
			mirrors = append(mirrors, mirror)
		}
	}
	sort.SliceStable(mirrors, func(i, j int) bool {
		return mirrors[i].Priority < mirrors[j].Priority
	})
	for _, mirror := range mirrors {
		urls = append(urls, joinURL(mirror.URL, entry.Filename))
	}
	return urls
}

func joinURL(base, path string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + "/" + path
}

// downloadFile fetches a URL to dest with retries, writing through a
// temporary .part file.
func (m *Manager) downloadFile(ctx context.Context, url, dest string) error {
	return retry.Do(
		func() error {
			return m.downloadSingle(ctx, url, dest)
		},
		retry.Context(ctx),
		retry.Attempts(uint(m.downloadCfg.Retries)+1),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			m.logger.Info(fmt.Sprintf("Retrying download of %s (attempt %d): %v", url, attempt+1, err))
		}),
	)
}

func (m *Manager) downloadSingle(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "rookpkg/"+download.Version)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, url)
	}

	tempPath := dest + ".part"
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tempPath, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, dest); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", tempPath, err)
	}
	return nil
}

// CleanResult summarizes a package cache cleaning run.
type CleanResult struct {
	TotalFiles   int
	TotalBytes   uint64
	RemovedFiles int
	RemovedBytes uint64
}

// AnyRemoved reports whether the run removed anything.
func (c *CleanResult) AnyRemoved() bool {
	return c.RemovedFiles > 0
}

// RemovedBytesHuman formats the freed space.
func (c *CleanResult) RemovedBytesHuman() string {
	return FormatBytes(c.RemovedBytes)
}

// TotalBytesHuman formats the total cache size before cleaning.
func (c *CleanResult) TotalBytesHuman() string {
	return FormatBytes(c.TotalBytes)
}

// CleanPackageCache removes cached packages older than maxAgeDays.
func (m *Manager) CleanPackageCache(maxAgeDays int) (*CleanResult, error) {
	return m.cleanCache(func(info os.FileInfo) bool {
		return time.Since(info.ModTime()) > time.Duration(maxAgeDays)*24*time.Hour
	})
}

// CleanAllPackages removes every cached package.
func (m *Manager) CleanAllPackages() (*CleanResult, error) {
	return m.cleanCache(func(os.FileInfo) bool { return true })
}

func (m *Manager) cleanCache(shouldRemove func(os.FileInfo) bool) (*CleanResult, error) {
	result := &CleanResult{}

	entries, err := os.ReadDir(m.pkgCacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, fmt.Errorf("failed to read package cache: %w", err)
	}

	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		result.TotalFiles++
		result.TotalBytes += uint64(info.Size())

		if !shouldRemove(info) {
			continue
		}
		if err := os.Remove(filepath.Join(m.pkgCacheDir, entry.Name())); err == nil {
			m.logger.Info(fmt.Sprintf("Removed cached package: %s", entry.Name()))
			result.RemovedFiles++
			result.RemovedBytes += uint64(info.Size())
		}
	}

	return result, nil
}

// FormatBytes renders a byte count as B, KB, MB, or GB.
func FormatBytes(bytes uint64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.2f GB", float64(bytes)/gb)
	case bytes >= mb:
		return fmt.Sprintf("%.2f MB", float64(bytes)/mb)
	case bytes >= kb:
		return fmt.Sprintf("%.2f KB", float64(bytes)/kb)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
