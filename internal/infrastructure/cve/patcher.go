package cve

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rookery-os/rookpkg/internal/domain/spec"
	"github.com/rookery-os/rookpkg/internal/infrastructure/download"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"
)

// PatchInfo is one downloadable security patch.
type PatchInfo struct {
	CVEID       string
	URL         string
	Filename    string
	SHA256      string
	Description string
}

// patchSource is a URL template for a package's upstream patches,
// with a {commit} placeholder.
type patchSource struct {
	urlPattern string
	name       string
}

// PatchFetcher locates and downloads security patches referenced by
// CVE records.
type PatchFetcher struct {
	client  *http.Client
	sources map[string][]patchSource
	logger  logger.Logger
}

// NewPatchFetcher creates a fetcher with the stock upstream sources.
func NewPatchFetcher(logger logger.Logger) *PatchFetcher {
	return &PatchFetcher{
		client: &http.Client{Timeout: 60 * time.Second},
		sources: map[string][]patchSource{
			"openssl": {{
				urlPattern: "https://github.com/openssl/openssl/commit/{commit}.patch",
				name:       "OpenSSL GitHub",
			}},
			"linux": {{
				urlPattern: "https://git.kernel.org/pub/scm/linux/kernel/git/stable/linux.git/patch/?id={commit}",
				name:       "Linux Kernel Git",
			}},
			"curl": {{
				urlPattern: "https://github.com/curl/curl/commit/{commit}.patch",
				name:       "curl GitHub",
			}},
		},
		logger: logger,
	}
}

// FindPatches collects candidate patches for a vulnerable package
// from CVE references and known upstream sources, deduplicated by URL.
func (f *PatchFetcher) FindPatches(vuln *VulnerablePackage) []PatchInfo {
	var patches []PatchInfo

	for _, cve := range vuln.CVEs {
		for _, ref := range cve.References {
			if ref.Type != ReferencePatch {
				continue
			}
			if patch := patchFromURL(ref.URL, cve.ID); patch != nil {
				patches = append(patches, *patch)
			}
		}

		for _, source := range f.sources[vuln.Name] {
			if patch := f.trySource(&source, &cve); patch != nil {
				patches = append(patches, *patch)
			}
		}
	}

	seen := make(map[string]bool)
	unique := patches[:0]
	for _, patch := range patches {
		if !seen[patch.URL] {
			seen[patch.URL] = true
			unique = append(unique, patch)
		}
	}

	return unique
}

// patchFromURL builds a PatchInfo when the URL looks like an actual
// patch or commit, nil otherwise.
func patchFromURL(url, cveID string) *PatchInfo {
	isPatch := strings.HasSuffix(url, ".patch") ||
		strings.HasSuffix(url, ".diff") ||
		strings.Contains(url, "/commit/") ||
		strings.Contains(url, "/patch/")
	if !isPatch {
		return nil
	}

	filename := url
	if idx := strings.LastIndex(filename, "/"); idx >= 0 {
		filename = filename[idx+1:]
	}
	if filename == "" {
		filename = "patch"
	}
	filename = strings.NewReplacer("?", "_", "&", "_", "=", "_").Replace(filename)
	if !strings.HasSuffix(filename, ".patch") && !strings.HasSuffix(filename, ".diff") {
		filename = fmt.Sprintf("%s-%s.patch", cveID, filename)
	}

	return &PatchInfo{
		CVEID:       cveID,
		URL:         url,
		Filename:    filename,
		Description: fmt.Sprintf("Security fix for %s", cveID),
	}
}

// trySource builds a patch URL from a known upstream template using a
// commit hash found in the CVE references, verified with a HEAD
// request.
func (f *PatchFetcher) trySource(source *patchSource, cve *Record) *PatchInfo {
	for _, ref := range cve.References {
		commit := extractCommitHash(ref.URL)
		if commit == "" {
			continue
		}

		patchURL := strings.ReplaceAll(source.urlPattern, "{commit}", commit)
		f.logger.Debug(fmt.Sprintf("Found commit %s for %s from %s, trying %s",
			commit, cve.ID, source.name, patchURL))

		resp, err := f.client.Head(patchURL)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			continue
		}

		return &PatchInfo{
			CVEID:       cve.ID,
			URL:         patchURL,
			Filename:    fmt.Sprintf("%s-%s.patch", cve.ID, commit),
			Description: fmt.Sprintf("Security fix for %s from %s", cve.ID, source.name),
		}
	}
	return nil
}

// extractCommitHash pulls a git commit hash out of forge URLs, either
// the /commit/HASH or ?id=HASH form. Hashes shorter than 7 hex
// characters are rejected.
func extractCommitHash(url string) string {
	for _, marker := range []string{"/commit/", "?id="} {
		idx := strings.Index(url, marker)
		if idx < 0 {
			continue
		}
		rest := url[idx+len(marker):]
		end := 0
		for end < len(rest) && isHexDigit(rest[end]) {
			end++
		}
		if end >= 7 {
			return rest[:end]
		}
	}
	return ""
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// DownloadPatch fetches one patch into destDir and fills in its
// checksum.
func (f *PatchFetcher) DownloadPatch(patch *PatchInfo, destDir string) (string, error) {
	f.logger.Info(fmt.Sprintf("Downloading patch: %s", patch.URL))

	req, err := http.NewRequest(http.MethodGet, patch.URL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "rookpkg/"+download.Version+" (Rookery OS Package Manager)")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download patch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("patch download failed: status %d", resp.StatusCode)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(content)
	patch.SHA256 = hex.EncodeToString(sum[:])

	destPath := filepath.Join(destDir, patch.Filename)
	if err := os.WriteFile(destPath, content, 0o644); err != nil {
		return "", err
	}
	return destPath, nil
}

// DownloadAllPatches fetches every located patch for a vulnerable
// package, skipping individual failures.
func (f *PatchFetcher) DownloadAllPatches(vuln *VulnerablePackage, destDir string) ([]PatchInfo, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}

	patches := f.FindPatches(vuln)
	downloaded := make([]PatchInfo, 0, len(patches))

	for i := range patches {
		if _, err := f.DownloadPatch(&patches[i], destDir); err != nil {
			f.logger.Warn(fmt.Sprintf("Failed to download %s: %v", patches[i].URL, err))
			continue
		}
		downloaded = append(downloaded, patches[i])
	}

	return downloaded, nil
}

// changelogAuthor marks entries written by the auto-patcher.
const changelogAuthor = "rookpkg CVE auto-patcher"

// SpecUpdater rewrites .rook specs with security fixes.
type SpecUpdater struct{}

// UpdateSpec adds patches to a spec, optionally bumps the release,
// and prepends a changelog entry. It returns the updated spec text
// without writing it.
func (SpecUpdater) UpdateSpec(specPath string, patches []PatchInfo, bumpRelease bool) ([]byte, error) {
	pkgSpec, err := spec.Load(specPath)
	if err != nil {
		return nil, err
	}

	if bumpRelease {
		pkgSpec.Package.Release++
	}

	if pkgSpec.Patches == nil {
		pkgSpec.Patches = make(map[string]spec.Patch)
	}
	for i, patch := range patches {
		key := fmt.Sprintf("patch%d", len(pkgSpec.Patches)+i)
		pkgSpec.Patches[key] = spec.Patch{
			File:        patch.Filename,
			URL:         patch.URL,
			SHA256:      patch.SHA256,
			Description: patch.Description,
		}
	}

	changes := []string{"Security update"}
	for _, patch := range patches {
		changes = append(changes, fmt.Sprintf("Fix %s", patch.CVEID))
	}
	prependChangelog(pkgSpec, pkgSpec.Package.Version, changes)

	return pkgSpec.Marshal()
}

// UpdateVersion rewrites a spec for a new upstream version: version
// bump, release reset to 1, new primary source, changelog entry.
func (SpecUpdater) UpdateVersion(specPath, newVersion, newSourceURL, newSHA256 string) ([]byte, error) {
	pkgSpec, err := spec.Load(specPath)
	if err != nil {
		return nil, err
	}

	pkgSpec.Package.Version = newVersion
	pkgSpec.Package.Release = 1

	if pkgSpec.Sources == nil {
		pkgSpec.Sources = make(map[string]spec.Source)
	}
	source := pkgSpec.Sources["source0"]
	source.URL = newSourceURL
	source.SHA256 = newSHA256
	pkgSpec.Sources["source0"] = source

	prependChangelog(pkgSpec, newVersion, []string{
		fmt.Sprintf("Updated to version %s", newVersion),
		"Security update",
	})

	return pkgSpec.Marshal()
}

func prependChangelog(pkgSpec *spec.Spec, version string, changes []string) {
	entry := spec.ChangelogEntry{
		Date:    time.Now().UTC().Format("2006-01-02"),
		Version: version,
		Author:  changelogAuthor,
		Changes: changes,
	}
	pkgSpec.Changelog = append([]spec.ChangelogEntry{entry}, pkgSpec.Changelog...)
}

// BackupSpec copies the spec aside before rewriting it.
func (SpecUpdater) BackupSpec(specPath string) (string, error) {
	backupPath := specPath + ".bak"
	data, err := os.ReadFile(specPath)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return "", err
	}
	return backupPath, nil
}

// WriteSpec writes updated spec content back to disk.
func (SpecUpdater) WriteSpec(specPath string, content []byte) error {
	return os.WriteFile(specPath, content, 0o644)
}
