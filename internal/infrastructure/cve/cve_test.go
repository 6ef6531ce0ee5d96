//go:build unit

package cve

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgTesting "github.com/rookery-os/rookpkg/internal/pkg/testing"
)

func TestSeverityFromCVSS(t *testing.T) {
	assert.Equal(t, SeverityCritical, SeverityFromCVSS(9.5))
	assert.Equal(t, SeverityHigh, SeverityFromCVSS(7.5))
	assert.Equal(t, SeverityMedium, SeverityFromCVSS(5.0))
	assert.Equal(t, SeverityLow, SeverityFromCVSS(2.0))
	assert.Equal(t, SeverityUnknown, SeverityFromCVSS(0.0))
}

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, ParseSeverity("CRITICAL"))
	assert.Equal(t, SeverityHigh, ParseSeverity("high"))
	assert.Equal(t, SeverityMedium, ParseSeverity("Moderate"))
	assert.Equal(t, SeverityLow, ParseSeverity("LOW"))
	assert.Equal(t, SeverityUnknown, ParseSeverity("bogus"))
}

func makeCVE(id, fixed string) Record {
	record := Record{
		ID:          id,
		Summary:     "Test CVE",
		Description: "Test description",
		Severity:    SeverityHigh,
		CVSSScore:   7.5,
		Source:      "test",
	}
	if fixed != "" {
		record.AffectedVersions = []VersionRange{{Start: "1.0.0", End: fixed}}
		record.FixedVersion = fixed
	}
	return record
}

func TestVersionInRange(t *testing.T) {
	r := VersionRange{Start: "1.0.0", End: "2.0.0"}

	assert.True(t, versionInRange("1.5.0", &r))
	assert.True(t, versionInRange("1.0.0", &r))
	assert.False(t, versionInRange("2.0.0", &r))
	assert.False(t, versionInRange("0.9.0", &r))

	exact := VersionRange{Exact: []string{"1.2.3"}}
	assert.True(t, versionInRange("1.2.3", &exact))
}

func TestMatcherAffectsVersion(t *testing.T) {
	matcher := NewMatcher()
	cve := makeCVE("CVE-2024-1234", "1.5.0")

	assert.True(t, matcher.affectsVersion(&cve, "1.2.0"))
	assert.False(t, matcher.affectsVersion(&cve, "1.5.0"))
	assert.False(t, matcher.affectsVersion(&cve, "2.0.0"))

	// Records with no version data are not actionable.
	bare := makeCVE("CVE-2024-5678", "")
	assert.False(t, matcher.affectsVersion(&bare, "1.0.0"))
}

func TestMatcherMatch(t *testing.T) {
	matcher := NewMatcher()
	cves := []Record{
		makeCVE("CVE-2024-0001", "1.5.0"),
		makeCVE("CVE-2024-0002", "1.3.0"),
	}

	result := matcher.Match("test", "1.2.0", cves)
	assert.Len(t, result.CVEs, 2)
	assert.Equal(t, "1.5.0", result.RecommendedVersion)

	result = matcher.Match("test", "1.4.0", cves)
	require.Len(t, result.CVEs, 1)
	assert.Equal(t, "CVE-2024-0001", result.CVEs[0].ID)

	result = matcher.Match("test", "1.5.0", cves)
	assert.Empty(t, result.CVEs)
}

func TestVulnerablePackageMaxSeverity(t *testing.T) {
	medium := makeCVE("CVE-2024-0001", "2.0.0")
	medium.Severity = SeverityMedium
	critical := makeCVE("CVE-2024-0002", "2.0.0")
	critical.Severity = SeverityCritical

	matcher := NewMatcher()
	result := matcher.Match("test", "1.0.0", []Record{medium})
	assert.Equal(t, SeverityMedium, result.MaxSeverity())

	result = matcher.Match("test", "1.0.0", []Record{medium, critical})
	assert.Equal(t, SeverityCritical, result.MaxSeverity())
	assert.True(t, result.MaxSeverity().AtLeast(SeverityHigh))
}

func TestMatcherAliases(t *testing.T) {
	matcher := NewMatcher()
	assert.Contains(t, matcher.Aliases("openssl"), "OpenSSL")

	matcher.AddAlias("bash", "GNU Bash")
	assert.Equal(t, []string{"bash", "GNU Bash"}, matcher.Aliases("bash"))
}

func TestPatchFromURL(t *testing.T) {
	patch := patchFromURL("https://github.com/foo/bar/commit/abc123.patch", "CVE-2024-0001")
	require.NotNil(t, patch)
	assert.Equal(t, "CVE-2024-0001", patch.CVEID)
	assert.True(t, strings.HasSuffix(patch.Filename, ".patch"))

	assert.Nil(t, patchFromURL("https://example.com/advisory.html", "CVE-2024-0001"))
}

func TestExtractCommitHash(t *testing.T) {
	assert.Equal(t, "abc123def4567",
		extractCommitHash("https://github.com/foo/bar/commit/abc123def4567"))
	assert.Equal(t, "deadbeef00",
		extractCommitHash("https://git.kernel.org/stable/c/patch/?id=deadbeef00"))
	assert.Empty(t, extractCommitHash("https://github.com/foo/bar/commit/abc"))
	assert.Empty(t, extractCommitHash("https://example.com/advisory"))
}

func TestFindPatchesFromReferences(t *testing.T) {
	fetcher := NewPatchFetcher(pkgTesting.SetupTestLogger(t))

	cve := makeCVE("CVE-2024-0001", "1.5.0")
	cve.References = []Reference{
		{URL: "https://github.com/foo/bar/commit/abc123def.patch", Type: ReferencePatch},
		{URL: "https://github.com/foo/bar/commit/abc123def.patch", Type: ReferencePatch},
		{URL: "https://example.com/advisory", Type: ReferenceAdvisory},
	}

	vuln := &VulnerablePackage{Name: "bar", Version: "1.2.0", CVEs: []Record{cve}}
	patches := fetcher.FindPatches(vuln)
	require.Len(t, patches, 1)
	assert.Equal(t, "abc123def.patch", patches[0].Filename)
	assert.True(t, vuln.HasPatchAvailable())
}

const testSpecContent = `[package]
name = "openssl"
version = "3.2.0"
release = 1
summary = "TLS library"
license = "Apache-2.0"
maintainer = "Rookery OS <dev@rookery-os.org>"

[sources.source0]
url = "https://example.com/openssl-3.2.0.tar.gz"
sha256 = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

[[changelog]]
date = "2026-01-01"
version = "3.2.0"
author = "test"
changes = ["Initial release"]
`

func writeTestSpec(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "openssl.rook")
	require.NoError(t, os.WriteFile(path, []byte(testSpecContent), 0o644))
	return path
}

func TestSpecUpdaterAddsPatchesAndBumpsRelease(t *testing.T) {
	specPath := writeTestSpec(t)

	patches := []PatchInfo{{
		CVEID:       "CVE-2024-0001",
		URL:         "https://example.com/fix.patch",
		Filename:    "fix.patch",
		SHA256:      "def456",
		Description: "Security fix",
	}}

	updated, err := SpecUpdater{}.UpdateSpec(specPath, patches, true)
	require.NoError(t, err)

	text := string(updated)
	assert.Contains(t, text, "release = 2")
	assert.Contains(t, text, "fix.patch")
	assert.Contains(t, text, "Fix CVE-2024-0001")
	assert.Contains(t, text, changelogAuthor)
}

func TestSpecUpdaterUpdateVersion(t *testing.T) {
	specPath := writeTestSpec(t)

	updated, err := SpecUpdater{}.UpdateVersion(specPath, "3.2.1",
		"https://example.com/openssl-3.2.1.tar.gz",
		"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)

	text := string(updated)
	assert.Contains(t, text, "version = '3.2.1'")
	assert.Contains(t, text, "release = 1")
	assert.Contains(t, text, "openssl-3.2.1.tar.gz")
	assert.Contains(t, text, "Updated to version 3.2.1")
}

func TestSpecUpdaterBackup(t *testing.T) {
	specPath := writeTestSpec(t)

	backup, err := SpecUpdater{}.BackupSpec(specPath)
	require.NoError(t, err)
	assert.FileExists(t, backup)

	original, err := os.ReadFile(specPath)
	require.NoError(t, err)
	copied, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, original, copied)
}

const nvdSampleResponse = `{
  "vulnerabilities": [{
    "cve": {
      "id": "CVE-2024-1234",
      "descriptions": [
        {"lang": "es", "value": "descripcion"},
        {"lang": "en", "value": "Buffer overflow in libfoo"}
      ],
      "metrics": {
        "cvssMetricV31": [{"cvssData": {"baseScore": 9.8}}]
      },
      "references": [
        {"url": "https://github.com/foo/libfoo/commit/abc123def.patch", "tags": ["Patch"]},
        {"url": "https://example.com/advisory", "tags": ["Vendor Advisory"]}
      ],
      "published": "2024-03-01T10:00:00.000"
    }
  }]
}`

func newNVDTestClient(t *testing.T, handler http.HandlerFunc) (*NVDClient, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewNVDClient(t.TempDir(), pkgTesting.SetupTestLogger(t))
	require.NoError(t, err)
	client.baseURL = server.URL
	return client, server
}

func TestNVDClientQueryParsesAndCaches(t *testing.T) {
	requests := 0
	client, _ := newNVDTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Contains(t, r.URL.RawQuery, "virtualMatchString")
		fmt.Fprint(w, nvdSampleResponse)
	})

	records, err := client.Query("libfoo", "1.0.0")
	require.NoError(t, err)
	require.Len(t, records, 1)

	record := records[0]
	assert.Equal(t, "CVE-2024-1234", record.ID)
	assert.Equal(t, "Buffer overflow in libfoo", record.Description)
	assert.Equal(t, SeverityCritical, record.Severity)
	assert.InDelta(t, 9.8, record.CVSSScore, 0.001)
	require.Len(t, record.References, 2)
	assert.Equal(t, ReferencePatch, record.References[0].Type)
	assert.Equal(t, ReferenceAdvisory, record.References[1].Type)
	assert.Equal(t, "NVD", record.Source)
	assert.False(t, record.Published.IsZero())

	_, err = client.Query("libfoo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 1, requests)
}

func TestNVDClientGetCVEMissing(t *testing.T) {
	client, _ := newNVDTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	record, err := client.GetCVE("CVE-2024-9999")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestNVDClientClearCache(t *testing.T) {
	client, _ := newNVDTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"vulnerabilities": []}`)
	})

	_, err := client.Query("libfoo", "1.0.0")
	require.NoError(t, err)

	entries, err := os.ReadDir(client.cacheDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	require.NoError(t, client.ClearCache())
	entries, err = os.ReadDir(client.cacheDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

const osvSampleVuln = `{
  "id": "CVE-2024-5678",
  "summary": "Use after free",
  "details": "Use after free in libbar parser",
  "severity": [{"score": "7.8"}],
  "affected": [{
    "ranges": [{"events": [{"introduced": "1.0.0"}, {"fixed": "1.4.2"}]}]
  }],
  "references": [{"url": "https://github.com/bar/libbar/commit/abcdef1234", "type": "FIX"}],
  "published": "2024-05-01T00:00:00Z"
}`

func newOSVTestClient(t *testing.T, handler http.HandlerFunc) *OSVClient {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewOSVClient(t.TempDir(), pkgTesting.SetupTestLogger(t))
	require.NoError(t, err)
	client.baseURL = server.URL
	return client
}

func TestOSVClientQueryDeduplicatesAcrossEcosystems(t *testing.T) {
	requests := 0
	client := newOSVTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/query", r.URL.Path)
		requests++
		// Every ecosystem returns the same vulnerability.
		fmt.Fprintf(w, `{"vulns": [%s]}`, osvSampleVuln)
	})

	records, err := client.Query("libbar", "1.2.0")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, len(osvEcosystems), requests)

	record := records[0]
	assert.Equal(t, "CVE-2024-5678", record.ID)
	assert.Equal(t, SeverityHigh, record.Severity)
	assert.Equal(t, "1.4.2", record.FixedVersion)
	require.Len(t, record.AffectedVersions, 1)
	assert.Equal(t, "1.0.0", record.AffectedVersions[0].Start)
	assert.Equal(t, "1.4.2", record.AffectedVersions[0].End)
	require.Len(t, record.References, 1)
	assert.Equal(t, ReferencePatch, record.References[0].Type)

	// Second query is served from cache.
	_, err = client.Query("libbar", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, len(osvEcosystems), requests)
}

func TestOSVClientGetCVE(t *testing.T) {
	client := newOSVTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/vulns/CVE-2024-5678" {
			fmt.Fprint(w, osvSampleVuln)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	record, err := client.GetCVE("CVE-2024-5678")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "OSV", record.Source)

	record, err = client.GetCVE("CVE-2024-0000")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func newTestAuditor(t *testing.T, nvd *NVDClient, osv *OSVClient) *Auditor {
	t.Helper()

	log := pkgTesting.SetupTestLogger(t)
	return &Auditor{
		nvd:     nvd,
		osv:     osv,
		matcher: NewMatcher(),
		patcher: NewPatchFetcher(log),
		cache:   make(map[string][]Record),
		logger:  log,
	}
}

func TestAuditorAudit(t *testing.T) {
	nvd, _ := newNVDTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"vulnerabilities": []}`)
	})
	osv := newOSVTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(readBody(r), `"libbar"`) {
			fmt.Fprintf(w, `{"vulns": [%s]}`, osvSampleVuln)
			return
		}
		fmt.Fprint(w, `{}`)
	})

	auditor := newTestAuditor(t, nvd, osv)

	result := auditor.Audit([]InstalledPackage{
		{Name: "libbar", Version: "1.2.0"},
		{Name: "coreutils", Version: "9.4"},
	})

	require.Len(t, result.Vulnerable, 1)
	assert.Equal(t, "libbar", result.Vulnerable[0].Name)
	assert.Equal(t, "1.4.2", result.Vulnerable[0].RecommendedVersion)
	assert.Equal(t, []string{"coreutils"}, result.Secure)
	assert.Empty(t, result.Unknown)
	assert.Equal(t, 1, result.TotalCVEs)
	assert.Equal(t, 1, result.HighCount)
	assert.True(t, result.HasVulnerabilities())
	assert.True(t, result.HasSevereVulnerabilities())
}

func TestAuditorSkipsFixedVersions(t *testing.T) {
	nvd, _ := newNVDTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"vulnerabilities": []}`)
	})
	osv := newOSVTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"vulns": [%s]}`, osvSampleVuln)
	})

	auditor := newTestAuditor(t, nvd, osv)
	result := auditor.Audit([]InstalledPackage{{Name: "libbar", Version: "1.4.2"}})

	assert.Empty(t, result.Vulnerable)
	assert.Equal(t, []string{"libbar"}, result.Secure)
	assert.False(t, result.HasVulnerabilities())
}

func readBody(r *http.Request) string {
	data, _ := io.ReadAll(r.Body)
	return string(data)
}
