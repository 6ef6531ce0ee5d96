// Package cve tracks known vulnerabilities for installed packages.
//
// It queries the NVD and OSV databases with local caching, matches
// records against installed versions, fetches upstream patches, and
// rewrites .rook specs with security fixes.
package cve

import (
	"strings"
	"time"
)

// Severity buckets a CVSS score.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL" // CVSS 9.0-10.0
	SeverityHigh     Severity = "HIGH"     // CVSS 7.0-8.9
	SeverityMedium   Severity = "MEDIUM"   // CVSS 4.0-6.9
	SeverityLow      Severity = "LOW"      // CVSS 0.1-3.9
	SeverityUnknown  Severity = "UNKNOWN"
)

// SeverityFromCVSS converts a CVSS base score into a severity bucket.
func SeverityFromCVSS(score float64) Severity {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	case score > 0.0:
		return SeverityLow
	}
	return SeverityUnknown
}

// ParseSeverity maps a severity string (OSV style) to a Severity.
func ParseSeverity(s string) Severity {
	switch strings.ToUpper(s) {
	case "CRITICAL":
		return SeverityCritical
	case "HIGH":
		return SeverityHigh
	case "MEDIUM", "MODERATE":
		return SeverityMedium
	case "LOW":
		return SeverityLow
	}
	return SeverityUnknown
}

// rank orders severities for max comparisons.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// ReferenceType classifies a CVE reference URL.
type ReferenceType string

const (
	ReferencePatch    ReferenceType = "patch"
	ReferenceAdvisory ReferenceType = "advisory"
	ReferenceVendor   ReferenceType = "vendor"
	ReferenceArticle  ReferenceType = "article"
	ReferenceOther    ReferenceType = "other"
)

// Reference is one external link attached to a CVE.
type Reference struct {
	URL  string        `json:"url"`
	Type ReferenceType `json:"type"`
}

// VersionRange describes the versions a CVE affects.
type VersionRange struct {
	// Start is the first affected version, inclusive. Empty means open.
	Start string `json:"start,omitempty"`
	// End is the first fixed version, exclusive. Empty means open.
	End string `json:"end,omitempty"`
	// Exact lists specific affected versions.
	Exact []string `json:"exact,omitempty"`
}

// Record is one CVE with everything rookpkg needs to act on it.
type Record struct {
	ID               string         `json:"id"`
	Summary          string         `json:"summary"`
	Description      string         `json:"description"`
	Severity         Severity       `json:"severity"`
	CVSSScore        float64        `json:"cvss_score,omitempty"`
	AffectedVersions []VersionRange `json:"affected_versions,omitempty"`
	FixedVersion     string         `json:"fixed_version,omitempty"`
	Published        time.Time      `json:"published,omitempty"`
	Modified         time.Time      `json:"modified,omitempty"`
	References       []Reference    `json:"references,omitempty"`
	Source           string         `json:"source"`
}

// HasPatchReference reports whether any reference points at a patch.
func (r *Record) HasPatchReference() bool {
	for _, ref := range r.References {
		if ref.Type == ReferencePatch {
			return true
		}
	}
	return false
}

// Database is a queryable vulnerability source.
type Database interface {
	// Query returns the CVEs affecting a package version.
	Query(packageName, version string) ([]Record, error)
	// GetCVE looks up one CVE by identifier. A missing CVE returns
	// (nil, nil).
	GetCVE(cveID string) (*Record, error)
	// ClearCache drops this database's local cache files.
	ClearCache() error
}
