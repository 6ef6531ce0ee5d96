package cve

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// VulnerablePackage is an installed package with matched CVEs.
type VulnerablePackage struct {
	Name    string
	Version string
	CVEs    []Record
	// RecommendedVersion is the highest known fixed version.
	RecommendedVersion string
}

// MaxSeverity returns the highest severity among the matched CVEs.
func (v *VulnerablePackage) MaxSeverity() Severity {
	max := SeverityUnknown
	for _, cve := range v.CVEs {
		if cve.Severity.rank() > max.rank() {
			max = cve.Severity
		}
	}
	return max
}

// MaxCVSS returns the highest CVSS score among the matched CVEs.
func (v *VulnerablePackage) MaxCVSS() float64 {
	var max float64
	for _, cve := range v.CVEs {
		if cve.CVSSScore > max {
			max = cve.CVSSScore
		}
	}
	return max
}

// HasPatchAvailable reports whether any matched CVE links a patch.
func (v *VulnerablePackage) HasPatchAvailable() bool {
	for _, cve := range v.CVEs {
		if cve.HasPatchReference() {
			return true
		}
	}
	return false
}

// Matcher decides which CVE records actually affect an installed
// package version.
type Matcher struct {
	aliases map[string][]string
}

// NewMatcher creates a matcher with the stock package name aliases.
func NewMatcher() *Matcher {
	return &Matcher{
		aliases: map[string][]string{
			"openssl": {"OpenSSL", "openssl-src"},
			"curl":    {"cURL", "libcurl"},
			"zlib":    {"zlib1g", "zlib-ng"},
			"glibc":   {"libc", "GNU C Library"},
			"linux":   {"Linux Kernel", "linux-kernel"},
		},
	}
}

// Aliases returns the known name variants for a package, starting
// with the package itself.
func (m *Matcher) Aliases(packageName string) []string {
	result := []string{packageName}
	return append(result, m.aliases[packageName]...)
}

// AddAlias registers an extra name variant for a package.
func (m *Matcher) AddAlias(packageName, alias string) {
	m.aliases[packageName] = append(m.aliases[packageName], alias)
}

// Match filters CVE records down to those affecting the installed
// version, tracking the highest fixed version as the recommended
// upgrade target.
func (m *Matcher) Match(packageName, version string, cves []Record) *VulnerablePackage {
	result := &VulnerablePackage{Name: packageName, Version: version}

	for _, cve := range cves {
		if !m.affectsVersion(&cve, version) {
			continue
		}
		result.CVEs = append(result.CVEs, cve)

		if cve.FixedVersion != "" {
			if result.RecommendedVersion == "" ||
				versionGreater(cve.FixedVersion, result.RecommendedVersion) {
				result.RecommendedVersion = cve.FixedVersion
			}
		}
	}

	return result
}

// affectsVersion reports whether a CVE applies to a version. Records
// with no version data at all are skipped, they are not actionable
// and mostly add noise.
func (m *Matcher) affectsVersion(cve *Record, version string) bool {
	if len(cve.AffectedVersions) == 0 && cve.FixedVersion == "" {
		return false
	}

	for _, r := range cve.AffectedVersions {
		if !versionInRange(version, &r) {
			continue
		}
		if cve.FixedVersion != "" && versionGreaterOrEqual(version, cve.FixedVersion) {
			return false
		}
		return true
	}

	if cve.FixedVersion != "" && !versionGreaterOrEqual(version, cve.FixedVersion) {
		return true
	}

	return false
}

// versionInRange checks a version against one affected range. Start
// is inclusive, end exclusive.
func versionInRange(version string, r *VersionRange) bool {
	for _, exact := range r.Exact {
		if exact == version {
			return true
		}
	}

	if r.Start != "" && !versionGreaterOrEqual(version, r.Start) {
		return false
	}
	if r.End != "" && versionGreaterOrEqual(version, r.End) {
		return false
	}
	return true
}

// Version comparisons are semver where both sides parse, with a
// string comparison fallback for distro-style versions.
func versionGreater(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.GreaterThan(vb)
	}
	return strings.Compare(a, b) > 0
}

func versionGreaterOrEqual(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return !va.LessThan(vb)
	}
	return strings.Compare(a, b) >= 0
}
