package cve

import (
	"fmt"
	"path/filepath"

	"github.com/rookery-os/rookpkg/internal/pkg/config"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"
)

// AuditResult summarizes a vulnerability scan.
type AuditResult struct {
	Vulnerable []VulnerablePackage
	Secure     []string
	// Unknown lists packages that could not be checked.
	Unknown []string

	TotalCVEs     int
	CriticalCount int
	HighCount     int
	MediumCount   int
	LowCount      int
}

// HasVulnerabilities reports whether any package matched a CVE.
func (r *AuditResult) HasVulnerabilities() bool {
	return len(r.Vulnerable) > 0
}

// HasSevereVulnerabilities reports whether anything critical or high
// was found.
func (r *AuditResult) HasSevereVulnerabilities() bool {
	return r.CriticalCount > 0 || r.HighCount > 0
}

// Auditor coordinates CVE database queries, matching, and patching.
type Auditor struct {
	nvd     *NVDClient
	osv     *OSVClient
	matcher *Matcher
	patcher *PatchFetcher
	cache   map[string][]Record
	logger  logger.Logger
}

// NewAuditor creates an auditor caching CVE data under the configured
// cache directory.
func NewAuditor(cfg *config.Config, logger logger.Logger) (*Auditor, error) {
	cacheDir := filepath.Join(cfg.Paths.CacheDir, "cve")

	nvd, err := NewNVDClient(cacheDir, logger)
	if err != nil {
		return nil, err
	}
	osv, err := NewOSVClient(cacheDir, logger)
	if err != nil {
		return nil, err
	}

	return &Auditor{
		nvd:     nvd,
		osv:     osv,
		matcher: NewMatcher(),
		patcher: NewPatchFetcher(logger),
		cache:   make(map[string][]Record),
		logger:  logger,
	}, nil
}

// QueryPackage returns the merged CVEs for one package version from
// OSV and NVD, deduplicated by identifier. Either source failing is
// tolerated as long as the other answers.
func (a *Auditor) QueryPackage(name, version string) ([]Record, error) {
	cacheKey := name + ":" + version
	if cached, ok := a.cache[cacheKey]; ok {
		return cached, nil
	}

	var cves []Record
	seen := make(map[string]bool)

	osvRecords, osvErr := a.osv.Query(name, version)
	if osvErr != nil {
		a.logger.Debug(fmt.Sprintf("OSV query failed for %s: %v", name, osvErr))
	}
	for _, record := range osvRecords {
		seen[record.ID] = true
		cves = append(cves, record)
	}

	nvdRecords, nvdErr := a.nvd.Query(name, version)
	if nvdErr != nil {
		a.logger.Debug(fmt.Sprintf("NVD query failed for %s: %v", name, nvdErr))
	}
	for _, record := range nvdRecords {
		if !seen[record.ID] {
			seen[record.ID] = true
			cves = append(cves, record)
		}
	}

	if osvErr != nil && nvdErr != nil {
		return nil, fmt.Errorf("all CVE databases failed for %s: %w", name, osvErr)
	}

	a.cache[cacheKey] = cves
	return cves, nil
}

// InstalledPackage names one package version to audit.
type InstalledPackage struct {
	Name    string
	Version string
}

// Audit scans a set of installed packages against the CVE databases.
func (a *Auditor) Audit(packages []InstalledPackage) *AuditResult {
	result := &AuditResult{}

	for _, pkg := range packages {
		cves, err := a.QueryPackage(pkg.Name, pkg.Version)
		if err != nil {
			a.logger.Warn(fmt.Sprintf("Could not check %s: %v", pkg.Name, err))
			result.Unknown = append(result.Unknown, pkg.Name)
			continue
		}

		vuln := a.matcher.Match(pkg.Name, pkg.Version, cves)
		if len(vuln.CVEs) == 0 {
			result.Secure = append(result.Secure, pkg.Name)
			continue
		}

		for _, cve := range vuln.CVEs {
			result.TotalCVEs++
			switch cve.Severity {
			case SeverityCritical:
				result.CriticalCount++
			case SeverityHigh:
				result.HighCount++
			case SeverityMedium:
				result.MediumCount++
			case SeverityLow:
				result.LowCount++
			}
		}
		result.Vulnerable = append(result.Vulnerable, *vuln)
	}

	return result
}

// GetCVE looks up one CVE by identifier, trying OSV first.
func (a *Auditor) GetCVE(cveID string) (*Record, error) {
	if record, err := a.osv.GetCVE(cveID); err == nil && record != nil {
		return record, nil
	}
	return a.nvd.GetCVE(cveID)
}

// ClearCache drops all cached CVE data, on disk and in memory.
func (a *Auditor) ClearCache() error {
	if err := a.osv.ClearCache(); err != nil {
		return err
	}
	if err := a.nvd.ClearCache(); err != nil {
		return err
	}
	a.cache = make(map[string][]Record)
	return nil
}

// Patcher exposes the patch fetcher for CLI use.
func (a *Auditor) Patcher() *PatchFetcher {
	return a.patcher
}
