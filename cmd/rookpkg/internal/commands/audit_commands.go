package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rookery-os/rookpkg/internal/domain/pkgs"
	"github.com/rookery-os/rookpkg/internal/domain/spec"
	"github.com/rookery-os/rookpkg/internal/infrastructure/cve"
	"github.com/rookery-os/rookpkg/internal/infrastructure/download"
	"github.com/rookery-os/rookpkg/internal/infrastructure/persistence"
	"github.com/spf13/cobra"
)

// AuditCommandHandler scans installed packages against CVE databases.
type AuditCommandHandler struct{}

// NewAuditCommandHandler creates a new AuditCommandHandler.
func NewAuditCommandHandler() *AuditCommandHandler {
	return &AuditCommandHandler{}
}

// AuditCmd audits installed packages for known vulnerabilities.
func (h *AuditCommandHandler) AuditCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	fix, _ := cmd.Flags().GetBool("fix")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	cveLookup, _ := cmd.Flags().GetString("cve")
	clearCache, _ := cmd.Flags().GetBool("clear-cache")

	auditor, err := cve.NewAuditor(app.cfg, app.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize CVE auditor: %w", err)
	}

	if clearCache {
		app.println("Clearing CVE database cache...")
		if err := auditor.ClearCache(); err != nil {
			return err
		}
		app.println("v Cache cleared.")
		app.println("")
	}

	if cveLookup != "" {
		return h.lookupCVE(app, auditor, cveLookup, jsonOutput)
	}

	db, err := app.openDatabase()
	if err != nil {
		return err
	}
	defer app.closeDatabase(db)

	packageRepo, err := persistence.NewGormPackageRepository(db, app.logger)
	if err != nil {
		return err
	}

	var installed []cve.InstalledPackage
	if len(args) > 0 {
		pkg, err := packageRepo.GetByName(cmd.Context(), args[0])
		if err != nil {
			if errors.Is(err, pkgs.ErrPackageNotFound) {
				app.printf("x Package '%s' is not installed\n", args[0])
				return nil
			}
			return err
		}
		installed = append(installed, cve.InstalledPackage{Name: pkg.Name, Version: pkg.Version})
	} else {
		all, err := packageRepo.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, pkg := range all {
			installed = append(installed, cve.InstalledPackage{Name: pkg.Name, Version: pkg.Version})
		}
	}

	if len(installed) == 0 {
		app.println("No packages installed.")
		return nil
	}

	app.printf("Auditing %d installed package(s) for vulnerabilities...\n\n", len(installed))

	result := auditor.Audit(installed)

	if jsonOutput {
		if err := printJSONResult(app, result.Vulnerable); err != nil {
			return err
		}
	} else {
		h.printTextResult(app, result.Vulnerable, result.Secure, result.Unknown)
	}

	app.println("")
	if result.HasVulnerabilities() {
		severitySummary := fmt.Sprintf("%d critical, %d high, %d medium, %d low",
			result.CriticalCount, result.HighCount, result.MediumCount, result.LowCount)
		if result.HasSevereVulnerabilities() {
			app.printf("! Found %d vulnerabilities in %d packages (%s)\n",
				result.TotalCVEs, len(result.Vulnerable), severitySummary)
		} else {
			app.printf("- Found %d vulnerabilities in %d packages (%s)\n",
				result.TotalCVEs, len(result.Vulnerable), severitySummary)
		}

		if fix {
			app.println("")
			if err := h.runAutoFix(app, result.Vulnerable, auditor); err != nil {
				return err
			}
		} else if result.HasSevereVulnerabilities() {
			app.println("")
			app.println("Run 'rookpkg audit --fix' to attempt automatic patching.")
		}
	} else {
		app.printf("v No known vulnerabilities found in %d packages\n", len(result.Secure))
	}

	if len(result.Unknown) > 0 {
		app.println("")
		app.printf("? %d packages could not be checked (not in CVE databases)\n", len(result.Unknown))
	}

	return nil
}

// lookupCVE shows details for one CVE identifier.
func (h *AuditCommandHandler) lookupCVE(app *appContext, auditor *cve.Auditor, cveID string, jsonOutput bool) error {
	app.printf("Looking up %s...\n\n", cveID)

	record, err := auditor.GetCVE(cveID)
	if err != nil {
		return err
	}
	if record == nil {
		app.printf("x CVE %s not found in databases\n", cveID)
		return nil
	}

	if jsonOutput {
		data, err := json.MarshalIndent(record, "", "  ")
		if err != nil {
			return err
		}
		app.println(string(data))
		return nil
	}

	app.printf("%s [%s]\n", record.ID, record.Severity)
	if record.CVSSScore > 0 {
		app.printf("  CVSS Score: %.1f\n", record.CVSSScore)
	}

	app.println("")
	app.println("Summary:")
	app.printf("  %s\n", record.Summary)

	if record.Description != "" && record.Description != record.Summary {
		app.println("")
		app.println("Description:")
		for _, line := range wrapText(record.Description, 70) {
			app.printf("  %s\n", line)
		}
	}

	if record.FixedVersion != "" {
		app.println("")
		app.printf("Fixed in: %s\n", record.FixedVersion)
	}

	if !record.Published.IsZero() {
		app.println("")
		app.printf("Published: %s\n", record.Published.Format("2006-01-02"))
	}

	if len(record.References) > 0 {
		app.println("")
		app.println("References:")
		for _, ref := range record.References {
			app.printf("  [%s] %s\n", strings.ToUpper(string(ref.Type)), ref.URL)
		}
	}

	app.println("")
	app.printf("Source: %s\n", record.Source)
	return nil
}

// printTextResult renders the audit as severity-sorted text.
func (h *AuditCommandHandler) printTextResult(app *appContext, vulnerable []cve.VulnerablePackage, secure, unknown []string) {
	if len(secure) > 0 {
		app.printf("v %d package(s) have no known vulnerabilities\n\n", len(secure))
	}

	if len(vulnerable) == 0 {
		return
	}

	sorted := make([]*cve.VulnerablePackage, len(vulnerable))
	for i := range vulnerable {
		sorted[i] = &vulnerable[i]
	}
	// Highest CVSS first, severity as tiebreaker.
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].MaxCVSS() != sorted[j].MaxCVSS() {
			return sorted[i].MaxCVSS() > sorted[j].MaxCVSS()
		}
		return severityRank(sorted[i].MaxSeverity()) < severityRank(sorted[j].MaxSeverity())
	})

	for _, vuln := range sorted {
		maxCVSS := ""
		if vuln.MaxCVSS() > 0 {
			maxCVSS = fmt.Sprintf(" CVSS %.1f", vuln.MaxCVSS())
		}
		app.printf("[%s]%s %s %s (%d CVE(s))\n",
			vuln.MaxSeverity(), maxCVSS, vuln.Name, vuln.Version, len(vuln.CVEs))

		for _, record := range vuln.CVEs {
			score := ""
			if record.CVSSScore > 0 {
				score = fmt.Sprintf(" (%.1f)", record.CVSSScore)
			}
			app.printf("  %-4s %s%s: %s\n",
				severityAbbrev(record.Severity), record.ID, score, truncateText(record.Summary, 60))

			if record.FixedVersion != "" {
				app.printf("       Fixed in: %s\n", record.FixedVersion)
			}

			for _, ref := range record.References {
				if ref.Type == cve.ReferencePatch {
					app.printf("       Patch: %s\n", ref.URL)
					break
				}
			}
		}

		if vuln.RecommendedVersion != "" {
			app.printf("  -> Upgrade to %s\n", vuln.RecommendedVersion)
		}
		app.println("")
	}

	if len(unknown) > 0 {
		app.printf("? %d package(s) not found in CVE databases:\n", len(unknown))
		for _, name := range unknown {
			app.printf("    %s\n", name)
		}
		app.println("")
	}
}

// printJSONResult renders the vulnerable set as machine-readable JSON.
func printJSONResult(app *appContext, vulnerable []cve.VulnerablePackage) error {
	type jsonCVE struct {
		ID           string  `json:"id"`
		Severity     string  `json:"severity"`
		CVSSScore    float64 `json:"cvss_score,omitempty"`
		Summary      string  `json:"summary"`
		FixedVersion string  `json:"fixed_version,omitempty"`
	}
	type jsonVulnPackage struct {
		Name               string    `json:"name"`
		Version            string    `json:"version"`
		CVECount           int       `json:"cve_count"`
		MaxSeverity        string    `json:"max_severity"`
		RecommendedVersion string    `json:"recommended_version,omitempty"`
		CVEs               []jsonCVE `json:"cves"`
	}
	type jsonOutput struct {
		VulnerableCount int               `json:"vulnerable_count"`
		Packages        []jsonVulnPackage `json:"packages"`
	}

	output := jsonOutput{
		VulnerableCount: len(vulnerable),
		Packages:        make([]jsonVulnPackage, 0, len(vulnerable)),
	}
	for i := range vulnerable {
		vuln := &vulnerable[i]
		pkg := jsonVulnPackage{
			Name:               vuln.Name,
			Version:            vuln.Version,
			CVECount:           len(vuln.CVEs),
			MaxSeverity:        string(vuln.MaxSeverity()),
			RecommendedVersion: vuln.RecommendedVersion,
		}
		for _, record := range vuln.CVEs {
			pkg.CVEs = append(pkg.CVEs, jsonCVE{
				ID:           record.ID,
				Severity:     string(record.Severity),
				CVSSScore:    record.CVSSScore,
				Summary:      record.Summary,
				FixedVersion: record.FixedVersion,
			})
		}
		output.Packages = append(output.Packages, pkg)
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return err
	}
	app.println(string(data))
	return nil
}

// runAutoFix downloads available patches and rewrites .rook specs so
// the vulnerable packages can be rebuilt.
func (h *AuditCommandHandler) runAutoFix(app *appContext, vulnerable []cve.VulnerablePackage, auditor *cve.Auditor) error {
	app.println("Attempting automatic fixes...")
	app.println("")

	patcher := auditor.Patcher()
	updater := cve.SpecUpdater{}
	patchDir := filepath.Join(app.cfg.Paths.CacheDir, "security-patches")
	if err := os.MkdirAll(patchDir, 0o755); err != nil {
		return err
	}

	var patchedSpecs []string
	type fixFailure struct {
		name   string
		reason string
	}
	var failed []fixFailure

	for i := range vulnerable {
		vuln := &vulnerable[i]
		app.printf("-> Processing %s...\n", vuln.Name)

		if !vuln.HasPatchAvailable() && vuln.RecommendedVersion == "" {
			app.println("  ! No patches or fixed versions available")
			failed = append(failed, fixFailure{vuln.Name, "No patches available"})
			continue
		}

		specPath := filepath.Join(app.cfg.Paths.SpecsDir, vuln.Name+".rook")
		if _, err := os.Stat(specPath); err != nil {
			app.printf("  ! Spec file not found at %s\n", specPath)
			failed = append(failed, fixFailure{vuln.Name, "Spec file not found"})
			continue
		}

		pkgPatchDir := filepath.Join(patchDir, vuln.Name)
		downloaded, err := patcher.DownloadAllPatches(vuln, pkgPatchDir)
		if err != nil {
			app.printf("  x Patch download failed: %v\n", err)
			failed = append(failed, fixFailure{vuln.Name, "Patch download failed"})
			continue
		}

		if len(downloaded) == 0 && vuln.RecommendedVersion == "" {
			app.println("  ! Could not download any patches")
			failed = append(failed, fixFailure{vuln.Name, "Patch download failed"})
			continue
		}

		if len(downloaded) > 0 {
			app.printf("  v Downloaded %d patch(es) to %s\n", len(downloaded), pkgPatchDir)
			for _, patch := range downloaded {
				app.printf("    -> %s (%s)\n", patch.Filename, patch.CVEID)
			}

			backupPath, err := updater.BackupSpec(specPath)
			if err != nil {
				return err
			}
			app.printf("  -> Backed up spec to %s\n", backupPath)

			content, err := updater.UpdateSpec(specPath, downloaded, true)
			if err != nil {
				app.printf("  x Failed to update spec: %v\n", err)
				failed = append(failed, fixFailure{vuln.Name, fmt.Sprintf("Spec update failed: %v", err)})
				continue
			}
			if err := updater.WriteSpec(specPath, content); err != nil {
				return err
			}
			app.printf("  v Updated %s with %d patches, bumped release\n", specPath, len(downloaded))
			patchedSpecs = append(patchedSpecs, vuln.Name)
		} else {
			app.printf("  - Attempting upgrade to %s...\n", vuln.RecommendedVersion)
			upgraded, err := h.tryVersionUpgrade(app, updater, specPath, vuln.Version, vuln.RecommendedVersion)
			switch {
			case err != nil:
				app.printf("  x Version upgrade failed: %v\n", err)
				failed = append(failed, fixFailure{vuln.Name, fmt.Sprintf("Version upgrade failed: %v", err)})
			case upgraded:
				app.printf("  v Updated spec to version %s\n", vuln.RecommendedVersion)
				patchedSpecs = append(patchedSpecs, vuln.Name)
			default:
				app.println("    ! Could not automatically determine new source URL")
				app.println("    Manual intervention needed: update source URL and checksum in spec")
				failed = append(failed, fixFailure{vuln.Name, fmt.Sprintf("Upgrade to %s required", vuln.RecommendedVersion)})
			}
		}

		app.println("")
	}

	app.println(strings.Repeat("-", 60))
	app.println("")

	if len(patchedSpecs) > 0 {
		app.printf("v %d package(s) patched successfully:\n", len(patchedSpecs))
		for _, name := range patchedSpecs {
			app.printf("    -> %s\n", name)
		}
		app.println("")
		app.printf("To rebuild patched packages, run:\n    rookpkg build %s\n", strings.Join(patchedSpecs, " "))
	}

	if len(failed) > 0 {
		app.println("")
		app.printf("! %d package(s) require manual intervention:\n", len(failed))
		for _, f := range failed {
			app.printf("    -> %s: %s\n", f.name, f.reason)
		}
	}

	return nil
}

// tryVersionUpgrade rewrites a spec for a newer upstream version when
// the new source URL can be derived from the old one. Returns false
// when the version does not appear in the source URL.
func (h *AuditCommandHandler) tryVersionUpgrade(app *appContext, updater cve.SpecUpdater, specPath, oldVersion, newVersion string) (bool, error) {
	pkgSpec, err := spec.Load(specPath)
	if err != nil {
		return false, err
	}

	source, ok := pkgSpec.Sources["source0"]
	if !ok {
		return false, nil
	}

	newURL := strings.ReplaceAll(source.URL, oldVersion, newVersion)
	if newURL == source.URL {
		return false, nil
	}

	app.printf("    -> Trying new URL: %s\n", newURL)

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Head(newURL)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, nil
	}

	app.println("    v URL is valid, downloading to compute checksum...")

	tmpFile, err := os.CreateTemp("", "rookpkg-upgrade-*")
	if err != nil {
		return false, err
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	getResp, err := client.Get(newURL)
	if err != nil {
		tmpFile.Close()
		return false, err
	}
	defer getResp.Body.Close()
	if getResp.StatusCode < 200 || getResp.StatusCode >= 300 {
		tmpFile.Close()
		return false, nil
	}
	if _, err := tmpFile.ReadFrom(getResp.Body); err != nil {
		tmpFile.Close()
		return false, err
	}
	if err := tmpFile.Close(); err != nil {
		return false, err
	}

	newSHA256, err := download.ComputeSHA256(tmpPath)
	if err != nil {
		return false, err
	}
	app.printf("    v Computed checksum: %s...\n", shortChecksum(newSHA256))

	backupPath, err := updater.BackupSpec(specPath)
	if err != nil {
		return false, err
	}
	app.printf("    -> Backed up spec to %s\n", backupPath)

	content, err := updater.UpdateVersion(specPath, newVersion, newURL, newSHA256)
	if err != nil {
		return false, err
	}
	if err := updater.WriteSpec(specPath, content); err != nil {
		return false, err
	}
	return true, nil
}

func severityRank(s cve.Severity) int {
	switch s {
	case cve.SeverityCritical:
		return 0
	case cve.SeverityHigh:
		return 1
	case cve.SeverityMedium:
		return 2
	case cve.SeverityLow:
		return 3
	default:
		return 4
	}
}

func severityAbbrev(s cve.Severity) string {
	switch s {
	case cve.SeverityCritical:
		return "CRIT"
	case cve.SeverityHigh:
		return "HIGH"
	case cve.SeverityMedium:
		return "MED"
	case cve.SeverityLow:
		return "LOW"
	default:
		return "???"
	}
}

// wrapText breaks a string into lines no longer than width.
func wrapText(s string, width int) []string {
	var lines []string
	var current string
	for _, word := range strings.Fields(s) {
		switch {
		case current == "":
			current = word
		case len(current)+1+len(word) <= width:
			current += " " + word
		default:
			lines = append(lines, current)
			current = word
		}
	}
	if current != "" {
		lines = append(lines, current)
	}
	return lines
}

// truncateText cuts a string to max length with an ellipsis.
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// InitAuditCommands registers the audit command.
func InitAuditCommands(rootCmd *cobra.Command) error {
	handler := NewAuditCommandHandler()

	auditCmd := &cobra.Command{
		Use:   "audit [package]",
		Short: "Scan installed packages for known vulnerabilities",
		Args:  cobra.MaximumNArgs(1),
		RunE:  handler.AuditCmd,
	}
	auditCmd.Flags().Bool("fix", false, "Attempt to automatically patch vulnerable packages")
	auditCmd.Flags().Bool("json", false, "Output results as JSON")
	auditCmd.Flags().String("cve", "", "Look up a specific CVE by identifier")
	auditCmd.Flags().Bool("clear-cache", false, "Clear the CVE database cache first")
	rootCmd.AddCommand(auditCmd)

	return nil
}
