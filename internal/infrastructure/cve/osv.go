package cve

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rookery-os/rookpkg/internal/infrastructure/download"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"
)

const (
	osvAPIURL   = "https://api.osv.dev/v1"
	osvCacheTTL = 12 * time.Hour
)

// osvEcosystems are the ecosystems checked for a distro package, in
// query order.
var osvEcosystems = []string{"Linux", "Debian", "Alpine", "OSS-Fuzz"}

// OSVClient queries the Open Source Vulnerabilities database.
//
// OSV is package-aware and generally faster than NVD, so the auditor
// consults it first.
type OSVClient struct {
	client   *http.Client
	baseURL  string
	cacheDir string
	logger   logger.Logger
}

// NewOSVClient creates an OSV client caching under cacheDir.
func NewOSVClient(cacheDir string, logger logger.Logger) (*OSVClient, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create CVE cache dir %s: %w", cacheDir, err)
	}

	return &OSVClient{
		client:   &http.Client{Timeout: 30 * time.Second},
		baseURL:  osvAPIURL,
		cacheDir: cacheDir,
		logger:   logger,
	}, nil
}

func (c *OSVClient) cachePath(packageName, version string) string {
	return filepath.Join(c.cacheDir, cacheFileName("osv", packageName+"_"+version))
}

// Query returns the CVEs affecting a package version across all
// checked ecosystems, deduplicated by identifier.
func (c *OSVClient) Query(packageName, version string) ([]Record, error) {
	if cached := readCache(c.cachePath(packageName, version), osvCacheTTL); cached != nil {
		c.logger.Debug(fmt.Sprintf("OSV cache hit for %s:%s", packageName, version))
		return cached, nil
	}

	var all []Record
	seen := make(map[string]bool)

	for _, ecosystem := range osvEcosystems {
		query := osvQuery{
			Package: osvPackage{Name: packageName, Ecosystem: ecosystem},
			Version: version,
		}

		vulns, err := c.queryEcosystem(&query)
		if err != nil {
			return nil, err
		}

		for _, record := range parseOSVVulns(vulns) {
			if !seen[record.ID] {
				seen[record.ID] = true
				all = append(all, record)
			}
		}
	}

	if all == nil {
		all = []Record{}
	}
	if err := writeCache(c.cachePath(packageName, version), all); err != nil {
		c.logger.Debug(fmt.Sprintf("Failed to cache OSV results: %v", err))
	}

	return all, nil
}

func (c *OSVClient) queryEcosystem(query *osvQuery) ([]osvVulnerability, error) {
	payload, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/query", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "rookpkg/"+download.Version+" (Rookery OS Package Manager)")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OSV API request failed: %w", err)
	}
	defer resp.Body.Close()

	// Unknown ecosystems or packages come back non-200; treat as no data.
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	var response struct {
		Vulns []osvVulnerability `json:"vulns"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to parse OSV response: %w", err)
	}
	return response.Vulns, nil
}

// GetCVE looks up one vulnerability by identifier.
func (c *OSVClient) GetCVE(cveID string) (*Record, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/vulns/"+cveID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "rookpkg/"+download.Version+" (Rookery OS Package Manager)")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OSV API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OSV API returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var vuln osvVulnerability
	if err := json.Unmarshal(body, &vuln); err != nil {
		return nil, fmt.Errorf("failed to parse OSV response: %w", err)
	}

	records := parseOSVVulns([]osvVulnerability{vuln})
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// ClearCache removes all OSV cache files.
func (c *OSVClient) ClearCache() error {
	return clearCacheFiles(c.cacheDir, "osv")
}

// OSV API shapes.
type osvQuery struct {
	Package osvPackage `json:"package"`
	Version string     `json:"version"`
}

type osvPackage struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

type osvVulnerability struct {
	ID       string `json:"id"`
	Summary  string `json:"summary"`
	Details  string `json:"details"`
	Severity []struct {
		Score string `json:"score"`
	} `json:"severity"`
	Affected []struct {
		Ranges []struct {
			Events []map[string]string `json:"events"`
		} `json:"ranges"`
		Versions []string `json:"versions"`
	} `json:"affected"`
	References []struct {
		URL  string `json:"url"`
		Type string `json:"type"`
	} `json:"references"`
	Published string `json:"published"`
	Modified  string `json:"modified"`
}

func parseOSVVulns(vulns []osvVulnerability) []Record {
	records := make([]Record, 0, len(vulns))

	for _, v := range vulns {
		var score float64
		severity := SeverityUnknown
		if len(v.Severity) > 0 {
			raw := v.Severity[0].Score
			if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
				score = parsed
				severity = SeverityFromCVSS(parsed)
			} else {
				severity = ParseSeverity(raw)
			}
		}

		var affected []VersionRange
		var fixed string
		for _, a := range v.Affected {
			for _, r := range a.Ranges {
				vr := VersionRange{Exact: a.Versions}
				for _, event := range r.Events {
					if introduced, ok := event["introduced"]; ok && vr.Start == "" {
						vr.Start = introduced
					}
					if f, ok := event["fixed"]; ok {
						if vr.End == "" {
							vr.End = f
						}
						if fixed == "" {
							fixed = f
						}
					}
				}
				affected = append(affected, vr)
			}
		}

		references := make([]Reference, 0, len(v.References))
		for _, r := range v.References {
			refType := ReferenceOther
			switch r.Type {
			case "FIX":
				refType = ReferencePatch
			case "ADVISORY":
				refType = ReferenceAdvisory
			case "PACKAGE":
				refType = ReferenceVendor
			case "ARTICLE":
				refType = ReferenceArticle
			}
			references = append(references, Reference{URL: r.URL, Type: refType})
		}

		records = append(records, Record{
			ID:               v.ID,
			Summary:          v.Summary,
			Description:      v.Details,
			Severity:         severity,
			CVSSScore:        score,
			AffectedVersions: affected,
			FixedVersion:     fixed,
			Published:        parseNVDTime(v.Published),
			Modified:         parseNVDTime(v.Modified),
			References:       references,
			Source:           "OSV",
		})
	}

	return records
}
