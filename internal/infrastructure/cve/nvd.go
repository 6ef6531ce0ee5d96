package cve

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rookery-os/rookpkg/internal/infrastructure/download"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"
)

const (
	nvdAPIURL       = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	nvdCacheTTL     = 24 * time.Hour
	nvdRateWindow   = 30 * time.Second
	nvdRateRequests = 5  // without an API key
	nvdRateWithKey  = 50 // with an API key
)

// NVDClient queries the National Vulnerability Database 2.0 API.
//
// The API allows 5 requests per 30 seconds without a key and 50 with
// one; the client sleeps when the window fills. Set NVD_API_KEY for
// the higher limit.
type NVDClient struct {
	client   *http.Client
	baseURL  string
	cacheDir string
	apiKey   string
	logger   logger.Logger

	mu           sync.Mutex
	windowStart  time.Time
	requestCount int
}

// NewNVDClient creates an NVD client caching under cacheDir.
func NewNVDClient(cacheDir string, logger logger.Logger) (*NVDClient, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create CVE cache dir %s: %w", cacheDir, err)
	}

	return &NVDClient{
		client:   &http.Client{Timeout: 60 * time.Second},
		baseURL:  nvdAPIURL,
		cacheDir: cacheDir,
		apiKey:   os.Getenv("NVD_API_KEY"),
		logger:   logger,
	}, nil
}

// rateLimit blocks until another request fits in the current window.
func (c *NVDClient) rateLimit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	maxRequests := nvdRateRequests
	if c.apiKey != "" {
		maxRequests = nvdRateWithKey
	}

	elapsed := time.Since(c.windowStart)
	if elapsed >= nvdRateWindow {
		c.windowStart = time.Now()
		c.requestCount = 0
	} else if c.requestCount >= maxRequests {
		sleep := nvdRateWindow - elapsed
		c.logger.Debug(fmt.Sprintf("NVD rate limiting: sleeping for %s", sleep))
		time.Sleep(sleep)
		c.windowStart = time.Now()
		c.requestCount = 0
	}
	c.requestCount++
}

func (c *NVDClient) cachePath(key string) string {
	return filepath.Join(c.cacheDir, cacheFileName("nvd", key))
}

// Query returns the CVEs matching a package version via a CPE
// virtual match string.
func (c *NVDClient) Query(packageName, version string) ([]Record, error) {
	cacheKey := packageName + ":" + version
	if cached := readCache(c.cachePath(cacheKey), nvdCacheTTL); cached != nil {
		c.logger.Debug(fmt.Sprintf("NVD cache hit for %s:%s", packageName, version))
		return cached, nil
	}

	c.rateLimit()

	cpeMatch := fmt.Sprintf("cpe:2.3:*:*:%s:%s:*:*:*:*:*:*:*", packageName, version)
	queryURL := fmt.Sprintf("%s?virtualMatchString=%s&resultsPerPage=100",
		c.baseURL, url.QueryEscape(cpeMatch))

	body, err := c.get(queryURL)
	if err != nil {
		return nil, err
	}

	records, err := parseNVDResponse(body)
	if err != nil {
		return nil, err
	}

	if err := writeCache(c.cachePath(cacheKey), records); err != nil {
		c.logger.Debug(fmt.Sprintf("Failed to cache NVD results: %v", err))
	}

	return records, nil
}

// GetCVE looks up a single CVE by identifier.
func (c *NVDClient) GetCVE(cveID string) (*Record, error) {
	c.rateLimit()

	body, err := c.get(fmt.Sprintf("%s?cveId=%s", c.baseURL, url.QueryEscape(cveID)))
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}

	records, err := parseNVDResponse(body)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// ClearCache removes all NVD cache files.
func (c *NVDClient) ClearCache() error {
	return clearCacheFiles(c.cacheDir, "nvd")
}

var errNotFound = errors.New("not found")

func (c *NVDClient) get(queryURL string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, queryURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "rookpkg/"+download.Version+" (Rookery OS Package Manager)")
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}

	c.logger.Debug(fmt.Sprintf("Querying NVD: %s", queryURL))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("NVD API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("NVD API returned status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// NVD 2.0 API response shapes, reduced to the fields rookpkg reads.
type nvdResponse struct {
	Vulnerabilities []struct {
		CVE nvdCVE `json:"cve"`
	} `json:"vulnerabilities"`
}

type nvdCVE struct {
	ID           string `json:"id"`
	Descriptions []struct {
		Lang  string `json:"lang"`
		Value string `json:"value"`
	} `json:"descriptions"`
	Metrics *struct {
		CVSSMetricV31 []nvdCVSSMetric `json:"cvssMetricV31"`
		CVSSMetricV30 []nvdCVSSMetric `json:"cvssMetricV30"`
		CVSSMetricV2  []nvdCVSSMetric `json:"cvssMetricV2"`
	} `json:"metrics"`
	References []struct {
		URL  string   `json:"url"`
		Tags []string `json:"tags"`
	} `json:"references"`
	Published    string `json:"published"`
	LastModified string `json:"lastModified"`
}

type nvdCVSSMetric struct {
	CVSSData struct {
		BaseScore float64 `json:"baseScore"`
	} `json:"cvssData"`
}

func parseNVDResponse(body []byte) ([]Record, error) {
	var response nvdResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse NVD response: %w", err)
	}

	records := make([]Record, 0, len(response.Vulnerabilities))
	for _, vuln := range response.Vulnerabilities {
		cve := vuln.CVE

		var description string
		for _, d := range cve.Descriptions {
			if d.Lang == "en" {
				description = d.Value
				break
			}
		}

		var score float64
		severity := SeverityUnknown
		if m := cve.Metrics; m != nil {
			var metrics []nvdCVSSMetric
			switch {
			case len(m.CVSSMetricV31) > 0:
				metrics = m.CVSSMetricV31
			case len(m.CVSSMetricV30) > 0:
				metrics = m.CVSSMetricV30
			case len(m.CVSSMetricV2) > 0:
				metrics = m.CVSSMetricV2
			}
			if len(metrics) > 0 {
				score = metrics[0].CVSSData.BaseScore
				severity = SeverityFromCVSS(score)
			}
		}

		references := make([]Reference, 0, len(cve.References))
		for _, r := range cve.References {
			refType := ReferenceOther
			if len(r.Tags) > 0 {
				refType = referenceTypeFromNVDTag(r.Tags[0])
			}
			references = append(references, Reference{URL: r.URL, Type: refType})
		}

		records = append(records, Record{
			ID:          cve.ID,
			Summary:     truncate(description, 200),
			Description: description,
			Severity:    severity,
			CVSSScore:   score,
			Published:   parseNVDTime(cve.Published),
			Modified:    parseNVDTime(cve.LastModified),
			References:  references,
			Source:      "NVD",
		})
	}

	return records, nil
}

func referenceTypeFromNVDTag(tag string) ReferenceType {
	switch strings.ToUpper(tag) {
	case "PATCH":
		return ReferencePatch
	case "VENDOR ADVISORY", "THIRD PARTY ADVISORY":
		return ReferenceAdvisory
	case "VENDOR":
		return ReferenceVendor
	}
	return ReferenceOther
}

func parseNVDTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
