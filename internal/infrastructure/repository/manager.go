package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pelletier/go-toml/v2"

	domain "github.com/rookery-os/rookpkg/internal/domain/signing"
	"github.com/rookery-os/rookpkg/internal/infrastructure/download"
	"github.com/rookery-os/rookpkg/internal/infrastructure/signing"
	"github.com/rookery-os/rookpkg/internal/pkg/config"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"
)

// Manager handles all configured repositories: index updates, search,
// and package download with signature verification.
type Manager struct {
	repos       []*Repository
	client      *http.Client
	cacheDir    string
	pkgCacheDir string
	signingCfg  config.SigningSettings
	downloadCfg config.DownloadSettings
	logger      logger.Logger
}

// NewManager builds a manager from the enabled repositories in the
// configuration, ordered by priority (lower wins).
func NewManager(cfg *config.Config, logger logger.Logger) (*Manager, error) {
	cacheDir := cfg.Paths.CacheDir
	pkgCacheDir := filepath.Join(cacheDir, "packages")
	if err := os.MkdirAll(pkgCacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create package cache directory: %w", err)
	}

	var repos []*Repository
	for _, settings := range cfg.EnabledRepositories() {
		repos = append(repos, NewRepository(settings, cacheDir))
	}
	sort.SliceStable(repos, func(i, j int) bool {
		return repos[i].Priority < repos[j].Priority
	})

	client := &http.Client{
		Timeout: time.Duration(cfg.Download.DownloadTimeoutSecs) * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: time.Duration(cfg.Download.ConnectTimeoutSecs) * time.Second,
			}).DialContext,
		},
	}

	return &Manager{
		repos:       repos,
		client:      client,
		cacheDir:    cacheDir,
		pkgCacheDir: pkgCacheDir,
		signingCfg:  cfg.Signing,
		downloadCfg: cfg.Download,
		logger:      logger,
	}, nil
}

// Repos returns the enabled repositories in priority order.
func (m *Manager) Repos() []*Repository {
	return m.repos
}

// Repo returns the repository with the given name, or nil.
func (m *Manager) Repo(name string) *Repository {
	for _, r := range m.repos {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// PackageCacheDir returns the directory holding downloaded packages.
func (m *Manager) PackageCacheDir() string {
	return m.pkgCacheDir
}

// LoadCaches loads cached metadata for every repository.
func (m *Manager) LoadCaches() error {
	for _, r := range m.repos {
		if err := r.LoadCache(); err != nil {
			return err
		}
	}
	return nil
}

// UpdateResult summarizes an UpdateAll run.
type UpdateResult struct {
	Updated   []string
	Unchanged []string
	Failed    map[string]error
}

// AllSuccess reports whether every repository updated cleanly.
func (u *UpdateResult) AllSuccess() bool {
	return len(u.Failed) == 0
}

// Total returns the number of repositories processed.
func (u *UpdateResult) Total() int {
	return len(u.Updated) + len(u.Unchanged) + len(u.Failed)
}

// UpdateAll refreshes metadata and indexes for every repository.
// Failures are collected per repository rather than aborting the run.
func (m *Manager) UpdateAll(ctx context.Context) *UpdateResult {
	result := &UpdateResult{Failed: make(map[string]error)}

	for _, repo := range m.repos {
		changed, err := m.updateRepo(ctx, repo)
		switch {
		case err != nil:
			m.logger.Warn(fmt.Sprintf("Failed to update repository %s: %v", repo.Name, err))
			result.Failed[repo.Name] = err
		case changed:
			result.Updated = append(result.Updated, repo.Name)
		default:
			result.Unchanged = append(result.Unchanged, repo.Name)
		}
	}

	return result
}

// updateRepo fetches a repository's metadata, index, and index
// signature. The index signature is mandatory unless untrusted
// repositories are explicitly allowed.
func (m *Manager) updateRepo(ctx context.Context, repo *Repository) (bool, error) {
	m.logger.Info(fmt.Sprintf("Updating repository: %s", repo.Name))

	metadataBytes, err := m.fetch(ctx, repo.MetadataURL())
	if err != nil {
		return false, fmt.Errorf("failed to fetch repository metadata: %w", err)
	}
	var metadata RepoMetadata
	if err := toml.Unmarshal(metadataBytes, &metadata); err != nil {
		return false, fmt.Errorf("failed to parse repository metadata: %w", err)
	}

	indexBytes, err := m.fetch(ctx, repo.IndexURL())
	if err != nil {
		return false, fmt.Errorf("failed to fetch package index: %w", err)
	}

	var publicKey *signing.PublicKey
	sigBytes, err := m.fetch(ctx, repo.IndexSigURL())
	switch {
	case err == nil:
		var sig domain.HybridSignature
		if err := json.Unmarshal(sigBytes, &sig); err != nil {
			return false, fmt.Errorf("failed to parse index signature: %w", err)
		}
		publicKey, err = m.findRepoKey(metadata.Signing.Fingerprint)
		if err != nil {
			return false, err
		}
		if err := publicKey.Verify(indexBytes, &sig); err != nil {
			return false, fmt.Errorf("package index signature verification failed: %w", err)
		}
		m.logger.Info("Package index signature verified")
	case !m.signingCfg.AllowUntrusted:
		return false, errors.New("package index signature not found and untrusted repositories are not allowed")
	default:
		m.logger.Warn(fmt.Sprintf("Package index signature not found for %s, proceeding without verification", repo.Name))
	}

	var index PackageIndex
	if err := json.Unmarshal(indexBytes, &index); err != nil {
		return false, fmt.Errorf("failed to parse package index: %w", err)
	}

	changed := repo.Index == nil || !repo.Index.Generated.Equal(index.Generated)

	repo.Metadata = &metadata
	repo.Index = &index
	repo.PublicKey = publicKey

	if err := repo.SaveCache(); err != nil {
		return false, err
	}
	return changed, nil
}

// findRepoKey looks up the repository signing key in the master and
// packager key directories.
func (m *Manager) findRepoKey(fingerprint string) (*signing.PublicKey, error) {
	if key, err := signing.SearchKeyInDir(m.signingCfg.MasterKeysDir, fingerprint); err == nil && key != nil {
		return key, nil
	}
	if key, err := signing.SearchKeyInDir(m.signingCfg.PackagerKeysDir, fingerprint); err == nil && key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("repository signing key not found: %s (add it with: rookpkg keytrust <key.pub>)", fingerprint)
}

// findSigningKey resolves the key for a package signature and assigns
// its trust level. Master keys are the root of trust, packager keys
// get full trust only with a valid master certification, and the
// user's own key is trusted ultimately.
func (m *Manager) findSigningKey(fingerprint string) (*signing.PublicKey, error) {
	if key, err := signing.SearchKeyInDir(m.signingCfg.MasterKeysDir, fingerprint); err == nil && key != nil {
		key.TrustLevel = domain.TrustFull
		return key, nil
	}

	if key, err := signing.SearchKeyInDir(m.signingCfg.PackagerKeysDir, fingerprint); err == nil && key != nil {
		key.TrustLevel = domain.TrustMarginal
		certDir := filepath.Join(m.signingCfg.PackagerKeysDir, "certs")
		if cert, err := signing.FindCertificationForKey(key.Fingerprint, certDir); err == nil && cert != nil {
			master, err := signing.SearchKeyInDir(m.signingCfg.MasterKeysDir, cert.CertifierKey)
			if err == nil && master != nil && signing.VerifyCertification(cert, key, master) == nil {
				m.logger.Debug(fmt.Sprintf("Key %s certified by master key %s for purpose %q",
					key.Fingerprint, cert.CertifierKey, cert.Purpose))
				key.TrustLevel = domain.TrustFull
			}
		}
		return key, nil
	}

	if m.signingCfg.UserSigningKey != "" {
		ownPub := filepath.Join(filepath.Dir(m.signingCfg.UserSigningKey), "signing-key.pub")
		if key, err := signing.LoadPublicKey(ownPub); err == nil {
			if signing.FingerprintMatches(key.Fingerprint, fingerprint) {
				key.TrustLevel = domain.TrustUltimate
				return key, nil
			}
		}
	}

	return nil, fmt.Errorf("signing key not found: %s", fingerprint)
}

// fetch retrieves a URL into memory with retries.
func (m *Manager) fetch(ctx context.Context, url string) ([]byte, error) {
	return retry.DoWithData(
		func() ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("User-Agent", "rookpkg/"+download.Version)

			resp, err := m.client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, url)
			}
			return io.ReadAll(resp.Body)
		},
		retry.Context(ctx),
		retry.Attempts(uint(m.downloadCfg.Retries)+1),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

// SearchResult is a package found in a repository.
type SearchResult struct {
	Repository string
	Package    *PackageEntry
}

// GroupSearchResult is a package group found in a repository.
type GroupSearchResult struct {
	Repository string
	Group      *PackageGroup
}

// Search finds packages matching the query across all repositories.
func (m *Manager) Search(query string) []SearchResult {
	var results []SearchResult
	for _, repo := range m.repos {
		if repo.Index == nil {
			continue
		}
		for _, e := range repo.Index.Search(query) {
			results = append(results, SearchResult{Repository: repo.Name, Package: e})
		}
	}
	return results
}

// FindPackage returns the package from the highest priority repository
// that carries it.
func (m *Manager) FindPackage(name string) *SearchResult {
	for _, repo := range m.repos {
		if repo.Index == nil {
			continue
		}
		if e := repo.Index.FindPackage(name); e != nil {
			return &SearchResult{Repository: repo.Name, Package: e}
		}
	}
	return nil
}

// FindGroup returns the named group from the highest priority
// repository that defines it.
func (m *Manager) FindGroup(name string) *GroupSearchResult {
	for _, repo := range m.repos {
		if repo.Index == nil {
			continue
		}
		if g := repo.Index.FindGroup(name); g != nil {
			return &GroupSearchResult{Repository: repo.Name, Group: g}
		}
	}
	return nil
}

// ListGroups returns every group defined across all repositories.
func (m *Manager) ListGroups() []GroupSearchResult {
	var results []GroupSearchResult
	for _, repo := range m.repos {
		if repo.Index == nil {
			continue
		}
		for idx := range repo.Index.Groups {
			results = append(results, GroupSearchResult{
				Repository: repo.Name,
				Group:      &repo.Index.Groups[idx],
			})
		}
	}
	return results
}

// ExpandGroup resolves a group name to its member packages. Returns
// nil when no repository defines the group.
func (m *Manager) ExpandGroup(name string, includeOptional bool) []string {
	found := m.FindGroup(name)
	if found == nil {
		return nil
	}
	return found.Group.AllPackages(includeOptional)
}
