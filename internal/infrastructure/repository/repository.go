package repository

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/rookery-os/rookpkg/internal/infrastructure/signing"
	"github.com/rookery-os/rookpkg/internal/pkg/config"
)

const (
	metadataFileName = "repo.toml"
	indexFileName    = "packages.json"
)

// Repository is one configured remote repository together with its
// cached metadata and package index.
type Repository struct {
	Name     string
	URL      string
	Priority int

	Metadata  *RepoMetadata
	Index     *PackageIndex
	PublicKey *signing.PublicKey

	cacheDir string
}

// NewRepository creates a repository handle. Its cache lives under
// cacheBase/repos/<name>.
func NewRepository(settings config.RepositorySettings, cacheBase string) *Repository {
	return &Repository{
		Name:     settings.Name,
		URL:      settings.URL,
		Priority: settings.Priority,
		cacheDir: filepath.Join(cacheBase, "repos", settings.Name),
	}
}

// CacheDir returns the repository's metadata cache directory.
func (r *Repository) CacheDir() string {
	return r.cacheDir
}

// HasCache reports whether cached metadata and index files exist.
func (r *Repository) HasCache() bool {
	if _, err := os.Stat(filepath.Join(r.cacheDir, metadataFileName)); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(r.cacheDir, indexFileName))
	return err == nil
}

// LoadCache reads cached metadata and index from disk. Missing files
// are not an error, the repository just stays empty.
func (r *Repository) LoadCache() error {
	metadataPath := filepath.Join(r.cacheDir, metadataFileName)
	if data, err := os.ReadFile(metadataPath); err == nil {
		var metadata RepoMetadata
		if err := toml.Unmarshal(data, &metadata); err != nil {
			return fmt.Errorf("failed to parse cached %s for %s: %w", metadataFileName, r.Name, err)
		}
		r.Metadata = &metadata
	}

	indexPath := filepath.Join(r.cacheDir, indexFileName)
	if data, err := os.ReadFile(indexPath); err == nil {
		var index PackageIndex
		if err := json.Unmarshal(data, &index); err != nil {
			return fmt.Errorf("failed to parse cached %s for %s: %w", indexFileName, r.Name, err)
		}
		r.Index = &index
	}

	return nil
}

// SaveCache writes the current metadata and index to disk.
func (r *Repository) SaveCache() error {
	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory %s: %w", r.cacheDir, err)
	}

	if r.Metadata != nil {
		data, err := toml.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode %s for %s: %w", metadataFileName, r.Name, err)
		}
		if err := os.WriteFile(filepath.Join(r.cacheDir, metadataFileName), data, 0o644); err != nil {
			return fmt.Errorf("failed to write repository cache: %w", err)
		}
	}

	if r.Index != nil {
		data, err := json.MarshalIndent(r.Index, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode %s for %s: %w", indexFileName, r.Name, err)
		}
		if err := os.WriteFile(filepath.Join(r.cacheDir, indexFileName), data, 0o644); err != nil {
			return fmt.Errorf("failed to write repository cache: %w", err)
		}
	}

	return nil
}

// FileURL returns the URL of a file relative to the repository root.
func (r *Repository) FileURL(path string) string {
	return strings.TrimSuffix(r.URL, "/") + "/" + path
}

// MetadataURL returns the URL of the repository metadata file.
func (r *Repository) MetadataURL() string {
	return r.FileURL(metadataFileName)
}

// IndexURL returns the URL of the package index.
func (r *Repository) IndexURL() string {
	return r.FileURL(indexFileName)
}

// IndexSigURL returns the URL of the package index signature.
func (r *Repository) IndexSigURL() string {
	return r.FileURL(indexFileName + ".sig")
}

// PackageURL returns the URL of a package file.
func (r *Repository) PackageURL(entry *PackageEntry) string {
	return r.FileURL(entry.Filename)
}
