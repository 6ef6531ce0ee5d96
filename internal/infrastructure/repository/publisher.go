package repository

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/rookery-os/rookpkg/internal/infrastructure/archive"
	"github.com/rookery-os/rookpkg/internal/infrastructure/delta"
	"github.com/rookery-os/rookpkg/internal/infrastructure/download"
	"github.com/rookery-os/rookpkg/internal/infrastructure/signing"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"
)

// Publisher creates and maintains on-disk repositories that can be
// served by any static file server. Every index write is signed with
// the operator's key.
type Publisher struct {
	key    *signing.SigningKey
	logger logger.Logger
}

// NewPublisher creates a publisher signing with the given key.
func NewPublisher(key *signing.SigningKey, logger logger.Logger) *Publisher {
	return &Publisher{key: key, logger: logger}
}

// Init creates a new repository layout at path: repo.toml, an empty
// signed index, and a packages directory.
func (p *Publisher) Init(path, name, description string) error {
	metadataPath := filepath.Join(path, metadataFileName)
	if _, err := os.Stat(metadataPath); err == nil {
		return fmt.Errorf("repository already exists at %s", path)
	}

	if err := os.MkdirAll(filepath.Join(path, "packages"), 0o755); err != nil {
		return fmt.Errorf("failed to create repository layout: %w", err)
	}

	now := time.Now().UTC()
	metadata := &RepoMetadata{
		Repository: RepositoryInfo{
			Name:        name,
			Description: description,
			Version:     1,
			Updated:     &now,
		},
		Signing: RepoSigningInfo{
			Fingerprint: p.key.Fingerprint,
		},
	}
	data, err := toml.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode repository metadata: %w", err)
	}
	if err := os.WriteFile(metadataPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", metadataPath, err)
	}

	if err := p.writeIndex(path, NewPackageIndex(name)); err != nil {
		return err
	}

	p.logger.Info(fmt.Sprintf("Initialized repository %s at %s", name, path))
	return nil
}

// Refresh rescans the packages directory and rebuilds the signed
// index, picking up groups.toml and deltas.json when present.
func (p *Publisher) Refresh(path string) (*PackageIndex, error) {
	metadataPath := filepath.Join(path, metadataFileName)
	data, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("not a repository: %s (missing %s)", path, metadataFileName)
	}
	var metadata RepoMetadata
	if err := toml.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", metadataPath, err)
	}

	packagesDir := filepath.Join(path, "packages")
	entries, err := os.ReadDir(packagesDir)
	if err != nil {
		return nil, fmt.Errorf("packages directory not found: %s", packagesDir)
	}

	index := NewPackageIndex(metadata.Repository.Name)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), archive.Extension) {
			continue
		}
		pkgPath := filepath.Join(packagesDir, e.Name())
		entry, err := ScanPackage(pkgPath)
		if err != nil {
			p.logger.Warn(fmt.Sprintf("Skipping invalid package %s: %v", pkgPath, err))
			continue
		}
		index.AddPackage(*entry)
	}

	if err := p.loadGroups(path, index); err != nil {
		return nil, err
	}
	if err := p.loadDeltaIndex(path, index); err != nil {
		return nil, err
	}

	if err := p.writeIndex(path, index); err != nil {
		return nil, err
	}

	p.logger.Info(fmt.Sprintf("Repository refreshed: %d packages indexed", index.Count))
	return index, nil
}

// Sign re-signs the existing package index without rebuilding it.
func (p *Publisher) Sign(path string) error {
	indexPath := filepath.Join(path, indexFileName)
	if _, err := os.Stat(indexPath); err != nil {
		return fmt.Errorf("package index not found: %s", indexPath)
	}
	return p.signIndex(path)
}

// groupsFile is the operator-maintained groups.toml.
type groupsFile struct {
	Groups map[string]groupDef `toml:"groups"`
}

type groupDef struct {
	Description string   `toml:"description"`
	Packages    []string `toml:"packages"`
	Optional    []string `toml:"optional"`
	Essential   bool     `toml:"essential"`
}

// loadGroups merges groups.toml into the index when the file exists.
// Groups referencing packages missing from the index are kept but
// logged, the operator may index those packages later.
func (p *Publisher) loadGroups(path string, index *PackageIndex) error {
	data, err := os.ReadFile(filepath.Join(path, "groups.toml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var parsed groupsFile
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse groups.toml: %w", err)
	}

	for name, def := range parsed.Groups {
		var missing []string
		for _, pkg := range def.Packages {
			if index.FindPackage(pkg) == nil {
				missing = append(missing, pkg)
			}
		}
		if len(missing) > 0 {
			p.logger.Warn(fmt.Sprintf("Group %s references missing packages: %s",
				name, strings.Join(missing, ", ")))
		}
		index.AddGroup(PackageGroup{
			Name:        name,
			Description: def.Description,
			Packages:    def.Packages,
			Optional:    def.Optional,
			Essential:   def.Essential,
		})
	}
	return nil
}

// loadDeltaIndex attaches deltas.json to the index when present.
func (p *Publisher) loadDeltaIndex(path string, index *PackageIndex) error {
	data, err := os.ReadFile(filepath.Join(path, "deltas.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var deltaIndex delta.RepoIndex
	if err := json.Unmarshal(data, &deltaIndex); err != nil {
		return fmt.Errorf("failed to parse deltas.json: %w", err)
	}
	index.DeltaIndex = &deltaIndex

	var total int
	for _, pkg := range deltaIndex.Packages {
		total += len(pkg.Deltas)
	}
	p.logger.Info(fmt.Sprintf("Loaded delta index: %d packages, %d deltas",
		len(deltaIndex.Packages), total))
	return nil
}

// writeIndex writes packages.json and its detached signature.
func (p *Publisher) writeIndex(path string, index *PackageIndex) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode package index: %w", err)
	}
	indexPath := filepath.Join(path, indexFileName)
	if err := os.WriteFile(indexPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", indexPath, err)
	}
	return p.signIndex(path)
}

// signIndex writes packages.json.sig next to the index.
func (p *Publisher) signIndex(path string) error {
	indexPath := filepath.Join(path, indexFileName)
	sig, err := p.key.SignFile(indexPath)
	if err != nil {
		return fmt.Errorf("failed to sign package index: %w", err)
	}
	data, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode index signature: %w", err)
	}
	sigPath := indexPath + ".sig"
	if err := os.WriteFile(sigPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", sigPath, err)
	}
	return nil
}

// ScanPackage reads archive metadata into an index entry. The filename
// is recorded relative to the repository root.
func ScanPackage(path string) (*PackageEntry, error) {
	reader, err := archive.NewReader(path)
	if err != nil {
		return nil, err
	}
	info, err := reader.ReadInfo()
	if err != nil {
		return nil, err
	}

	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	sum, err := download.ComputeSHA256(path)
	if err != nil {
		return nil, err
	}

	depends := make([]string, 0, len(info.Depends))
	for name := range info.Depends {
		depends = append(depends, name)
	}
	buildDepends := make([]string, 0, len(info.BuildDepends))
	for name := range info.BuildDepends {
		buildDepends = append(buildDepends, name)
	}
	sort.Strings(depends)
	sort.Strings(buildDepends)

	var buildDate *time.Time
	if info.BuildTime > 0 {
		t := time.Unix(info.BuildTime, 0).UTC()
		buildDate = &t
	}

	return &PackageEntry{
		Name:         info.Name,
		Version:      info.Version,
		Release:      info.Release,
		Description:  info.Description,
		Arch:         info.Arch,
		Size:         uint64(stat.Size()),
		SHA256:       sum,
		Filename:     "packages/" + filepath.Base(path),
		Depends:      depends,
		BuildDepends: buildDepends,
		License:      info.License,
		Homepage:     info.URL,
		Maintainer:   info.Maintainer,
		BuildDate:    buildDate,
	}, nil
}
