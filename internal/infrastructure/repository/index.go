// Package repository manages remote package repositories: metadata and
// index caching, signature-gated updates, package download with mirror
// fallback, and index publishing for repository operators.
package repository

import (
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/rookery-os/rookpkg/internal/infrastructure/delta"
)

// RepoMetadata is the repo.toml file at the root of a repository.
type RepoMetadata struct {
	Repository RepositoryInfo  `toml:"repository" json:"repository"`
	Signing    RepoSigningInfo `toml:"signing" json:"signing"`
	Mirrors    []Mirror        `toml:"mirrors,omitempty" json:"mirrors,omitempty"`
}

// RepositoryInfo identifies a repository.
type RepositoryInfo struct {
	Name        string     `toml:"name" json:"name"`
	Description string     `toml:"description" json:"description"`
	Version     uint32     `toml:"version" json:"version"`
	Updated     *time.Time `toml:"updated,omitempty" json:"updated,omitempty"`
}

// RepoSigningInfo names the repository signing key.
type RepoSigningInfo struct {
	Fingerprint string `toml:"fingerprint" json:"fingerprint"`
	PublicKey   string `toml:"public_key,omitempty" json:"public_key,omitempty"`
}

// Mirror is one alternate download location. Lower priority wins.
type Mirror struct {
	URL      string `toml:"url" json:"url"`
	Priority uint32 `toml:"priority" json:"priority"`
	Region   string `toml:"region,omitempty" json:"region,omitempty"`
	Enabled  bool   `toml:"enabled" json:"enabled"`
}

// PackageGroup is a named set of packages installable as @name.
type PackageGroup struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Packages    []string `json:"packages"`
	Optional    []string `json:"optional,omitempty"`
	Essential   bool     `json:"essential,omitempty"`
}

// AllPackages returns the required packages, plus optional ones when
// includeOptional is set.
func (g *PackageGroup) AllPackages(includeOptional bool) []string {
	out := make([]string, 0, len(g.Packages)+len(g.Optional))
	out = append(out, g.Packages...)
	if includeOptional {
		out = append(out, g.Optional...)
	}
	return out
}

// PackageEntry is one package row of the repository index.
type PackageEntry struct {
	Name         string     `json:"name"`
	Version      string     `json:"version"`
	Release      uint32     `json:"release"`
	Description  string     `json:"description"`
	Arch         string     `json:"arch"`
	Size         uint64     `json:"size"`
	SHA256       string     `json:"sha256"`
	Filename     string     `json:"filename"`
	Depends      []string   `json:"depends,omitempty"`
	BuildDepends []string   `json:"build_depends,omitempty"`
	Provides     []string   `json:"provides,omitempty"`
	Conflicts    []string   `json:"conflicts,omitempty"`
	Replaces     []string   `json:"replaces,omitempty"`
	License      string     `json:"license,omitempty"`
	Homepage     string     `json:"homepage,omitempty"`
	Maintainer   string     `json:"maintainer,omitempty"`
	BuildDate    *time.Time `json:"build_date,omitempty"`
}

// FullVersion returns "version-release".
func (e *PackageEntry) FullVersion() string {
	return fmt.Sprintf("%s-%d", e.Version, e.Release)
}

// PackageIndex is the packages.json index of a repository.
type PackageIndex struct {
	Version    uint32                `json:"version"`
	Generated  time.Time             `json:"generated"`
	Repository string                `json:"repository"`
	Count      int                   `json:"count"`
	Packages   []PackageEntry        `json:"packages"`
	Groups     []PackageGroup        `json:"groups,omitempty"`
	DeltaIndex *delta.RepoIndex `json:"delta_index,omitempty"`
}

// NewPackageIndex creates an empty index for a repository.
func NewPackageIndex(repository string) *PackageIndex {
	return &PackageIndex{
		Version:    1,
		Generated:  time.Now().UTC(),
		Repository: repository,
	}
}

// AddPackage appends a package entry and updates the count.
func (i *PackageIndex) AddPackage(entry PackageEntry) {
	i.Packages = append(i.Packages, entry)
	i.Count = len(i.Packages)
}

// AddGroup appends a package group.
func (i *PackageIndex) AddGroup(group PackageGroup) {
	i.Groups = append(i.Groups, group)
}

// FindPackage returns the highest version entry with the given name.
func (i *PackageIndex) FindPackage(name string) *PackageEntry {
	var best *PackageEntry
	for idx := range i.Packages {
		e := &i.Packages[idx]
		if e.Name != name {
			continue
		}
		if best == nil || compareEntryVersions(e, best) > 0 {
			best = e
		}
	}
	return best
}

// FindAllVersions returns every entry with the given name.
func (i *PackageIndex) FindAllVersions(name string) []*PackageEntry {
	var out []*PackageEntry
	for idx := range i.Packages {
		if i.Packages[idx].Name == name {
			out = append(out, &i.Packages[idx])
		}
	}
	return out
}

// FindGroup returns the group with the given name.
func (i *PackageIndex) FindGroup(name string) *PackageGroup {
	for idx := range i.Groups {
		if i.Groups[idx].Name == name {
			return &i.Groups[idx]
		}
	}
	return nil
}

// Search returns entries whose name or description contains the query,
// case insensitively.
func (i *PackageIndex) Search(query string) []*PackageEntry {
	q := strings.ToLower(query)
	var out []*PackageEntry
	for idx := range i.Packages {
		e := &i.Packages[idx]
		if strings.Contains(strings.ToLower(e.Name), q) ||
			strings.Contains(strings.ToLower(e.Description), q) {
			out = append(out, e)
		}
	}
	return out
}

// SearchGroups returns groups whose name or description contains the
// query, case insensitively.
func (i *PackageIndex) SearchGroups(query string) []*PackageGroup {
	q := strings.ToLower(query)
	var out []*PackageGroup
	for idx := range i.Groups {
		g := &i.Groups[idx]
		if strings.Contains(strings.ToLower(g.Name), q) ||
			strings.Contains(strings.ToLower(g.Description), q) {
			out = append(out, g)
		}
	}
	return out
}

// FindDelta returns the delta upgrading a package between two exact
// versions, or nil when the repository publishes none.
func (i *PackageIndex) FindDelta(name, fromVersion string, fromRelease uint32, toVersion string, toRelease uint32) *delta.Entry {
	if i.DeltaIndex == nil {
		return nil
	}
	return i.DeltaIndex.Find(name, fromVersion, fromRelease, toVersion, toRelease)
}

// compareEntryVersions orders two entries of the same package. Versions
// are compared as semver where possible, falling back to a string
// compare, with release number as tiebreaker.
func compareEntryVersions(a, b *PackageEntry) int {
	av, aerr := semver.NewVersion(a.Version)
	bv, berr := semver.NewVersion(b.Version)
	var c int
	if aerr == nil && berr == nil {
		c = av.Compare(bv)
	} else {
		c = strings.Compare(a.Version, b.Version)
	}
	if c != 0 {
		return c
	}
	switch {
	case a.Release < b.Release:
		return -1
	case a.Release > b.Release:
		return 1
	}
	return 0
}
