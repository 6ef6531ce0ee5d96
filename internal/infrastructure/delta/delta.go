// Package delta builds and applies binary deltas between two releases
// of the same package. A delta archive (.rookdelta) is a tar containing
// a .DELTAINFO TOML document and data.delta.zst, a zstd-compressed
// instruction stream that rebuilds the new data archive from the old
// one with copy and insert operations.
package delta

import (
	"fmt"
	"time"
)

// Extension is the file extension for delta archives.
const Extension = ".rookdelta"

// MinSavingsPercent is the minimum size reduction, relative to the full
// package, below which a delta is not worth publishing.
const MinSavingsPercent = 10

// blockSize is the granularity of the block index used when diffing.
const blockSize = 4096

// Algorithm identifies the diff algorithm used to produce a delta.
type Algorithm string

const (
	// AlgorithmBsdiff is the built-in block-based diff.
	AlgorithmBsdiff Algorithm = "bsdiff"
	// AlgorithmXdelta is reserved for external xdelta-produced deltas.
	AlgorithmXdelta Algorithm = "xdelta"
)

// Info is the .DELTAINFO metadata stored inside a delta archive.
type Info struct {
	Name       string    `toml:"name" json:"name"`
	OldVersion string    `toml:"old_version" json:"old_version"`
	OldRelease uint32    `toml:"old_release" json:"old_release"`
	NewVersion string    `toml:"new_version" json:"new_version"`
	NewRelease uint32    `toml:"new_release" json:"new_release"`
	Arch       string    `toml:"arch" json:"arch"`
	OldSHA256  string    `toml:"old_sha256" json:"old_sha256"`
	NewSHA256  string    `toml:"new_sha256" json:"new_sha256"`
	OldSize    int64     `toml:"old_size" json:"old_size"`
	NewSize    int64     `toml:"new_size" json:"new_size"`
	DeltaSize  int64     `toml:"delta_size" json:"delta_size"`
	Created    int64     `toml:"created" json:"created"`
	Algorithm  Algorithm `toml:"algorithm" json:"algorithm"`
}

// Filename returns the canonical delta archive filename, for example
// hello-2.11-1_to_2.12-1.x86_64.rookdelta.
func (i *Info) Filename() string {
	return fmt.Sprintf("%s-%s-%d_to_%s-%d.%s%s",
		i.Name, i.OldVersion, i.OldRelease, i.NewVersion, i.NewRelease, i.Arch, Extension)
}

// SavingsPercent returns how much smaller the delta is than the full
// new package, as a percentage of the new package size.
func (i *Info) SavingsPercent() float64 {
	if i.NewSize == 0 {
		return 0
	}
	return float64(i.NewSize-i.DeltaSize) / float64(i.NewSize) * 100
}

// IsWorthwhile reports whether the delta saves enough to publish.
func (i *Info) IsWorthwhile() bool {
	return i.SavingsPercent() >= MinSavingsPercent
}

// Entry describes one published delta in a repository index.
type Entry struct {
	FromVersion string `json:"from_version"`
	FromRelease uint32 `json:"from_release"`
	ToVersion   string `json:"to_version"`
	ToRelease   uint32 `json:"to_release"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
}

// PackageIndex lists the deltas available for one package.
type PackageIndex struct {
	Name   string  `json:"name"`
	Deltas []Entry `json:"deltas"`
}

// NewPackageIndex creates an empty delta index for a package.
func NewPackageIndex(name string) *PackageIndex {
	return &PackageIndex{Name: name}
}

// Add records a delta entry.
func (p *PackageIndex) Add(entry Entry) {
	p.Deltas = append(p.Deltas, entry)
}

// Find returns the delta upgrading between two exact versions, or nil.
func (p *PackageIndex) Find(fromVersion string, fromRelease uint32, toVersion string, toRelease uint32) *Entry {
	for i := range p.Deltas {
		d := &p.Deltas[i]
		if d.FromVersion == fromVersion && d.FromRelease == fromRelease &&
			d.ToVersion == toVersion && d.ToRelease == toRelease {
			return d
		}
	}
	return nil
}

// FindFrom returns any delta starting at the given version, or nil.
func (p *PackageIndex) FindFrom(fromVersion string, fromRelease uint32) *Entry {
	for i := range p.Deltas {
		d := &p.Deltas[i]
		if d.FromVersion == fromVersion && d.FromRelease == fromRelease {
			return d
		}
	}
	return nil
}

// RepoIndex is the repository-wide delta index, keyed by package name.
type RepoIndex struct {
	Version   int                      `json:"version"`
	Generated time.Time                `json:"generated"`
	Packages  map[string]*PackageIndex `json:"packages"`
}

// NewRepoIndex creates an empty repository delta index.
func NewRepoIndex() *RepoIndex {
	return &RepoIndex{
		Version:   1,
		Generated: time.Now().UTC(),
		Packages:  make(map[string]*PackageIndex),
	}
}

// Add records a delta for a package.
func (r *RepoIndex) Add(pkg string, entry Entry) {
	if r.Packages == nil {
		r.Packages = make(map[string]*PackageIndex)
	}
	idx, ok := r.Packages[pkg]
	if !ok {
		idx = NewPackageIndex(pkg)
		r.Packages[pkg] = idx
	}
	idx.Add(entry)
	r.Generated = time.Now().UTC()
}

// Find returns the delta upgrading a package between two exact
// versions, or nil when none is published.
func (r *RepoIndex) Find(pkg, fromVersion string, fromRelease uint32, toVersion string, toRelease uint32) *Entry {
	idx, ok := r.Packages[pkg]
	if !ok {
		return nil
	}
	return idx.Find(fromVersion, fromRelease, toVersion, toRelease)
}
