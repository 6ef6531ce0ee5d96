// Package archive reads and writes .rookpkg package archives.
//
// A .rookpkg file is an uncompressed tar containing:
//   - .PKGINFO: package metadata in TOML format
//   - .FILES: list of installed files with checksums
//   - .INSTALL: installation scripts (only when the spec defines any)
//   - data.tar.zst: zstd-compressed tar of the file contents
package archive

import (
	"fmt"
	"runtime"
	"time"

	"github.com/rookery-os/rookpkg/internal/domain/spec"
)

// Extension is the package archive file extension.
const Extension = ".rookpkg"

// FileType classifies a packaged filesystem entry.
type FileType string

// Packaged file types.
const (
	TypeRegular   FileType = "regular"
	TypeDirectory FileType = "directory"
	TypeSymlink   FileType = "symlink"
	TypeHardlink  FileType = "hardlink"
)

// PackageInfo is the .PKGINFO metadata of an archive.
type PackageInfo struct {
	Name            string            `toml:"name"`
	Version         string            `toml:"version"`
	Release         uint32            `toml:"release"`
	Summary         string            `toml:"summary"`
	Description     string            `toml:"description"`
	License         string            `toml:"license"`
	URL             string            `toml:"url"`
	Maintainer      string            `toml:"maintainer"`
	BuildTime       int64             `toml:"build_time"`
	InstalledSize   uint64            `toml:"installed_size"`
	Depends         map[string]string `toml:"depends"`
	BuildDepends    map[string]string `toml:"build_depends"`
	OptionalDepends map[string]string `toml:"optional_depends"`
	Arch            string            `toml:"arch"`
}

// NewPackageInfo derives archive metadata from a package spec. The
// installed size is filled in while scanning files.
func NewPackageInfo(s *spec.Spec) *PackageInfo {
	return &PackageInfo{
		Name:            s.Package.Name,
		Version:         s.Package.Version,
		Release:         s.Package.Release,
		Summary:         s.Package.Summary,
		Description:     s.Package.Description,
		License:         s.Package.License,
		URL:             s.Package.URL,
		Maintainer:      s.Package.Maintainer,
		BuildTime:       time.Now().Unix(),
		Depends:         s.Depends,
		BuildDepends:    s.BuildDepends,
		OptionalDepends: s.OptionalDepends,
		Arch:            runtime.GOARCH,
	}
}

// FullVersion returns "version-release".
func (i *PackageInfo) FullVersion() string {
	return fmt.Sprintf("%s-%d", i.Version, i.Release)
}

// Filename returns the canonical archive file name,
// name-version-release.arch.rookpkg.
func (i *PackageInfo) Filename() string {
	return fmt.Sprintf("%s-%s-%d.%s%s", i.Name, i.Version, i.Release, i.Arch, Extension)
}

// FileEntry is one row of the .FILES manifest.
type FileEntry struct {
	Path     string   `toml:"path"`
	Size     uint64   `toml:"size"`
	SHA256   string   `toml:"sha256"`
	Mode     uint32   `toml:"mode"`
	IsConfig bool     `toml:"is_config"`
	FileType FileType `toml:"file_type"`
	// LinkTarget is set for symlinks and hardlinks.
	LinkTarget string `toml:"link_target,omitempty"`
}

// fileList wraps entries so the manifest serializes as valid TOML.
type fileList struct {
	Files []FileEntry `toml:"files"`
}

// InstallScripts is the .INSTALL payload.
type InstallScripts struct {
	PreInstall  string `toml:"pre_install"`
	PostInstall string `toml:"post_install"`
	PreRemove   string `toml:"pre_remove"`
	PostRemove  string `toml:"post_remove"`
	PreUpgrade  string `toml:"pre_upgrade"`
	PostUpgrade string `toml:"post_upgrade"`
}

// NewInstallScripts copies the script bodies out of a spec.
func NewInstallScripts(s *spec.Spec) *InstallScripts {
	return &InstallScripts{
		PreInstall:  s.Scripts.PreInstall,
		PostInstall: s.Scripts.PostInstall,
		PreRemove:   s.Scripts.PreRemove,
		PostRemove:  s.Scripts.PostRemove,
		PreUpgrade:  s.Scripts.PreUpgrade,
		PostUpgrade: s.Scripts.PostUpgrade,
	}
}

// HasScripts reports whether any script body is non-empty.
func (s *InstallScripts) HasScripts() bool {
	return s.PreInstall != "" || s.PostInstall != "" ||
		s.PreRemove != "" || s.PostRemove != "" ||
		s.PreUpgrade != "" || s.PostUpgrade != ""
}
