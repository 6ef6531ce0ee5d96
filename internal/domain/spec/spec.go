// Package spec defines the .rook package specification format and its parser.
//
// A .rook file is a TOML document describing how to fetch, patch, build and
// package a piece of software for Rookery OS.
package spec

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
)

// PackageMeta is the [package] section.
type PackageMeta struct {
	Name        string   `toml:"name" validate:"required,min=1,max=255"`
	Version     string   `toml:"version" validate:"required"`
	Release     uint32   `toml:"release"`
	Summary     string   `toml:"summary" validate:"required"`
	Description string   `toml:"description"`
	License     string   `toml:"license" validate:"required"`
	URL         string   `toml:"url"`
	Maintainer  string   `toml:"maintainer" validate:"required"`
	Categories  []string `toml:"categories"`
}

// Source is one entry in the [sources] table.
type Source struct {
	URL      string   `toml:"url" validate:"required"`
	SHA256   string   `toml:"sha256" validate:"required,len=64,hexadecimal"`
	Mirrors  []string `toml:"mirrors"`
	Filename string   `toml:"filename"`
}

// Patch is one entry in the [patches] table.
type Patch struct {
	File        string `toml:"file"`
	URL         string `toml:"url"`
	SHA256      string `toml:"sha256"`
	Strip       int    `toml:"strip"`
	Description string `toml:"description"`
}

// BuildPhases is the [build] section. Each phase is a shell fragment.
type BuildPhases struct {
	Prep      string `toml:"prep"`
	Configure string `toml:"configure"`
	Build     string `toml:"build"`
	Check     string `toml:"check"`
	Install   string `toml:"install"`
}

// ConfigEntry marks a packaged file as configuration with explicit ownership.
type ConfigEntry struct {
	Path  string `toml:"path" validate:"required"`
	Mode  string `toml:"mode"`
	Owner string `toml:"owner"`
	Group string `toml:"group"`
}

// FileRules is the [files] section.
type FileRules struct {
	Include []string      `toml:"include"`
	Exclude []string      `toml:"exclude"`
	Config  []ConfigEntry `toml:"config"`
}

// ConfigFiles is the [config-files] section.
type ConfigFiles struct {
	Preserve bool `toml:"preserve"`
}

// Scripts is the [scripts] section of install-time shell scripts.
type Scripts struct {
	PreInstall  string `toml:"pre-install"`
	PostInstall string `toml:"post-install"`
	PreRemove   string `toml:"pre-remove"`
	PostRemove  string `toml:"post-remove"`
	PreUpgrade  string `toml:"pre-upgrade"`
	PostUpgrade string `toml:"post-upgrade"`
}

// HasAny reports whether any script is defined.
func (s *Scripts) HasAny() bool {
	return s.PreInstall != "" || s.PostInstall != "" ||
		s.PreRemove != "" || s.PostRemove != "" ||
		s.PreUpgrade != "" || s.PostUpgrade != ""
}

// ChangelogEntry is one [[changelog]] entry.
type ChangelogEntry struct {
	Date    string   `toml:"date"`
	Version string   `toml:"version"`
	Author  string   `toml:"author"`
	Changes []string `toml:"changes"`
}

// Metadata is the [metadata] section.
type Metadata struct {
	Keywords  []string `toml:"keywords"`
	Stability string   `toml:"stability"`
}

// Security is the [security] section.
type Security struct {
	GrsecCompatible bool     `toml:"grsec-compatible"`
	FixedCves       []string `toml:"fixed-cves"`
}

// Spec is a complete parsed .rook package specification.
type Spec struct {
	Package         PackageMeta       `toml:"package"`
	Sources         map[string]Source `toml:"sources"`
	Patches         map[string]Patch  `toml:"patches"`
	BuildDepends    map[string]string `toml:"build-depends"`
	Depends         map[string]string `toml:"depends"`
	OptionalDepends map[string]string `toml:"optional-depends"`
	Environment     map[string]string `toml:"environment"`
	Build           BuildPhases       `toml:"build"`
	Files           FileRules         `toml:"files"`
	ConfigFiles     ConfigFiles       `toml:"config-files"`
	Scripts         Scripts           `toml:"scripts"`
	Changelog       []ChangelogEntry  `toml:"changelog"`
	Metadata        Metadata          `toml:"metadata"`
	Security        Security          `toml:"security"`
}

// Parse parses a .rook spec from TOML bytes and applies defaults.
func Parse(data []byte) (*Spec, error) {
	var s Spec
	if err := toml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse spec: %w", err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads and parses a .rook spec file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read spec %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Marshal serializes the spec back to TOML.
func (s *Spec) Marshal() ([]byte, error) {
	data, err := toml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize spec: %w", err)
	}
	return data, nil
}

// Validate checks required fields.
func (s *Spec) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("validation failed for spec: %w", err)
	}
	return nil
}

// FullVersion returns "version-release".
func (s *Spec) FullVersion() string {
	return fmt.Sprintf("%s-%d", s.Package.Version, s.Package.Release)
}

// SourceNames returns source keys in stable sorted order.
func (s *Spec) SourceNames() []string {
	names := make([]string, 0, len(s.Sources))
	for name := range s.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PatchNames returns patch keys in stable sorted order.
func (s *Spec) PatchNames() []string {
	names := make([]string, 0, len(s.Patches))
	for name := range s.Patches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Spec) applyDefaults() {
	if s.Package.Release == 0 {
		s.Package.Release = 1
	}
	if s.Metadata.Stability == "" {
		s.Metadata.Stability = "stable"
	}
	for name, p := range s.Patches {
		if p.Strip == 0 {
			p.Strip = 1
			s.Patches[name] = p
		}
	}
}
