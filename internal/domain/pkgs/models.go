package pkgs

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// InstallReason records why a package is present on the system.
type InstallReason string

// Install reason values
const (
	ReasonExplicit   InstallReason = "explicit"
	ReasonDependency InstallReason = "dependency"
)

// ParseInstallReason parses an install reason string. "dep" is accepted as
// shorthand for "dependency".
func ParseInstallReason(s string) (InstallReason, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "explicit":
		return ReasonExplicit, nil
	case "dependency", "dep":
		return ReasonDependency, nil
	default:
		return "", fmt.Errorf("invalid install reason: %s", s)
	}
}

// DependencyType classifies a dependency edge.
type DependencyType string

// Dependency type values
const (
	DepRuntime  DependencyType = "runtime"
	DepBuild    DependencyType = "build"
	DepOptional DependencyType = "optional"
)

// InstalledPackage is a package recorded in the system database.
type InstalledPackage struct {
	ID            uint
	Name          string `validate:"required,min=1,max=255"`
	Version       string `validate:"required"`
	Release       uint32 `validate:"min=1"`
	InstallDate   time.Time
	SizeBytes     int64
	Checksum      string
	Spec          string
	InstallReason InstallReason `validate:"required,oneof=explicit dependency"`
}

// FullVersion returns "version-release".
func (p *InstalledPackage) FullVersion() string {
	return fmt.Sprintf("%s-%d", p.Version, p.Release)
}

// Validate checks the installed package fields.
func (p *InstalledPackage) Validate() error {
	if err := validator.New().Struct(p); err != nil {
		return fmt.Errorf("validation failed for InstalledPackage: %w", err)
	}
	return nil
}

// AvailablePackage is a package known from a repository index.
type AvailablePackage struct {
	Name        string `validate:"required,min=1,max=255"`
	Version     string `validate:"required"`
	Release     uint32 `validate:"min=1"`
	Summary     string
	SizeBytes   int64
	Checksum    string
	DownloadURL string
	LastUpdated time.Time
}

// FullVersion returns "version-release".
func (p *AvailablePackage) FullVersion() string {
	return fmt.Sprintf("%s-%d", p.Version, p.Release)
}

// PackageFile is a single file owned by an installed package.
type PackageFile struct {
	ID        uint
	PackageID uint
	Path      string `validate:"required"`
	Mode      uint32
	Owner     string
	Group     string
	SizeBytes int64
	Checksum  string
	IsConfig  bool
}

// Dependency is a dependency edge recorded for an installed package.
type Dependency struct {
	ID         uint
	PackageID  uint
	DependsOn  string `validate:"required"`
	Constraint string
	DepType    DependencyType `validate:"required,oneof=runtime build optional"`
}

// HoldInfo describes a package hold that blocks automatic upgrades.
type HoldInfo struct {
	Name        string
	HeldVersion string
	HeldDate    time.Time
	Reason      string
}
