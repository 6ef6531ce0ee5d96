package pkgs

import (
	"context"
	"errors"
)

// ErrPackageNotFound is returned when a package is not in the database.
var ErrPackageNotFound = errors.New("package not found")

// PackageRepository defines the interface for installed-package persistence.
type PackageRepository interface {
	Add(ctx context.Context, pkg *InstalledPackage) error
	GetByName(ctx context.Context, name string) (*InstalledPackage, error)
	List(ctx context.Context) ([]*InstalledPackage, error)
	Remove(ctx context.Context, name string) error

	AddFile(ctx context.Context, file *PackageFile) error
	FilesOf(ctx context.Context, packageID uint) ([]*PackageFile, error)
	FileOwner(ctx context.Context, path string) (*InstalledPackage, error)

	AddDependency(ctx context.Context, dep *Dependency) error
	DependenciesOf(ctx context.Context, packageID uint) ([]*Dependency, error)
	ReverseDependencies(ctx context.Context, name string) ([]*InstalledPackage, error)

	SetInstallReason(ctx context.Context, name string, reason InstallReason) error
	ListByReason(ctx context.Context, reason InstallReason) ([]*InstalledPackage, error)
	FindOrphans(ctx context.Context) ([]*InstalledPackage, error)
}

// HoldRepository defines the interface for package hold persistence.
type HoldRepository interface {
	Hold(ctx context.Context, name, heldVersion, reason string) error
	Unhold(ctx context.Context, name string) error
	IsHeld(ctx context.Context, name string) (bool, error)
	GetHold(ctx context.Context, name string) (*HoldInfo, error)
	ListHolds(ctx context.Context) ([]*HoldInfo, error)
}
