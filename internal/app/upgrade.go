package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rookery-os/rookpkg/internal/domain/pkgs"
	"github.com/rookery-os/rookpkg/internal/infrastructure/delta"
	"github.com/rookery-os/rookpkg/internal/infrastructure/repository"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"
)

// UpgradeCandidate is one installed package with a newer version
// available in a repository.
type UpgradeCandidate struct {
	Name             string
	InstalledVersion string
	InstalledRelease uint32
	AvailableVersion string
	AvailableRelease uint32
	Repository       string
	DownloadSize     uint64
	// Delta is set when the repository offers a delta from the
	// installed version, so the full archive download can be skipped.
	Delta *delta.Entry
}

// InstalledFull returns the installed "version-release".
func (c *UpgradeCandidate) InstalledFull() string {
	return fmt.Sprintf("%s-%d", c.InstalledVersion, c.InstalledRelease)
}

// AvailableFull returns the available "version-release".
func (c *UpgradeCandidate) AvailableFull() string {
	return fmt.Sprintf("%s-%d", c.AvailableVersion, c.AvailableRelease)
}

// HeldUpgrade is a held package whose upgrade was skipped.
type HeldUpgrade struct {
	Name             string
	AvailableVersion string
}

// UpgradePlan is the outcome of an upgrade check.
type UpgradePlan struct {
	Upgrades []UpgradeCandidate
	Held     []HeldUpgrade
}

// TotalDownloadSize sums the download sizes of all planned upgrades,
// preferring delta sizes where deltas are available.
func (p *UpgradePlan) TotalDownloadSize() uint64 {
	var total uint64
	for _, u := range p.Upgrades {
		if u.Delta != nil {
			total += uint64(u.Delta.Size)
			continue
		}
		total += u.DownloadSize
	}
	return total
}

// UpToDate reports whether nothing needs upgrading.
func (p *UpgradePlan) UpToDate() bool {
	return len(p.Upgrades) == 0
}

// UpgradePlanner compares installed packages against the repository
// indexes and produces an upgrade plan. Held packages are reported but
// never upgraded.
type UpgradePlanner struct {
	packages pkgs.PackageRepository
	holds    pkgs.HoldRepository
	repos    *repository.Manager
	logger   logger.Logger
}

// NewUpgradePlanner creates an upgrade planner.
func NewUpgradePlanner(
	packages pkgs.PackageRepository,
	holds pkgs.HoldRepository,
	repos *repository.Manager,
	logger logger.Logger,
) *UpgradePlanner {
	return &UpgradePlanner{
		packages: packages,
		holds:    holds,
		repos:    repos,
		logger:   logger,
	}
}

// Plan finds every installed package with a newer repository version.
func (p *UpgradePlanner) Plan(ctx context.Context) (*UpgradePlan, error) {
	installed, err := p.packages.List(ctx)
	if err != nil {
		return nil, err
	}

	plan := &UpgradePlan{}
	for _, pkg := range installed {
		result := p.repos.FindPackage(pkg.Name)
		if result == nil {
			continue
		}
		available := result.Package
		if !needsUpgrade(pkg, available) {
			continue
		}

		held, err := p.holds.IsHeld(ctx, pkg.Name)
		if err != nil {
			return nil, err
		}
		if held {
			p.logger.Debug(fmt.Sprintf("Skipping held package %s", pkg.Name))
			plan.Held = append(plan.Held, HeldUpgrade{
				Name:             pkg.Name,
				AvailableVersion: available.FullVersion(),
			})
			continue
		}

		plan.Upgrades = append(plan.Upgrades, UpgradeCandidate{
			Name:             pkg.Name,
			InstalledVersion: pkg.Version,
			InstalledRelease: pkg.Release,
			AvailableVersion: available.Version,
			AvailableRelease: available.Release,
			Repository:       result.Repository,
			DownloadSize:     available.Size,
			Delta:            p.findDelta(result.Repository, pkg, available),
		})
	}

	return plan, nil
}

// findDelta looks for a delta package covering the installed to
// available jump.
func (p *UpgradePlanner) findDelta(repoName string, installed *pkgs.InstalledPackage, available *repository.PackageEntry) *delta.Entry {
	repo := p.repos.Repo(repoName)
	if repo == nil || repo.Index == nil {
		return nil
	}
	return repo.Index.FindDelta(
		installed.Name,
		installed.Version, installed.Release,
		available.Version, available.Release,
	)
}

// needsUpgrade reports whether the available entry is newer than the
// installed package. Versions compare as semver where possible with
// the release number as tiebreaker.
func needsUpgrade(installed *pkgs.InstalledPackage, available *repository.PackageEntry) bool {
	if installed.Version != available.Version {
		iv, ierr := semver.NewVersion(installed.Version)
		av, aerr := semver.NewVersion(available.Version)
		if ierr == nil && aerr == nil {
			return av.GreaterThan(iv)
		}
		return strings.Compare(available.Version, installed.Version) > 0
	}
	return available.Release > installed.Release
}
