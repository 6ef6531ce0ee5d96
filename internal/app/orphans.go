package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rookery-os/rookpkg/internal/domain/pkgs"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"
)

// OrphanReport lists dependency packages no explicitly installed
// package needs anymore.
type OrphanReport struct {
	Orphans []*pkgs.InstalledPackage
}

// TotalSize sums the installed sizes of all orphans.
func (r *OrphanReport) TotalSize() int64 {
	var total int64
	for _, pkg := range r.Orphans {
		total += pkg.SizeBytes
	}
	return total
}

// MarkResult classifies the packages of a mark operation.
type MarkResult struct {
	Marked        []string
	AlreadyMarked []string
	NotInstalled  []string
}

// OrphanService finds unneeded dependency packages and manages the
// install reasons that drive orphan detection.
type OrphanService struct {
	packages pkgs.PackageRepository
	logger   logger.Logger
}

// NewOrphanService creates an orphan service.
func NewOrphanService(packages pkgs.PackageRepository, logger logger.Logger) *OrphanService {
	return &OrphanService{packages: packages, logger: logger}
}

// Find returns the packages installed as dependencies that no other
// installed package depends on.
func (s *OrphanService) Find(ctx context.Context) (*OrphanReport, error) {
	orphans, err := s.packages.FindOrphans(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Debug(fmt.Sprintf("Found %d orphan package(s)", len(orphans)))
	return &OrphanReport{Orphans: orphans}, nil
}

// MarkExplicit flags packages as explicitly installed so autoremove
// never touches them.
func (s *OrphanService) MarkExplicit(ctx context.Context, names []string) (*MarkResult, error) {
	return s.mark(ctx, names, pkgs.ReasonExplicit)
}

// MarkDependency flags packages as dependencies, making them
// candidates for autoremove once nothing needs them.
func (s *OrphanService) MarkDependency(ctx context.Context, names []string) (*MarkResult, error) {
	return s.mark(ctx, names, pkgs.ReasonDependency)
}

func (s *OrphanService) mark(ctx context.Context, names []string, reason pkgs.InstallReason) (*MarkResult, error) {
	result := &MarkResult{}
	for _, name := range names {
		pkg, err := s.packages.GetByName(ctx, name)
		if err != nil {
			if errors.Is(err, pkgs.ErrPackageNotFound) {
				result.NotInstalled = append(result.NotInstalled, name)
				continue
			}
			return nil, err
		}
		if pkg.InstallReason == reason {
			result.AlreadyMarked = append(result.AlreadyMarked, name)
			continue
		}
		if err := s.packages.SetInstallReason(ctx, name, reason); err != nil {
			return nil, err
		}
		s.logger.Info(fmt.Sprintf("Marked %s as %s", name, reason))
		result.Marked = append(result.Marked, name)
	}
	return result, nil
}
