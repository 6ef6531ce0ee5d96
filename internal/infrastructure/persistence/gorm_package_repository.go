package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/rookery-os/rookpkg/internal/domain/pkgs"
	"github.com/rookery-os/rookpkg/internal/infrastructure/persistence/models"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"
	"gorm.io/gorm"
)

// GormPackageRepository implements PackageRepository on a GORM-managed
// SQLite database.
type GormPackageRepository struct {
	db     *gorm.DB
	logger logger.Logger
}

// NewGormPackageRepository creates a new GormPackageRepository instance
func NewGormPackageRepository(db *gorm.DB, logger logger.Logger) (*GormPackageRepository, error) {
	return &GormPackageRepository{
		db:     db,
		logger: logger,
	}, nil
}

// Add records an installed package, replacing any previous row with the
// same name so a reinstall never leaves two versions behind.
func (r *GormPackageRepository) Add(ctx context.Context, pkg *pkgs.InstalledPackage) error {
	if err := pkg.Validate(); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.PackageModel
		err := tx.Where("name = ?", pkg.Name).First(&existing).Error
		if err == nil {
			if err := tx.Select("Files", "Dependencies").Delete(&existing).Error; err != nil {
				return err
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var model models.PackageModel
		model.FromDomain(pkg)
		model.ID = 0
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		pkg.ID = model.ID
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add package %s: %w", pkg.Name, err)
	}

	r.logger.Info(fmt.Sprintf("Recorded package %s-%s in database", pkg.Name, pkg.FullVersion()))
	return nil
}

// GetByName retrieves an installed package by name
func (r *GormPackageRepository) GetByName(ctx context.Context, name string) (*pkgs.InstalledPackage, error) {
	var model models.PackageModel
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", pkgs.ErrPackageNotFound, name)
		}
		return nil, fmt.Errorf("failed to fetch package %s: %w", name, err)
	}
	return model.ToDomain(), nil
}

// List retrieves all installed packages ordered by name
func (r *GormPackageRepository) List(ctx context.Context) ([]*pkgs.InstalledPackage, error) {
	var rows []models.PackageModel
	if err := r.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	out := make([]*pkgs.InstalledPackage, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToDomain())
	}
	return out, nil
}

// Remove deletes a package and its file and dependency rows
func (r *GormPackageRepository) Remove(ctx context.Context, name string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model models.PackageModel
		if err := tx.Where("name = ?", name).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", pkgs.ErrPackageNotFound, name)
			}
			return err
		}
		return tx.Select("Files", "Dependencies").Delete(&model).Error
	})
	if err != nil {
		if errors.Is(err, pkgs.ErrPackageNotFound) {
			return err
		}
		return fmt.Errorf("failed to remove package %s: %w", name, err)
	}

	r.logger.Info(fmt.Sprintf("Removed package %s from database", name))
	return nil
}

// AddFile records a file owned by an installed package
func (r *GormPackageRepository) AddFile(ctx context.Context, file *pkgs.PackageFile) error {
	var model models.PackageFileModel
	model.FromDomain(file)
	model.ID = 0
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("failed to add file %s: %w", file.Path, err)
	}
	file.ID = model.ID
	return nil
}

// FilesOf retrieves the files owned by a package ordered by path
func (r *GormPackageRepository) FilesOf(ctx context.Context, packageID uint) ([]*pkgs.PackageFile, error) {
	var rows []models.PackageFileModel
	if err := r.db.WithContext(ctx).Where("package_id = ?", packageID).Order("path").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list files of package %d: %w", packageID, err)
	}
	out := make([]*pkgs.PackageFile, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToDomain())
	}
	return out, nil
}

// FileOwner retrieves the package that owns the given filesystem path
func (r *GormPackageRepository) FileOwner(ctx context.Context, path string) (*pkgs.InstalledPackage, error) {
	var file models.PackageFileModel
	if err := r.db.WithContext(ctx).Where("path = ?", path).First(&file).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no package owns %s", pkgs.ErrPackageNotFound, path)
		}
		return nil, fmt.Errorf("failed to look up owner of %s: %w", path, err)
	}

	var model models.PackageModel
	if err := r.db.WithContext(ctx).First(&model, file.PackageID).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch owner of %s: %w", path, err)
	}
	return model.ToDomain(), nil
}

// AddDependency records a dependency edge for an installed package
func (r *GormPackageRepository) AddDependency(ctx context.Context, dep *pkgs.Dependency) error {
	var model models.DependencyModel
	model.FromDomain(dep)
	model.ID = 0
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("failed to add dependency on %s: %w", dep.DependsOn, err)
	}
	dep.ID = model.ID
	return nil
}

// DependenciesOf retrieves the dependency edges of a package
func (r *GormPackageRepository) DependenciesOf(ctx context.Context, packageID uint) ([]*pkgs.Dependency, error) {
	var rows []models.DependencyModel
	if err := r.db.WithContext(ctx).Where("package_id = ?", packageID).Order("depends_on").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list dependencies of package %d: %w", packageID, err)
	}
	out := make([]*pkgs.Dependency, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToDomain())
	}
	return out, nil
}

// ReverseDependencies retrieves the installed packages that depend on the
// named package at runtime.
func (r *GormPackageRepository) ReverseDependencies(ctx context.Context, name string) ([]*pkgs.InstalledPackage, error) {
	var rows []models.PackageModel
	err := r.db.WithContext(ctx).
		Joins("JOIN dependencies ON dependencies.package_id = packages.id").
		Where("dependencies.depends_on = ? AND dependencies.dep_type = ?", name, string(pkgs.DepRuntime)).
		Order("packages.name").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list reverse dependencies of %s: %w", name, err)
	}
	out := make([]*pkgs.InstalledPackage, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToDomain())
	}
	return out, nil
}

// SetInstallReason updates the install reason of a package
func (r *GormPackageRepository) SetInstallReason(ctx context.Context, name string, reason pkgs.InstallReason) error {
	result := r.db.WithContext(ctx).Model(&models.PackageModel{}).
		Where("name = ?", name).
		Update("install_reason", string(reason))
	if result.Error != nil {
		return fmt.Errorf("failed to set install reason of %s: %w", name, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", pkgs.ErrPackageNotFound, name)
	}

	r.logger.Info(fmt.Sprintf("Marked package %s as %s", name, reason))
	return nil
}

// ListByReason retrieves the installed packages with a given install reason
func (r *GormPackageRepository) ListByReason(ctx context.Context, reason pkgs.InstallReason) ([]*pkgs.InstalledPackage, error) {
	var rows []models.PackageModel
	if err := r.db.WithContext(ctx).Where("install_reason = ?", string(reason)).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list %s packages: %w", reason, err)
	}
	out := make([]*pkgs.InstalledPackage, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToDomain())
	}
	return out, nil
}

// FindOrphans retrieves dependency-installed packages that no explicitly
// installed package still reaches through runtime dependency edges.
func (r *GormPackageRepository) FindOrphans(ctx context.Context) ([]*pkgs.InstalledPackage, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*pkgs.InstalledPackage, len(all))
	for _, p := range all {
		byName[p.Name] = p
	}

	// Walk runtime edges outward from every explicit package. Whatever the
	// walk never reaches and was installed as a dependency is an orphan.
	reachable := make(map[string]bool, len(all))
	queue := make([]*pkgs.InstalledPackage, 0, len(all))
	for _, p := range all {
		if p.InstallReason == pkgs.ReasonExplicit {
			reachable[p.Name] = true
			queue = append(queue, p)
		}
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		deps, err := r.DependenciesOf(ctx, current.ID)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if dep.DepType != pkgs.DepRuntime {
				continue
			}
			target, ok := byName[dep.DependsOn]
			if !ok || reachable[target.Name] {
				continue
			}
			reachable[target.Name] = true
			queue = append(queue, target)
		}
	}

	var orphans []*pkgs.InstalledPackage
	for _, p := range all {
		if p.InstallReason == pkgs.ReasonDependency && !reachable[p.Name] {
			orphans = append(orphans, p)
		}
	}
	return orphans, nil
}
