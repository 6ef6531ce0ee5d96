package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rookery-os/rookpkg/internal/domain/pkgs"
	"github.com/rookery-os/rookpkg/internal/infrastructure/persistence/models"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormHoldRepository implements HoldRepository on a GORM-managed SQLite
// database.
type GormHoldRepository struct {
	db     *gorm.DB
	logger logger.Logger
}

// NewGormHoldRepository creates a new GormHoldRepository instance
func NewGormHoldRepository(db *gorm.DB, logger logger.Logger) (*GormHoldRepository, error) {
	return &GormHoldRepository{
		db:     db,
		logger: logger,
	}, nil
}

// Hold marks a package as held at its current version. Holding an already
// held package updates the recorded version and reason.
func (r *GormHoldRepository) Hold(ctx context.Context, name, heldVersion, reason string) error {
	model := models.HeldPackageModel{
		Name:        name,
		HeldVersion: heldVersion,
		HeldDate:    time.Now().UTC(),
		Reason:      reason,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"held_version", "held_date", "reason"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("failed to hold package %s: %w", name, err)
	}

	r.logger.Info(fmt.Sprintf("Held package %s at version %s", name, heldVersion))
	return nil
}

// Unhold releases a hold on a package
func (r *GormHoldRepository) Unhold(ctx context.Context, name string) error {
	result := r.db.WithContext(ctx).Where("name = ?", name).Delete(&models.HeldPackageModel{})
	if result.Error != nil {
		return fmt.Errorf("failed to unhold package %s: %w", name, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s is not held", pkgs.ErrPackageNotFound, name)
	}

	r.logger.Info(fmt.Sprintf("Released hold on package %s", name))
	return nil
}

// IsHeld reports whether a package is held
func (r *GormHoldRepository) IsHeld(ctx context.Context, name string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.HeldPackageModel{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check hold on %s: %w", name, err)
	}
	return count > 0, nil
}

// GetHold retrieves the hold record for a package
func (r *GormHoldRepository) GetHold(ctx context.Context, name string) (*pkgs.HoldInfo, error) {
	var model models.HeldPackageModel
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s is not held", pkgs.ErrPackageNotFound, name)
		}
		return nil, fmt.Errorf("failed to fetch hold on %s: %w", name, err)
	}
	return model.ToDomain(), nil
}

// ListHolds retrieves all package holds ordered by name
func (r *GormHoldRepository) ListHolds(ctx context.Context) ([]*pkgs.HoldInfo, error) {
	var rows []models.HeldPackageModel
	if err := r.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list holds: %w", err)
	}
	out := make([]*pkgs.HoldInfo, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToDomain())
	}
	return out, nil
}
