package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rookery-os/rookpkg/internal/domain/signing"
	"github.com/rookery-os/rookpkg/internal/infrastructure/persistence/models"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormKeyStore implements KeyStore on a GORM-managed SQLite database.
type GormKeyStore struct {
	db     *gorm.DB
	logger logger.Logger
}

// NewGormKeyStore creates a new GormKeyStore instance
func NewGormKeyStore(db *gorm.DB, logger logger.Logger) (*GormKeyStore, error) {
	return &GormKeyStore{
		db:     db,
		logger: logger,
	}, nil
}

// TrustKey records a key in the keyring, updating the trust level and
// identity of an already trusted fingerprint.
func (s *GormKeyStore) TrustKey(ctx context.Context, key *signing.TrustedKey) error {
	revoked, err := s.IsRevoked(ctx, key.Fingerprint)
	if err != nil {
		return err
	}
	if revoked {
		return fmt.Errorf("cannot trust revoked key %s", key.Fingerprint)
	}

	var model models.TrustedKeyModel
	model.FromDomain(key)
	if model.AddedDate.IsZero() {
		model.AddedDate = time.Now().UTC()
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}},
		DoUpdates: clause.AssignmentColumns([]string{"trust_level", "name", "email", "public_key", "added_by", "notes"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("failed to trust key %s: %w", key.Fingerprint, err)
	}

	s.logger.Info(fmt.Sprintf("Trusted key %s (%s) at level %s", key.Fingerprint, key.Name, key.TrustLevel))
	return nil
}

// RevokeKey revokes a fingerprint and removes it from the trusted set
func (s *GormKeyStore) RevokeKey(ctx context.Context, fingerprint, reason string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		revoked := models.RevokedKeyModel{
			Fingerprint: fingerprint,
			RevokedDate: time.Now().UTC(),
			Reason:      reason,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fingerprint"}},
			DoNothing: true,
		}).Create(&revoked).Error
		if err != nil {
			return err
		}
		return tx.Where("fingerprint = ?", fingerprint).Delete(&models.TrustedKeyModel{}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to revoke key %s: %w", fingerprint, err)
	}

	s.logger.Warn(fmt.Sprintf("Revoked key %s: %s", fingerprint, reason))
	return nil
}

// GetKey retrieves a trusted key by fingerprint
func (s *GormKeyStore) GetKey(ctx context.Context, fingerprint string) (*signing.TrustedKey, error) {
	var model models.TrustedKeyModel
	if err := s.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", signing.ErrKeyNotFound, fingerprint)
		}
		return nil, fmt.Errorf("failed to fetch key %s: %w", fingerprint, err)
	}
	return model.ToDomain(), nil
}

// ListKeys retrieves all trusted keys ordered by fingerprint
func (s *GormKeyStore) ListKeys(ctx context.Context) ([]*signing.TrustedKey, error) {
	var rows []models.TrustedKeyModel
	if err := s.db.WithContext(ctx).Order("fingerprint").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	out := make([]*signing.TrustedKey, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToDomain())
	}
	return out, nil
}

// IsRevoked reports whether a fingerprint has been revoked
func (s *GormKeyStore) IsRevoked(ctx context.Context, fingerprint string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.RevokedKeyModel{}).Where("fingerprint = ?", fingerprint).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check revocation of %s: %w", fingerprint, err)
	}
	return count > 0, nil
}

// RemoveKey deletes a trusted key without revoking it
func (s *GormKeyStore) RemoveKey(ctx context.Context, fingerprint string) error {
	result := s.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).Delete(&models.TrustedKeyModel{})
	if result.Error != nil {
		return fmt.Errorf("failed to remove key %s: %w", fingerprint, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", signing.ErrKeyNotFound, fingerprint)
	}

	s.logger.Info(fmt.Sprintf("Removed key %s from keyring", fingerprint))
	return nil
}
