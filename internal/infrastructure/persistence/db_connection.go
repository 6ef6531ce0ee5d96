package persistence

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rookery-os/rookpkg/internal/infrastructure/persistence/models"
	"github.com/rookery-os/rookpkg/internal/pkg/config"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewDBConnection opens the package database at the configured path,
// creating parent directories and migrating the schema on first use.
func NewDBConnection(settings config.DatabaseSettings) (*gorm.DB, error) {
	dsn := settings.Path
	if dsn == "" {
		dsn = ":memory:"
	}

	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// Busy timeout keeps concurrent rookpkg invocations from failing
		// immediately on a locked database.
		dsn = fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL", dsn)
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open package database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate applies the package database schema
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.PackageModel{},
		&models.PackageFileModel{},
		&models.DependencyModel{},
		&models.HeldPackageModel{},
		&models.TrustedKeyModel{},
		&models.RevokedKeyModel{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database schema: %w", err)
	}
	return nil
}

// CloseDB closes the database connection
func CloseDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}
