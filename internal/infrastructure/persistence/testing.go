//go:build integration
// +build integration

package persistence

import (
	"testing"
	"time"

	"github.com/rookery-os/rookpkg/internal/domain/pkgs"
	"github.com/rookery-os/rookpkg/internal/domain/signing"
	"github.com/rookery-os/rookpkg/internal/pkg/config"
	pkgTesting "github.com/rookery-os/rookpkg/internal/pkg/testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// TestContext holds test database and repositories
type TestContext struct {
	DB          *gorm.DB
	PackageRepo pkgs.PackageRepository
	HoldRepo    pkgs.HoldRepository
	KeyStore    signing.KeyStore
}

// SetupTestDB initializes an in-memory test database with automatic cleanup
func SetupTestDB(t *testing.T) *TestContext {
	t.Helper()

	db, err := NewDBConnection(config.DatabaseSettings{Path: ":memory:"})
	require.NoError(t, err, "Failed to create database connection")

	t.Cleanup(func() {
		_ = CloseDB(db)
	})

	log := pkgTesting.SetupTestLogger(t)

	packageRepo, err := NewGormPackageRepository(db, log)
	require.NoError(t, err, "Failed to create package repository")

	holdRepo, err := NewGormHoldRepository(db, log)
	require.NoError(t, err, "Failed to create hold repository")

	keyStore, err := NewGormKeyStore(db, log)
	require.NoError(t, err, "Failed to create key store")

	return &TestContext{
		DB:          db,
		PackageRepo: packageRepo,
		HoldRepo:    holdRepo,
		KeyStore:    keyStore,
	}
}

// CreateTestPackage creates an installed package record with default values
func CreateTestPackage(t *testing.T, name, version string) *pkgs.InstalledPackage {
	t.Helper()

	return &pkgs.InstalledPackage{
		Name:          name,
		Version:       version,
		Release:       1,
		InstallDate:   time.Now().UTC(),
		SizeBytes:     4096,
		Checksum:      "0000000000000000000000000000000000000000000000000000000000000000",
		InstallReason: pkgs.ReasonExplicit,
	}
}

// CreateTestKey creates a trusted key record with default values
func CreateTestKey(t *testing.T, fingerprint, name string) *signing.TrustedKey {
	t.Helper()

	return &signing.TrustedKey{
		Fingerprint: fingerprint,
		TrustLevel:  signing.TrustMarginal,
		Name:        name,
		Email:       name + "@rookery-os.org",
		PublicKey:   "dGVzdC1wdWJsaWMta2V5",
		AddedDate:   time.Now().UTC(),
		AddedBy:     "tester",
	}
}
