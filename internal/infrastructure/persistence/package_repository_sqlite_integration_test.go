//go:build integration
// +build integration

package persistence

import (
	"context"
	"testing"

	"github.com/rookery-os/rookpkg/internal/domain/pkgs"
	"github.com/rookery-os/rookpkg/internal/domain/signing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackageRepository_AddAndGet(t *testing.T) {
	tc := SetupTestDB(t)
	ctx := context.Background()

	pkg := CreateTestPackage(t, "zlib", "1.3.1")
	require.NoError(t, tc.PackageRepo.Add(ctx, pkg))
	assert.NotZero(t, pkg.ID)

	got, err := tc.PackageRepo.GetByName(ctx, "zlib")
	require.NoError(t, err)
	assert.Equal(t, "zlib", got.Name)
	assert.Equal(t, "1.3.1", got.Version)
	assert.Equal(t, uint32(1), got.Release)
	assert.Equal(t, pkgs.ReasonExplicit, got.InstallReason)
}

func TestPackageRepository_GetMissing(t *testing.T) {
	tc := SetupTestDB(t)

	_, err := tc.PackageRepo.GetByName(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgs.ErrPackageNotFound)
}

func TestPackageRepository_AddReplacesExisting(t *testing.T) {
	tc := SetupTestDB(t)
	ctx := context.Background()

	old := CreateTestPackage(t, "openssl", "3.3.0")
	require.NoError(t, tc.PackageRepo.Add(ctx, old))
	require.NoError(t, tc.PackageRepo.AddFile(ctx, &pkgs.PackageFile{
		PackageID: old.ID,
		Path:      "/usr/lib/libssl.so.3",
	}))

	updated := CreateTestPackage(t, "openssl", "3.3.1")
	require.NoError(t, tc.PackageRepo.Add(ctx, updated))

	got, err := tc.PackageRepo.GetByName(ctx, "openssl")
	require.NoError(t, err)
	assert.Equal(t, "3.3.1", got.Version)

	all, err := tc.PackageRepo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// Files of the replaced row must be gone with it.
	files, err := tc.PackageRepo.FilesOf(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestPackageRepository_RemoveCascadesFilesAndDeps(t *testing.T) {
	tc := SetupTestDB(t)
	ctx := context.Background()

	pkg := CreateTestPackage(t, "curl", "8.9.0")
	require.NoError(t, tc.PackageRepo.Add(ctx, pkg))
	require.NoError(t, tc.PackageRepo.AddFile(ctx, &pkgs.PackageFile{
		PackageID: pkg.ID,
		Path:      "/usr/bin/curl",
		Mode:      0o755,
	}))
	require.NoError(t, tc.PackageRepo.AddDependency(ctx, &pkgs.Dependency{
		PackageID: pkg.ID,
		DependsOn: "openssl",
		DepType:   pkgs.DepRuntime,
	}))

	require.NoError(t, tc.PackageRepo.Remove(ctx, "curl"))

	_, err := tc.PackageRepo.GetByName(ctx, "curl")
	assert.ErrorIs(t, err, pkgs.ErrPackageNotFound)

	files, err := tc.PackageRepo.FilesOf(ctx, pkg.ID)
	require.NoError(t, err)
	assert.Empty(t, files)

	deps, err := tc.PackageRepo.DependenciesOf(ctx, pkg.ID)
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestPackageRepository_RemoveMissing(t *testing.T) {
	tc := SetupTestDB(t)

	err := tc.PackageRepo.Remove(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, pkgs.ErrPackageNotFound)
}

func TestPackageRepository_FileOwner(t *testing.T) {
	tc := SetupTestDB(t)
	ctx := context.Background()

	pkg := CreateTestPackage(t, "bash", "5.2.32")
	require.NoError(t, tc.PackageRepo.Add(ctx, pkg))
	require.NoError(t, tc.PackageRepo.AddFile(ctx, &pkgs.PackageFile{
		PackageID: pkg.ID,
		Path:      "/usr/bin/bash",
		Mode:      0o755,
	}))

	owner, err := tc.PackageRepo.FileOwner(ctx, "/usr/bin/bash")
	require.NoError(t, err)
	assert.Equal(t, "bash", owner.Name)

	_, err = tc.PackageRepo.FileOwner(ctx, "/usr/bin/unowned")
	assert.ErrorIs(t, err, pkgs.ErrPackageNotFound)
}

func TestPackageRepository_ReverseDependencies(t *testing.T) {
	tc := SetupTestDB(t)
	ctx := context.Background()

	lib := CreateTestPackage(t, "zlib", "1.3.1")
	lib.InstallReason = pkgs.ReasonDependency
	require.NoError(t, tc.PackageRepo.Add(ctx, lib))

	app := CreateTestPackage(t, "git", "2.46.0")
	require.NoError(t, tc.PackageRepo.Add(ctx, app))
	require.NoError(t, tc.PackageRepo.AddDependency(ctx, &pkgs.Dependency{
		PackageID: app.ID,
		DependsOn: "zlib",
		DepType:   pkgs.DepRuntime,
	}))

	tool := CreateTestPackage(t, "cmake", "3.30.2")
	require.NoError(t, tc.PackageRepo.Add(ctx, tool))
	require.NoError(t, tc.PackageRepo.AddDependency(ctx, &pkgs.Dependency{
		PackageID: tool.ID,
		DependsOn: "zlib",
		DepType:   pkgs.DepBuild,
	}))

	revdeps, err := tc.PackageRepo.ReverseDependencies(ctx, "zlib")
	require.NoError(t, err)
	require.Len(t, revdeps, 1)
	assert.Equal(t, "git", revdeps[0].Name)
}

func TestPackageRepository_InstallReasonAndOrphans(t *testing.T) {
	tc := SetupTestDB(t)
	ctx := context.Background()

	// git (explicit) -> zlib (dep) -> nothing
	// pcre2 (dep) has no remaining dependents and must show up as orphan.
	app := CreateTestPackage(t, "git", "2.46.0")
	require.NoError(t, tc.PackageRepo.Add(ctx, app))

	lib := CreateTestPackage(t, "zlib", "1.3.1")
	lib.InstallReason = pkgs.ReasonDependency
	require.NoError(t, tc.PackageRepo.Add(ctx, lib))

	orphan := CreateTestPackage(t, "pcre2", "10.44")
	orphan.InstallReason = pkgs.ReasonDependency
	require.NoError(t, tc.PackageRepo.Add(ctx, orphan))

	require.NoError(t, tc.PackageRepo.AddDependency(ctx, &pkgs.Dependency{
		PackageID: app.ID,
		DependsOn: "zlib",
		DepType:   pkgs.DepRuntime,
	}))

	orphans, err := tc.PackageRepo.FindOrphans(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "pcre2", orphans[0].Name)

	// Marking the orphan explicit takes it out of the orphan set.
	require.NoError(t, tc.PackageRepo.SetInstallReason(ctx, "pcre2", pkgs.ReasonExplicit))

	orphans, err = tc.PackageRepo.FindOrphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	explicit, err := tc.PackageRepo.ListByReason(ctx, pkgs.ReasonExplicit)
	require.NoError(t, err)
	assert.Len(t, explicit, 2)
}

func TestPackageRepository_OrphanChainStaysReachable(t *testing.T) {
	tc := SetupTestDB(t)
	ctx := context.Background()

	// a (explicit) -> b (dep) -> c (dep): neither b nor c is an orphan.
	a := CreateTestPackage(t, "a", "1.0.0")
	require.NoError(t, tc.PackageRepo.Add(ctx, a))

	b := CreateTestPackage(t, "b", "1.0.0")
	b.InstallReason = pkgs.ReasonDependency
	require.NoError(t, tc.PackageRepo.Add(ctx, b))

	c := CreateTestPackage(t, "c", "1.0.0")
	c.InstallReason = pkgs.ReasonDependency
	require.NoError(t, tc.PackageRepo.Add(ctx, c))

	require.NoError(t, tc.PackageRepo.AddDependency(ctx, &pkgs.Dependency{
		PackageID: a.ID, DependsOn: "b", DepType: pkgs.DepRuntime,
	}))
	require.NoError(t, tc.PackageRepo.AddDependency(ctx, &pkgs.Dependency{
		PackageID: b.ID, DependsOn: "c", DepType: pkgs.DepRuntime,
	}))

	orphans, err := tc.PackageRepo.FindOrphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	// Removing a strands the whole chain.
	require.NoError(t, tc.PackageRepo.Remove(ctx, "a"))

	orphans, err = tc.PackageRepo.FindOrphans(ctx)
	require.NoError(t, err)
	assert.Len(t, orphans, 2)
}

func TestHoldRepository_Lifecycle(t *testing.T) {
	tc := SetupTestDB(t)
	ctx := context.Background()

	held, err := tc.HoldRepo.IsHeld(ctx, "linux")
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, tc.HoldRepo.Hold(ctx, "linux", "6.10.3", "custom patches"))

	held, err = tc.HoldRepo.IsHeld(ctx, "linux")
	require.NoError(t, err)
	assert.True(t, held)

	info, err := tc.HoldRepo.GetHold(ctx, "linux")
	require.NoError(t, err)
	assert.Equal(t, "6.10.3", info.HeldVersion)
	assert.Equal(t, "custom patches", info.Reason)

	// Re-holding updates the record in place.
	require.NoError(t, tc.HoldRepo.Hold(ctx, "linux", "6.10.4", ""))
	info, err = tc.HoldRepo.GetHold(ctx, "linux")
	require.NoError(t, err)
	assert.Equal(t, "6.10.4", info.HeldVersion)

	holds, err := tc.HoldRepo.ListHolds(ctx)
	require.NoError(t, err)
	assert.Len(t, holds, 1)

	require.NoError(t, tc.HoldRepo.Unhold(ctx, "linux"))

	err = tc.HoldRepo.Unhold(ctx, "linux")
	assert.ErrorIs(t, err, pkgs.ErrPackageNotFound)
}

func TestKeyStore_TrustAndRevoke(t *testing.T) {
	tc := SetupTestDB(t)
	ctx := context.Background()

	key := CreateTestKey(t, "HYBRID:SHA256:00112233445566778899aabbccddeeff", "builder")
	require.NoError(t, tc.KeyStore.TrustKey(ctx, key))

	got, err := tc.KeyStore.GetKey(ctx, key.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "builder", got.Name)
	assert.Equal(t, signing.TrustMarginal, got.TrustLevel)

	// Re-trusting bumps the level on the existing row.
	key.TrustLevel = signing.TrustFull
	require.NoError(t, tc.KeyStore.TrustKey(ctx, key))
	got, err = tc.KeyStore.GetKey(ctx, key.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, signing.TrustFull, got.TrustLevel)

	require.NoError(t, tc.KeyStore.RevokeKey(ctx, key.Fingerprint, "compromised"))

	revoked, err := tc.KeyStore.IsRevoked(ctx, key.Fingerprint)
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = tc.KeyStore.GetKey(ctx, key.Fingerprint)
	assert.ErrorIs(t, err, signing.ErrKeyNotFound)

	// A revoked fingerprint can never re-enter the keyring.
	err = tc.KeyStore.TrustKey(ctx, key)
	require.Error(t, err)
}

func TestKeyStore_RemoveKey(t *testing.T) {
	tc := SetupTestDB(t)
	ctx := context.Background()

	key := CreateTestKey(t, "HYBRID:SHA256:ffeeddccbbaa99887766554433221100", "packager")
	require.NoError(t, tc.KeyStore.TrustKey(ctx, key))
	require.NoError(t, tc.KeyStore.RemoveKey(ctx, key.Fingerprint))

	err := tc.KeyStore.RemoveKey(ctx, key.Fingerprint)
	assert.ErrorIs(t, err, signing.ErrKeyNotFound)

	// Removing is not revoking.
	revoked, err := tc.KeyStore.IsRevoked(ctx, key.Fingerprint)
	require.NoError(t, err)
	assert.False(t, revoked)
}
