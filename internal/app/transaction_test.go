//go:build unit
// +build unit

package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rookery-os/rookpkg/internal/domain/pkgs"
	"github.com/rookery-os/rookpkg/internal/domain/spec"
	"github.com/rookery-os/rookpkg/internal/infrastructure/archive"
	pkgTesting "github.com/rookery-os/rookpkg/internal/pkg/testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryPackageRepository is an in-memory PackageRepository for
// transaction tests.
type memoryPackageRepository struct {
	nextID   uint
	packages map[string]*pkgs.InstalledPackage
	files    map[uint][]*pkgs.PackageFile
	deps     map[uint][]*pkgs.Dependency
}

func newMemoryPackageRepository() *memoryPackageRepository {
	return &memoryPackageRepository{
		nextID:   1,
		packages: make(map[string]*pkgs.InstalledPackage),
		files:    make(map[uint][]*pkgs.PackageFile),
		deps:     make(map[uint][]*pkgs.Dependency),
	}
}

func (m *memoryPackageRepository) Add(_ context.Context, pkg *pkgs.InstalledPackage) error {
	if existing, ok := m.packages[pkg.Name]; ok {
		delete(m.files, existing.ID)
		delete(m.deps, existing.ID)
	}
	pkg.ID = m.nextID
	m.nextID++
	clone := *pkg
	m.packages[pkg.Name] = &clone
	return nil
}

func (m *memoryPackageRepository) GetByName(_ context.Context, name string) (*pkgs.InstalledPackage, error) {
	pkg, ok := m.packages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pkgs.ErrPackageNotFound, name)
	}
	clone := *pkg
	return &clone, nil
}

func (m *memoryPackageRepository) List(_ context.Context) ([]*pkgs.InstalledPackage, error) {
	var out []*pkgs.InstalledPackage
	for _, pkg := range m.packages {
		clone := *pkg
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memoryPackageRepository) Remove(_ context.Context, name string) error {
	pkg, ok := m.packages[name]
	if !ok {
		return fmt.Errorf("%w: %s", pkgs.ErrPackageNotFound, name)
	}
	delete(m.files, pkg.ID)
	delete(m.deps, pkg.ID)
	delete(m.packages, name)
	return nil
}

func (m *memoryPackageRepository) AddFile(_ context.Context, file *pkgs.PackageFile) error {
	m.files[file.PackageID] = append(m.files[file.PackageID], file)
	return nil
}

func (m *memoryPackageRepository) FilesOf(_ context.Context, packageID uint) ([]*pkgs.PackageFile, error) {
	return m.files[packageID], nil
}

func (m *memoryPackageRepository) FileOwner(_ context.Context, path string) (*pkgs.InstalledPackage, error) {
	for _, pkg := range m.packages {
		for _, file := range m.files[pkg.ID] {
			if file.Path == path {
				clone := *pkg
				return &clone, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no package owns %s", pkgs.ErrPackageNotFound, path)
}

func (m *memoryPackageRepository) AddDependency(_ context.Context, dep *pkgs.Dependency) error {
	m.deps[dep.PackageID] = append(m.deps[dep.PackageID], dep)
	return nil
}

func (m *memoryPackageRepository) DependenciesOf(_ context.Context, packageID uint) ([]*pkgs.Dependency, error) {
	return m.deps[packageID], nil
}

func (m *memoryPackageRepository) ReverseDependencies(_ context.Context, name string) ([]*pkgs.InstalledPackage, error) {
	var out []*pkgs.InstalledPackage
	for _, pkg := range m.packages {
		for _, dep := range m.deps[pkg.ID] {
			if dep.DependsOn == name {
				clone := *pkg
				out = append(out, &clone)
			}
		}
	}
	return out, nil
}

func (m *memoryPackageRepository) SetInstallReason(_ context.Context, name string, reason pkgs.InstallReason) error {
	pkg, ok := m.packages[name]
	if !ok {
		return fmt.Errorf("%w: %s", pkgs.ErrPackageNotFound, name)
	}
	pkg.InstallReason = reason
	return nil
}

func (m *memoryPackageRepository) ListByReason(_ context.Context, reason pkgs.InstallReason) ([]*pkgs.InstalledPackage, error) {
	var out []*pkgs.InstalledPackage
	for _, pkg := range m.packages {
		if pkg.InstallReason == reason {
			clone := *pkg
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memoryPackageRepository) FindOrphans(ctx context.Context) ([]*pkgs.InstalledPackage, error) {
	var out []*pkgs.InstalledPackage
	for _, pkg := range m.packages {
		if pkg.InstallReason != pkgs.ReasonDependency {
			continue
		}
		parents, _ := m.ReverseDependencies(ctx, pkg.Name)
		if len(parents) == 0 {
			clone := *pkg
			out = append(out, &clone)
		}
	}
	return out, nil
}

func buildTestArchive(t *testing.T, name, version string, files map[string]string, specExtra string) string {
	t.Helper()

	s, err := spec.Parse([]byte(fmt.Sprintf(`
[package]
name = "%s"
version = "%s"
summary = "Test package"
license = "MIT"
maintainer = "Test Packager <packager@rookery-os.org>"
%s`, name, version, specExtra)))
	require.NoError(t, err)

	stage := t.TempDir()
	pkgTesting.WriteTestTree(t, stage, files)

	builder := archive.NewBuilder(s, stage, pkgTesting.SetupTestLogger(t))
	require.NoError(t, builder.ScanFiles())
	path, err := builder.Build(t.TempDir())
	require.NoError(t, err)
	return path
}

func newTestTransaction(t *testing.T) (*Transaction, *memoryPackageRepository, string) {
	t.Helper()

	root := t.TempDir()
	repo := newMemoryPackageRepository()
	tx, err := NewTransaction(root, repo, pkgTesting.SetupTestLogger(t))
	require.NoError(t, err)
	return tx, repo, root
}

func TestTransactionInstall(t *testing.T) {
	archivePath := buildTestArchive(t, "hello", "1.0", map[string]string{
		"usr/bin/hello":  "binary\n",
		"etc/hello.conf": "greeting=hi\n",
	}, "")

	tx, repo, root := newTestTransaction(t)
	tx.Install("hello", "1.0", archivePath)
	require.NoError(t, tx.Execute(context.Background()))
	assert.Equal(t, StateCompleted, tx.State())

	assert.FileExists(t, filepath.Join(root, "usr/bin/hello"))
	assert.FileExists(t, filepath.Join(root, "etc/hello.conf"))

	pkg, err := repo.GetByName(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "1.0", pkg.Version)
	assert.Equal(t, pkgs.ReasonExplicit, pkg.InstallReason)

	files, err := repo.FilesOf(context.Background(), pkg.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, files)

	// Transaction directory is cleaned up after success.
	assert.NoDirExists(t, filepath.Join(root, transactionsSubdir, tx.ID()))
}

func TestTransactionInstallRecordsDependencies(t *testing.T) {
	archivePath := buildTestArchive(t, "tool", "2.0", map[string]string{
		"usr/bin/tool": "binary\n",
	}, "\n[depends]\nzlib = \">= 1.2\"\n")

	tx, repo, _ := newTestTransaction(t)
	tx.Install("tool", "2.0", archivePath)
	require.NoError(t, tx.Execute(context.Background()))

	pkg, err := repo.GetByName(context.Background(), "tool")
	require.NoError(t, err)
	deps, err := repo.DependenciesOf(context.Background(), pkg.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "zlib", deps[0].DependsOn)
	assert.Equal(t, pkgs.DepRuntime, deps[0].DepType)
}

func TestTransactionRemove(t *testing.T) {
	archivePath := buildTestArchive(t, "hello", "1.0", map[string]string{
		"usr/bin/hello":          "binary\n",
		"usr/share/hello/banner": "hi\n",
	}, "")

	ctx := context.Background()
	tx, repo, root := newTestTransaction(t)
	tx.Install("hello", "1.0", archivePath)
	require.NoError(t, tx.Execute(ctx))

	rm, err := NewTransaction(root, repo, pkgTesting.SetupTestLogger(t))
	require.NoError(t, err)
	rm.Remove("hello")
	require.NoError(t, rm.Execute(ctx))

	assert.NoFileExists(t, filepath.Join(root, "usr/bin/hello"))
	// Empty non-protected directories are pruned, protected ones stay.
	assert.NoDirExists(t, filepath.Join(root, "usr/share/hello"))
	assert.DirExists(t, filepath.Join(root, "usr/share"))

	_, err = repo.GetByName(ctx, "hello")
	assert.ErrorIs(t, err, pkgs.ErrPackageNotFound)
}

func TestTransactionRemoveNotInstalled(t *testing.T) {
	tx, _, _ := newTestTransaction(t)
	tx.Remove("ghost")
	err := tx.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost is not installed")
	assert.Equal(t, StateRolledBack, tx.State())
}

func TestTransactionUpgradeKeepsInstallReason(t *testing.T) {
	oldArchive := buildTestArchive(t, "lib", "1.0", map[string]string{
		"usr/lib/lib.so.1": "v1\n",
	}, "")
	newArchive := buildTestArchive(t, "lib", "2.0", map[string]string{
		"usr/lib/lib.so.2": "v2\n",
	}, "")

	ctx := context.Background()
	tx, repo, root := newTestTransaction(t)
	tx.Install("lib", "1.0", oldArchive)
	require.NoError(t, tx.Execute(ctx))
	require.NoError(t, repo.SetInstallReason(ctx, "lib", pkgs.ReasonDependency))

	up, err := NewTransaction(root, repo, pkgTesting.SetupTestLogger(t))
	require.NoError(t, err)
	up.Upgrade("lib", "1.0-1", "2.0-1", newArchive)
	require.NoError(t, up.Execute(ctx))

	pkg, err := repo.GetByName(ctx, "lib")
	require.NoError(t, err)
	assert.Equal(t, "2.0", pkg.Version)
	assert.Equal(t, pkgs.ReasonDependency, pkg.InstallReason)

	assert.NoFileExists(t, filepath.Join(root, "usr/lib/lib.so.1"))
	assert.FileExists(t, filepath.Join(root, "usr/lib/lib.so.2"))
}

func TestTransactionRollbackOnFailure(t *testing.T) {
	goodArchive := buildTestArchive(t, "good", "1.0", map[string]string{
		"usr/bin/good": "binary\n",
	}, "")

	ctx := context.Background()
	tx, repo, root := newTestTransaction(t)
	tx.Install("good", "1.0", goodArchive)
	tx.Remove("missing")
	err := tx.Execute(ctx)
	require.Error(t, err)
	assert.Equal(t, StateRolledBack, tx.State())

	// The successful install was undone.
	assert.NoFileExists(t, filepath.Join(root, "usr/bin/good"))
	_, err = repo.GetByName(ctx, "good")
	assert.ErrorIs(t, err, pkgs.ErrPackageNotFound)
}

func TestTransactionRollbackRestoresModifiedFiles(t *testing.T) {
	archivePath := buildTestArchive(t, "conf", "1.0", map[string]string{
		"etc/app.conf": "packaged\n",
	}, "")

	ctx := context.Background()
	tx, _, root := newTestTransaction(t)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc/app.conf"), []byte("original\n"), 0o644))

	tx.Install("conf", "1.0", archivePath)
	tx.Remove("missing")
	require.Error(t, tx.Execute(ctx))

	data, err := os.ReadFile(filepath.Join(root, "etc/app.conf"))
	require.NoError(t, err)
	assert.Equal(t, "original\n", string(data))
}

func TestTransactionExecuteTwice(t *testing.T) {
	archivePath := buildTestArchive(t, "hello", "1.0", map[string]string{
		"usr/bin/hello": "binary\n",
	}, "")

	tx, _, _ := newTestTransaction(t)
	tx.Install("hello", "1.0", archivePath)
	require.NoError(t, tx.Execute(context.Background()))

	err := tx.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already executed")
}

func TestTransactionInstallScriptsRun(t *testing.T) {
	archivePath := buildTestArchive(t, "scripted", "1.0", map[string]string{
		"usr/bin/scripted": "binary\n",
	}, "\n[scripts]\npost-install = \"touch \\\"$ROOKPKG_ROOT/post-ran\\\"\"\n")

	tx, _, root := newTestTransaction(t)
	tx.Install("scripted", "1.0", archivePath)
	require.NoError(t, tx.Execute(context.Background()))

	assert.FileExists(t, filepath.Join(root, "post-ran"))
	// Scripts are persisted for later removal and upgrade runs.
	assert.FileExists(t, filepath.Join(root, scriptsSubdir, "scripted", "post_install.sh"))
}

func TestTransactionFailingScriptRollsBack(t *testing.T) {
	archivePath := buildTestArchive(t, "broken", "1.0", map[string]string{
		"usr/bin/broken": "binary\n",
	}, "\n[scripts]\npost-install = \"echo boom >&2; exit 1\"\n")

	tx, repo, root := newTestTransaction(t)
	tx.Install("broken", "1.0", archivePath)
	err := tx.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "post_install script failed for broken: boom")
	assert.Equal(t, StateRolledBack, tx.State())

	assert.NoFileExists(t, filepath.Join(root, "usr/bin/broken"))
	_, err = repo.GetByName(context.Background(), "broken")
	assert.ErrorIs(t, err, pkgs.ErrPackageNotFound)
}

func TestCheckConflictsBetweenTransactionPackages(t *testing.T) {
	first := buildTestArchive(t, "first", "1.0", map[string]string{
		"usr/bin/shared": "one\n",
	}, "")
	second := buildTestArchive(t, "second", "1.0", map[string]string{
		"usr/bin/shared": "two\n",
	}, "")

	tx, _, _ := newTestTransaction(t)
	tx.Install("first", "1.0", first)
	tx.Install("second", "1.0", second)

	conflicts, err := tx.CheckConflicts(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictTransactionPackage, conflicts[0].Kind)
	assert.Equal(t, "/usr/bin/shared", conflicts[0].Path)
	assert.Contains(t, conflicts[0].String(), "would be installed by both")
}

func TestCheckConflictsWithInstalledPackage(t *testing.T) {
	owned := buildTestArchive(t, "owner", "1.0", map[string]string{
		"usr/bin/claimed": "mine\n",
	}, "")
	intruder := buildTestArchive(t, "intruder", "1.0", map[string]string{
		"usr/bin/claimed": "theirs\n",
	}, "")

	ctx := context.Background()
	tx, repo, root := newTestTransaction(t)
	tx.Install("owner", "1.0", owned)
	require.NoError(t, tx.Execute(ctx))

	tx2, err := NewTransaction(root, repo, pkgTesting.SetupTestLogger(t))
	require.NoError(t, err)
	tx2.Install("intruder", "1.0", intruder)

	conflicts, err := tx2.CheckConflicts(ctx, false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictInstalledPackage, conflicts[0].Kind)
	assert.Equal(t, "owner", conflicts[0].Owner)

	// Upgrading the owner in the same transaction clears the conflict.
	tx3, err := NewTransaction(root, repo, pkgTesting.SetupTestLogger(t))
	require.NoError(t, err)
	tx3.Remove("owner")
	tx3.Install("intruder", "1.0", intruder)
	conflicts, err = tx3.CheckConflicts(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestCheckConflictsUnownedFile(t *testing.T) {
	archivePath := buildTestArchive(t, "pkg", "1.0", map[string]string{
		"etc/preexisting.conf": "packaged\n",
	}, "")

	tx, _, root := newTestTransaction(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc/preexisting.conf"), []byte("local\n"), 0o644))

	tx.Install("pkg", "1.0", archivePath)

	conflicts, err := tx.CheckConflicts(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictUnownedFile, conflicts[0].Kind)

	// Without the unowned check the file is not reported.
	conflicts, err = tx.CheckConflicts(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestResumeAndListPending(t *testing.T) {
	root := t.TempDir()
	repo := newMemoryPackageRepository()
	log := pkgTesting.SetupTestLogger(t)

	tx, err := NewTransaction(root, repo, log)
	require.NoError(t, err)
	tx.Install("hello", "1.0", "/tmp/hello.rookpkg")
	tx.state = StateInProgress
	require.NoError(t, tx.saveState())

	pending, err := ListPendingTransactions(root)
	require.NoError(t, err)
	assert.Equal(t, []string{tx.ID()}, pending)

	resumed, err := ResumeTransaction(root, tx.ID(), repo, log)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, resumed.State())
	require.Len(t, resumed.Operations(), 1)
	assert.Equal(t, OpInstall, resumed.Operations()[0].Type)
	assert.Equal(t, "hello", resumed.Operations()[0].Package)

	_, err = ResumeTransaction(root, "nope", repo, log)
	require.Error(t, err)
}

func TestListPendingEmptyRoot(t *testing.T) {
	pending, err := ListPendingTransactions(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, pending)
}
