//go:build unit
// +build unit

package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rookery-os/rookpkg/internal/domain/spec"
	pkgTesting "github.com/rookery-os/rookpkg/internal/pkg/testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec(t *testing.T) *spec.Spec {
	t.Helper()

	s, err := spec.Parse([]byte(`
[package]
name = "hello"
version = "2.12"
summary = "Friendly greeter"
license = "GPL-3.0"
maintainer = "Test Packager <packager@rookery-os.org>"

[depends]
glibc = ">=2.39"

[scripts]
post-install = "echo installed"
`))
	require.NoError(t, err)
	return s
}

func stageTree(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	pkgTesting.WriteTestTree(t, dir, map[string]string{
		"usr/bin/hello":    "#!/bin/sh\necho hello\n",
		"etc/hello.conf":   "greeting=hello\n",
		"usr/share/doc/hello/README": "docs\n",
	})
	require.NoError(t, os.Chmod(filepath.Join(dir, "usr/bin/hello"), 0o755))
	require.NoError(t, os.Symlink("hello", filepath.Join(dir, "usr/bin/hi")))
	return dir
}

func TestPackageInfoFilename(t *testing.T) {
	info := &PackageInfo{Name: "hello", Version: "2.12", Release: 1, Arch: "amd64"}
	assert.Equal(t, "hello-2.12-1.amd64.rookpkg", info.Filename())
	assert.Equal(t, "2.12-1", info.FullVersion())
}

func TestInstallScriptsHasScripts(t *testing.T) {
	empty := &InstallScripts{}
	assert.False(t, empty.HasScripts())

	withPost := &InstallScripts{PostInstall: "echo hello"}
	assert.True(t, withPost.HasScripts())
}

func TestBuilderScanFiles(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)
	staged := stageTree(t)

	b := NewBuilder(testSpec(t), staged, log)
	require.NoError(t, b.ScanFiles())

	byPath := map[string]FileEntry{}
	for _, f := range b.Files() {
		byPath[f.Path] = f
	}

	bin, ok := byPath["/usr/bin/hello"]
	require.True(t, ok)
	assert.Equal(t, TypeRegular, bin.FileType)
	assert.Equal(t, uint32(0o755), bin.Mode)
	assert.Len(t, bin.SHA256, 64)
	assert.False(t, bin.IsConfig)

	conf, ok := byPath["/etc/hello.conf"]
	require.True(t, ok)
	assert.True(t, conf.IsConfig)

	link, ok := byPath["/usr/bin/hi"]
	require.True(t, ok)
	assert.Equal(t, TypeSymlink, link.FileType)
	assert.Equal(t, "hello", link.LinkTarget)

	assert.Equal(t, TypeDirectory, byPath["/usr/bin"].FileType)
	assert.NotZero(t, b.Info().InstalledSize)
}

func TestBuildAndReadRoundTrip(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)
	staged := stageTree(t)

	b := NewBuilder(testSpec(t), staged, log)
	require.NoError(t, b.ScanFiles())

	outDir := t.TempDir()
	path, err := b.Build(outDir)
	require.NoError(t, err)
	assert.Equal(t, b.Info().Filename(), filepath.Base(path))

	r, err := NewReader(path)
	require.NoError(t, err)

	info, err := r.ReadInfo()
	require.NoError(t, err)
	assert.Equal(t, "hello", info.Name)
	assert.Equal(t, "2.12", info.Version)
	assert.Equal(t, uint32(1), info.Release)
	assert.Equal(t, ">=2.39", info.Depends["glibc"])

	files, err := r.ReadFiles()
	require.NoError(t, err)
	assert.Equal(t, len(b.Files()), len(files))

	scripts, err := r.ReadScripts()
	require.NoError(t, err)
	require.NotNil(t, scripts)
	assert.Equal(t, "echo installed", scripts.PostInstall)
}

func TestReadScriptsAbsent(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)
	staged := stageTree(t)

	s := testSpec(t)
	s.Scripts = spec.Scripts{}

	b := NewBuilder(s, staged, log)
	require.NoError(t, b.ScanFiles())
	path, err := b.Build(t.TempDir())
	require.NoError(t, err)

	r, err := NewReader(path)
	require.NoError(t, err)

	scripts, err := r.ReadScripts()
	require.NoError(t, err)
	assert.Nil(t, scripts)
}

func TestExtractData(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)
	staged := stageTree(t)

	b := NewBuilder(testSpec(t), staged, log)
	require.NoError(t, b.ScanFiles())
	path, err := b.Build(t.TempDir())
	require.NoError(t, err)

	r, err := NewReader(path)
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, r.ExtractData(dest))

	content, err := os.ReadFile(filepath.Join(dest, "usr/bin/hello"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho hello\n", string(content))

	info, err := os.Stat(filepath.Join(dest, "usr/bin/hello"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	target, err := os.Readlink(filepath.Join(dest, "usr/bin/hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello", target)
}

func TestNewReaderMissingFile(t *testing.T) {
	_, err := NewReader("/nonexistent/pkg.rookpkg")
	require.Error(t, err)
}
