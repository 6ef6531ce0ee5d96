//go:build unit

package buildenv

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rookery-os/rookpkg/internal/domain/spec"
	"github.com/rookery-os/rookpkg/internal/pkg/config"
	pkgTesting "github.com/rookery-os/rookpkg/internal/pkg/testing"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Build.BuildDir = filepath.Join(base, "build")
	cfg.Build.CacheDir = filepath.Join(base, "cache")
	cfg.Build.Jobs = 2
	cfg.Download.Retries = 0
	return cfg
}

func testSpec() *spec.Spec {
	return &spec.Spec{
		Package: spec.PackageMeta{
			Name:       "hello",
			Version:    "1.0",
			Release:    1,
			Summary:    "Test program",
			License:    "MIT",
			Maintainer: "Rookery OS <dev@rookery-os.org>",
		},
	}
}

func newTestEnvironment(t *testing.T, pkgSpec *spec.Spec) *Environment {
	t.Helper()

	env, err := NewEnvironment(pkgSpec, testConfig(t), pkgTesting.SetupTestLogger(t))
	require.NoError(t, err)
	return env
}

// sourceTarball builds a gzipped tarball with a single hello-1.0/
// top-level directory and returns its bytes and checksum.
func sourceTarball(t *testing.T, files map[string]string) ([]byte, string) {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

func TestPhaseResultSuccess(t *testing.T) {
	ok := PhaseResult{Phase: "build"}
	assert.True(t, ok.Success())

	failed := PhaseResult{Phase: "build", ExitCode: 1, Stderr: "error"}
	assert.False(t, failed.Success())
}

func TestNewEnvironmentCreatesTree(t *testing.T) {
	env := newTestEnvironment(t, testSpec())

	assert.DirExists(t, env.BuildDir())
	assert.DirExists(t, env.SrcDir())
	assert.DirExists(t, env.DestDir())
	assert.Equal(t, "hello-1.0", filepath.Base(env.BuildDir()))
	assert.Equal(t, 2, env.Jobs())
}

func TestRunPhaseSkipsEmpty(t *testing.T) {
	env := newTestEnvironment(t, testSpec())

	result, err := env.RunPhase(context.Background(), "configure")
	require.NoError(t, err)
	assert.True(t, result.Success())
	assert.Empty(t, result.Stdout)
}

func TestRunPhaseEnvironment(t *testing.T) {
	pkgSpec := testSpec()
	pkgSpec.Environment = map[string]string{"CFLAGS": "-O2"}
	pkgSpec.Build.Build = `echo "$ROOKPKG_NAME $ROOKPKG_VERSION $ROOKPKG_RELEASE $MAKEFLAGS $CFLAGS"
echo "$ROOKPKG_DESTDIR"`
	env := newTestEnvironment(t, pkgSpec)

	result, err := env.RunPhase(context.Background(), "build")
	require.NoError(t, err)
	require.True(t, result.Success())

	assert.Contains(t, result.Stdout, "hello 1.0 1 -j2 -O2")
	assert.Contains(t, result.Stdout, env.DestDir())
}

func TestRunPhaseFailureStopsAtFirstError(t *testing.T) {
	pkgSpec := testSpec()
	pkgSpec.Build.Build = "echo before\nfalse\necho after"
	env := newTestEnvironment(t, pkgSpec)

	result, err := env.RunPhase(context.Background(), "build")
	require.NoError(t, err)
	assert.False(t, result.Success())
	assert.Equal(t, 1, result.ExitCode)
	assert.Contains(t, result.Stdout, "before")
	assert.NotContains(t, result.Stdout, "after")
}

func TestRunPhaseWorksInsideSingleSourceDir(t *testing.T) {
	pkgSpec := testSpec()
	pkgSpec.Build.Prep = "basename \"$PWD\""
	env := newTestEnvironment(t, pkgSpec)
	require.NoError(t, os.MkdirAll(filepath.Join(env.SrcDir(), "hello-1.0"), 0o755))

	result, err := env.RunPhase(context.Background(), "prep")
	require.NoError(t, err)
	require.True(t, result.Success())
	assert.Equal(t, "hello-1.0\n", result.Stdout)
}

func TestBuildAllRunsPhasesInOrder(t *testing.T) {
	pkgSpec := testSpec()
	pkgSpec.Build = spec.BuildPhases{
		Prep:      `echo prep >> "$ROOKPKG_BUILDDIR/phases.log"`,
		Configure: `echo configure >> "$ROOKPKG_BUILDDIR/phases.log"`,
		Build:     `echo build >> "$ROOKPKG_BUILDDIR/phases.log"`,
		Install:   `mkdir -p "$ROOKPKG_DESTDIR/usr/bin" && echo bin > "$ROOKPKG_DESTDIR/usr/bin/hello"`,
	}
	env := newTestEnvironment(t, pkgSpec)

	results, err := env.BuildAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 5)

	data, err := os.ReadFile(filepath.Join(env.BuildDir(), "phases.log"))
	require.NoError(t, err)
	assert.Equal(t, "prep\nconfigure\nbuild\n", string(data))

	files, err := env.CollectInstalledFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/hello"}, files)
}

func TestBuildAllStopsAtFailingPhase(t *testing.T) {
	pkgSpec := testSpec()
	pkgSpec.Build = spec.BuildPhases{
		Configure: "exit 7",
		Build:     `touch "$ROOKPKG_BUILDDIR/built"`,
	}
	env := newTestEnvironment(t, pkgSpec)

	results, err := env.BuildAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configure")
	require.Len(t, results, 2)
	assert.Equal(t, 7, results[1].ExitCode)
	assert.NoFileExists(t, filepath.Join(env.BuildDir(), "built"))
}

func TestFetchSourcesDownloadsAndExtracts(t *testing.T) {
	tarball, sum := sourceTarball(t, map[string]string{
		"hello-1.0/main.c": "int main(void) { return 0; }\n",
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(tarball)
	}))
	defer server.Close()

	pkgSpec := testSpec()
	pkgSpec.Sources = map[string]spec.Source{
		"main": {URL: server.URL + "/hello-1.0.tar.gz", SHA256: sum},
	}
	env := newTestEnvironment(t, pkgSpec)

	require.NoError(t, env.FetchSources(context.Background()))
	assert.FileExists(t, filepath.Join(env.SrcDir(), "hello-1.0", "main.c"))
	assert.FileExists(t, filepath.Join(env.CacheDir(), "hello-1.0.tar.gz"))
}

func TestFetchSourcesChecksumMismatch(t *testing.T) {
	tarball, _ := sourceTarball(t, map[string]string{"hello-1.0/main.c": "x"})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(tarball)
	}))
	defer server.Close()

	pkgSpec := testSpec()
	pkgSpec.Sources = map[string]spec.Source{
		"main": {
			URL:    server.URL + "/hello-1.0.tar.gz",
			SHA256: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		},
	}
	env := newTestEnvironment(t, pkgSpec)

	err := env.FetchSources(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "main")
}

func TestApplyPatchesMissingFile(t *testing.T) {
	pkgSpec := testSpec()
	pkgSpec.Patches = map[string]spec.Patch{
		"fix-build": {File: "fix-build.patch", Strip: 1},
	}
	env := newTestEnvironment(t, pkgSpec)

	err := env.ApplyPatches(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "patch file not found")
}

func TestCollectInstalledFilesSorted(t *testing.T) {
	env := newTestEnvironment(t, testSpec())

	pkgTesting.WriteTestTree(t, env.DestDir(), map[string]string{
		"usr/share/doc/hello/README": "docs",
		"usr/bin/hello":              "bin",
		"etc/hello.conf":             "conf",
	})

	files, err := env.CollectInstalledFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/etc/hello.conf",
		"/usr/bin/hello",
		"/usr/share/doc/hello/README",
	}, files)
}

func TestClean(t *testing.T) {
	env := newTestEnvironment(t, testSpec())
	require.NoError(t, env.Clean())
	assert.NoDirExists(t, env.BuildDir())
}

func TestBuilderFromSpecFile(t *testing.T) {
	pkgSpec := testSpec()
	data, err := pkgSpec.Marshal()
	require.NoError(t, err)

	specPath := filepath.Join(t.TempDir(), "hello.rook")
	require.NoError(t, os.WriteFile(specPath, data, 0o644))

	builder := NewBuilder(testConfig(t), pkgTesting.SetupTestLogger(t))
	env, err := builder.FromSpecFile(specPath)
	require.NoError(t, err)
	assert.Equal(t, "hello-1.0", filepath.Base(env.BuildDir()))

	_, err = builder.FromSpecFile(filepath.Join(t.TempDir(), "missing.rook"))
	assert.Error(t, err)
}
