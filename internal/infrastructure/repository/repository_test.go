//go:build unit
// +build unit

package repository

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	sigdomain "github.com/rookery-os/rookpkg/internal/domain/signing"
	"github.com/rookery-os/rookpkg/internal/domain/spec"
	"github.com/rookery-os/rookpkg/internal/infrastructure/archive"
	"github.com/rookery-os/rookpkg/internal/infrastructure/download"
	"github.com/rookery-os/rookpkg/internal/infrastructure/signing"
	"github.com/rookery-os/rookpkg/internal/pkg/config"
	pkgTesting "github.com/rookery-os/rookpkg/internal/pkg/testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleIndex() *PackageIndex {
	index := NewPackageIndex("core")
	index.AddPackage(PackageEntry{Name: "bash", Version: "5.1", Release: 1, Description: "GNU Bourne Again Shell"})
	index.AddPackage(PackageEntry{Name: "bash", Version: "5.2", Release: 1, Description: "GNU Bourne Again Shell"})
	index.AddPackage(PackageEntry{Name: "coreutils", Version: "9.4", Release: 2, Description: "Basic file utilities"})
	index.AddGroup(PackageGroup{
		Name:        "base",
		Description: "Minimal system",
		Packages:    []string{"bash", "coreutils"},
		Optional:    []string{"nano"},
		Essential:   true,
	})
	return index
}

func TestPackageIndexFindPackagePicksHighestVersion(t *testing.T) {
	index := sampleIndex()
	assert.Equal(t, 3, index.Count)

	found := index.FindPackage("bash")
	require.NotNil(t, found)
	assert.Equal(t, "5.2", found.Version)
	assert.Equal(t, "5.2-1", found.FullVersion())

	assert.Len(t, index.FindAllVersions("bash"), 2)
	assert.Nil(t, index.FindPackage("zsh"))
}

func TestPackageIndexReleaseBreaksVersionTie(t *testing.T) {
	index := NewPackageIndex("core")
	index.AddPackage(PackageEntry{Name: "zlib", Version: "1.3", Release: 1})
	index.AddPackage(PackageEntry{Name: "zlib", Version: "1.3", Release: 3})

	found := index.FindPackage("zlib")
	require.NotNil(t, found)
	assert.Equal(t, uint32(3), found.Release)
}

func TestPackageIndexSearch(t *testing.T) {
	index := sampleIndex()

	assert.Len(t, index.Search("shell"), 2)
	assert.Len(t, index.Search("UTILITIES"), 1)
	assert.Empty(t, index.Search("nothing"))

	groups := index.SearchGroups("minimal")
	require.Len(t, groups, 1)
	assert.Equal(t, "base", groups[0].Name)
}

func TestPackageGroupAllPackages(t *testing.T) {
	index := sampleIndex()
	group := index.FindGroup("base")
	require.NotNil(t, group)

	assert.Equal(t, []string{"bash", "coreutils"}, group.AllPackages(false))
	assert.Equal(t, []string{"bash", "coreutils", "nano"}, group.AllPackages(true))
}

func TestRepositoryURLs(t *testing.T) {
	repo := NewRepository(config.RepositorySettings{
		Name: "core",
		URL:  "https://pkgs.rookery-os.org/core/",
	}, t.TempDir())

	assert.Equal(t, "https://pkgs.rookery-os.org/core/repo.toml", repo.MetadataURL())
	assert.Equal(t, "https://pkgs.rookery-os.org/core/packages.json", repo.IndexURL())
	assert.Equal(t, "https://pkgs.rookery-os.org/core/packages.json.sig", repo.IndexSigURL())

	entry := &PackageEntry{Filename: "packages/bash-5.2-1.amd64.rookpkg"}
	assert.Equal(t, "https://pkgs.rookery-os.org/core/packages/bash-5.2-1.amd64.rookpkg", repo.PackageURL(entry))
}

func TestRepositoryCacheRoundTrip(t *testing.T) {
	cacheBase := t.TempDir()
	repo := NewRepository(config.RepositorySettings{Name: "core", URL: "https://example.org"}, cacheBase)
	assert.False(t, repo.HasCache())

	now := time.Now().UTC().Truncate(time.Second)
	repo.Metadata = &RepoMetadata{
		Repository: RepositoryInfo{Name: "core", Version: 1, Updated: &now},
		Signing:    RepoSigningInfo{Fingerprint: "HYBRID:SHA256:abcdef"},
	}
	repo.Index = sampleIndex()
	require.NoError(t, repo.SaveCache())
	assert.True(t, repo.HasCache())

	reloaded := NewRepository(config.RepositorySettings{Name: "core", URL: "https://example.org"}, cacheBase)
	require.NoError(t, reloaded.LoadCache())
	require.NotNil(t, reloaded.Metadata)
	assert.Equal(t, "core", reloaded.Metadata.Repository.Name)
	require.NotNil(t, reloaded.Index)
	assert.Equal(t, 3, reloaded.Index.Count)
	assert.Len(t, reloaded.Index.Groups, 1)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.00 KB", FormatBytes(1024))
	assert.Equal(t, "2.50 MB", FormatBytes(2*1024*1024+512*1024))
	assert.Equal(t, "1.00 GB", FormatBytes(1024*1024*1024))
}

func TestSignatureStatus(t *testing.T) {
	verified := SignatureStatus{
		State:  SignatureVerified,
		Signer: "Packager <packager@rookery-os.org>",
		Trust:  sigdomain.TrustFull,
	}
	assert.True(t, verified.IsVerified())
	assert.True(t, verified.IsTrusted())
	assert.Contains(t, verified.Description(), "Verified by Packager")

	unsigned := SignatureStatus{State: SignatureUnsigned}
	assert.False(t, unsigned.IsVerified())
	assert.False(t, unsigned.IsTrusted())
	assert.Equal(t, "Unsigned", unsigned.Description())

	unknown := SignatureStatus{State: SignatureUnknownKey, Fingerprint: "HYBRID:SHA256:dead"}
	assert.Contains(t, unknown.Description(), "Unknown key")
}

// testRepoServer hosts a signed repository for manager tests and
// returns the serving URL together with the test configuration.
type testRepoServer struct {
	URL     string
	Dir     string
	Config  *config.Config
	Key     *signing.SigningKey
	baseDir string
}

func newTestRepoServer(t *testing.T) *testRepoServer {
	t.Helper()

	log := pkgTesting.SetupTestLogger(t)
	baseDir := t.TempDir()

	keyDir := filepath.Join(baseDir, "keys")
	require.NoError(t, os.MkdirAll(keyDir, 0o755))
	key, err := signing.GenerateKeyPair(keyDir, "Repo Operator", "repo@rookery-os.org")
	require.NoError(t, err)

	masterDir := filepath.Join(baseDir, "master")
	require.NoError(t, os.MkdirAll(masterDir, 0o755))
	pub, err := os.ReadFile(filepath.Join(keyDir, "signing-key.pub"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(masterDir, "operator.pub"), pub, 0o644))

	repoDir := filepath.Join(baseDir, "repo")
	publisher := NewPublisher(key, log)
	require.NoError(t, publisher.Init(repoDir, "core", "Core packages"))

	server := httptest.NewServer(http.FileServer(http.Dir(repoDir)))
	t.Cleanup(server.Close)

	cfg := &config.Config{
		Signing: config.SigningSettings{
			MasterKeysDir:   masterDir,
			PackagerKeysDir: filepath.Join(baseDir, "packagers"),
			UserSigningKey:  filepath.Join(keyDir, "signing-key.secret"),
		},
		Repositories: []config.RepositorySettings{
			{Name: "core", URL: server.URL, Priority: 10},
		},
		Paths: config.PathSettings{
			CacheDir: filepath.Join(baseDir, "cache"),
		},
		Download: config.DownloadSettings{
			ConnectTimeoutSecs:  5,
			DownloadTimeoutSecs: 30,
			Retries:             0,
		},
	}

	return &testRepoServer{
		URL:     server.URL,
		Dir:     repoDir,
		Config:  cfg,
		Key:     key,
		baseDir: baseDir,
	}
}

// addPackage builds a real archive into the repository and refreshes
// the signed index.
func (s *testRepoServer) addPackage(t *testing.T, name, version, content string) *PackageEntry {
	t.Helper()

	log := pkgTesting.SetupTestLogger(t)
	staged := t.TempDir()
	pkgTesting.WriteTestTree(t, staged, map[string]string{
		"usr/bin/" + name: content,
	})

	parsed, err := spec.Parse([]byte(`
[package]
name = "` + name + `"
version = "` + version + `"
summary = "Test package"
license = "MIT"
maintainer = "Test Packager <packager@rookery-os.org>"
`))
	require.NoError(t, err)

	b := archive.NewBuilder(parsed, staged, log)
	require.NoError(t, b.ScanFiles())
	pkgPath, err := b.Build(filepath.Join(s.Dir, "packages"))
	require.NoError(t, err)

	// Detached package signature alongside the archive.
	sig, err := s.Key.SignFile(pkgPath)
	require.NoError(t, err)
	sigData, err := json.MarshalIndent(sig, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pkgPath+".sig", sigData, 0o644))

	publisher := NewPublisher(s.Key, log)
	index, err := publisher.Refresh(s.Dir)
	require.NoError(t, err)

	entry := index.FindPackage(name)
	require.NotNil(t, entry)
	return entry
}

func TestManagerUpdateAll(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)
	server := newTestRepoServer(t)
	server.addPackage(t, "hello", "1.0", "#!/bin/sh\necho hello\n")

	m, err := NewManager(server.Config, log)
	require.NoError(t, err)

	result := m.UpdateAll(context.Background())
	require.True(t, result.AllSuccess(), "update failed: %v", result.Failed)
	assert.Equal(t, []string{"core"}, result.Updated)
	assert.Equal(t, 1, result.Total())

	repo := m.Repo("core")
	require.NotNil(t, repo)
	require.NotNil(t, repo.Index)
	assert.NotNil(t, repo.Index.FindPackage("hello"))
	assert.True(t, repo.HasCache())

	// A second update with an unchanged index reports unchanged.
	result = m.UpdateAll(context.Background())
	require.True(t, result.AllSuccess())
	assert.Equal(t, []string{"core"}, result.Unchanged)
}

func TestManagerUpdateRejectsMissingSignature(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)
	server := newTestRepoServer(t)
	require.NoError(t, os.Remove(filepath.Join(server.Dir, "packages.json.sig")))

	m, err := NewManager(server.Config, log)
	require.NoError(t, err)

	result := m.UpdateAll(context.Background())
	require.Contains(t, result.Failed, "core")
	assert.ErrorContains(t, result.Failed["core"], "signature not found")
}

func TestManagerUpdateAllowsUntrustedWhenConfigured(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)
	server := newTestRepoServer(t)
	require.NoError(t, os.Remove(filepath.Join(server.Dir, "packages.json.sig")))
	server.Config.Signing.AllowUntrusted = true

	m, err := NewManager(server.Config, log)
	require.NoError(t, err)

	result := m.UpdateAll(context.Background())
	assert.True(t, result.AllSuccess())
}

func TestManagerUpdateRejectsTamperedIndex(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)
	server := newTestRepoServer(t)

	indexPath := filepath.Join(server.Dir, "packages.json")
	data, err := os.ReadFile(indexPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(indexPath, append(data, '\n'), 0o644))

	m, err := NewManager(server.Config, log)
	require.NoError(t, err)

	result := m.UpdateAll(context.Background())
	require.Contains(t, result.Failed, "core")
	assert.ErrorContains(t, result.Failed["core"], "signature verification failed")
}

func TestManagerDownloadAndVerify(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)
	server := newTestRepoServer(t)
	entry := server.addPackage(t, "hello", "1.0", "#!/bin/sh\necho hello\n")

	m, err := NewManager(server.Config, log)
	require.NoError(t, err)
	result := m.UpdateAll(context.Background())
	require.True(t, result.AllSuccess())

	verified, err := m.DownloadAndVerify(context.Background(), entry, "core")
	require.NoError(t, err)
	assert.True(t, verified.Signature.IsVerified())
	assert.True(t, verified.IsTrusted())
	assert.FileExists(t, verified.Path)

	// The user's own key in the master dir resolves with full trust.
	assert.Equal(t, sigdomain.TrustFull, verified.Signature.Trust)

	// Cached download short-circuits.
	assert.True(t, m.IsPackageCached(entry))
	path, err := m.DownloadPackage(context.Background(), entry, "core")
	require.NoError(t, err)
	assert.Equal(t, verified.Path, path)
}

func TestManagerDownloadRejectsUnsigned(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)
	server := newTestRepoServer(t)
	entry := server.addPackage(t, "hello", "1.0", "#!/bin/sh\necho hello\n")

	pkgFile := filepath.Join(server.Dir, entry.Filename)
	require.NoError(t, os.Remove(pkgFile+".sig"))

	m, err := NewManager(server.Config, log)
	require.NoError(t, err)
	result := m.UpdateAll(context.Background())
	require.True(t, result.AllSuccess())

	_, err = m.DownloadAndVerify(context.Background(), entry, "core")
	assert.ErrorContains(t, err, "unsigned")
}

func TestManagerDownloadChecksumMismatch(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)
	server := newTestRepoServer(t)
	entry := server.addPackage(t, "hello", "1.0", "#!/bin/sh\necho hello\n")

	// Corrupt the served package after indexing.
	pkgFile := filepath.Join(server.Dir, entry.Filename)
	require.NoError(t, os.WriteFile(pkgFile, []byte("corrupted"), 0o644))

	m, err := NewManager(server.Config, log)
	require.NoError(t, err)
	result := m.UpdateAll(context.Background())
	require.True(t, result.AllSuccess())

	_, err = m.DownloadPackage(context.Background(), entry, "core")
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestManagerMirrorFallback(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)
	server := newTestRepoServer(t)
	entry := server.addPackage(t, "hello", "1.0", "#!/bin/sh\necho hello\n")

	m, err := NewManager(server.Config, log)
	require.NoError(t, err)
	result := m.UpdateAll(context.Background())
	require.True(t, result.AllSuccess())

	// Point the primary URL at a dead server, leaving the original
	// reachable only through a mirror.
	repo := m.Repo("core")
	repo.URL = "http://127.0.0.1:1/broken"
	repo.Metadata.Mirrors = []Mirror{
		{URL: server.URL, Priority: 50, Enabled: true},
		{URL: "http://127.0.0.1:1/also-broken", Priority: 10, Enabled: false},
	}

	path, err := m.DownloadPackage(context.Background(), entry, "core")
	require.NoError(t, err)

	ok, err := download.VerifyChecksum(path, entry.SHA256)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManagerCleanPackageCache(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)
	server := newTestRepoServer(t)

	m, err := NewManager(server.Config, log)
	require.NoError(t, err)

	fresh := filepath.Join(m.PackageCacheDir(), "fresh-1.0-1.amd64.rookpkg")
	stale := filepath.Join(m.PackageCacheDir(), "stale-1.0-1.amd64.rookpkg")
	require.NoError(t, os.WriteFile(fresh, []byte("fresh"), 0o644))
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0o644))
	old := time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	result, err := m.CleanPackageCache(30)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalFiles)
	assert.Equal(t, 1, result.RemovedFiles)
	assert.True(t, result.AnyRemoved())
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)

	result, err = m.CleanAllPackages()
	require.NoError(t, err)
	assert.Equal(t, 1, result.RemovedFiles)
	assert.NoFileExists(t, fresh)
}

func TestManagerSearchAcrossRepos(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)
	server := newTestRepoServer(t)
	server.addPackage(t, "hello", "1.0", "#!/bin/sh\necho hello\n")

	m, err := NewManager(server.Config, log)
	require.NoError(t, err)
	result := m.UpdateAll(context.Background())
	require.True(t, result.AllSuccess())

	results := m.Search("hello")
	require.Len(t, results, 1)
	assert.Equal(t, "core", results[0].Repository)

	found := m.FindPackage("hello")
	require.NotNil(t, found)
	assert.Equal(t, "1.0", found.Package.Version)

	assert.Nil(t, m.FindPackage("missing"))
	assert.Nil(t, m.ExpandGroup("missing", false))
}

func TestPublisherRefreshLoadsGroupsAndDeltas(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)
	server := newTestRepoServer(t)
	server.addPackage(t, "hello", "1.0", "#!/bin/sh\necho hello\n")

	groupsToml := `
[groups.base]
description = "Minimal system"
packages = ["hello"]
optional = ["nano"]
essential = true
`
	require.NoError(t, os.WriteFile(filepath.Join(server.Dir, "groups.toml"), []byte(groupsToml), 0o644))

	deltasJSON := `{
  "version": 1,
  "generated": "2026-08-01T00:00:00Z",
  "packages": {
    "hello": {
      "name": "hello",
      "deltas": [
        {"from_version": "0.9", "from_release": 1, "to_version": "1.0", "to_release": 1,
         "filename": "deltas/hello-0.9-1_to_1.0-1.amd64.rookdelta", "size": 1024, "sha256": "ab"}
      ]
    }
  }
}`
	require.NoError(t, os.WriteFile(filepath.Join(server.Dir, "deltas.json"), []byte(deltasJSON), 0o644))

	publisher := NewPublisher(server.Key, log)
	index, err := publisher.Refresh(server.Dir)
	require.NoError(t, err)

	group := index.FindGroup("base")
	require.NotNil(t, group)
	assert.True(t, group.Essential)

	found := index.FindDelta("hello", "0.9", 1, "1.0", 1)
	require.NotNil(t, found)
	assert.Equal(t, int64(1024), found.Size)
	assert.Nil(t, index.FindDelta("hello", "0.8", 1, "1.0", 1))
}

func TestPublisherInitRefusesExistingRepo(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)
	server := newTestRepoServer(t)

	publisher := NewPublisher(server.Key, log)
	err := publisher.Init(server.Dir, "core", "Core packages")
	assert.ErrorContains(t, err, "already exists")
}
