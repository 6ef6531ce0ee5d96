//go:build unit
// +build unit

package commands

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rookery-os/rookpkg/internal/domain/pkgs"
	"github.com/rookery-os/rookpkg/internal/infrastructure/archive"
	"github.com/rookery-os/rookpkg/internal/infrastructure/cve"
	"github.com/rookery-os/rookpkg/internal/pkg/config"
)

func TestLogLevel(t *testing.T) {
	assert.Equal(t, config.LogLevelError, logLevel(0, true))
	assert.Equal(t, config.LogLevelError, logLevel(3, true))
	assert.Equal(t, config.LogLevelWarning, logLevel(0, false))
	assert.Equal(t, config.LogLevelInfo, logLevel(1, false))
	assert.Equal(t, config.LogLevelDebug, logLevel(2, false))
	assert.Equal(t, config.LogLevelDebug, logLevel(5, false))
}

func TestValidateArchiveContents(t *testing.T) {
	files := []archive.FileEntry{
		{Path: "/usr/bin/tool", FileType: archive.TypeRegular, SHA256: "abc"},
		{Path: "/usr/share/doc", FileType: archive.TypeDirectory},
		{Path: "/usr/bin/alias", FileType: archive.TypeSymlink, LinkTarget: "tool"},
	}
	require.NoError(t, validateArchiveContents(files))
}

func TestValidateArchiveContentsDuplicatePath(t *testing.T) {
	files := []archive.FileEntry{
		{Path: "/usr/bin/tool", FileType: archive.TypeRegular, SHA256: "abc"},
		{Path: "/usr/bin/tool", FileType: archive.TypeRegular, SHA256: "def"},
	}
	err := validateArchiveContents(files)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate file path")
}

func TestValidateArchiveContentsMissingChecksum(t *testing.T) {
	files := []archive.FileEntry{
		{Path: "/usr/bin/tool", FileType: archive.TypeRegular},
	}
	err := validateArchiveContents(files)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing checksum")
}

func TestSafeFingerprint(t *testing.T) {
	assert.Equal(t, "HYBRID-ab-cd-ef", safeFingerprint("HYBRID:ab:cd:ef"))
	assert.Equal(t, "plain", safeFingerprint("plain"))
	assert.Equal(t, "a-b-c", safeFingerprint("a/b:c"))
}

func TestShortChecksum(t *testing.T) {
	sum := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	assert.Equal(t, "0123456789abcdef", shortChecksum(sum))
	assert.Equal(t, "abc", shortChecksum("abc"))
}

func TestMapKeysSorted(t *testing.T) {
	keys := mapKeys(map[string]string{"zlib": ">=1.3", "acl": "*", "ncurses": ""})
	assert.Equal(t, []string{"acl", "ncurses", "zlib"}, keys)
	assert.Empty(t, mapKeys(nil))
}

func TestWrapText(t *testing.T) {
	lines := wrapText("a heap buffer overflow in the TLS handshake allows remote code execution", 30)
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.LessOrEqual(t, len(line), 30)
	}
	assert.Equal(t, []string{"short"}, wrapText("short", 30))
	assert.Empty(t, wrapText("", 30))
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "short", truncateText("short", 10))
	assert.Equal(t, "a long ...", truncateText("a long summary line", 10))
	assert.Len(t, truncateText("a long summary line", 10), 10)
}

func TestSeverityOrdering(t *testing.T) {
	assert.Less(t, severityRank(cve.SeverityCritical), severityRank(cve.SeverityHigh))
	assert.Less(t, severityRank(cve.SeverityHigh), severityRank(cve.SeverityMedium))
	assert.Less(t, severityRank(cve.SeverityMedium), severityRank(cve.SeverityLow))
	assert.Less(t, severityRank(cve.SeverityLow), severityRank(cve.SeverityUnknown))

	assert.Equal(t, "CRIT", severityAbbrev(cve.SeverityCritical))
	assert.Equal(t, "???", severityAbbrev(cve.SeverityUnknown))
}

// rdepRepo stubs the package repository with a fixed reverse
// dependency graph.
type rdepRepo struct {
	pkgs.PackageRepository
	rdeps map[string][]*pkgs.InstalledPackage
}

func (r *rdepRepo) ReverseDependencies(_ context.Context, name string) ([]*pkgs.InstalledPackage, error) {
	return r.rdeps[name], nil
}

func TestCollectCascade(t *testing.T) {
	zlib := &pkgs.InstalledPackage{ID: 1, Name: "zlib"}
	libpng := &pkgs.InstalledPackage{ID: 2, Name: "libpng"}
	gd := &pkgs.InstalledPackage{ID: 3, Name: "gd"}

	repo := &rdepRepo{rdeps: map[string][]*pkgs.InstalledPackage{
		"zlib":   {libpng},
		"libpng": {gd},
	}}

	cascaded, err := collectCascade(context.Background(), repo, []*pkgs.InstalledPackage{zlib})
	require.NoError(t, err)
	require.Len(t, cascaded, 2)
	assert.Equal(t, "libpng", cascaded[0].Name)
	assert.Equal(t, "gd", cascaded[1].Name)
}

func TestCollectCascadeSkipsAlreadySelected(t *testing.T) {
	a := &pkgs.InstalledPackage{ID: 1, Name: "a"}
	b := &pkgs.InstalledPackage{ID: 2, Name: "b"}

	// Mutual reverse dependencies must not loop or duplicate.
	repo := &rdepRepo{rdeps: map[string][]*pkgs.InstalledPackage{
		"a": {b},
		"b": {a},
	}}

	cascaded, err := collectCascade(context.Background(), repo, []*pkgs.InstalledPackage{a})
	require.NoError(t, err)
	require.Len(t, cascaded, 1)
	assert.Equal(t, "b", cascaded[0].Name)
}

func TestCollectCascadeNoDependents(t *testing.T) {
	repo := &rdepRepo{rdeps: map[string][]*pkgs.InstalledPackage{}}
	cascaded, err := collectCascade(context.Background(), repo, []*pkgs.InstalledPackage{
		{ID: 1, Name: "standalone"},
	})
	require.NoError(t, err)
	assert.Empty(t, cascaded)
}

func TestIsChecksumPlaceholder(t *testing.T) {
	assert.True(t, isChecksumPlaceholder(""))
	assert.True(t, isChecksumPlaceholder("FIXME"))
	assert.True(t, isChecksumPlaceholder("todo"))
	assert.True(t, isChecksumPlaceholder("  skip  "))
	assert.False(t, isChecksumPlaceholder("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"))
}
