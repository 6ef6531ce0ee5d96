//go:build unit
// +build unit

package delta

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rookery-os/rookpkg/internal/domain/spec"
	"github.com/rookery-os/rookpkg/internal/infrastructure/archive"
	pkgTesting "github.com/rookery-os/rookpkg/internal/pkg/testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInfo() *Info {
	return &Info{
		Name:       "hello",
		OldVersion: "1.0",
		OldRelease: 1,
		NewVersion: "1.1",
		NewRelease: 2,
		Arch:       "amd64",
		OldSize:    1000,
		NewSize:    1200,
		DeltaSize:  200,
		Algorithm:  AlgorithmBsdiff,
	}
}

func TestInfoFilename(t *testing.T) {
	assert.Equal(t, "hello-1.0-1_to_1.1-2.amd64.rookdelta", testInfo().Filename())
}

func TestInfoSavings(t *testing.T) {
	info := testInfo()
	assert.InDelta(t, 83.3, info.SavingsPercent(), 0.1)
	assert.True(t, info.IsWorthwhile())

	info.DeltaSize = 1150
	assert.False(t, info.IsWorthwhile())

	info.NewSize = 0
	assert.Equal(t, 0.0, info.SavingsPercent())
}

func TestComputeDiffRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	old := make([]byte, 64*1024)
	rng.Read(old)

	// New data keeps most of the old bytes, drops a chunk in the
	// middle, and appends fresh content at the end.
	new := append([]byte{}, old[:20*1024]...)
	new = append(new, []byte("inserted section")...)
	new = append(new, old[32*1024:]...)
	tail := make([]byte, 2048)
	rng.Read(tail)
	new = append(new, tail...)

	d := computeDiff(old, new)
	require.NotEmpty(t, d.ops)

	stream, err := d.serialize()
	require.NoError(t, err)

	parsed, err := parseDelta(stream)
	require.NoError(t, err)
	assert.Equal(t, d.outputSize, parsed.outputSize)
	assert.Equal(t, d.outputSHA256, parsed.outputSHA256)

	result, err := parsed.apply(old)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(new, result))
}

func TestComputeDiffReusesOldBlocks(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	old := make([]byte, 32*1024)
	rng.Read(old)

	new := append([]byte{}, old...)
	copy(new[len(new)-512:], []byte("replaced tail bytes"))

	d := computeDiff(old, new)

	var inserted int
	for _, o := range d.ops {
		if o.kind == opInsert {
			inserted += len(o.data)
		}
	}
	assert.Less(t, inserted, 1024, "unchanged data should be emitted as copies")
}

func TestApplyRejectsTamperedStream(t *testing.T) {
	old := []byte("the quick brown fox jumps over the lazy dog")
	d := computeDiff(old, append(old, []byte(" again")...))

	stream, err := d.serialize()
	require.NoError(t, err)

	parsed, err := parseDelta(stream)
	require.NoError(t, err)
	old[3] ^= 0xff
	_, err = parsed.apply(old)
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestParseDeltaRejectsGarbage(t *testing.T) {
	_, err := parseDelta([]byte("not a delta"))
	assert.Error(t, err)

	d := computeDiff([]byte("aaaa"), []byte("aaab"))
	stream, err := d.serialize()
	require.NoError(t, err)

	_, err = parseDelta(stream[:len(stream)-2])
	assert.ErrorIs(t, err, errTruncated)
}

func TestRepoIndexFind(t *testing.T) {
	idx := NewRepoIndex()
	idx.Add("hello", Entry{
		FromVersion: "1.0", FromRelease: 1,
		ToVersion: "1.1", ToRelease: 1,
		Filename: "hello-1.0-1_to_1.1-1.amd64.rookdelta",
	})
	idx.Add("hello", Entry{
		FromVersion: "1.1", FromRelease: 1,
		ToVersion: "1.2", ToRelease: 1,
		Filename: "hello-1.1-1_to_1.2-1.amd64.rookdelta",
	})

	found := idx.Find("hello", "1.1", 1, "1.2", 1)
	require.NotNil(t, found)
	assert.Equal(t, "hello-1.1-1_to_1.2-1.amd64.rookdelta", found.Filename)

	assert.Nil(t, idx.Find("hello", "0.9", 1, "1.0", 1))
	assert.Nil(t, idx.Find("other", "1.0", 1, "1.1", 1))

	anyDelta := idx.Packages["hello"].FindFrom("1.0", 1)
	require.NotNil(t, anyDelta)
	assert.Equal(t, "1.1", anyDelta.ToVersion)
}

func deltaSpec(t *testing.T, version string) *spec.Spec {
	t.Helper()

	s, err := spec.Parse([]byte(fmt.Sprintf(`
[package]
name = "libgreet"
version = %q
summary = "Greeting library"
license = "MIT"
maintainer = "Test Packager <packager@rookery-os.org>"

[scripts]
post-install = "ldconfig"
`, version)))
	require.NoError(t, err)
	return s
}

// buildTestPackage stages a file tree with pinned modification times
// and builds a package archive from it.
func buildTestPackage(t *testing.T, version string, tree map[string]string) string {
	t.Helper()

	log := pkgTesting.SetupTestLogger(t)
	staged := t.TempDir()
	pkgTesting.WriteTestTree(t, staged, tree)

	stamp := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	err := filepath.WalkDir(staged, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Chtimes(path, stamp, stamp)
	})
	require.NoError(t, err)

	b := archive.NewBuilder(deltaSpec(t, version), staged, log)
	require.NoError(t, b.ScanFiles())

	path, err := b.Build(t.TempDir())
	require.NoError(t, err)
	return path
}

// sharedBlob is incompressible payload shared between releases so the
// delta stays small relative to the full package.
func sharedBlob(t *testing.T) string {
	t.Helper()

	rng := rand.New(rand.NewSource(99))
	blob := make([]byte, 300*1024)
	rng.Read(blob)
	return string(blob)
}

func TestBuildAndApplyDelta(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)
	blob := sharedBlob(t)

	oldPkg := buildTestPackage(t, "1.0", map[string]string{
		"usr/lib/libgreet.so.1": blob,
		"usr/share/zz/version":  "1.0\n",
	})
	newPkg := buildTestPackage(t, "1.1", map[string]string{
		"usr/lib/libgreet.so.1": blob,
		"usr/share/zz/version":  "1.1\n",
	})

	b, err := NewBuilder(oldPkg, newPkg, log)
	require.NoError(t, err)

	outputDir := t.TempDir()
	deltaPath, err := b.Build(outputDir)
	require.NoError(t, err)
	wantName := fmt.Sprintf("libgreet-1.0-1_to_1.1-1.%s.rookdelta", runtime.GOARCH)
	assert.Equal(t, wantName, filepath.Base(deltaPath))

	a, err := NewApplier(oldPkg, deltaPath, log)
	require.NoError(t, err)
	assert.Equal(t, "1.1", a.Info().NewVersion)

	rebuilt, err := a.Apply(t.TempDir())
	require.NoError(t, err)

	reader, err := archive.NewReader(rebuilt)
	require.NoError(t, err)

	info, err := reader.ReadInfo()
	require.NoError(t, err)
	assert.Equal(t, "libgreet", info.Name)
	assert.Equal(t, "1.1", info.Version)

	scripts, err := reader.ReadScripts()
	require.NoError(t, err)
	require.NotNil(t, scripts)
	assert.Equal(t, "ldconfig", scripts.PostInstall)

	extracted := t.TempDir()
	require.NoError(t, reader.ExtractData(extracted))

	version, err := os.ReadFile(filepath.Join(extracted, "usr/share/zz/version"))
	require.NoError(t, err)
	assert.Equal(t, "1.1\n", string(version))

	lib, err := os.ReadFile(filepath.Join(extracted, "usr/lib/libgreet.so.1"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte(blob), lib))
}

func TestBuildDeltaNotWorthwhile(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)

	rng := rand.New(rand.NewSource(3))
	oldBlob := make([]byte, 64*1024)
	rng.Read(oldBlob)
	newBlob := make([]byte, 64*1024)
	rng.Read(newBlob)

	oldPkg := buildTestPackage(t, "1.0", map[string]string{
		"usr/lib/libgreet.so.1": string(oldBlob),
	})
	newPkg := buildTestPackage(t, "1.1", map[string]string{
		"usr/lib/libgreet.so.1": string(newBlob),
	})

	b, err := NewBuilder(oldPkg, newPkg, log)
	require.NoError(t, err)

	_, err = b.Build(t.TempDir())
	assert.ErrorIs(t, err, ErrNotWorthwhile)
}

func TestNewBuilderRejectsDifferentPackages(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)

	oldPkg := buildTestPackage(t, "1.0", map[string]string{"usr/bin/a": "a"})

	staged := t.TempDir()
	pkgTesting.WriteTestTree(t, staged, map[string]string{"usr/bin/b": "b"})
	s, err := spec.Parse([]byte(`
[package]
name = "other"
version = "1.0"
summary = "Different package"
license = "MIT"
maintainer = "Test Packager <packager@rookery-os.org>"
`))
	require.NoError(t, err)
	ab := archive.NewBuilder(s, staged, log)
	require.NoError(t, ab.ScanFiles())
	otherPkg, err := ab.Build(t.TempDir())
	require.NoError(t, err)

	_, err = NewBuilder(oldPkg, otherPkg, log)
	assert.ErrorContains(t, err, "names do not match")
}

func TestNewApplierRejectsWrongBase(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)
	blob := sharedBlob(t)

	oldPkg := buildTestPackage(t, "1.0", map[string]string{
		"usr/lib/libgreet.so.1": blob,
	})
	newPkg := buildTestPackage(t, "1.1", map[string]string{
		"usr/lib/libgreet.so.1": blob,
		"usr/share/zz/version":  "1.1\n",
	})

	b, err := NewBuilder(oldPkg, newPkg, log)
	require.NoError(t, err)
	deltaPath, err := b.Build(t.TempDir())
	require.NoError(t, err)

	_, err = NewApplier(newPkg, deltaPath, log)
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestReadInfoFromDeltaFile(t *testing.T) {
	log := pkgTesting.SetupTestLogger(t)
	blob := sharedBlob(t)

	oldPkg := buildTestPackage(t, "1.0", map[string]string{
		"usr/lib/libgreet.so.1": blob,
	})
	newPkg := buildTestPackage(t, "1.1", map[string]string{
		"usr/lib/libgreet.so.1": blob,
		"usr/share/zz/version":  "1.1\n",
	})

	b, err := NewBuilder(oldPkg, newPkg, log)
	require.NoError(t, err)
	deltaPath, err := b.Build(t.TempDir())
	require.NoError(t, err)

	info, err := ReadInfo(deltaPath)
	require.NoError(t, err)
	assert.Equal(t, "libgreet", info.Name)
	assert.Equal(t, "1.0", info.OldVersion)
	assert.Equal(t, "1.1", info.NewVersion)
	assert.NotEmpty(t, info.OldSHA256)
	assert.NotEmpty(t, info.NewSHA256)
	assert.Positive(t, info.DeltaSize)
}

func TestReadInfoRejectsNonDelta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-delta.rookdelta")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	_, err := ReadInfo(path)
	assert.Error(t, err)
}

func TestParseDeltaRejectsOversizedInsertLength(t *testing.T) {
	d := computeDiff(nil, []byte("literal insert payload"))
	require.Len(t, d.ops, 1)
	require.Equal(t, opInsert, d.ops[0].kind)

	stream, err := d.serialize()
	require.NoError(t, err)

	// Overwrite the insert length field, right after the header and the
	// op kind byte, with a value larger than the stream itself.
	lengthOff := len(deltaMagic) + 8 + 32 + 4 + 1
	binary.LittleEndian.PutUint64(stream[lengthOff:], ^uint64(0))

	_, err = parseDelta(stream)
	assert.ErrorIs(t, err, errTruncated)
}

func TestApplyRejectsWrappingCopyRange(t *testing.T) {
	old := []byte("0123456789abcdef")

	// offset+length wraps around uint64 back inside the old size.
	d := &deltaData{
		ops:        []op{{kind: opCopy, offset: ^uint64(0) - 3, length: 8}},
		outputSize: 8,
	}
	_, err := d.apply(old)
	assert.ErrorContains(t, err, "out of bounds")

	d = &deltaData{
		ops:        []op{{kind: opCopy, offset: 8, length: uint64(len(old))}},
		outputSize: uint64(len(old)),
	}
	_, err = d.apply(old)
	assert.ErrorContains(t, err, "out of bounds")
}
