package delta

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pelletier/go-toml/v2"

	"github.com/rookery-os/rookpkg/internal/infrastructure/archive"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"
)

const deltaCompressionLevel = zstd.SpeedBestCompression

// ErrNotWorthwhile is returned when a delta would not save enough over
// downloading the full package.
var ErrNotWorthwhile = errors.New("delta not worthwhile")

// Builder diffs two releases of a package into a delta archive.
type Builder struct {
	oldPath string
	newPath string
	oldInfo *archive.PackageInfo
	newInfo *archive.PackageInfo
	logger  logger.Logger
}

// NewBuilder prepares a delta build between two package archives. Both
// must be releases of the same package for the same architecture.
func NewBuilder(oldPackage, newPackage string, logger logger.Logger) (*Builder, error) {
	oldReader, err := archive.NewReader(oldPackage)
	if err != nil {
		return nil, err
	}
	newReader, err := archive.NewReader(newPackage)
	if err != nil {
		return nil, err
	}

	oldInfo, err := oldReader.ReadInfo()
	if err != nil {
		return nil, err
	}
	newInfo, err := newReader.ReadInfo()
	if err != nil {
		return nil, err
	}

	if oldInfo.Name != newInfo.Name {
		return nil, fmt.Errorf("package names do not match: %s vs %s", oldInfo.Name, newInfo.Name)
	}
	if oldInfo.Arch != newInfo.Arch {
		return nil, fmt.Errorf("package architectures do not match: %s vs %s", oldInfo.Arch, newInfo.Arch)
	}

	return &Builder{
		oldPath: oldPackage,
		newPath: newPackage,
		oldInfo: oldInfo,
		newInfo: newInfo,
		logger:  logger,
	}, nil
}

// Info describes the delta the builder would produce. DeltaSize is
// zero until Build has run.
func (b *Builder) Info() (*Info, error) {
	oldSHA, oldSize, err := fileDigest(b.oldPath)
	if err != nil {
		return nil, err
	}
	newSHA, newSize, err := fileDigest(b.newPath)
	if err != nil {
		return nil, err
	}
	return &Info{
		Name:       b.newInfo.Name,
		OldVersion: b.oldInfo.Version,
		OldRelease: b.oldInfo.Release,
		NewVersion: b.newInfo.Version,
		NewRelease: b.newInfo.Release,
		Arch:       b.newInfo.Arch,
		OldSHA256:  oldSHA,
		NewSHA256:  newSHA,
		OldSize:    oldSize,
		NewSize:    newSize,
		Created:    time.Now().Unix(),
		Algorithm:  AlgorithmBsdiff,
	}, nil
}

// Build writes the delta archive into outputDir and returns its path.
// Returns ErrNotWorthwhile when the delta saves less than
// MinSavingsPercent of the full package size.
func (b *Builder) Build(outputDir string) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", outputDir, err)
	}

	oldData, err := readTarMember(b.oldPath, "data.tar.zst")
	if err != nil {
		return "", err
	}
	newData, err := readTarMember(b.newPath, "data.tar.zst")
	if err != nil {
		return "", err
	}

	info, err := b.Info()
	if err != nil {
		return "", err
	}

	stream, err := computeDiff(oldData, newData).serialize()
	if err != nil {
		return "", err
	}
	compressed, err := compress(stream)
	if err != nil {
		return "", err
	}
	info.DeltaSize = int64(len(compressed))

	if !info.IsWorthwhile() {
		b.logger.Warn(fmt.Sprintf("Delta for %s provides only %.1f%% savings (minimum %d%%)",
			info.Name, info.SavingsPercent(), MinSavingsPercent))
		return "", fmt.Errorf("%w: only %.1f%% savings", ErrNotWorthwhile, info.SavingsPercent())
	}

	infoBytes, err := toml.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("failed to encode delta info: %w", err)
	}

	outputPath := filepath.Join(outputDir, info.Filename())
	f, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", outputPath, err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	if err := writeTarFile(tw, ".DELTAINFO", infoBytes); err != nil {
		return "", err
	}
	if err := writeTarFile(tw, "data.delta.zst", compressed); err != nil {
		return "", err
	}
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize %s: %w", outputPath, err)
	}

	b.logger.Info(fmt.Sprintf("Created delta %s (%d bytes, %.1f%% of full package)",
		outputPath, info.DeltaSize, 100-info.SavingsPercent()))
	return outputPath, nil
}

// compress encodes data with zstd at the archive compression level.
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(deltaCompressionLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to compress delta: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress delta: %w", err)
	}
	return buf.Bytes(), nil
}

// decompress decodes a zstd stream.
func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create decompressor: %w", err)
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress delta: %w", err)
	}
	return out, nil
}

// ReadInfo reads the .DELTAINFO manifest from a delta file.
func ReadInfo(path string) (*Info, error) {
	data, err := readTarMember(path, ".DELTAINFO")
	if err != nil {
		return nil, err
	}
	var info Info
	if err := toml.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse .DELTAINFO in %s: %w", path, err)
	}
	return &info, nil
}

// readTarMember returns the contents of one top-level member of an
// uncompressed tar archive.
func readTarMember(path, name string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if hdr.Name == name {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s from %s: %w", name, path, err)
			}
			return data, nil
		}
	}
	return nil, fmt.Errorf("%w: %s does not contain %s", errMissingMember, path, name)
}

var errMissingMember = errors.New("archive member not found")

// writeTarFile appends one regular file to a tar archive.
func writeTarFile(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write %s header: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// fileDigest returns the hex SHA-256 and size of a file.
func fileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
