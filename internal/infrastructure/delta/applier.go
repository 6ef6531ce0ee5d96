package delta

import (
	"archive/tar"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/rookery-os/rookpkg/internal/infrastructure/archive"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"
)

// Applier reconstructs a new package archive from the previous release
// and a delta archive. The rebuilt data archive is verified against the
// size and checksum recorded inside the delta stream.
type Applier struct {
	oldPath   string
	deltaPath string
	info      *Info
	logger    logger.Logger
}

// NewApplier opens a delta and checks it applies to the given package.
func NewApplier(oldPackage, deltaFile string, logger logger.Logger) (*Applier, error) {
	infoBytes, err := readTarMember(deltaFile, ".DELTAINFO")
	if err != nil {
		return nil, err
	}
	var info Info
	if err := toml.Unmarshal(infoBytes, &info); err != nil {
		return nil, fmt.Errorf("failed to parse .DELTAINFO: %w", err)
	}

	oldSHA, _, err := fileDigest(oldPackage)
	if err != nil {
		return nil, err
	}
	if oldSHA != info.OldSHA256 {
		return nil, fmt.Errorf("old package checksum mismatch: expected %s, got %s",
			info.OldSHA256, oldSHA)
	}

	return &Applier{
		oldPath:   oldPackage,
		deltaPath: deltaFile,
		info:      &info,
		logger:    logger,
	}, nil
}

// Info returns the delta metadata.
func (a *Applier) Info() *Info {
	return a.info
}

// Apply rebuilds the new package archive in outputDir and returns its
// path.
func (a *Applier) Apply(outputDir string) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", outputDir, err)
	}

	oldData, err := readTarMember(a.oldPath, "data.tar.zst")
	if err != nil {
		return "", err
	}

	compressed, err := readTarMember(a.deltaPath, "data.delta.zst")
	if err != nil {
		return "", err
	}
	stream, err := decompress(compressed)
	if err != nil {
		return "", err
	}
	parsed, err := parseDelta(stream)
	if err != nil {
		return "", err
	}

	newData, err := parsed.apply(oldData)
	if err != nil {
		return "", err
	}

	outputPath, err := a.reconstruct(outputDir, newData)
	if err != nil {
		return "", err
	}

	a.logger.Info(fmt.Sprintf("Applied delta to create %s", outputPath))
	return outputPath, nil
}

// reconstruct writes the new package from the old package metadata and
// the rebuilt data archive. The .PKGINFO is carried over with the
// version, release, and build time updated.
func (a *Applier) reconstruct(outputDir string, newData []byte) (string, error) {
	reader, err := archive.NewReader(a.oldPath)
	if err != nil {
		return "", err
	}
	info, err := reader.ReadInfo()
	if err != nil {
		return "", err
	}
	info.Version = a.info.NewVersion
	info.Release = a.info.NewRelease
	info.BuildTime = time.Now().Unix()

	infoBytes, err := toml.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("failed to encode .PKGINFO: %w", err)
	}

	filesBytes, err := readTarMember(a.oldPath, ".FILES")
	if err != nil {
		return "", err
	}
	installBytes, err := readTarMember(a.oldPath, ".INSTALL")
	if err != nil && !errors.Is(err, errMissingMember) {
		return "", err
	}

	outputName := fmt.Sprintf("%s-%s-%d.%s%s",
		a.info.Name, a.info.NewVersion, a.info.NewRelease, a.info.Arch, archive.Extension)
	outputPath := filepath.Join(outputDir, outputName)

	f, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", outputPath, err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	if err := writeTarFile(tw, ".PKGINFO", infoBytes); err != nil {
		return "", err
	}
	if err := writeTarFile(tw, ".FILES", filesBytes); err != nil {
		return "", err
	}
	if installBytes != nil {
		if err := writeTarFile(tw, ".INSTALL", installBytes); err != nil {
			return "", err
		}
	}
	if err := writeTarFile(tw, "data.tar.zst", newData); err != nil {
		return "", err
	}
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize %s: %w", outputPath, err)
	}
	return outputPath, nil
}
