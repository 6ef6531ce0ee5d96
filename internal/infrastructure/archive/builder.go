package archive

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rookery-os/rookpkg/internal/domain/spec"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"

	"github.com/klauspost/compress/zstd"
	"github.com/pelletier/go-toml/v2"
)

// dataCompressionLevel trades build time for install-time download size.
const dataCompressionLevel = zstd.SpeedBestCompression

// Builder assembles a .rookpkg archive from a staged install tree.
type Builder struct {
	info      *PackageInfo
	scripts   *InstallScripts
	sourceDir string
	files     []FileEntry
	logger    logger.Logger
}

// NewBuilder creates a Builder for a spec whose build output was staged
// under sourceDir.
func NewBuilder(s *spec.Spec, sourceDir string, logger logger.Logger) *Builder {
	return &Builder{
		info:      NewPackageInfo(s),
		scripts:   NewInstallScripts(s),
		sourceDir: sourceDir,
		logger:    logger,
	}
}

// Info returns the archive metadata.
func (b *Builder) Info() *PackageInfo {
	return b.info
}

// Files returns the scanned file manifest.
func (b *Builder) Files() []FileEntry {
	return b.files
}

// ScanFiles walks the staged tree and builds the .FILES manifest. Paths
// are rebased to absolute install paths and entries under /etc/ are
// marked as config files.
func (b *Builder) ScanFiles() error {
	b.files = b.files[:0]
	var totalSize uint64

	err := filepath.WalkDir(b.sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == b.sourceDir {
			return nil
		}

		rel, err := filepath.Rel(b.sourceDir, path)
		if err != nil {
			return err
		}
		installPath := "/" + filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		entry := FileEntry{
			Path:     installPath,
			Mode:     uint32(info.Mode().Perm()),
			IsConfig: strings.HasPrefix(installPath, "/etc/"),
		}

		switch {
		case d.IsDir():
			entry.FileType = TypeDirectory
		case info.Mode()&os.ModeSymlink != 0:
			entry.FileType = TypeSymlink
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("failed to read symlink %s: %w", path, err)
			}
			entry.LinkTarget = target
		default:
			entry.FileType = TypeRegular
			entry.Size = uint64(info.Size())
			sum, err := hashFile(path)
			if err != nil {
				return err
			}
			entry.SHA256 = sum
			totalSize += entry.Size
		}

		b.files = append(b.files, entry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", b.sourceDir, err)
	}

	sort.Slice(b.files, func(i, j int) bool { return b.files[i].Path < b.files[j].Path })
	b.info.InstalledSize = totalSize

	b.logger.Info(fmt.Sprintf("Scanned %d files, total size: %d bytes", len(b.files), totalSize))
	return nil
}

// Build writes the archive into outputDir and returns its path.
func (b *Builder) Build(outputDir string) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	outputPath := filepath.Join(outputDir, b.info.Filename())
	out, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", outputPath, err)
	}
	defer out.Close()

	tw := tar.NewWriter(out)

	pkginfo, err := toml.Marshal(b.info)
	if err != nil {
		return "", fmt.Errorf("failed to encode .PKGINFO: %w", err)
	}
	if err := writeTarFile(tw, ".PKGINFO", pkginfo); err != nil {
		return "", err
	}

	manifest, err := toml.Marshal(fileList{Files: b.files})
	if err != nil {
		return "", fmt.Errorf("failed to encode .FILES: %w", err)
	}
	if err := writeTarFile(tw, ".FILES", manifest); err != nil {
		return "", err
	}

	if b.scripts.HasScripts() {
		install, err := toml.Marshal(b.scripts)
		if err != nil {
			return "", fmt.Errorf("failed to encode .INSTALL: %w", err)
		}
		if err := writeTarFile(tw, ".INSTALL", install); err != nil {
			return "", err
		}
	}

	data, err := b.buildDataArchive()
	if err != nil {
		return "", err
	}
	if err := writeTarFile(tw, "data.tar.zst", data); err != nil {
		return "", err
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", outputPath, err)
	}

	b.logger.Info(fmt.Sprintf("Built package archive %s", outputPath))
	return outputPath, nil
}

// buildDataArchive produces the zstd-compressed inner tar of the staged
// tree.
func (b *Builder) buildDataArchive() ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(dataCompressionLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	tw := tar.NewWriter(enc)

	err = filepath.WalkDir(b.sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == b.sourceDir {
			return nil
		}

		rel, err := filepath.Rel(b.sourceDir, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return fmt.Errorf("failed to read symlink %s: %w", path, err)
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("failed to build tar header for %s: %w", path, err)
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write tar header for %s: %w", path, err)
		}

		if hdr.Typeflag == tar.TypeReg {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return fmt.Errorf("failed to add %s to data archive: %w", path, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build data archive: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize data archive: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress data archive: %w", err)
	}
	return buf.Bytes(), nil
}

func writeTarFile(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write %s header: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
