package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pelletier/go-toml/v2"
)

// Reader reads .rookpkg archives. Each read re-opens the file, so a
// Reader is safe to keep around for the length of a transaction.
type Reader struct {
	path string
}

// NewReader opens a package archive for reading.
func NewReader(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open package %s: %w", path, err)
	}
	return &Reader{path: path}, nil
}

// Path returns the archive file path.
func (r *Reader) Path() string {
	return r.path
}

// readMember returns the contents of a top-level archive member.
func (r *Reader) readMember(name string) ([]byte, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open package %s: %w", r.path, err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read package %s: %w", r.path, err)
		}
		if hdr.Name == name {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s from %s: %w", name, r.path, err)
			}
			return data, nil
		}
	}
	return nil, fmt.Errorf("%w: package %s does not contain %s", errMemberNotFound, r.path, name)
}

var errMemberNotFound = errors.New("archive member not found")

// ReadInfo parses the .PKGINFO metadata.
func (r *Reader) ReadInfo() (*PackageInfo, error) {
	data, err := r.readMember(".PKGINFO")
	if err != nil {
		return nil, err
	}
	var info PackageInfo
	if err := toml.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse .PKGINFO: %w", err)
	}
	return &info, nil
}

// ReadFiles parses the .FILES manifest.
func (r *Reader) ReadFiles() ([]FileEntry, error) {
	data, err := r.readMember(".FILES")
	if err != nil {
		return nil, err
	}
	var list fileList
	if err := toml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse .FILES: %w", err)
	}
	return list.Files, nil
}

// ReadScripts parses the .INSTALL scripts. A package without scripts
// returns nil.
func (r *Reader) ReadScripts() (*InstallScripts, error) {
	data, err := r.readMember(".INSTALL")
	if err != nil {
		if errors.Is(err, errMemberNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var scripts InstallScripts
	if err := toml.Unmarshal(data, &scripts); err != nil {
		return nil, fmt.Errorf("failed to parse .INSTALL: %w", err)
	}
	return &scripts, nil
}

// ExtractData unpacks data.tar.zst into dest.
func (r *Reader) ExtractData(dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	data, err := r.readMember("data.tar.zst")
	if err != nil {
		return err
	}

	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to decompress data archive: %w", err)
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read data archive: %w", err)
		}
		if err := extractEntry(dest, hdr, tr); err != nil {
			return err
		}
	}
	return nil
}

// extractEntry unpacks one tar entry, refusing paths that escape dest.
func extractEntry(dest string, hdr *tar.Header, tr *tar.Reader) error {
	target := filepath.Join(dest, filepath.FromSlash(hdr.Name))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return fmt.Errorf("archive entry %s escapes destination", hdr.Name)
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, os.FileMode(hdr.Mode).Perm()); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", target, err)
		}
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", target, err)
		}
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", target, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return fmt.Errorf("failed to extract %s: %w", target, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to write %s: %w", target, err)
		}
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", target, err)
		}
		if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
			return fmt.Errorf("failed to create symlink %s: %w", target, err)
		}
	case tar.TypeLink:
		source := filepath.Join(dest, filepath.FromSlash(hdr.Linkname))
		if err := os.Link(source, target); err != nil && !os.IsExist(err) {
			return fmt.Errorf("failed to create hardlink %s: %w", target, err)
		}
	}
	return nil
}
