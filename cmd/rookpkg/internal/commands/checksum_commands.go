package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rookery-os/rookpkg/internal/domain/spec"
	"github.com/rookery-os/rookpkg/internal/infrastructure/download"
	"github.com/spf13/cobra"
)

// ChecksumCommandHandler fetches spec sources and verifies or updates
// their checksums.
type ChecksumCommandHandler struct{}

// NewChecksumCommandHandler creates a new ChecksumCommandHandler.
func NewChecksumCommandHandler() *ChecksumCommandHandler {
	return &ChecksumCommandHandler{}
}

// ChecksumCmd downloads the sources of one spec file or of every spec
// in a directory and reports checksum mismatches, optionally rewriting
// the spec with the computed values.
func (h *ChecksumCommandHandler) ChecksumCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	update, _ := cmd.Flags().GetBool("update")
	continueOnError, _ := cmd.Flags().GetBool("continue")

	info, err := os.Stat(args[0])
	if err != nil {
		return fmt.Errorf("spec path not found: %s", args[0])
	}
	if !info.IsDir() {
		return h.checksumSpec(cmd.Context(), app, args[0], update)
	}

	entries, err := os.ReadDir(args[0])
	if err != nil {
		return err
	}
	var specFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".rook") {
			specFiles = append(specFiles, filepath.Join(args[0], entry.Name()))
		}
	}
	if len(specFiles) == 0 {
		return fmt.Errorf("no .rook spec files found in %s", args[0])
	}
	sort.Strings(specFiles)

	app.printf("Found %d spec files in %s\n\n", len(specFiles), args[0])

	succeeded := 0
	failed := 0
	for i, specPath := range specFiles {
		specName := strings.TrimSuffix(filepath.Base(specPath), ".rook")
		app.printf("[%d/%d] Processing %s\n", i+1, len(specFiles), specName)

		if err := h.checksumSpec(cmd.Context(), app, specPath, update); err != nil {
			failed++
			app.printf("  x %s: %v\n", specName, err)
			if !continueOnError {
				return fmt.Errorf("checksum failed for %s: %w", specName, err)
			}
		} else {
			succeeded++
		}
		app.println("")
	}

	app.println(strings.Repeat("=", 60))
	app.printf("Total: %d succeeded, %d failed\n", succeeded, failed)
	return nil
}

// checksumSpec processes one spec file.
func (h *ChecksumCommandHandler) checksumSpec(ctx context.Context, app *appContext, specPath string, update bool) error {
	app.printf("Parsing spec file: %s\n", specPath)
	pkgSpec, err := spec.Load(specPath)
	if err != nil {
		return err
	}
	app.printf("  v %s-%s\n", pkgSpec.Package.Name, pkgSpec.FullVersion())

	if len(pkgSpec.Sources) == 0 {
		app.println("  -> No sources defined in spec file")
		return nil
	}

	app.printf("\nFetching %d source(s)\n", len(pkgSpec.Sources))

	downloader, err := download.NewDownloader(app.cfg.Build.CacheDir, app.cfg.Download, app.logger)
	if err != nil {
		return err
	}

	type checksumUpdate struct {
		key string
		old string
		new string
	}
	var updates []checksumUpdate
	anyPlaceholder := false

	for _, key := range pkgSpec.SourceNames() {
		source := pkgSpec.Sources[key]
		app.printf("\n  Source: %s\n", key)
		app.printf("    URL: %s\n", source.URL)
		app.printf("    Expected: %s\n", source.SHA256)

		placeholder := isChecksumPlaceholder(source.SHA256)
		if placeholder {
			anyPlaceholder = true
		}

		var downloadedPath string
		if placeholder {
			sf := download.NewSourceFile(source.URL, "")
			sf.Filename = source.Filename
			downloadedPath, err = fetchWithoutVerify(app, sf.URL, filepath.Join(downloader.CacheDir(), sf.GetFilename()))
			if err != nil {
				app.printf("    x Download failed: %v\n", err)
				continue
			}
		} else {
			sf := download.NewSourceFile(source.URL, source.SHA256)
			sf.Mirrors = source.Mirrors
			sf.Filename = source.Filename
			downloadedPath, err = downloader.Download(ctx, &sf)
			if err != nil {
				app.printf("    x Download/verify failed: %v\n", err)
				continue
			}
		}

		actual, err := download.ComputeSHA256(downloadedPath)
		if err != nil {
			return err
		}
		app.printf("    Computed: %s\n", actual)

		switch {
		case placeholder:
			app.println("    ! Needs update (was a placeholder)")
			updates = append(updates, checksumUpdate{key, source.SHA256, actual})
		case strings.EqualFold(actual, source.SHA256):
			app.println("    v Checksum matches")
		default:
			app.println("    x Checksum mismatch!")
			updates = append(updates, checksumUpdate{key, source.SHA256, actual})
		}
	}

	app.println("")
	app.println(strings.Repeat("=", 60))

	if len(updates) == 0 {
		app.println("v All checksums are correct!")
		return nil
	}

	app.printf("! %d checksum(s) need updating:\n", len(updates))
	for _, u := range updates {
		app.printf("  -> %s: %s -> %s\n", u.key, u.old, u.new)
	}

	if !update {
		if anyPlaceholder {
			app.println("\nTip: run with --update to update the spec file")
		}
		return nil
	}

	app.println("\nUpdating spec file...")
	for _, u := range updates {
		source := pkgSpec.Sources[u.key]
		source.SHA256 = u.new
		pkgSpec.Sources[u.key] = source
	}
	content, err := pkgSpec.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(specPath, content, 0o644); err != nil {
		return fmt.Errorf("failed to write spec file %s: %w", specPath, err)
	}
	app.printf("  v Updated %d checksum(s) in %s\n", len(updates), specPath)
	return nil
}

// isChecksumPlaceholder reports whether a checksum field still holds a
// FIXME-style placeholder instead of a digest.
func isChecksumPlaceholder(sum string) bool {
	switch strings.ToLower(strings.TrimSpace(sum)) {
	case "", "fixme", "todo", "skip":
		return true
	}
	return false
}

// fetchWithoutVerify downloads a URL straight into the cache, used for
// sources whose checksum is not known yet.
func fetchWithoutVerify(app *appContext, url, destPath string) (string, error) {
	if _, err := os.Stat(destPath); err == nil {
		app.println("    -> Using cached file")
		return destPath, nil
	}

	app.println("    -> Downloading...")

	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Get(url)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("HTTP error %d: %s", resp.StatusCode, url)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", err
	}

	tmpPath := destPath + ".part"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return "", err
	}

	app.println("    v Downloaded")
	return destPath, nil
}

// InitChecksumCommands registers the checksum command.
func InitChecksumCommands(rootCmd *cobra.Command) error {
	handler := NewChecksumCommandHandler()

	checksumCmd := &cobra.Command{
		Use:   "checksum <spec.rook|directory>",
		Short: "Fetch spec sources and verify or update their checksums",
		Args:  cobra.ExactArgs(1),
		RunE:  handler.ChecksumCmd,
	}
	checksumCmd.Flags().Bool("update", false, "Rewrite the spec with the computed checksums")
	checksumCmd.Flags().Bool("continue", false, "Keep going when a spec in a directory fails")
	rootCmd.AddCommand(checksumCmd)

	return nil
}
