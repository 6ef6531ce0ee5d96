package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	domain "github.com/rookery-os/rookpkg/internal/domain/signing"
	"github.com/rookery-os/rookpkg/internal/infrastructure/delta"
	"github.com/rookery-os/rookpkg/internal/infrastructure/download"
	"github.com/spf13/cobra"
)

// DeltaCommandHandler holds the delta package commands.
type DeltaCommandHandler struct{}

// NewDeltaCommandHandler creates a new DeltaCommandHandler.
func NewDeltaCommandHandler() *DeltaCommandHandler {
	return &DeltaCommandHandler{}
}

// DeltaBuildCmd builds a delta between two package versions.
func (h *DeltaCommandHandler) DeltaBuildCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	oldPackage, _ := cmd.Flags().GetString("old")
	newPackage, _ := cmd.Flags().GetString("new")
	outputDir, _ := cmd.Flags().GetString("output")

	if _, err := os.Stat(oldPackage); err != nil {
		return fmt.Errorf("old package not found: %s", oldPackage)
	}
	if _, err := os.Stat(newPackage); err != nil {
		return fmt.Errorf("new package not found: %s", newPackage)
	}

	app.printf("Building delta: %s -> %s\n", filepath.Base(oldPackage), filepath.Base(newPackage))

	builder, err := delta.NewBuilder(oldPackage, newPackage, app.logger)
	if err != nil {
		return err
	}
	deltaPath, err := builder.Build(outputDir)
	if err != nil {
		return err
	}

	info, err := builder.Info()
	if err != nil {
		return err
	}
	deltaInfo, err := os.Stat(deltaPath)
	if err != nil {
		return err
	}
	savings := 0.0
	if info.NewSize > 0 {
		savings = 100.0 - float64(deltaInfo.Size())/float64(info.NewSize)*100.0
	}

	app.println("\nDelta package created successfully!\n")
	app.printf("  Output:           %s\n", deltaPath)
	app.printf("  Old package size: %s\n", formatBytes(uint64(info.OldSize)))
	app.printf("  New package size: %s\n", formatBytes(uint64(info.NewSize)))
	app.printf("  Delta size:       %s\n", formatBytes(uint64(deltaInfo.Size())))
	app.printf("  Size savings:     %.1f%%\n", savings)

	if savings < 10.0 {
		app.printf("\nNote: delta provides minimal savings (%.1f%%). Consider distributing the full package instead.\n", savings)
	}
	return nil
}

// DeltaApplyCmd verifies and applies a delta to reconstruct the new
// package.
func (h *DeltaCommandHandler) DeltaApplyCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	oldPackage, _ := cmd.Flags().GetString("old")
	deltaFile, _ := cmd.Flags().GetString("delta")
	outputDir, _ := cmd.Flags().GetString("output")

	if _, err := os.Stat(oldPackage); err != nil {
		return fmt.Errorf("old package not found: %s", oldPackage)
	}
	if _, err := os.Stat(deltaFile); err != nil {
		return fmt.Errorf("delta file not found: %s", deltaFile)
	}

	app.printf("Applying delta: %s + %s\n", filepath.Base(oldPackage), filepath.Base(deltaFile))

	// Deltas rewrite package contents, so the signature is checked
	// before any bytes are reconstructed.
	app.println("Verifying delta signature...")
	sigPath := deltaFile + ".sig"
	sigData, err := os.ReadFile(sigPath)
	if err != nil {
		return fmt.Errorf(
			"delta signature file not found: %s\nall delta packages must be signed with a trusted key", sigPath)
	}

	var sig domain.HybridSignature
	if err := json.Unmarshal(sigData, &sig); err != nil {
		return fmt.Errorf("failed to parse delta signature: %w", err)
	}

	keyHandler := NewKeyCommandHandler()
	key, _, err := keyHandler.findVerificationKey(app, sig.Fingerprint)
	if err != nil {
		return err
	}
	if key == nil {
		return fmt.Errorf("no trusted key found for fingerprint %s", sig.Fingerprint)
	}
	if err := key.VerifyFile(deltaFile, &sig); err != nil {
		return fmt.Errorf("delta signature verification failed, file may be tampered: %w", err)
	}
	app.printf("  v Signature verified: %s <%s>\n", key.Identity.Name, key.Identity.Email)
	app.printf("    Trust level: %s\n", key.TrustLevel)

	applier, err := delta.NewApplier(oldPackage, deltaFile, app.logger)
	if err != nil {
		return err
	}

	info := applier.Info()
	app.printf("  -> Upgrading %s from %s-%d to %s-%d\n",
		info.Name, info.OldVersion, info.OldRelease, info.NewVersion, info.NewRelease)

	newPackage, err := applier.Apply(outputDir)
	if err != nil {
		return err
	}

	newInfo, err := os.Stat(newPackage)
	if err != nil {
		return err
	}

	app.println("\nDelta applied successfully!\n")
	app.printf("  Output:       %s\n", newPackage)
	app.printf("  Package size: %s\n", formatBytes(uint64(newInfo.Size())))
	return nil
}

// DeltaInfoCmd prints a delta package's manifest.
func (h *DeltaCommandHandler) DeltaInfoCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	deltaFile := args[0]
	info, err := delta.ReadInfo(deltaFile)
	if err != nil {
		return err
	}

	deltaStat, err := os.Stat(deltaFile)
	if err != nil {
		return err
	}

	app.println("Delta Package Information\n")
	app.printf("  Package:      %s\n", info.Name)
	app.printf("  Version:      %s-%d -> %s-%d\n",
		info.OldVersion, info.OldRelease, info.NewVersion, info.NewRelease)
	app.printf("  Architecture: %s\n", info.Arch)
	app.println("\nChecksums")
	app.printf("  Old SHA256: %s\n", shortChecksum(info.OldSHA256))
	app.printf("  New SHA256: %s\n", shortChecksum(info.NewSHA256))
	app.println("\nSizes")
	app.printf("  Old package: %s\n", formatBytes(uint64(info.OldSize)))
	app.printf("  New package: %s\n", formatBytes(uint64(info.NewSize)))
	app.printf("  Delta file:  %s\n", formatBytes(uint64(deltaStat.Size())))
	app.printf("  Savings:     %.1f%%\n", info.SavingsPercent())
	if info.IsWorthwhile() {
		app.println("  Recommendation: use delta (significant savings)")
	} else {
		app.println("  Recommendation: use full package (minimal savings)")
	}
	app.println("\nMetadata")
	app.printf("  Created: %s\n", time.Unix(info.Created, 0).UTC().Format("2006-01-02 15:04:05 UTC"))
	return nil
}

// DeltaIndexCmd scans a repository's deltas directory and writes
// deltas.json.
func (h *DeltaCommandHandler) DeltaIndexCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	repoDir := "."
	if len(args) == 1 {
		repoDir = args[0]
	}

	app.printf("Generating delta index for: %s\n", repoDir)

	index := delta.NewRepoIndex()
	indexPath := filepath.Join(repoDir, "deltas.json")

	deltasDir := filepath.Join(repoDir, "deltas")
	entries, err := os.ReadDir(deltasDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		app.println("  No deltas directory found, creating empty index.")
		if err := writeDeltaIndex(index, indexPath); err != nil {
			return err
		}
		app.printf("  Created: %s\n", indexPath)
		return nil
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), delta.Extension) {
			continue
		}
		path := filepath.Join(deltasDir, entry.Name())
		info, err := delta.ReadInfo(path)
		if err != nil {
			app.printf("  Skipped: %s - %v\n", entry.Name(), err)
			continue
		}

		fileInfo, err := os.Stat(path)
		if err != nil {
			return err
		}
		sha, err := download.ComputeSHA256(path)
		if err != nil {
			return err
		}

		index.Add(info.Name, delta.Entry{
			FromVersion: info.OldVersion,
			FromRelease: info.OldRelease,
			ToVersion:   info.NewVersion,
			ToRelease:   info.NewRelease,
			Filename:    entry.Name(),
			Size:        fileInfo.Size(),
			SHA256:      sha,
		})
		count++
		app.printf("  Added: %s\n", entry.Name())
	}

	if err := writeDeltaIndex(index, indexPath); err != nil {
		return err
	}

	app.printf("\nv Indexed %d delta packages\n", count)
	app.printf("  Index file: %s\n", indexPath)
	return nil
}

func writeDeltaIndex(index *delta.RepoIndex, path string) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode delta index: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// shortChecksum abbreviates a sha256 hex digest for display.
func shortChecksum(sum string) string {
	if len(sum) > 16 {
		return sum[:16]
	}
	return sum
}

// InitDeltaCommands registers the delta command group with the root
// command.
func InitDeltaCommands(rootCmd *cobra.Command) error {
	handler := NewDeltaCommandHandler()

	deltaCmd := &cobra.Command{
		Use:   "delta",
		Short: "Build, apply and index delta packages",
	}

	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Build a delta between two package versions",
		Args:  cobra.NoArgs,
		RunE:  handler.DeltaBuildCmd,
	}
	buildCmd.Flags().String("old", "", "Path to the old package")
	buildCmd.Flags().String("new", "", "Path to the new package")
	buildCmd.Flags().StringP("output", "o", ".", "Output directory for the delta file")
	_ = buildCmd.MarkFlagRequired("old")
	_ = buildCmd.MarkFlagRequired("new")
	deltaCmd.AddCommand(buildCmd)

	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a delta to reconstruct the new package",
		Args:  cobra.NoArgs,
		RunE:  handler.DeltaApplyCmd,
	}
	applyCmd.Flags().String("old", "", "Path to the old package")
	applyCmd.Flags().String("delta", "", "Path to the delta file")
	applyCmd.Flags().StringP("output", "o", ".", "Output directory for the rebuilt package")
	_ = applyCmd.MarkFlagRequired("old")
	_ = applyCmd.MarkFlagRequired("delta")
	deltaCmd.AddCommand(applyCmd)

	infoCmd := &cobra.Command{
		Use:   "info <delta.rookdelta>",
		Short: "Show delta package information",
		Args:  cobra.ExactArgs(1),
		RunE:  handler.DeltaInfoCmd,
	}
	deltaCmd.AddCommand(infoCmd)

	indexCmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Generate the repository delta index",
		Args:  cobra.MaximumNArgs(1),
		RunE:  handler.DeltaIndexCmd,
	}
	deltaCmd.AddCommand(indexCmd)

	rootCmd.AddCommand(deltaCmd)
	return nil
}
