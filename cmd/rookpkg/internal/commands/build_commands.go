package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rookery-os/rookpkg/internal/app"
	"github.com/rookery-os/rookpkg/internal/domain/pkgs"
	"github.com/rookery-os/rookpkg/internal/domain/spec"
	"github.com/rookery-os/rookpkg/internal/infrastructure/archive"
	"github.com/rookery-os/rookpkg/internal/infrastructure/buildenv"
	"github.com/rookery-os/rookpkg/internal/infrastructure/delta"
	"github.com/rookery-os/rookpkg/internal/infrastructure/download"
	"github.com/rookery-os/rookpkg/internal/infrastructure/persistence"
	"github.com/rookery-os/rookpkg/internal/infrastructure/repository"
	"github.com/rookery-os/rookpkg/internal/infrastructure/signing"
	"github.com/spf13/cobra"
)

// BuildCommandHandler holds the package build command.
type BuildCommandHandler struct{}

// NewBuildCommandHandler creates a new BuildCommandHandler.
func NewBuildCommandHandler() *BuildCommandHandler {
	return &BuildCommandHandler{}
}

// BuildCmd builds, signs and optionally installs a package from a spec.
func (h *BuildCommandHandler) BuildCmd(cmd *cobra.Command, args []string) error {
	appCtx, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	install, _ := cmd.Flags().GetBool("install")
	outputDir, _ := cmd.Flags().GetString("output")
	batch, _ := cmd.Flags().GetBool("batch")
	updateIndex, _ := cmd.Flags().GetBool("index")
	deltaFrom, _ := cmd.Flags().GetString("delta-from")

	// Packages are unconditionally signed, so the key is checked before
	// any build work starts.
	appCtx.println("Checking signing key...")
	signingKey, err := signing.LoadSigningKey(appCtx.cfg.Signing.UserSigningKey)
	if err != nil {
		appCtx.println("\nFATAL: no signing key found.")
		appCtx.println("\nPackage building requires a cryptographic signing key.")
		appCtx.println("To create one:")
		appCtx.println("  rookpkg keygen --name \"Your Name\" --email \"you@example.org\"")
		return fmt.Errorf("signing key required: %w", err)
	}
	appCtx.printf("  v Signing key: %s <%s>\n", signingKey.Identity.Name, signingKey.Identity.Email)
	appCtx.printf("    Fingerprint: %s\n", signingKey.Fingerprint)

	appCtx.println("Parsing spec file...")
	pkgSpec, err := spec.Load(args[0])
	if err != nil {
		return err
	}
	appCtx.printf("  v %s-%s\n", pkgSpec.Package.Name, pkgSpec.FullVersion())

	builder := buildenv.NewBuilder(appCtx.cfg, appCtx.logger)
	env, err := builder.FromSpec(pkgSpec)
	if err != nil {
		return err
	}

	appCtx.println("Setting up build environment...")
	appCtx.printf("  v Build directory:  %s\n", env.BuildDir())
	appCtx.printf("  v Source directory: %s\n", env.SrcDir())
	appCtx.printf("  v Dest directory:   %s\n", env.DestDir())
	appCtx.printf("  v Cache directory:  %s\n", env.CacheDir())
	appCtx.printf("  v Parallel jobs:    %d\n", env.Jobs())

	if batch {
		appCtx.println("Building package (batch mode)...")
		results, err := env.BuildAll(cmd.Context())
		for _, result := range results {
			marker := "v"
			if !result.Success() {
				marker = "x"
			}
			appCtx.printf("  %s %s (%.1fs)\n", marker, result.Phase, result.Duration.Seconds())
		}
		if err != nil {
			return err
		}
		var total time.Duration
		for _, result := range results {
			total += result.Duration
		}
		appCtx.printf("  -> Total build time: %.1fs\n", total.Seconds())
	} else {
		appCtx.println("Downloading sources...")
		if err := env.FetchSources(cmd.Context()); err != nil {
			return err
		}
		appCtx.println("  v Sources downloaded")

		appCtx.println("Applying patches...")
		if err := env.ApplyPatches(cmd.Context()); err != nil {
			return err
		}
		appCtx.println("  v Patches applied")

		appCtx.println("Building package...")
		for _, phase := range []string{"prep", "configure", "build", "check", "install"} {
			if err := h.runPhase(cmd, appCtx, env, phase); err != nil {
				return err
			}
		}
	}

	appCtx.println("Collecting installed files...")
	installedFiles, err := env.CollectInstalledFiles()
	if err != nil {
		return err
	}
	appCtx.printf("  v %d files collected\n", len(installedFiles))

	appCtx.println("Creating package archive...")
	archiveBuilder := archive.NewBuilder(pkgSpec, env.DestDir(), appCtx.logger)
	if err := archiveBuilder.ScanFiles(); err != nil {
		return err
	}

	info := archiveBuilder.Info()
	files := archiveBuilder.Files()
	appCtx.printf("  -> Packaging %s-%s\n", info.Name, info.FullVersion())
	appCtx.printf("  -> %d files, %s installed size\n", len(files), formatBytes(info.InstalledSize))

	if err := validateArchiveContents(files); err != nil {
		return err
	}

	packagePath, err := archiveBuilder.Build(outputDir)
	if err != nil {
		return err
	}
	appCtx.printf("  v Package created: %s\n", packagePath)

	appCtx.println("Signing package...")
	sigPath, err := signAndWrite(signingKey, packagePath)
	if err != nil {
		return err
	}
	appCtx.printf("  v Signed with key: %s\n", signingKey.Fingerprint)
	appCtx.printf("  v Signature: %s\n", sigPath)

	var deltaPath string
	if deltaFrom != "" {
		deltaPath = h.buildDelta(appCtx, signingKey, deltaFrom, packagePath, outputDir)
	}

	appCtx.println("Cleaning up...")
	if err := env.Clean(); err != nil {
		return err
	}
	appCtx.println("  v Build directory cleaned")

	pkgInfo, err := os.Stat(packagePath)
	if err != nil {
		return err
	}

	appCtx.println("\nBuild complete!\n")
	appCtx.printf("  Package:   %s\n", packagePath)
	appCtx.printf("  Signature: %s\n", sigPath)
	if deltaPath != "" {
		appCtx.printf("  Delta:     %s\n", deltaPath)
	}
	appCtx.printf("  Size:      %s\n", formatBytes(uint64(pkgInfo.Size())))

	if install {
		if err := h.installBuilt(cmd, appCtx, pkgSpec, packagePath); err != nil {
			return err
		}
	}

	if updateIndex {
		if err := h.updateLocalIndex(appCtx, signingKey, pkgSpec, packagePath, outputDir); err != nil {
			return err
		}
	}
	return nil
}

func (h *BuildCommandHandler) runPhase(cmd *cobra.Command, appCtx *appContext, env *buildenv.Environment, phase string) error {
	result, err := env.RunPhase(cmd.Context(), phase)
	if err != nil {
		return err
	}
	if result.Success() {
		appCtx.printf("  v %s (%.1fs)\n", result.Phase, result.Duration.Seconds())
		return nil
	}

	appCtx.printf("  x %s (%.1fs)\n", result.Phase, result.Duration.Seconds())
	appCtx.println("\nBuild failed!")
	output := strings.TrimSpace(result.Stdout + "\n" + result.Stderr)
	if output != "" {
		appCtx.println("\nOutput:")
		for i, line := range strings.Split(output, "\n") {
			if i == 50 {
				break
			}
			appCtx.printf("  %s\n", line)
		}
	}
	return fmt.Errorf("build phase '%s' failed with exit code %d", phase, result.ExitCode)
}

func (h *BuildCommandHandler) buildDelta(appCtx *appContext, key *signing.SigningKey, oldPackage, newPackage, outputDir string) string {
	appCtx.println("Generating delta package...")

	if _, err := os.Stat(oldPackage); err != nil {
		appCtx.printf("  ! Old package not found: %s\n", oldPackage)
		return ""
	}

	deltaBuilder, err := delta.NewBuilder(oldPackage, newPackage, appCtx.logger)
	if err != nil {
		appCtx.printf("  ! Failed to initialize delta builder: %v\n", err)
		return ""
	}

	deltaFile, err := deltaBuilder.Build(outputDir)
	if err != nil {
		appCtx.printf("  ! Delta generation failed: %v\n", err)
		return ""
	}

	deltaInfo, _ := os.Stat(deltaFile)
	newInfo, _ := os.Stat(newPackage)
	savings := 0.0
	if newInfo != nil && deltaInfo != nil && newInfo.Size() > 0 {
		savings = 100.0 - float64(deltaInfo.Size())/float64(newInfo.Size())*100.0
	}

	appCtx.printf("  v Delta created: %s\n", deltaFile)
	if deltaInfo != nil {
		appCtx.printf("  -> Size: %s (%.1f%% savings vs full package)\n",
			formatBytes(uint64(deltaInfo.Size())), savings)
	}

	sigPath, err := signAndWrite(key, deltaFile)
	if err != nil {
		appCtx.printf("  ! Failed to sign delta: %v\n", err)
		return deltaFile
	}
	appCtx.printf("  v Delta signature: %s\n", sigPath)
	return deltaFile
}

func (h *BuildCommandHandler) installBuilt(cmd *cobra.Command, appCtx *appContext, pkgSpec *spec.Spec, packagePath string) error {
	appCtx.println("\nInstalling built package...")

	db, err := appCtx.openDatabase()
	if err != nil {
		return err
	}
	defer appCtx.closeDatabase(db)

	packageRepo, err := persistence.NewGormPackageRepository(db, appCtx.logger)
	if err != nil {
		return err
	}

	if existing, err := packageRepo.GetByName(cmd.Context(), pkgSpec.Package.Name); err == nil {
		appCtx.printf("  ! Package %s already installed (%s)\n", pkgSpec.Package.Name, existing.FullVersion())
		appCtx.println("  Use 'rookpkg upgrade' to upgrade.")
		return nil
	} else if !errors.Is(err, pkgs.ErrPackageNotFound) {
		return err
	}

	tx, err := app.NewTransaction("/", packageRepo, appCtx.logger)
	if err != nil {
		return err
	}
	tx.Install(pkgSpec.Package.Name, pkgSpec.FullVersion(), packagePath)

	if err := tx.Execute(cmd.Context()); err != nil {
		return fmt.Errorf("installation failed: %w", err)
	}
	appCtx.println("  v Package installed successfully")
	return nil
}

func (h *BuildCommandHandler) updateLocalIndex(appCtx *appContext, key *signing.SigningKey, pkgSpec *spec.Spec, packagePath, outputDir string) error {
	appCtx.println("\nUpdating local package index...")

	indexPath := filepath.Join(outputDir, "packages.json")

	index := repository.NewPackageIndex("local")
	if data, err := os.ReadFile(indexPath); err == nil {
		var existing repository.PackageIndex
		if json.Unmarshal(data, &existing) == nil {
			index = &existing
		}
	}

	pkgInfo, err := os.Stat(packagePath)
	if err != nil {
		return err
	}
	sha, err := download.ComputeSHA256(packagePath)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	entry := repository.PackageEntry{
		Name:         pkgSpec.Package.Name,
		Version:      pkgSpec.Package.Version,
		Release:      pkgSpec.Package.Release,
		Description:  pkgSpec.Package.Description,
		Arch:         "x86_64",
		Size:         uint64(pkgInfo.Size()),
		SHA256:       sha,
		Filename:     filepath.Base(packagePath),
		Depends:      mapKeys(pkgSpec.Depends),
		BuildDepends: mapKeys(pkgSpec.BuildDepends),
		License:      pkgSpec.Package.License,
		Homepage:     pkgSpec.Package.URL,
		Maintainer:   pkgSpec.Package.Maintainer,
		BuildDate:    &now,
	}
	index.AddPackage(entry)

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(indexPath, data, 0o644); err != nil {
		return err
	}
	appCtx.printf("  v Updated %s (%d packages)\n", indexPath, index.Count)

	sigPath, err := signAndWrite(key, indexPath)
	if err != nil {
		return err
	}
	appCtx.printf("  v Signed index: %s\n", sigPath)
	return nil
}

// validateArchiveContents rejects archives with duplicate paths or
// regular files missing checksums.
func validateArchiveContents(files []archive.FileEntry) error {
	seen := make(map[string]bool, len(files))
	for _, file := range files {
		if seen[file.Path] {
			return fmt.Errorf("duplicate file path in package: %s", file.Path)
		}
		seen[file.Path] = true
	}
	for _, file := range files {
		if file.FileType == archive.TypeRegular && file.SHA256 == "" {
			return fmt.Errorf("regular file missing checksum: %s", file.Path)
		}
	}
	return nil
}

// signAndWrite signs a file and writes the detached JSON signature next
// to it, returning the signature path.
func signAndWrite(key *signing.SigningKey, path string) (string, error) {
	sig, err := key.SignFile(path)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return "", err
	}
	sigPath := path + ".sig"
	if err := os.WriteFile(sigPath, data, 0o644); err != nil {
		return "", err
	}
	return sigPath, nil
}

// mapKeys returns a map's keys in sorted order.
func mapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}


// buildOutcome records one package's result in a batch build.
type buildOutcome struct {
	name     string
	version  string
	path     string
	duration time.Duration
	err      error
}

// BuildallCmd builds every .rook spec in a directory, signing each
// package with the user's key.
func (h *BuildCommandHandler) BuildallCmd(cmd *cobra.Command, args []string) error {
	appCtx, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	outputDir, _ := cmd.Flags().GetString("output")
	continueOnError, _ := cmd.Flags().GetBool("continue")
	jobs, _ := cmd.Flags().GetInt("jobs")

	started := time.Now()

	info, err := os.Stat(args[0])
	if err != nil {
		return fmt.Errorf("spec directory not found: %s", args[0])
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", args[0])
	}

	appCtx.println("Checking signing key...")
	signingKey, err := signing.LoadSigningKey(appCtx.cfg.Signing.UserSigningKey)
	if err != nil {
		appCtx.println("\nFATAL: no signing key found.")
		appCtx.println("\nPackage building requires a cryptographic signing key.")
		appCtx.println("To create one:")
		appCtx.println("  rookpkg keygen --name \"Your Name\" --email \"you@example.org\"")
		return fmt.Errorf("signing key required: %w", err)
	}
	appCtx.printf("  v Signing key: %s <%s>\n", signingKey.Identity.Name, signingKey.Identity.Email)
	appCtx.printf("    Fingerprint: %s\n", signingKey.Fingerprint)

	appCtx.printf("\nScanning for spec files in: %s\n", args[0])
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
	appCtx.printf("  v Found %d spec files\n", len(specFiles))

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}
	appCtx.printf("  -> Output directory: %s\n", outputDir)

	if jobs > 0 {
		appCtx.cfg.Build.Jobs = jobs
		appCtx.printf("  -> Parallel jobs per build: %d\n", jobs)
	}

	appCtx.printf("\nBuilding %d packages...\n\n", len(specFiles))

	var results []buildOutcome
	for i, specPath := range specFiles {
		specName := strings.TrimSuffix(filepath.Base(specPath), ".rook")
		appCtx.printf("[%d/%d] Building %s\n", i+1, len(specFiles), specName)

		pkgStart := time.Now()
		outcome := h.buildOne(cmd.Context(), appCtx, signingKey, specPath, outputDir)
		outcome.duration = time.Since(pkgStart)
		if outcome.name == "" {
			outcome.name = specName
		}
		results = append(results, outcome)

		if outcome.err != nil {
			appCtx.printf("  x %s failed: %v\n", specName, outcome.err)
			if !continueOnError {
				appCtx.println("\nTip: use --continue to keep building remaining packages on failure.")
				return fmt.Errorf("build failed for %s: %w", specName, outcome.err)
			}
		} else {
			appCtx.printf("  v %s-%s built in %.1fs\n", outcome.name, outcome.version, outcome.duration.Seconds())
		}
	}

	succeeded := 0
	failedCount := 0
	for _, r := range results {
		if r.err == nil {
			succeeded++
		} else {
			failedCount++
		}
	}

	appCtx.println("")
	appCtx.println(strings.Repeat("=", 60))
	appCtx.println("Build Summary")
	appCtx.println(strings.Repeat("=", 60))
	appCtx.println("")

	if succeeded > 0 {
		appCtx.printf("Successful (%d):\n", succeeded)
		for _, r := range results {
			if r.err == nil {
				appCtx.printf("  v %s-%s (%.1fs) -> %s\n", r.name, r.version, r.duration.Seconds(), r.path)
			}
		}
		appCtx.println("")
	}
	if failedCount > 0 {
		appCtx.printf("Failed (%d):\n", failedCount)
		for _, r := range results {
			if r.err != nil {
				appCtx.printf("  x %s: %v\n", r.name, r.err)
			}
		}
		appCtx.println("")
	}

	appCtx.printf("Total: %d succeeded, %d failed, %.1fs elapsed\n", succeeded, failedCount, time.Since(started).Seconds())

	if failedCount > 0 {
		appCtx.printf("\n! %d package(s) failed to build.\n", failedCount)
		return fmt.Errorf("%d package(s) failed to build", failedCount)
	}
	appCtx.printf("\nv All %d packages built successfully!\n", succeeded)
	return nil
}

// buildOne runs a full non-interactive build of a single spec.
func (h *BuildCommandHandler) buildOne(ctx context.Context, appCtx *appContext, signingKey *signing.SigningKey, specPath, outputDir string) buildOutcome {
	pkgSpec, err := spec.Load(specPath)
	if err != nil {
		return buildOutcome{err: err}
	}
	outcome := buildOutcome{name: pkgSpec.Package.Name, version: pkgSpec.FullVersion()}

	builder := buildenv.NewBuilder(appCtx.cfg, appCtx.logger)
	env, err := builder.FromSpec(pkgSpec)
	if err != nil {
		outcome.err = err
		return outcome
	}

	if err := env.FetchSources(ctx); err != nil {
		outcome.err = err
		return outcome
	}
	if err := env.ApplyPatches(ctx); err != nil {
		outcome.err = err
		return outcome
	}

	phaseResults, err := env.BuildAll(ctx)
	if err != nil {
		outcome.err = err
		return outcome
	}
	for _, result := range phaseResults {
		if !result.Success() {
			outcome.err = fmt.Errorf("build phase '%s' failed with exit code %d", result.Phase, result.ExitCode)
			return outcome
		}
	}

	if _, err := env.CollectInstalledFiles(); err != nil {
		outcome.err = err
		return outcome
	}

	archiveBuilder := archive.NewBuilder(pkgSpec, env.DestDir(), appCtx.logger)
	if err := archiveBuilder.ScanFiles(); err != nil {
		outcome.err = err
		return outcome
	}
	if err := validateArchiveContents(archiveBuilder.Files()); err != nil {
		outcome.err = err
		return outcome
	}

	packagePath, err := archiveBuilder.Build(outputDir)
	if err != nil {
		outcome.err = err
		return outcome
	}
	if _, err := signAndWrite(signingKey, packagePath); err != nil {
		outcome.err = err
		return outcome
	}

	if err := env.Clean(); err != nil {
		appCtx.logger.Warn(fmt.Sprintf("Failed to clean build directory: %v", err))
	}

	outcome.path = packagePath
	return outcome
}

// InitBuildCommands registers the build command with the root command.
func InitBuildCommands(rootCmd *cobra.Command) error {
	handler := NewBuildCommandHandler()

	buildCmd := &cobra.Command{
		Use:   "build <spec.rook>",
		Short: "Build a package from a spec file",
		Args:  cobra.ExactArgs(1),
		RunE:  handler.BuildCmd,
	}
	buildCmd.Flags().Bool("install", false, "Install the package after building")
	buildCmd.Flags().StringP("output", "o", ".", "Output directory for the built package")
	buildCmd.Flags().Bool("batch", false, "Run all build phases without per-phase control")
	buildCmd.Flags().Bool("index", false, "Update the local package index after building")
	buildCmd.Flags().String("delta-from", "", "Generate a delta package from an older package")
	rootCmd.AddCommand(buildCmd)

	buildallCmd := &cobra.Command{
		Use:   "buildall <directory>",
		Short: "Build every spec file in a directory",
		Args:  cobra.ExactArgs(1),
		RunE:  handler.BuildallCmd,
	}
	buildallCmd.Flags().StringP("output", "o", ".", "Output directory for the built packages")
	buildallCmd.Flags().Bool("continue", false, "Keep building remaining packages when one fails")
	buildallCmd.Flags().Int("jobs", 0, "Override the configured parallel jobs per build")
	rootCmd.AddCommand(buildallCmd)

	return nil
}
