package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rookery-os/rookpkg/internal/app"
	"github.com/rookery-os/rookpkg/internal/domain/pkgs"
	"github.com/rookery-os/rookpkg/internal/infrastructure/archive"
	"github.com/rookery-os/rookpkg/internal/infrastructure/hooks"
	"github.com/rookery-os/rookpkg/internal/infrastructure/persistence"
	"github.com/rookery-os/rookpkg/internal/infrastructure/repository"
)

// PackageCommandHandler encapsulates logic for installing and removing
// packages via CLI.
type PackageCommandHandler struct{}

// installItem is one archive queued for installation.
type installItem struct {
	name    string
	version string
	path    string
}

// NewPackageCommandHandler initializes and returns a PackageCommandHandler instance.
func NewPackageCommandHandler() *PackageCommandHandler {
	return &PackageCommandHandler{}
}

// InstallCmd installs packages from the configured repositories, or
// from local .rookpkg files with --local.
func (handler *PackageCommandHandler) InstallCmd(cmd *cobra.Command, args []string) error {
	local, err := cmd.Flags().GetBool("local")
	if err != nil {
		return fmt.Errorf("invalid local flag: %w", err)
	}
	dryRun, err := cmd.Flags().GetBool("dry-run")
	if err != nil {
		return fmt.Errorf("invalid dry-run flag: %w", err)
	}
	downloadOnly, err := cmd.Flags().GetBool("download-only")
	if err != nil {
		return fmt.Errorf("invalid download-only flag: %w", err)
	}

	// download-only just fills the cache, so no root needed.
	if err := requireRoot("install", dryRun || downloadOnly); err != nil {
		return err
	}

	appCtx, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	if dryRun {
		appCtx.println("Dry run mode - no changes will be made")
		appCtx.println()
	}

	if local {
		if downloadOnly {
			appCtx.println("Note: --download-only has no effect with --local (files are already local)")
		}
		return handler.installLocal(cmd.Context(), appCtx, args, dryRun)
	}

	return handler.installFromRepos(cmd.Context(), appCtx, args, dryRun, downloadOnly)
}

func (handler *PackageCommandHandler) installFromRepos(ctx context.Context, appCtx *appContext, packages []string, dryRun, downloadOnly bool) error {
	appCtx.println("Loading repository data...")

	if len(appCtx.cfg.Repositories) == 0 {
		appCtx.println()
		appCtx.println("No repositories configured.")
		appCtx.println("Run 'rookpkg update' to refresh package lists once repositories are added.")
		return nil
	}

	manager, err := appCtx.repoManager()
	if err != nil {
		return err
	}

	expanded, err := expandGroups(appCtx, manager, packages)
	if err != nil {
		return err
	}

	appCtx.println("Resolving dependencies...")
	appCtx.println()

	resolver := app.NewResolver()
	type availablePackage struct {
		entry    *repository.PackageEntry
		repoName string
	}
	packageMap := make(map[string]availablePackage)

	// Repos are priority ordered, so the first repository providing a
	// name wins.
	for _, repo := range manager.Repos() {
		if repo.Index == nil {
			continue
		}
		for i := range repo.Index.Packages {
			entry := &repo.Index.Packages[i]
			if err := resolver.AddDependencyList(entry.Name, entry.Version, entry.Depends); err != nil {
				appCtx.logger.Warn(fmt.Sprintf("Skipping unresolvable entry %s-%s: %v", entry.Name, entry.Version, err))
				continue
			}
			if _, seen := packageMap[entry.Name]; !seen {
				packageMap[entry.Name] = availablePackage{entry: entry, repoName: repo.Name}
			}
		}
	}

	var notFound []string
	for _, name := range expanded {
		if _, ok := packageMap[name]; !ok {
			appCtx.printf("  x %s (not found)\n", name)
			notFound = append(notFound, name)
		}
	}
	if len(notFound) > 0 {
		appCtx.println()
		appCtx.println("Try 'rookpkg update' to refresh package lists.")
		return fmt.Errorf("%d package(s) not found: %s", len(notFound), strings.Join(notFound, ", "))
	}

	solution, err := resolver.Resolve(expanded)
	if err != nil {
		return fmt.Errorf("could not resolve dependencies: %w", err)
	}

	requested := make(map[string]struct{}, len(expanded))
	for _, name := range expanded {
		requested[name] = struct{}{}
	}

	var toInstall []availablePackage
	var totalSize uint64
	for _, sel := range solution {
		available, ok := packageMap[sel.Name]
		if !ok {
			continue
		}
		toInstall = append(toInstall, available)
		totalSize += available.entry.Size
		if _, isRequested := requested[sel.Name]; isRequested {
			appCtx.printf("  + %s-%s from %s\n", available.entry.Name, available.entry.Version, available.repoName)
		} else {
			appCtx.printf("  + %s-%s from %s (dependency)\n", available.entry.Name, available.entry.Version, available.repoName)
		}
	}
	appCtx.println()

	if len(toInstall) == 0 {
		appCtx.println("Nothing to install.")
		return nil
	}

	appCtx.printf("Total download size: %s\n\n", formatBytes(totalSize))

	if dryRun {
		appCtx.println("Dry run complete - no packages downloaded.")
		return nil
	}

	appCtx.println("Downloading and verifying packages...")
	appCtx.println()

	var verified []*repository.VerifiedPackage
	for _, available := range toInstall {
		cachedNote := ""
		if manager.IsPackageCached(available.entry) {
			cachedNote = " (cached)"
		}
		result, err := manager.DownloadAndVerify(ctx, available.entry, available.repoName)
		if err != nil {
			return fmt.Errorf("failed to download/verify %s: %w", available.entry.Name, err)
		}
		if result.Signature.IsVerified() {
			appCtx.printf("  v %s-%s%s [signed by %s (%s)]\n",
				available.entry.Name, available.entry.Version, cachedNote,
				result.Signature.Signer, result.Signature.Trust)
		} else {
			appCtx.printf("  v %s-%s%s [%s]\n",
				available.entry.Name, available.entry.Version, cachedNote,
				result.Signature.Description())
		}
		verified = append(verified, result)
	}
	appCtx.println()

	if downloadOnly {
		appCtx.printf("%d package(s) downloaded to cache\n\n", len(verified))
		appCtx.println("Cached packages:")
		for _, v := range verified {
			appCtx.printf("  -> %s\n", v.Path)
		}
		appCtx.println()
		appCtx.printf("To install these packages later, run:\n  rookpkg install %s\n", strings.Join(packages, " "))
		return nil
	}

	var queue []installItem
	for _, v := range verified {
		queue = append(queue, installItem{
			name:    v.Package.Name,
			version: fmt.Sprintf("%s-%d", v.Package.Version, v.Package.Release),
			path:    v.Path,
		})
	}
	return handler.runInstallTransaction(ctx, appCtx, queue)
}

// installLocal installs .rookpkg files given by path.
func (handler *PackageCommandHandler) installLocal(ctx context.Context, appCtx *appContext, paths []string, dryRun bool) error {
	appCtx.println("Installing local package(s)...")
	appCtx.println()

	var queue []installItem

	for _, path := range paths {
		stat, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("package file not found: %s", path)
		}
		reader, err := archive.NewReader(path)
		if err != nil {
			return err
		}
		info, err := reader.ReadInfo()
		if err != nil {
			return err
		}
		appCtx.printf("  -> %s-%s-%d (%s)\n", info.Name, info.Version, info.Release, formatBytes(uint64(stat.Size())))
		queue = append(queue, installItem{
			name:    info.Name,
			version: fmt.Sprintf("%s-%d", info.Version, info.Release),
			path:    path,
		})
	}
	appCtx.println()

	if len(queue) == 0 {
		appCtx.println("Nothing to install.")
		return nil
	}
	if dryRun {
		appCtx.println("Dry run complete - no packages installed.")
		return nil
	}
	return handler.runInstallTransaction(ctx, appCtx, queue)
}

// runInstallTransaction filters already-installed packages, checks
// conflicts and executes the install transaction with hooks.
func (handler *PackageCommandHandler) runInstallTransaction(ctx context.Context, appCtx *appContext, queue []installItem) error {
	db, err := appCtx.openDatabase()
	if err != nil {
		return err
	}
	defer appCtx.closeDatabase(db)

	packageRepo, err := persistence.NewGormPackageRepository(db, appCtx.logger)
	if err != nil {
		return err
	}

	var toInstall []installItem
	var alreadyInstalled []string
	for _, q := range queue {
		existing, err := packageRepo.GetByName(ctx, q.name)
		switch {
		case err == nil:
			alreadyInstalled = append(alreadyInstalled, fmt.Sprintf("%s (%s)", q.name, existing.Version))
		case errors.Is(err, pkgs.ErrPackageNotFound):
			toInstall = append(toInstall, q)
		default:
			return err
		}
	}

	if len(alreadyInstalled) > 0 {
		appCtx.println("Some packages are already installed:")
		for _, entry := range alreadyInstalled {
			appCtx.printf("  ! %s\n", entry)
		}
		appCtx.println()
		appCtx.println("Use 'rookpkg upgrade' to update existing packages.")
		appCtx.println()
	}
	if len(toInstall) == 0 {
		appCtx.println("Nothing new to install.")
		return nil
	}

	appCtx.println("Installing packages...")
	appCtx.println()

	tx, err := app.NewTransaction("/", packageRepo, appCtx.logger)
	if err != nil {
		return err
	}
	for _, q := range toInstall {
		tx.Install(q.name, q.version, q.path)
	}

	appCtx.println("Checking for file conflicts...")
	conflicts, err := tx.CheckConflicts(ctx, false)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		appCtx.println()
		appCtx.println("File conflicts detected:")
		for i := range conflicts {
			appCtx.printf("  x %s\n", conflicts[i].String())
		}
		appCtx.println()
		return fmt.Errorf("cannot install: %d file conflict(s) detected, remove conflicting package(s) first", len(conflicts))
	}
	appCtx.println("  v No conflicts found")
	appCtx.println()

	hookManager := hooks.NewManager("/", appCtx.cfg.Hooks, appCtx.logger)
	preResults, postResults, err := tx.ExecuteWithHooks(ctx, hookManager)
	printHookResults(appCtx, "pre-transaction", preResults)
	if err != nil {
		return fmt.Errorf("installation transaction failed: %w", err)
	}
	appCtx.printf("%d package(s) installed successfully\n", len(toInstall))
	printHookResults(appCtx, "post-transaction", postResults)

	appCtx.println()
	appCtx.println("Installation complete!")
	return nil
}

// RemoveCmd removes installed packages.
func (handler *PackageCommandHandler) RemoveCmd(cmd *cobra.Command, args []string) error {
	cascade, err := cmd.Flags().GetBool("cascade")
	if err != nil {
		return fmt.Errorf("invalid cascade flag: %w", err)
	}
	dryRun, err := cmd.Flags().GetBool("dry-run")
	if err != nil {
		return fmt.Errorf("invalid dry-run flag: %w", err)
	}
	if err := requireRoot("remove", dryRun); err != nil {
		return err
	}

	appCtx, err := newAppContext(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if dryRun {
		appCtx.println("Dry run mode - no changes will be made")
		appCtx.println()
	}

	db, err := appCtx.openDatabase()
	if err != nil {
		return err
	}
	defer appCtx.closeDatabase(db)

	packageRepo, err := persistence.NewGormPackageRepository(db, appCtx.logger)
	if err != nil {
		return err
	}

	var toRemove []*pkgs.InstalledPackage
	var notInstalled []string
	type blockedPackage struct {
		name  string
		rdeps []string
	}
	var blocked []blockedPackage

	for _, name := range args {
		pkg, err := packageRepo.GetByName(ctx, name)
		if err != nil {
			if errors.Is(err, pkgs.ErrPackageNotFound) {
				notInstalled = append(notInstalled, name)
				continue
			}
			return err
		}
		rdeps, err := packageRepo.ReverseDependencies(ctx, name)
		if err != nil {
			return err
		}
		if len(rdeps) > 0 && !cascade {
			names := make([]string, len(rdeps))
			for i, r := range rdeps {
				names[i] = r.Name
			}
			blocked = append(blocked, blockedPackage{name: name, rdeps: names})
			continue
		}
		toRemove = append(toRemove, pkg)
	}

	if len(notInstalled) > 0 {
		appCtx.println("Some packages are not installed:")
		for _, name := range notInstalled {
			appCtx.printf("  ! %s\n", name)
		}
		appCtx.println()
	}
	if len(blocked) > 0 {
		appCtx.println("Some packages cannot be removed due to dependencies:")
		for _, b := range blocked {
			appCtx.printf("  x %s is required by: %s\n", b.name, strings.Join(b.rdeps, ", "))
		}
		appCtx.println()
		appCtx.println("Use --cascade to remove dependent packages too.")
		appCtx.println()
	}
	if len(toRemove) == 0 {
		if len(blocked) == 0 && len(notInstalled) == 0 {
			appCtx.println("Nothing to remove.")
		}
		return nil
	}

	appCtx.println("The following packages will be removed:")
	appCtx.println()

	var totalSize int64
	for _, pkg := range toRemove {
		appCtx.printf("  x %s-%s\n", pkg.Name, pkg.FullVersion())
		totalSize += pkg.SizeBytes
	}

	if cascade {
		cascaded, err := collectCascade(ctx, packageRepo, toRemove)
		if err != nil {
			return err
		}
		for _, pkg := range cascaded {
			appCtx.printf("  x %s-%s (cascade)\n", pkg.Name, pkg.FullVersion())
			totalSize += pkg.SizeBytes
		}
		toRemove = append(toRemove, cascaded...)
	}

	appCtx.println()
	appCtx.printf("Space to be freed: %s\n\n", formatBytes(uint64(totalSize)))

	if dryRun {
		appCtx.println("Dry run complete - no packages removed.")
		return nil
	}

	appCtx.println("Removing packages...")
	appCtx.println()

	tx, err := app.NewTransaction("/", packageRepo, appCtx.logger)
	if err != nil {
		return err
	}
	// Dependents first so nothing is briefly broken mid-transaction.
	for i := len(toRemove) - 1; i >= 0; i-- {
		tx.Remove(toRemove[i].Name)
	}

	hookManager := hooks.NewManager("/", appCtx.cfg.Hooks, appCtx.logger)
	preResults, postResults, err := tx.ExecuteWithHooks(ctx, hookManager)
	printHookResults(appCtx, "pre-transaction", preResults)
	if err != nil {
		return fmt.Errorf("removal transaction failed: %w", err)
	}
	appCtx.printf("%d package(s) removed successfully\n", len(toRemove))
	printHookResults(appCtx, "post-transaction", postResults)

	appCtx.println()
	appCtx.println("Removal complete!")
	return nil
}

// collectCascade walks reverse dependencies of the removal set and
// returns the additional packages removal must take with it.
func collectCascade(ctx context.Context, packageRepo pkgs.PackageRepository, toRemove []*pkgs.InstalledPackage) ([]*pkgs.InstalledPackage, error) {
	selected := make(map[string]struct{}, len(toRemove))
	queue := make([]string, 0, len(toRemove))
	for _, pkg := range toRemove {
		selected[pkg.Name] = struct{}{}
		queue = append(queue, pkg.Name)
	}

	var cascaded []*pkgs.InstalledPackage
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		rdeps, err := packageRepo.ReverseDependencies(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, rdep := range rdeps {
			if _, done := selected[rdep.Name]; done {
				continue
			}
			selected[rdep.Name] = struct{}{}
			cascaded = append(cascaded, rdep)
			queue = append(queue, rdep.Name)
		}
	}
	return cascaded, nil
}

// AutoremoveCmd removes dependency packages nothing depends on anymore.
func (handler *PackageCommandHandler) AutoremoveCmd(cmd *cobra.Command, _ []string) error {
	dryRun, err := cmd.Flags().GetBool("dry-run")
	if err != nil {
		return fmt.Errorf("invalid dry-run flag: %w", err)
	}
	if err := requireRoot("autoremove", dryRun); err != nil {
		return err
	}

	appCtx, err := newAppContext(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	db, err := appCtx.openDatabase()
	if err != nil {
		return err
	}
	defer appCtx.closeDatabase(db)

	packageRepo, err := persistence.NewGormPackageRepository(db, appCtx.logger)
	if err != nil {
		return err
	}

	report, err := app.NewOrphanService(packageRepo, appCtx.logger).Find(ctx)
	if err != nil {
		return err
	}
	if len(report.Orphans) == 0 {
		appCtx.println("No orphan packages found.")
		return nil
	}

	appCtx.println("The following orphan packages will be removed:")
	appCtx.println()
	for _, pkg := range report.Orphans {
		appCtx.printf("  x %s-%s\n", pkg.Name, pkg.FullVersion())
	}
	appCtx.println()
	appCtx.printf("Space to be freed: %s\n\n", formatBytes(uint64(report.TotalSize())))

	if dryRun {
		appCtx.println("Dry run complete - no packages removed.")
		return nil
	}

	tx, err := app.NewTransaction("/", packageRepo, appCtx.logger)
	if err != nil {
		return err
	}
	for _, pkg := range report.Orphans {
		tx.Remove(pkg.Name)
	}

	hookManager := hooks.NewManager("/", appCtx.cfg.Hooks, appCtx.logger)
	preResults, postResults, err := tx.ExecuteWithHooks(ctx, hookManager)
	printHookResults(appCtx, "pre-transaction", preResults)
	if err != nil {
		return fmt.Errorf("autoremove transaction failed: %w", err)
	}
	appCtx.printf("%d orphan package(s) removed\n", len(report.Orphans))
	printHookResults(appCtx, "post-transaction", postResults)
	return nil
}

// MarkExplicitCmd marks packages as explicitly installed.
func (handler *PackageCommandHandler) MarkExplicitCmd(cmd *cobra.Command, args []string) error {
	return handler.markPackages(cmd, args, pkgs.ReasonExplicit)
}

// MarkDepCmd marks packages as dependencies.
func (handler *PackageCommandHandler) MarkDepCmd(cmd *cobra.Command, args []string) error {
	return handler.markPackages(cmd, args, pkgs.ReasonDependency)
}

func (handler *PackageCommandHandler) markPackages(cmd *cobra.Command, args []string, reason pkgs.InstallReason) error {
	operation := "mark-explicit"
	if reason == pkgs.ReasonDependency {
		operation = "mark-dep"
	}
	if err := requireRoot(operation, false); err != nil {
		return err
	}

	appCtx, err := newAppContext(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	db, err := appCtx.openDatabase()
	if err != nil {
		return err
	}
	defer appCtx.closeDatabase(db)

	packageRepo, err := persistence.NewGormPackageRepository(db, appCtx.logger)
	if err != nil {
		return err
	}

	service := app.NewOrphanService(packageRepo, appCtx.logger)
	var result *app.MarkResult
	if reason == pkgs.ReasonExplicit {
		result, err = service.MarkExplicit(ctx, args)
	} else {
		result, err = service.MarkDependency(ctx, args)
	}
	if err != nil {
		return err
	}

	for _, name := range result.Marked {
		appCtx.printf("  v %s marked as %s\n", name, reason)
	}
	for _, name := range result.AlreadyMarked {
		appCtx.printf("  - %s already marked as %s\n", name, reason)
	}
	for _, name := range result.NotInstalled {
		appCtx.printf("  ! %s is not installed\n", name)
	}
	if len(result.NotInstalled) > 0 {
		return fmt.Errorf("%d package(s) not installed", len(result.NotInstalled))
	}
	return nil
}

// printHookResults summarizes hook execution for one phase.
func printHookResults(appCtx *appContext, phase string, results []hooks.Result) {
	if len(results) == 0 {
		return
	}
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if failed == 0 {
		appCtx.printf("  -> %d %s hook(s) ran successfully\n", len(results), phase)
		return
	}
	appCtx.printf("  ! %d %s hook(s): %d succeeded, %d failed\n", len(results), phase, len(results)-failed, failed)
	for _, r := range results {
		if r.Success {
			continue
		}
		appCtx.printf("    x %s (exit code: %d)\n", r.Name, r.ExitCode)
		output := r.Stderr
		if output == "" {
			output = r.Stdout
		}
		for i, line := range strings.Split(strings.TrimSpace(output), "\n") {
			if i >= 3 || line == "" {
				break
			}
			appCtx.printf("      %s\n", line)
		}
	}
}

// expandGroups replaces @group arguments with the group's packages.
func expandGroups(appCtx *appContext, manager *repository.Manager, packages []string) ([]string, error) {
	var expanded []string
	seen := make(map[string]struct{})
	addPackage := func(name string) {
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			expanded = append(expanded, name)
		}
	}

	for _, pkg := range packages {
		groupName, isGroup := strings.CutPrefix(pkg, "@")
		if !isGroup {
			addPackage(pkg)
			continue
		}
		members := manager.ExpandGroup(groupName, false)
		if members == nil {
			return nil, fmt.Errorf("package group '%s' not found, run 'rookpkg groups' to list available groups", groupName)
		}
		appCtx.printf("  -> @%s expands to %d package(s)\n", groupName, len(members))
		for _, member := range members {
			addPackage(member)
		}
	}
	return expanded, nil
}

// InitPackageCommands registers install, remove, autoremove and
// install-reason commands.
func InitPackageCommands(rootCmd *cobra.Command) error {
	handler := NewPackageCommandHandler()

	var installCmd = &cobra.Command{
		Use:   "install <package>...",
		Short: "Install a package",
		Args:  cobra.MinimumNArgs(1),
		RunE:  handler.InstallCmd,
	}
	installCmd.Flags().Bool("local", false, "Install from local .rookpkg file(s) instead of repository")
	installCmd.Flags().Bool("dry-run", false, "Don't actually install, just show what would happen")
	installCmd.Flags().Bool("download-only", false, "Download packages to cache but don't install them")
	rootCmd.AddCommand(installCmd)

	var removeCmd = &cobra.Command{
		Use:   "remove <package>...",
		Short: "Remove a package",
		Args:  cobra.MinimumNArgs(1),
		RunE:  handler.RemoveCmd,
	}
	removeCmd.Flags().Bool("cascade", false, "Also remove packages that depend on this package")
	removeCmd.Flags().Bool("dry-run", false, "Don't actually remove, just show what would happen")
	rootCmd.AddCommand(removeCmd)

	var autoremoveCmd = &cobra.Command{
		Use:   "autoremove",
		Short: "Remove orphan packages (dependencies no longer needed)",
		Args:  cobra.NoArgs,
		RunE:  handler.AutoremoveCmd,
	}
	autoremoveCmd.Flags().Bool("dry-run", false, "Don't actually remove, just show what would be removed")
	rootCmd.AddCommand(autoremoveCmd)

	var markExplicitCmd = &cobra.Command{
		Use:   "mark-explicit <package>...",
		Short: "Mark a package as explicitly installed (won't be autoremoved)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  handler.MarkExplicitCmd,
	}
	rootCmd.AddCommand(markExplicitCmd)

	var markDepCmd = &cobra.Command{
		Use:   "mark-dep <package>...",
		Short: "Mark a package as a dependency (can be autoremoved if no longer needed)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  handler.MarkDepCmd,
	}
	rootCmd.AddCommand(markDepCmd)

	return nil
}
