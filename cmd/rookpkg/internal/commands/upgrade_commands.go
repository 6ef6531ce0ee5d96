package commands

import (
	"fmt"

	"github.com/rookery-os/rookpkg/internal/app"
	"github.com/rookery-os/rookpkg/internal/infrastructure/download"
	"github.com/rookery-os/rookpkg/internal/infrastructure/hooks"
	"github.com/rookery-os/rookpkg/internal/infrastructure/persistence"
	"github.com/rookery-os/rookpkg/internal/infrastructure/repository"
	"github.com/spf13/cobra"
)

// UpgradeCommandHandler holds commands that keep the installed system
// current with its repositories.
type UpgradeCommandHandler struct{}

// NewUpgradeCommandHandler creates a new UpgradeCommandHandler.
func NewUpgradeCommandHandler() *UpgradeCommandHandler {
	return &UpgradeCommandHandler{}
}

// UpdateCmd refreshes cached repository metadata and indexes.
func (h *UpgradeCommandHandler) UpdateCmd(cmd *cobra.Command, args []string) error {
	appCtx, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	appCtx.println("Updating repository metadata...")

	if len(appCtx.cfg.EnabledRepositories()) == 0 {
		appCtx.println("\nNo repositories configured.")
		appCtx.println("\nTo add a repository, edit /etc/rookpkg/rookpkg.conf:")
		appCtx.println("\n  [[repositories]]")
		appCtx.println("  name = \"rookery-core\"")
		appCtx.println("  url = \"https://packages.rookery.org/core\"")
		appCtx.println("  enabled = true")
		appCtx.println("  priority = 100")
		return nil
	}

	manager, err := appCtx.repoManager()
	if err != nil {
		return err
	}

	result := manager.UpdateAll(cmd.Context())

	appCtx.println("")
	for _, name := range result.Updated {
		appCtx.printf("  v %s (updated)\n", name)
	}
	for _, name := range result.Unchanged {
		appCtx.printf("  v %s (up to date)\n", name)
	}
	for name, updateErr := range result.Failed {
		appCtx.printf("  x %s - %v\n", name, updateErr)
	}
	appCtx.println("")

	if !result.AllSuccess() {
		return fmt.Errorf("%d repositor(ies) failed to update", len(result.Failed))
	}

	totalPackages := 0
	for _, repo := range manager.Repos() {
		if repo.Index != nil {
			totalPackages += repo.Index.Count
		}
	}
	appCtx.printf("v %d repositories updated, %d packages available\n", result.Total(), totalPackages)
	return nil
}

// UpgradeCmd upgrades every installed package with a newer repository version.
func (h *UpgradeCommandHandler) UpgradeCmd(cmd *cobra.Command, args []string) error {
	appCtx, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	if err := requireRoot("upgrade", dryRun); err != nil {
		return err
	}

	if dryRun {
		appCtx.println("Dry run mode - no changes will be made\n")
	}
	appCtx.println("Checking for upgrades...")

	db, err := appCtx.openDatabase()
	if err != nil {
		return err
	}
	defer appCtx.closeDatabase(db)

	packageRepo, err := persistence.NewGormPackageRepository(db, appCtx.logger)
	if err != nil {
		return err
	}
	holdRepo, err := persistence.NewGormHoldRepository(db, appCtx.logger)
	if err != nil {
		return err
	}

	manager, err := appCtx.repoManager()
	if err != nil {
		return err
	}
	if len(manager.Repos()) == 0 {
		appCtx.println("\nNo repositories configured.")
		appCtx.println("Run 'rookpkg update' after adding repositories.")
		return nil
	}

	planner := app.NewUpgradePlanner(packageRepo, holdRepo, manager, appCtx.logger)
	plan, err := planner.Plan(cmd.Context())
	if err != nil {
		return err
	}

	if len(plan.Held) > 0 {
		appCtx.println("\nHeld packages (skipped):")
		for _, held := range plan.Held {
			appCtx.printf("  - %s (%s available)\n", held.Name, held.AvailableVersion)
		}
		appCtx.println("\nUse 'rookpkg unhold <package>' to release holds.")
	}

	if plan.UpToDate() {
		appCtx.println("\nAll packages are up to date.")
		return nil
	}

	appCtx.printf("\n%d package(s) can be upgraded:\n\n", len(plan.Upgrades))
	for i := range plan.Upgrades {
		upgrade := &plan.Upgrades[i]
		note := ""
		if upgrade.Delta != nil {
			note = " [delta available]"
		}
		appCtx.printf("  %s %s -> %s (from %s)%s\n",
			upgrade.Name,
			upgrade.InstalledFull(),
			upgrade.AvailableFull(),
			upgrade.Repository,
			note)
	}
	appCtx.printf("\nTotal download size: %s\n", formatBytes(plan.TotalDownloadSize()))

	if dryRun {
		appCtx.println("\nDry run complete - no packages downloaded.")
		return nil
	}

	appCtx.println("\nDownloading and verifying packages...")

	tx, err := app.NewTransaction("/", packageRepo, appCtx.logger)
	if err != nil {
		return err
	}

	for i := range plan.Upgrades {
		upgrade := &plan.Upgrades[i]
		result := manager.FindPackage(upgrade.Name)
		if result == nil {
			return fmt.Errorf("package '%s' disappeared from repository indexes", upgrade.Name)
		}

		verified, err := manager.DownloadAndVerify(cmd.Context(), result.Package, result.Repository)
		if err != nil {
			return fmt.Errorf("failed to download %s: %w", upgrade.Name, err)
		}

		if verified.Signature.IsVerified() {
			appCtx.printf("  v %s-%s [signed by %s (%s)]\n",
				upgrade.Name, upgrade.AvailableFull(),
				verified.Signature.Signer, verified.Signature.Trust)
		} else {
			appCtx.printf("  v %s-%s [%s]\n",
				upgrade.Name, upgrade.AvailableFull(), verified.Signature.Description())
		}

		tx.Upgrade(upgrade.Name, upgrade.InstalledFull(), upgrade.AvailableFull(), verified.Path)
	}

	appCtx.println("\nInstalling upgrades...")

	hookManager := hooks.NewManager("/", appCtx.cfg.Hooks, appCtx.logger)
	preResults, postResults, err := tx.ExecuteWithHooks(cmd.Context(), hookManager)
	printHookResults(appCtx, "pre-transaction", preResults)
	if err != nil {
		return fmt.Errorf("upgrade transaction failed: %w", err)
	}
	appCtx.printf("\nv %d package(s) upgraded successfully\n", len(plan.Upgrades))
	printHookResults(appCtx, "post-transaction", postResults)

	appCtx.println("\nUpgrade complete!")
	return nil
}

// CleanCmd removes cached package and source downloads.
func (h *UpgradeCommandHandler) CleanCmd(cmd *cobra.Command, args []string) error {
	appCtx, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	if err := requireRoot("clean", false); err != nil {
		return err
	}

	all, _ := cmd.Flags().GetBool("all")

	manager, err := appCtx.repoManager()
	if err != nil {
		return err
	}

	var pkgResult *repository.CleanResult
	if all {
		appCtx.println("Cleaning all cached packages...")
		pkgResult, err = manager.CleanAllPackages()
	} else {
		appCtx.println("Cleaning old cached packages (>30 days)...")
		pkgResult, err = manager.CleanPackageCache(30)
	}
	if err != nil {
		return err
	}

	appCtx.println("")
	if pkgResult.AnyRemoved() {
		appCtx.printf("  v Removed %d package file(s), freed %s\n",
			pkgResult.RemovedFiles, pkgResult.RemovedBytesHuman())
	} else {
		appCtx.println("  Package cache is empty or no old packages found.")
	}
	appCtx.printf("  Total package cache: %s\n", pkgResult.TotalBytesHuman())

	appCtx.println("")
	if all {
		appCtx.println("Cleaning source download cache...")
	} else {
		appCtx.println("Cleaning old source downloads (>30 days)...")
	}

	downloader, err := download.NewDownloader(appCtx.cfg.Build.CacheDir, appCtx.cfg.Download, appCtx.logger)
	if err != nil {
		return err
	}
	appCtx.printf("  Cache directory: %s\n", downloader.CacheDir())

	days := 30
	if all {
		days = 0
	}
	removed, err := downloader.CleanCache(days)
	if err != nil {
		return err
	}
	if removed > 0 {
		appCtx.printf("  v Removed %d source file(s)\n", removed)
	} else {
		appCtx.println("  Source cache is empty or no old downloads found.")
	}

	if pkgResult.AnyRemoved() || removed > 0 {
		appCtx.printf("\nv Space freed from package cache: %s\n", pkgResult.RemovedBytesHuman())
	}
	return nil
}

// RecoverCmd lists incomplete transactions, or resumes one by ID.
func (h *UpgradeCommandHandler) RecoverCmd(cmd *cobra.Command, args []string) error {
	appCtx, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	if err := requireRoot("recover", false); err != nil {
		return err
	}

	if len(args) == 0 {
		return h.listPendingTransactions(appCtx)
	}
	return h.resumeTransaction(cmd, appCtx, args[0])
}

func (h *UpgradeCommandHandler) listPendingTransactions(appCtx *appContext) error {
	appCtx.println("Checking for incomplete transactions...")

	pending, err := app.ListPendingTransactions("/")
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		appCtx.println("\nNo incomplete transactions found.")
		appCtx.println("The system is in a consistent state.")
		return nil
	}

	appCtx.printf("\n! %d incomplete transaction(s) found:\n\n", len(pending))
	for _, txID := range pending {
		appCtx.printf("  -> Transaction ID: %s\n", txID)
	}
	appCtx.println("\nTo resume a transaction, run:")
	appCtx.println("  rookpkg recover <transaction-id>")
	appCtx.println("\nWarning: incomplete transactions may leave the system in an inconsistent state.")
	return nil
}

func (h *UpgradeCommandHandler) resumeTransaction(cmd *cobra.Command, appCtx *appContext, txID string) error {
	appCtx.println("Resuming transaction...")

	db, err := appCtx.openDatabase()
	if err != nil {
		return err
	}
	defer appCtx.closeDatabase(db)

	packageRepo, err := persistence.NewGormPackageRepository(db, appCtx.logger)
	if err != nil {
		return err
	}

	tx, err := app.ResumeTransaction("/", txID, packageRepo, appCtx.logger)
	if err != nil {
		return err
	}

	appCtx.printf("\n  Transaction ID: %s\n", tx.ID())
	appCtx.printf("  Current state: %s\n\n", tx.State())

	switch tx.State() {
	case app.StatePending:
		appCtx.println("Transaction was never started, attempting to complete it...")
		if err := tx.Execute(cmd.Context()); err != nil {
			appCtx.printf("\nx Transaction could not be completed: %v\n", err)
			appCtx.println("The transaction was rolled back to maintain system consistency.")
			return err
		}
		appCtx.println("\nv Transaction completed successfully!")
	case app.StateInProgress:
		appCtx.println("Attempting to complete transaction...")
		if err := tx.Execute(cmd.Context()); err != nil {
			appCtx.printf("\nx Transaction could not be completed: %v\n", err)
			appCtx.println("The transaction was rolled back to maintain system consistency.")
			return err
		}
		appCtx.println("\nv Transaction completed successfully!")
	case app.StateCompleted:
		appCtx.println("Transaction was already completed.")
	case app.StateRolledBack:
		appCtx.println("Transaction was already rolled back.")
		appCtx.println("No further action is needed.")
	case app.StateFailed:
		appCtx.println("Transaction is in a failed state and cannot be resumed.")
		appCtx.println("\nManual intervention may be required.")
		appCtx.printf("Check the transaction directory under %s\n", "/var/lib/rookpkg/transactions/"+txID)
	}
	return nil
}

// InitUpgradeCommands registers the update, upgrade, clean and recover
// commands with the root command.
func InitUpgradeCommands(rootCmd *cobra.Command) error {
	handler := NewUpgradeCommandHandler()

	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Refresh repository metadata",
		Args:  cobra.NoArgs,
		RunE:  handler.UpdateCmd,
	}
	rootCmd.AddCommand(updateCmd)

	upgradeCmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade installed packages to the newest available versions",
		Args:  cobra.NoArgs,
		RunE:  handler.UpgradeCmd,
	}
	upgradeCmd.Flags().Bool("dry-run", false, "Show what would be upgraded without making changes")
	rootCmd.AddCommand(upgradeCmd)

	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Clean package and source download caches",
		Args:  cobra.NoArgs,
		RunE:  handler.CleanCmd,
	}
	cleanCmd.Flags().Bool("all", false, "Remove all cached files regardless of age")
	rootCmd.AddCommand(cleanCmd)

	recoverCmd := &cobra.Command{
		Use:   "recover [transaction-id]",
		Short: "List or resume incomplete transactions",
		Args:  cobra.MaximumNArgs(1),
		RunE:  handler.RecoverCmd,
	}
	rootCmd.AddCommand(recoverCmd)

	return nil
}
