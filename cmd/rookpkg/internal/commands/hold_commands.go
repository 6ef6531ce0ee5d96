package commands

import (
	"errors"

	"github.com/rookery-os/rookpkg/internal/domain/pkgs"
	"github.com/rookery-os/rookpkg/internal/infrastructure/persistence"
	"github.com/spf13/cobra"
)

// HoldCommandHandler holds commands that pin packages against upgrades.
type HoldCommandHandler struct{}

// NewHoldCommandHandler creates a new HoldCommandHandler.
func NewHoldCommandHandler() *HoldCommandHandler {
	return &HoldCommandHandler{}
}

// HoldCmd pins packages at their installed version.
func (h *HoldCommandHandler) HoldCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	if err := requireRoot("hold", false); err != nil {
		return err
	}

	reason, _ := cmd.Flags().GetString("reason")

	db, err := app.openDatabase()
	if err != nil {
		return err
	}
	defer app.closeDatabase(db)

	packageRepo, err := persistence.NewGormPackageRepository(db, app.logger)
	if err != nil {
		return err
	}
	holdRepo, err := persistence.NewGormHoldRepository(db, app.logger)
	if err != nil {
		return err
	}

	app.println("Holding packages...")

	held := 0
	var notInstalled, alreadyHeld []string
	for _, name := range args {
		pkg, err := packageRepo.GetByName(cmd.Context(), name)
		if err != nil {
			if errors.Is(err, pkgs.ErrPackageNotFound) {
				notInstalled = append(notInstalled, name)
				continue
			}
			return err
		}

		isHeld, err := holdRepo.IsHeld(cmd.Context(), name)
		if err != nil {
			return err
		}
		if isHeld {
			alreadyHeld = append(alreadyHeld, name)
			continue
		}

		if err := holdRepo.Hold(cmd.Context(), name, pkg.Version, reason); err != nil {
			return err
		}
		held++
		app.printf("  v %s held at version %s\n", name, pkg.Version)
		if reason != "" {
			app.printf("    Reason: %s\n", reason)
		}
	}

	if len(notInstalled) > 0 {
		app.println("\nNot installed (cannot hold):")
		for _, name := range notInstalled {
			app.printf("  ! %s\n", name)
		}
	}
	if len(alreadyHeld) > 0 {
		app.println("\nAlready held:")
		for _, name := range alreadyHeld {
			app.printf("  ! %s\n", name)
		}
	}

	if held > 0 {
		app.printf("\nv %d package(s) held\n", held)
	} else if len(notInstalled) == 0 && len(alreadyHeld) == 0 {
		app.println("\nNo packages to hold.")
	}
	return nil
}

// UnholdCmd releases held packages so upgrades apply again.
func (h *HoldCommandHandler) UnholdCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	if err := requireRoot("unhold", false); err != nil {
		return err
	}

	db, err := app.openDatabase()
	if err != nil {
		return err
	}
	defer app.closeDatabase(db)

	holdRepo, err := persistence.NewGormHoldRepository(db, app.logger)
	if err != nil {
		return err
	}

	app.println("Unholding packages...")

	released := 0
	var notHeld []string
	for _, name := range args {
		isHeld, err := holdRepo.IsHeld(cmd.Context(), name)
		if err != nil {
			return err
		}
		if !isHeld {
			notHeld = append(notHeld, name)
			continue
		}
		if err := holdRepo.Unhold(cmd.Context(), name); err != nil {
			return err
		}
		released++
		app.printf("  v %s released from hold\n", name)
	}

	if len(notHeld) > 0 {
		app.println("\nNot held (nothing to unhold):")
		for _, name := range notHeld {
			app.printf("  ! %s\n", name)
		}
	}

	if released > 0 {
		app.printf("\nv %d package(s) released from hold\n", released)
	} else if len(notHeld) == 0 {
		app.println("\nNo packages to unhold.")
	}
	return nil
}

// HoldsCmd lists held packages, or shows one hold in detail.
func (h *HoldCommandHandler) HoldsCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	db, err := app.openDatabase()
	if err != nil {
		return err
	}
	defer app.closeDatabase(db)

	holdRepo, err := persistence.NewGormHoldRepository(db, app.logger)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		name := args[0]
		hold, err := holdRepo.GetHold(cmd.Context(), name)
		if err != nil {
			if errors.Is(err, pkgs.ErrPackageNotFound) {
				app.printf("Package '%s' is not held.\n", name)
				return nil
			}
			return err
		}
		version := hold.HeldVersion
		if version == "" {
			version = "(any version)"
		}
		app.printf("Package: %s\n", hold.Name)
		app.printf("Held at: %s\n", version)
		app.printf("Since:   %s\n", hold.HeldDate.Format("2006-01-02 15:04:05"))
		if hold.Reason != "" {
			app.printf("Reason:  %s\n", hold.Reason)
		}
		return nil
	}

	holds, err := holdRepo.ListHolds(cmd.Context())
	if err != nil {
		return err
	}
	if len(holds) == 0 {
		app.println("No packages are held.")
		app.println("\nTo hold a package:")
		app.println("  rookpkg hold <package>")
		return nil
	}

	app.println("Held packages:\n")
	for _, hold := range holds {
		version := hold.HeldVersion
		if version == "" {
			version = "(any version)"
		}
		app.printf("  -> %s at %s\n", hold.Name, version)
		app.printf("     Held since: %s\n", hold.HeldDate.Format("2006-01-02 15:04"))
		if hold.Reason != "" {
			app.printf("     Reason: %s\n", hold.Reason)
		}
	}
	app.printf("\n%d package(s) held\n", len(holds))
	return nil
}

// InitHoldCommands registers the hold commands with the root command.
func InitHoldCommands(rootCmd *cobra.Command) error {
	handler := NewHoldCommandHandler()

	holdCmd := &cobra.Command{
		Use:   "hold <package>...",
		Short: "Hold packages to prevent automatic upgrades",
		Args:  cobra.MinimumNArgs(1),
		RunE:  handler.HoldCmd,
	}
	holdCmd.Flags().String("reason", "", "Reason for holding the package")
	rootCmd.AddCommand(holdCmd)

	unholdCmd := &cobra.Command{
		Use:   "unhold <package>...",
		Short: "Release held packages",
		Args:  cobra.MinimumNArgs(1),
		RunE:  handler.UnholdCmd,
	}
	rootCmd.AddCommand(unholdCmd)

	holdsCmd := &cobra.Command{
		Use:   "holds [package]",
		Short: "List held packages",
		Args:  cobra.MaximumNArgs(1),
		RunE:  handler.HoldsCmd,
	}
	rootCmd.AddCommand(holdsCmd)

	return nil
}
