package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rookery-os/rookpkg/internal/infrastructure/hooks"
	"github.com/spf13/cobra"
)

// HookCommandHandler holds the transaction hook management commands.
type HookCommandHandler struct{}

// NewHookCommandHandler creates a new HookCommandHandler.
func NewHookCommandHandler() *HookCommandHandler {
	return &HookCommandHandler{}
}

// HookListCmd lists installed hooks.
func (h *HookCommandHandler) HookListCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	manager := hooks.NewManager("/", app.cfg.Hooks, app.logger)

	enabled := "no"
	if app.cfg.Hooks.Enabled {
		enabled = "yes"
	}
	app.println("Package hooks:\n")
	app.printf("  Hooks directory: %s\n", manager.HooksDir())
	app.printf("  Hooks enabled:   %s\n", enabled)

	installed, err := manager.Discover()
	if err != nil {
		return err
	}

	if len(installed) == 0 {
		app.println("\nNo hooks installed.")
		app.println("\nHooks are scripts that run during package transactions.")
		app.printf("Place executable %s files in %s to install hooks.\n", hooks.Extension, manager.HooksDir())
		return nil
	}

	app.println("\nInstalled hooks:\n")
	for _, hook := range installed {
		app.printf("  -> %s (order: %d)\n", hook.Name, hook.Order)
		if len(hook.Events) > 0 {
			triggers := make([]string, 0, len(hook.Events))
			for _, event := range hook.Events {
				triggers = append(triggers, string(event))
			}
			app.printf("     Triggers: %s\n", strings.Join(triggers, ", "))
		}
		app.printf("     Path: %s\n", hook.Path)
	}
	app.printf("\n%d hook(s) installed\n", len(installed))
	return nil
}

// HookInstallCmd copies a hook script into the hooks directory.
func (h *HookCommandHandler) HookInstallCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	if err := requireRoot("hook install", false); err != nil {
		return err
	}

	hookPath := args[0]
	order, _ := cmd.Flags().GetInt("order")

	content, err := os.ReadFile(hookPath)
	if err != nil {
		return fmt.Errorf("hook file not found: %s", hookPath)
	}

	name := strings.TrimSuffix(filepath.Base(hookPath), filepath.Ext(hookPath))

	manager := hooks.NewManager("/", app.cfg.Hooks, app.logger)
	installedPath, err := manager.Install(name, string(content), order)
	if err != nil {
		return err
	}

	app.println("Hook installed successfully!\n")
	app.printf("  Name:  %s\n", name)
	app.printf("  Order: %d\n", order)
	app.printf("  Path:  %s\n", installedPath)
	return nil
}

// HookRemoveCmd removes a hook by name.
func (h *HookCommandHandler) HookRemoveCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	if err := requireRoot("hook remove", false); err != nil {
		return err
	}

	name := args[0]
	manager := hooks.NewManager("/", app.cfg.Hooks, app.logger)

	removed, err := manager.Remove(name)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("hook '%s' not found", name)
	}
	app.printf("v Hook '%s' removed successfully.\n", name)
	return nil
}

// InitHookCommands registers the hook command group with the root
// command.
func InitHookCommands(rootCmd *cobra.Command) error {
	handler := NewHookCommandHandler()

	hookCmd := &cobra.Command{
		Use:   "hook",
		Short: "Manage package transaction hooks",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List installed hooks",
		Args:  cobra.NoArgs,
		RunE:  handler.HookListCmd,
	}
	hookCmd.AddCommand(listCmd)

	installCmd := &cobra.Command{
		Use:   "install <script>",
		Short: "Install a hook script",
		Args:  cobra.ExactArgs(1),
		RunE:  handler.HookInstallCmd,
	}
	installCmd.Flags().Int("order", hooks.DefaultOrder, "Execution order (lower runs first)")
	hookCmd.AddCommand(installCmd)

	removeCmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove an installed hook",
		Args:  cobra.ExactArgs(1),
		RunE:  handler.HookRemoveCmd,
	}
	hookCmd.AddCommand(removeCmd)

	rootCmd.AddCommand(hookCmd)
	return nil
}
