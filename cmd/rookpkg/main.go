// Package main is the entry point for the rookpkg application.
// It initializes the root command and registers the package management,
// key management, build, repository, delta and hook sub-commands, then
// executes the command-line interface.
package main

import (
	"fmt"
	"os"

	commands "github.com/rookery-os/rookpkg/cmd/rookpkg/internal/commands"

	"github.com/spf13/cobra"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:   "rookpkg",
		Short: "Rookery OS Package Manager",
		Long: `rookpkg is the package manager of Rookery OS.
It installs, removes and upgrades .rookpkg archives, builds packages
from .rook spec files, and maintains signed package repositories.

All packages and repository indexes carry hybrid Ed25519 + ML-DSA-65
signatures.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase verbosity (-v, -vv, -vvv)")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Suppress non-error output")
	rootCmd.PersistentFlags().String("config", "", "Path to config file")

	if err := initializeCommands(rootCmd); err != nil {
		return fmt.Errorf("failed to initialize commands: %w", err)
	}

	return rootCmd.Execute()
}

// initializeCommands registers all command groups with the root command.
func initializeCommands(rootCmd *cobra.Command) error {
	if err := commands.InitPackageCommands(rootCmd); err != nil {
		return fmt.Errorf("failed to initialize package commands: %w", err)
	}
	if err := commands.InitQueryCommands(rootCmd); err != nil {
		return fmt.Errorf("failed to initialize query commands: %w", err)
	}
	if err := commands.InitUpgradeCommands(rootCmd); err != nil {
		return fmt.Errorf("failed to initialize upgrade commands: %w", err)
	}
	if err := commands.InitHoldCommands(rootCmd); err != nil {
		return fmt.Errorf("failed to initialize hold commands: %w", err)
	}
	if err := commands.InitKeyCommands(rootCmd); err != nil {
		return fmt.Errorf("failed to initialize key commands: %w", err)
	}
	if err := commands.InitBuildCommands(rootCmd); err != nil {
		return fmt.Errorf("failed to initialize build commands: %w", err)
	}
	if err := commands.InitChecksumCommands(rootCmd); err != nil {
		return fmt.Errorf("failed to initialize checksum commands: %w", err)
	}
	if err := commands.InitRepoCommands(rootCmd); err != nil {
		return fmt.Errorf("failed to initialize repo commands: %w", err)
	}
	if err := commands.InitDeltaCommands(rootCmd); err != nil {
		return fmt.Errorf("failed to initialize delta commands: %w", err)
	}
	if err := commands.InitHookCommands(rootCmd); err != nil {
		return fmt.Errorf("failed to initialize hook commands: %w", err)
	}
	if err := commands.InitAuditCommands(rootCmd); err != nil {
		return fmt.Errorf("failed to initialize audit commands: %w", err)
	}
	return nil
}
