package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	domainsigning "github.com/rookery-os/rookpkg/internal/domain/signing"
	"github.com/rookery-os/rookpkg/internal/infrastructure/persistence"
	"github.com/rookery-os/rookpkg/internal/infrastructure/repository"
	"github.com/rookery-os/rookpkg/internal/pkg/config"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"
)

// appContext carries the configuration and logger shared by every
// command invocation, built from the root command's global flags.
type appContext struct {
	cfg    *config.Config
	logger logger.Logger
	quiet  bool
}

// newAppContext loads configuration and initializes the logger from
// the global --config, -v and -q flags.
func newAppContext(cmd *cobra.Command) (*appContext, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("invalid config flag: %w", err)
	}
	verbose, err := cmd.Flags().GetCount("verbose")
	if err != nil {
		return nil, fmt.Errorf("invalid verbose flag: %w", err)
	}
	quiet, err := cmd.Flags().GetBool("quiet")
	if err != nil {
		return nil, fmt.Errorf("invalid quiet flag: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Logger.LogLevel = logLevel(verbose, quiet)

	if err := logger.InitLogger(&cfg.Logger); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	loggerInstance, err := logger.GetLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to get logger instance: %w", err)
	}

	return &appContext{cfg: cfg, logger: loggerInstance, quiet: quiet}, nil
}

// logLevel maps -v counts and -q onto the logger levels.
func logLevel(verbose int, quiet bool) string {
	switch {
	case quiet:
		return config.LogLevelError
	case verbose == 0:
		return config.LogLevelWarning
	case verbose == 1:
		return config.LogLevelInfo
	default:
		return config.LogLevelDebug
	}
}

// printf writes user-facing output unless -q was given.
func (app *appContext) printf(format string, args ...interface{}) {
	if app.quiet {
		return
	}
	fmt.Printf(format, args...)
}

func (app *appContext) println(args ...interface{}) {
	if app.quiet {
		return
	}
	fmt.Println(args...)
}

// openDatabase opens the installed-package database at the configured
// path. The caller closes it with closeDatabase.
func (app *appContext) openDatabase() (*gorm.DB, error) {
	db, err := persistence.NewDBConnection(app.cfg.Database)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (app *appContext) closeDatabase(db *gorm.DB) {
	_ = persistence.CloseDB(db)
}

// repoManager creates a repository manager with all cached indexes
// loaded.
func (app *appContext) repoManager() (*repository.Manager, error) {
	manager, err := repository.NewManager(app.cfg, app.logger)
	if err != nil {
		return nil, err
	}
	if err := manager.LoadCaches(); err != nil {
		return nil, err
	}
	return manager, nil
}

// keyStore opens the trusted-key store backed by the package database.
func (app *appContext) keyStore(db *gorm.DB) (domainsigning.KeyStore, error) {
	store, err := persistence.NewGormKeyStore(db, app.logger)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// requireRoot rejects system-mutating operations for non-root users.
// Dry runs only show what would happen, so they are always allowed.
func requireRoot(operation string, dryRun bool) error {
	if dryRun || os.Geteuid() == 0 {
		return nil
	}
	return fmt.Errorf("%s requires root privileges.\n\nRun with sudo:\n  sudo rookpkg %s\n\nOr use --dry-run to preview without making changes", operation, operation)
}

// confirm prompts for a yes/no answer, defaulting to no.
func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// formatBytes renders a byte count as B/KB/MB/GB with two decimals.
func formatBytes(bytes uint64) string {
	return repository.FormatBytes(bytes)
}
