package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
)

// Signature algorithm identifiers accepted in package and index signatures.
const (
	AlgorithmEd25519 = "ed25519"
	AlgorithmHybrid  = "hybrid-ed25519-ml-dsa-65"
)

// SystemConfigPath is the system-wide configuration file location.
const SystemConfigPath = "/etc/rookpkg/rookpkg.conf"

// DatabaseSettings holds the installed-package database location.
type DatabaseSettings struct {
	Path string `toml:"path" validate:"required"`
}

// SigningSettings controls signature verification and key locations.
type SigningSettings struct {
	RequireSignatures bool     `toml:"require_signatures"`
	AllowUntrusted    bool     `toml:"allow_untrusted"`
	MasterKeysDir     string   `toml:"master_keys_dir" validate:"required"`
	PackagerKeysDir   string   `toml:"packager_keys_dir" validate:"required"`
	UserSigningKey    string   `toml:"user_signing_key"`
	AllowedAlgorithms []string `toml:"allowed_algorithms" validate:"required,min=1"`
}

// RepositorySettings describes one configured package repository.
// Enabled is a pointer so a repository entry that omits the key stays enabled.
type RepositorySettings struct {
	Name     string `toml:"name" validate:"required"`
	URL      string `toml:"url" validate:"required"`
	Enabled  *bool  `toml:"enabled"`
	Priority int    `toml:"priority" validate:"min=0"`
}

// IsEnabled reports whether the repository should be consulted.
func (r *RepositorySettings) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// BuildSettings controls source builds.
type BuildSettings struct {
	BuildDir string `toml:"build_dir" validate:"required"`
	CacheDir string `toml:"cache_dir" validate:"required"`
	Jobs     int    `toml:"jobs" validate:"min=1"`
}

// PathSettings holds the filesystem layout used by rookpkg.
type PathSettings struct {
	RootDir  string `toml:"root_dir" validate:"required"`
	CacheDir string `toml:"cache_dir" validate:"required"`
	BuildDir string `toml:"build_dir" validate:"required"`
	PkgDir   string `toml:"pkg_dir" validate:"required"`
	SpecsDir string `toml:"specs_dir" validate:"required"`
}

// HookSettings controls transaction hook execution.
type HookSettings struct {
	HooksDir            string `toml:"hooks_dir" validate:"required"`
	Enabled             bool   `toml:"enabled"`
	FailOnPreHookError  bool   `toml:"fail_on_pre_hook_error"`
	FailOnPostHookError bool   `toml:"fail_on_post_hook_error"`
	TimeoutSecs         int    `toml:"timeout_secs" validate:"min=1"`
}

// DownloadSettings controls package and source downloads.
type DownloadSettings struct {
	MaxConcurrent       int  `toml:"max_concurrent"`
	ConnectTimeoutSecs  int  `toml:"connect_timeout_secs" validate:"min=1"`
	DownloadTimeoutSecs int  `toml:"download_timeout_secs" validate:"min=1"`
	Retries             int  `toml:"retries" validate:"min=0"`
	ShowProgress        bool `toml:"show_progress"`
}

// Config is the top-level rookpkg configuration.
type Config struct {
	Database     DatabaseSettings     `toml:"database"`
	Signing      SigningSettings      `toml:"signing"`
	Repositories []RepositorySettings `toml:"repositories"`
	Build        BuildSettings        `toml:"build"`
	Paths        PathSettings         `toml:"paths"`
	Hooks        HookSettings         `toml:"hooks"`
	Download     DownloadSettings     `toml:"download"`
	Logger       LoggerSettings       `toml:"logger"`
}

// Default returns a Config populated with the stock Rookery OS defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseSettings{
			Path: "/var/lib/rookpkg/db.sqlite",
		},
		Signing: SigningSettings{
			RequireSignatures: true,
			AllowUntrusted:    false,
			MasterKeysDir:     "/etc/rookpkg/keys/master",
			PackagerKeysDir:   "/etc/rookpkg/keys/packagers",
			UserSigningKey:    "~/.config/rookpkg/signing-key.secret",
			AllowedAlgorithms: []string{AlgorithmHybrid, AlgorithmEd25519},
		},
		Build: BuildSettings{
			BuildDir: "/var/tmp/rookpkg/build",
			CacheDir: "/var/cache/rookpkg",
			Jobs:     runtime.NumCPU(),
		},
		Paths: PathSettings{
			RootDir:  "/var/lib/rookpkg",
			CacheDir: "/var/cache/rookpkg",
			BuildDir: "/var/tmp/rookpkg/build",
			PkgDir:   "/var/cache/rookpkg/packages",
			SpecsDir: "/var/lib/rookpkg/specs",
		},
		Hooks: HookSettings{
			HooksDir:            "/etc/rookpkg/hooks.d",
			Enabled:             true,
			FailOnPreHookError:  true,
			FailOnPostHookError: false,
			TimeoutSecs:         300,
		},
		Download: DownloadSettings{
			MaxConcurrent:       4,
			ConnectTimeoutSecs:  30,
			DownloadTimeoutSecs: 600,
			Retries:             3,
			ShowProgress:        true,
		},
		Logger: LoggerSettings{
			LogLevel: LogLevelInfo,
			LogType:  LogTypeConsole,
		},
	}
}

// Load reads configuration using the standard lookup order: the explicit
// path if given, then the system config, then the per-user config, falling
// back to defaults when no file exists.
func Load(explicitPath string) (*Config, error) {
	cfg := Default()

	path, err := resolveConfigPath(explicitPath)
	if err != nil {
		return nil, err
	}
	if path == "" {
		cfg.expandUserPaths()
		return cfg, nil
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	// Unmarshalling over the defaults keeps values for keys the file omits.
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.expandUserPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

func resolveConfigPath(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	if _, err := os.Stat(SystemConfigPath); err == nil {
		return SystemConfigPath, nil
	}

	if userDir, err := os.UserConfigDir(); err == nil {
		userPath := filepath.Join(userDir, "rookpkg", "rookpkg.conf")
		if _, err := os.Stat(userPath); err == nil {
			return userPath, nil
		}
	}

	return "", nil
}

// Validate checks the configuration and clamps values with hard limits.
func (c *Config) Validate() error {
	validate := validator.New()

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation failed for Config: %w", err)
	}

	if err := c.Logger.Validate(); err != nil {
		return err
	}

	if c.Download.MaxConcurrent < 1 {
		c.Download.MaxConcurrent = 1
	}
	if c.Download.MaxConcurrent > 16 {
		c.Download.MaxConcurrent = 16
	}
	if c.Build.Jobs < 1 {
		c.Build.Jobs = runtime.NumCPU()
	}
	for i := range c.Repositories {
		if c.Repositories[i].Priority == 0 {
			c.Repositories[i].Priority = 100
		}
	}

	return nil
}

// EnabledRepositories returns the configured repositories that are enabled,
// in configuration order.
func (c *Config) EnabledRepositories() []RepositorySettings {
	var repos []RepositorySettings
	for _, r := range c.Repositories {
		if r.IsEnabled() {
			repos = append(repos, r)
		}
	}
	return repos
}

// expandUserPaths rewrites leading "~/" segments against the current home
// directory so key paths work for the invoking user.
func (c *Config) expandUserPaths() {
	c.Signing.UserSigningKey = expandHome(c.Signing.UserSigningKey)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
