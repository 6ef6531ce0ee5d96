//go:build unit
// +build unit

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutConfigFileExpandsUserSigningKey(t *testing.T) {
	if _, err := os.Stat(SystemConfigPath); err == nil {
		t.Skipf("system config %s present, default lookup would read it", SystemConfigPath)
	}

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))

	cfg, err := Load("")
	require.NoError(t, err)

	expected := filepath.Join(home, ".config", "rookpkg", "signing-key.secret")
	assert.Equal(t, expected, cfg.Signing.UserSigningKey)
	assert.True(t, filepath.IsAbs(cfg.Signing.UserSigningKey))
	assert.False(t, strings.HasPrefix(cfg.Signing.UserSigningKey, "~"))
	// keygen derives the key directory from this value, so it must never
	// be a relative path literally starting with "~".
	assert.True(t, filepath.IsAbs(filepath.Dir(cfg.Signing.UserSigningKey)))
}

func TestLoadExplicitFileOverridesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := t.TempDir()
	path := filepath.Join(dir, "rookpkg.conf")
	content := `
[database]
path = "/tmp/test-db.sqlite"

[signing]
user_signing_key = "~/keys/packager.secret"

[build]
jobs = 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test-db.sqlite", cfg.Database.Path)
	assert.Equal(t, 2, cfg.Build.Jobs)
	assert.Equal(t, filepath.Join(home, "keys", "packager.secret"), cfg.Signing.UserSigningKey)

	// Keys the file omits keep their defaults.
	assert.Equal(t, "/etc/rookpkg/keys/master", cfg.Signing.MasterKeysDir)
	assert.Equal(t, "/var/cache/rookpkg", cfg.Paths.CacheDir)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.conf"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	assert.Equal(t, filepath.Join(home, "x"), expandHome("~/x"))
	assert.Equal(t, "/abs/path", expandHome("/abs/path"))
	assert.Equal(t, "~", expandHome("~"))
	assert.Equal(t, "", expandHome(""))
}

func TestValidateClampsLimits(t *testing.T) {
	cfg := Default()
	cfg.Download.MaxConcurrent = 0
	cfg.Build.Jobs = 0
	cfg.Repositories = []RepositorySettings{{Name: "core", URL: "https://repo.rookery-os.org/core"}}

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.Download.MaxConcurrent)
	assert.Equal(t, runtime.NumCPU(), cfg.Build.Jobs)
	assert.Equal(t, 100, cfg.Repositories[0].Priority)

	cfg.Download.MaxConcurrent = 99
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 16, cfg.Download.MaxConcurrent)
}

func TestRepositoryIsEnabled(t *testing.T) {
	enabled := true
	disabled := false

	assert.True(t, (&RepositorySettings{}).IsEnabled())
	assert.True(t, (&RepositorySettings{Enabled: &enabled}).IsEnabled())
	assert.False(t, (&RepositorySettings{Enabled: &disabled}).IsEnabled())
}
