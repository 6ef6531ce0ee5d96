package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rookery-os/rookpkg/internal/pkg/config"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"
)

// Result captures the outcome of one hook execution.
type Result struct {
	Name     string
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
}

// Manager discovers and runs hooks for transaction events.
type Manager struct {
	hooksDir string
	root     string
	settings config.HookSettings
	hooks    []*Hook
	logger   logger.Logger
}

// NewManager creates a hook manager rooted at the given filesystem path.
func NewManager(root string, settings config.HookSettings, logger logger.Logger) *Manager {
	hooksDir := settings.HooksDir
	if !filepath.IsAbs(hooksDir) || root != "/" {
		hooksDir = filepath.Join(root, strings.TrimPrefix(settings.HooksDir, "/"))
	}
	return &Manager{
		hooksDir: hooksDir,
		root:     root,
		settings: settings,
		logger:   logger,
	}
}

// HooksDir returns the directory scanned for hook scripts.
func (m *Manager) HooksDir() string {
	return m.hooksDir
}

// Discover scans the hooks directory and caches the parsed hooks.
// A missing directory is not an error, it just means no hooks.
func (m *Manager) Discover() ([]*Hook, error) {
	m.hooks = nil

	entries, err := os.ReadDir(m.hooksDir)
	if os.IsNotExist(err) {
		m.logger.Debug(fmt.Sprintf("Hooks directory does not exist: %s", m.hooksDir))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read hooks directory %s: %w", m.hooksDir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, Extension) || strings.HasPrefix(name, ".") {
			continue
		}

		path := filepath.Join(m.hooksDir, name)
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		if info.Mode()&0o111 == 0 {
			m.logger.Debug(fmt.Sprintf("Skipping non-executable hook: %s", path))
			continue
		}

		hook, err := LoadHook(path)
		if err != nil {
			m.logger.Warn(fmt.Sprintf("Failed to parse hook %s: %v", path, err))
			continue
		}
		m.logger.Debug(fmt.Sprintf("Discovered hook: %s (order: %d)", hook.Name, hook.Order))
		m.hooks = append(m.hooks, hook)
	}

	sortHooks(m.hooks)
	return m.hooks, nil
}

// HooksForEvent returns the discovered hooks that trigger on an event.
func (m *Manager) HooksForEvent(event Event) []*Hook {
	var matched []*Hook
	for _, hook := range m.hooks {
		if hook.TriggersOn(event) {
			matched = append(matched, hook)
		}
	}
	return matched
}

// Run executes all hooks for the context's event in order.
//
// When failFast is set the first failing hook aborts the run and
// returns an error alongside the results collected so far.
func (m *Manager) Run(ctx context.Context, hookCtx *Context, failFast bool) ([]Result, error) {
	if !m.settings.Enabled {
		return nil, nil
	}

	hooks := m.HooksForEvent(hookCtx.Event)
	if len(hooks) == 0 {
		m.logger.Debug(fmt.Sprintf("No hooks for event: %s", hookCtx.Event))
		return nil, nil
	}

	m.logger.Info(fmt.Sprintf("Running %d hook(s) for event: %s", len(hooks), hookCtx.Event))

	env := hookCtx.EnvVars()
	var results []Result
	for _, hook := range hooks {
		result := m.runHook(ctx, hook, env)
		results = append(results, result)

		if !result.Success && failFast {
			firstLine, _, _ := strings.Cut(strings.TrimSpace(result.Stderr), "\n")
			if firstLine == "" {
				firstLine = "unknown error"
			}
			return results, fmt.Errorf("hook %q failed with exit code %d: %s",
				result.Name, result.ExitCode, firstLine)
		}
	}

	return results, nil
}

// RunForEvent is a convenience wrapper applying the configured
// fail-fast policy for the event.
func (m *Manager) RunForEvent(ctx context.Context, hookCtx *Context) ([]Result, error) {
	failFast := false
	switch hookCtx.Event {
	case EventPreTransaction:
		failFast = m.settings.FailOnPreHookError
	case EventPostTransaction:
		failFast = m.settings.FailOnPostHookError
	}
	return m.Run(ctx, hookCtx, failFast)
}

func (m *Manager) runHook(ctx context.Context, hook *Hook, env []string) Result {
	m.logger.Debug(fmt.Sprintf("Running hook: %s (%s)", hook.Name, hook.Path))

	timeout := time.Duration(m.settings.TimeoutSecs) * time.Second
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/bash", hook.Path)
	cmd.Dir = m.root
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	result := Result{
		Name:     hook.Name,
		Success:  err == nil,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if ctx.Err() == context.DeadlineExceeded {
		result.Stderr = fmt.Sprintf("hook timed out after %s", timeout)
	}

	if result.Success {
		m.logger.Debug(fmt.Sprintf("Hook %q completed successfully", hook.Name))
	} else {
		m.logger.Warn(fmt.Sprintf("Hook %q failed with exit code %d", hook.Name, result.ExitCode))
		if result.Stderr != "" {
			m.logger.Warn(fmt.Sprintf("Hook stderr: %s", strings.TrimSpace(result.Stderr)))
		}
	}

	return result
}

// Install writes a hook script into the hooks directory and marks it
// executable. The order becomes the filename prefix.
func (m *Manager) Install(name, content string, order int) (string, error) {
	if err := os.MkdirAll(m.hooksDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create hooks directory %s: %w", m.hooksDir, err)
	}

	filename := fmt.Sprintf("%02d-%s%s", order, name, Extension)
	path := filepath.Join(m.hooksDir, filename)
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		return "", fmt.Errorf("failed to create hook %s: %w", path, err)
	}

	m.logger.Info(fmt.Sprintf("Installed hook: %s", filename))
	return path, nil
}

// Remove deletes a hook by name, with or without its order prefix.
// It reports whether a hook was removed.
func (m *Manager) Remove(name string) (bool, error) {
	entries, err := os.ReadDir(m.hooksDir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	for _, entry := range entries {
		filename := entry.Name()
		hookName := strings.TrimSuffix(filename, Extension)
		if len(hookName) > 3 && hookName[2] == '-' && isDigits(hookName[:2]) {
			hookName = hookName[3:]
		}
		if hookName != name {
			continue
		}
		if err := os.Remove(filepath.Join(m.hooksDir, filename)); err != nil {
			return false, err
		}
		m.logger.Info(fmt.Sprintf("Removed hook: %s", filename))
		return true, nil
	}

	return false, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
