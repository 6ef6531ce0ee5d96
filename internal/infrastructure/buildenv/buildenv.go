// Package buildenv executes package build phases.
//
// A build runs in an isolated directory tree under the configured build
// dir: sources are fetched and extracted into src/, phase scripts run
// with a controlled environment, and `make install` style steps stage
// their output into dest/ which becomes the package payload.
package buildenv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rookery-os/rookpkg/internal/domain/spec"
	"github.com/rookery-os/rookpkg/internal/infrastructure/download"
	"github.com/rookery-os/rookpkg/internal/pkg/config"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"
)

// PhaseResult captures one build phase run.
type PhaseResult struct {
	Phase    string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports whether the phase exited cleanly.
func (r *PhaseResult) Success() bool {
	return r.ExitCode == 0
}

// Environment is the working state for building one package.
type Environment struct {
	spec       *spec.Spec
	buildDir   string
	srcDir     string
	destDir    string
	env        []string
	jobs       int
	downloader *download.Downloader
	logger     logger.Logger
}

// NewEnvironment prepares the directory tree and environment for a build.
func NewEnvironment(pkgSpec *spec.Spec, cfg *config.Config, logger logger.Logger) (*Environment, error) {
	buildDir := filepath.Join(cfg.Build.BuildDir,
		fmt.Sprintf("%s-%s", pkgSpec.Package.Name, pkgSpec.Package.Version))
	srcDir := filepath.Join(buildDir, "src")
	destDir := filepath.Join(buildDir, "dest")

	for _, dir := range []string{buildDir, srcDir, destDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create build dir %s: %w", dir, err)
		}
	}

	downloader, err := download.NewDownloader(cfg.Build.CacheDir, cfg.Download, logger)
	if err != nil {
		return nil, err
	}

	jobs := cfg.Build.Jobs
	env := []string{
		"ROOKPKG_NAME=" + pkgSpec.Package.Name,
		"ROOKPKG_VERSION=" + pkgSpec.Package.Version,
		fmt.Sprintf("ROOKPKG_RELEASE=%d", pkgSpec.Package.Release),
		"ROOKPKG_BUILDDIR=" + buildDir,
		"ROOKPKG_SRCDIR=" + srcDir,
		"ROOKPKG_DESTDIR=" + destDir,
		"PATH=/usr/bin:/bin:/usr/sbin:/sbin",
		"HOME=/root",
		"TERM=xterm-256color",
		fmt.Sprintf("MAKEFLAGS=-j%d", jobs),
		fmt.Sprintf("NINJAJOBS=%d", jobs),
		"LC_ALL=POSIX",
	}

	keys := make([]string, 0, len(pkgSpec.Environment))
	for key := range pkgSpec.Environment {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+pkgSpec.Environment[key])
	}

	return &Environment{
		spec:       pkgSpec,
		buildDir:   buildDir,
		srcDir:     srcDir,
		destDir:    destDir,
		env:        env,
		jobs:       jobs,
		downloader: downloader,
		logger:     logger,
	}, nil
}

// BuildDir returns the root of the build tree.
func (e *Environment) BuildDir() string { return e.buildDir }

// SrcDir returns the source extraction directory.
func (e *Environment) SrcDir() string { return e.srcDir }

// DestDir returns the staging directory for installed files.
func (e *Environment) DestDir() string { return e.destDir }

// CacheDir returns the source download cache directory.
func (e *Environment) CacheDir() string { return e.downloader.CacheDir() }

// Jobs returns the parallel job count for the build.
func (e *Environment) Jobs() int { return e.jobs }

// FetchSources downloads every declared source and extracts it into src/.
func (e *Environment) FetchSources(ctx context.Context) error {
	e.logger.Info(fmt.Sprintf("Fetching sources for %s", e.spec.Package.Name))

	for _, name := range e.spec.SourceNames() {
		source := e.spec.Sources[name]
		file := download.NewSourceFile(source.URL, source.SHA256)
		file.Mirrors = source.Mirrors
		file.Filename = source.Filename

		path, err := e.downloader.Download(ctx, &file)
		if err != nil {
			return fmt.Errorf("failed to fetch source %s: %w", name, err)
		}

		e.logger.Info(fmt.Sprintf("Extracting %s to %s", name, e.srcDir))
		if err := download.ExtractTarball(ctx, path, e.srcDir); err != nil {
			return fmt.Errorf("failed to extract source %s: %w", name, err)
		}
	}

	return nil
}

// ApplyPatches runs patch(1) for each declared patch, in name order.
func (e *Environment) ApplyPatches(ctx context.Context) error {
	if len(e.spec.Patches) == 0 {
		return nil
	}

	e.logger.Info(fmt.Sprintf("Applying %d patches", len(e.spec.Patches)))

	for _, name := range e.spec.PatchNames() {
		patch := e.spec.Patches[name]
		e.logger.Info(fmt.Sprintf("Applying patch: %s", name))

		patchPath := filepath.Join(e.srcDir, patch.File)
		if _, err := os.Stat(patchPath); err != nil {
			return fmt.Errorf("patch file not found: %s", patchPath)
		}

		cmd := exec.CommandContext(ctx, "patch", fmt.Sprintf("-p%d", patch.Strip), "-i", patchPath)
		cmd.Dir = e.srcDir

		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("patch %s failed: %s", name, strings.TrimSpace(stderr.String()))
		}
	}

	return nil
}

// Phase order for a full build.
var phaseOrder = []string{"prep", "configure", "build", "check", "install"}

func (e *Environment) phaseScript(phase string) string {
	switch phase {
	case "prep":
		return e.spec.Build.Prep
	case "configure":
		return e.spec.Build.Configure
	case "build":
		return e.spec.Build.Build
	case "check":
		return e.spec.Build.Check
	case "install":
		return e.spec.Build.Install
	}
	return ""
}

// RunPhase executes one named build phase script.
//
// Empty phases succeed without spawning a shell. The script runs under
// bash with set -e and pipefail, from the extracted source directory.
func (e *Environment) RunPhase(ctx context.Context, phase string) (*PhaseResult, error) {
	script := e.phaseScript(phase)
	if strings.TrimSpace(script) == "" {
		e.logger.Info(fmt.Sprintf("Skipping empty %s phase", phase))
		return &PhaseResult{Phase: phase}, nil
	}

	e.logger.Info(fmt.Sprintf("Running %s phase for %s", phase, e.spec.Package.Name))

	scriptPath := filepath.Join(e.buildDir, phase+".sh")
	var buf bytes.Buffer
	buf.WriteString("#!/bin/bash\nset -e\nset -o pipefail\n\n")
	fmt.Fprintf(&buf, "# %s phase for %s\n\n", phase, e.spec.Package.Name)
	buf.WriteString(script)
	buf.WriteString("\n")

	if err := os.WriteFile(scriptPath, buf.Bytes(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s script: %w", phase, err)
	}

	workDir, err := e.findSourceDir()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "/bin/bash", scriptPath)
	cmd.Dir = workDir
	cmd.Env = e.env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("failed to execute %s phase: %w", phase, runErr)
		}
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	result := &PhaseResult{
		Phase:    phase,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	e.logPhaseOutput(result)
	return result, nil
}

func (e *Environment) logPhaseOutput(result *PhaseResult) {
	for _, line := range splitLines(result.Stdout) {
		e.logger.Debug(fmt.Sprintf("[%s:stdout] %s", result.Phase, line))
	}
	for _, line := range splitLines(result.Stderr) {
		if result.Success() {
			e.logger.Debug(fmt.Sprintf("[%s:stderr] %s", result.Phase, line))
		} else {
			e.logger.Error(fmt.Sprintf("[%s:stderr] %s", result.Phase, line))
		}
	}

	if result.Success() {
		e.logger.Info(fmt.Sprintf("Phase %s completed successfully (took %.2fs)",
			result.Phase, result.Duration.Seconds()))
	} else {
		e.logger.Error(fmt.Sprintf("Phase %s failed with exit code %d (took %.2fs)",
			result.Phase, result.ExitCode, result.Duration.Seconds()))
	}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

// findSourceDir picks the working directory for phase scripts. With a
// single extracted top-level directory, the usual tarball layout, the
// phases run inside it; otherwise they run in src/ itself.
func (e *Environment) findSourceDir() (string, error) {
	entries, err := os.ReadDir(e.srcDir)
	if err != nil {
		return "", err
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, filepath.Join(e.srcDir, entry.Name()))
		}
	}
	if len(dirs) == 1 {
		return dirs[0], nil
	}
	return e.srcDir, nil
}

// BuildAll fetches sources, applies patches, and runs every phase in
// order. It stops at the first failing phase, returning the results
// collected so far alongside the error.
func (e *Environment) BuildAll(ctx context.Context) ([]*PhaseResult, error) {
	if err := e.FetchSources(ctx); err != nil {
		return nil, err
	}
	if err := e.ApplyPatches(ctx); err != nil {
		return nil, err
	}

	var results []*PhaseResult
	for _, phase := range phaseOrder {
		result, err := e.RunPhase(ctx, phase)
		if err != nil {
			return results, err
		}
		results = append(results, result)

		if !result.Success() {
			return results, fmt.Errorf("build failed at %s phase", phase)
		}
	}

	return results, nil
}

// Clean removes the build directory tree.
func (e *Environment) Clean() error {
	if err := os.RemoveAll(e.buildDir); err != nil {
		return fmt.Errorf("failed to remove build dir %s: %w", e.buildDir, err)
	}
	return nil
}

// CollectInstalledFiles lists everything staged under dest/, as sorted
// absolute paths rooted at the eventual install prefix.
func (e *Environment) CollectInstalledFiles() ([]string, error) {
	var files []string

	err := filepath.WalkDir(e.destDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == e.destDir {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(e.destDir, path)
		if err != nil {
			return err
		}
		files = append(files, "/"+filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// Builder constructs build environments from spec files.
type Builder struct {
	cfg    *config.Config
	logger logger.Logger
}

// NewBuilder creates a package builder.
func NewBuilder(cfg *config.Config, logger logger.Logger) *Builder {
	return &Builder{cfg: cfg, logger: logger}
}

// FromSpecFile loads a .rook spec and prepares its build environment.
func (b *Builder) FromSpecFile(path string) (*Environment, error) {
	pkgSpec, err := spec.Load(path)
	if err != nil {
		return nil, err
	}
	return NewEnvironment(pkgSpec, b.cfg, b.logger)
}

// FromSpec prepares a build environment for an already parsed spec.
func (b *Builder) FromSpec(pkgSpec *spec.Spec) (*Environment, error) {
	return NewEnvironment(pkgSpec, b.cfg, b.logger)
}
