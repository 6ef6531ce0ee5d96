package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rookery-os/rookpkg/internal/domain/pkgs"
	"github.com/rookery-os/rookpkg/internal/domain/spec"
	"github.com/rookery-os/rookpkg/internal/infrastructure/archive"
	"github.com/rookery-os/rookpkg/internal/infrastructure/buildenv"
	"github.com/rookery-os/rookpkg/internal/infrastructure/download"
	"github.com/rookery-os/rookpkg/internal/infrastructure/persistence"
	"github.com/rookery-os/rookpkg/internal/infrastructure/repository"
	"github.com/spf13/cobra"
)

// availableSearchMatch pairs a repository package entry with its source repo.
type availableSearchMatch struct {
	repo  string
	entry *repository.PackageEntry
}

// QueryCommandHandler holds read-only commands that report on installed
// and available packages.
type QueryCommandHandler struct{}

// NewQueryCommandHandler creates a new QueryCommandHandler.
func NewQueryCommandHandler() *QueryCommandHandler {
	return &QueryCommandHandler{}
}

// ListCmd lists installed packages, or available packages with --available.
func (h *QueryCommandHandler) ListCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	available, _ := cmd.Flags().GetBool("available")
	filter, _ := cmd.Flags().GetString("filter")
	allVersions, _ := cmd.Flags().GetBool("all-versions")

	if available {
		return h.listAvailable(app, filter, allVersions)
	}
	return h.listInstalled(cmd.Context(), app, filter)
}

func (h *QueryCommandHandler) listInstalled(ctx context.Context, app *appContext, filter string) error {
	db, err := app.openDatabase()
	if err != nil {
		return err
	}
	defer app.closeDatabase(db)

	packageRepo, err := persistence.NewGormPackageRepository(db, app.logger)
	if err != nil {
		return err
	}

	installed, err := packageRepo.List(ctx)
	if err != nil {
		return err
	}

	matched := make([]*pkgs.InstalledPackage, 0, len(installed))
	for _, pkg := range installed {
		if filter != "" && !strings.Contains(pkg.Name, filter) {
			continue
		}
		matched = append(matched, pkg)
	}

	if len(matched) == 0 {
		if filter != "" {
			app.printf("No installed packages matching '%s'\n", filter)
		} else {
			app.println("No packages installed")
		}
		return nil
	}

	nameWidth := len("Name")
	versionWidth := len("Version")
	for _, pkg := range matched {
		if len(pkg.Name) > nameWidth {
			nameWidth = len(pkg.Name)
		}
		if len(pkg.FullVersion()) > versionWidth {
			versionWidth = len(pkg.FullVersion())
		}
	}

	app.printf("%-*s  %-*s  %s\n", nameWidth, "Name", versionWidth, "Version", "Size")
	for _, pkg := range matched {
		app.printf("%-*s  %-*s  %s\n",
			nameWidth, pkg.Name,
			versionWidth, pkg.FullVersion(),
			formatBytes(uint64(pkg.SizeBytes)))
	}
	app.printf("\n%d package(s) installed\n", len(matched))
	return nil
}

func (h *QueryCommandHandler) listAvailable(app *appContext, filter string, allVersions bool) error {
	manager, err := app.repoManager()
	if err != nil {
		return err
	}

	repos := manager.Repos()
	if len(repos) == 0 {
		app.println("No repositories configured")
		return nil
	}

	type availableRow struct {
		name        string
		version     string
		repo        string
		description string
	}

	var rows []availableRow
	if allVersions {
		// Every version of every unique name, grouped per repository.
		seen := make(map[string]bool)
		for _, repo := range repos {
			if repo.Index == nil {
				continue
			}
			for i := range repo.Index.Packages {
				entry := &repo.Index.Packages[i]
				if seen[repo.Name+"/"+entry.Name] {
					continue
				}
				seen[repo.Name+"/"+entry.Name] = true
				for _, version := range repo.Index.FindAllVersions(entry.Name) {
					rows = append(rows, availableRow{
						name:        version.Name,
						version:     version.FullVersion(),
						repo:        repo.Name,
						description: version.Description,
					})
				}
			}
		}
	} else {
		seen := make(map[string]bool)
		for _, repo := range repos {
			if repo.Index == nil {
				continue
			}
			for i := range repo.Index.Packages {
				entry := &repo.Index.Packages[i]
				if seen[entry.Name] {
					continue
				}
				seen[entry.Name] = true
				rows = append(rows, availableRow{
					name:        entry.Name,
					version:     entry.FullVersion(),
					repo:        repo.Name,
					description: entry.Description,
				})
			}
		}
	}

	if filter != "" {
		needle := strings.ToLower(filter)
		filtered := rows[:0]
		for _, row := range rows {
			if strings.Contains(strings.ToLower(row.name), needle) ||
				strings.Contains(strings.ToLower(row.description), needle) {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].name != rows[j].name {
			return rows[i].name < rows[j].name
		}
		return rows[i].version < rows[j].version
	})

	if len(rows) == 0 {
		if filter != "" {
			app.printf("No available packages matching '%s'\n", filter)
		} else {
			app.println("No packages available, run 'rookpkg update' to refresh repository indexes")
		}
		return nil
	}

	nameWidth := len("Name")
	versionWidth := len("Version")
	repoWidth := len("Repository")
	for _, row := range rows {
		if len(row.name) > nameWidth {
			nameWidth = len(row.name)
		}
		if len(row.version) > versionWidth {
			versionWidth = len(row.version)
		}
		if len(row.repo) > repoWidth {
			repoWidth = len(row.repo)
		}
	}

	app.printf("%-*s  %-*s  %-*s  %s\n", nameWidth, "Name", versionWidth, "Version", repoWidth, "Repository", "Description")
	for _, row := range rows {
		app.printf("%-*s  %-*s  %-*s  %s\n",
			nameWidth, row.name,
			versionWidth, row.version,
			repoWidth, row.repo,
			row.description)
	}
	app.printf("\n%d package(s) available\n", len(rows))
	return nil
}

// InfoCmd shows details for one package, installed or available.
func (h *QueryCommandHandler) InfoCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	name := args[0]
	showDeps, _ := cmd.Flags().GetBool("deps")

	db, err := app.openDatabase()
	if err != nil {
		return err
	}
	defer app.closeDatabase(db)

	packageRepo, err := persistence.NewGormPackageRepository(db, app.logger)
	if err != nil {
		return err
	}

	pkg, err := packageRepo.GetByName(cmd.Context(), name)
	if err == nil {
		return h.printInstalledInfo(cmd.Context(), app, packageRepo, pkg, showDeps)
	}
	if !errors.Is(err, pkgs.ErrPackageNotFound) {
		return err
	}

	manager, err := app.repoManager()
	if err != nil {
		return err
	}
	if result := manager.FindPackage(name); result != nil {
		h.printAvailableInfo(app, result.Repository, result.Package, showDeps)
		return nil
	}

	return fmt.Errorf("package '%s' not found", name)
}

func (h *QueryCommandHandler) printInstalledInfo(ctx context.Context, app *appContext, packageRepo pkgs.PackageRepository, pkg *pkgs.InstalledPackage, showDeps bool) error {
	app.printf("Name:          %s\n", pkg.Name)
	app.printf("Version:       %s\n", pkg.Version)
	app.printf("Release:       %d\n", pkg.Release)
	app.printf("Full Version:  %s\n", pkg.FullVersion())
	app.printf("Size:          %s\n", formatBytes(uint64(pkg.SizeBytes)))
	app.printf("Installed:     %s\n", pkg.InstallDate.Format("2006-01-02 15:04:05"))
	if pkg.Checksum != "" {
		app.printf("Checksum:      %s\n", pkg.Checksum)
	}
	app.printf("Reason:        %s\n", pkg.InstallReason)

	if showDeps {
		deps, err := packageRepo.DependenciesOf(ctx, pkg.ID)
		if err != nil {
			return err
		}
		if len(deps) > 0 {
			app.println("\nDependencies:")
			for _, dep := range deps {
				if dep.Constraint != "" {
					app.printf("  %s %s\n", dep.DependsOn, dep.Constraint)
				} else {
					app.printf("  %s\n", dep.DependsOn)
				}
			}
		}

		requiredBy, err := packageRepo.ReverseDependencies(ctx, pkg.Name)
		if err != nil {
			return err
		}
		if len(requiredBy) > 0 {
			app.println("\nRequired by:")
			for _, dependent := range requiredBy {
				app.printf("  %s\n", dependent.Name)
			}
		}
	}

	files, err := packageRepo.FilesOf(ctx, pkg.ID)
	if err != nil {
		return err
	}
	app.printf("\nFiles:         %d\n", len(files))
	return nil
}

func (h *QueryCommandHandler) printAvailableInfo(app *appContext, repoName string, entry *repository.PackageEntry, showDeps bool) {
	app.printf("Name:          %s\n", entry.Name)
	app.printf("Version:       %s\n", entry.FullVersion())
	app.printf("Repository:    %s\n", repoName)
	app.printf("Size:          %s\n", formatBytes(entry.Size))
	if entry.Description != "" {
		app.printf("Description:   %s\n", entry.Description)
	}
	if entry.License != "" {
		app.printf("License:       %s\n", entry.License)
	}
	if entry.Homepage != "" {
		app.printf("Homepage:      %s\n", entry.Homepage)
	}
	if entry.Maintainer != "" {
		app.printf("Maintainer:    %s\n", entry.Maintainer)
	}
	app.println("Status:        not installed")

	if showDeps && len(entry.Depends) > 0 {
		app.println("\nDependencies:")
		for _, dep := range entry.Depends {
			app.printf("  %s\n", dep)
		}
	}
}

// SearchCmd searches installed packages, groups and repository indexes.
func (h *QueryCommandHandler) SearchCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	query := strings.ToLower(args[0])

	db, err := app.openDatabase()
	if err != nil {
		return err
	}
	defer app.closeDatabase(db)

	packageRepo, err := persistence.NewGormPackageRepository(db, app.logger)
	if err != nil {
		return err
	}

	installed, err := packageRepo.List(cmd.Context())
	if err != nil {
		return err
	}

	installedNames := make(map[string]bool, len(installed))
	total := 0
	var installedMatches []*pkgs.InstalledPackage
	for _, pkg := range installed {
		installedNames[pkg.Name] = true
		if strings.Contains(strings.ToLower(pkg.Name), query) {
			installedMatches = append(installedMatches, pkg)
		}
	}

	if len(installedMatches) > 0 {
		app.println("Installed:")
		for _, pkg := range installedMatches {
			app.printf("  %s %s\n", pkg.Name, pkg.FullVersion())
		}
		total += len(installedMatches)
	}

	manager, err := app.repoManager()
	if err != nil {
		return err
	}

	groupMatches := manager.ListGroups()
	matchedGroups := groupMatches[:0]
	for _, result := range groupMatches {
		if strings.Contains(strings.ToLower(result.Group.Name), query) ||
			strings.Contains(strings.ToLower(result.Group.Description), query) {
			matchedGroups = append(matchedGroups, result)
		}
	}
	if len(matchedGroups) > 0 {
		if total > 0 {
			app.println("")
		}
		app.println("Groups:")
		for _, result := range matchedGroups {
			app.printf("  @%s - %s (%s)\n", result.Group.Name, result.Group.Description, result.Repository)
		}
		total += len(matchedGroups)
	}

	var availableMatches []availableSearchMatch
	for _, result := range manager.Search(args[0]) {
		if installedNames[result.Package.Name] {
			continue
		}
		availableMatches = append(availableMatches, availableSearchMatch{
			repo:  result.Repository,
			entry: result.Package,
		})
	}
	if len(availableMatches) > 0 {
		if total > 0 {
			app.println("")
		}
		app.println("Available:")
		for _, match := range availableMatches {
			app.printf("  %s %s (%s) - %s\n",
				match.entry.Name, match.entry.FullVersion(), match.repo, match.entry.Description)
		}
		total += len(availableMatches)
	}

	if total == 0 {
		app.printf("No packages matching '%s'\n", args[0])
		return nil
	}
	app.printf("\n%d result(s)\n", total)
	return nil
}

// DependsCmd shows dependencies of a package, or its dependents with --reverse.
func (h *QueryCommandHandler) DependsCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	name := args[0]
	reverse, _ := cmd.Flags().GetBool("reverse")

	db, err := app.openDatabase()
	if err != nil {
		return err
	}
	defer app.closeDatabase(db)

	packageRepo, err := persistence.NewGormPackageRepository(db, app.logger)
	if err != nil {
		return err
	}

	if reverse {
		dependents, err := packageRepo.ReverseDependencies(cmd.Context(), name)
		if err != nil {
			return err
		}
		if len(dependents) == 0 {
			app.printf("No installed packages depend on '%s'\n", name)
			return nil
		}
		app.printf("Packages depending on %s:\n", name)
		for _, dependent := range dependents {
			app.printf("  %s %s\n", dependent.Name, dependent.FullVersion())
		}
		return nil
	}

	pkg, err := packageRepo.GetByName(cmd.Context(), name)
	if err != nil {
		if errors.Is(err, pkgs.ErrPackageNotFound) {
			// Fall back to repository metadata for packages not installed.
			manager, mgrErr := app.repoManager()
			if mgrErr != nil {
				return mgrErr
			}
			if result := manager.FindPackage(name); result != nil {
				if len(result.Package.Depends) == 0 {
					app.printf("%s has no dependencies\n", name)
					return nil
				}
				app.printf("Dependencies of %s (from %s):\n", name, result.Repository)
				for _, dep := range result.Package.Depends {
					app.printf("  %s\n", dep)
				}
				return nil
			}
			return fmt.Errorf("package '%s' not found", name)
		}
		return err
	}

	deps, err := packageRepo.DependenciesOf(cmd.Context(), pkg.ID)
	if err != nil {
		return err
	}
	if len(deps) == 0 {
		app.printf("%s has no dependencies\n", name)
		return nil
	}
	app.printf("Dependencies of %s:\n", name)
	for _, dep := range deps {
		if dep.Constraint != "" {
			app.printf("  %s %s\n", dep.DependsOn, dep.Constraint)
		} else {
			app.printf("  %s\n", dep.DependsOn)
		}
	}
	return nil
}

// CheckCmd verifies installed files against recorded checksums.
func (h *QueryCommandHandler) CheckCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	db, err := app.openDatabase()
	if err != nil {
		return err
	}
	defer app.closeDatabase(db)

	packageRepo, err := persistence.NewGormPackageRepository(db, app.logger)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		pkg, err := packageRepo.GetByName(cmd.Context(), args[0])
		if err != nil {
			if errors.Is(err, pkgs.ErrPackageNotFound) {
				return fmt.Errorf("package '%s' is not installed", args[0])
			}
			return err
		}
		missing, modified, err := h.checkPackage(cmd.Context(), app, packageRepo, pkg)
		if err != nil {
			return err
		}
		if missing == 0 && modified == 0 {
			app.printf("v %s: all files OK\n", pkg.Name)
			return nil
		}
		app.printf("\n%s: %d missing, %d modified\n", pkg.Name, missing, modified)
		return nil
	}

	installed, err := packageRepo.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(installed) == 0 {
		app.println("No packages installed")
		return nil
	}

	ok := 0
	issues := 0
	for _, pkg := range installed {
		missing, modified, err := h.checkPackage(cmd.Context(), app, packageRepo, pkg)
		if err != nil {
			return err
		}
		if missing == 0 && modified == 0 {
			ok++
		} else {
			issues++
			app.printf("x %s: %d missing, %d modified\n", pkg.Name, missing, modified)
		}
	}
	app.printf("\nChecked %d package(s): %d OK, %d with issues\n", len(installed), ok, issues)
	return nil
}

// checkPackage compares a package's recorded files against the filesystem.
// Directories are skipped and files with no recorded checksum are only
// checked for existence.
func (h *QueryCommandHandler) checkPackage(ctx context.Context, app *appContext, packageRepo pkgs.PackageRepository, pkg *pkgs.InstalledPackage) (missing, modified int, err error) {
	files, err := packageRepo.FilesOf(ctx, pkg.ID)
	if err != nil {
		return 0, 0, err
	}

	for _, file := range files {
		info, statErr := os.Lstat(file.Path)
		if statErr != nil {
			missing++
			app.printf("  missing: %s\n", file.Path)
			continue
		}
		if info.IsDir() || file.Checksum == "" {
			continue
		}
		actual, hashErr := download.ComputeSHA256(file.Path)
		if hashErr != nil {
			modified++
			app.printf("  unreadable: %s\n", file.Path)
			continue
		}
		if actual != file.Checksum {
			modified++
			app.printf("  modified: %s\n", file.Path)
		}
	}
	return missing, modified, nil
}

// GroupsCmd lists package groups, or shows one group's members.
func (h *QueryCommandHandler) GroupsCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	manager, err := app.repoManager()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		name := strings.TrimPrefix(args[0], "@")
		result := manager.FindGroup(name)
		if result == nil {
			return fmt.Errorf("package group '%s' not found", name)
		}
		group := result.Group

		app.printf("Group: @%s (%s)\n", group.Name, result.Repository)
		if group.Description != "" {
			app.printf("  %s\n", group.Description)
		}
		if group.Essential {
			app.println("  Essential: yes")
		}

		repo := manager.Repo(result.Repository)
		available := func(pkgName string) string {
			if repo != nil && repo.Index != nil && repo.Index.FindPackage(pkgName) != nil {
				return "v"
			}
			return "x"
		}

		app.printf("\nRequired packages (%d):\n", len(group.Packages))
		for _, pkgName := range group.Packages {
			app.printf("  %s %s\n", available(pkgName), pkgName)
		}
		if len(group.Optional) > 0 {
			app.printf("\nOptional packages (%d):\n", len(group.Optional))
			for _, pkgName := range group.Optional {
				app.printf("  %s %s\n", available(pkgName), pkgName)
			}
		}
		app.printf("\nInstall with: rookpkg install @%s\n", group.Name)
		return nil
	}

	results := manager.ListGroups()
	if len(results) == 0 {
		app.println("No package groups available, run 'rookpkg update' to refresh repository indexes")
		return nil
	}

	app.printf("Package groups (%d):\n\n", len(results))
	for _, result := range results {
		marker := " "
		if result.Group.Essential {
			marker = "*"
		}
		app.printf("%s @%-20s %s\n", marker, result.Group.Name, result.Group.Description)
		app.printf("    %d required, %d optional (%s)\n",
			len(result.Group.Packages), len(result.Group.Optional), result.Repository)
	}
	app.println("\n* = essential group")
	app.println("Use 'rookpkg groups <name>' for details, 'rookpkg install @<name>' to install")
	return nil
}

// InspectCmd examines a package archive or spec file without installing it.
func (h *QueryCommandHandler) InspectCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	path := args[0]
	showFiles, _ := cmd.Flags().GetBool("files")
	showScripts, _ := cmd.Flags().GetBool("scripts")
	validate, _ := cmd.Flags().GetBool("validate")

	if validate {
		return h.validateSpec(cmd.Context(), app, path)
	}

	switch {
	case strings.HasSuffix(path, archive.Extension):
		return h.inspectArchive(app, path, showFiles, showScripts)
	case strings.HasSuffix(path, ".rook"):
		return h.inspectSpec(app, path)
	default:
		// Unknown extension, try it as an archive first, then as a spec.
		if err := h.inspectArchive(app, path, showFiles, showScripts); err == nil {
			return nil
		}
		return h.inspectSpec(app, path)
	}
}

func (h *QueryCommandHandler) inspectArchive(app *appContext, path string, showFiles, showScripts bool) error {
	reader, err := archive.NewReader(path)
	if err != nil {
		return err
	}

	info, err := reader.ReadInfo()
	if err != nil {
		return err
	}

	app.printf("Inspecting package: %s\n\n", filepath.Base(path))
	app.printf("Name:          %s\n", info.Name)
	app.printf("Version:       %s\n", info.FullVersion())
	if info.Arch != "" {
		app.printf("Architecture:  %s\n", info.Arch)
	}
	if info.Summary != "" {
		app.printf("Summary:       %s\n", info.Summary)
	}
	if info.License != "" {
		app.printf("License:       %s\n", info.License)
	}
	if info.Maintainer != "" {
		app.printf("Maintainer:    %s\n", info.Maintainer)
	}
	if len(info.Depends) > 0 {
		app.println("\nDependencies:")
		names := make([]string, 0, len(info.Depends))
		for name := range info.Depends {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if constraint := info.Depends[name]; constraint != "" {
				app.printf("  %s %s\n", name, constraint)
			} else {
				app.printf("  %s\n", name)
			}
		}
	}

	files, err := reader.ReadFiles()
	if err != nil {
		return err
	}

	var totalSize uint64
	configCount := 0
	for _, file := range files {
		totalSize += file.Size
		if file.IsConfig {
			configCount++
		}
	}

	if showFiles {
		app.printf("\nFiles (%d):\n", len(files))
		for _, file := range files {
			marker := ""
			if file.IsConfig {
				marker = " [config]"
			}
			app.printf("  %8s %04o %s%s\n", formatBytes(file.Size), file.Mode, file.Path, marker)
		}
	} else {
		app.printf("\nFiles:         %d (%s", len(files), formatBytes(totalSize))
		if configCount > 0 {
			app.printf(", %d config file(s)", configCount)
		}
		app.println(")")
		app.println("Use --files to list contents")
	}

	scripts, err := reader.ReadScripts()
	if err != nil {
		return err
	}
	app.println("\nInstall Scripts:")
	if scripts == nil {
		app.println("  (none)")
		return nil
	}

	hasScripts := false
	for _, script := range []struct {
		name string
		body string
	}{
		{"pre_install", scripts.PreInstall},
		{"post_install", scripts.PostInstall},
		{"pre_remove", scripts.PreRemove},
		{"post_remove", scripts.PostRemove},
		{"pre_upgrade", scripts.PreUpgrade},
		{"post_upgrade", scripts.PostUpgrade},
	} {
		if script.body == "" {
			continue
		}
		hasScripts = true
		app.printf("  %s: present (%d bytes)\n", script.name, len(script.body))
		if showScripts {
			lines := strings.Split(script.body, "\n")
			for i, line := range lines {
				if i == 20 {
					app.println("    (truncated) ...")
					break
				}
				app.printf("    %s\n", line)
			}
		}
	}
	if !hasScripts {
		app.println("  (none defined)")
	} else if !showScripts {
		app.println("  Use --scripts to see script contents")
	}
	return nil
}

func (h *QueryCommandHandler) inspectSpec(app *appContext, path string) error {
	pkgSpec, err := spec.Load(path)
	if err != nil {
		return err
	}

	app.printf("Inspecting spec file: %s\n\n", path)
	app.printf("Name:          %s\n", pkgSpec.Package.Name)
	app.printf("Version:       %s\n", pkgSpec.Package.Version)
	app.printf("Release:       %d\n", pkgSpec.Package.Release)
	app.printf("Full Version:  %s\n", pkgSpec.FullVersion())
	app.printf("Summary:       %s\n", pkgSpec.Package.Summary)
	if pkgSpec.Package.License != "" {
		app.printf("License:       %s\n", pkgSpec.Package.License)
	}
	if pkgSpec.Package.URL != "" {
		app.printf("URL:           %s\n", pkgSpec.Package.URL)
	}

	if len(pkgSpec.Sources) > 0 {
		app.printf("\nSources (%d):\n", len(pkgSpec.Sources))
		for _, name := range pkgSpec.SourceNames() {
			source := pkgSpec.Sources[name]
			app.printf("  %s: %s\n", name, source.URL)
			app.printf("    SHA256: %s\n", source.SHA256)
		}
	}

	printDeps := func(title string, deps map[string]string) {
		if len(deps) == 0 {
			return
		}
		names := make([]string, 0, len(deps))
		for name := range deps {
			names = append(names, name)
		}
		sort.Strings(names)
		app.printf("\n%s (%d):\n", title, len(deps))
		for _, name := range names {
			if deps[name] != "" {
				app.printf("  %s %s\n", name, deps[name])
			} else {
				app.printf("  %s\n", name)
			}
		}
	}
	printDeps("Runtime Dependencies", pkgSpec.Depends)
	printDeps("Build Dependencies", pkgSpec.BuildDepends)

	app.println("\nBuild Phases:")
	phases := []struct {
		name string
		body string
	}{
		{"prep", pkgSpec.Build.Prep},
		{"configure", pkgSpec.Build.Configure},
		{"build", pkgSpec.Build.Build},
		{"check", pkgSpec.Build.Check},
		{"install", pkgSpec.Build.Install},
	}
	defined := false
	for _, phase := range phases {
		if phase.body == "" {
			continue
		}
		defined = true
		app.printf("  %s: %d line(s)\n", phase.name, len(strings.Split(strings.TrimRight(phase.body, "\n"), "\n")))
	}
	if !defined {
		app.println("  (none defined)")
	}
	return nil
}

// validateSpec parses the spec and stands up a build environment to
// prove the file is buildable, then tears everything down again.
func (h *QueryCommandHandler) validateSpec(ctx context.Context, app *appContext, path string) error {
	app.printf("Validating spec file: %s\n\n", path)

	app.println("Parsing spec file...")
	pkgSpec, err := spec.Load(path)
	if err != nil {
		return err
	}
	app.printf("v %s-%s\n", pkgSpec.Package.Name, pkgSpec.FullVersion())

	app.println("Creating build environment...")
	builder := buildenv.NewBuilder(app.cfg, app.logger)
	env, err := builder.FromSpec(pkgSpec)
	if err != nil {
		return err
	}
	app.printf("v Build directory: %s\n", env.BuildDir())

	app.println("Testing database operations (in-memory)...")
	memSettings := app.cfg.Database
	memSettings.Path = ":memory:"
	memDB, err := persistence.NewDBConnection(memSettings)
	if err != nil {
		return err
	}
	app.closeDatabase(memDB)
	app.println("v In-memory database created")

	app.println("Cleaning up...")
	if err := env.Clean(); err != nil {
		return err
	}
	app.println("v Build directory cleaned")

	app.printf("\nv Spec file %s is valid and ready to build\n", path)
	return nil
}

// InitQueryCommands registers the query commands with the root command.
func InitQueryCommands(rootCmd *cobra.Command) error {
	handler := NewQueryCommandHandler()

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List installed or available packages",
		Args:  cobra.NoArgs,
		RunE:  handler.ListCmd,
	}
	listCmd.Flags().Bool("available", false, "List packages available in repositories")
	listCmd.Flags().String("filter", "", "Filter packages by name")
	listCmd.Flags().Bool("all-versions", false, "Show every available version of each package")
	rootCmd.AddCommand(listCmd)

	infoCmd := &cobra.Command{
		Use:   "info <package>",
		Short: "Show detailed package information",
		Args:  cobra.ExactArgs(1),
		RunE:  handler.InfoCmd,
	}
	infoCmd.Flags().Bool("deps", false, "Show dependency information")
	rootCmd.AddCommand(infoCmd)

	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search installed and available packages",
		Args:  cobra.ExactArgs(1),
		RunE:  handler.SearchCmd,
	}
	rootCmd.AddCommand(searchCmd)

	dependsCmd := &cobra.Command{
		Use:   "depends <package>",
		Short: "Show package dependencies",
		Args:  cobra.ExactArgs(1),
		RunE:  handler.DependsCmd,
	}
	dependsCmd.Flags().Bool("reverse", false, "Show packages that depend on this package")
	rootCmd.AddCommand(dependsCmd)

	checkCmd := &cobra.Command{
		Use:   "check [package]",
		Short: "Verify installed files against recorded checksums",
		Args:  cobra.MaximumNArgs(1),
		RunE:  handler.CheckCmd,
	}
	rootCmd.AddCommand(checkCmd)

	groupsCmd := &cobra.Command{
		Use:   "groups [group]",
		Short: "List package groups or show group members",
		Args:  cobra.MaximumNArgs(1),
		RunE:  handler.GroupsCmd,
	}
	rootCmd.AddCommand(groupsCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect <path>",
		Short: "Inspect a package archive or spec file",
		Args:  cobra.ExactArgs(1),
		RunE:  handler.InspectCmd,
	}
	inspectCmd.Flags().Bool("files", false, "List packaged files")
	inspectCmd.Flags().Bool("scripts", false, "Show install script contents")
	inspectCmd.Flags().Bool("validate", false, "Validate a spec file and its build environment")
	rootCmd.AddCommand(inspectCmd)

	return nil
}
