package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rookery-os/rookpkg/internal/domain/pkgs"
	"github.com/rookery-os/rookpkg/internal/infrastructure/archive"
	"github.com/rookery-os/rookpkg/internal/infrastructure/hooks"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"
)

// TransactionState tracks the lifecycle of a transaction.
type TransactionState string

// Transaction lifecycle states.
const (
	StatePending    TransactionState = "pending"
	StateInProgress TransactionState = "in_progress"
	StateCompleted  TransactionState = "completed"
	StateRolledBack TransactionState = "rolled_back"
	// StateFailed means rollback also failed and the system needs
	// manual intervention.
	StateFailed TransactionState = "failed"
)

// OperationType identifies what a transaction operation does.
type OperationType string

// Operation types.
const (
	OpInstall OperationType = "install"
	OpRemove  OperationType = "remove"
	OpUpgrade OperationType = "upgrade"
)

// Operation is a single queued action within a transaction.
type Operation struct {
	Type        OperationType `toml:"type"`
	Package     string        `toml:"package"`
	Version     string        `toml:"version,omitempty"`
	OldVersion  string        `toml:"old_version,omitempty"`
	NewVersion  string        `toml:"new_version,omitempty"`
	ArchivePath string        `toml:"archive_path,omitempty"`
}

// ConflictKind classifies a file conflict found before execution.
type ConflictKind string

// File conflict kinds.
const (
	ConflictInstalledPackage   ConflictKind = "installed_package"
	ConflictTransactionPackage ConflictKind = "transaction_package"
	ConflictUnownedFile        ConflictKind = "unowned_file"
)

// FileConflict is a file-level collision detected by CheckConflicts.
type FileConflict struct {
	Path              string
	InstallingPackage string
	Kind              ConflictKind
	// Owner is the conflicting package for the installed_package and
	// transaction_package kinds.
	Owner string
}

func (c *FileConflict) String() string {
	switch c.Kind {
	case ConflictInstalledPackage:
		return fmt.Sprintf("%s: owned by package '%s' (installing: %s)", c.Path, c.Owner, c.InstallingPackage)
	case ConflictTransactionPackage:
		return fmt.Sprintf("%s: would be installed by both '%s' and '%s'", c.Path, c.InstallingPackage, c.Owner)
	default:
		return fmt.Sprintf("%s: unowned file exists on filesystem (installing: %s)", c.Path, c.InstallingPackage)
	}
}

// journalAction identifies what a journal entry undoes.
type journalAction string

const (
	journalFileCreated      journalAction = "file_created"
	journalFileRemoved      journalAction = "file_removed"
	journalFileModified     journalAction = "file_modified"
	journalDirCreated       journalAction = "dir_created"
	journalDbPackageAdded   journalAction = "db_package_added"
	journalDbPackageRemoved journalAction = "db_package_removed"
)

// journalEntry records one completed action so it can be reversed.
type journalEntry struct {
	Action  journalAction `toml:"action"`
	Path    string        `toml:"path,omitempty"`
	Backup  string        `toml:"backup,omitempty"`
	Package string        `toml:"package,omitempty"`
	// BackupData holds a TOML snapshot of a removed database row.
	BackupData string `toml:"backup_data,omitempty"`
}

// TOML cannot serialize a bare array at the document root, so the
// persisted transaction files wrap their lists in a table.
type stateDoc struct {
	State TransactionState `toml:"state"`
}

type operationsDoc struct {
	Operations []Operation `toml:"operations"`
}

type journalDoc struct {
	Journal []journalEntry `toml:"journal"`
}

// transactionsSubdir is where transaction journals live under the root.
const transactionsSubdir = "var/lib/rookpkg/transactions"

// scriptsSubdir is where install scripts are kept for later removal
// and upgrade runs.
const scriptsSubdir = "var/lib/rookpkg/scripts"

// protectedDirs are never pruned when they become empty after a
// removal.
var protectedDirs = map[string]struct{}{
	"/": {}, "/bin": {}, "/etc": {}, "/lib": {}, "/lib64": {}, "/opt": {},
	"/root": {}, "/sbin": {}, "/usr": {}, "/usr/bin": {}, "/usr/lib": {},
	"/usr/lib64": {}, "/usr/sbin": {}, "/usr/share": {}, "/usr/include": {},
	"/var": {}, "/var/lib": {}, "/var/log": {},
}

// Transaction performs package installs, removals and upgrades
// atomically. Every filesystem and database change is journaled so a
// failure mid-way rolls the system back to its previous state.
type Transaction struct {
	id         string
	state      TransactionState
	operations []Operation
	journal    []journalEntry
	root       string
	txDir      string
	repo       pkgs.PackageRepository
	logger     logger.Logger
}

// NewTransaction creates an empty pending transaction rooted at root.
func NewTransaction(root string, repo pkgs.PackageRepository, logger logger.Logger) (*Transaction, error) {
	// Timestamp prefix keeps pending transactions sortable by age.
	id := fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102150405"), uuid.NewString()[:8])

	txDir := filepath.Join(root, transactionsSubdir, id)
	if err := os.MkdirAll(txDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create transaction directory: %w", err)
	}

	tx := &Transaction{
		id:     id,
		state:  StatePending,
		root:   root,
		txDir:  txDir,
		repo:   repo,
		logger: logger,
	}
	if err := tx.saveState(); err != nil {
		return nil, err
	}
	return tx, nil
}

// ResumeTransaction loads an incomplete transaction from disk.
func ResumeTransaction(root, txID string, repo pkgs.PackageRepository, logger logger.Logger) (*Transaction, error) {
	txDir := filepath.Join(root, transactionsSubdir, txID)
	if _, err := os.Stat(txDir); err != nil {
		return nil, fmt.Errorf("transaction %s not found", txID)
	}

	stateData, err := os.ReadFile(filepath.Join(txDir, "state.toml"))
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction state: %w", err)
	}
	var state stateDoc
	if err := toml.Unmarshal(stateData, &state); err != nil {
		return nil, fmt.Errorf("failed to parse transaction state: %w", err)
	}

	tx := &Transaction{
		id:     txID,
		state:  state.State,
		root:   root,
		txDir:  txDir,
		repo:   repo,
		logger: logger,
	}

	if data, err := os.ReadFile(filepath.Join(txDir, "operations.toml")); err == nil {
		var ops operationsDoc
		if err := toml.Unmarshal(data, &ops); err != nil {
			return nil, fmt.Errorf("failed to parse transaction operations: %w", err)
		}
		tx.operations = ops.Operations
	}

	if data, err := os.ReadFile(filepath.Join(txDir, "journal.toml")); err == nil {
		var journal journalDoc
		if err := toml.Unmarshal(data, &journal); err != nil {
			return nil, fmt.Errorf("failed to parse transaction journal: %w", err)
		}
		tx.journal = journal.Journal
	}

	return tx, nil
}

// ListPendingTransactions returns the IDs of transactions that were
// interrupted mid-execution.
func ListPendingTransactions(root string) ([]string, error) {
	txRoot := filepath.Join(root, transactionsSubdir)
	entries, err := os.ReadDir(txRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", txRoot, err)
	}

	var pending []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(txRoot, entry.Name(), "state.toml"))
		if err != nil {
			continue
		}
		var state stateDoc
		if err := toml.Unmarshal(data, &state); err != nil {
			continue
		}
		if state.State == StateInProgress {
			pending = append(pending, entry.Name())
		}
	}
	sort.Strings(pending)
	return pending, nil
}

// ID returns the transaction identifier.
func (t *Transaction) ID() string {
	return t.id
}

// State returns the current transaction state.
func (t *Transaction) State() TransactionState {
	return t.state
}

// Operations returns the queued operations.
func (t *Transaction) Operations() []Operation {
	return t.operations
}

// Install queues a package installation.
func (t *Transaction) Install(pkg, version, archivePath string) *Transaction {
	t.operations = append(t.operations, Operation{
		Type:        OpInstall,
		Package:     pkg,
		Version:     version,
		ArchivePath: archivePath,
	})
	return t
}

// Remove queues a package removal.
func (t *Transaction) Remove(pkg string) *Transaction {
	t.operations = append(t.operations, Operation{Type: OpRemove, Package: pkg})
	return t
}

// Upgrade queues a package upgrade.
func (t *Transaction) Upgrade(pkg, oldVersion, newVersion, archivePath string) *Transaction {
	t.operations = append(t.operations, Operation{
		Type:        OpUpgrade,
		Package:     pkg,
		OldVersion:  oldVersion,
		NewVersion:  newVersion,
		ArchivePath: archivePath,
	})
	return t
}

// CheckConflicts scans the queued install and upgrade archives for
// files that collide with installed packages, with other packages in
// this transaction, or, when checkUnowned is set, with unowned files
// already on the filesystem. Packages being removed or upgraded in the
// same transaction do not count as conflicting owners.
func (t *Transaction) CheckConflicts(ctx context.Context, checkUnowned bool) ([]FileConflict, error) {
	var conflicts []FileConflict

	transactionFiles := make(map[string]string)

	beingRemoved := make(map[string]struct{})
	for _, op := range t.operations {
		if op.Type == OpRemove || op.Type == OpUpgrade {
			beingRemoved[op.Package] = struct{}{}
		}
	}

	for _, op := range t.operations {
		if op.Type == OpRemove {
			continue
		}

		reader, err := archive.NewReader(op.ArchivePath)
		if err != nil {
			t.logger.Warn(fmt.Sprintf("Could not read archive %s for conflict check: %v", op.ArchivePath, err))
			continue
		}
		files, err := reader.ReadFiles()
		if err != nil {
			t.logger.Warn(fmt.Sprintf("Could not read files from %s: %v", op.ArchivePath, err))
			continue
		}

		for _, entry := range files {
			// Shared directories like /usr/bin are never conflicts.
			if entry.FileType == archive.TypeDirectory {
				continue
			}
			if other, ok := transactionFiles[entry.Path]; ok {
				if other != op.Package {
					conflicts = append(conflicts, FileConflict{
						Path:              entry.Path,
						InstallingPackage: op.Package,
						Kind:              ConflictTransactionPackage,
						Owner:             other,
					})
				}
				continue
			}

			owner, err := t.fileOwner(ctx, entry.Path)
			if err != nil {
				return nil, err
			}
			if owner != "" && owner != op.Package {
				if _, removed := beingRemoved[owner]; !removed {
					conflicts = append(conflicts, FileConflict{
						Path:              entry.Path,
						InstallingPackage: op.Package,
						Kind:              ConflictInstalledPackage,
						Owner:             owner,
					})
					continue
				}
			}

			if checkUnowned && owner == "" {
				fullPath := t.targetPath(entry.Path)
				if _, err := os.Stat(fullPath); err == nil {
					conflicts = append(conflicts, FileConflict{
						Path:              entry.Path,
						InstallingPackage: op.Package,
						Kind:              ConflictUnownedFile,
					})
					continue
				}
			}

			transactionFiles[entry.Path] = op.Package
		}
	}

	return conflicts, nil
}

// Execute runs every queued operation, rolling back all completed work
// if any of them fails.
func (t *Transaction) Execute(ctx context.Context) error {
	if t.state != StatePending {
		return fmt.Errorf("transaction already executed (state: %s)", t.state)
	}

	t.state = StateInProgress
	if err := t.saveState(); err != nil {
		return err
	}

	for _, op := range t.operations {
		if err := t.executeOperation(ctx, op); err != nil {
			t.logger.Error(fmt.Sprintf("Operation failed: %v", err))
			if rollbackErr := t.rollback(ctx); rollbackErr != nil {
				t.logger.Error(fmt.Sprintf("Rollback failed: %v", rollbackErr))
				t.state = StateFailed
				_ = t.saveState()
				return fmt.Errorf("transaction failed and rollback failed: %v (rollback: %v)", err, rollbackErr)
			}
			t.state = StateRolledBack
			_ = t.saveState()
			return fmt.Errorf("transaction rolled back due to: %w", err)
		}
	}

	t.state = StateCompleted
	if err := t.saveState(); err != nil {
		return err
	}
	t.cleanup()
	return nil
}

// ExecuteWithHooks wraps Execute with the system transaction hooks.
// Pre-transaction hooks run first, then the transaction, then either
// the post-transaction or the transaction-failed hooks depending on
// the outcome.
func (t *Transaction) ExecuteWithHooks(ctx context.Context, manager *hooks.Manager) ([]hooks.Result, []hooks.Result, error) {
	if manager == nil {
		return nil, nil, t.Execute(ctx)
	}
	if _, err := manager.Discover(); err != nil {
		return nil, nil, err
	}

	t.logger.Debug("Running pre-transaction hooks")
	preResults, err := manager.RunForEvent(ctx, t.hookContext(hooks.EventPreTransaction))
	if err != nil {
		return preResults, nil, err
	}
	for _, result := range preResults {
		if !result.Success {
			t.logger.Warn(fmt.Sprintf("Pre-transaction hook '%s' failed (exit code: %d)", result.Name, result.ExitCode))
		}
	}

	txErr := t.Execute(ctx)

	postEvent := hooks.EventPostTransaction
	if txErr != nil {
		postEvent = hooks.EventTransactionFailed
	}
	t.logger.Debug(fmt.Sprintf("Running %s hooks", postEvent))
	postResults, postErr := manager.RunForEvent(ctx, t.hookContext(postEvent))
	for _, result := range postResults {
		if !result.Success {
			t.logger.Warn(fmt.Sprintf("Post-transaction hook '%s' failed (exit code: %d)", result.Name, result.ExitCode))
		}
	}

	if txErr != nil {
		return preResults, postResults, txErr
	}
	if postErr != nil {
		return preResults, postResults, postErr
	}
	return preResults, postResults, nil
}

func (t *Transaction) hookContext(event hooks.Event) *hooks.Context {
	hookCtx := hooks.NewContext(event, t.id, t.root)
	for _, op := range t.operations {
		switch op.Type {
		case OpInstall:
			hookCtx.AddPackage(op.Package, hooks.OperationInstall)
		case OpRemove:
			hookCtx.AddPackage(op.Package, hooks.OperationRemove)
		case OpUpgrade:
			hookCtx.AddPackage(op.Package, hooks.OperationUpgrade)
		}
	}
	return hookCtx
}

func (t *Transaction) executeOperation(ctx context.Context, op Operation) error {
	switch op.Type {
	case OpInstall:
		t.logger.Info(fmt.Sprintf("Installing %s %s", op.Package, op.Version))
		return t.doInstall(ctx, op.ArchivePath, true, pkgs.ReasonExplicit)
	case OpRemove:
		t.logger.Info(fmt.Sprintf("Removing %s", op.Package))
		return t.doRemove(ctx, op.Package, true)
	case OpUpgrade:
		t.logger.Info(fmt.Sprintf("Upgrading %s %s -> %s", op.Package, op.OldVersion, op.NewVersion))
		return t.doUpgrade(ctx, op.Package, op.ArchivePath)
	default:
		return fmt.Errorf("unknown operation type: %s", op.Type)
	}
}

// doInstall unpacks an archive into the root, records the package in
// the database and journals every change. When runScripts is false the
// pre/post install scripts are skipped; upgrades run the upgrade
// scripts instead and carry over the old install reason.
func (t *Transaction) doInstall(ctx context.Context, archivePath string, runScripts bool, reason pkgs.InstallReason) error {
	reader, err := archive.NewReader(archivePath)
	if err != nil {
		return err
	}
	info, err := reader.ReadInfo()
	if err != nil {
		return err
	}
	files, err := reader.ReadFiles()
	if err != nil {
		return err
	}
	scripts, err := reader.ReadScripts()
	if err != nil {
		return err
	}

	if runScripts && scripts != nil && scripts.PreInstall != "" {
		t.logger.Info(fmt.Sprintf("Running pre_install script for %s", info.Name))
		if err := t.runScript(info.Name, "pre_install", scripts.PreInstall); err != nil {
			return err
		}
	}

	for _, entry := range files {
		if entry.FileType == archive.TypeDirectory {
			continue
		}
		owner, err := t.fileOwner(ctx, entry.Path)
		if err != nil {
			return err
		}
		if owner != "" && owner != info.Name {
			return fmt.Errorf("file conflict: %s is already owned by package '%s'", entry.Path, owner)
		}
	}

	backupDir := filepath.Join(t.txDir, "backup", info.Name)
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return err
	}

	extractDir := filepath.Join(t.txDir, "extract", info.Name)
	if err := reader.ExtractData(extractDir); err != nil {
		return err
	}

	for _, entry := range files {
		rel := strings.TrimPrefix(entry.Path, "/")
		src := filepath.Join(extractDir, rel)
		dest := t.targetPath(entry.Path)

		if st, err := os.Stat(dest); err == nil && st.Mode().IsRegular() {
			backup := filepath.Join(backupDir, rel)
			if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
				return err
			}
			if err := copyFile(dest, backup); err != nil {
				return err
			}
			t.journal = append(t.journal, journalEntry{
				Action: journalFileModified,
				Path:   dest,
				Backup: backup,
			})
		}

		parent := filepath.Dir(dest)
		if _, err := os.Stat(parent); os.IsNotExist(err) {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return err
			}
			t.journal = append(t.journal, journalEntry{Action: journalDirCreated, Path: parent})
		}

		srcInfo, err := os.Lstat(src)
		if err != nil {
			continue
		}
		if srcInfo.IsDir() {
			if _, err := os.Stat(dest); os.IsNotExist(err) {
				if err := os.MkdirAll(dest, 0o755); err != nil {
					return err
				}
				t.journal = append(t.journal, journalEntry{Action: journalDirCreated, Path: dest})
			}
			continue
		}
		if srcInfo.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(src)
			if err != nil {
				return fmt.Errorf("failed to read symlink %s: %w", src, err)
			}
			os.Remove(dest)
			if err := os.Symlink(target, dest); err != nil {
				return fmt.Errorf("failed to create symlink %s: %w", dest, err)
			}
			t.journal = append(t.journal, journalEntry{Action: journalFileCreated, Path: dest})
			continue
		}
		if err := copyFile(src, dest); err != nil {
			return fmt.Errorf("failed to copy %s to %s: %w", src, dest, err)
		}
		if entry.Mode != 0 {
			_ = os.Chmod(dest, os.FileMode(entry.Mode).Perm())
		}
		t.journal = append(t.journal, journalEntry{Action: journalFileCreated, Path: dest})
	}

	pkg := &pkgs.InstalledPackage{
		Name:          info.Name,
		Version:       info.Version,
		Release:       info.Release,
		InstallDate:   time.Now().UTC(),
		SizeBytes:     int64(info.InstalledSize),
		InstallReason: reason,
	}
	if err := t.repo.Add(ctx, pkg); err != nil {
		return err
	}
	t.journal = append(t.journal, journalEntry{Action: journalDbPackageAdded, Package: info.Name})

	for _, entry := range files {
		file := &pkgs.PackageFile{
			PackageID: pkg.ID,
			Path:      entry.Path,
			Mode:      entry.Mode,
			Owner:     "root",
			Group:     "root",
			SizeBytes: int64(entry.Size),
			Checksum:  entry.SHA256,
			IsConfig:  entry.IsConfig,
		}
		if err := t.repo.AddFile(ctx, file); err != nil {
			return err
		}
	}

	for depName, constraint := range info.Depends {
		dep := &pkgs.Dependency{
			PackageID:  pkg.ID,
			DependsOn:  depName,
			Constraint: constraint,
			DepType:    pkgs.DepRuntime,
		}
		if err := t.repo.AddDependency(ctx, dep); err != nil {
			return err
		}
	}

	if scripts != nil {
		if err := t.savePackageScripts(info.Name, scripts); err != nil {
			return err
		}
	}

	if runScripts && scripts != nil && scripts.PostInstall != "" {
		t.logger.Info(fmt.Sprintf("Running post_install script for %s", info.Name))
		if err := t.runScript(info.Name, "post_install", scripts.PostInstall); err != nil {
			return err
		}
	}

	return t.saveJournal()
}

// doRemove deletes a package's files and database rows, backing
// everything up for rollback. When runScripts is false the
// pre/post remove scripts are skipped.
func (t *Transaction) doRemove(ctx context.Context, pkg string, runScripts bool) error {
	installed, err := t.repo.GetByName(ctx, pkg)
	if err != nil {
		if errors.Is(err, pkgs.ErrPackageNotFound) {
			return fmt.Errorf("package %s is not installed", pkg)
		}
		return err
	}

	if runScripts {
		if script := t.loadPackageScript(pkg, "pre_remove"); script != "" {
			t.logger.Info(fmt.Sprintf("Running pre_remove script for %s", pkg))
			if err := t.runScript(pkg, "pre_remove", script); err != nil {
				return err
			}
		}
	}

	backupDir := filepath.Join(t.txDir, "backup", pkg)
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return err
	}

	backupData, err := toml.Marshal(installed)
	if err != nil {
		return fmt.Errorf("failed to snapshot package %s: %w", pkg, err)
	}
	t.journal = append(t.journal, journalEntry{
		Action:     journalDbPackageRemoved,
		Package:    pkg,
		BackupData: string(backupData),
	})

	files, err := t.repo.FilesOf(ctx, installed.ID)
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	// Reverse order so nested paths go before their parents.
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))

	dirsToCheck := make(map[string]struct{})
	for _, path := range paths {
		fullPath := t.targetPath(path)
		st, err := os.Lstat(fullPath)
		if err != nil || st.IsDir() {
			continue
		}

		backup := filepath.Join(backupDir, strings.TrimPrefix(path, "/"))
		if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
			return err
		}
		if st.Mode().IsRegular() {
			if err := copyFile(fullPath, backup); err != nil {
				return err
			}
		}
		if err := os.Remove(fullPath); err != nil {
			return err
		}
		t.journal = append(t.journal, journalEntry{
			Action: journalFileRemoved,
			Path:   fullPath,
			Backup: backup,
		})
		dirsToCheck[filepath.Dir(fullPath)] = struct{}{}
	}

	t.pruneEmptyDirs(dirsToCheck)

	if err := t.repo.Remove(ctx, pkg); err != nil {
		return err
	}

	if runScripts {
		if script := t.loadPackageScript(pkg, "post_remove"); script != "" {
			t.logger.Info(fmt.Sprintf("Running post_remove script for %s", pkg))
			if err := t.runScript(pkg, "post_remove", script); err != nil {
				return err
			}
		}
	}

	if err := t.removePackageScripts(pkg); err != nil {
		return err
	}

	return t.saveJournal()
}

// doUpgrade replaces a package. The old package's pre_upgrade script
// and the new package's post_upgrade script run instead of the
// install and remove scripts.
func (t *Transaction) doUpgrade(ctx context.Context, pkg, archivePath string) error {
	if script := t.loadPackageScript(pkg, "pre_upgrade"); script != "" {
		t.logger.Info(fmt.Sprintf("Running pre_upgrade script for %s", pkg))
		if err := t.runScript(pkg, "pre_upgrade", script); err != nil {
			return err
		}
	}

	reader, err := archive.NewReader(archivePath)
	if err != nil {
		return err
	}
	newScripts, err := reader.ReadScripts()
	if err != nil {
		return err
	}

	// The install reason survives the upgrade, so capture it before
	// the old package row disappears.
	reason := pkgs.ReasonExplicit
	if old, err := t.repo.GetByName(ctx, pkg); err == nil {
		reason = old.InstallReason
	}

	if err := t.doRemove(ctx, pkg, false); err != nil {
		return err
	}
	if err := t.doInstall(ctx, archivePath, false, reason); err != nil {
		return err
	}

	if newScripts != nil && newScripts.PostUpgrade != "" {
		t.logger.Info(fmt.Sprintf("Running post_upgrade script for %s", pkg))
		if err := t.runScript(pkg, "post_upgrade", newScripts.PostUpgrade); err != nil {
			return err
		}
	}

	return nil
}

// rollback undoes the journal in reverse order. Individual restore
// failures are tolerated so a partial rollback recovers as much as
// possible.
func (t *Transaction) rollback(ctx context.Context) error {
	t.logger.Warn(fmt.Sprintf("Rolling back transaction %s", t.id))

	for i := len(t.journal) - 1; i >= 0; i-- {
		entry := t.journal[i]
		switch entry.Action {
		case journalFileCreated:
			if _, err := os.Lstat(entry.Path); err == nil {
				os.Remove(entry.Path)
			}
		case journalFileRemoved:
			if _, err := os.Stat(entry.Backup); err == nil {
				_ = os.MkdirAll(filepath.Dir(entry.Path), 0o755)
				_ = copyFile(entry.Backup, entry.Path)
			}
		case journalFileModified:
			if _, err := os.Stat(entry.Backup); err == nil {
				_ = copyFile(entry.Backup, entry.Path)
			}
		case journalDirCreated:
			// Only removed when empty.
			os.Remove(entry.Path)
		case journalDbPackageAdded:
			_ = t.repo.Remove(ctx, entry.Package)
		case journalDbPackageRemoved:
			var pkg pkgs.InstalledPackage
			if err := toml.Unmarshal([]byte(entry.BackupData), &pkg); err == nil {
				pkg.ID = 0
				_ = t.repo.Add(ctx, &pkg)
			}
		}
	}

	return nil
}

// pruneEmptyDirs removes directories left empty by a removal, deepest
// first, never touching protected system directories.
func (t *Transaction) pruneEmptyDirs(dirs map[string]struct{}) {
	protected := make(map[string]struct{}, len(protectedDirs))
	for dir := range protectedDirs {
		protected[t.targetPath(dir)] = struct{}{}
	}

	sorted := make([]string, 0, len(dirs))
	for dir := range dirs {
		sorted = append(sorted, dir)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(sorted)))

	for _, dir := range sorted {
		if _, ok := protected[dir]; ok {
			continue
		}
		st, err := os.Stat(dir)
		if err != nil || !st.IsDir() {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) == 0 {
			os.Remove(dir)
		}
	}
}

// targetPath resolves a /-rooted package path against the install root.
func (t *Transaction) targetPath(path string) string {
	return filepath.Join(t.root, strings.TrimPrefix(path, "/"))
}

// fileOwner returns the name of the package owning path, or "" when no
// package owns it.
func (t *Transaction) fileOwner(ctx context.Context, path string) (string, error) {
	owner, err := t.repo.FileOwner(ctx, path)
	if err != nil {
		if errors.Is(err, pkgs.ErrPackageNotFound) {
			return "", nil
		}
		return "", err
	}
	return owner.Name, nil
}

func (t *Transaction) scriptsDir(pkg string) string {
	return filepath.Join(t.root, scriptsSubdir, pkg)
}

// savePackageScripts persists non-empty install scripts so removals
// and upgrades can run them later.
func (t *Transaction) savePackageScripts(pkg string, scripts *archive.InstallScripts) error {
	dir := t.scriptsDir(pkg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	bodies := map[string]string{
		"pre_install":  scripts.PreInstall,
		"post_install": scripts.PostInstall,
		"pre_remove":   scripts.PreRemove,
		"post_remove":  scripts.PostRemove,
		"pre_upgrade":  scripts.PreUpgrade,
		"post_upgrade": scripts.PostUpgrade,
	}
	for name, body := range bodies {
		if body == "" {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, name+".sh"), []byte(body), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) loadPackageScript(pkg, name string) string {
	data, err := os.ReadFile(filepath.Join(t.scriptsDir(pkg), name+".sh"))
	if err != nil {
		return ""
	}
	return string(data)
}

func (t *Transaction) removePackageScripts(pkg string) error {
	dir := t.scriptsDir(pkg)
	if _, err := os.Stat(dir); err == nil {
		return os.RemoveAll(dir)
	}
	return nil
}

// runScript executes a package install script with bash from the
// transaction's script staging area.
func (t *Transaction) runScript(pkg, name, content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	scriptDir := filepath.Join(t.txDir, "scripts", pkg)
	if err := os.MkdirAll(scriptDir, 0o755); err != nil {
		return err
	}

	scriptPath := filepath.Join(scriptDir, name+".sh")
	body := fmt.Sprintf("#!/bin/bash\nset -e\n# %s script for %s\n\n%s\n", name, pkg, content)
	if err := os.WriteFile(scriptPath, []byte(body), 0o755); err != nil {
		return err
	}

	cmd := exec.Command("/bin/bash", scriptPath)
	cmd.Dir = t.root
	cmd.Env = append(os.Environ(),
		"ROOKPKG_ROOT="+t.root,
		"ROOKPKG_PACKAGE="+pkg,
		"ROOKPKG_SCRIPT="+name,
	)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("failed to execute %s script for %s: %w", name, pkg, err)
		}
		t.logger.Error(fmt.Sprintf("%s script failed for %s", name, pkg))
		t.logger.Error(fmt.Sprintf("stdout: %s", stdout.String()))
		t.logger.Error(fmt.Sprintf("stderr: %s", stderr.String()))
		firstLine, _, _ := strings.Cut(strings.TrimSpace(stderr.String()), "\n")
		if firstLine == "" {
			firstLine = "unknown error"
		}
		return fmt.Errorf("%s script failed for %s: %s", name, pkg, firstLine)
	}

	t.logger.Info(fmt.Sprintf("%s script completed successfully for %s", name, pkg))
	return nil
}

func (t *Transaction) saveState() error {
	state, err := toml.Marshal(stateDoc{State: t.state})
	if err != nil {
		return fmt.Errorf("failed to serialize transaction state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(t.txDir, "state.toml"), state, 0o644); err != nil {
		return fmt.Errorf("failed to save transaction state: %w", err)
	}

	ops, err := toml.Marshal(operationsDoc{Operations: t.operations})
	if err != nil {
		return fmt.Errorf("failed to serialize transaction operations: %w", err)
	}
	if err := os.WriteFile(filepath.Join(t.txDir, "operations.toml"), ops, 0o644); err != nil {
		return fmt.Errorf("failed to save transaction operations: %w", err)
	}
	return nil
}

func (t *Transaction) saveJournal() error {
	journal, err := toml.Marshal(journalDoc{Journal: t.journal})
	if err != nil {
		return fmt.Errorf("failed to serialize transaction journal: %w", err)
	}
	if err := os.WriteFile(filepath.Join(t.txDir, "journal.toml"), journal, 0o644); err != nil {
		return fmt.Errorf("failed to save transaction journal: %w", err)
	}
	return nil
}

// cleanup drops the transaction directory after a successful run.
func (t *Transaction) cleanup() {
	_ = os.RemoveAll(t.txDir)
}

func copyFile(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	st, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, st.Mode().Perm())
}
