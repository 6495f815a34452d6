package stages

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog"

	"github.com/homedeploy/homedeploy/pkg/engine"
)

// SnapshotTimeFormat is the timestamp suffix of snapshot directories.
const SnapshotTimeFormat = "20060102_150405"

// BackupManager takes full dated copies of deployment directories.
// Snapshots are never pruned.
type BackupManager struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewBackupManager creates a backup manager.
func NewBackupManager(logger zerolog.Logger) *BackupManager {
	return &BackupManager{
		logger: logger.With().Str("component", "backup").Logger(),
		now:    time.Now,
	}
}

// WithClock replaces the clock used to name snapshots.
func (b *BackupManager) WithClock(now func() time.Time) *BackupManager {
	b.now = now
	return b
}

// SnapshotPath returns where a snapshot of name taken at t is stored.
func SnapshotPath(backupRoot, name string, t time.Time) string {
	return filepath.Join(backupRoot, fmt.Sprintf("%s_%s", name, t.Format(SnapshotTimeFormat)))
}

// Backup implements engine.BackupMaker.
func (b *BackupManager) Backup(ctx context.Context, targetDir, backupRoot, name string) (string, error) {
	if backupRoot == "" {
		return "", nil
	}
	root, err := homedir.Expand(backupRoot)
	if err != nil {
		return "", engine.NewInvalidConfigError("invalid backup path", err)
	}

	// A link-mode deployment is backed up through the link.
	resolved, err := filepath.EvalSymlinks(targetDir)
	if errors.Is(err, fs.ErrNotExist) {
		b.logger.Debug().Str("target", targetDir).Msg("Nothing to back up")
		return "", nil
	}
	if err != nil {
		return "", engine.NewIOError("failed to resolve deployment directory", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", engine.NewIOError("failed to stat deployment directory", err)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", engine.NewInvalidConfigError("invalid backup path", err)
	}
	if info.IsDir() && (within(absRoot, resolved) || within(realPath(absRoot), resolved)) {
		return "", engine.NewInvalidConfigError(
			fmt.Sprintf("backup path %s is inside the deployment directory %s", backupRoot, resolved), nil)
	}

	snapshot := SnapshotPath(root, name, b.now())
	if _, err := os.Lstat(snapshot); err == nil {
		return "", engine.NewIOError("snapshot already exists", fmt.Errorf("%s: %w", snapshot, fs.ErrExist))
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", engine.NewIOError("failed to create backup root", err)
	}

	if info.IsDir() {
		if err := os.Mkdir(snapshot, info.Mode().Perm()|0700); err != nil {
			return "", engine.NewIOError("failed to create snapshot", err)
		}
		if err := copyTree(ctx, resolved, snapshot, "", nil); err != nil {
			return "", engine.NewIOError("failed to copy snapshot", err)
		}
	} else if err := copyFile(resolved, snapshot, info); err != nil {
		return "", engine.NewIOError("failed to copy snapshot", err)
	}

	b.logger.Info().Str("target", targetDir).Str("snapshot", snapshot).Msg("Created backup")
	return snapshot, nil
}

// realPath resolves symlinks in the longest existing prefix of p.
func realPath(p string) string {
	missing := ""
	for dir := p; ; dir = filepath.Dir(dir) {
		if real, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(real, missing)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return p
		}
		missing = filepath.Join(filepath.Base(dir), missing)
	}
}
