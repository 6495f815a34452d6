package stages

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"

	"github.com/homedeploy/homedeploy/pkg/engine"
)

// ProcessLauncher starts the startup entry point of a deployment as a
// detached process. The process is never awaited or supervised.
type ProcessLauncher struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewProcessLauncher creates a launcher.
func NewProcessLauncher(logger zerolog.Logger) *ProcessLauncher {
	return &ProcessLauncher{
		logger: logger.With().Str("component", "launch").Logger(),
		now:    time.Now,
	}
}

// Launch implements engine.Launcher. entryPoint is a path relative to
// targetDir optionally followed by arguments, split with shell word rules.
func (l *ProcessLauncher) Launch(_ context.Context, targetDir, entryPoint string) (*engine.DetachedProcess, error) {
	words, err := shellwords.Parse(entryPoint)
	if err != nil {
		return nil, engine.NewInvalidConfigError(fmt.Sprintf("cannot parse startup entry point %q", entryPoint), err)
	}
	if len(words) == 0 {
		return nil, engine.NewInvalidConfigError("startup entry point is empty", nil)
	}

	path, err := resolveEntryPoint(targetDir, words[0])
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, engine.NewMissingEntryPointError(path)
	}
	if err := confineEntryPoint(targetDir, path); err != nil {
		return nil, err
	}
	if mode := info.Mode().Perm(); mode&0111 != 0111 {
		if err := os.Chmod(path, mode|0111); err != nil {
			return nil, engine.NewIOError("failed to make entry point executable", err)
		}
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, engine.NewIOError("failed to open "+os.DevNull, err)
	}
	defer devNull.Close()

	// Not CommandContext: the process must outlive the deploy.
	cmd := exec.Command(path, words[1:]...)
	cmd.Dir = targetDir
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, engine.NewIOError("failed to start entry point "+path, err)
	}

	proc := &engine.DetachedProcess{
		PID:       cmd.Process.Pid,
		Path:      path,
		Args:      words[1:],
		Dir:       targetDir,
		StartedAt: l.now(),
	}
	if err := cmd.Process.Release(); err != nil {
		l.logger.Warn().Err(err).Int("pid", proc.PID).Msg("Failed to release process handle")
	}

	l.logger.Info().Int("pid", proc.PID).Str("entry_point", path).Strs("args", proc.Args).Msg("Launched entry point")
	return proc, nil
}

// resolveEntryPoint joins name onto targetDir and rejects results outside it.
func resolveEntryPoint(targetDir, name string) (string, error) {
	dir, err := filepath.Abs(targetDir)
	if err != nil {
		return "", engine.NewIOError("failed to resolve deployment directory", err)
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	path = filepath.Clean(path)
	if path == dir || !within(path, dir) {
		return "", engine.NewInvalidConfigError(
			fmt.Sprintf("startup entry point %s is outside the deployment directory", name), nil)
	}
	return path, nil
}

// confineEntryPoint rejects an entry point whose symlinks lead outside the
// deployment directory. Synchronization recreates source symlinks as they
// are, so the lexical check alone is not enough.
func confineEntryPoint(targetDir, path string) error {
	realDir, err := filepath.EvalSymlinks(targetDir)
	if err != nil {
		return engine.NewIOError("failed to resolve deployment directory", err)
	}
	realPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		return engine.NewMissingEntryPointError(path)
	}
	if realPath == realDir || !within(realPath, realDir) {
		return engine.NewInvalidConfigError(
			fmt.Sprintf("startup entry point %s resolves to %s outside the deployment directory", path, realPath), nil)
	}
	return nil
}
