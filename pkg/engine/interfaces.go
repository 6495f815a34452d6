package engine

import (
	"context"
)

// CommandRunner runs an ordered list of shell commands in workDir,
// stopping at the first failure.
type CommandRunner interface {
	RunCommands(ctx context.Context, commands []string, workDir string) error
}

// BackupMaker snapshots targetDir under backupRoot. It returns the snapshot
// path, or "" when there was nothing to do.
type BackupMaker interface {
	Backup(ctx context.Context, targetDir, backupRoot, name string) (string, error)
}

// SyncOptions parametrizes a synchronization.
type SyncOptions struct {
	// Preserve names top-level target entries that survive the sync.
	Preserve []string

	// Link replaces the target with a symbolic link to the source.
	Link bool

	// Exclude holds ignore patterns for source entries.
	Exclude []string
}

// Synchronizer mirrors a source tree into a target directory.
type Synchronizer interface {
	Sync(ctx context.Context, source, targetDir string, opts SyncOptions) error
}

// Provisioner creates or repairs an isolated runtime in targetDir.
type Provisioner interface {
	Provision(ctx context.Context, targetDir string) error
}

// Launcher starts an entry point detached from the caller.
type Launcher interface {
	Launch(ctx context.Context, targetDir, entryPoint string) (*DetachedProcess, error)
}

// ServiceRestarter restarts a system service.
type ServiceRestarter interface {
	Restart(ctx context.Context, serviceName string) error
}

// Reporter receives progress as the pipeline advances.
type Reporter interface {
	RunStarted(req *Request)
	StageStarted(stage Stage)
	StageFinished(report StageReport)
	RunFinished(result *Result)
}

// Recorder persists run history. Recorder errors never fail a run.
type Recorder interface {
	RecordRunStarted(ctx context.Context, req *Request) error
	RecordStage(ctx context.Context, runID string, report StageReport) error
	RecordRunFinished(ctx context.Context, result *Result) error
}

// NopReporter discards progress.
type NopReporter struct{}

func (NopReporter) RunStarted(*Request)       {}
func (NopReporter) StageStarted(Stage)        {}
func (NopReporter) StageFinished(StageReport) {}
func (NopReporter) RunFinished(*Result)       {}
