package engine

import (
	"fmt"
	"time"

	"github.com/homedeploy/homedeploy/pkg/config"
)

// Stage is one discrete, independently failable step of the pipeline.
type Stage string

const (
	StagePreCommands    Stage = "pre_commands"
	StageBackup         Stage = "backup"
	StageSync           Stage = "sync"
	StageProvision      Stage = "provision"
	StageLaunch         Stage = "launch"
	StagePostCommands   Stage = "post_commands"
	StageRestartService Stage = "restart_service"
)

// Stages lists every stage in execution order.
var Stages = []Stage{
	StagePreCommands,
	StageBackup,
	StageSync,
	StageProvision,
	StageLaunch,
	StagePostCommands,
	StageRestartService,
}

// State is a pipeline state.
type State string

const (
	StateIdle                State = "idle"
	StateRunningPreCommands  State = "running_pre_commands"
	StateBackingUp           State = "backing_up"
	StateSynchronizing       State = "synchronizing"
	StateProvisioning        State = "provisioning"
	StateLaunching           State = "launching"
	StateRunningPostCommands State = "running_post_commands"
	StateRestartingService   State = "restarting_service"
	StateSucceeded           State = "succeeded"
	StateFailed              State = "failed"
)

// State returns the pipeline state in which s executes.
func (s Stage) State() State {
	switch s {
	case StagePreCommands:
		return StateRunningPreCommands
	case StageBackup:
		return StateBackingUp
	case StageSync:
		return StateSynchronizing
	case StageProvision:
		return StateProvisioning
	case StageLaunch:
		return StateLaunching
	case StagePostCommands:
		return StateRunningPostCommands
	case StageRestartService:
		return StateRestartingService
	default:
		return StateIdle
	}
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// StageStatus is the outcome of one stage.
type StageStatus string

const (
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusSkipped   StageStatus = "skipped"
	StageStatusFailed    StageStatus = "failed"
)

// StageReport describes how one stage finished.
type StageReport struct {
	Stage     Stage         `json:"stage"`
	Status    StageStatus   `json:"status"`
	Message   string        `json:"message,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Request is one pipeline invocation.
type Request struct {
	// RunID identifies the run in history, logs and traces.
	RunID string

	// App and Env name the deployment.
	App string
	Env string

	// Source is a local path or an sftp:// URL.
	Source string

	// TargetDir is the deployment directory.
	TargetDir string

	// Record parametrizes the stages.
	Record *config.DeploymentRecord
}

// DetachedProcess is the handle of a launched entry point. The pipeline
// hands it off without owning or awaiting the process.
type DetachedProcess struct {
	PID       int       `json:"pid"`
	Path      string    `json:"path"`
	Args      []string  `json:"args,omitempty"`
	Dir       string    `json:"dir"`
	StartedAt time.Time `json:"started_at"`
}

// Result is the outcome of a pipeline run.
type Result struct {
	RunID       string
	App         string
	Env         string
	TargetDir   string
	State       State
	FailedStage Stage
	Err         error
	Stages      []StageReport
	Snapshot    string
	Process     *DetachedProcess
	StartedAt   time.Time
	Duration    time.Duration
}

// Succeeded reports whether the run reached StateSucceeded.
func (r *Result) Succeeded() bool {
	return r != nil && r.State == StateSucceeded
}

// Message is a one-line human-readable summary.
func (r *Result) Message() string {
	if r == nil {
		return "no result"
	}
	if r.Succeeded() {
		return fmt.Sprintf("successfully deployed %s to %s", r.App, r.Env)
	}
	if r.FailedStage != "" {
		return fmt.Sprintf("deployment of %s to %s failed at %s: %v", r.App, r.Env, r.FailedStage, r.Err)
	}
	return fmt.Sprintf("deployment of %s to %s failed: %v", r.App, r.Env, r.Err)
}

// Report returns the report for stage, if the stage was reached.
func (r *Result) Report(stage Stage) (StageReport, bool) {
	for _, rep := range r.Stages {
		if rep.Stage == stage {
			return rep, true
		}
	}
	return StageReport{}, false
}
