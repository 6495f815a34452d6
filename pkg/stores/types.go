package stores

import (
	"errors"
	"time"
)

// ErrRunNotFound is returned by GetRun for unknown IDs.
var ErrRunNotFound = errors.New("run not found")

// RunStatus is the lifecycle status of a deployment run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one recorded pipeline invocation.
type Run struct {
	ID          string     `json:"id"`
	App         string     `json:"app"`
	Env         string     `json:"env"`
	Source      string     `json:"source"`
	TargetDir   string     `json:"target_dir"`
	Status      RunStatus  `json:"status"`
	FailedStage string     `json:"failed_stage,omitempty"`
	ErrorClass  string     `json:"error_class,omitempty"`
	Error       string     `json:"error,omitempty"`
	Snapshot    string     `json:"snapshot,omitempty"`
	PID         int        `json:"pid,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// StageEvent is the recorded outcome of one stage of a run.
type StageEvent struct {
	ID         int64         `json:"id"`
	RunID      string        `json:"run_id"`
	Stage      string        `json:"stage"`
	Status     string        `json:"status"`
	Message    string        `json:"message,omitempty"`
	ErrorClass string        `json:"error_class,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// RunFilter selects runs for ListRuns. Zero fields match everything.
type RunFilter struct {
	App    string
	Env    string
	Status RunStatus

	// Limit caps the result. Zero means 50.
	Limit int
}
