package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/homedeploy/homedeploy/pkg/telemetry"
)

// PreservedEntries are top-level names in the deployment directory that a
// synchronization never removes.
var PreservedEntries = []string{"venv"}

// StageSet bundles the collaborators a Pipeline drives.
type StageSet struct {
	Commands    CommandRunner
	Backup      BackupMaker
	Sync        Synchronizer
	Provisioner Provisioner
	Launcher    Launcher
	Restarter   ServiceRestarter
}

// Pipeline runs the deployment stages for one request strictly in order,
// stopping at the first failure.
type Pipeline struct {
	stages   StageSet
	reporter Reporter
	recorder Recorder
	tracer   *telemetry.Tracer
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithReporter sets the progress reporter.
func WithReporter(r Reporter) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.reporter = r
		}
	}
}

// WithRecorder sets the history recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithTracer sets the tracer used for run and stage spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger.With().Str("component", "pipeline").Logger() }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a pipeline. Every collaborator in stages must be set.
func NewPipeline(stages StageSet, opts ...Option) (*Pipeline, error) {
	switch {
	case stages.Commands == nil:
		return nil, fmt.Errorf("pipeline: command runner is required")
	case stages.Backup == nil:
		return nil, fmt.Errorf("pipeline: backup maker is required")
	case stages.Sync == nil:
		return nil, fmt.Errorf("pipeline: synchronizer is required")
	case stages.Provisioner == nil:
		return nil, fmt.Errorf("pipeline: provisioner is required")
	case stages.Launcher == nil:
		return nil, fmt.Errorf("pipeline: launcher is required")
	case stages.Restarter == nil:
		return nil, fmt.Errorf("pipeline: service restarter is required")
	}

	p := &Pipeline{
		stages:   stages,
		reporter: NopReporter{},
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// run carries the mutable state of one execution.
type run struct {
	req    *Request
	result *Result
	ctx    context.Context
	logger zerolog.Logger
}

// Run executes req and returns its result. Run never returns nil; failures
// are reported through Result.State, Result.FailedStage and Result.Err.
func (p *Pipeline) Run(ctx context.Context, req *Request) *Result {
	started := p.now()
	result := &Result{
		RunID:     req.RunID,
		App:       req.App,
		Env:       req.Env,
		TargetDir: req.TargetDir,
		State:     StateIdle,
		StartedAt: started,
	}

	ctx, span := p.tracer.StartRunSpan(ctx, req.RunID, req.App, req.Env, req.TargetDir)
	defer span.End()

	logger := p.logger.With().
		Str("run_id", req.RunID).
		Str("app", req.App).
		Str("env", req.Env).
		Logger()
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		logger = logger.With().Str("trace_id", traceID).Logger()
	}

	r := &run{req: req, result: result, ctx: ctx, logger: logger}

	p.reporter.RunStarted(req)
	if p.recorder != nil {
		if err := p.recorder.RecordRunStarted(ctx, req); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run start")
		}
	}
	logger.Info().Str("target_dir", req.TargetDir).Msg("Starting deployment")

	if req.Record == nil {
		p.fail(r, "", NewInvalidConfigError("deployment record is required", nil))
	} else {
		p.execute(r)
	}

	if result.State != StateFailed {
		result.State = StateSucceeded
	}
	result.Duration = p.now().Sub(started)

	status := string(result.State)
	p.metrics.RecordRun(req.App, req.Env, status, result.Duration)
	span.SetAttributes(telemetry.AttrStatus.String(status))
	if result.Err != nil {
		span.SetAttributes(telemetry.AttrErrorClass.String(string(ClassOf(result.Err))))
		telemetry.RecordError(span, result.Err)
		logger.Error().Err(result.Err).Str("stage", string(result.FailedStage)).Msg("Deployment failed")
	} else {
		telemetry.RecordSuccess(span)
		logger.Info().Dur("duration", result.Duration).Msg("Deployment succeeded")
	}

	if p.recorder != nil {
		if err := p.recorder.RecordRunFinished(ctx, result); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run result")
		}
	}
	p.reporter.RunFinished(result)

	return result
}

func (p *Pipeline) execute(r *run) {
	rec := r.req.Record

	if !p.step(r, StagePreCommands, ClassExternalToolFailure, len(rec.PreDeployCommands) == 0, "no pre-deploy commands",
		func(ctx context.Context) (string, error) {
			err := p.stages.Commands.RunCommands(ctx, rec.PreDeployCommands, sourceWorkDir(r.req.Source))
			return fmt.Sprintf("ran %d command(s)", len(rec.PreDeployCommands)), err
		}) {
		return
	}

	if !p.step(r, StageBackup, ClassIOFailure, false, "",
		func(ctx context.Context) (string, error) {
			snapshot, err := p.stages.Backup.Backup(ctx, r.req.TargetDir, rec.BackupPath, r.req.App)
			if err != nil {
				return "", err
			}
			r.result.Snapshot = snapshot
			if snapshot == "" {
				return "nothing to back up", nil
			}
			return "snapshot " + snapshot, nil
		}) {
		return
	}

	if !p.step(r, StageSync, ClassIOFailure, false, "",
		func(ctx context.Context) (string, error) {
			opts := SyncOptions{
				Preserve: PreservedEntries,
				Link:     rec.UseSymlink,
				Exclude:  rec.Exclude,
			}
			if err := p.stages.Sync.Sync(ctx, r.req.Source, r.req.TargetDir, opts); err != nil {
				return "", err
			}
			if rec.UseSymlink {
				return "linked to " + r.req.Source, nil
			}
			return "copied from " + r.req.Source, nil
		}) {
		return
	}

	if !p.step(r, StageProvision, ClassExternalToolFailure, !rec.NeedsIsolatedRuntime, "isolated runtime not requested",
		func(ctx context.Context) (string, error) {
			return "runtime ready", p.stages.Provisioner.Provision(ctx, r.req.TargetDir)
		}) {
		return
	}

	if !p.step(r, StageLaunch, ClassIOFailure, rec.StartupEntryPoint == "", "no startup entry point",
		func(ctx context.Context) (string, error) {
			proc, err := p.stages.Launcher.Launch(ctx, r.req.TargetDir, rec.StartupEntryPoint)
			if err != nil {
				return "", err
			}
			r.result.Process = proc
			return fmt.Sprintf("started pid %d", proc.PID), nil
		}) {
		return
	}

	if !p.step(r, StagePostCommands, ClassExternalToolFailure, len(rec.PostDeployCommands) == 0, "no post-deploy commands",
		func(ctx context.Context) (string, error) {
			err := p.stages.Commands.RunCommands(ctx, rec.PostDeployCommands, r.req.TargetDir)
			return fmt.Sprintf("ran %d command(s)", len(rec.PostDeployCommands)), err
		}) {
		return
	}

	p.step(r, StageRestartService, ClassExternalToolFailure, rec.RestartService == "", "no service configured",
		func(ctx context.Context) (string, error) {
			return "restarted " + rec.RestartService, p.stages.Restarter.Restart(ctx, rec.RestartService)
		})
}

// step runs one stage and reports whether the pipeline may continue.
func (p *Pipeline) step(r *run, stage Stage, fallback ErrorClass, skip bool, skipReason string, fn func(ctx context.Context) (string, error)) bool {
	if err := r.ctx.Err(); err != nil {
		p.fail(r, stage, asStageError(stage, fallback, fmt.Errorf("cancelled before stage: %w", err)))
		return false
	}

	report := StageReport{Stage: stage, StartedAt: p.now()}

	if skip {
		report.Status = StageStatusSkipped
		report.Message = skipReason
		p.finishStage(r, report)
		return true
	}

	r.result.State = stage.State()
	p.reporter.StageStarted(stage)
	r.logger.Debug().Str("stage", string(stage)).Msg("Stage started")

	ctx, span := p.tracer.StartStageSpan(r.ctx, string(stage))
	message, err := fn(ctx)
	report.Duration = p.now().Sub(report.StartedAt)
	p.metrics.RecordStage(string(stage), report.Duration)

	if err != nil {
		derr := asStageError(stage, fallback, err)
		telemetry.RecordError(span, derr)
		span.End()

		report.Status = StageStatusFailed
		report.Message = derr.Error()
		report.Err = derr
		p.metrics.RecordStageFailure(string(stage), string(derr.Class))
		p.finishStage(r, report)
		p.fail(r, stage, derr)
		return false
	}

	telemetry.RecordSuccess(span)
	span.End()

	report.Status = StageStatusSucceeded
	report.Message = message
	p.finishStage(r, report)
	return true
}

func (p *Pipeline) finishStage(r *run, report StageReport) {
	r.result.Stages = append(r.result.Stages, report)
	p.reporter.StageFinished(report)
	if p.recorder != nil {
		if err := p.recorder.RecordStage(r.ctx, r.req.RunID, report); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to record stage")
		}
	}
	r.logger.Info().
		Str("stage", string(report.Stage)).
		Str("status", string(report.Status)).
		Dur("duration", report.Duration).
		Msg(report.Message)
}

func (p *Pipeline) fail(r *run, stage Stage, err *DeployError) {
	r.result.State = StateFailed
	r.result.FailedStage = stage
	r.result.Err = err
}

// sourceWorkDir is the directory pre-deploy commands run in: the source
// itself, or its parent when the source is a single file. Remote sources
// run in the current directory.
func sourceWorkDir(source string) string {
	if source == "" || isRemote(source) {
		return ""
	}
	info, err := os.Stat(source)
	if err == nil && !info.IsDir() {
		return filepath.Dir(source)
	}
	return source
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "sftp://")
}
