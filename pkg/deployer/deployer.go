package deployer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog"

	"github.com/homedeploy/homedeploy/pkg/config"
	"github.com/homedeploy/homedeploy/pkg/engine"
	"github.com/homedeploy/homedeploy/pkg/policy"
	"github.com/homedeploy/homedeploy/pkg/stages"
)

// ErrConfigExists is returned by CreateConfig when the app already has a
// config and overwriting was not requested.
var ErrConfigExists = errors.New("configuration already exists")

// PipelineRunner executes a deployment request.
type PipelineRunner interface {
	Run(ctx context.Context, req *engine.Request) *engine.Result
}

// Guard runs pre-flight checks. A non-nil error aborts the deployment.
type Guard interface {
	Check(ctx context.Context, req *engine.Request) (*policy.Result, error)
}

// Options configures a Deployer.
type Options struct {
	Layout   Layout
	Store    *config.Store
	Pipeline PipelineRunner

	// Guard is optional.
	Guard Guard

	Logger zerolog.Logger

	// NewRunID defaults to random UUIDs.
	NewRunID func() string
}

// Deployer implements the operator-facing operations on top of the
// configuration store and the pipeline.
type Deployer struct {
	layout   Layout
	store    *config.Store
	pipeline PipelineRunner
	guard    Guard
	logger   zerolog.Logger
	newRunID func() string
}

// New creates a Deployer.
func New(opts Options) (*Deployer, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("deployer: config store is required")
	}
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("deployer: pipeline is required")
	}
	if opts.Layout.Root == "" {
		return nil, fmt.Errorf("deployer: layout root is required")
	}
	d := &Deployer{
		layout:   opts.Layout,
		store:    opts.Store,
		pipeline: opts.Pipeline,
		guard:    opts.Guard,
		logger:   opts.Logger.With().Str("component", "deployer").Logger(),
		newRunID: opts.NewRunID,
	}
	if d.newRunID == nil {
		d.newRunID = uuid.NewString
	}
	return d, nil
}

// Layout returns the directory layout.
func (d *Deployer) Layout() Layout { return d.layout }

// Store returns the configuration store.
func (d *Deployer) Store() *config.Store { return d.store }

// Deploy deploys source as app into env, defaulting env to dev. The result
// is never nil; a missing configuration fails before any stage runs.
func (d *Deployer) Deploy(ctx context.Context, app, source, env string) *engine.Result {
	req, err := d.DeployRequest(app, source, env)
	if err != nil {
		return failedResult(req, err)
	}
	return d.Execute(ctx, req)
}

// DeployRequest resolves the request Deploy would run.
func (d *Deployer) DeployRequest(app, source, env string) (*engine.Request, error) {
	if env == "" {
		env = config.EnvDev
	}
	req := &engine.Request{App: app, Env: env, Source: source}

	if !config.ValidAppName(app) {
		return req, engine.NewInvalidConfigError(fmt.Sprintf("invalid application name %q", app), nil)
	}
	if !config.ValidAppName(env) {
		return req, engine.NewInvalidConfigError(fmt.Sprintf("invalid environment name %q", env), nil)
	}
	req.TargetDir = d.layout.DeploymentDir(app, env)

	src, err := resolveSource(source)
	if err != nil {
		return req, err
	}
	req.Source = src

	rec, err := d.store.GetRecord(app, env)
	if err != nil {
		if errors.Is(err, config.ErrRecordNotFound) {
			return req, engine.NewConfigNotFoundError(app, env, err)
		}
		return req, engine.NewInvalidConfigError(fmt.Sprintf("cannot load configuration for %s", app), err)
	}
	req.Record = rec
	return req, nil
}

// Apply runs a parsed LocalDeployment through the pipeline against its own
// target path. env labels the run for policies and history.
func (d *Deployer) Apply(ctx context.Context, dep *config.LocalDeployment, env string) *engine.Result {
	req, err := d.ApplyRequest(dep, env)
	if err != nil {
		return failedResult(req, err)
	}
	return d.Execute(ctx, req)
}

// ApplyRequest resolves the request Apply would run.
func (d *Deployer) ApplyRequest(dep *config.LocalDeployment, env string) (*engine.Request, error) {
	if env == "" {
		env = config.EnvDev
	}
	req := &engine.Request{Env: env}
	if dep == nil {
		return req, engine.NewInvalidConfigError("deployment is required", nil)
	}
	req.App = dep.Name
	req.TargetDir = dep.TargetPath
	if err := dep.Validate(); err != nil {
		return req, engine.NewInvalidConfigError("invalid deployment", err)
	}

	src, err := resolveSource(dep.SourcePath)
	if err != nil {
		return req, err
	}
	req.Source = src
	req.Record = dep.ToRecord()
	return req, nil
}

// Preflight runs the guard on req. It returns nil results without a guard.
func (d *Deployer) Preflight(ctx context.Context, req *engine.Request) (*policy.Result, error) {
	if d.guard == nil {
		return nil, nil
	}
	return d.guard.Check(ctx, req)
}

// Execute runs the pre-flight checks and then the pipeline for req.
func (d *Deployer) Execute(ctx context.Context, req *engine.Request) *engine.Result {
	if req.RunID == "" {
		req.RunID = d.newRunID()
	}
	if _, err := d.Preflight(ctx, req); err != nil {
		d.logger.Error().Err(err).Str("app", req.App).Str("env", req.Env).Msg("Pre-flight checks failed")
		return failedResult(req, err)
	}
	return d.pipeline.Run(ctx, req)
}

// CreateConfig writes the default configuration for app. An existing config
// is only replaced when force is set.
func (d *Deployer) CreateConfig(app string, force bool) (config.AppConfig, error) {
	if !config.ValidAppName(app) {
		return nil, fmt.Errorf("invalid application name %q", app)
	}
	if d.store.AppExists(app) && !force {
		return nil, fmt.Errorf("%s: %w", app, ErrConfigExists)
	}
	return d.store.CreateDefaultRecord(app)
}

// Deployment is an (app, env) pair found under the deployments directory.
type Deployment struct {
	App    string `json:"app"`
	Env    string `json:"env"`
	Path   string `json:"path"`
	Linked bool   `json:"linked"`
}

// ListDeployments returns the deployments on disk sorted by app then env.
func (d *Deployer) ListDeployments() ([]Deployment, error) {
	apps, err := os.ReadDir(d.layout.DeploymentsDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	var out []Deployment
	for _, app := range apps {
		if !app.IsDir() {
			continue
		}
		appDir := filepath.Join(d.layout.DeploymentsDir(), app.Name())
		envs, err := os.ReadDir(appDir)
		if err != nil {
			return nil, fmt.Errorf("failed to list deployments of %s: %w", app.Name(), err)
		}
		for _, env := range envs {
			linked := env.Type()&os.ModeSymlink != 0
			if !env.IsDir() && !linked {
				continue
			}
			out = append(out, Deployment{
				App:    app.Name(),
				Env:    env.Name(),
				Path:   filepath.Join(appDir, env.Name()),
				Linked: linked,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].App != out[j].App {
			return out[i].App < out[j].App
		}
		return out[i].Env < out[j].Env
	})
	return out, nil
}

// resolveSource expands and absolutizes local sources. Remote sources are
// returned as given.
func resolveSource(source string) (string, error) {
	if source == "" {
		return "", engine.NewInvalidConfigError("source path is required", nil)
	}
	if stages.IsRemote(source) {
		return source, nil
	}
	expanded, err := homedir.Expand(source)
	if err != nil {
		return "", engine.NewInvalidConfigError("invalid source path", err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", engine.NewIOError("failed to resolve source path", err)
	}
	return abs, nil
}

// failedResult reports a failure that happened before the pipeline started.
func failedResult(req *engine.Request, err error) *engine.Result {
	res := &engine.Result{State: engine.StateFailed, Err: err}
	if req != nil {
		res.RunID = req.RunID
		res.App = req.App
		res.Env = req.Env
		res.TargetDir = req.TargetDir
	}
	return res
}
