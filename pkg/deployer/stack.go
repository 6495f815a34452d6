package deployer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/homedeploy/homedeploy/pkg/config"
	"github.com/homedeploy/homedeploy/pkg/engine"
	"github.com/homedeploy/homedeploy/pkg/policy"
	"github.com/homedeploy/homedeploy/pkg/stages"
	"github.com/homedeploy/homedeploy/pkg/stores"
	"github.com/homedeploy/homedeploy/pkg/telemetry"
	"github.com/homedeploy/homedeploy/pkg/transports/ssh"
)

// StackConfig describes a fully wired Deployer.
type StackConfig struct {
	// Root is the homedeploy root. Empty means ~/.homedeploy.
	Root string

	// Runner executes subprocesses. Nil means os/exec.
	Runner stages.Runner

	// Interpreter creates virtual environments.
	Interpreter string

	// ServiceManager restarts services, systemctl by default.
	ServiceManager string

	// UseSudo runs the service manager through sudo -n.
	UseSudo bool

	// SSH is the template for sftp:// sources. Host, Port and User come
	// from each source; unset fields take ssh.DefaultConfig values.
	SSH ssh.Config

	// DisablePolicies skips the pre-flight guard.
	DisablePolicies bool

	// DisabledPolicies names policies the guard does not evaluate.
	DisabledPolicies []string

	// DisableHistory skips the SQLite history store.
	DisableHistory bool

	Reporter engine.Reporter
	Tracer   *telemetry.Tracer
	Metrics  *telemetry.Metrics
	Logger   zerolog.Logger
}

// Stack is a Deployer together with the resources it owns.
type Stack struct {
	*Deployer

	// History is nil when disabled.
	History *stores.SQLiteStore

	// Policies is nil when disabled.
	Policies *policy.Engine
}

// Open builds the layout, configuration store, stages, pipeline, policy
// engine and history store for cfg.
func Open(ctx context.Context, cfg StackConfig) (*Stack, error) {
	layout, err := NewLayout(cfg.Root)
	if err != nil {
		return nil, err
	}
	if err := layout.Ensure(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	store, err := config.NewStore(layout.ConfigDir(), logger)
	if err != nil {
		return nil, err
	}

	defaultUser := ""
	if settings, err := store.GetGlobalSettings(); err == nil {
		defaultUser = settings.Local.SSHUsername
	} else {
		logger.Warn().Err(err).Msg("Global settings unavailable")
	}

	runner := cfg.Runner
	if runner == nil {
		runner = &stages.ExecRunner{}
	}

	set := engine.StageSet{
		Commands:    stages.NewShellCommands(runner, logger),
		Backup:      stages.NewBackupManager(logger),
		Sync:        stages.NewFileSynchronizer(stages.NewSFTPFetcher(sshTemplate(cfg.SSH), logger), defaultUser, logger),
		Provisioner: stages.NewVenvProvisioner(runner, cfg.Interpreter, logger),
		Launcher:    stages.NewProcessLauncher(logger),
		Restarter:   stages.NewSystemdRestarter(runner, cfg.ServiceManager, cfg.UseSudo, logger),
	}

	stack := &Stack{}
	opts := []engine.Option{
		engine.WithReporter(cfg.Reporter),
		engine.WithTracer(cfg.Tracer),
		engine.WithMetrics(cfg.Metrics),
		engine.WithLogger(logger),
	}

	if !cfg.DisableHistory {
		history, err := stores.Open(ctx, layout.HistoryPath())
		if err != nil {
			return nil, fmt.Errorf("failed to open deployment history: %w", err)
		}
		stack.History = history
		opts = append(opts, engine.WithRecorder(history))
	}

	pipeline, err := engine.NewPipeline(set, opts...)
	if err != nil {
		_ = stack.Close()
		return nil, err
	}

	dopts := Options{Layout: layout, Store: store, Pipeline: pipeline, Logger: logger}
	if !cfg.DisablePolicies {
		guard, err := policy.NewEngine(logger)
		if err != nil {
			_ = stack.Close()
			return nil, err
		}
		if err := guard.LoadPolicies(ctx, []string{layout.PoliciesDir()}); err != nil {
			_ = stack.Close()
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
		for _, name := range cfg.DisabledPolicies {
			if err := guard.SetEnabled(name, false); err != nil {
				_ = stack.Close()
				return nil, err
			}
		}
		stack.Policies = guard
		dopts.Guard = guard
	}

	d, err := New(dopts)
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	stack.Deployer = d
	return stack, nil
}

// Close releases the history store.
func (s *Stack) Close() error {
	var errs []error
	if s.History != nil {
		errs = append(errs, s.History.Close())
	}
	return errors.Join(errs...)
}

func sshTemplate(cfg ssh.Config) ssh.Config {
	def := ssh.DefaultConfig("", "")
	if cfg.AuthMethod == "" {
		cfg.AuthMethod = def.AuthMethod
	}
	if cfg.KnownHostsPath == "" {
		cfg.KnownHostsPath = def.KnownHostsPath
		cfg.StrictHostKeyChecking = def.StrictHostKeyChecking
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = def.ConnectionTimeout
	}
	return cfg
}
