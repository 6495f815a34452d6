package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/homedeploy/homedeploy/pkg/deployer"
	"github.com/homedeploy/homedeploy/pkg/telemetry"
	"github.com/homedeploy/homedeploy/pkg/transports/ssh"
)

// runtime is the telemetry and deployer stack opened for one command.
type runtime struct {
	settings *Settings
	stack    *deployer.Stack
	tracer   *telemetry.Tracer
	metrics  *telemetry.Metrics
	reporter *consoleReporter
	logger   zerolog.Logger
	logFile  io.Closer
	previous zerolog.Logger
}

// openRuntime loads the settings and opens the stack. Commands that deploy
// pass progress=true to get console stage reporting on stdout.
func openRuntime(cmd *cobra.Command, progress bool) (*runtime, error) {
	settings, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}

	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = cmd.Root().Version
	cfg.Logging.Level = settings.LogLevel
	cfg.Logging.Format = settings.LogFormat
	if settings.LogFile != "" {
		cfg.Logging.Output = settings.LogFile
		cfg.Logging.NoColor = true
	}
	cfg.Tracing.Exporter = settings.TraceExporter
	cfg.Tracing.Endpoint = settings.TraceEndpoint
	cfg.Metrics.TextfilePath = settings.MetricsFile
	cfg.Metrics.ListenAddress = settings.MetricsAddr
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, logFile, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output: %w", err)
	}
	zerolog.SetGlobalLevel(telemetry.ParseLevel(cfg.Logging.Level))
	previous := log.Logger
	log.Logger = logger

	tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		log.Logger = previous
		_ = logFile.Close()
		return nil, err
	}
	metrics := telemetry.NewMetrics(cfg.Metrics)

	stackCfg := deployer.StackConfig{
		Root:             settings.Root,
		Interpreter:      settings.Interpreter,
		ServiceManager:   settings.ServiceManager,
		UseSudo:          settings.Sudo,
		SSH:              sshSettings(settings),
		DisablePolicies:  settings.NoPolicies,
		DisabledPolicies: settings.DisabledPolicies,
		DisableHistory:   settings.NoHistory,
		Tracer:           tracer,
		Metrics:          metrics,
		Logger:           logger,
	}
	reporter := newConsoleReporter(cmd.OutOrStdout())
	if progress {
		stackCfg.Reporter = reporter
	}

	stack, err := deployer.Open(cmd.Context(), stackCfg)
	if err != nil {
		shutdownTracer(tracer)
		log.Logger = previous
		_ = logFile.Close()
		return nil, err
	}

	return &runtime{
		settings: settings,
		stack:    stack,
		tracer:   tracer,
		metrics:  metrics,
		reporter: reporter,
		logger:   logger,
		logFile:  logFile,
		previous: previous,
	}, nil
}

// Close writes the metrics textfile, flushes spans, closes the stack and
// finally the log file, restoring the global logger it replaced.
func (r *runtime) Close() {
	if err := r.metrics.WriteTextfile(r.settings.MetricsFile); err != nil {
		r.logger.Warn().Err(err).Str("path", r.settings.MetricsFile).Msg("Failed to write metrics")
	}
	shutdownTracer(r.tracer)
	if err := r.stack.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to close deployer")
	}
	// The global logger must not write to a closed file.
	log.Logger = r.previous
	if err := r.logFile.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close log file: %v\n", err)
	}
}

func shutdownTracer(tracer *telemetry.Tracer) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tracer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush traces")
	}
}

// sshSettings is the template for sftp:// sources. Unset fields keep the
// transport defaults.
func sshSettings(s *Settings) ssh.Config {
	cfg := ssh.Config{
		AuthMethod:            ssh.AuthMethod(s.SSHAuth),
		PrivateKeyPath:        s.SSHKey,
		KnownHostsPath:        s.SSHKnownHosts,
		StrictHostKeyChecking: !s.SSHInsecure,
	}
	if cfg.KnownHostsPath == "" {
		cfg.KnownHostsPath = ssh.DefaultConfig("", "").KnownHostsPath
	}
	if cfg.AuthMethod == "" && s.SSHKey == "" {
		cfg.AuthMethod = ssh.AuthMethodAgent
	}
	return cfg
}
