package stages

import (
	"context"

	"github.com/rs/zerolog"
)

// DefaultServiceManager is the binary used to restart services.
const DefaultServiceManager = "systemctl"

// SystemdRestarter restarts units through the service manager CLI.
type SystemdRestarter struct {
	runner  Runner
	manager string
	useSudo bool
	logger  zerolog.Logger
}

// NewSystemdRestarter creates a restarter. An empty manager means
// DefaultServiceManager.
func NewSystemdRestarter(runner Runner, manager string, useSudo bool, logger zerolog.Logger) *SystemdRestarter {
	if manager == "" {
		manager = DefaultServiceManager
	}
	return &SystemdRestarter{
		runner:  runner,
		manager: manager,
		useSudo: useSudo,
		logger:  logger.With().Str("component", "service").Logger(),
	}
}

// Restart implements engine.ServiceRestarter.
func (r *SystemdRestarter) Restart(ctx context.Context, serviceName string) error {
	if serviceName == "" {
		return nil
	}

	req := ExecRequest{Command: r.manager, Args: []string{"restart", serviceName}, UseSudo: r.useSudo}
	r.logger.Info().Str("service", serviceName).Str("command", req.String()).Msg("Restarting service")
	if _, err := runChecked(ctx, r.runner, req, "failed to restart "+serviceName); err != nil {
		return err
	}
	return nil
}
