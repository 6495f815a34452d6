package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/homedeploy/homedeploy/pkg/config"
	"github.com/homedeploy/homedeploy/pkg/deployer"
)

func newWatchCommand() *cobra.Command {
	var (
		env      string
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <app> <path>",
		Short: "Redeploy whenever the source or its configuration changes",
		Long: `Deploy once, then watch the source tree, the application configuration
and the policies directory, redeploying after changes settle. Runs until
interrupted.

With --metrics-addr, Prometheus metrics are served on /metrics while
watching.`,
		Example: `  homedeploy watch webapp ~/src/webapp
  homedeploy watch webapp . --env stage --metrics-addr :9108`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			if addr := rt.settings.MetricsAddr; addr != "" {
				go func() {
					if err := rt.metrics.Serve(ctx, addr); err != nil {
						rt.logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
					}
				}()
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Watching %s for %s in %s (Ctrl-C to stop)\n", args[1], bold(args[0]), bold(env))
			return rt.stack.Watch(ctx, args[0], args[1], env, deployer.WatchOptions{
				Debounce: debounce,
				OnResult: rt.reporter.catchUp,
			})
		},
	}

	cmd.Flags().StringVarP(&env, "env", "e", config.EnvDev, "target environment")
	cmd.Flags().DurationVar(&debounce, "debounce", deployer.DefaultDebounce, "quiet period before redeploying")

	return cmd
}
