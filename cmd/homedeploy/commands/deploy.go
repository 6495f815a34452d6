package commands

import (
	"github.com/spf13/cobra"

	"github.com/homedeploy/homedeploy/pkg/config"
)

func newDeployCommand() *cobra.Command {
	var env string

	cmd := &cobra.Command{
		Use:   "deploy <app> <path>",
		Short: "Deploy an application from a local or sftp:// source",
		Long: `Deploy the application at <path> into deployments/<app>/<env> using
the record configured for <app> in <env>.

A missing configuration aborts before anything is touched; create one
with "homedeploy config create <app>".`,
		Example: `  # Deploy the current directory as webapp in dev
  homedeploy deploy webapp .

  # Deploy to prod
  homedeploy deploy webapp ~/src/webapp --env prod

  # Deploy from a remote host
  homedeploy deploy webapp sftp://builder@nas/srv/builds/webapp --env stage`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			res := rt.stack.Deploy(cmd.Context(), args[0], args[1], env)
			return rt.reporter.finish(res)
		},
	}

	cmd.Flags().StringVarP(&env, "env", "e", config.EnvDev, "target environment")

	return cmd
}
