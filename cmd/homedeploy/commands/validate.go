package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/homedeploy/homedeploy/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var (
		env  string
		vars map[string]string
	)

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a deployment file against the schema and policies",
		Long: `Validate a YAML, JSON, CUE or Starlark deployment file.

This command checks:
  - Syntax and closed schema conformance (unknown keys are rejected)
  - Field rules (names, service units, absolute target path)
  - Policy compliance (built-in and operator rego policies)`,
		Example: `  homedeploy validate tool.yaml
  homedeploy validate tool.star --env prod`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			dep, err := parseDeployment(ctx, rt, args[0], env, vars)
			if err != nil {
				return err
			}
			req, err := rt.stack.ApplyRequest(dep, env)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s is a valid deployment of %s\n", markOK("✓"), args[0], bold(dep.Name))
			return preflight(ctx, out, rt, req)
		},
	}

	cmd.Flags().StringVarP(&env, "env", "e", config.EnvDev, "environment to check policies against")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "input for Starlark and CUE files (key=value)")

	return cmd
}
