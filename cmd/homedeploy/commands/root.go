package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "homedeploy",
		Short: "homedeploy - local deployment orchestrator",
		Long: `homedeploy copies or links an application into a per-environment
deployment directory and brings it up: pre-deploy commands, backup,
synchronization, virtualenv provisioning, launch, post-deploy commands
and service restart.

Everything lives under one root directory (default ~/.homedeploy):
  configs/       per-application records and global.json
  deployments/   <app>/<env> deployment directories
  policies/      operator rego policies (see "homedeploy policy list")
  state/         deployment history`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	addSettingsFlags(rootCmd)

	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}
