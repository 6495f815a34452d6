package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/homedeploy/homedeploy/pkg/config"
	"github.com/homedeploy/homedeploy/pkg/engine"
	"github.com/homedeploy/homedeploy/pkg/policy"
)

func newApplyCommand() *cobra.Command {
	var (
		env    string
		dryRun bool
		vars   map[string]string
	)

	cmd := &cobra.Command{
		Use:   "apply <file>",
		Short: "Deploy from a YAML, JSON, CUE or Starlark deployment file",
		Long: `Deploy the application described by a deployment file. Unlike
"deploy", the file names its own source and target paths.

Starlark files (.star) see the environment as "env" and every --var as a
predeclared name, and must define a top-level "deployment" dict or struct.
CUE files (.cue) must define a top-level "deployment" struct; "env" and
every --var are filled into the top-level fields the file declares.`,
		Example: `  # Apply a YAML deployment
  homedeploy apply tool.yaml

  # Show what would run without touching anything
  homedeploy apply tool.star --env prod --dry-run

  # Pass inputs to a Starlark file
  homedeploy apply tool.star --var version=1.4.2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, !dryRun)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			dep, err := parseDeployment(ctx, rt, args[0], env, vars)
			if err != nil {
				return err
			}

			if !dryRun {
				return rt.reporter.finish(rt.stack.Apply(ctx, dep, env))
			}

			req, err := rt.stack.ApplyRequest(dep, env)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printPlan(out, req)
			return preflight(ctx, out, rt, req)
		},
	}

	cmd.Flags().StringVarP(&env, "env", "e", config.EnvDev, "environment label for policies and history")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the stages and policy results without deploying")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "input for Starlark and CUE files (key=value)")

	return cmd
}

func parseDeployment(ctx context.Context, rt *runtime, path, env string, vars map[string]string) (*config.LocalDeployment, error) {
	inputs := map[string]any{"env": env}
	for k, v := range vars {
		inputs[k] = v
	}
	return config.ParseFile(ctx, rt.stack.Store().Schemas(), path, inputs)
}

// printPlan lists what each stage would do for req.
func printPlan(out io.Writer, req *engine.Request) {
	rec := req.Record
	fmt.Fprintf(out, "Plan for %s in %s %s\n", bold(req.App), bold(req.Env), faint("("+req.Source+" -> "+req.TargetDir+")"))

	step := func(stage engine.Stage, run bool, detail string) {
		if run {
			fmt.Fprintf(out, "  %s %-16s %s\n", markOK("+"), stage, detail)
		} else {
			fmt.Fprintf(out, "  %s %-16s %s\n", markSkip("-"), stage, faint("skipped"))
		}
	}

	step(engine.StagePreCommands, len(rec.PreDeployCommands) > 0, strings.Join(rec.PreDeployCommands, "; "))
	step(engine.StageBackup, rec.BackupPath != "", "snapshot into "+rec.BackupPath)
	mode := "copy"
	if rec.UseSymlink {
		mode = "link"
	}
	step(engine.StageSync, true, mode)
	step(engine.StageProvision, rec.NeedsIsolatedRuntime, "virtualenv in "+engine.PreservedEntries[0])
	step(engine.StageLaunch, rec.StartupEntryPoint != "", rec.StartupEntryPoint)
	step(engine.StagePostCommands, len(rec.PostDeployCommands) > 0, strings.Join(rec.PostDeployCommands, "; "))
	step(engine.StageRestartService, rec.RestartService != "", rec.RestartService)
}

// preflight runs and prints the policy checks for req.
func preflight(ctx context.Context, out io.Writer, rt *runtime, req *engine.Request) error {
	if rt.stack.Policies == nil {
		fmt.Fprintln(out, faint("Policy checks disabled"))
		return nil
	}
	res, err := rt.stack.Preflight(ctx, req)
	if res != nil {
		printPolicyResult(out, res)
	}
	return err
}

func printPolicyResult(out io.Writer, res *policy.Result) {
	for _, v := range res.Violations {
		fmt.Fprintf(out, "%s %s: %s\n", markFail("✗"), v.Policy, v.Message)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "%s %s: %s\n", markSkip("!"), w.Policy, w.Message)
	}
	if res.Allowed {
		fmt.Fprintf(out, "%s %d policies passed\n", markOK("✓"), len(res.EvaluatedPolicies))
	}
}
