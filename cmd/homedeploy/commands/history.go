package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/homedeploy/homedeploy/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var filter stores.RunFilter
	var status string

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded deployments",
		Long: `Without arguments, list recent runs, newest first. With a run ID, show
the run and each of its stages.`,
		Example: `  homedeploy history
  homedeploy history --app webapp --env prod --limit 10
  homedeploy history 6f1c2d1e-3b0a-4c55-9a57-0e3f1f3e2a10`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.stack.History == nil {
				return fmt.Errorf("deployment history is disabled")
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := rt.stack.History.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				events, err := rt.stack.History.ListStageEvents(ctx, run.ID)
				if err != nil {
					return err
				}
				printRun(out, run, events)
				return nil
			}

			filter.Status = stores.RunStatus(status)
			runs, err := rt.stack.History.ListRuns(ctx, filter)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No deployments recorded")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAPP\tENV\tSTATUS\tSTARTED\tDURATION\tERROR")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					run.ID, run.App, run.Env, statusLabel(run.Status),
					run.StartedAt.Local().Format(time.DateTime),
					run.Duration().Round(time.Millisecond), run.ErrorClass)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&filter.App, "app", "", "only show this application")
	cmd.Flags().StringVarP(&filter.Env, "env", "e", "", "only show this environment")
	cmd.Flags().StringVar(&status, "status", "", "only show runs with this status: running, succeeded, failed")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 20, "maximum number of runs")

	return cmd
}

func printRun(out io.Writer, run *stores.Run, events []*stores.StageEvent) {
	fmt.Fprintf(out, "Run %s: %s to %s %s\n", run.ID, bold(run.App), bold(run.Env), statusLabel(run.Status))
	fmt.Fprintf(out, "  source   %s\n  target   %s\n  started  %s\n",
		run.Source, run.TargetDir, run.StartedAt.Local().Format(time.DateTime))
	if run.Snapshot != "" {
		fmt.Fprintf(out, "  snapshot %s\n", run.Snapshot)
	}
	if run.PID != 0 {
		fmt.Fprintf(out, "  pid      %d\n", run.PID)
	}
	if run.Error != "" {
		fmt.Fprintf(out, "  error    %s\n", run.Error)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nSTAGE\tSTATUS\tDURATION\tMESSAGE")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ev.Stage, ev.Status, ev.Duration.Round(time.Millisecond), ev.Message)
	}
	_ = w.Flush()
}

func statusLabel(status stores.RunStatus) string {
	switch status {
	case stores.RunStatusSucceeded:
		return markOK(string(status))
	case stores.RunStatusFailed:
		return markFail(string(status))
	default:
		return markSkip(string(status))
	}
}
