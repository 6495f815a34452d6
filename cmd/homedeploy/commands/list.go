package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments on disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			deployments, err := rt.stack.ListDeployments()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(deployments) == 0 {
				fmt.Fprintln(out, "No deployments found")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "APP\tENV\tMODE\tPATH")
			for _, d := range deployments {
				mode := "copy"
				if d.Linked {
					mode = "link"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.App, d.Env, mode, d.Path)
			}
			return w.Flush()
		},
	}
	return cmd
}
