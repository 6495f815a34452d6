package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect pre-flight policies",
		Long: `Built-in policies and the operator policies found under <root>/policies
guard every deployment. Use --disable-policy to skip one of them.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyShowCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.stack.Policies == nil {
				return fmt.Errorf("policies are disabled")
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
			for _, p := range rt.stack.Policies.ListPolicies() {
				source := p.Source
				if source == "" {
					source = "built-in"
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, p.Description)
			}
			return w.Flush()
		},
	}
}

func newPolicyShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "show <name>",
		Short:   "Print a policy and its Rego source",
		Example: `  homedeploy policy show prod-symlink`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.stack.Policies == nil {
				return fmt.Errorf("policies are disabled")
			}
			p, err := rt.stack.Policies.GetPolicy(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s", bold(p.Name), p.Severity)
			if !p.Enabled {
				fmt.Fprint(out, ", disabled")
			}
			fmt.Fprintln(out, ")")
			if p.Description != "" {
				fmt.Fprintf(out, "  %s\n", p.Description)
			}
			if p.Source != "" {
				fmt.Fprintf(out, "  source %s\n", p.Source)
			}
			fmt.Fprintf(out, "\n%s\n", p.Rego)
			return nil
		},
	}
}
