package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/homedeploy/homedeploy/pkg/config"
	"github.com/homedeploy/homedeploy/pkg/deployer"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage application configurations",
	}

	cmd.AddCommand(newConfigCreateCommand())
	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigGlobalCommand())

	return cmd
}

func newConfigCreateCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "create <app>",
		Short: "Create the default dev/stage/prod configuration for an application",
		Example: `  homedeploy config create webapp
  homedeploy config create webapp --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			cfg, err := rt.stack.CreateConfig(args[0], force)
			if errors.Is(err, deployer.ErrConfigExists) {
				return fmt.Errorf("%w (use --force to overwrite)", err)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s Created configuration for %s\n", markOK("✓"), bold(args[0]))
			return printAppConfig(out, cfg)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing configuration")

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <app>",
		Short: "Show the configuration of an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			cfg, err := rt.stack.Store().LoadApp(args[0])
			if err != nil {
				return err
			}
			return printAppConfig(cmd.OutOrStdout(), cfg)
		},
	}
	return cmd
}

func newConfigGlobalCommand() *cobra.Command {
	var sshUser string

	cmd := &cobra.Command{
		Use:   "global",
		Short: "Show or update global settings",
		Example: `  homedeploy config global
  homedeploy config global --ssh-user deploy`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			store := rt.stack.Store()
			settings, err := store.GetGlobalSettings()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("ssh-user") {
				settings.Local.SSHUsername = sshUser
				if err := store.SaveGlobalSettings(settings); err != nil {
					return err
				}
			}

			data, err := yaml.Marshal(settings)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().StringVar(&sshUser, "ssh-user", "", "default user for sftp:// sources")

	return cmd
}

// printAppConfig prints cfg as YAML with environments in their standard order.
func printAppConfig(out io.Writer, cfg config.AppConfig) error {
	for _, env := range cfg.Environments() {
		data, err := yaml.Marshal(map[string]*config.DeploymentRecord{env: cfg[env]})
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", env, err)
		}
		if _, err := out.Write(data); err != nil {
			return err
		}
	}
	return nil
}
