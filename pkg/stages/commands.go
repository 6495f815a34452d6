package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ShellCommands runs operator-supplied hook commands through the shell.
type ShellCommands struct {
	runner Runner
	logger zerolog.Logger
}

// NewShellCommands creates the hook command stage.
func NewShellCommands(runner Runner, logger zerolog.Logger) *ShellCommands {
	return &ShellCommands{
		runner: runner,
		logger: logger.With().Str("component", "commands").Logger(),
	}
}

// RunCommands runs each command in workDir in order and stops at the first
// one that fails.
func (c *ShellCommands) RunCommands(ctx context.Context, commands []string, workDir string) error {
	for i, command := range commands {
		c.logger.Info().Int("index", i).Str("dir", workDir).Msgf("Running: %s", command)

		res, err := runChecked(ctx, c.runner, ExecRequest{
			Command: command,
			Shell:   true,
			WorkDir: workDir,
		}, fmt.Sprintf("command %q failed", command))
		if res != nil {
			for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
				if line != "" {
					c.logger.Info().Str("command", command).Msg(line)
				}
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}
