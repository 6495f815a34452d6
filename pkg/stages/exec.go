package stages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/homedeploy/homedeploy/pkg/engine"
)

// ExecRequest describes one subprocess invocation.
type ExecRequest struct {
	// Command is the program, or a shell line when Shell is set.
	Command string

	// Args are passed to Command. Ignored when Shell is set.
	Args []string

	// Shell runs Command through /bin/sh -c.
	Shell bool

	// UseSudo prefixes the invocation with non-interactive sudo.
	UseSudo bool

	// WorkDir is the working directory. Empty means the current one.
	WorkDir string

	// Env is appended to the inherited environment.
	Env []string
}

// String renders the request for logs and error messages.
func (r ExecRequest) String() string {
	s := r.Command
	if !r.Shell && len(r.Args) > 0 {
		s += " " + strings.Join(r.Args, " ")
	}
	if r.UseSudo {
		s = "sudo " + s
	}
	return s
}

// ExecResult is the outcome of a subprocess that ran to completion.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes subprocesses. A non-zero exit is reported through
// ExecResult.ExitCode, not as an error; errors mean the process could not
// be run at all.
type Runner interface {
	Run(ctx context.Context, req ExecRequest) (*ExecResult, error)
}

// ExecRunner runs subprocesses with os/exec.
type ExecRunner struct {
	// ShellPath defaults to /bin/sh.
	ShellPath string
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	shell := r.ShellPath
	if shell == "" {
		shell = "/bin/sh"
	}

	var argv []string
	if req.Shell {
		argv = []string{shell, "-c", req.Command}
	} else {
		argv = append([]string{req.Command}, req.Args...)
	}
	if req.UseSudo {
		argv = append([]string{"sudo", "-n"}, argv...)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.WorkDir
	if len(req.Env) > 0 {
		cmd.Env = append(cmd.Environ(), req.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Duration: time.Since(start),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("failed to execute %s: %w", argv[0], err)
	}
	return result, nil
}

// runChecked runs req and converts a non-zero exit into an
// external_tool_failure carrying stderr.
func runChecked(ctx context.Context, runner Runner, req ExecRequest, what string) (*ExecResult, error) {
	res, err := runner.Run(ctx, req)
	if err != nil {
		return nil, &engine.DeployError{
			Class:   engine.ClassExternalToolFailure,
			Message: what,
			Err:     err,
		}
	}
	if res.ExitCode != 0 {
		return res, engine.NewToolError(what, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}
