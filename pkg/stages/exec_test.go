package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homedeploy/homedeploy/pkg/engine"
)

// fakeRunner records requests and answers through a handler.
type fakeRunner struct {
	mu       sync.Mutex
	requests []ExecRequest
	handle   func(req ExecRequest) (*ExecResult, error)
}

func (f *fakeRunner) Run(_ context.Context, req ExecRequest) (*ExecResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.handle != nil {
		return f.handle(req)
	}
	return &ExecResult{}, nil
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.String()
	}
	return out
}

func TestExecRunner(t *testing.T) {
	runner := &ExecRunner{}
	dir := t.TempDir()

	res, err := runner.Run(context.Background(), ExecRequest{Command: "pwd; echo oops >&2", Shell: true, WorkDir: dir})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, []string{dir, resolved}, strings.TrimSpace(res.Stdout))
	assert.Equal(t, "oops\n", res.Stderr)

	res, err = runner.Run(context.Background(), ExecRequest{Command: "exit 3", Shell: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)

	res, err = runner.Run(context.Background(), ExecRequest{Command: "sh", Args: []string{"-c", "echo $GREETING"}, Env: []string{"GREETING=hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Stdout)

	_, err = runner.Run(context.Background(), ExecRequest{Command: filepath.Join(dir, "does-not-exist")})
	assert.Error(t, err)

	_, err = runner.Run(context.Background(), ExecRequest{})
	assert.Error(t, err)
}

func TestExecRequestString(t *testing.T) {
	assert.Equal(t, "sudo systemctl restart webapp",
		ExecRequest{Command: "systemctl", Args: []string{"restart", "webapp"}, UseSudo: true}.String())
	assert.Equal(t, "make build", ExecRequest{Command: "make build", Shell: true}.String())
}

func TestShellCommandsRunsInOrder(t *testing.T) {
	dir := t.TempDir()
	cmds := NewShellCommands(&ExecRunner{}, zerolog.Nop())

	err := cmds.RunCommands(context.Background(), []string{
		"echo one >> log.txt",
		"echo two >> log.txt",
	}, dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))
}

func TestShellCommandsStopsAtFirstFailure(t *testing.T) {
	runner := &fakeRunner{handle: func(req ExecRequest) (*ExecResult, error) {
		if req.Command == "false" {
			return &ExecResult{ExitCode: 1, Stderr: "boom\n"}, nil
		}
		return &ExecResult{Stdout: "ok\n"}, nil
	}}
	cmds := NewShellCommands(runner, zerolog.Nop())

	err := cmds.RunCommands(context.Background(), []string{"true", "false", "echo never"}, "/tmp")
	require.Error(t, err)
	assert.True(t, engine.IsToolFailure(err))

	var derr *engine.DeployError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "boom", derr.Stderr)
	assert.Equal(t, 1, derr.ExitCode)
	assert.Equal(t, []string{"true", "false"}, runner.commands())
	for _, req := range runner.requests {
		assert.True(t, req.Shell)
		assert.Equal(t, "/tmp", req.WorkDir)
	}
}

func TestShellCommandsRunnerError(t *testing.T) {
	runner := &fakeRunner{handle: func(ExecRequest) (*ExecResult, error) {
		return nil, fmt.Errorf("fork/exec: resource temporarily unavailable")
	}}
	err := NewShellCommands(runner, zerolog.Nop()).RunCommands(context.Background(), []string{"make"}, "")
	assert.True(t, engine.IsToolFailure(err))
}
