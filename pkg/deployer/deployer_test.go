package deployer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homedeploy/homedeploy/pkg/config"
	"github.com/homedeploy/homedeploy/pkg/engine"
	"github.com/homedeploy/homedeploy/pkg/stages"
	"github.com/homedeploy/homedeploy/pkg/stores"
)

// recordingRunner answers every subprocess with success. Creating a
// virtualenv leaves an interpreter without pip behind, like a venv built
// by a distribution python without ensurepip.
type recordingRunner struct {
	mu       sync.Mutex
	commands []string
}

func (r *recordingRunner) Run(_ context.Context, req stages.ExecRequest) (*stages.ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, req.String())
	if len(req.Args) == 3 && req.Args[0] == "-m" && req.Args[1] == "venv" {
		bin := filepath.Join(req.WorkDir, req.Args[2], "bin")
		if err := os.MkdirAll(bin, 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(bin, "python"), nil, 0755); err != nil {
			return nil, err
		}
	}
	return &stages.ExecResult{}, nil
}

func (r *recordingRunner) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

type fixture struct {
	stack  *Stack
	runner *recordingRunner
	source string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	runner := &recordingRunner{}
	stack, err := Open(context.Background(), StackConfig{
		Root:   filepath.Join(t.TempDir(), "root"),
		Runner: runner,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stack.Close() })

	source := filepath.Join(t.TempDir(), "webapp")
	require.NoError(t, os.MkdirAll(filepath.Join(source, "static"), 0755))
	// Not executable: launch has to set the bits on the deployed copy.
	require.NoError(t, os.WriteFile(filepath.Join(source, "start.sh"), []byte("#!/bin/sh\necho started > started.txt\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(source, "requirements.txt"), []byte("flask\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(source, "app.py"), []byte("print('hi')\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(source, "static", "site.css"), []byte("body{}\n"), 0644))

	return &fixture{stack: stack, runner: runner, source: source}
}

func (f *fixture) updateRecord(t *testing.T, app, env string, mutate func(*config.DeploymentRecord)) {
	t.Helper()
	cfg, err := f.stack.Store().LoadApp(app)
	require.NoError(t, err)
	mutate(cfg[env])
	require.NoError(t, f.stack.Store().SaveApp(app, cfg))
}

func TestDeployWebappDev(t *testing.T) {
	f := newFixture(t)
	_, err := f.stack.CreateConfig("webapp", false)
	require.NoError(t, err)

	res := f.stack.Deploy(context.Background(), "webapp", f.source, "")
	require.True(t, res.Succeeded(), res.Message())
	assert.Equal(t, "dev", res.Env)
	assert.Equal(t, "successfully deployed webapp to dev", res.Message())

	target := f.stack.Layout().DeploymentDir("webapp", "dev")
	assert.Equal(t, target, res.TargetDir)
	assert.FileExists(t, filepath.Join(target, "app.py"))
	assert.FileExists(t, filepath.Join(target, "static", "site.css"))
	require.NotNil(t, res.Process)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(target, "started.txt"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	python := filepath.Join(target, "venv", "bin", "python")
	assert.Equal(t, []string{
		"python3 -m venv venv",
		python + " -m ensurepip --upgrade",
		python + " -m pip install --upgrade pip",
		filepath.Join(target, "venv", "bin", "pip") + " install -r requirements.txt",
	}, f.runner.Commands())

	info, err := os.Stat(filepath.Join(target, "start.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0111), info.Mode().Perm()&0111)
	info, err = os.Stat(filepath.Join(f.source, "start.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	run, err := f.stack.History.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, stores.RunStatusSucceeded, run.Status)
	assert.Equal(t, res.Process.PID, run.PID)

	events, err := f.stack.History.ListStageEvents(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, events, len(engine.Stages))
	for i, stage := range engine.Stages {
		assert.Equal(t, string(stage), events[i].Stage)
	}
}

func TestDeployMissingConfig(t *testing.T) {
	f := newFixture(t)

	res := f.stack.Deploy(context.Background(), "ghost", f.source, "dev")
	assert.False(t, res.Succeeded())
	assert.True(t, engine.IsConfigNotFound(res.Err))
	assert.True(t, errors.Is(res.Err, config.ErrRecordNotFound))
	assert.Empty(t, res.Stages)
	assert.NoDirExists(t, f.stack.Layout().DeploymentDir("ghost", "dev"))

	_, err := f.stack.CreateConfig("ghost", false)
	require.NoError(t, err)
	res = f.stack.Deploy(context.Background(), "ghost", f.source, "qa")
	assert.True(t, engine.IsConfigNotFound(res.Err))
}

func TestDeployInvalidNames(t *testing.T) {
	f := newFixture(t)
	for _, app := range []string{"../etc", "a/b", ""} {
		res := f.stack.Deploy(context.Background(), app, f.source, "dev")
		assert.Equal(t, engine.ClassInvalidConfig, engine.ClassOf(res.Err), app)
	}
}

func TestDeployMissingEntryPoint(t *testing.T) {
	f := newFixture(t)
	_, err := f.stack.CreateConfig("webapp", false)
	require.NoError(t, err)
	f.updateRecord(t, "webapp", "dev", func(r *config.DeploymentRecord) {
		r.StartupEntryPoint = "run.sh"
		r.PostDeployCommands = []string{"echo after"}
	})

	res := f.stack.Deploy(context.Background(), "webapp", f.source, "dev")
	require.False(t, res.Succeeded())
	assert.Equal(t, engine.StageLaunch, res.FailedStage)
	assert.True(t, engine.IsMissingEntryPoint(res.Err))
	assert.NotContains(t, f.runner.Commands(), "echo after")

	// Files stay in place; there is no rollback.
	assert.FileExists(t, filepath.Join(f.stack.Layout().DeploymentDir("webapp", "dev"), "app.py"))

	run, err := f.stack.History.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "missing_entry_point", run.ErrorClass)
}

func TestDeployPolicyViolation(t *testing.T) {
	f := newFixture(t)
	_, err := f.stack.CreateConfig("webapp", false)
	require.NoError(t, err)
	f.updateRecord(t, "webapp", "prod", func(r *config.DeploymentRecord) { r.UseSymlink = true })

	res := f.stack.Deploy(context.Background(), "webapp", f.source, "prod")
	assert.Equal(t, engine.ClassPolicyViolation, engine.ClassOf(res.Err))
	assert.Empty(t, res.Stages)
	assert.NoDirExists(t, f.stack.Layout().DeploymentDir("webapp", "prod"))
}

func TestOperatorPolicyFromRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	layout, err := NewLayout(root)
	require.NoError(t, err)
	require.NoError(t, layout.Ensure())
	require.NoError(t, os.WriteFile(filepath.Join(layout.PoliciesDir(), "no-stage.rego"), []byte(`package ops.nostage

import rego.v1

deny contains "stage is frozen" if input.env == "stage"
`), 0644))

	stack, err := Open(context.Background(), StackConfig{Root: root, Runner: &recordingRunner{}, Logger: zerolog.Nop(), DisableHistory: true})
	require.NoError(t, err)
	defer stack.Close()
	assert.Nil(t, stack.History)

	_, err = stack.CreateConfig("webapp", false)
	require.NoError(t, err)
	res := stack.Deploy(context.Background(), "webapp", t.TempDir(), "stage")
	assert.Equal(t, engine.ClassPolicyViolation, engine.ClassOf(res.Err))
	assert.Contains(t, res.Err.Error(), "stage is frozen")

	relaxed, err := Open(context.Background(), StackConfig{
		Root: root, Runner: &recordingRunner{}, Logger: zerolog.Nop(), DisableHistory: true,
		DisabledPolicies: []string{"no-stage"},
	})
	require.NoError(t, err)
	defer relaxed.Close()
	res = relaxed.Deploy(context.Background(), "webapp", t.TempDir(), "stage")
	assert.NotEqual(t, engine.ClassPolicyViolation, engine.ClassOf(res.Err))

	_, err = Open(context.Background(), StackConfig{
		Root: root, Runner: &recordingRunner{}, Logger: zerolog.Nop(), DisableHistory: true,
		DisabledPolicies: []string{"no-such-policy"},
	})
	assert.ErrorContains(t, err, "no-such-policy")
}

func TestApply(t *testing.T) {
	f := newFixture(t)
	target := filepath.Join(t.TempDir(), "srv", "tool")
	dep := &config.LocalDeployment{
		Name:              "tool",
		SourcePath:        f.source,
		TargetPath:        target,
		PreDeployCommands: []string{"make build"},
		StartupScript:     "start.sh",
	}

	res := f.stack.Apply(context.Background(), dep, "")
	require.True(t, res.Succeeded(), res.Message())
	assert.Equal(t, target, res.TargetDir)
	assert.FileExists(t, filepath.Join(target, "app.py"))
	assert.Equal(t, []string{"make build"}, f.runner.Commands())

	bad := *dep
	bad.TargetPath = "relative/path"
	res = f.stack.Apply(context.Background(), &bad, "")
	assert.Equal(t, engine.ClassInvalidConfig, engine.ClassOf(res.Err))
}

func TestCreateConfig(t *testing.T) {
	f := newFixture(t)

	cfg, err := f.stack.CreateConfig("webapp", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev", "stage", "prod"}, cfg.Environments())

	_, err = f.stack.CreateConfig("webapp", false)
	assert.True(t, errors.Is(err, ErrConfigExists))

	_, err = f.stack.CreateConfig("webapp", true)
	assert.NoError(t, err)

	_, err = f.stack.CreateConfig("../x", true)
	assert.Error(t, err)
}

func TestListDeployments(t *testing.T) {
	f := newFixture(t)
	layout := f.stack.Layout()
	for _, p := range []string{"webapp/prod", "webapp/dev", "api/dev"} {
		require.NoError(t, os.MkdirAll(filepath.Join(layout.DeploymentsDir(), p), 0755))
	}
	require.NoError(t, os.Symlink(f.source, filepath.Join(layout.DeploymentsDir(), "api", "stage")))
	require.NoError(t, os.WriteFile(filepath.Join(layout.DeploymentsDir(), "README"), nil, 0644))

	deps, err := f.stack.ListDeployments()
	require.NoError(t, err)

	var pairs []string
	for _, d := range deps {
		pairs = append(pairs, d.App+"/"+d.Env)
	}
	assert.Equal(t, []string{"api/dev", "api/stage", "webapp/dev", "webapp/prod"}, pairs)
	assert.True(t, deps[1].Linked)
	assert.False(t, deps[0].Linked)
}

func TestWatchRedeploysOnChange(t *testing.T) {
	f := newFixture(t)
	_, err := f.stack.CreateConfig("webapp", false)
	require.NoError(t, err)
	f.updateRecord(t, "webapp", "dev", func(r *config.DeploymentRecord) {
		r.NeedsIsolatedRuntime = false
		r.StartupEntryPoint = ""
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan *engine.Result, 8)
	done := make(chan error, 1)
	go func() {
		done <- f.stack.Watch(ctx, "webapp", f.source, "dev", WatchOptions{
			Debounce: 50 * time.Millisecond,
			OnResult: func(r *engine.Result) { results <- r },
		})
	}()

	first := <-results
	require.True(t, first.Succeeded(), first.Message())

	require.NoError(t, os.WriteFile(filepath.Join(f.source, "app.py"), []byte("print('v2')\n"), 0644))

	select {
	case second := <-results:
		require.True(t, second.Succeeded(), second.Message())
	case <-time.After(10 * time.Second):
		t.Fatal("no redeploy after change")
	}
	data, err := os.ReadFile(filepath.Join(f.stack.Layout().DeploymentDir("webapp", "dev"), "app.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('v2')\n", string(data))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchRejectsRemoteSource(t *testing.T) {
	f := newFixture(t)
	err := f.stack.Watch(context.Background(), "webapp", "sftp://nas/srv/webapp", "dev", WatchOptions{})
	assert.Equal(t, engine.ClassInvalidConfig, engine.ClassOf(err))
}

func TestNewLayout(t *testing.T) {
	layout, err := NewLayout("/srv/homedeploy")
	require.NoError(t, err)
	assert.Equal(t, "/srv/homedeploy/configs", layout.ConfigDir())
	assert.Equal(t, "/srv/homedeploy/deployments/webapp/prod", layout.DeploymentDir("webapp", "prod"))
	assert.Equal(t, "/srv/homedeploy/state/history.db", layout.HistoryPath())
	assert.Equal(t, "/srv/homedeploy/policies", layout.PoliciesDir())

	layout, err = NewLayout("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRootName, filepath.Base(layout.Root))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
