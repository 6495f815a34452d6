package commands

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homedeploy/homedeploy/pkg/engine"
)

func init() {
	color.NoColor = true
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigCreateShowList(t *testing.T) {
	root := t.TempDir()

	out, err := run(t, "--root", root, "--no-history", "config", "create", "webapp")
	require.NoError(t, err)
	assert.Contains(t, out, "Created configuration for webapp")
	assert.Contains(t, out, "startup_script: start.sh")
	assert.FileExists(t, filepath.Join(root, "configs", "webapp.json"))

	_, err = run(t, "--root", root, "--no-history", "config", "create", "webapp")
	assert.ErrorContains(t, err, "--force")

	out, err = run(t, "--root", root, "--no-history", "config", "show", "webapp")
	require.NoError(t, err)
	dev := bytes.Index([]byte(out), []byte("dev:"))
	prod := bytes.Index([]byte(out), []byte("prod:"))
	require.True(t, dev >= 0 && prod > dev, out)
	assert.Contains(t, out, "port: 80\n")

	out, err = run(t, "--root", root, "--no-history", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No deployments found")

	require.NoError(t, os.MkdirAll(filepath.Join(root, "deployments", "webapp", "dev"), 0755))
	out, err = run(t, "--root", root, "--no-history", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "webapp  dev  copy")
}

func TestConfigGlobal(t *testing.T) {
	root := t.TempDir()

	out, err := run(t, "--root", root, "--no-history", "config", "global", "--ssh-user", "deploy")
	require.NoError(t, err)
	assert.Contains(t, out, "ssh_username: deploy")

	out, err = run(t, "--root", root, "--no-history", "config", "global")
	require.NoError(t, err)
	assert.Contains(t, out, "ssh_username: deploy")
	assert.Contains(t, out, "- stage")
}

func writeDeployment(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestValidateAndDryRun(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(t.TempDir(), "tool")
	file := writeDeployment(t, `
name: tool
source_path: `+t.TempDir()+`
target_path: `+target+`
pre_deploy_commands: ["make build"]
restart_service: tool.service
`)

	out, err := run(t, "--root", root, "--no-history", "validate", file)
	require.NoError(t, err)
	assert.Contains(t, out, "is a valid deployment of tool")
	assert.Contains(t, out, "policies passed")

	out, err = run(t, "--root", root, "--no-history", "apply", file, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Plan for tool in dev")
	assert.Contains(t, out, "make build")
	assert.Contains(t, out, "tool.service")
	assert.NoDirExists(t, target)
}

func TestValidateRejects(t *testing.T) {
	root := t.TempDir()

	unknown := writeDeployment(t, "name: tool\nsource_path: /src\ntarget_path: /srv/tool\nbogus: 1\n")
	_, err := run(t, "--root", root, "--no-history", "validate", unknown)
	assert.Error(t, err)

	linked := writeDeployment(t, "name: tool\nsource_path: /src\ntarget_path: /srv/tool\nuse_symlinks: true\n")
	out, err := run(t, "--root", root, "--no-history", "validate", linked, "--env", "prod")
	assert.Equal(t, engine.ClassPolicyViolation, engine.ClassOf(err))
	assert.Contains(t, out, "prod-symlink")

	_, err = run(t, "--root", root, "--no-history", "--no-policies", "validate", linked, "--env", "prod")
	assert.NoError(t, err)
}

func TestPolicyListShowAndDisable(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "policies"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "policies", "no-stage.rego"), []byte(
		"package ops.nostage\n\nimport rego.v1\n\ndeny contains \"stage is frozen\" if input.env == \"stage\"\n"), 0644))

	out, err := run(t, "--root", root, "--no-history", "--disable-policy", "prod-symlink", "policy", "list")
	require.NoError(t, err)
	assert.Regexp(t, `no-stage\s+error\s+true\s+\S+no-stage\.rego`, out)
	assert.Regexp(t, `prod-symlink\s+error\s+false\s+built-in`, out)

	out, err = run(t, "--root", root, "--no-history", "--disable-policy", "prod-symlink", "policy", "show", "prod-symlink")
	require.NoError(t, err)
	assert.Contains(t, out, "prod-symlink (error, disabled)")
	assert.Contains(t, out, "package ")

	_, err = run(t, "--root", root, "--no-history", "policy", "show", "ghost")
	assert.ErrorContains(t, err, "ghost")

	_, err = run(t, "--root", root, "--no-history", "--no-policies", "policy", "list")
	assert.ErrorContains(t, err, "disabled")

	linked := writeDeployment(t, "name: tool\nsource_path: /src\ntarget_path: /srv/tool\nuse_symlinks: true\n")
	_, err = run(t, "--root", root, "--no-history", "--disable-policy", "prod-symlink", "validate", linked, "--env", "prod")
	assert.NoError(t, err)

	_, err = run(t, "--root", root, "--no-history", "--disable-policy", "ghost", "policy", "list")
	assert.ErrorContains(t, err, "ghost")
}

func TestLogFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(t.TempDir(), "homedeploy.log")

	_, err := run(t, "--root", root, "--no-history", "--log-file", path, "--log-level", "debug", "--log-format", "json", "list")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"level":"debug"`)

	_, err = run(t, "--root", root, "--no-history", "--log-file", filepath.Join(root, "missing", "x.log"), "list")
	assert.ErrorContains(t, err, "log output")
}

func TestDeployMissingConfigFails(t *testing.T) {
	out, err := run(t, "--root", t.TempDir(), "--no-history", "deploy", "ghost", t.TempDir())
	require.Error(t, err)
	assert.True(t, engine.IsConfigNotFound(err))
	assert.Contains(t, out, "✗ deployment of ghost to dev failed")
}

func TestHistoryDisabled(t *testing.T) {
	_, err := run(t, "--root", t.TempDir(), "--no-history", "history")
	assert.ErrorContains(t, err, "disabled")
}

func TestHistoryEmpty(t *testing.T) {
	out, err := run(t, "--root", t.TempDir(), "history")
	require.NoError(t, err)
	assert.Contains(t, out, "No deployments recorded")
}

func TestHistoryShowsRunStages(t *testing.T) {
	root := t.TempDir()
	file := writeDeployment(t, `
name: tool
source_path: `+t.TempDir()+`
target_path: `+filepath.Join(t.TempDir(), "tool")+`
pre_deploy_commands: ["exit 3"]
`)

	_, err := run(t, "--root", root, "apply", file)
	require.True(t, engine.IsToolFailure(err), "%v", err)

	out, err := run(t, "--root", root, "history")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2, out)
	id := strings.Fields(lines[1])[0]

	out, err = run(t, "--root", root, "history", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Run "+id+": tool to dev")
	assert.Contains(t, out, "STAGE")
	assert.Regexp(t, `pre_commands\s+failed`, out)

	_, err = run(t, "--root", root, "history", "no-such-run")
	assert.Error(t, err)
}

func TestLoadSettingsPrecedence(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, settingsFile), []byte(
		"interpreter: python3.12\nservice-manager: /usr/local/bin/svc\nlog-level: debug\n"), 0644))
	t.Setenv("HOMEDEPLOY_SERVICE_MANAGER", "rc-service")

	var got *Settings
	cmd := newRootCommand("test", "none", "today")
	cmd.AddCommand(&cobra.Command{
		Use: "probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			got = s
			return err
		},
	})
	cmd.SetArgs([]string{"--root", root, "--log-level", "warn", "probe"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, root, got.Root)
	assert.Equal(t, "python3.12", got.Interpreter)
	assert.Equal(t, "rc-service", got.ServiceManager)
	assert.Equal(t, "warn", got.LogLevel)
	assert.Equal(t, "console", got.LogFormat)
}

func TestConsoleReporter(t *testing.T) {
	var out bytes.Buffer
	r := newConsoleReporter(&out)

	r.RunStarted(&engine.Request{App: "webapp", Env: "dev", TargetDir: "/d"})
	r.StageFinished(engine.StageReport{Stage: engine.StageSync, Status: engine.StageStatusSucceeded, Message: "copied", Duration: 1500 * time.Microsecond})
	r.StageFinished(engine.StageReport{Stage: engine.StageProvision, Status: engine.StageStatusSkipped, Message: "isolated runtime not requested"})

	failed := &engine.Result{
		App: "webapp", Env: "dev", State: engine.StateFailed,
		FailedStage: engine.StagePostCommands,
		Err:         engine.NewToolError("command failed", 2, "boom\nbang\n").WithStage(engine.StagePostCommands),
	}
	r.RunFinished(failed)
	err := r.finish(failed)
	assert.True(t, engine.IsToolFailure(err))
	assert.True(t, errors.Is(err, failed.Err))

	text := out.String()
	assert.Contains(t, text, "Deploying webapp to dev (/d)")
	assert.Contains(t, text, "✓ sync")
	assert.Contains(t, text, "2ms")
	assert.Contains(t, text, "- provision")
	assert.Contains(t, text, "  boom\n  bang\n")
	assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte("✗ deployment of webapp")))
}
