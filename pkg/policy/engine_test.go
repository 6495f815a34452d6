package policy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homedeploy/homedeploy/pkg/config"
	"github.com/homedeploy/homedeploy/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	require.NoError(t, err)
	return e
}

func request(env string, rec *config.DeploymentRecord) *engine.Request {
	return &engine.Request{
		RunID:     "run-1",
		App:       "webapp",
		Env:       env,
		Source:    "/home/op/src/webapp",
		TargetDir: "/srv/homedeploy/deployments/webapp/" + env,
		Record:    rec,
	}
}

func TestBuiltinPoliciesLoaded(t *testing.T) {
	e := newTestEngine(t)

	var names []string
	for _, p := range e.ListPolicies() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{
		"backup-inside-target",
		"destructive-command",
		"privileged-port",
		"prod-backup",
		"prod-symlink",
	}, names)
}

func TestCheckAllowsDefaultRecords(t *testing.T) {
	e := newTestEngine(t)

	for _, env := range []string{config.EnvDev, config.EnvStage} {
		result, err := e.Check(context.Background(), request(env, config.DefaultRecord(env)))
		require.NoError(t, err, env)
		assert.True(t, result.Allowed)
		assert.Empty(t, result.Warnings, env)
		assert.Len(t, result.EvaluatedPolicies, 5)
	}
}

func TestCheckBlockingViolations(t *testing.T) {
	tests := []struct {
		name   string
		env    string
		record *config.DeploymentRecord
		policy string
	}{
		{
			name:   "symlink in prod",
			env:    config.EnvProd,
			record: &config.DeploymentRecord{UseSymlink: true, BackupPath: "/srv/backups", ListenPort: 80},
			policy: "prod-symlink",
		},
		{
			name:   "backup inside target",
			env:    config.EnvDev,
			record: &config.DeploymentRecord{BackupPath: "/srv/homedeploy/deployments/webapp/dev/backups"},
			policy: "backup-inside-target",
		},
		{
			name:   "backup equals target",
			env:    config.EnvDev,
			record: &config.DeploymentRecord{BackupPath: "/srv/homedeploy/deployments/webapp/dev"},
			policy: "backup-inside-target",
		},
		{
			name:   "rm -rf / in pre commands",
			env:    config.EnvDev,
			record: &config.DeploymentRecord{PreDeployCommands: []string{"make build", "sudo rm -rf /"}},
			policy: "destructive-command",
		},
		{
			name:   "rm -rf /* in post commands",
			env:    config.EnvDev,
			record: &config.DeploymentRecord{PostDeployCommands: []string{"cd /tmp && rm -rf /*"}},
			policy: "destructive-command",
		},
	}

	e := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Check(context.Background(), request(tt.env, tt.record))
			require.Error(t, err)
			assert.Equal(t, engine.ClassPolicyViolation, engine.ClassOf(err))
			require.NotNil(t, result)
			assert.False(t, result.Allowed)
			require.NotEmpty(t, result.Violations)
			assert.Equal(t, tt.policy, result.Violations[0].Policy)
			assert.Contains(t, err.Error(), tt.policy)
		})
	}
}

func TestCheckHarmlessCommands(t *testing.T) {
	e := newTestEngine(t)
	rec := &config.DeploymentRecord{
		PreDeployCommands:  []string{"rm -rf ./build", "rm -rf /tmp/webapp-cache", "npm run build"},
		PostDeployCommands: []string{"rm -f /var/run/webapp.pid"},
		BackupPath:         "/srv/backups",
	}
	result, err := e.Check(context.Background(), request(config.EnvDev, rec))
	require.NoError(t, err)
	assert.Empty(t, result.Violations)
}

func TestCheckWarnings(t *testing.T) {
	e := newTestEngine(t)

	result, err := e.Check(context.Background(), request(config.EnvProd, config.DefaultRecord(config.EnvProd)))
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "prod-backup", result.Warnings[0].Policy)
	assert.Equal(t, SeverityWarning, result.Warnings[0].Severity)

	rec := config.DefaultRecord(config.EnvDev)
	rec.ListenPort = 443
	result, err = e.Check(context.Background(), request(config.EnvDev, rec))
	require.NoError(t, err)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "privileged-port", result.Warnings[0].Policy)
	assert.Equal(t, "webapp/dev listens on privileged port 443", result.Warnings[0].Message)
}

func TestCheckWithoutRecord(t *testing.T) {
	_, err := newTestEngine(t).Check(context.Background(), request(config.EnvDev, nil))
	assert.Equal(t, engine.ClassInvalidConfig, engine.ClassOf(err))
}

func TestNewInputExpandsBackupRoot(t *testing.T) {
	rec := &config.DeploymentRecord{BackupPath: "~/backups"}
	input, err := NewInput(request(config.EnvDev, rec))
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(input.BackupRoot))
	assert.Equal(t, "backups", filepath.Base(input.BackupRoot))
}

func TestOperatorPolicies(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	err := e.ReplaceOperatorPolicies(ctx, []Policy{{
		Name:    "require-description",
		Enabled: true,
		Rego: `package ops.description

import rego.v1

deny contains {"msg": "record needs a description", "severity": "warning"} if {
	not input.record.description
}

deny contains "stage needs a service" if {
	input.env == "stage"
	not input.record.restart_service
}`,
	}})
	require.NoError(t, err)

	result, err := e.Check(ctx, request(config.EnvDev, config.DefaultRecord(config.EnvDev)))
	require.NoError(t, err)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "record needs a description", result.Warnings[0].Message)

	_, err = e.Check(ctx, request(config.EnvStage, config.DefaultRecord(config.EnvStage)))
	assert.Equal(t, engine.ClassPolicyViolation, engine.ClassOf(err))

	require.NoError(t, e.SetEnabled("require-description", false))
	_, err = e.Check(ctx, request(config.EnvStage, config.DefaultRecord(config.EnvStage)))
	assert.NoError(t, err)

	// A replacement drops the previous operator set but keeps built-ins.
	require.NoError(t, e.ReplaceOperatorPolicies(ctx, nil))
	_, err = e.GetPolicy("require-description")
	assert.Error(t, err)
	assert.Len(t, e.ListPolicies(), 5)
}

func TestSetEnabledSurvivesReload(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	ops := []Policy{{Name: "always", Enabled: true, Rego: "package ops.always\n\nimport rego.v1\n\ndeny contains \"no\" if true\n"}}

	require.NoError(t, e.ReplaceOperatorPolicies(ctx, ops))
	require.NoError(t, e.SetEnabled("always", false))
	require.NoError(t, e.SetEnabled("prod-symlink", false))
	assert.Error(t, e.SetEnabled("ghost", false))

	ops[0].Enabled = true
	require.NoError(t, e.ReplaceOperatorPolicies(ctx, ops))
	p, err := e.GetPolicy("always")
	require.NoError(t, err)
	assert.False(t, p.Enabled)

	_, err = e.Check(ctx, request(config.EnvDev, config.DefaultRecord(config.EnvDev)))
	assert.NoError(t, err)

	builtin, err := e.GetPolicy("prod-symlink")
	require.NoError(t, err)
	assert.False(t, builtin.Enabled)
}

func TestOperatorPoliciesRejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	err := e.ReplaceOperatorPolicies(ctx, []Policy{{Name: "broken", Enabled: true, Rego: "package broken\n\ndeny contains"}})
	assert.Error(t, err)

	err = e.ReplaceOperatorPolicies(ctx, []Policy{{Name: "prod-symlink", Enabled: true, Rego: "package x\n"}})
	assert.Error(t, err)

	assert.Len(t, e.ListPolicies(), 5)
}
