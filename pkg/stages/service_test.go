package stages

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homedeploy/homedeploy/pkg/engine"
)

func TestRestartService(t *testing.T) {
	runner := &fakeRunner{}
	r := NewSystemdRestarter(runner, "", true, zerolog.Nop())

	require.NoError(t, r.Restart(context.Background(), ""))
	assert.Empty(t, runner.commands())

	require.NoError(t, r.Restart(context.Background(), "webapp.service"))
	assert.Equal(t, []string{"sudo systemctl restart webapp.service"}, runner.commands())
}

func TestRestartServiceFailure(t *testing.T) {
	runner := &fakeRunner{handle: func(ExecRequest) (*ExecResult, error) {
		return &ExecResult{ExitCode: 5, Stderr: "Unit nope.service not found.\n"}, nil
	}}
	err := NewSystemdRestarter(runner, "/usr/bin/systemctl", false, zerolog.Nop()).Restart(context.Background(), "nope")

	var derr *engine.DeployError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, engine.ClassExternalToolFailure, derr.Class)
	assert.Equal(t, 5, derr.ExitCode)
	assert.Equal(t, "Unit nope.service not found.", derr.Stderr)
	assert.Equal(t, []string{"/usr/bin/systemctl restart nope"}, runner.commands())
}
