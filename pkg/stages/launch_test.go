package stages

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homedeploy/homedeploy/pkg/engine"
)

func TestLaunchStartsDetachedProcess(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "start.sh")
	// Written without the executable bit; Launch adds it.
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$@\" > launched.txt\n"), 0644))

	proc, err := NewProcessLauncher(zerolog.Nop()).Launch(context.Background(), dir, `start.sh --port 8000 "hello world"`)
	require.NoError(t, err)
	assert.Positive(t, proc.PID)
	assert.Equal(t, script, proc.Path)
	assert.Equal(t, []string{"--port", "8000", "hello world"}, proc.Args)
	assert.Equal(t, dir, proc.Dir)

	info, err := os.Stat(script)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	marker := filepath.Join(dir, "launched.txt")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(marker)
		return err == nil && strings.TrimSpace(string(data)) == "--port 8000 hello world"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLaunchMissingEntryPoint(t *testing.T) {
	dir := t.TempDir()
	_, err := NewProcessLauncher(zerolog.Nop()).Launch(context.Background(), dir, "start.sh")
	require.Error(t, err)
	assert.True(t, engine.IsMissingEntryPoint(err))
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	require.NoError(t, os.Mkdir(filepath.Join(dir, "bin"), 0755))
	_, err = NewProcessLauncher(zerolog.Nop()).Launch(context.Background(), dir, "bin")
	assert.True(t, engine.IsMissingEntryPoint(err))
}

func TestLaunchRejectsEscapingEntryPoint(t *testing.T) {
	dir := t.TempDir()
	l := NewProcessLauncher(zerolog.Nop())

	for _, ep := range []string{"../start.sh", "/bin/sh", ".", `"unterminated`, "   "} {
		_, err := l.Launch(context.Background(), dir, ep)
		assert.Equal(t, engine.ClassInvalidConfig, engine.ClassOf(err), ep)
	}
}

func TestLaunchRejectsSymlinkOutsideDeployment(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "outside.sh")
	require.NoError(t, os.WriteFile(outside, []byte("#!/bin/sh\ntouch escaped\n"), 0644))

	src := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(src, "start.sh")))
	target := filepath.Join(t.TempDir(), "dev")
	require.NoError(t, newSync().Sync(context.Background(), src, target, engine.SyncOptions{}))

	_, err := NewProcessLauncher(zerolog.Nop()).Launch(context.Background(), target, "start.sh")
	assert.Equal(t, engine.ClassInvalidConfig, engine.ClassOf(err))

	info, err := os.Stat(outside)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestLaunchFollowsSymlinkInsideDeployment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "serve"), []byte("#!/bin/sh\ntouch served\n"), 0644))
	require.NoError(t, os.Symlink("bin/serve", filepath.Join(dir, "start.sh")))

	proc, err := NewProcessLauncher(zerolog.Nop()).Launch(context.Background(), dir, "start.sh")
	require.NoError(t, err)
	assert.Positive(t, proc.PID)
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "served"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}
