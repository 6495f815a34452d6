package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func writeTestKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "test")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))
	return path
}

func TestConfigValidate(t *testing.T) {
	key := writeTestKey(t)

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid key", mutate: func(c *Config) { c.PrivateKeyPath = key }},
		{name: "no host", mutate: func(c *Config) { c.Host = ""; c.PrivateKeyPath = key }, wantErr: "host is required"},
		{name: "no user", mutate: func(c *Config) { c.User = ""; c.PrivateKeyPath = key }, wantErr: "user is required"},
		{name: "bad port", mutate: func(c *Config) { c.Port = 70000; c.PrivateKeyPath = key }, wantErr: "invalid port"},
		{name: "missing key file", mutate: func(c *Config) { c.PrivateKeyPath = key + ".missing" }, wantErr: "not found"},
		{name: "password without password", mutate: func(c *Config) { c.AuthMethod = AuthMethodPassword }, wantErr: "password is required"},
		{name: "password", mutate: func(c *Config) { c.AuthMethod = AuthMethodPassword; c.Password = "hunter2" }},
		{name: "unknown method", mutate: func(c *Config) { c.AuthMethod = "kerberos" }, wantErr: "unsupported auth method"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("nas.local", "ops")
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	cfg := DefaultConfig("nas.local", "ops")
	cfg.PrivateKeyPath = writeTestKey(t)
	cfg.StrictHostKeyChecking = false
	require.NoError(t, cfg.Validate())

	clientCfg, closer, err := cfg.BuildSSHClientConfig()
	require.NoError(t, err)
	defer closer()
	assert.Equal(t, "ops", clientCfg.User)
	assert.Len(t, clientCfg.Auth, 1)

	cfg.StrictHostKeyChecking = true
	cfg.KnownHostsPath = filepath.Join(t.TempDir(), "missing_known_hosts")
	_, _, err = cfg.BuildSSHClientConfig()
	assert.ErrorContains(t, err, "known_hosts")
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig("nas.local", "ops")
	cfg.Port = 2222
	assert.Equal(t, "nas.local:2222", cfg.Address())

	cfg.Host = "::1"
	assert.Equal(t, "[::1]:2222", cfg.Address())
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	_, err := NewClient(&Config{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestConnectRefused(t *testing.T) {
	cfg := DefaultConfig("127.0.0.1", "ops")
	cfg.Port = 1
	cfg.PrivateKeyPath = writeTestKey(t)
	cfg.StrictHostKeyChecking = false

	client, err := NewClient(cfg, zerolog.Nop())
	require.NoError(t, err)

	err = client.Connect(context.Background())
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "connect", terr.Op)
	var opErr *net.OpError
	assert.ErrorAs(t, err, &opErr)
	assert.NoError(t, client.Close())
}

func TestDownloadRequiresConnection(t *testing.T) {
	cfg := DefaultConfig("nas.local", "ops")
	cfg.PrivateKeyPath = writeTestKey(t)
	client, err := NewClient(cfg, zerolog.Nop())
	require.NoError(t, err)

	err = client.Download(context.Background(), "/srv/app", t.TempDir())
	assert.ErrorContains(t, err, "not connected")
}

func TestRelRemote(t *testing.T) {
	rel, err := relRemote("/srv/app", "/srv/app/static/site.css")
	require.NoError(t, err)
	assert.Equal(t, "static/site.css", rel)

	rel, err = relRemote("/srv/app/", "/srv/app")
	require.NoError(t, err)
	assert.Equal(t, ".", rel)

	rel, err = relRemote("/", "/etc/hosts")
	require.NoError(t, err)
	assert.Equal(t, "etc/hosts", rel)

	_, err = relRemote("/srv/app", "/srv/application/x")
	assert.Error(t, err)
}

func TestCopyWithContext(t *testing.T) {
	var dst bytes.Buffer
	n, err := copyWithContext(context.Background(), &dst, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "hello", dst.String())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = copyWithContext(ctx, &dst, strings.NewReader("hello"))
	assert.ErrorIs(t, err, context.Canceled)
}
