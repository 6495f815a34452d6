package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAppConfig(t *testing.T) {
	schemas, err := NewSchemas()
	require.NoError(t, err)

	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name: "valid",
			doc: `{"dev": {"needs_venv": true, "startup_script": "start.sh", "port": 8000},
			       "prod": {"needs_venv": false, "backup_path": null, "restart_service": "webapp.service"}}`,
		},
		{
			name:    "unknown key",
			doc:     `{"dev": {"needs_venv": true, "startup": "start.sh"}}`,
			wantErr: "schema validation failed",
		},
		{
			name:    "wrong type",
			doc:     `{"dev": {"needs_venv": "yes"}}`,
			wantErr: "schema validation failed",
		},
		{
			name:    "port out of range",
			doc:     `{"dev": {"port": 70000}}`,
			wantErr: "schema validation failed",
		},
		{
			name:    "bad environment name",
			doc:     `{"dev/../x": {"port": 1}}`,
			wantErr: "schema validation failed",
		},
		{
			name:    "empty command",
			doc:     `{"dev": {"pre_deploy_commands": ["make", ""]}}`,
			wantErr: "environment dev",
		},
		{
			name:    "bad unit name",
			doc:     `{"dev": {"restart_service": "web app; reboot"}}`,
			wantErr: "environment dev",
		},
		{
			name:    "not json",
			doc:     `{"dev": `,
			wantErr: "failed to parse document",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := schemas.DecodeAppConfig([]byte(tt.doc))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"dev", "prod"}, cfg.Environments())
			assert.Equal(t, 8000, cfg["dev"].ListenPort)
			assert.Equal(t, "", cfg["prod"].BackupPath)
			assert.Equal(t, "webapp.service", cfg["prod"].RestartService)
		})
	}
}

func TestDecodeGlobalSettings(t *testing.T) {
	schemas, err := NewSchemas()
	require.NoError(t, err)

	settings, err := schemas.DecodeGlobalSettings([]byte(`{"local": {"ssh_username": "ops"}, "environments": ["dev", "prod"]}`))
	require.NoError(t, err)
	assert.Equal(t, "ops", settings.Local.SSHUsername)
	assert.Equal(t, []string{"dev", "prod"}, settings.Environments)

	_, err = schemas.DecodeGlobalSettings([]byte(`{"local": {}, "environments": []}`))
	assert.Error(t, err)
}

func TestValidAppName(t *testing.T) {
	assert.True(t, ValidAppName("webapp"))
	assert.True(t, ValidAppName("my-app_2.0"))
	assert.False(t, ValidAppName(""))
	assert.False(t, ValidAppName(".."))
	assert.False(t, ValidAppName("a/b"))
	assert.False(t, ValidAppName("web app"))
}

func TestAppConfigEnvironmentsOrder(t *testing.T) {
	cfg := AppConfig{
		"qa":    {},
		"prod":  {},
		"dev":   {},
		"alpha": {},
		"stage": {},
	}
	assert.Equal(t, []string{"dev", "stage", "prod", "alpha", "qa"}, cfg.Environments())
}
