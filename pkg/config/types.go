package config

import (
	"fmt"
	"path/filepath"
	"sort"
)

// Standard environment names.
const (
	EnvDev   = "dev"
	EnvStage = "stage"
	EnvProd  = "prod"
)

// DefaultEnvironments lists the environments every new application gets.
var DefaultEnvironments = []string{EnvDev, EnvStage, EnvProd}

// DeploymentRecord parametrizes the pipeline for one application in one
// environment.
type DeploymentRecord struct {
	// NeedsIsolatedRuntime requests a venv in the deployment directory.
	NeedsIsolatedRuntime bool `json:"needs_venv" yaml:"needs_venv"`

	// StartupEntryPoint is the script launched after synchronization,
	// relative to the deployment directory. It may carry arguments.
	StartupEntryPoint string `json:"startup_script,omitempty" yaml:"startup_script,omitempty" validate:"omitempty,max=4096"`

	// ListenPort is informational and consumed by policies.
	ListenPort int `json:"port,omitempty" yaml:"port,omitempty" validate:"gte=0,lte=65535"`

	// BackupPath is the snapshot root. Empty disables backups.
	BackupPath string `json:"backup_path,omitempty" yaml:"backup_path,omitempty"`

	// RestartService is a systemd unit restarted at the end of the run.
	RestartService string `json:"restart_service,omitempty" yaml:"restart_service,omitempty" validate:"omitempty,unitname"`

	// UseSymlink links the deployment directory to the source instead of copying.
	UseSymlink bool `json:"use_symlinks,omitempty" yaml:"use_symlinks,omitempty"`

	// PreDeployCommands run in the source directory before anything else.
	PreDeployCommands []string `json:"pre_deploy_commands,omitempty" yaml:"pre_deploy_commands,omitempty" validate:"dive,required"`

	// PostDeployCommands run in the deployment directory after launch.
	PostDeployCommands []string `json:"post_deploy_commands,omitempty" yaml:"post_deploy_commands,omitempty" validate:"dive,required"`

	// Exclude holds dockerignore-style patterns skipped while copying.
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty" validate:"dive,required"`

	// Description is free text shown by `config show`.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// AppConfig maps environment names to records. It is the on-disk shape of
// configs/<app>.json.
type AppConfig map[string]*DeploymentRecord

// Environments returns the environment names in a stable order: the
// standard ones first, then the rest alphabetically.
func (c AppConfig) Environments() []string {
	rank := func(env string) int {
		for i, std := range DefaultEnvironments {
			if env == std {
				return i
			}
		}
		return len(DefaultEnvironments)
	}

	envs := make([]string, 0, len(c))
	for env := range c {
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool {
		ri, rj := rank(envs[i]), rank(envs[j])
		if ri != rj {
			return ri < rj
		}
		return envs[i] < envs[j]
	})
	return envs
}

// DefaultRecord returns the record created for env by CreateDefaultRecord.
func DefaultRecord(env string) *DeploymentRecord {
	port := 8000
	switch env {
	case EnvStage:
		port = 8001
	case EnvProd:
		port = 80
	}
	return &DeploymentRecord{
		NeedsIsolatedRuntime: true,
		StartupEntryPoint:    "start.sh",
		ListenPort:           port,
	}
}

// DefaultAppConfig returns the config written for a new application.
func DefaultAppConfig() AppConfig {
	cfg := make(AppConfig, len(DefaultEnvironments))
	for _, env := range DefaultEnvironments {
		cfg[env] = DefaultRecord(env)
	}
	return cfg
}

// GlobalSettings is the content of configs/global.json.
type GlobalSettings struct {
	Local        LocalSettings `json:"local" yaml:"local"`
	Environments []string      `json:"environments" yaml:"environments" validate:"dive,required"`
}

// LocalSettings describes the local operator.
type LocalSettings struct {
	// SSHUsername is the operator identity, also the default user for sftp:// sources.
	SSHUsername string `json:"ssh_username" yaml:"ssh_username"`
}

// LocalDeployment is a self-contained deployment description produced by
// a Parser. Unlike a DeploymentRecord it names its own source and target.
type LocalDeployment struct {
	Name               string   `json:"name" yaml:"name" validate:"required,appname"`
	Description        string   `json:"description,omitempty" yaml:"description,omitempty"`
	SourcePath         string   `json:"source_path" yaml:"source_path" validate:"required"`
	TargetPath         string   `json:"target_path" yaml:"target_path" validate:"required"`
	BackupPath         string   `json:"backup_path,omitempty" yaml:"backup_path,omitempty"`
	RestartService     string   `json:"restart_service,omitempty" yaml:"restart_service,omitempty" validate:"omitempty,unitname"`
	UseSymlinks        bool     `json:"use_symlinks,omitempty" yaml:"use_symlinks,omitempty"`
	PreDeployCommands  []string `json:"pre_deploy_commands,omitempty" yaml:"pre_deploy_commands,omitempty" validate:"dive,required"`
	PostDeployCommands []string `json:"post_deploy_commands,omitempty" yaml:"post_deploy_commands,omitempty" validate:"dive,required"`
	NeedsVenv          bool     `json:"needs_venv,omitempty" yaml:"needs_venv,omitempty"`
	StartupScript      string   `json:"startup_script,omitempty" yaml:"startup_script,omitempty"`
	Exclude            []string `json:"exclude,omitempty" yaml:"exclude,omitempty" validate:"dive,required"`
}

// ToRecord converts the deployment into the record the pipeline consumes.
func (d *LocalDeployment) ToRecord() *DeploymentRecord {
	return &DeploymentRecord{
		NeedsIsolatedRuntime: d.NeedsVenv,
		StartupEntryPoint:    d.StartupScript,
		BackupPath:           d.BackupPath,
		RestartService:       d.RestartService,
		UseSymlink:           d.UseSymlinks,
		PreDeployCommands:    d.PreDeployCommands,
		PostDeployCommands:   d.PostDeployCommands,
		Exclude:              d.Exclude,
		Description:          d.Description,
	}
}

// Validate checks struct tags and that the target is an absolute path.
func (d *LocalDeployment) Validate() error {
	if err := Validator().Struct(d); err != nil {
		return fmt.Errorf("invalid deployment %q: %w", d.Name, err)
	}
	if !filepath.IsAbs(d.TargetPath) {
		return fmt.Errorf("invalid deployment %q: target_path must be absolute, got %s", d.Name, d.TargetPath)
	}
	return nil
}
