package stages

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/homedeploy/homedeploy/pkg/engine"
)

const (
	// VenvDir is the isolated runtime directory inside a deployment.
	VenvDir = "venv"

	// RequirementsFile lists the packages installed into the runtime.
	RequirementsFile = "requirements.txt"

	// DefaultInterpreter creates new runtimes.
	DefaultInterpreter = "python3"
)

// VenvProvisioner creates a Python virtual environment in the deployment
// directory and installs its requirements.
type VenvProvisioner struct {
	runner      Runner
	interpreter string
	logger      zerolog.Logger
}

// NewVenvProvisioner creates a provisioner. An empty interpreter means
// DefaultInterpreter.
func NewVenvProvisioner(runner Runner, interpreter string, logger zerolog.Logger) *VenvProvisioner {
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	return &VenvProvisioner{
		runner:      runner,
		interpreter: interpreter,
		logger:      logger.With().Str("component", "provision").Logger(),
	}
}

// Provision implements engine.Provisioner. Every step is skipped when its
// outcome is already present, so repeated runs only reinstall requirements.
func (p *VenvProvisioner) Provision(ctx context.Context, targetDir string) error {
	venv := filepath.Join(targetDir, VenvDir)
	python := filepath.Join(venv, "bin", "python")
	pip := filepath.Join(venv, "bin", "pip")

	exists, err := pathExists(venv)
	if err != nil {
		return engine.NewIOError("failed to inspect runtime directory", err)
	}
	if !exists {
		p.logger.Info().Str("venv", venv).Str("interpreter", p.interpreter).Msg("Creating virtual environment")
		req := ExecRequest{Command: p.interpreter, Args: []string{"-m", "venv", VenvDir}, WorkDir: targetDir}
		if _, err := runChecked(ctx, p.runner, req, "failed to create virtual environment"); err != nil {
			return err
		}
	}

	hasRequirements, err := pathExists(filepath.Join(targetDir, RequirementsFile))
	if err != nil {
		return engine.NewIOError("failed to inspect requirements", err)
	}
	if !hasRequirements {
		p.logger.Debug().Str("dir", targetDir).Msg("No requirements file")
		return nil
	}

	hasPip, err := pathExists(pip)
	if err != nil {
		return engine.NewIOError("failed to inspect runtime", err)
	}
	if !hasPip {
		p.logger.Info().Msg("Bootstrapping pip")
		bootstrap := []ExecRequest{
			{Command: python, Args: []string{"-m", "ensurepip", "--upgrade"}, WorkDir: targetDir},
			{Command: python, Args: []string{"-m", "pip", "install", "--upgrade", "pip"}, WorkDir: targetDir},
		}
		for _, req := range bootstrap {
			if _, err := runChecked(ctx, p.runner, req, "failed to bootstrap pip"); err != nil {
				return err
			}
		}
	}

	p.logger.Info().Str("requirements", RequirementsFile).Msg("Installing requirements")
	req := ExecRequest{Command: pip, Args: []string{"install", "-r", RequirementsFile}, WorkDir: targetDir}
	if _, err := runChecked(ctx, p.runner, req, "failed to install requirements"); err != nil {
		return err
	}
	return nil
}

func pathExists(p string) (bool, error) {
	_, err := os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
