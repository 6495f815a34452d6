package deployer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

// DefaultRootName is the base directory created in the operator's home when
// no root is configured.
const DefaultRootName = ".homedeploy"

// Layout names the directories under a homedeploy root.
type Layout struct {
	Root string
}

// NewLayout returns the layout rooted at root after expanding ~. An empty
// root means ~/.homedeploy.
func NewLayout(root string) (Layout, error) {
	if root == "" {
		home, err := homedir.Dir()
		if err != nil {
			return Layout{}, fmt.Errorf("failed to locate home directory: %w", err)
		}
		root = filepath.Join(home, DefaultRootName)
	}
	expanded, err := homedir.Expand(root)
	if err != nil {
		return Layout{}, fmt.Errorf("failed to expand root %s: %w", root, err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return Layout{}, fmt.Errorf("failed to resolve root %s: %w", root, err)
	}
	return Layout{Root: abs}, nil
}

// ConfigDir holds per-app configs and global.json.
func (l Layout) ConfigDir() string { return filepath.Join(l.Root, "configs") }

// DeploymentsDir holds one directory per app.
func (l Layout) DeploymentsDir() string { return filepath.Join(l.Root, "deployments") }

// DeploymentDir is the deployment directory of app in env.
func (l Layout) DeploymentDir(app, env string) string {
	return filepath.Join(l.DeploymentsDir(), app, env)
}

// LogsDir is reserved for process output.
func (l Layout) LogsDir() string { return filepath.Join(l.Root, "logs") }

// HistoryPath is the SQLite deployment history.
func (l Layout) HistoryPath() string { return filepath.Join(l.Root, "state", "history.db") }

// PoliciesDir holds operator .rego policies.
func (l Layout) PoliciesDir() string { return filepath.Join(l.Root, "policies") }

// Ensure creates the layout directories.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.ConfigDir(), l.DeploymentsDir(), l.LogsDir(), filepath.Dir(l.HistoryPath()), l.PoliciesDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
