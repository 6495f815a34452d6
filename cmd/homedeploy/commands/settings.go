package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/homedeploy/homedeploy/pkg/deployer"
)

// settingsFile is read from the root directory when present.
const settingsFile = "homedeploy.yaml"

// Settings are the operator settings shared by every command. Each key can
// come from a persistent flag, a HOMEDEPLOY_* environment variable or
// <root>/homedeploy.yaml, in that order of precedence.
type Settings struct {
	Root           string `mapstructure:"root"`
	LogLevel       string `mapstructure:"log-level"`
	LogFormat      string `mapstructure:"log-format"`
	LogFile        string `mapstructure:"log-file"`
	Interpreter    string `mapstructure:"interpreter"`
	ServiceManager string `mapstructure:"service-manager"`
	Sudo           bool   `mapstructure:"sudo"`
	TraceExporter  string `mapstructure:"trace-exporter"`
	TraceEndpoint  string `mapstructure:"trace-endpoint"`
	MetricsFile    string `mapstructure:"metrics-file"`
	MetricsAddr    string `mapstructure:"metrics-addr"`
	SSHAuth        string `mapstructure:"ssh-auth"`
	SSHKey         string `mapstructure:"ssh-key"`
	SSHKnownHosts  string `mapstructure:"ssh-known-hosts"`
	SSHInsecure    bool   `mapstructure:"ssh-insecure"`
	NoPolicies     bool   `mapstructure:"no-policies"`
	NoHistory      bool   `mapstructure:"no-history"`

	DisabledPolicies []string `mapstructure:"disable-policy"`
}

func addSettingsFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("root", "", "homedeploy root directory (default ~/.homedeploy)")
	flags.String("log-level", "info", "log level: trace, debug, info, warn, error")
	flags.String("log-format", "console", "log format: console or json")
	flags.String("log-file", "", "append logs to this file instead of stderr")
	flags.String("interpreter", "python3", "interpreter used to create virtual environments")
	flags.String("service-manager", "systemctl", "service manager used to restart services")
	flags.Bool("sudo", false, "run the service manager through sudo -n")
	flags.String("trace-exporter", "none", "trace exporter: none, stdout or otlp")
	flags.String("trace-endpoint", "", "OTLP collector endpoint (host:port)")
	flags.String("metrics-file", "", "write Prometheus metrics to this textfile after each command")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address while watching")
	flags.String("ssh-auth", "", "authentication for sftp:// sources: key or agent")
	flags.String("ssh-key", "", "private key for sftp:// sources")
	flags.String("ssh-known-hosts", "", "known_hosts file for sftp:// sources")
	flags.Bool("ssh-insecure", false, "accept any host key for sftp:// sources")
	flags.Bool("no-policies", false, "skip policy pre-flight checks")
	flags.StringSlice("disable-policy", nil, "skip the named policy (repeatable)")
	flags.Bool("no-history", false, "do not record deployment history")
}

// loadSettings resolves the settings for cmd.
func loadSettings(cmd *cobra.Command) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("HOMEDEPLOY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// The settings file lives under the root, so the root itself only comes
	// from the flag or the environment.
	layout, err := deployer.NewLayout(v.GetString("root"))
	if err != nil {
		return nil, err
	}
	path := filepath.Join(layout.Root, settingsFile)
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	s.Root = layout.Root

	for _, p := range []*string{&s.SSHKey, &s.SSHKnownHosts, &s.MetricsFile, &s.LogFile} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return nil, fmt.Errorf("failed to expand %s: %w", *p, err)
		}
		*p = expanded
	}
	return &s, nil
}
