package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrRecordNotFound is returned when no record exists for an (app, env) pair.
	ErrRecordNotFound = errors.New("deployment record not found")

	// ErrAppNotFound means configs/<app>.json does not exist. It wraps ErrRecordNotFound.
	ErrAppNotFound = fmt.Errorf("%w: no config file for application", ErrRecordNotFound)

	// ErrEnvNotFound means the app config has no section for the environment.
	// It wraps ErrRecordNotFound.
	ErrEnvNotFound = fmt.Errorf("%w: no section for environment", ErrRecordNotFound)
)

const globalSettingsFile = "global.json"

// Store is the JSON-backed configuration store rooted at one directory.
// Each application lives in <dir>/<app>.json; global settings in
// <dir>/global.json.
type Store struct {
	dir     string
	schemas *Schemas
	logger  zerolog.Logger
}

// NewStore opens the store at dir, creating the directory and a bootstrap
// global settings file when they do not exist.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	schemas, err := NewSchemas()
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:     dir,
		schemas: schemas,
		logger:  logger.With().Str("component", "config").Logger(),
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := s.bootstrapGlobalSettings(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the configuration directory.
func (s *Store) Dir() string {
	return s.dir
}

// Schemas returns the validator used by the store.
func (s *Store) Schemas() *Schemas {
	return s.schemas
}

func (s *Store) bootstrapGlobalSettings() error {
	path := filepath.Join(s.dir, globalSettingsFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat global settings: %w", err)
	}

	settings := &GlobalSettings{
		Local:        LocalSettings{SSHUsername: operatorName()},
		Environments: append([]string(nil), DefaultEnvironments...),
	}
	s.logger.Info().Str("path", path).Msg("Creating global settings")
	return writeJSON(path, settings)
}

// GetRecord returns the record for app in env. A missing file or section
// yields an error wrapping ErrRecordNotFound.
func (s *Store) GetRecord(app, env string) (*DeploymentRecord, error) {
	cfg, err := s.LoadApp(app)
	if err != nil {
		if errors.Is(err, ErrAppNotFound) {
			s.logger.Debug().Str("app", app).Msg("No config file for application")
		}
		return nil, err
	}

	rec, ok := cfg[env]
	if !ok {
		s.logger.Debug().Str("app", app).Str("env", env).Msg("No section for environment")
		return nil, fmt.Errorf("%s/%s: %w", app, env, ErrEnvNotFound)
	}
	return rec, nil
}

// LoadApp reads and validates the config file for app.
func (s *Store) LoadApp(app string) (AppConfig, error) {
	path, err := s.appPath(app)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", app, ErrAppNotFound)
		}
		return nil, fmt.Errorf("failed to read config for %s: %w", app, err)
	}

	cfg, err := s.schemas.DecodeAppConfig(data)
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveApp validates cfg and writes it, replacing any existing file.
func (s *Store) SaveApp(app string, cfg AppConfig) error {
	path, err := s.appPath(app)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config for %s: %w", app, err)
	}
	if _, err := s.schemas.DecodeAppConfig(data); err != nil {
		return fmt.Errorf("refusing to save invalid config for %s: %w", app, err)
	}
	return writeFile(path, data)
}

// CreateDefaultRecord writes the default dev/stage/prod config for app and
// returns it. An existing file is overwritten.
func (s *Store) CreateDefaultRecord(app string) (AppConfig, error) {
	cfg := DefaultAppConfig()
	if err := s.SaveApp(app, cfg); err != nil {
		return nil, err
	}
	s.logger.Info().Str("app", app).Msg("Created default configuration")
	return cfg, nil
}

// AppExists reports whether a config file exists for app.
func (s *Store) AppExists(app string) bool {
	path, err := s.appPath(app)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// ListApps returns the names of all configured applications, sorted.
func (s *Store) ListApps() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}

	var apps []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == globalSettingsFile || filepath.Ext(name) != ".json" {
			continue
		}
		app := strings.TrimSuffix(name, ".json")
		if ValidAppName(app) {
			apps = append(apps, app)
		}
	}
	sort.Strings(apps)
	return apps, nil
}

// GetGlobalSettings reads global.json.
func (s *Store) GetGlobalSettings() (*GlobalSettings, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, globalSettingsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read global settings: %w", err)
	}
	settings, err := s.schemas.DecodeGlobalSettings(data)
	if err != nil {
		return nil, fmt.Errorf("invalid global settings: %w", err)
	}
	return settings, nil
}

// SaveGlobalSettings replaces global.json with settings. There is no merge.
func (s *Store) SaveGlobalSettings(settings *GlobalSettings) error {
	if err := Validator().Struct(settings); err != nil {
		return fmt.Errorf("invalid global settings: %w", err)
	}
	return writeJSON(filepath.Join(s.dir, globalSettingsFile), settings)
}

func (s *Store) appPath(app string) (string, error) {
	if !ValidAppName(app) {
		return "", fmt.Errorf("invalid application name %q", app)
	}
	return filepath.Join(s.dir, app+".json"), nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return writeFile(path, data)
}

// writeFile replaces path through a temp file in the same directory.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}

func operatorName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
