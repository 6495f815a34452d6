package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader reads operator policies from .rego and .json files.
type Loader struct {
	logger      zerolog.Logger
	reloadDelay time.Duration
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		reloadDelay: 500 * time.Millisecond,
	}
}

// LoadFromPaths loads policies from files and directories. Missing paths
// are skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.Debug().Int("total", len(all)).Int("sources", len(paths)).Msg("Policies loaded from paths")
	return all, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		p, err := l.loadFromFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(p) {
			return nil
		}
		policy, err := l.loadFromFile(p)
		if err != nil {
			return err
		}
		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return policies, nil
}

// loadFromFile reads one policy. A .rego file becomes a policy named after
// the file with error severity; a .json file holds a Policy document.
func (l *Loader) loadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var policy Policy
	switch filepath.Ext(path) {
	case ".rego":
		policy = Policy{
			Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
			Description: extractDescription(string(data)),
			Rego:        string(data),
			Severity:    SeverityError,
			Enabled:     true,
		}
	case ".json":
		policy.Enabled = true
		if err := json.Unmarshal(data, &policy); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if policy.Name == "" {
			policy.Name = strings.TrimSuffix(filepath.Base(path), ".json")
		}
		if policy.Severity == "" {
			policy.Severity = SeverityError
		}
	default:
		return nil, fmt.Errorf("unsupported policy file: %s", path)
	}
	policy.Source = path

	l.logger.Debug().Str("path", path).Str("policy", policy.Name).Msg("Policy loaded from file")
	return &policy, nil
}

// extractDescription returns the leading comment block of a Rego module.
func extractDescription(content string) string {
	var description strings.Builder
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" && description.Len() > 0 {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if comment == "" {
			continue
		}
		if description.Len() > 0 {
			description.WriteString(" ")
		}
		description.WriteString(comment)
	}
	return description.String()
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

// Watch calls reloadFn with freshly loaded policies whenever a policy file
// under paths is written, created or removed. Events are debounced. The
// watcher stops when ctx is cancelled.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		if err := addRecursive(watcher, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch policy path")
		}
	}

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().Strs("paths", paths).Msg("Watching policy paths")
	return nil
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	defer watcher.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.reloadDelay, func() {
				if err := l.reload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	if ctx.Err() != nil {
		return nil
	}
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}
