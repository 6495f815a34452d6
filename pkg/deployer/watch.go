package deployer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/homedeploy/homedeploy/pkg/engine"
	"github.com/homedeploy/homedeploy/pkg/stages"
)

// DefaultDebounce is the quiet period before a watched change redeploys.
const DefaultDebounce = 500 * time.Millisecond

// WatchOptions configures Watch.
type WatchOptions struct {
	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration

	// OnResult is called after every deployment.
	OnResult func(*engine.Result)
}

// policyWatcher is implemented by guards that reload their rules from disk.
type policyWatcher interface {
	Watch(ctx context.Context, dir string) error
}

// Watch deploys source once and then again after every change to the
// source tree or to the app's config file, until ctx is cancelled.
// Redeploys are serialized; changes made while a deployment runs, such as
// build output from pre-deploy commands, are dropped.
func (d *Deployer) Watch(ctx context.Context, app, source, env string, opts WatchOptions) error {
	if stages.IsRemote(source) {
		return engine.NewInvalidConfigError("remote sources cannot be watched", nil)
	}
	src, err := resolveSource(source)
	if err != nil {
		return err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watchTree(watcher, src); err != nil {
		return fmt.Errorf("failed to watch %s: %w", src, err)
	}
	if err := watcher.Add(d.layout.ConfigDir()); err != nil {
		return fmt.Errorf("failed to watch configs: %w", err)
	}
	if pw, ok := d.guard.(policyWatcher); ok {
		if err := pw.Watch(ctx, d.layout.PoliciesDir()); err != nil {
			d.logger.Warn().Err(err).Msg("Policy reload disabled")
		}
	}

	configFile := filepath.Join(d.layout.ConfigDir(), app+".json")
	relevant := func(ev fsnotify.Event) bool {
		if filepath.Dir(ev.Name) == d.layout.ConfigDir() {
			return ev.Name == configFile
		}
		return filepath.Base(ev.Name) != ".git" && !within(ev.Name, filepath.Join(src, ".git"))
	}

	deploy := func() {
		res := d.Deploy(ctx, app, src, env)
		drain(watcher)
		if opts.OnResult != nil {
			opts.OnResult(res)
		}
	}

	d.logger.Info().Str("app", app).Str("source", src).Str("env", env).Msg("Watching for changes")
	deploy()

	// Reset discards stale expirations on the timer channel.
	timer := time.NewTimer(opts.Debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := watchTree(watcher, ev.Name); err != nil {
						d.logger.Warn().Err(err).Str("dir", ev.Name).Msg("Failed to watch new directory")
					}
				}
			}
			d.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Change detected")
			timer.Reset(opts.Debounce)

		case <-timer.C:
			d.logger.Info().Str("app", app).Msg("Redeploying after change")
			deploy()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// watchTree adds root and every directory below it, skipping .git.
func watchTree(watcher *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(filepath.Dir(root))
	}
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if entry.Name() == ".git" {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// drain discards queued events.
func drain(watcher *fsnotify.Watcher) {
	for {
		select {
		case <-watcher.Events:
		default:
			return
		}
	}
}

func within(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
