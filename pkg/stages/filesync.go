package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/homedeploy/homedeploy/pkg/engine"
	"github.com/homedeploy/homedeploy/pkg/transports/ssh"
)

// FileSynchronizer mirrors a source tree into a deployment directory,
// either by copying or by linking the directory to the source.
type FileSynchronizer struct {
	fetcher     Fetcher
	defaultUser string
	logger      zerolog.Logger
}

// NewFileSynchronizer creates a synchronizer. fetcher may be nil, in which
// case remote sources are rejected. defaultUser is used for remote sources
// that do not name a user.
func NewFileSynchronizer(fetcher Fetcher, defaultUser string, logger zerolog.Logger) *FileSynchronizer {
	return &FileSynchronizer{
		fetcher:     fetcher,
		defaultUser: defaultUser,
		logger:      logger.With().Str("component", "sync").Logger(),
	}
}

// Sync implements engine.Synchronizer.
func (s *FileSynchronizer) Sync(ctx context.Context, source, targetDir string, opts engine.SyncOptions) error {
	if IsRemote(source) {
		if opts.Link {
			return engine.NewInvalidConfigError("link delivery is not supported for remote sources", nil)
		}
		local, cleanup, err := s.stageRemote(ctx, source)
		if err != nil {
			return err
		}
		defer cleanup()
		source = local
	}

	srcAbs, err := filepath.Abs(source)
	if err != nil {
		return engine.NewIOError("failed to resolve source", err)
	}
	dstAbs, err := filepath.Abs(targetDir)
	if err != nil {
		return engine.NewIOError("failed to resolve deployment directory", err)
	}
	if within(dstAbs, srcAbs) || within(srcAbs, dstAbs) {
		return engine.NewInvalidConfigError(
			fmt.Sprintf("source %s and deployment directory %s overlap", srcAbs, dstAbs), nil)
	}

	info, err := os.Stat(srcAbs)
	if err != nil {
		return engine.NewIOError("source is not accessible", err)
	}

	if opts.Link {
		return s.link(srcAbs, dstAbs)
	}
	return s.copy(ctx, srcAbs, dstAbs, info, opts)
}

func (s *FileSynchronizer) stageRemote(ctx context.Context, source string) (string, func(), error) {
	if s.fetcher == nil {
		return "", nil, engine.NewInvalidConfigError("remote sources are not configured", nil)
	}
	remote, err := ParseRemoteSource(source, s.defaultUser)
	if err != nil {
		return "", nil, engine.NewInvalidConfigError("invalid remote source", err)
	}

	staging, err := os.MkdirTemp("", "homedeploy-stage-*")
	if err != nil {
		return "", nil, engine.NewIOError("failed to create staging directory", err)
	}
	cleanup := func() { _ = os.RemoveAll(staging) }

	s.logger.Info().Str("source", remote.String()).Str("staging", staging).Msg("Fetching remote source")
	local, err := s.fetcher.Fetch(ctx, remote, staging)
	if err != nil {
		cleanup()
		// Bad keys or host keys will not fix themselves on a retry.
		var terr *ssh.TransportError
		if errors.As(err, &terr) && terr.IsAuthError {
			return "", nil, engine.NewInvalidConfigError("cannot authenticate to "+remote.String(), err)
		}
		return "", nil, engine.NewIOError("failed to fetch "+remote.String(), err)
	}
	return local, cleanup, nil
}

// link replaces targetDir with a symbolic link to source.
func (s *FileSynchronizer) link(source, targetDir string) error {
	if current, err := os.Readlink(targetDir); err == nil && current == source {
		s.logger.Debug().Str("target", targetDir).Msg("Link already up to date")
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(targetDir), 0755); err != nil {
		return engine.NewIOError("failed to create deployment parent directory", err)
	}
	if err := removeIfExists(targetDir); err != nil {
		return engine.NewIOError("failed to replace deployment directory", err)
	}
	if err := os.Symlink(source, targetDir); err != nil {
		return engine.NewIOError("failed to link deployment directory", err)
	}

	s.logger.Info().Str("target", targetDir).Str("source", source).Msg("Linked deployment directory")
	return nil
}

// copy prunes targetDir down to the preserved entries and copies source in.
func (s *FileSynchronizer) copy(ctx context.Context, source, targetDir string, info os.FileInfo, opts engine.SyncOptions) error {
	if existing, err := os.Lstat(targetDir); err == nil && existing.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(targetDir); err != nil {
			return engine.NewIOError("failed to remove previous link", err)
		}
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return engine.NewIOError("failed to create deployment directory", err)
	}

	preserved := make(map[string]bool, len(opts.Preserve))
	for _, name := range opts.Preserve {
		preserved[name] = true
	}

	entries, err := os.ReadDir(targetDir)
	if err != nil {
		return engine.NewIOError("failed to read deployment directory", err)
	}
	removed := 0
	for _, entry := range entries {
		if preserved[entry.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(targetDir, entry.Name())); err != nil {
			return engine.NewIOError("failed to clean deployment directory", err)
		}
		removed++
	}

	if !info.IsDir() {
		dst := filepath.Join(targetDir, filepath.Base(source))
		if err := copyFile(source, dst, info); err != nil {
			return engine.NewIOError("failed to copy source file", err)
		}
		s.logger.Info().Str("file", dst).Msg("Copied source file")
		return nil
	}

	matcher, err := loadIgnore(source, opts.Exclude)
	if err != nil {
		return engine.NewInvalidConfigError("invalid exclude patterns", err)
	}

	skipped := 0
	skip := func(rel string) bool {
		if !strings.Contains(rel, "/") && preserved[rel] {
			skipped++
			return true
		}
		if matcher.ignored(rel) {
			skipped++
			return true
		}
		return false
	}
	if err := copyTree(ctx, source, targetDir, "", skip); err != nil {
		return engine.NewIOError("failed to copy source tree", err)
	}

	s.logger.Info().
		Str("source", source).
		Str("target", targetDir).
		Int("removed", removed).
		Int("skipped", skipped).
		Msg("Synchronized deployment directory")
	return nil
}

// within reports whether p is dir or lies below it.
func within(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
