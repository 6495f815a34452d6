package stages

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
)

// IgnoreFileName is read from the root of a source tree. It uses
// .dockerignore syntax.
const IgnoreFileName = ".deployignore"

// ignoreMatcher decides which source entries are left out of a copy.
type ignoreMatcher struct {
	pm *patternmatcher.PatternMatcher
}

// loadIgnore combines the ignore file in root with extra patterns.
func loadIgnore(root string, extra []string) (*ignoreMatcher, error) {
	var patterns []string

	f, err := os.Open(filepath.Join(root, IgnoreFileName))
	switch {
	case err == nil:
		defer f.Close()
		patterns, err = ignorefile.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", IgnoreFileName, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to open %s: %w", IgnoreFileName, err)
	}

	patterns = append(patterns, extra...)
	if len(patterns) == 0 {
		return &ignoreMatcher{}, nil
	}

	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("invalid exclude pattern: %w", err)
	}
	return &ignoreMatcher{pm: pm}, nil
}

// ignored reports whether rel, a slash-separated path relative to the
// source root, is excluded.
func (m *ignoreMatcher) ignored(rel string) bool {
	if m == nil || m.pm == nil {
		return false
	}
	ok, err := m.pm.MatchesOrParentMatches(rel)
	return err == nil && ok
}
