package stages

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
)

// copyTree copies the contents of the directory src into dst. rel is the
// slash-separated position of src below the source root, used for ignore
// matching.
func copyTree(ctx context.Context, src, dst, rel string, skip func(rel string) bool) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", src, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		entryRel := path.Join(rel, entry.Name())
		if skip != nil && skip(entryRel) {
			continue
		}
		if err := copyEntry(ctx, filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name()), entryRel, skip); err != nil {
			return err
		}
	}
	return nil
}

// copyEntry copies one file, symlink or directory, replacing whatever is at dst.
func copyEntry(ctx context.Context, src, dst, rel string, skip func(rel string) bool) error {
	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		link, err := os.Readlink(src)
		if err != nil {
			return fmt.Errorf("failed to read symlink %s: %w", src, err)
		}
		if err := removeIfExists(dst); err != nil {
			return err
		}
		if err := os.Symlink(link, dst); err != nil {
			return fmt.Errorf("failed to create symlink %s: %w", dst, err)
		}
		return nil

	case info.IsDir():
		if existing, err := os.Lstat(dst); err == nil && !existing.IsDir() {
			if err := os.Remove(dst); err != nil {
				return fmt.Errorf("failed to replace %s: %w", dst, err)
			}
		}
		if err := os.MkdirAll(dst, info.Mode().Perm()|0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dst, err)
		}
		if err := copyTree(ctx, src, dst, rel, skip); err != nil {
			return err
		}
		return os.Chmod(dst, info.Mode().Perm())

	case info.Mode().IsRegular():
		return copyFile(src, dst, info)

	default:
		// Sockets, devices and pipes are not deployable content.
		return nil
	}
}

// copyFile copies a regular file keeping its permission bits and mtime.
func copyFile(src, dst string, info os.FileInfo) error {
	if existing, err := os.Lstat(dst); err == nil && !existing.Mode().IsRegular() {
		if err := os.RemoveAll(dst); err != nil {
			return fmt.Errorf("failed to replace %s: %w", dst, err)
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()|0200)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}

	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to set mode on %s: %w", dst, err)
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("failed to set times on %s: %w", dst, err)
	}
	return nil
}

func removeIfExists(p string) error {
	if _, err := os.Lstat(p); err == nil {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}
