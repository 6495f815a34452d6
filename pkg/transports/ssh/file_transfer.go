package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
)

// Download copies remotePath, a file or a directory tree, to localPath.
// File modes and modification times are kept.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	start := time.Now()

	sshClient, err := c.sshClient()
	if err != nil {
		return err
	}
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return &TransportError{
			Op:  "sftp-init",
			Err: fmt.Errorf("failed to create SFTP client: %w", err),
		}
	}
	defer sftpClient.Close()

	info, err := sftpClient.Stat(remotePath)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to stat %s: %w", remotePath, err)}
	}

	var files int
	if info.IsDir() {
		files, err = downloadDirectory(ctx, sftpClient, remotePath, localPath)
	} else {
		err = downloadFile(ctx, sftpClient, remotePath, localPath, info)
		files = 1
	}
	if err != nil {
		return err
	}

	c.logger.Info().
		Str("remote", remotePath).
		Str("local", localPath).
		Int("files", files).
		Dur("duration", time.Since(start)).
		Msg("Download complete")
	return nil
}

func downloadDirectory(ctx context.Context, client *sftp.Client, remotePath, localPath string) (int, error) {
	files := 0
	walker := client.Walk(remotePath)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		if err := walker.Err(); err != nil {
			return files, &TransportError{
				Op:  "download-dir",
				Err: fmt.Errorf("failed to walk remote directory: %w", err),
			}
		}

		rel, err := relRemote(remotePath, walker.Path())
		if err != nil {
			return files, err
		}
		target := filepath.Join(localPath, filepath.FromSlash(rel))
		stat := walker.Stat()

		switch {
		case stat.IsDir():
			if err := os.MkdirAll(target, stat.Mode().Perm()|0700); err != nil {
				return files, fmt.Errorf("failed to create directory %s: %w", target, err)
			}
		case stat.Mode()&os.ModeSymlink != 0:
			link, err := client.ReadLink(walker.Path())
			if err != nil {
				return files, &TransportError{Op: "download", Err: err}
			}
			if err := os.Symlink(link, target); err != nil {
				return files, fmt.Errorf("failed to create symlink %s: %w", target, err)
			}
		case stat.Mode().IsRegular():
			if err := downloadFile(ctx, client, walker.Path(), target, stat); err != nil {
				return files, err
			}
			files++
		}
	}
	return files, nil
}

func downloadFile(ctx context.Context, client *sftp.Client, remotePath, localPath string, info os.FileInfo) error {
	remoteFile, err := client.Open(remotePath)
	if err != nil {
		return &TransportError{
			Op:  "download",
			Err: fmt.Errorf("failed to open remote file: %w", err),
		}
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("failed to create local directory: %w", err)
	}

	localFile, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}

	if _, err := copyWithContext(ctx, localFile, remoteFile); err != nil {
		localFile.Close()
		return &TransportError{
			Op:  "download",
			Err: fmt.Errorf("failed to copy %s: %w", remotePath, err),
		}
	}
	if err := localFile.Close(); err != nil {
		return err
	}
	return os.Chtimes(localPath, info.ModTime(), info.ModTime())
}

// relRemote returns p relative to base using slash-separated remote paths.
func relRemote(base, p string) (string, error) {
	base = path.Clean(base)
	p = path.Clean(p)
	if p == base {
		return ".", nil
	}
	prefix := base + "/"
	if base == "/" {
		prefix = "/"
	}
	if len(p) <= len(prefix) || p[:len(prefix)] != prefix {
		return "", fmt.Errorf("%s is not under %s", p, base)
	}
	return p[len(prefix):], nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
