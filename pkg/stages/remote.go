package stages

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/homedeploy/homedeploy/pkg/transports/ssh"
)

// RemoteScheme prefixes sources fetched over SFTP.
const RemoteScheme = "sftp://"

// IsRemote reports whether source names a remote tree.
func IsRemote(source string) bool {
	return strings.HasPrefix(source, RemoteScheme)
}

// RemoteSource is a parsed sftp://[user@]host[:port]/path source.
type RemoteSource struct {
	User string
	Host string
	Port int
	Path string
}

// String renders the source without credentials.
func (r *RemoteSource) String() string {
	return fmt.Sprintf("%s%s@%s:%d%s", RemoteScheme, r.User, r.Host, r.Port, r.Path)
}

// ParseRemoteSource parses raw, using defaultUser when the URL names none.
func ParseRemoteSource(raw, defaultUser string) (*RemoteSource, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid remote source %q: %w", raw, err)
	}
	if u.Scheme != "sftp" {
		return nil, fmt.Errorf("invalid remote source %q: scheme must be sftp", raw)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid remote source %q: host is required", raw)
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		return nil, fmt.Errorf("invalid remote source %q: passwords are not accepted in URLs", raw)
	}

	src := &RemoteSource{
		User: u.User.Username(),
		Host: u.Hostname(),
		Port: 22,
		Path: path.Clean("/" + u.Path),
	}
	if src.User == "" {
		src.User = defaultUser
	}
	if src.User == "" {
		return nil, fmt.Errorf("invalid remote source %q: no user given and no default configured", raw)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid remote source %q: bad port %q", raw, p)
		}
		src.Port = port
	}
	if src.Path == "/" {
		return nil, fmt.Errorf("invalid remote source %q: path is required", raw)
	}
	return src, nil
}

// Fetcher downloads a remote source into stagingDir and returns the local
// path of the downloaded tree.
type Fetcher interface {
	Fetch(ctx context.Context, src *RemoteSource, stagingDir string) (string, error)
}

// SFTPFetcher fetches remote sources with the SSH transport.
type SFTPFetcher struct {
	// Template supplies authentication and host key settings. Host, Port
	// and User are taken from each source.
	Template ssh.Config
	logger   zerolog.Logger
}

// NewSFTPFetcher creates a fetcher from template.
func NewSFTPFetcher(template ssh.Config, logger zerolog.Logger) *SFTPFetcher {
	return &SFTPFetcher{Template: template, logger: logger}
}

// Fetch implements Fetcher.
func (f *SFTPFetcher) Fetch(ctx context.Context, src *RemoteSource, stagingDir string) (string, error) {
	cfg := f.Template
	cfg.Host = src.Host
	cfg.Port = src.Port
	cfg.User = src.User

	client, err := ssh.NewClient(&cfg, f.logger)
	if err != nil {
		return "", err
	}
	if err := client.Connect(ctx); err != nil {
		return "", err
	}
	defer client.Close()

	local := filepath.Join(stagingDir, path.Base(src.Path))
	if err := client.Download(ctx, src.Path, local); err != nil {
		return "", err
	}
	return local, nil
}
