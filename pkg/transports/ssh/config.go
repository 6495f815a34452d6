package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mitchellh/go-homedir"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK
	AuthMethodAgent AuthMethod = "agent"

	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"
)

// Config holds SSH connection configuration.
type Config struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port (default: 22)
	Port int

	// User is the SSH username
	User string

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod

	// Password for password-based authentication
	Password string

	// PrivateKeyPath is the path to the private key file. "~" is expanded.
	PrivateKeyPath string

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string

	// KnownHostsPath is the path to the known_hosts file. "~" is expanded.
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	// When false, any host key is accepted.
	StrictHostKeyChecking bool

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	knownHosts := ""
	if home, err := homedir.Dir(); err == nil {
		knownHosts = filepath.Join(home, ".ssh", "known_hosts")
	}
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        knownHosts,
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
	}
}

// Validate checks the configuration and fills in a default private key
// when none is set.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = defaultPrivateKey()
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		path, err := homedir.Expand(c.PrivateKeyPath)
		if err != nil {
			return fmt.Errorf("invalid private key path: %w", err)
		}
		c.PrivateKeyPath = path
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", path)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return fmt.Errorf("SSH_AUTH_SOCK is not set")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	return nil
}

func defaultPrivateKey() string {
	home, err := homedir.Dir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config. The
// returned closer releases the agent connection, if any.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, func() error, error) {
	closer := func() error { return nil }
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods,
			ssh.Password(c.Password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			}),
		)

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))

	case AuthMethodAgent:
		conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to ssh agent: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		closer = conn.Close
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.StrictHostKeyChecking {
		path, err := homedir.Expand(c.KnownHostsPath)
		if err != nil || path == "" {
			_ = closer()
			return nil, nil, fmt.Errorf("known_hosts path is required for strict host key checking")
		}
		hostKeyCallback, err = knownhosts.New(path)
		if err != nil {
			_ = closer()
			return nil, nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, closer, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
