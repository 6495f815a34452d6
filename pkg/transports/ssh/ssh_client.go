package ssh

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client is a single SSH connection used for file transfer.
type Client struct {
	config     *Config
	client     *ssh.Client
	closeAgent func() error
	logger     zerolog.Logger
}

// NewClient validates config and returns an unconnected client.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Address()).Logger(),
	}, nil
}

// Connect dials the remote host. It honours ctx cancellation while dialing.
func (c *Client) Connect(ctx context.Context) error {
	if c.client != nil {
		return nil
	}

	clientConfig, closeAgent, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	c.logger.Debug().Msg("Establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address())
	if err != nil {
		_ = closeAgent()
		return &TransportError{Op: "connect", Err: err}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.config.Address(), clientConfig)
	if err != nil {
		_ = conn.Close()
		_ = closeAgent()
		return &TransportError{Op: "handshake", Err: err, IsAuthError: true}
	}

	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.closeAgent = closeAgent
	c.logger.Info().Str("user", c.config.User).Msg("SSH connection established")
	return nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	if c.closeAgent != nil {
		_ = c.closeAgent()
		c.closeAgent = nil
	}
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) sshClient() (*ssh.Client, error) {
	if c.client == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}
