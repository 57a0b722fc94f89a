package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client is a connection to a provisioning target. It runs commands over
// SSH sessions and accesses files over SFTP, so it satisfies both
// runner.Runner and hostfs.FS.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
	stop        chan struct{}
}

// NewClient validates config and returns an unconnected client.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes the SSH connection and opens the SFTP subsystem.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	conn, err := c.dial(ctx, clientConfig)
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		c.closeProxy()
		return &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to start SFTP subsystem: %w", err),
			IsTemporary: true,
		}
	}

	c.client = conn
	c.sftp = sftpClient
	c.connectedAt = time.Now()
	c.stop = make(chan struct{})

	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(conn, c.stop)
	}

	c.logger.Info().Str("address", c.config.Address()).Msg("SSH connection established")
	return nil
}

// dial connects directly or through the jump host.
func (c *Client) dial(ctx context.Context, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	address := c.config.Address()

	if c.config.ProxyHost == "" {
		c.logger.Debug().Str("address", address).Msg("establishing SSH connection")

		dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
		netConn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
		}
		return c.handshake(netConn, address, clientConfig)
	}

	c.logger.Debug().Str("proxy", c.config.ProxyAddress()).Msg("connecting to jump host")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	proxyConn, err := dialer.DialContext(ctx, "tcp", c.config.ProxyAddress())
	if err != nil {
		return nil, &TransportError{Op: "connect-proxy", Err: err, IsTemporary: true}
	}
	proxy, err := c.handshake(proxyConn, c.config.ProxyAddress(), clientConfig)
	if err != nil {
		return nil, err
	}

	targetConn, err := proxy.DialContext(ctx, "tcp", address)
	if err != nil {
		_ = proxy.Close()
		return nil, &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}
	client, err := c.handshake(targetConn, address, clientConfig)
	if err != nil {
		_ = proxy.Close()
		return nil, err
	}

	c.proxy = proxy
	return client, nil
}

func (c *Client) handshake(conn net.Conn, address string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "handshake", Err: err, IsAuthError: true}
	}
	return ssh.NewClient(ncc, chans, reqs), nil
}

// Close shuts down the SFTP subsystem and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	c.logger.Debug().Msg("closing SSH connection")

	close(c.stop)
	_ = c.sftp.Close()
	err := c.client.Close()
	c.closeProxy()

	c.client = nil
	c.sftp = nil

	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *Client) closeProxy() {
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
}

// IsConnected returns true if the client has an active connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// Host returns the configured target host.
func (c *Client) Host() string {
	return c.config.Host
}

// ConnectedAt returns when the current connection was established.
func (c *Client) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// HealthCheck verifies the connection by running true in a new session.
func (c *Client) HealthCheck(ctx context.Context) error {
	conn, err := c.conn()
	if err != nil {
		return err
	}

	session, err := conn.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() { done <- session.Run("true") }()

	select {
	case <-ctx.Done():
		return &TransportError{Op: "healthcheck", Err: ctx.Err(), IsTemporary: true}
	case err := <-done:
		if err != nil {
			return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
		}
	}
	return nil
}

// keepAlive sends periodic keep-alive requests until stop is closed.
func (c *Client) keepAlive(conn *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
	}
}

func (c *Client) conn() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}

func (c *Client) sftpClient() (*sftp.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.sftp == nil {
		return nil, &TransportError{Op: "sftp", Err: fmt.Errorf("not connected")}
	}
	return c.sftp, nil
}
