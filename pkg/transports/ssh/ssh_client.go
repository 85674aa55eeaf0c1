package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client holds one SSH connection to the command host and runs commands on
// it. It implements engine.CommandRunner. The connection is opened on first
// use and reopened after it dies.
type Client struct {
	config *Config
	logger zerolog.Logger

	connMu      sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	isConnected bool
}

// NewClient creates an SSH client. No connection is made until Connect or Run.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Host returns the host commands run on.
func (c *Client) Host() string {
	return c.config.Host
}

// Connect establishes the SSH connection.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		c.logger.Warn().Msg("Existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig(c.config.User)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	if c.config.IsProxyEnabled() {
		return c.connectViaProxy(ctx, clientConfig)
	}
	return c.connectDirect(ctx, clientConfig)
}

// dial opens an SSH client connection honouring ctx.
func dial(ctx context.Context, address string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: clientConfig.Timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

func (c *Client) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("Establishing SSH connection")

	client, err := dial(ctx, address, clientConfig)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}
	c.connected(client, nil)
	c.logger.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

// connectViaProxy connects to the target through a jump host that accepts
// the same credentials.
func (c *Client) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig, err := c.config.BuildSSHClientConfig(c.config.ProxyUser)
	if err != nil {
		return fmt.Errorf("failed to build proxy config: %w", err)
	}

	c.logger.Debug().Str("proxy", c.config.ProxyAddress()).Msg("Connecting to jump host")
	proxyClient, err := dial(ctx, c.config.ProxyAddress(), proxyConfig)
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: err, IsTemporary: true}
	}

	targetAddress := c.config.Address()
	proxyConn, err := proxyClient.DialContext(ctx, "tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(proxyConn, targetAddress, targetConfig)
	if err != nil {
		_ = proxyConn.Close()
		_ = proxyClient.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true, IsAuthError: true}
	}

	c.connected(ssh.NewClient(ncc, chans, reqs), proxyClient)
	c.logger.Info().Str("target", targetAddress).Str("proxy", c.config.ProxyAddress()).Msg("SSH connection established via jump host")
	return nil
}

// connected records a new connection. Must be called with connMu held.
func (c *Client) connected(client, proxy *ssh.Client) {
	c.client = client
	c.proxy = proxy
	c.isConnected = true

	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(client)
	}
}

// Disconnect closes the SSH connection.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}
	c.logger.Debug().Msg("Closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *Client) closeLocked() error {
	var err error
	if c.client != nil {
		err = c.client.Close()
	}
	if c.proxy != nil {
		_ = c.proxy.Close()
	}
	c.client = nil
	c.proxy = nil
	c.isConnected = false
	return err
}

// IsConnected returns true if the client has an active connection.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}
	return c.healthCheckInternal()
}

// healthCheckInternal runs "true" on the connection. Must be called with
// connMu held.
func (c *Client) healthCheckInternal() error {
	session, err := c.client.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

// keepAlive pings client until it fails MaxKeepAliveRetries times in a row
// or is replaced.
func (c *Client) keepAlive(client *ssh.Client) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for range ticker.C {
		c.connMu.RLock()
		current := c.client
		c.connMu.RUnlock()
		if current != client {
			return
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.Warn().Err(err).Int("retries", retries).Msg("Keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("Keep-alive failed too many times, dropping connection")
				c.connMu.Lock()
				if c.client == client {
					_ = c.closeLocked()
				}
				c.connMu.Unlock()
				return
			}
			continue
		}
		retries = 0
	}
}

// session opens a session, connecting first when needed.
func (c *Client) session(ctx context.Context) (*ssh.Session, error) {
	c.connMu.RLock()
	client := c.client
	c.connMu.RUnlock()

	if client == nil {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		c.connMu.RLock()
		client = c.client
		c.connMu.RUnlock()
	}

	session, err := client.NewSession()
	if err != nil {
		// The connection may have died since the last command; retry once.
		if cerr := c.Connect(ctx); cerr != nil {
			return nil, cerr
		}
		c.connMu.RLock()
		client = c.client
		c.connMu.RUnlock()
		if session, err = client.NewSession(); err != nil {
			return nil, &TransportError{Op: "session", Err: err, IsTemporary: true}
		}
	}

	return session, nil
}
