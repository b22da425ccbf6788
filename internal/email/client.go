package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Client is the single-account IMAP client. Connections are lazy and
// re-established after a failed NOOP; all public methods are
// goroutine-safe behind one mutex, since go-imap commands on one
// connection must not interleave with a half-read fetch.
type Client struct {
	host     string
	port     int
	username string
	password string
	logger   *slog.Logger

	mu           sync.Mutex
	client       *imapclient.Client
	draftsFolder string
}

// NewClient builds the client. Port 0 defaults to 993. Port 143
// connects plain and upgrades via STARTTLS; everything else is
// implicit TLS. Credentials never travel unencrypted.
func NewClient(host string, port int, username, password string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if port == 0 {
		port = 993
	}
	return &Client{
		host:     host,
		port:     port,
		username: username,
		password: password,
		logger:   logger.With("component", "email"),
	}
}

// Connect dials and authenticates eagerly. Normally the first command
// connects on demand; the daemon calls this at startup so a bad
// password fails loudly instead of on the first tool call.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}

	addr := net.JoinHostPort(c.host, fmt.Sprintf("%d", c.port))
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: c.host},
	}

	var (
		cl  *imapclient.Client
		err error
	)
	if c.port == 143 {
		cl, err = imapclient.DialStartTLS(addr, opts)
	} else {
		cl, err = imapclient.DialTLS(addr, opts)
	}
	if err != nil {
		return fmt.Errorf("dial imap %s: %w", addr, err)
	}

	if err := cl.Login(c.username, c.password).Wait(); err != nil {
		_ = cl.Close()
		return fmt.Errorf("imap login as %s: %w", c.username, err)
	}

	c.client = cl
	c.logger.Info("imap connected", "host", c.host, "user", c.username)
	return nil
}

// ensureConnected reconnects when the session went stale. Caller holds
// c.mu.
func (c *Client) ensureConnected(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.client != nil {
		if err := c.client.Noop().Wait(); err == nil {
			return nil
		}
		c.logger.Debug("imap session stale, reconnecting", "host", c.host)
	}
	return c.connectLocked()
}

// Ping reports whether the mailbox is reachable. The connection
// watcher polls this.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnected(ctx)
}

// Close logs out.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// selectFolder selects a mailbox. Caller holds c.mu.
func (c *Client) selectFolder(folder string) (*imap.SelectData, error) {
	if folder == "" {
		folder = "INBOX"
	}
	data, err := c.client.Select(folder, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}
	return data, nil
}
