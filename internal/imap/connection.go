package imap

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
)

const dialTimeout = 5 * time.Second

// connectionRole indicates the purpose of a connection.
type connectionRole int

const (
	// roleWorker indicates a worker connection. There can be multiple worker connections per account.
	roleWorker connectionRole = iota
	// roleListener indicates a listener connection. There can be only one listener connection per account.
	roleListener
)

// Credentials identify one IMAP login.
type Credentials struct {
	Host     string
	Port     int
	Security models.Security
	Username string
	Password string
}

// Addr returns host:port.
func (c Credentials) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// pooledConn wraps an IMAP client with a mutex for thread-safe access.
// Each connection has its own mutex to allow concurrent access to different connections
// while serializing access to the same connection.
type pooledConn struct {
	client   *client.Client
	mu       sync.Mutex
	lastUsed time.Time
	role     connectionRole
}

// Lock acquires the mutex for thread-safe access to the underlying client.
func (c *pooledConn) Lock() {
	c.mu.Lock()
}

// TryLock acquires the mutex if it is free.
func (c *pooledConn) TryLock() bool {
	return c.mu.TryLock()
}

// Unlock releases the mutex.
func (c *pooledConn) Unlock() {
	c.mu.Unlock()
}

// GetClient returns the underlying IMAP client.
// Caller must hold the lock before calling this.
func (c *pooledConn) GetClient() *client.Client {
	return c.client
}

// UpdateLastUsed updates the lastUsed timestamp to now.
func (c *pooledConn) UpdateLastUsed() {
	c.lastUsed = time.Now()
}

// GetLastUsed returns the lastUsed timestamp.
func (c *pooledConn) GetLastUsed() time.Time {
	return c.lastUsed
}

// Dial connects with the transport mode the account asks for and logs in.
// A rejected login is terminal for the stored password.
func Dial(creds Credentials) (*client.Client, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	tlsConfig := &tls.Config{ServerName: creds.Host}

	var (
		c   *client.Client
		err error
	)
	switch creds.Security {
	case models.SecurityTLS, "":
		c, err = client.DialWithDialerTLS(dialer, creds.Addr(), tlsConfig)
	default:
		c, err = client.DialWithDialer(dialer, creds.Addr())
	}
	if err != nil {
		return nil, mailerr.New(providerName, "dial", mailerr.ErrTransient, fmt.Errorf("failed to dial %s: %w", creds.Addr(), err))
	}

	if creds.Security == models.SecuritySTARTTLS {
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Logout()
			return nil, mailerr.New(providerName, "starttls", mailerr.ErrTransient, err)
		}
	}

	if err := c.Login(creds.Username, creds.Password); err != nil {
		_ = c.Logout()
		return nil, mailerr.New(providerName, "login", mailerr.ErrReauthRequired, fmt.Errorf("failed to authenticate: %w", err))
	}
	return c, nil
}
