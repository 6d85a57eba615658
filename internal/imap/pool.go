package imap

import (
	"context"
	"sync"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog/log"
)

const (
	// workerIdleTimeout is the maximum time a worker connection can be idle before being closed.
	workerIdleTimeout = 10 * time.Minute
	// healthCheckThreshold is the idle time after which we perform a health check before reuse.
	healthCheckThreshold = 1 * time.Minute
	// DefaultMaxWorkers bounds worker connections per account.
	DefaultMaxWorkers = 3
)

// Pool manages IMAP connections per account.
// Supports two types of connections:
// - Worker connections: up to maxWorkers per account for fetches, flag updates and appends
// - Listener connections: 1 dedicated connection per account for the IDLE command
//
// Each connection is wrapped with a mutex. Different connections can be used
// concurrently; access to the same connection is serialized.
type Pool struct {
	workerSets    map[string]*workerClientSet // accountID -> worker client set
	listeners     map[string]*pooledConn      // accountID -> listener connection
	mu            sync.RWMutex
	maxWorkers    int
	dial          func(Credentials) (*client.Client, error)
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
}

// NewPool creates a new IMAP connection pool with the default worker limit.
func NewPool() *Pool {
	return NewPoolWithMaxWorkers(DefaultMaxWorkers)
}

// NewPoolWithMaxWorkers creates a new IMAP connection pool with a configurable
// maximum number of worker connections per account.
func NewPoolWithMaxWorkers(maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workerSets:    make(map[string]*workerClientSet),
		listeners:     make(map[string]*pooledConn),
		maxWorkers:    maxWorkers,
		dial:          Dial,
		cleanupCtx:    ctx,
		cleanupCancel: cancel,
	}
	p.startCleanupGoroutine()
	return p
}

// WithClient runs fn on a worker connection for the account. A connection that
// fails mid-call is dropped so the next caller dials a fresh one.
func (p *Pool) WithClient(accountID string, creds Credentials, fn func(c *client.Client) error) error {
	conn, release, err := p.getWorkerConnection(accountID, creds)
	if err != nil {
		return err
	}

	err = fn(conn.GetClient())
	broken := err != nil && !isHealthy(conn.GetClient())
	release()
	if broken {
		p.removeDeadClient(p.getOrCreateWorkerSet(accountID), conn)
	}
	return err
}

// RemoveClient removes all connections (worker and listener) for an account from the pool.
func (p *Pool) RemoveClient(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if set, exists := p.workerSets[accountID]; exists {
		set.close()
		delete(p.workerSets, accountID)
	}

	if listener, exists := p.listeners[accountID]; exists {
		listener.Lock()
		_ = listener.GetClient().Logout()
		listener.Unlock()
		delete(p.listeners, accountID)
	}
}

// Close closes all connections in the pool and stops the cleanup goroutine.
func (p *Pool) Close() {
	p.cleanupCancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	for accountID, set := range p.workerSets {
		set.close()
		delete(p.workerSets, accountID)
	}

	for accountID, listener := range p.listeners {
		if listener.TryLock() {
			if err := listener.GetClient().Logout(); err != nil {
				log.Debug().Str("account_id", accountID).Err(err).Msg("Failed to logout listener connection")
			}
			listener.Unlock()
		} else {
			// In use by an IDLE loop; closing the socket ends it.
			_ = listener.GetClient().Logout()
		}
		delete(p.listeners, accountID)
	}
}
