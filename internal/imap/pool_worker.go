package imap

import (
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// getOrCreateWorkerSet gets or creates the worker set of an account.
// Thread-safe: uses double-check locking pattern.
func (p *Pool) getOrCreateWorkerSet(accountID string) *workerClientSet {
	p.mu.RLock()
	set, exists := p.workerSets[accountID]
	p.mu.RUnlock()

	if exists {
		return set
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if set, exists := p.workerSets[accountID]; exists {
		return set
	}

	set = &workerClientSet{
		clients:   make([]*pooledConn, 0),
		semaphore: make(chan struct{}, p.maxWorkers),
	}
	p.workerSets[accountID] = set
	return set
}

func isHealthy(c *client.Client) bool {
	state := c.State()
	return state == imap.AuthenticatedState || state == imap.SelectedState
}

// getWorkerConnection gets or dials a worker connection for an account.
// Returns a locked connection and a release function that must be called when done.
func (p *Pool) getWorkerConnection(accountID string, creds Credentials) (*pooledConn, func(), error) {
	set := p.getOrCreateWorkerSet(accountID)

	if conn, release := set.acquire(); conn != nil {
		if isHealthy(conn.GetClient()) &&
			(time.Since(conn.GetLastUsed()) <= healthCheckThreshold || p.checkConnectionHealth(conn)) {
			conn.UpdateLastUsed()
			return conn, release, nil
		}
		release()
		p.removeDeadClient(set, conn)
	}

	set.semaphore <- struct{}{}

	// Another goroutine may have returned a connection while we waited for the slot.
	set.mu.Lock()
	for _, existing := range set.clients {
		if existing.TryLock() {
			if isHealthy(existing.GetClient()) {
				existing.UpdateLastUsed()
				set.mu.Unlock()
				return existing, func() {
					existing.Unlock()
					<-set.semaphore
				}, nil
			}
			existing.Unlock()
		}
	}
	set.mu.Unlock()

	c, err := p.dial(creds)
	if err != nil {
		<-set.semaphore
		return nil, nil, err
	}

	conn := &pooledConn{
		client:   c,
		lastUsed: time.Now(),
		role:     roleWorker,
	}
	conn.Lock()
	set.addClient(conn)

	return conn, func() {
		conn.Unlock()
		<-set.semaphore
	}, nil
}

// removeDeadClient removes a connection from the set and logs it out.
func (p *Pool) removeDeadClient(set *workerClientSet, conn *pooledConn) {
	set.mu.Lock()
	defer set.mu.Unlock()

	for i, c := range set.clients {
		if c == conn {
			set.clients = append(set.clients[:i], set.clients[i+1:]...)
			conn.Lock()
			_ = conn.client.Logout()
			conn.Unlock()
			break
		}
	}
}

// checkConnectionHealth sends a NOOP. The connection must be locked.
func (p *Pool) checkConnectionHealth(conn *pooledConn) bool {
	return conn.client.Noop() == nil
}
