package imap

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// workerClientSet manages the worker connections of a single account.
// A semaphore caps how many are in use at once.
type workerClientSet struct {
	clients   []*pooledConn
	semaphore chan struct{}
	mu        sync.Mutex
}

// acquire gets an idle connection from the set, blocking while all slots are taken.
// Returns the connection (locked) and a release function that must be called when done.
// If no connection is idle, returns nil and the caller should dial a new one.
func (s *workerClientSet) acquire() (*pooledConn, func()) {
	s.semaphore <- struct{}{}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conn := range s.clients {
		if conn.TryLock() {
			conn.UpdateLastUsed()
			return conn, func() {
				conn.Unlock()
				<-s.semaphore
			}
		}
	}

	<-s.semaphore
	return nil, func() {}
}

// addClient adds a new connection to the set.
func (s *workerClientSet) addClient(conn *pooledConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = append(s.clients, conn)
}

// close logs out every connection in the set. Connections in use are closed
// underneath their holder, which then sees an error.
func (s *workerClientSet) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conn := range s.clients {
		if conn.TryLock() {
			if err := conn.client.Logout(); err != nil {
				log.Debug().Err(err).Msg("Failed to logout worker connection")
			}
			conn.Unlock()
		} else {
			_ = conn.client.Logout()
		}
	}
	s.clients = nil
}
