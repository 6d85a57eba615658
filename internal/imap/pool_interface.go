package imap

import (
	"github.com/emersion/go-imap/client"
)

// ListenerClient is the locked IDLE connection handed out by the pool.
type ListenerClient interface {
	// Unlock releases the connection back to the pool.
	Unlock()
	// GetClient returns the underlying IMAP client.
	// Caller must hold the lock before calling this.
	GetClient() *client.Client
}

var _ ListenerClient = (*pooledConn)(nil)
