package imap

import (
	"time"
)

// GetListenerConnection gets or dials the dedicated IDLE connection of an account.
// Returns a locked connection that must be unlocked by the caller.
func (p *Pool) GetListenerConnection(accountID string, creds Credentials) (ListenerClient, error) {
	p.mu.RLock()
	listener, exists := p.listeners[accountID]
	p.mu.RUnlock()

	if exists {
		listener.Lock()
		p.mu.RLock()
		current, stillExists := p.listeners[accountID]
		p.mu.RUnlock()

		if !stillExists || current != listener {
			listener.Unlock()
			return p.GetListenerConnection(accountID, creds)
		}
		if isHealthy(listener.GetClient()) {
			return listener, nil
		}

		listener.Unlock()
		p.mu.Lock()
		if p.listeners[accountID] == listener {
			delete(p.listeners, accountID)
		}
		p.mu.Unlock()
		_ = listener.GetClient().Logout()
	}

	c, err := p.dial(creds)
	if err != nil {
		return nil, err
	}

	listener = &pooledConn{
		client:   c,
		lastUsed: time.Now(),
		role:     roleListener,
	}

	p.mu.Lock()
	if existing, exists := p.listeners[accountID]; exists {
		p.mu.Unlock()
		_ = c.Logout()
		existing.Lock()
		return existing, nil
	}
	p.listeners[accountID] = listener
	p.mu.Unlock()

	listener.Lock()
	return listener, nil
}

// RemoveListenerConnection removes a listener connection from the pool.
func (p *Pool) RemoveListenerConnection(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if listener, exists := p.listeners[accountID]; exists {
		listener.Lock()
		_ = listener.GetClient().Logout()
		listener.Unlock()
		delete(p.listeners, accountID)
	}
}
