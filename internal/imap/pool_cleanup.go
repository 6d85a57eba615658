package imap

import (
	"time"
)

// startCleanupGoroutine periodically closes idle worker connections until the pool is closed.
func (p *Pool) startCleanupGoroutine() {
	ticker := time.NewTicker(1 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-p.cleanupCtx.Done():
				return
			case <-ticker.C:
				p.cleanupIdleConnections(time.Now())
			}
		}
	}()
}

// cleanupIdleConnections removes worker connections unused for longer than workerIdleTimeout.
// Connections currently in use are left alone.
func (p *Pool) cleanupIdleConnections(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for accountID, set := range p.workerSets {
		set.mu.Lock()
		kept := set.clients[:0]
		for _, conn := range set.clients {
			if now.Sub(conn.GetLastUsed()) > workerIdleTimeout && conn.TryLock() {
				_ = conn.GetClient().Logout()
				conn.Unlock()
				continue
			}
			kept = append(kept, conn)
		}
		set.clients = kept
		if len(set.clients) == 0 {
			delete(p.workerSets, accountID)
		}
		set.mu.Unlock()
	}
}
