package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionTable binds a sticky-session id to a pinned node for a bounded
// TTL, refreshed on every use, and periodically swept for expiry.
type SessionTable struct {
	ttl time.Duration

	mu       sync.RWMutex
	sessions map[string]*StickySession

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewSessionTable(ttl time.Duration) *SessionTable {
	return &SessionTable{
		ttl:      ttl,
		sessions: make(map[string]*StickySession),
		stopCh:   make(chan struct{}),
	}
}

// NewSessionID mints a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Pin binds sessionID to nodeID, creating or refreshing the binding.
func (t *SessionTable) Pin(sessionID, nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.sessions[sessionID] = &StickySession{
		SessionID:  sessionID,
		NodeID:     nodeID,
		LastUsedAt: now,
		ExpiresAt:  now.Add(t.ttl),
	}
}

// Lookup returns the node pinned to sessionID, refreshing its TTL on
// hit. Returns ("", false) if unpinned or expired.
func (t *SessionTable) Lookup(sessionID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[sessionID]
	if !ok {
		return "", false
	}
	if time.Now().After(s.ExpiresAt) {
		delete(t.sessions, sessionID)
		return "", false
	}

	now := time.Now()
	s.LastUsedAt = now
	s.ExpiresAt = now.Add(t.ttl)
	return s.NodeID, true
}

// Sweep removes every expired session binding.
func (t *SessionTable) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for id, s := range t.sessions {
		if now.After(s.ExpiresAt) {
			delete(t.sessions, id)
		}
	}
}

// StartSweep runs Sweep on a ticker at ttl/2, following the teacher's
// duration/2 cleanup cadence rule-of-thumb.
func (t *SessionTable) StartSweep() {
	interval := t.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Sweep()
			case <-t.stopCh:
				return
			}
		}
	}()
}

func (t *SessionTable) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
}
