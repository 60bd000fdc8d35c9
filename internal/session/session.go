// Package session tracks which accounts currently have an active session.
// One account may be online from at most one session at a time.
package session

import "sync"

// Registry maps user ids to an online flag. It has its own lock, unrelated to
// any book or ledger lock.
type Registry struct {
	mu     sync.RWMutex
	online map[int64]bool
}

// NewRegistry creates an empty registry; every known user starts offline.
func NewRegistry() *Registry {
	return &Registry{online: make(map[int64]bool)}
}

// MarkOnline flags the user as having an active session. Returns false when
// the user is already online, in which case the flag is unchanged.
func (r *Registry) MarkOnline(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.online[userID] {
		return false
	}
	r.online[userID] = true
	return true
}

// MarkOffline clears the user's online flag.
func (r *Registry) MarkOffline(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.online, userID)
}

// IsOnline reports whether the user has an active session.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.online[userID]
}
