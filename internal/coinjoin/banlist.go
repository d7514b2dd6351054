package coinjoin

import (
	"sync"
	"time"
)

// banList is the TTL-bounded banned-participant set (spec.md §4.2:
// "added to a banned set with TTL = banDuration"). It follows the same
// bounded-map-with-expiry shape as the heuristics engine's watchlist,
// swept lazily on read rather than by a background goroutine.
type banList struct {
	mu      sync.Mutex
	banned  map[string]time.Time // participant id -> expiry
	ttl     time.Duration
}

func newBanList(ttl time.Duration) *banList {
	return &banList{banned: make(map[string]time.Time), ttl: ttl}
}

func (b *banList) ban(participantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.banned[participantID] = time.Now().UTC().Add(b.ttl)
}

func (b *banList) isBanned(participantID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	expiry, ok := b.banned[participantID]
	if !ok {
		return false
	}
	if time.Now().UTC().After(expiry) {
		delete(b.banned, participantID)
		return false
	}
	return true
}
