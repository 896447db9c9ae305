package session

import (
	"sort"
	"sync"
	"time"
)

// PresenceSet tracks which peers are currently online, keyed by the exact
// identity they announce.
type PresenceSet struct {
	mu    sync.RWMutex
	peers map[string]time.Time
}

// NewPresenceSet creates an empty set.
func NewPresenceSet() *PresenceSet {
	return &PresenceSet{peers: map[string]time.Time{}}
}

// Add marks identity as present.
func (p *PresenceSet) Add(identity string, at time.Time) {
	p.mu.Lock()
	p.peers[identity] = at
	p.mu.Unlock()
}

// Remove marks identity as absent. It reports whether it was present.
func (p *PresenceSet) Remove(identity string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.peers[identity]
	delete(p.peers, identity)
	return ok
}

// IsPresent reports whether identity is online.
func (p *PresenceSet) IsPresent(identity string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.peers[identity]
	return ok
}

// Peers returns the present identities, sorted.
func (p *PresenceSet) Peers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.peers))
	for id := range p.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
