// Package activity keeps a short-lived cache of per-session activity
// snapshots so read paths (status queries, roster rendering) do not hit
// the store or the pane on every request.
package activity

import (
	"context"
	"sync"
	"time"
)

// Snapshot is the latest observed activity for one session.
type Snapshot struct {
	SessionID  string
	Status     string
	Summary    string    // tail of recent pane output
	AgentState string    // "working", "idle", or ""
	LastOutput time.Time // when output last changed
	Taken      time.Time
}

// Cache holds snapshots with a freshness TTL and fans updates out to
// subscribers. Entry state and the subscriber set are guarded separately
// so notifications never hold the entry lock.
type Cache struct {
	mu   sync.RWMutex
	ttl  time.Duration
	data map[string]Snapshot

	subsMu sync.RWMutex
	subs   map[chan Snapshot]struct{}
}

// NewCache creates a cache whose entries go stale after ttl.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:  ttl,
		data: make(map[string]Snapshot),
		subs: make(map[chan Snapshot]struct{}),
	}
}

// Put stores a snapshot and notifies subscribers. Slow subscribers miss
// updates rather than block the writer.
func (c *Cache) Put(s Snapshot) {
	s.Taken = time.Now()

	c.mu.Lock()
	c.data[s.SessionID] = s
	c.mu.Unlock()

	// The read lock excludes only unsubscription (which closes channels
	// under the write lock); a notified subscriber may call Get or Fresh.
	c.subsMu.RLock()
	for ch := range c.subs {
		select {
		case ch <- s:
		default:
		}
	}
	c.subsMu.RUnlock()
}

// Get returns the snapshot for a session if it is still fresh.
func (c *Cache) Get(sessionID string) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.data[sessionID]
	if !ok || time.Since(s.Taken) > c.ttl {
		return Snapshot{}, false
	}
	return s, true
}

// Fresh returns all snapshots within the TTL.
func (c *Cache) Fresh() []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Snapshot
	for _, s := range c.data {
		if time.Since(s.Taken) <= c.ttl {
			out = append(out, s)
		}
	}
	return out
}

// Drop removes a session's snapshot, used at termination.
func (c *Cache) Drop(sessionID string) {
	c.mu.Lock()
	delete(c.data, sessionID)
	c.mu.Unlock()
}

// Subscribe returns a channel of snapshot updates, closed when ctx ends.
func (c *Cache) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 32)
	c.subsMu.Lock()
	c.subs[ch] = struct{}{}
	c.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		c.subsMu.Lock()
		delete(c.subs, ch)
		close(ch)
		c.subsMu.Unlock()
	}()
	return ch
}
