// Package peers tracks which other nodes are alive, from their heartbeat
// keys on the shared stream store.
package peers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/teleclaude/teleclaude/internal/events"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// stalenessFactor: a peer is offline after missing this many consecutive
// heartbeat intervals.
const stalenessFactor = 3

// Peer is the tracked state of a remote node.
type Peer struct {
	Computer  string
	Caps      []string
	Interests []string
	LastSeen  time.Time
	Online    bool
}

// Registry is the in-memory peer table. The transport feeds it observed
// heartbeats; a sweeper demotes peers whose heartbeats stop. Transitions
// publish peer_seen / peer_lost exactly once per edge.
type Registry struct {
	mu       sync.RWMutex
	peers    map[string]*Peer
	interval time.Duration
	local    string
	hub      *events.Hub
	logger   *slog.Logger
}

// NewRegistry creates a peer table. local is this node's computer name,
// filtered out of observations. interval is the cluster heartbeat cadence.
func NewRegistry(local string, interval time.Duration, hub *events.Hub, logger *slog.Logger) *Registry {
	return &Registry{
		peers:    make(map[string]*Peer),
		interval: interval,
		local:    local,
		hub:      hub,
		logger:   logger.With("component", "peers"),
	}
}

// Observe records a heartbeat. The first observation of a computer, or the
// first after it went stale, publishes peer_seen.
func (r *Registry) Observe(hb protocol.Heartbeat) {
	if hb.Computer == "" || hb.Computer == r.local {
		return
	}
	now := time.Now()

	r.mu.Lock()
	p, ok := r.peers[hb.Computer]
	if !ok {
		p = &Peer{Computer: hb.Computer}
		r.peers[hb.Computer] = p
	}
	wasOnline := p.Online
	p.Caps = hb.Caps
	p.Interests = hb.Interests
	p.LastSeen = now
	p.Online = true
	r.mu.Unlock()

	if !wasOnline {
		r.logger.Info("peer online", "computer", hb.Computer, "interests", hb.Interests)
		r.hub.Emit(events.PeerSeen, "", events.PeerPayload{
			Computer:  hb.Computer,
			Caps:      hb.Caps,
			Interests: hb.Interests,
		})
	}
}

// Get returns a snapshot of one peer.
func (r *Registry) Get(computer string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[computer]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// List returns snapshots of every known peer. Computers are never
// forgotten; a stale entry just reads offline.
func (r *Registry) List() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// ListOnline returns snapshots of all currently live peers.
func (r *Registry) ListOnline() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Peer
	for _, p := range r.peers {
		if p.Online {
			out = append(out, *p)
		}
	}
	return out
}

// InterestedIn returns the online peers that subscribed to topic.
func (r *Registry) InterestedIn(topic string) []Peer {
	var out []Peer
	for _, p := range r.ListOnline() {
		for _, t := range p.Interests {
			if t == topic {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// Run sweeps for stale peers until ctx ends. A peer whose last heartbeat is
// older than stalenessFactor intervals flips offline and publishes
// peer_lost once.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	cutoff := now.Add(-time.Duration(stalenessFactor) * r.interval)

	var lost []Peer
	r.mu.Lock()
	for _, p := range r.peers {
		if p.Online && p.LastSeen.Before(cutoff) {
			p.Online = false
			lost = append(lost, *p)
		}
	}
	r.mu.Unlock()

	for _, p := range lost {
		r.logger.Info("peer offline", "computer", p.Computer, "last_seen", p.LastSeen)
		r.hub.Emit(events.PeerLost, "", events.PeerPayload{
			Computer:  p.Computer,
			Caps:      p.Caps,
			Interests: p.Interests,
		})
	}
}
