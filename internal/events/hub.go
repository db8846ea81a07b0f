// Package events provides the in-process pub/sub hub through which all
// daemon components communicate. No component holds a direct reference to
// another; everything flows through named events.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event names published on the hub.
const (
	InputReceived         = "input_received"
	OutputUpdated         = "output_updated"
	OutputTruncated       = "output_truncated"
	SessionStarted        = "session_started"
	SessionTerminated     = "session_terminated"
	AgentToolUse          = "agent_tool_use"
	AgentToolDone         = "agent_tool_done"
	AgentStop             = "agent_stop"
	AgentIdle             = "agent_idle"
	HeartbeatReceived     = "heartbeat_received"
	PeerSeen              = "peer_seen"
	PeerLost              = "peer_lost"
	RemoteCommandReceived = "remote_command_received"
	RemoteOutputChunk     = "remote_output_chunk"
	ErrorReported         = "error"
)

// Event is a single message on the hub.
type Event struct {
	Name      string          `json:"name"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Hub is a fan-out pub/sub bus. Subscribers receive events on a buffered
// channel in emission order. Publish never blocks: a subscriber whose buffer
// is full misses the event.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]map[string]bool // channel → subscribed event names (nil = all)
}

// New creates an event hub.
func New() *Hub {
	return &Hub{subs: make(map[chan Event]map[string]bool)}
}

// Subscribe returns a channel receiving events with the given names.
// No names means all events. The channel is buffered (128).
func (h *Hub) Subscribe(names ...string) chan Event {
	ch := make(chan Event, 128)
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(names) == 0 {
		h.subs[ch] = nil
	} else {
		filter := make(map[string]bool, len(names))
		for _, n := range names {
			filter[n] = true
		}
		h.subs[ch] = filter
	}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// Publish sends an event to all matching subscribers.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, filter := range h.subs {
		if filter != nil && !filter[e.Name] {
			continue
		}
		select {
		case ch <- e:
		default:
			// slow subscriber, drop
		}
	}
}

// Emit marshals data and publishes it under the given event name.
func (h *Hub) Emit(name, sessionID string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	h.Publish(Event{
		Name:      name,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Data:      raw,
	})
}

// Close unsubscribes everyone and closes their channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}
