package events

import (
	"sync"
	"time"
)

// Error events per session are capped per window so a failing loop cannot
// flood every subscriber.
const (
	errorWindow  = time.Minute
	errorCeiling = 10
)

// Errors reports session-scoped failures as error events with storm
// suppression.
type Errors struct {
	hub *Hub

	mu      sync.Mutex
	windows map[string]*errWindow
}

type errWindow struct {
	start time.Time
	count int
}

// NewErrors creates the rate-limited error reporter.
func NewErrors(hub *Hub) *Errors {
	return &Errors{hub: hub, windows: make(map[string]*errWindow)}
}

// Report emits an error event for a session. Once a session exhausts its
// window the event carries a suppression notice and further errors in the
// window are dropped.
func (e *Errors) Report(sessionID, kind, message string) {
	now := time.Now()
	e.mu.Lock()
	w := e.windows[sessionID]
	if w == nil || now.Sub(w.start) >= errorWindow {
		w = &errWindow{start: now}
		e.windows[sessionID] = w
	}
	w.count++
	count := w.count
	e.mu.Unlock()

	if count > errorCeiling {
		return
	}
	if count == errorCeiling {
		message += " (further errors suppressed)"
	}
	e.hub.Emit(ErrorReported, sessionID, ErrorPayload{
		SessionID: sessionID,
		Kind:      kind,
		Message:   message,
	})
}
