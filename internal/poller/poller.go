// Package poller watches local terminal bridges and turns pane changes
// into events: one loop per session at a fixed tick.
package poller

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/teleclaude/teleclaude/internal/activity"
	"github.com/teleclaude/teleclaude/internal/bridge"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/events"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// Agent tool markers as the CLIs print them at the start of a line.
const (
	toolUseMarker  = "⏺"
	toolDoneMarker = "⎿"
)

// StatusSink is the subset of the lifecycle coordinator the poller drives:
// bridge reachability transitions.
type StatusSink interface {
	MarkHeadless(ctx context.Context, sessionID string)
	MarkRunning(ctx context.Context, sessionID string)
}

// Manager runs one poll loop per watched session. It implements the
// lifecycle coordinator's Watcher.
type Manager struct {
	cfg    config.PollConfig
	bridge bridge.Bridge
	store  *store.Store
	cache  *activity.Cache
	hub    *events.Hub
	errs   *events.Errors
	sink   StatusSink
	logger *slog.Logger

	ctx    context.Context
	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

// NewManager creates the polling coordinator. Run must be called before
// Watch.
func NewManager(cfg config.PollConfig, br bridge.Bridge, st *store.Store, cache *activity.Cache, hub *events.Hub, sink StatusSink, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		bridge: br,
		store:  st,
		cache:  cache,
		hub:    hub,
		errs:   events.NewErrors(hub),
		sink:   sink,
		logger: logger.With("component", "poller"),
		cancel: make(map[string]context.CancelFunc),
	}
}

// Run anchors the manager to the daemon's lifetime. All loops stop when
// ctx ends.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	<-ctx.Done()
	m.mu.Lock()
	for id, cancel := range m.cancel {
		cancel()
		delete(m.cancel, id)
	}
	m.mu.Unlock()
}

// Watch starts a poll loop for a session. Watching an already-watched
// session is a no-op.
func (m *Manager) Watch(sessionID string, h bridge.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cancel[sessionID]; ok {
		return
	}
	parent := m.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	m.cancel[sessionID] = cancel
	go m.loop(ctx, sessionID, h)
}

// Unwatch stops a session's loop. Called exactly when the session
// terminates.
func (m *Manager) Unwatch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancel[sessionID]; ok {
		cancel()
		delete(m.cancel, sessionID)
	}
}

// loop is one session's poll cycle: read, diff, summarize, emit.
func (m *Manager) loop(ctx context.Context, sessionID string, h bridge.Handle) {
	ticker := time.NewTicker(m.cfg.Interval.Duration)
	defer ticker.Stop()

	var (
		cur          bridge.Cursor
		failures     int
		headless     bool
		idleEmitted  bool
		lastOutput   = time.Now()
		lastPersist  time.Time
		activityDirt bool
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		data, next, truncated, err := m.bridge.ReadSince(ctx, h, cur)
		if err != nil {
			failures++
			if failures == m.cfg.HeadlessAfter && !headless {
				headless = true
				m.sink.MarkHeadless(ctx, sessionID)
				m.errs.Report(sessionID, protocol.ErrBridgeUnavailable, "terminal bridge unreachable")
			}
			continue
		}
		if headless {
			headless = false
			m.sink.MarkRunning(ctx, sessionID)
		}
		failures = 0
		cur = next

		if truncated {
			m.logger.Warn("pane history wrapped past cursor", "session_id", sessionID)
		}
		if len(data) == 0 {
			if !idleEmitted && time.Since(lastOutput) >= m.cfg.IdleThreshold.Duration {
				idleEmitted = true
				m.hub.Emit(events.AgentIdle, sessionID, events.SessionPayload{SessionID: sessionID})
			}
			continue
		}

		lastOutput = time.Now()
		idleEmitted = false
		activityDirt = true

		clean := Collapse(string(data))
		summary := Summarize(clean, m.cfg.SummaryTail)

		m.cache.Put(activity.Snapshot{
			SessionID:  sessionID,
			Summary:    summary,
			AgentState: "working",
			LastOutput: lastOutput,
		})
		m.hub.Emit(events.OutputUpdated, sessionID, events.OutputPayload{
			SessionID: sessionID,
			Data:      clean,
			Summary:   summary,
			Cursor:    cur.Offset,
			Truncated: truncated,
		})

		for _, line := range strings.Split(clean, "\n") {
			trimmed := strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(trimmed, toolUseMarker):
				m.hub.Emit(events.AgentToolUse, sessionID, events.ToolPayload{
					SessionID: sessionID,
					Tool:      strings.TrimSpace(strings.TrimPrefix(trimmed, toolUseMarker)),
				})
			case strings.HasPrefix(trimmed, toolDoneMarker):
				m.hub.Emit(events.AgentToolDone, sessionID, events.ToolPayload{
					SessionID: sessionID,
					Tool:      strings.TrimSpace(strings.TrimPrefix(trimmed, toolDoneMarker)),
				})
			}
		}

		// Batch store writes so a chatty pane does not hammer the store.
		if activityDirt && time.Since(lastPersist) >= 2*time.Second {
			lastPersist = time.Now()
			activityDirt = false
			if err := m.store.UpdateActivity(ctx, sessionID, lastOutput); err != nil {
				m.logger.Warn("activity persist failed", "session_id", sessionID, "error", err)
			}
			if err := m.store.AppendOutputSummary(ctx, sessionID, summary, lastOutput); err != nil {
				m.logger.Warn("summary persist failed", "session_id", sessionID, "error", err)
			}
		}
	}
}

// Collapse normalizes raw pane bytes: ANSI escape sequences are stripped
// and carriage-return overwrites keep only the final rendering of a line.
func Collapse(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		c := s[i]
		if c == 0x1b { // ESC: skip CSI/OSC sequence
			i++
			if i < len(s) && s[i] == '[' {
				i++
				for i < len(s) && (s[i] < 0x40 || s[i] > 0x7e) {
					i++
				}
				if i < len(s) {
					i++
				}
				continue
			}
			continue
		}
		if c == '\r' {
			// CR not followed by LF rewinds the line.
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
				continue
			}
			line := b.String()
			if idx := strings.LastIndexByte(line, '\n'); idx >= 0 {
				b.Reset()
				b.WriteString(line[:idx+1])
			} else {
				b.Reset()
			}
			i++
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

// Summarize returns the last non-empty line of the tail window.
func Summarize(s string, tail int) string {
	if tail > 0 && len(s) > tail {
		s = s[len(s)-tail:]
	}
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if t := strings.TrimSpace(lines[i]); t != "" {
			return t
		}
	}
	return ""
}
