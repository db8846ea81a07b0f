// Package lifecycle coordinates session state: creation, input, headless
// detection, and termination, serialized per session.
package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teleclaude/teleclaude/internal/adapter"
	"github.com/teleclaude/teleclaude/internal/bridge"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/events"
	"github.com/teleclaude/teleclaude/internal/identity"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// Watcher is notified when a local session gains or loses a terminal
// bridge worth polling. Implemented by the polling coordinator.
type Watcher interface {
	Watch(sessionID string, h bridge.Handle)
	Unwatch(sessionID string)
}

// StartRequest carries everything needed to create a session.
type StartRequest struct {
	ProjectPath  string
	Agent        string
	ThinkingMode string
	Title        string
	Role         protocol.SessionRole

	// Origin names the surface the request came from (protocol.Origin*).
	Origin string
	// OriginAdapter is the adapter that owns input for this session, empty
	// for tool-socket sessions.
	OriginAdapter string

	// ChatUserID is set for chat-originated requests.
	ChatUserID int64
	// CallerDir is set for tool-socket requests.
	CallerDir string
	// ParentSessionID is set for agent-relayed requests; the child inherits
	// the parent's identity.
	ParentSessionID string
	// InitiatorIdentity carries the parent's identity when the parent
	// session lives on another node and cannot be looked up locally.
	InitiatorIdentity string
	// DM routes the chat channel to a direct message instead of a topic.
	DM bool
}

// Coordinator owns the session state machine.
type Coordinator struct {
	cfg      *config.Config
	store    *store.Store
	bridge   bridge.Bridge
	registry *adapter.Registry
	resolver *identity.Resolver
	hub      *events.Hub
	errs     *events.Errors
	watcher  Watcher
	logger   *slog.Logger

	mu     sync.Mutex
	flight map[string]*sync.Mutex
}

// NewCoordinator wires the coordinator. watcher may be set later with
// SetWatcher since the poller depends on the coordinator too.
func NewCoordinator(cfg *config.Config, st *store.Store, br bridge.Bridge, reg *adapter.Registry, res *identity.Resolver, hub *events.Hub, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		store:    st,
		bridge:   br,
		registry: reg,
		resolver: res,
		hub:      hub,
		errs:     events.NewErrors(hub),
		logger:   logger.With("component", "lifecycle"),
		flight:   make(map[string]*sync.Mutex),
	}
}

// SetWatcher attaches the polling coordinator.
func (c *Coordinator) SetWatcher(w Watcher) { c.watcher = w }

// lock serializes operations for one session ID.
func (c *Coordinator) lock(sessionID string) func() {
	c.mu.Lock()
	m, ok := c.flight[sessionID]
	if !ok {
		m = &sync.Mutex{}
		c.flight[sessionID] = m
	}
	c.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (c *Coordinator) resolve(ctx context.Context, req StartRequest) (identity.Resolution, error) {
	switch req.Origin {
	case protocol.OriginChatUser:
		return c.resolver.ResolveChatUser(ctx, req.ChatUserID)
	case protocol.OriginAgentOfSession:
		who := req.InitiatorIdentity
		if who == "" {
			parent, err := c.store.Get(ctx, req.ParentSessionID)
			if err != nil {
				return identity.Resolution{}, err
			}
			who = parent.HumanIdentity
		}
		return c.resolver.ResolveRelayed(ctx, who)
	default:
		return c.resolver.ResolveLocal(req.CallerDir), nil
	}
}

// StartSession creates a local session: resolve identity, persist the
// record, provision adapter channels, start the terminal bridge, and flip
// the record to running.
func (c *Coordinator) StartSession(ctx context.Context, req StartRequest) (*store.Session, error) {
	active, err := c.store.ListLocal(ctx, store.Filter{})
	if err != nil {
		return nil, err
	}
	live := 0
	for _, s := range active {
		if s.Status != protocol.StatusTerminated {
			live++
		}
	}
	if live >= c.cfg.Node.MaxSessions {
		return nil, protocol.NewError(protocol.ErrConflict,
			"session cap reached (%d)", c.cfg.Node.MaxSessions)
	}

	res, err := c.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	projectPath, err := c.resolver.ProjectPath(res, req.ProjectPath)
	if err != nil {
		return nil, err
	}

	role := req.Role
	if role == "" {
		role = protocol.RoleHuman
	}
	sess := &store.Session{
		SessionID:     uuid.NewString(),
		Computer:      c.cfg.Node.ComputerName,
		ProjectPath:   projectPath,
		Agent:         req.Agent,
		ThinkingMode:  req.ThinkingMode,
		Title:         req.Title,
		Status:        protocol.StatusStarting,
		Role:          role,
		InitiatorID:   req.ParentSessionID,
		HumanIdentity: res.Identity,
		CreatedAt:     time.Now(),
		LastActivity:  time.Now(),
	}

	done := c.lock(sess.SessionID)
	defer done()

	if err := c.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	detail := adapter.ProvisionDetail{
		Computer:     sess.Computer,
		Agent:        sess.Agent,
		ThinkingMode: sess.ThinkingMode,
		Title:        sess.Title,
		ProjectPath:  sess.ProjectPath,
	}
	if req.DM {
		detail.DMUserID = req.ChatUserID
	}
	provisioned, err := c.provision(ctx, sess.SessionID, req.OriginAdapter, detail)
	if err != nil {
		c.fail(ctx, sess, "provision failed: "+err.Error(), err)
		return nil, err
	}

	command := agentCommand(sess.Agent, res.Profile)
	h, err := c.bridge.Create(ctx, sess.SessionID, projectPath, command,
		c.cfg.Bridge.DefaultWidth, c.cfg.Bridge.DefaultHeight)
	if err != nil {
		c.finalize(ctx, sess.SessionID, provisioned)
		c.fail(ctx, sess, "bridge create failed: "+err.Error(), err)
		return nil, err
	}

	if err := c.store.UpdateStatus(ctx, sess.SessionID, protocol.StatusRunning); err != nil {
		_ = c.bridge.Close(ctx, h)
		c.finalize(ctx, sess.SessionID, provisioned)
		return nil, err
	}
	sess.Status = protocol.StatusRunning

	if c.watcher != nil {
		c.watcher.Watch(sess.SessionID, h)
	}
	c.logger.Info("session started",
		"session_id", sess.SessionID, "agent", sess.Agent,
		"identity", res.Identity, "path", projectPath)
	c.hub.Emit(events.SessionStarted, sess.SessionID, events.SessionPayload{
		SessionID: sess.SessionID,
		Computer:  sess.Computer,
		Status:    string(sess.Status),
	})
	return sess, nil
}

// provision asks every provisioning adapter for its channel and persists
// the returned metadata. A failure rolls back the channels already made.
func (c *Coordinator) provision(ctx context.Context, sessionID, originAdapter string, detail adapter.ProvisionDetail) ([]store.AdapterMetadata, error) {
	var made []store.AdapterMetadata
	for _, a := range c.registry.All() {
		p, ok := a.(adapter.SessionProvisioner)
		if !ok {
			continue
		}
		meta, err := p.ProvisionSession(ctx, sessionID, detail)
		if err != nil {
			c.finalize(ctx, sessionID, made)
			return nil, err
		}
		m := store.AdapterMetadata{
			SessionID: sessionID,
			Adapter:   a.Name(),
			Origin:    a.Name() == originAdapter,
			Data:      meta,
		}
		if err := c.store.UpdateMetadata(ctx, m); err != nil {
			c.finalize(ctx, sessionID, append(made, m))
			return nil, err
		}
		made = append(made, m)
	}
	return made, nil
}

func (c *Coordinator) finalize(ctx context.Context, sessionID string, metas []store.AdapterMetadata) {
	for _, m := range metas {
		a, ok := c.registry.Get(m.Adapter)
		if !ok {
			continue
		}
		p, ok := a.(adapter.SessionProvisioner)
		if !ok {
			continue
		}
		if err := p.FinalizeSession(ctx, sessionID, m.Data); err != nil {
			c.logger.Warn("adapter finalize failed",
				"session_id", sessionID, "adapter", m.Adapter, "error", err)
		}
	}
}

func (c *Coordinator) fail(ctx context.Context, sess *store.Session, reason string, cause error) {
	c.logger.Error("session startup failed", "session_id", sess.SessionID, "reason", reason)
	c.errs.Report(sess.SessionID, protocol.ErrorKind(cause), reason)
	if err := c.store.UpdateStatus(ctx, sess.SessionID, protocol.StatusTerminated); err != nil {
		c.logger.Error("mark failed session terminated", "session_id", sess.SessionID, "error", err)
	}
	c.hub.Emit(events.SessionTerminated, sess.SessionID, events.SessionPayload{
		SessionID: sess.SessionID,
		Computer:  sess.Computer,
		Status:    string(protocol.StatusTerminated),
		Reason:    reason,
	})
}

// SendMessage writes input to a running local session's terminal,
// followed by a carriage return to submit it. An empty message performs
// no terminal input: sending "" must not submit whatever already sits in
// the agent's input buffer.
func (c *Coordinator) SendMessage(ctx context.Context, sessionID, text, origin string) error {
	if text == "" {
		return nil
	}
	done := c.lock(sessionID)
	defer done()

	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == protocol.StatusTerminated {
		return protocol.NewError(protocol.ErrNotFound, "session %s is terminated", sessionID)
	}
	if sess.Computer != c.cfg.Node.ComputerName {
		return protocol.NewError(protocol.ErrNotFound,
			"session %s lives on %s", sessionID, sess.Computer)
	}

	h := bridge.HandleFor(sessionID)
	if err := c.bridge.Write(ctx, h, []byte(text)); err != nil {
		return err
	}
	if err := c.bridge.Write(ctx, h, []byte("\r")); err != nil {
		return err
	}
	if err := c.store.UpdateActivity(ctx, sessionID, time.Now()); err != nil {
		c.logger.Warn("activity update failed", "session_id", sessionID, "error", err)
	}
	c.hub.Emit(events.InputReceived, sessionID, events.InputPayload{
		SessionID: sessionID,
		Input:     text,
		Adapter:   origin,
	})
	return nil
}

// Interrupt sends Ctrl-C to the session's child process.
func (c *Coordinator) Interrupt(ctx context.Context, sessionID string, twice bool) error {
	sig := bridge.SigInt
	if twice {
		sig = bridge.SigIntTwice
	}
	h := bridge.HandleFor(sessionID)
	return c.bridge.Signal(ctx, h, sig)
}

// EndSession terminates a session: kill the bridge, finalize adapter
// channels, persist terminated_at, emit session_terminated. Idempotent.
func (c *Coordinator) EndSession(ctx context.Context, sessionID, reason string) error {
	done := c.lock(sessionID)
	defer done()

	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == protocol.StatusTerminated {
		return nil
	}

	if c.watcher != nil {
		c.watcher.Unwatch(sessionID)
	}
	h := bridge.HandleFor(sessionID)
	if err := c.bridge.Close(ctx, h); err != nil {
		c.logger.Warn("bridge close failed", "session_id", sessionID, "error", err)
	}

	metas, err := c.store.ListMetadata(ctx, sessionID)
	if err != nil {
		c.logger.Warn("metadata list failed", "session_id", sessionID, "error", err)
	}
	c.finalize(ctx, sessionID, metas)

	if err := c.store.UpdateStatus(ctx, sessionID, protocol.StatusTerminated); err != nil {
		return err
	}
	c.logger.Info("session terminated", "session_id", sessionID, "reason", reason)
	c.hub.Emit(events.SessionTerminated, sessionID, events.SessionPayload{
		SessionID: sessionID,
		Computer:  sess.Computer,
		Status:    string(protocol.StatusTerminated),
		Reason:    reason,
	})
	return nil
}

// MarkHeadless flips a session to headless after repeated bridge
// failures. Called by the poller; other sessions are unaffected.
func (c *Coordinator) MarkHeadless(ctx context.Context, sessionID string) {
	done := c.lock(sessionID)
	defer done()
	if err := c.store.UpdateStatus(ctx, sessionID, protocol.StatusHeadless); err != nil {
		c.logger.Warn("mark headless failed", "session_id", sessionID, "error", err)
		return
	}
	c.logger.Warn("session headless", "session_id", sessionID)
}

// MarkRunning flips a headless session back once its bridge answers again.
func (c *Coordinator) MarkRunning(ctx context.Context, sessionID string) {
	done := c.lock(sessionID)
	defer done()
	sess, err := c.store.Get(ctx, sessionID)
	if err != nil || sess.Status != protocol.StatusHeadless {
		return
	}
	if err := c.store.UpdateStatus(ctx, sessionID, protocol.StatusRunning); err != nil {
		c.logger.Warn("mark running failed", "session_id", sessionID, "error", err)
		return
	}
	c.logger.Info("session recovered", "session_id", sessionID)
}

// Reclaim reconciles store records with surviving multiplexer sessions
// after a daemon restart. Live panes resume polling; records whose pane
// is gone are terminated; panes without a record are killed.
func (c *Coordinator) Reclaim(ctx context.Context) error {
	handles, err := c.bridge.List(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]bridge.Handle, len(handles))
	for _, h := range handles {
		byID[h.SessionID] = h
	}

	sessions, err := c.store.ListLocal(ctx, store.Filter{})
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.Status == protocol.StatusTerminated {
			continue
		}
		h, alive := byID[sess.SessionID]
		delete(byID, sess.SessionID)
		if !alive {
			if err := c.EndSession(ctx, sess.SessionID, "bridge lost across restart"); err != nil {
				c.logger.Warn("reclaim terminate failed", "session_id", sess.SessionID, "error", err)
			}
			continue
		}
		if c.watcher != nil {
			c.watcher.Watch(sess.SessionID, h)
		}
		c.logger.Info("session reclaimed", "session_id", sess.SessionID)
	}

	// Panes with no record are orphans from a wiped state dir.
	for _, h := range byID {
		c.logger.Warn("killing orphan multiplexer session", "name", h.Name)
		_ = c.bridge.Close(ctx, h)
	}
	return nil
}

// Summaries returns local session summaries matching the filter.
func (c *Coordinator) Summaries(ctx context.Context, f store.Filter) ([]protocol.SessionSummary, error) {
	sessions, err := c.store.ListLocal(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	return out, nil
}

// agentCommand builds the child command line: the agent binary plus the
// profile's extra arguments. The thinking mode is not a CLI flag; adapters
// surface it and the agent picks it up from its own configuration.
func agentCommand(agent string, profile config.ProfileConfig) []string {
	cmd := []string{agent}
	return append(cmd, profile.Args...)
}

// MetadataFor returns the decoded metadata blob an adapter stored for a
// session, or nil when absent.
func (c *Coordinator) MetadataFor(ctx context.Context, sessionID, adapterName string, v any) (bool, error) {
	m, err := c.store.GetMetadata(ctx, sessionID, adapterName)
	if err != nil {
		if protocol.IsKind(err, protocol.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return false, err
	}
	return true, nil
}
