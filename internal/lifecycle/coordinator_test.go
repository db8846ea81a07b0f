package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/teleclaude/teleclaude/internal/adapter"
	"github.com/teleclaude/teleclaude/internal/bridge"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/events"
	"github.com/teleclaude/teleclaude/internal/identity"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// fakeBridge records multiplexer calls.
type fakeBridge struct {
	mu        sync.Mutex
	createErr error
	created   []string
	commands  [][]string
	writes    []string
	closed    []string
	handles   []bridge.Handle
}

func (f *fakeBridge) Create(_ context.Context, sessionID, _ string, command []string, _, _ int) (bridge.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return bridge.Handle{}, f.createErr
	}
	f.created = append(f.created, sessionID)
	f.commands = append(f.commands, command)
	return bridge.HandleFor(sessionID), nil
}

func (f *fakeBridge) Write(_ context.Context, h bridge.Handle, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, h.SessionID+":"+string(data))
	return nil
}

func (f *fakeBridge) ReadSince(_ context.Context, _ bridge.Handle, cur bridge.Cursor) ([]byte, bridge.Cursor, bool, error) {
	return nil, cur, false, nil
}

func (f *fakeBridge) Resize(context.Context, bridge.Handle, int, int) error { return nil }

func (f *fakeBridge) Signal(context.Context, bridge.Handle, bridge.Signal) error { return nil }

func (f *fakeBridge) List(context.Context) ([]bridge.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles, nil
}

func (f *fakeBridge) Close(_ context.Context, h bridge.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, h.SessionID)
	return nil
}

// fakeAdapter provisions a channel per session.
type fakeAdapter struct {
	provisionErr error

	mu          sync.Mutex
	provisioned []string
	finalized   []string
}

func (f *fakeAdapter) Name() string { return "fake" }
func (f *fakeAdapter) Capabilities() []adapter.Capability {
	return []adapter.Capability{adapter.CapUI}
}
func (f *fakeAdapter) Start(context.Context) error { return nil }
func (f *fakeAdapter) Stop() error                 { return nil }

func (f *fakeAdapter) ProvisionSession(_ context.Context, sessionID string, _ adapter.ProvisionDetail) (json.RawMessage, error) {
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisioned = append(f.provisioned, sessionID)
	return json.RawMessage(`{"topic_id":42}`), nil
}

func (f *fakeAdapter) FinalizeSession(_ context.Context, sessionID string, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, sessionID)
	return nil
}

type fakeWatcher struct {
	mu        sync.Mutex
	watched   []string
	unwatched []string
}

func (f *fakeWatcher) Watch(sessionID string, _ bridge.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append(f.watched, sessionID)
}

func (f *fakeWatcher) Unwatch(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unwatched = append(f.unwatched, sessionID)
}

type coordEnv struct {
	coord   *Coordinator
	store   *store.Store
	bridge  *fakeBridge
	adapter *fakeAdapter
	watcher *fakeWatcher
	hub     *events.Hub
}

func newTestCoordinator(t *testing.T) *coordEnv {
	t.Helper()

	st, err := store.Open(":memory:", "worklaptop")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Node: config.NodeConfig{
			ComputerName: "worklaptop",
			MaxSessions:  2,
			HelpDeskPath: "/srv/help-desk",
		},
		Bridge: config.BridgeConfig{DefaultWidth: 200, DefaultHeight: 50},
		People: []config.PersonConfig{
			{Name: "ana", TelegramUserID: 777, Home: "/home/ana"},
		},
		Profiles: []config.ProfileConfig{
			{Name: "default", Args: []string{"--permission-mode", "default"}},
			{Name: "restricted", Jailed: true},
		},
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	res, err := identity.NewResolver(context.Background(), cfg, st, logger)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	fa := &fakeAdapter{}
	reg := adapter.NewRegistry()
	if err := reg.Register(fa); err != nil {
		t.Fatalf("register adapter: %v", err)
	}

	br := &fakeBridge{}
	hub := events.New()
	t.Cleanup(hub.Close)
	w := &fakeWatcher{}

	coord := NewCoordinator(cfg, st, br, reg, res, hub, logger)
	coord.SetWatcher(w)
	return &coordEnv{coord: coord, store: st, bridge: br, adapter: fa, watcher: w, hub: hub}
}

func localStart(dir string) StartRequest {
	return StartRequest{
		ProjectPath: "/home/ana/proj",
		Agent:       "claude",
		Title:       "refactor",
		Origin:      protocol.OriginLocalTUI,
		CallerDir:   dir,
	}
}

func TestCoordinator_StartSession(t *testing.T) {
	env := newTestCoordinator(t)
	sub := env.hub.Subscribe(events.SessionStarted)

	sess, err := env.coord.StartSession(context.Background(), localStart("/home/ana"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Status != protocol.StatusRunning {
		t.Errorf("expected running, got %s", sess.Status)
	}
	if sess.HumanIdentity != identity.LocalIdentity {
		t.Errorf("expected local identity, got %s", sess.HumanIdentity)
	}

	got, err := env.store.Get(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != protocol.StatusRunning || got.ProjectPath != "/home/ana/proj" {
		t.Errorf("unexpected record: %+v", got)
	}

	env.bridge.mu.Lock()
	if len(env.bridge.commands) != 1 || env.bridge.commands[0][0] != "claude" {
		t.Errorf("unexpected command: %v", env.bridge.commands)
	}
	env.bridge.mu.Unlock()

	env.adapter.mu.Lock()
	if len(env.adapter.provisioned) != 1 {
		t.Errorf("expected 1 provision, got %d", len(env.adapter.provisioned))
	}
	env.adapter.mu.Unlock()

	env.watcher.mu.Lock()
	if len(env.watcher.watched) != 1 || env.watcher.watched[0] != sess.SessionID {
		t.Errorf("expected session watched, got %v", env.watcher.watched)
	}
	env.watcher.mu.Unlock()

	select {
	case ev := <-sub:
		if ev.SessionID != sess.SessionID {
			t.Errorf("expected %s, got %s", sess.SessionID, ev.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session_started")
	}
}

func TestCoordinator_StartSession_CapReached(t *testing.T) {
	env := newTestCoordinator(t)

	for i := 0; i < 2; i++ {
		if _, err := env.coord.StartSession(context.Background(), localStart("/home/ana")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, err := env.coord.StartSession(context.Background(), localStart("/home/ana")); !protocol.IsKind(err, protocol.ErrConflict) {
		t.Errorf("expected Conflict at cap, got %v", err)
	}
}

func TestCoordinator_StartSession_ProvisionFailure(t *testing.T) {
	env := newTestCoordinator(t)
	env.adapter.provisionErr = errors.New("topic quota exhausted")

	_, err := env.coord.StartSession(context.Background(), localStart("/home/ana"))
	if err == nil {
		t.Fatal("expected error")
	}

	env.bridge.mu.Lock()
	defer env.bridge.mu.Unlock()
	if len(env.bridge.created) != 0 {
		t.Error("bridge must not be created when provisioning fails")
	}
}

func TestCoordinator_StartSession_BridgeFailure(t *testing.T) {
	env := newTestCoordinator(t)
	env.bridge.createErr = errors.New("tmux unavailable")

	_, err := env.coord.StartSession(context.Background(), localStart("/home/ana"))
	if err == nil {
		t.Fatal("expected error")
	}

	// The provisioned channel is rolled back.
	env.adapter.mu.Lock()
	defer env.adapter.mu.Unlock()
	if len(env.adapter.finalized) != 1 {
		t.Errorf("expected 1 finalize, got %d", len(env.adapter.finalized))
	}
}

func TestCoordinator_StartSession_RelayedIdentity(t *testing.T) {
	env := newTestCoordinator(t)

	req := StartRequest{
		ProjectPath:       "/home/ana/proj",
		Agent:             "claude",
		Role:              protocol.RoleAIWorker,
		Origin:            protocol.OriginAgentOfSession,
		InitiatorIdentity: "ana",
	}
	sess, err := env.coord.StartSession(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.HumanIdentity != "ana" || sess.Role != protocol.RoleAIWorker {
		t.Errorf("unexpected session: identity=%s role=%s", sess.HumanIdentity, sess.Role)
	}

	req.InitiatorIdentity = "mallory"
	if _, err := env.coord.StartSession(context.Background(), req); !protocol.IsKind(err, protocol.ErrPermissionDenied) {
		t.Errorf("expected PermissionDenied for unknown identity, got %v", err)
	}
}

func TestCoordinator_SendMessage(t *testing.T) {
	env := newTestCoordinator(t)
	sub := env.hub.Subscribe(events.InputReceived)

	sess, err := env.coord.StartSession(context.Background(), localStart("/home/ana"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := env.coord.SendMessage(context.Background(), sess.SessionID, "run the tests", protocol.OriginLocalTUI); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env.bridge.mu.Lock()
	if len(env.bridge.writes) != 2 {
		t.Fatalf("expected text plus submit, got %v", env.bridge.writes)
	}
	if env.bridge.writes[0] != sess.SessionID+":run the tests" || env.bridge.writes[1] != sess.SessionID+":\r" {
		t.Errorf("unexpected writes: %v", env.bridge.writes)
	}
	env.bridge.mu.Unlock()

	select {
	case ev := <-sub:
		var p events.InputPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Input != "run the tests" {
			t.Errorf("unexpected input: %q", p.Input)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for input_received")
	}
}

func TestCoordinator_SendMessage_EmptyIsNoOp(t *testing.T) {
	env := newTestCoordinator(t)
	sub := env.hub.Subscribe(events.InputReceived)

	sess, err := env.coord.StartSession(context.Background(), localStart("/home/ana"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// An empty message must not touch the terminal: a bare "\r" would
	// submit whatever already sits in the agent's input buffer.
	if err := env.coord.SendMessage(context.Background(), sess.SessionID, "", protocol.OriginLocalTUI); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env.bridge.mu.Lock()
	if len(env.bridge.writes) != 0 {
		t.Errorf("expected no terminal writes, got %v", env.bridge.writes)
	}
	env.bridge.mu.Unlock()

	select {
	case ev := <-sub:
		t.Fatalf("unexpected input_received: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCoordinator_SendMessage_Terminated(t *testing.T) {
	env := newTestCoordinator(t)

	sess, err := env.coord.StartSession(context.Background(), localStart("/home/ana"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.coord.EndSession(context.Background(), sess.SessionID, "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = env.coord.SendMessage(context.Background(), sess.SessionID, "hello", protocol.OriginLocalTUI)
	if !protocol.IsKind(err, protocol.ErrNotFound) {
		t.Errorf("expected NotFound for terminated session, got %v", err)
	}
}

func TestCoordinator_EndSession(t *testing.T) {
	env := newTestCoordinator(t)
	sub := env.hub.Subscribe(events.SessionTerminated)

	sess, err := env.coord.StartSession(context.Background(), localStart("/home/ana"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := env.coord.EndSession(context.Background(), sess.SessionID, "done"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := env.store.Get(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != protocol.StatusTerminated {
		t.Errorf("expected terminated, got %s", got.Status)
	}

	env.bridge.mu.Lock()
	if len(env.bridge.closed) != 1 {
		t.Errorf("expected bridge closed, got %v", env.bridge.closed)
	}
	env.bridge.mu.Unlock()

	env.adapter.mu.Lock()
	if len(env.adapter.finalized) != 1 {
		t.Errorf("expected channel finalized, got %v", env.adapter.finalized)
	}
	env.adapter.mu.Unlock()

	env.watcher.mu.Lock()
	if len(env.watcher.unwatched) != 1 {
		t.Errorf("expected session unwatched, got %v", env.watcher.unwatched)
	}
	env.watcher.mu.Unlock()

	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session_terminated")
	}

	// Ending again is a no-op.
	if err := env.coord.EndSession(context.Background(), sess.SessionID, "again"); err != nil {
		t.Errorf("expected idempotent end, got %v", err)
	}
	env.bridge.mu.Lock()
	if len(env.bridge.closed) != 1 {
		t.Error("second end must not touch the bridge")
	}
	env.bridge.mu.Unlock()
}

func TestCoordinator_Reclaim(t *testing.T) {
	env := newTestCoordinator(t)

	// A record whose pane survived, and one whose pane is gone.
	alive, err := env.coord.StartSession(context.Background(), localStart("/home/ana"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dead, err := env.coord.StartSession(context.Background(), localStart("/home/ana"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env.bridge.mu.Lock()
	env.bridge.handles = []bridge.Handle{
		bridge.HandleFor(alive.SessionID),
		bridge.HandleFor("orphan-pane"),
	}
	env.bridge.closed = nil
	env.bridge.mu.Unlock()
	env.watcher.mu.Lock()
	env.watcher.watched = nil
	env.watcher.mu.Unlock()

	if err := env.coord.Reclaim(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := env.store.Get(context.Background(), dead.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != protocol.StatusTerminated {
		t.Errorf("expected dead session terminated, got %s", got.Status)
	}

	env.watcher.mu.Lock()
	if len(env.watcher.watched) != 1 || env.watcher.watched[0] != alive.SessionID {
		t.Errorf("expected live session rewatched, got %v", env.watcher.watched)
	}
	env.watcher.mu.Unlock()

	env.bridge.mu.Lock()
	defer env.bridge.mu.Unlock()
	var orphanKilled bool
	for _, id := range env.bridge.closed {
		if id == "orphan-pane" {
			orphanKilled = true
		}
	}
	if !orphanKilled {
		t.Errorf("expected orphan pane killed, got %v", env.bridge.closed)
	}
}

func TestCoordinator_HeadlessRoundTrip(t *testing.T) {
	env := newTestCoordinator(t)

	sess, err := env.coord.StartSession(context.Background(), localStart("/home/ana"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env.coord.MarkHeadless(context.Background(), sess.SessionID)
	got, _ := env.store.Get(context.Background(), sess.SessionID)
	if got.Status != protocol.StatusHeadless {
		t.Errorf("expected headless, got %s", got.Status)
	}

	env.coord.MarkRunning(context.Background(), sess.SessionID)
	got, _ = env.store.Get(context.Background(), sess.SessionID)
	if got.Status != protocol.StatusRunning {
		t.Errorf("expected running, got %s", got.Status)
	}

	// MarkRunning on an already running session is a no-op.
	env.coord.MarkRunning(context.Background(), sess.SessionID)
}

func TestAgentCommand(t *testing.T) {
	cmd := agentCommand("claude", config.ProfileConfig{Args: []string{"--permission-mode", "plan"}})
	want := []string{"claude", "--permission-mode", "plan"}
	if len(cmd) != len(want) {
		t.Fatalf("expected %v, got %v", want, cmd)
	}
	for i := range want {
		if cmd[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, cmd)
		}
	}
}
