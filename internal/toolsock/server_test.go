package toolsock

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/events"
	"github.com/teleclaude/teleclaude/internal/lifecycle"
	"github.com/teleclaude/teleclaude/internal/peers"
	"github.com/teleclaude/teleclaude/internal/redisstream"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// fakeSessions records lifecycle calls.
type fakeSessions struct {
	mu      sync.Mutex
	started []lifecycle.StartRequest
	sent    []string
	ended   []string
}

func (f *fakeSessions) StartSession(_ context.Context, req lifecycle.StartRequest) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	return &store.Session{SessionID: "new-session", Computer: "worklaptop"}, nil
}

func (f *fakeSessions) SendMessage(_ context.Context, sessionID, text, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sessionID+":"+text)
	return nil
}

func (f *fakeSessions) EndSession(_ context.Context, sessionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, sessionID)
	return nil
}

// fakeWire serves scripted chunks.
type fakeWire struct {
	chunks []protocol.OutputChunk
	latest int64
}

func (f *fakeWire) Call(context.Context, protocol.CommandEnvelope, time.Duration) (*redisstream.CommandReply, error) {
	return &redisstream.CommandReply{OK: true}, nil
}

func (f *fakeWire) ObserveRemote(ctx context.Context, _ string, fromSeq int64) (<-chan protocol.OutputChunk, error) {
	out := make(chan protocol.OutputChunk, len(f.chunks))
	for _, c := range f.chunks {
		if c.Sequence >= fromSeq {
			out <- c
		}
	}
	// Leave the channel open: the window timer must close the stream.
	go func() { <-ctx.Done(); close(out) }()
	return out, nil
}

func (f *fakeWire) ReadRemote(_ context.Context, _ string, from, _ int64) ([]protocol.OutputChunk, error) {
	var out []protocol.OutputChunk
	for _, c := range f.chunks {
		if c.Sequence >= from {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeWire) Latest(context.Context, string) (int64, error) { return f.latest, nil }

type testEnv struct {
	server   *Server
	client   *Client
	sessions *fakeSessions
	wire     *fakeWire
	store    *store.Store
}

func newTestEnv(t *testing.T, hello Hello) *testEnv {
	t.Helper()

	st, err := store.Open(":memory:", "worklaptop")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Node: config.NodeConfig{
			ComputerName: "worklaptop",
			SocketPath:   filepath.Join(t.TempDir(), "tool.sock"),
		},
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := events.New()
	t.Cleanup(hub.Close)
	reg := peers.NewRegistry("worklaptop", time.Second, hub, logger)

	sessions := &fakeSessions{}
	wire := &fakeWire{}
	srv := NewServer(cfg, sessions, wire, st, reg, logger)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	client, err := Dial(cfg.Node.SocketPath, hello)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return &testEnv{server: srv, client: client, sessions: sessions, wire: wire, store: st}
}

func seedSession(t *testing.T, st *store.Store, id, computer string) {
	t.Helper()
	now := time.Now()
	err := st.Create(context.Background(), &store.Session{
		SessionID:    id,
		Computer:     computer,
		Status:       protocol.StatusRunning,
		Role:         protocol.RoleHuman,
		InitiatorID:  "parent-1",
		CreatedAt:    now,
		LastActivity: now,
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func TestServer_ListComputers(t *testing.T) {
	env := newTestEnv(t, Hello{Origin: protocol.OriginLocalTUI})

	computers, err := env.client.ListComputers(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(computers) != 1 || computers[0].Name != "worklaptop" {
		t.Errorf("expected only the local node, got %+v", computers)
	}
}

func TestServer_StartSession(t *testing.T) {
	env := newTestEnv(t, Hello{Origin: protocol.OriginLocalTUI, CallerDir: "/home/ana/proj"})

	id, err := env.client.StartSession(context.Background(), StartSessionParams{
		Agent: "claude",
		Title: "refactor",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "new-session" {
		t.Errorf("expected new-session, got %s", id)
	}

	env.sessions.mu.Lock()
	defer env.sessions.mu.Unlock()
	if len(env.sessions.started) != 1 {
		t.Fatalf("expected 1 start, got %d", len(env.sessions.started))
	}
	req := env.sessions.started[0]
	if req.CallerDir != "/home/ana/proj" || req.Origin != protocol.OriginLocalTUI {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestServer_ListSessions(t *testing.T) {
	env := newTestEnv(t, Hello{Origin: protocol.OriginLocalTUI})
	seedSession(t, env.store, "s1", "worklaptop")

	sums, err := env.client.ListSessions(context.Background(), ListSessionsParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sums) != 1 || sums[0].SessionID != "s1" {
		t.Errorf("unexpected sessions: %+v", sums)
	}
}

func TestServer_SendMessage_WindowSentinel(t *testing.T) {
	env := newTestEnv(t, Hello{Origin: protocol.OriginLocalTUI})
	seedSession(t, env.store, "s1", "worklaptop")
	env.wire.chunks = []protocol.OutputChunk{
		{SessionID: "s1", Sequence: 1, ChunkKind: protocol.ChunkOutput, Payload: "hello"},
		{SessionID: "s1", Sequence: 2, ChunkKind: protocol.ChunkOutput, Payload: "world"},
	}

	var got []protocol.OutputChunk
	err := env.client.SendMessage(context.Background(), SendMessageParams{
		SessionID:             "s1",
		Message:               "do the thing",
		InterestWindowSeconds: 1,
	}, func(c protocol.OutputChunk) error {
		got = append(got, c)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 2 chunks plus sentinel, got %d", len(got))
	}
	last := got[len(got)-1]
	if last.ChunkKind != protocol.ChunkWindowClosed {
		t.Errorf("expected window-closed sentinel, got %s", last.ChunkKind)
	}
	if last.NextSequence != 3 {
		t.Errorf("expected next_sequence 3, got %d", last.NextSequence)
	}

	env.sessions.mu.Lock()
	defer env.sessions.mu.Unlock()
	if len(env.sessions.sent) != 1 || env.sessions.sent[0] != "s1:do the thing" {
		t.Errorf("unexpected sends: %v", env.sessions.sent)
	}
}

func TestServer_SendMessage_AgentStopEndsStream(t *testing.T) {
	env := newTestEnv(t, Hello{Origin: protocol.OriginLocalTUI})
	seedSession(t, env.store, "s1", "worklaptop")
	env.wire.chunks = []protocol.OutputChunk{
		{SessionID: "s1", Sequence: 1, ChunkKind: protocol.ChunkOutput, Payload: "done"},
		{SessionID: "s1", Sequence: 2, ChunkKind: protocol.ChunkAgentStop},
	}

	var kinds []string
	err := env.client.SendMessage(context.Background(), SendMessageParams{
		SessionID:             "s1",
		Message:               "go",
		InterestWindowSeconds: 30,
	}, func(c protocol.OutputChunk) error {
		kinds = append(kinds, c.ChunkKind)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(kinds) != 2 || kinds[1] != protocol.ChunkAgentStop {
		t.Errorf("expected stream to end on agent_stop, got %v", kinds)
	}
}

func TestServer_GetSessionStatus(t *testing.T) {
	env := newTestEnv(t, Hello{Origin: protocol.OriginLocalTUI})
	seedSession(t, env.store, "s1", "worklaptop")
	env.wire.chunks = []protocol.OutputChunk{
		{SessionID: "s1", Sequence: 4, ChunkKind: protocol.ChunkOutput, Payload: "late"},
	}

	res, err := env.client.GetSessionStatus(context.Background(), SessionStatusParams{
		SessionID:     "s1",
		SinceSequence: 3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != string(protocol.StatusRunning) {
		t.Errorf("expected running, got %s", res.Status)
	}
	if len(res.NewOutput) != 1 || res.NextSequence != 5 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestServer_GetSessionStatus_SinceIsInclusive(t *testing.T) {
	env := newTestEnv(t, Hello{Origin: protocol.OriginLocalTUI})
	seedSession(t, env.store, "s1", "worklaptop")
	env.wire.chunks = []protocol.OutputChunk{
		{SessionID: "s1", Sequence: 1, ChunkKind: protocol.ChunkOutput, Payload: "first"},
		{SessionID: "s1", Sequence: 2, ChunkKind: protocol.ChunkOutput, Payload: "second"},
	}

	// The window-closed sentinel names the first unseen sequence; resuming
	// from it must deliver the chunk carrying exactly that sequence.
	var next int64
	err := env.client.SendMessage(context.Background(), SendMessageParams{
		SessionID:             "s1",
		Message:               "go",
		InterestWindowSeconds: 1,
	}, func(c protocol.OutputChunk) error {
		if c.ChunkKind == protocol.ChunkWindowClosed {
			next = c.NextSequence
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != 3 {
		t.Fatalf("expected sentinel next_sequence 3, got %d", next)
	}

	env.wire.chunks = append(env.wire.chunks,
		protocol.OutputChunk{SessionID: "s1", Sequence: 3, ChunkKind: protocol.ChunkOutput, Payload: "third"})

	res, err := env.client.GetSessionStatus(context.Background(), SessionStatusParams{
		SessionID:     "s1",
		SinceSequence: next,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.NewOutput) != 1 || res.NewOutput[0].Sequence != 3 {
		t.Fatalf("expected the chunk at the resume sequence, got %+v", res.NewOutput)
	}
	if res.NextSequence != 4 {
		t.Errorf("expected next_sequence 4, got %d", res.NextSequence)
	}
}

func TestServer_SendMessage_EmptyPerformsNoInput(t *testing.T) {
	env := newTestEnv(t, Hello{Origin: protocol.OriginLocalTUI})
	seedSession(t, env.store, "s1", "worklaptop")
	env.wire.chunks = []protocol.OutputChunk{
		{SessionID: "s1", Sequence: 1, ChunkKind: protocol.ChunkOutput, Payload: "stale"},
	}

	var got []protocol.OutputChunk
	err := env.client.SendMessage(context.Background(), SendMessageParams{
		SessionID:             "s1",
		Message:               "",
		InterestWindowSeconds: 1,
	}, func(c protocol.OutputChunk) error {
		got = append(got, c)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("empty message must stream nothing, got %+v", got)
	}

	env.sessions.mu.Lock()
	defer env.sessions.mu.Unlock()
	if len(env.sessions.sent) != 0 {
		t.Errorf("empty message must not reach the terminal, got %v", env.sessions.sent)
	}
}

func TestServer_StartSession_OfflineComputer(t *testing.T) {
	env := newTestEnv(t, Hello{Origin: protocol.OriginLocalTUI})

	// No heartbeat from buildbox: the call fails fast instead of waiting
	// out the remote call timeout.
	_, err := env.client.StartSession(context.Background(), StartSessionParams{
		Computer: "buildbox",
		Agent:    "claude",
	})
	if !protocol.IsKind(err, protocol.ErrNotFound) {
		t.Errorf("expected NotFound for an offline computer, got %v", err)
	}
}

func TestServer_Stop_UnblocksIdleConnections(t *testing.T) {
	env := newTestEnv(t, Hello{Origin: protocol.OriginLocalTUI})

	// The client is idle, blocked reading frames. Stop must close its
	// connection and return instead of waiting for it.
	done := make(chan error, 1)
	go func() { done <- env.server.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung on an idle connection")
	}

	// A second Stop is a no-op.
	if err := env.server.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestServer_EndSession_AgentGating(t *testing.T) {
	env := newTestEnv(t, Hello{
		Origin:          protocol.OriginAgentOfSession,
		CallerSessionID: "someone-else",
	})
	seedSession(t, env.store, "s1", "worklaptop") // initiated by parent-1

	err := env.client.EndSession(context.Background(), "s1")
	if !protocol.IsKind(err, protocol.ErrPermissionDenied) {
		t.Errorf("expected PermissionDenied, got %v", err)
	}

	env.sessions.mu.Lock()
	defer env.sessions.mu.Unlock()
	if len(env.sessions.ended) != 0 {
		t.Error("gated end_session must not reach the coordinator")
	}
}

func TestServer_EndSession_InitiatorAllowed(t *testing.T) {
	env := newTestEnv(t, Hello{
		Origin:          protocol.OriginAgentOfSession,
		CallerSessionID: "parent-1",
	})
	seedSession(t, env.store, "s1", "worklaptop")

	if err := env.client.EndSession(context.Background(), "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env.sessions.mu.Lock()
	defer env.sessions.mu.Unlock()
	if len(env.sessions.ended) != 1 || env.sessions.ended[0] != "s1" {
		t.Errorf("unexpected ends: %v", env.sessions.ended)
	}
}

func TestServer_UnknownMethod(t *testing.T) {
	env := newTestEnv(t, Hello{Origin: protocol.OriginLocalTUI})

	err := env.client.call(context.Background(), "bogus", struct{}{}, nil)
	if !protocol.IsKind(err, protocol.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestServer_StaleSocketReclaimed(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "tool.sock")

	// Leave a stale socket file behind.
	if err := os.WriteFile(sockPath, nil, 0o600); err != nil {
		t.Fatalf("write stale socket: %v", err)
	}

	st, err := store.Open(":memory:", "worklaptop")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	cfg := &config.Config{Node: config.NodeConfig{ComputerName: "worklaptop", SocketPath: sockPath}}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := events.New()
	defer hub.Close()
	reg := peers.NewRegistry("worklaptop", time.Second, hub, logger)

	srv := NewServer(cfg, &fakeSessions{}, &fakeWire{}, st, reg, logger)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("expected stale socket to be reclaimed: %v", err)
	}
	srv.Stop()
}
