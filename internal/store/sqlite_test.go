package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/teleclaude/teleclaude/pkg/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", "worklaptop")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(id string) *Session {
	now := time.Now()
	return &Session{
		SessionID:    id,
		Computer:     "worklaptop",
		ProjectPath:  "/home/ana/proj",
		Agent:        "claude",
		Status:       protocol.StatusStarting,
		Role:         protocol.RoleHuman,
		CreatedAt:    now,
		LastActivity: now,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, testSession("s1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Computer != "worklaptop" || got.Status != protocol.StatusStarting {
		t.Errorf("unexpected session: %+v", got)
	}
}

func TestStore_CreateDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, testSession("s1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := s.Create(ctx, testSession("s1"))
	if !protocol.IsKind(err, protocol.ErrConflict) {
		t.Errorf("expected Conflict, got %v", err)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	if !protocol.IsKind(err, protocol.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestStore_StatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, testSession("s1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	steps := []protocol.SessionStatus{
		protocol.StatusRunning,
		protocol.StatusHeadless,
		protocol.StatusRunning,
		protocol.StatusTerminated,
	}
	for _, st := range steps {
		if err := s.UpdateStatus(ctx, "s1", st); err != nil {
			t.Fatalf("transition to %s: %v", st, err)
		}
	}

	got, _ := s.Get(ctx, "s1")
	if got.TerminatedAt == nil {
		t.Error("expected terminated_at to be set")
	}
	// Terminated is terminal.
	err := s.UpdateStatus(ctx, "s1", protocol.StatusRunning)
	if !protocol.IsKind(err, protocol.ErrConflict) {
		t.Errorf("expected Conflict for terminated -> running, got %v", err)
	}
}

func TestStore_InvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, testSession("s1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// starting -> headless skips running.
	err := s.UpdateStatus(ctx, "s1", protocol.StatusHeadless)
	if !protocol.IsKind(err, protocol.ErrConflict) {
		t.Errorf("expected Conflict, got %v", err)
	}
}

func TestStore_ListLocalFiltersComputer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, testSession("s1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	remote := testSession("s2")
	remote.Computer = "homelab"
	if err := s.Create(ctx, remote); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	local, err := s.ListLocal(ctx, Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(local) != 1 || local[0].SessionID != "s1" {
		t.Errorf("expected only local session, got %+v", local)
	}

	all, err := s.ListAll(ctx, Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(all))
	}
}

func TestStore_AdapterMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, testSession("s1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	meta := AdapterMetadata{
		SessionID: "s1",
		Adapter:   "telegram",
		Origin:    true,
		Data:      json.RawMessage(`{"topic_id":42}`),
	}
	if err := s.UpdateMetadata(ctx, meta); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.GetMetadata(ctx, "s1", "telegram")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Origin {
		t.Error("expected origin adapter")
	}

	origin, err := s.OriginAdapter(ctx, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if origin != "telegram" {
		t.Errorf("expected telegram, got %s", origin)
	}

	// Upsert replaces the blob.
	meta.Data = json.RawMessage(`{"topic_id":43}`)
	if err := s.UpdateMetadata(ctx, meta); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = s.GetMetadata(ctx, "s1", "telegram")
	var blob struct {
		TopicID int64 `json:"topic_id"`
	}
	if err := json.Unmarshal(got.Data, &blob); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blob.TopicID != 43 {
		t.Errorf("expected topic 43, got %d", blob.TopicID)
	}
}

func TestStore_People(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := Person{Name: "ana", TelegramUserID: 777, Home: "/home/ana"}
	if err := s.UpsertPerson(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.PersonByTelegramID(ctx, 777)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.Name != "ana" {
		t.Fatalf("expected ana, got %+v", got)
	}
	if got.Profile != "default" {
		t.Errorf("expected default profile, got %s", got.Profile)
	}

	unknown, err := s.PersonByTelegramID(ctx, 999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if unknown != nil {
		t.Errorf("expected nil for unknown user, got %+v", unknown)
	}
}

func TestStore_SeenCorrelation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seen, err := s.SeenCorrelation(ctx, "corr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen {
		t.Error("first observation must not be seen")
	}

	seen, err = s.SeenCorrelation(ctx, "corr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !seen {
		t.Error("second observation must be seen")
	}

	n, err := s.PruneCorrelations(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
}

func TestStore_CorrelationReply(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SeenCorrelation(ctx, "corr-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// No cached reply yet.
	cached, err := s.CorrelationReply(ctx, "corr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cached != "" {
		t.Errorf("expected no cached reply, got %q", cached)
	}

	if err := s.MarkCorrelationReply(ctx, "corr-1", `{"ok":true}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cached, err = s.CorrelationReply(ctx, "corr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cached != `{"ok":true}` {
		t.Errorf("unexpected cached reply: %q", cached)
	}

	// Unknown correlations read empty, not as an error.
	cached, err = s.CorrelationReply(ctx, "corr-unknown")
	if err != nil || cached != "" {
		t.Errorf("expected empty reply for unknown correlation, got %q, %v", cached, err)
	}
}

func TestStore_StreamPositions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pos, err := s.StreamPosition(ctx, "inbox")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != "" {
		t.Errorf("expected empty position for fresh store, got %q", pos)
	}

	if err := s.SetStreamPosition(ctx, "inbox", "42-0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.SetStreamPosition(ctx, "inbox", "43-0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos, err = s.StreamPosition(ctx, "inbox")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != "43-0" {
		t.Errorf("expected position 43-0, got %q", pos)
	}
}

func TestStore_Checkpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seq, err := s.Checkpoint(ctx, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq != 0 {
		t.Errorf("expected 0 for fresh checkpoint, got %d", seq)
	}

	if err := s.AdvanceCheckpoint(ctx, "s1", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Checkpoints only move forward.
	if err := s.AdvanceCheckpoint(ctx, "s1", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seq, _ = s.Checkpoint(ctx, "s1")
	if seq != 5 {
		t.Errorf("expected checkpoint 5, got %d", seq)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("re-running migrations: %v", err)
	}
}
