package redisstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teleclaude/teleclaude/internal/adapter"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/events"
	"github.com/teleclaude/teleclaude/internal/peers"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// commandWorkers bounds concurrent command-handler invocations so a flood
// on the inbox cannot exhaust tasks.
const commandWorkers = 8

// inboxPosition is the stream-position name under which the inbox pump
// persists its last acknowledged entry ID.
const inboxPosition = "inbox"

// Executor runs a command envelope against local state and returns the
// result for the caller's reply stream. Wired by the daemon.
type Executor interface {
	Execute(ctx context.Context, env protocol.CommandEnvelope) (map[string]any, error)
}

// Transport is the stream-store adapter: it pumps this node's inbox,
// publishes local session output, emits heartbeats, scans peers, and
// forwards session events to interested peers' push streams.
//
// The transport has no human surface; it is always an observer, never a
// session's origin adapter.
type Transport struct {
	cfg      *config.Config
	client   *Client
	store    *store.Store
	peers    *peers.Registry
	hub      *events.Hub
	executor Executor
	logger   *slog.Logger

	mu   sync.Mutex
	seqs map[string]int64 // per-session output sequence, single writer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransport wires the transport adapter.
func NewTransport(cfg *config.Config, client *Client, st *store.Store, reg *peers.Registry, hub *events.Hub, logger *slog.Logger) *Transport {
	return &Transport{
		cfg:    cfg,
		client: client,
		store:  st,
		peers:  reg,
		hub:    hub,
		logger: logger.With("component", "transport"),
		seqs:   make(map[string]int64),
	}
}

// SetExecutor attaches the command executor. Must be called before Start.
func (t *Transport) SetExecutor(e Executor) { t.executor = e }

func (t *Transport) Name() string { return "redisstream" }

func (t *Transport) Capabilities() []adapter.Capability {
	return []adapter.Capability{adapter.CapRemoteExecution, adapter.CapDiscovery}
}

// Start launches the pumps: heartbeat emitter, peer scanner, inbox pump
// with its worker pool, and the local output publisher.
func (t *Transport) Start(ctx context.Context) error {
	if err := t.client.Ping(ctx); err != nil {
		return protocol.NewError(protocol.ErrTransientTransport, "stream store unreachable: %v", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.wg.Add(3)
	go func() { defer t.wg.Done(); t.heartbeatLoop(runCtx) }()
	go func() { defer t.wg.Done(); t.scanLoop(runCtx) }()
	go func() { defer t.wg.Done(); t.inboxLoop(runCtx) }()

	t.wg.Add(2)
	go func() { defer t.wg.Done(); t.publishLoop(runCtx) }()
	go func() { defer t.wg.Done(); t.pushLoop(runCtx) }()
	return nil
}

// Stop cancels the pumps and waits for them. Idempotent.
func (t *Transport) Stop() error {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
		t.wg.Wait()
	}
	return nil
}

// --- Heartbeats and discovery ---

func (t *Transport) heartbeatLoop(ctx context.Context) {
	emit := func() {
		hb := protocol.Heartbeat{
			Computer:  t.cfg.Node.ComputerName,
			Caps:      []string{string(adapter.CapRemoteExecution)},
			Interests: t.cfg.Node.Interests,
			TS:        protocol.Millis(time.Now()),
		}
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := t.client.SetHeartbeat(hctx, hb); err != nil {
			t.logger.Warn("heartbeat emit failed", "error", err)
		}
	}
	emit()
	ticker := time.NewTicker(t.cfg.Node.HeartbeatInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emit()
		}
	}
}

func (t *Transport) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Node.HeartbeatInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			beats, err := t.client.ListHeartbeats(sctx)
			cancel()
			if err != nil {
				t.logger.Warn("heartbeat scan failed", "error", err)
				continue
			}
			for _, hb := range beats {
				if hb.Computer == t.cfg.Node.ComputerName {
					continue
				}
				t.peers.Observe(hb)
				t.hub.Emit(events.HeartbeatReceived, "", events.PeerPayload{
					Computer:  hb.Computer,
					Caps:      hb.Caps,
					Interests: hb.Interests,
				})
			}
		}
	}
}

// --- Inbox ---

func (t *Transport) inboxLoop(ctx context.Context) {
	work := make(chan protocol.CommandEnvelope)
	var workers sync.WaitGroup
	for i := 0; i < commandWorkers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for env := range work {
				t.handleCommand(ctx, env)
			}
		}()
	}
	defer func() {
		close(work)
		workers.Wait()
	}()

	// Resume from the persisted ack position so commands enqueued while
	// the daemon was down are not discarded. Replays past the position are
	// absorbed by correlation dedup.
	lastID, err := t.store.StreamPosition(ctx, inboxPosition)
	if err != nil {
		t.logger.Warn("inbox position load failed", "error", err)
	}
	if lastID == "" {
		lastID = "0"
	}
	for {
		if ctx.Err() != nil {
			return
		}
		envs, next, err := t.client.ReadCommands(ctx, t.cfg.Node.ComputerName, lastID, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("inbox read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, env := range envs {
			select {
			case work <- env:
			case <-ctx.Done():
				return
			}
		}
		if next != lastID {
			lastID = next
			if err := t.store.SetStreamPosition(ctx, inboxPosition, lastID); err != nil {
				t.logger.Warn("inbox position persist failed", "error", err)
			}
		}
	}
}

// handleCommand deduplicates by correlation ID, executes, and replies.
// Dedup happens before execution so redelivered commands are acknowledged
// without reapplying their effect.
func (t *Transport) handleCommand(ctx context.Context, env protocol.CommandEnvelope) {
	log := t.logger.With("command", env.Command, "correlation_id", env.ID, "origin", env.Origin)

	seen, err := t.store.SeenCorrelation(ctx, env.ID)
	if err != nil {
		log.Error("correlation check failed", "error", err)
		return
	}
	if seen {
		log.Info("duplicate command acknowledged")
		// Re-send the cached reply so a caller retrying after a lost
		// reply still completes with the original result.
		if env.ReplyStream != "" {
			cached, err := t.store.CorrelationReply(ctx, env.ID)
			if err != nil || cached == "" {
				return
			}
			var reply CommandReply
			if json.Unmarshal([]byte(cached), &reply) != nil {
				return
			}
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := t.client.AppendReply(rctx, env.ReplyStream, reply); err != nil {
				log.Error("cached reply append failed", "error", err)
			}
		}
		return
	}
	t.hub.Emit(events.RemoteCommandReceived, "", env)

	hctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	result, execErr := t.executor.Execute(hctx, env)
	cancel()

	if env.ReplyStream == "" {
		if execErr != nil {
			log.Error("command failed", "error", execErr)
		}
		return
	}
	reply := CommandReply{
		Kind:          "reply",
		CorrelationID: env.ID,
		OK:            execErr == nil,
		Result:        result,
		TS:            protocol.Millis(time.Now()),
		Origin:        t.cfg.Node.ComputerName,
	}
	if execErr != nil {
		if e, ok := execErr.(*protocol.Error); ok {
			reply.Error = e
		} else {
			reply.Error = protocol.NewError(protocol.ErrInternalInvariant, "%v", execErr)
		}
	}
	if data, err := json.Marshal(reply); err == nil {
		if err := t.store.MarkCorrelationReply(ctx, env.ID, string(data)); err != nil {
			log.Warn("reply cache failed", "error", err)
		}
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := t.client.AppendReply(rctx, env.ReplyStream, reply); err != nil {
		log.Error("reply append failed", "error", err)
	}
}

// --- Outbound commands ---

// Send appends a command to a peer's inbox without waiting for a result.
func (t *Transport) Send(ctx context.Context, env protocol.CommandEnvelope) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	env.TS = protocol.Millis(time.Now())
	if env.Origin == "" {
		env.Origin = t.cfg.Node.ComputerName
	}
	return t.client.AppendCommand(ctx, env)
}

// Call appends a command and waits for the correlated reply.
func (t *Transport) Call(ctx context.Context, env protocol.CommandEnvelope, timeout time.Duration) (*CommandReply, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	env.ReplyStream = ReplyKey(env.ID)
	if err := t.Send(ctx, env); err != nil {
		return nil, err
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := t.client.WaitReply(wctx, env.ReplyStream, env.ID)
	if err != nil {
		if wctx.Err() != nil && ctx.Err() == nil {
			return nil, protocol.NewError(protocol.ErrTransientTransport,
				"no reply from %s within %s", env.Target, timeout)
		}
		return nil, err
	}
	return reply, nil
}

// --- Local output publishing ---

// publishLoop mirrors local session events onto the wire: output chunks to
// the session's output stream, session lifecycle to interested peers'
// push streams.
func (t *Transport) publishLoop(ctx context.Context) {
	sub := t.hub.Subscribe(
		events.OutputUpdated,
		events.AgentToolUse,
		events.AgentToolDone,
		events.AgentStop,
		events.SessionStarted,
		events.SessionTerminated,
		events.ErrorReported,
	)
	defer t.hub.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			t.publishEvent(ctx, ev)
		}
	}
}

var chunkKinds = map[string]string{
	events.OutputUpdated: protocol.ChunkOutput,
	events.AgentToolUse:  protocol.ChunkToolUse,
	events.AgentToolDone: protocol.ChunkToolDone,
	events.AgentStop:     protocol.ChunkAgentStop,
	events.ErrorReported: protocol.ChunkError,
}

func (t *Transport) publishEvent(ctx context.Context, ev events.Event) {
	switch ev.Name {
	case events.SessionStarted, events.SessionTerminated:
		t.pushToInterested(ctx, "sessions", ev)
		if ev.Name == events.SessionTerminated && ev.SessionID != "" {
			t.appendChunk(ctx, ev.SessionID, protocol.ChunkAgentStop, ev.Data)
		}
	default:
		if ev.SessionID == "" {
			return
		}
		kind, ok := chunkKinds[ev.Name]
		if !ok {
			return
		}
		var payload string
		if ev.Name == events.OutputUpdated {
			var op events.OutputPayload
			if err := json.Unmarshal(ev.Data, &op); err != nil {
				return
			}
			payload = op.Data
		} else {
			payload = string(ev.Data)
		}
		t.appendChunkPayload(ctx, ev.SessionID, kind, payload)
	}
}

func (t *Transport) appendChunk(ctx context.Context, sessionID, kind string, data json.RawMessage) {
	t.appendChunkPayload(ctx, sessionID, kind, string(data))
}

func (t *Transport) appendChunkPayload(ctx context.Context, sessionID, kind, payload string) {
	t.mu.Lock()
	seq, ok := t.seqs[sessionID]
	if !ok {
		// Seed from the stream so sequences survive a daemon restart.
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		latest, err := t.client.LatestSequence(sctx, sessionID)
		cancel()
		if err != nil {
			t.mu.Unlock()
			t.logger.Warn("sequence seed failed", "session_id", sessionID, "error", err)
			return
		}
		seq = latest
	}
	seq++
	t.seqs[sessionID] = seq
	t.mu.Unlock()

	chunk := protocol.OutputChunk{
		SessionID: sessionID,
		Sequence:  seq,
		ChunkKind: kind,
		Payload:   payload,
		TS:        protocol.Millis(time.Now()),
		Origin:    t.cfg.Node.ComputerName,
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := t.client.AppendChunk(actx, chunk); err != nil {
		t.logger.Warn("chunk append failed", "session_id", sessionID, "seq", seq, "error", err)
	}
}

// pushLoop consumes this node's own push stream: session events forwarded
// by peers whose interest routing selected us. Mirror records for remote
// sessions are kept current from these events. Re-reading from the start
// is safe because the updates are idempotent upserts.
func (t *Transport) pushLoop(ctx context.Context) {
	lastID := "0"
	for {
		if ctx.Err() != nil {
			return
		}
		payloads, next, err := t.client.ReadPushes(ctx, t.cfg.Node.ComputerName, "sessions", lastID, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("push read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		lastID = next
		for _, raw := range payloads {
			t.applyPush(ctx, raw)
		}
	}
}

// applyPush updates the local mirror record for a remote session from one
// observed session event.
func (t *Transport) applyPush(ctx context.Context, raw json.RawMessage) {
	var ev events.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.logger.Warn("malformed push event dropped", "error", err)
		return
	}
	var sp events.SessionPayload
	if err := json.Unmarshal(ev.Data, &sp); err != nil || sp.SessionID == "" {
		return
	}
	if sp.Computer == "" || sp.Computer == t.cfg.Node.ComputerName {
		return
	}

	switch ev.Name {
	case events.SessionStarted:
		now := time.Now()
		mirror := &store.Session{
			SessionID:    sp.SessionID,
			Computer:     sp.Computer,
			Status:       protocol.StatusRunning,
			Role:         protocol.RoleAIWorker,
			CreatedAt:    now,
			LastActivity: now,
		}
		if err := t.store.Create(ctx, mirror); err != nil && !protocol.IsKind(err, protocol.ErrConflict) {
			t.logger.Warn("mirror create failed", "session_id", sp.SessionID, "error", err)
		}
	case events.SessionTerminated:
		err := t.store.UpdateStatus(ctx, sp.SessionID, protocol.StatusTerminated)
		if err != nil && !protocol.IsKind(err, protocol.ErrNotFound) && !protocol.IsKind(err, protocol.ErrConflict) {
			t.logger.Warn("mirror terminate failed", "session_id", sp.SessionID, "error", err)
		}
	}
}

// pushToInterested forwards an event to peers whose interest set covers
// the topic. Uninterested peers generate no traffic.
func (t *Transport) pushToInterested(ctx context.Context, topic string, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	for _, p := range t.peers.InterestedIn(topic) {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := t.client.AppendPush(pctx, p.Computer, topic, payload)
		cancel()
		if err != nil {
			t.logger.Warn("push append failed", "computer", p.Computer, "topic", topic, "error", err)
		}
	}
}

// --- Remote observation ---

// ObserveRemote streams a remote session's output chunks starting at
// fromSeq (or after the stored checkpoint for fromSeq < 0), advancing the
// checkpoint as chunks are handed over. When the resume point has fallen
// behind the stream's retained horizon a single output_truncated event is
// emitted and reading resumes from the earliest retained chunk.
//
// The channel closes when ctx ends.
func (t *Transport) ObserveRemote(ctx context.Context, sessionID string, fromSeq int64) (<-chan protocol.OutputChunk, error) {
	from := fromSeq
	if from < 0 {
		cp, err := t.store.Checkpoint(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		from = cp + 1
	}

	earliest, err := t.client.EarliestSequence(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if earliest > from {
		t.hub.Emit(events.OutputTruncated, sessionID, events.TruncationPayload{
			SessionID:    sessionID,
			FromSequence: from,
			ToSequence:   earliest - 1,
		})
		from = earliest
	}

	out := make(chan protocol.OutputChunk, 64)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(out)
		next := from
		for {
			if ctx.Err() != nil {
				return
			}
			chunks, err := t.client.WaitChunks(ctx, sessionID, next, 2*time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				t.logger.Warn("remote chunk read failed", "session_id", sessionID, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			for _, chunk := range chunks {
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
				next = chunk.Sequence + 1
				t.hub.Emit(events.RemoteOutputChunk, sessionID, chunk)
				if err := t.store.AdvanceCheckpoint(ctx, sessionID, chunk.Sequence); err != nil {
					t.logger.Warn("checkpoint advance failed", "session_id", sessionID, "error", err)
				}
			}
		}
	}()
	return out, nil
}

// Latest returns the newest sequence on a session's output stream.
func (t *Transport) Latest(ctx context.Context, sessionID string) (int64, error) {
	return t.client.LatestSequence(ctx, sessionID)
}

// ReadRemote is the non-blocking variant for status polls: chunks with
// sequence >= from, without touching checkpoints.
func (t *Transport) ReadRemote(ctx context.Context, sessionID string, from int64, count int64) ([]protocol.OutputChunk, error) {
	return t.client.ReadChunks(ctx, sessionID, from, count)
}
