package toolsock

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/lifecycle"
	"github.com/teleclaude/teleclaude/internal/peers"
	"github.com/teleclaude/teleclaude/internal/redisstream"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// defaultInterestWindow bounds how long send_message streams output
// before handing back with the window-closed sentinel.
const defaultInterestWindow = 15 * time.Second

// remoteCallTimeout bounds cross-node command round trips.
const remoteCallTimeout = 30 * time.Second

// Sessions is the slice of the lifecycle coordinator the socket drives.
type Sessions interface {
	StartSession(ctx context.Context, req lifecycle.StartRequest) (*store.Session, error)
	SendMessage(ctx context.Context, sessionID, text, origin string) error
	EndSession(ctx context.Context, sessionID, reason string) error
}

// Wire is the slice of the stream transport the socket uses for remote
// targets and for output observation.
type Wire interface {
	Call(ctx context.Context, env protocol.CommandEnvelope, timeout time.Duration) (*redisstream.CommandReply, error)
	ObserveRemote(ctx context.Context, sessionID string, fromSeq int64) (<-chan protocol.OutputChunk, error)
	ReadRemote(ctx context.Context, sessionID string, since, count int64) ([]protocol.OutputChunk, error)
	Latest(ctx context.Context, sessionID string) (int64, error)
}

// Server accepts tool connections on the unix socket.
type Server struct {
	cfg      *config.Config
	sessions Sessions
	wire     Wire
	store    *store.Store
	peers    *peers.Registry
	logger   *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wires the tool-socket server.
func NewServer(cfg *config.Config, sess Sessions, wire Wire, st *store.Store, reg *peers.Registry, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sess,
		wire:     wire,
		store:    st,
		peers:    reg,
		logger:   logger.With("component", "toolsock"),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start listens on the configured socket path. A stale socket file from a
// crashed daemon is removed first.
func (s *Server) Start(ctx context.Context) error {
	path := s.cfg.Node.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := net.Dial("unix", path); err == nil {
			return protocol.NewError(protocol.ErrConflict, "socket %s already in use", path)
		}
		_ = os.Remove(path)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.ln = ln
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(runCtx, ln)
	}()
	s.logger.Info("tool socket listening", "path", path)
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// handlers to drain. Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	ln := s.ln
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if ln != nil {
		_ = ln.Close()
	}
	// Idle tools block in ReadFrame; closing their conns unblocks them.
	for _, conn := range conns {
		_ = conn.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				conn.Close()
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	var hello Hello
	if err := ReadFrame(conn, &hello); err != nil {
		return
	}
	if hello.Origin == "" {
		hello.Origin = protocol.OriginLocalTUI
	}
	log := s.logger.With("origin", hello.Origin, "caller", hello.CallerSessionID)

	for {
		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.dispatch(ctx, conn, hello, req, log)
	}
}

func (s *Server) dispatch(ctx context.Context, conn net.Conn, hello Hello, req Request, log *slog.Logger) {
	var (
		result any
		err    error
	)
	switch req.Method {
	case MethodListComputers:
		result = s.listComputers()
	case MethodListProjects:
		result, err = s.listProjects(ctx, req.Params)
	case MethodListSessions:
		result, err = s.listSessions(ctx, req.Params)
	case MethodStartSession:
		result, err = s.startSession(ctx, hello, req.Params)
	case MethodGetSessionStatus:
		result, err = s.sessionStatus(ctx, req.Params)
	case MethodEndSession:
		err = s.endSession(ctx, hello, req.Params)
	case MethodSendMessage:
		s.sendMessage(ctx, conn, hello, req)
		return
	case MethodObserveSession:
		s.observeSession(ctx, conn, req)
		return
	default:
		err = protocol.NewError(protocol.ErrNotFound, "unknown method %q", req.Method)
	}

	if err != nil {
		log.Warn("rpc failed", "method", req.Method, "error", err)
		writeErr(conn, req.ID, err)
		return
	}
	raw, merr := json.Marshal(result)
	if merr != nil {
		writeErr(conn, req.ID, merr)
		return
	}
	_ = WriteFrame(conn, Response{ID: req.ID, OK: true, Result: raw, Done: true})
}

func writeErr(conn net.Conn, id uint64, err error) {
	pe, ok := err.(*protocol.Error)
	if !ok {
		pe = protocol.NewError(protocol.ErrInternalInvariant, "%v", err)
	}
	_ = WriteFrame(conn, Response{ID: id, OK: false, Error: pe, Done: true})
}

// --- Unary methods ---

func (s *Server) listComputers() []protocol.ComputerInfo {
	out := []protocol.ComputerInfo{{
		Name:       s.cfg.Node.ComputerName,
		Status:     "online",
		LastSeenAt: time.Now(),
	}}
	for _, p := range s.peers.List() {
		status := "offline"
		if p.Online {
			status = "online"
		}
		out = append(out, protocol.ComputerInfo{
			Name:         p.Computer,
			Status:       status,
			LastSeenAt:   p.LastSeen,
			Capabilities: p.Caps,
		})
	}
	return out
}

// checkPeer rejects remote calls up front when the target has no fresh
// heartbeat, instead of waiting out the call timeout.
func (s *Server) checkPeer(computer string) error {
	p, ok := s.peers.Get(computer)
	if !ok || !p.Online {
		return protocol.NewError(protocol.ErrNotFound, "computer %s is not online", computer)
	}
	return nil
}

func (s *Server) listProjects(ctx context.Context, params json.RawMessage) ([]protocol.ProjectInfo, error) {
	var p ListProjectsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Computer != "" && p.Computer != s.cfg.Node.ComputerName {
		if err := s.checkPeer(p.Computer); err != nil {
			return nil, err
		}
		reply, err := s.wire.Call(ctx, protocol.CommandEnvelope{
			Command: protocol.CmdListProjects,
			Target:  p.Computer,
		}, remoteCallTimeout)
		if err != nil {
			return nil, err
		}
		if !reply.OK {
			return nil, reply.Error
		}
		return decodeResult[[]protocol.ProjectInfo](reply.Result, "projects")
	}
	return LocalProjects(s.cfg), nil
}

// LocalProjects enumerates project directories: the children of each
// configured person's home.
func LocalProjects(cfg *config.Config) []protocol.ProjectInfo {
	seen := make(map[string]bool)
	var out []protocol.ProjectInfo
	for _, person := range cfg.People {
		entries, err := os.ReadDir(person.Home)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || e.Name()[0] == '.' {
				continue
			}
			path := filepath.Join(person.Home, e.Name())
			if seen[path] {
				continue
			}
			seen[path] = true
			out = append(out, protocol.ProjectInfo{Name: e.Name(), Path: path})
		}
	}
	return out
}

func (s *Server) listSessions(ctx context.Context, params json.RawMessage) ([]protocol.SessionSummary, error) {
	var p ListSessionsParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	if p.Computer != "" && p.Computer != s.cfg.Node.ComputerName {
		if err := s.checkPeer(p.Computer); err != nil {
			return nil, err
		}
		reply, err := s.wire.Call(ctx, protocol.CommandEnvelope{
			Command: protocol.CmdListSessions,
			Target:  p.Computer,
			Args:    map[string]any{"status": p.Status},
		}, remoteCallTimeout)
		if err != nil {
			return nil, err
		}
		if !reply.OK {
			return nil, reply.Error
		}
		return decodeResult[[]protocol.SessionSummary](reply.Result, "sessions")
	}
	sessions, err := s.store.ListAll(ctx, store.Filter{Computer: p.Computer, Status: protocol.SessionStatus(p.Status)})
	if err != nil {
		return nil, err
	}
	out := make([]protocol.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Summary())
	}
	return out, nil
}

func (s *Server) startSession(ctx context.Context, hello Hello, params json.RawMessage) (map[string]any, error) {
	var p StartSessionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Computer != "" && p.Computer != s.cfg.Node.ComputerName {
		if err := s.checkPeer(p.Computer); err != nil {
			return nil, err
		}
		reply, err := s.wire.Call(ctx, protocol.CommandEnvelope{
			Command: protocol.CmdStartSession,
			Target:  p.Computer,
			Args: map[string]any{
				"project_path":       p.ProjectPath,
				"agent":              p.Agent,
				"thinking_mode":      p.ThinkingMode,
				"title":              p.Title,
				"parent_session_id":  parentFor(hello, p),
				"initiator_identity": s.initiatorIdentity(ctx, hello),
				"origin":             hello.Origin,
			},
		}, remoteCallTimeout)
		if err != nil {
			return nil, err
		}
		if !reply.OK {
			return nil, reply.Error
		}
		// Keep a mirror record so later calls can route to the owner.
		if sid, ok := reply.Result["session_id"].(string); ok {
			now := time.Now()
			mirror := &store.Session{
				SessionID:    sid,
				Computer:     p.Computer,
				ProjectPath:  p.ProjectPath,
				Agent:        p.Agent,
				ThinkingMode: p.ThinkingMode,
				Title:        p.Title,
				Status:       protocol.StatusRunning,
				Role:         protocol.RoleAIWorker,
				InitiatorID:  parentFor(hello, p),
				CreatedAt:    now,
				LastActivity: now,
			}
			if err := s.store.Create(ctx, mirror); err != nil && !protocol.IsKind(err, protocol.ErrConflict) {
				s.logger.Warn("mirror record create failed", "session_id", sid, "error", err)
			}
		}
		return reply.Result, nil
	}

	role := protocol.RoleHuman
	origin := hello.Origin
	if origin == protocol.OriginAgentOfSession {
		role = protocol.RoleAIWorker
	}
	sess, err := s.sessions.StartSession(ctx, lifecycle.StartRequest{
		ProjectPath:     p.ProjectPath,
		Agent:           p.Agent,
		ThinkingMode:    p.ThinkingMode,
		Title:           p.Title,
		Role:            role,
		Origin:          origin,
		CallerDir:       hello.CallerDir,
		ParentSessionID: parentFor(hello, p),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"session_id": sess.SessionID}, nil
}

// initiatorIdentity resolves the caller session's bound identity so a
// remote target can inherit it without a record of the parent.
func (s *Server) initiatorIdentity(ctx context.Context, hello Hello) string {
	if hello.CallerSessionID == "" {
		return ""
	}
	sess, err := s.store.Get(ctx, hello.CallerSessionID)
	if err != nil {
		return ""
	}
	return sess.HumanIdentity
}

func parentFor(hello Hello, p StartSessionParams) string {
	if p.ParentSessionID != "" {
		return p.ParentSessionID
	}
	if hello.Origin == protocol.OriginAgentOfSession {
		return hello.CallerSessionID
	}
	return ""
}

func (s *Server) sessionStatus(ctx context.Context, params json.RawMessage) (*SessionStatusResult, error) {
	var p SessionStatusParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	status := string(protocol.StatusRunning)
	if sess, err := s.store.Get(ctx, p.SessionID); err == nil {
		status = string(sess.Status)
	} else if !protocol.IsKind(err, protocol.ErrNotFound) {
		return nil, err
	}

	chunks, err := s.wire.ReadRemote(ctx, p.SessionID, p.SinceSequence, 256)
	if err != nil {
		return nil, err
	}
	// NextSequence is the first unseen sequence, so it feeds straight back
	// into the next status or observe call.
	next := p.SinceSequence
	if len(chunks) > 0 {
		next = chunks[len(chunks)-1].Sequence + 1
	}
	return &SessionStatusResult{Status: status, NewOutput: chunks, NextSequence: next}, nil
}

func (s *Server) endSession(ctx context.Context, hello Hello, params json.RawMessage) error {
	var p EndSessionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return err
	}

	sess, err := s.store.Get(ctx, p.SessionID)
	if err != nil {
		return err
	}
	// An agent may only end sessions it initiated; humans and the local
	// TUI may end anything on this node.
	if hello.Origin == protocol.OriginAgentOfSession && sess.InitiatorID != hello.CallerSessionID {
		return protocol.NewError(protocol.ErrPermissionDenied,
			"session %s was not started by %s", p.SessionID, hello.CallerSessionID)
	}

	if sess.Computer != s.cfg.Node.ComputerName {
		if err := s.checkPeer(sess.Computer); err != nil {
			return err
		}
		reply, err := s.wire.Call(ctx, protocol.CommandEnvelope{
			Command: protocol.CmdEndSession,
			Target:  sess.Computer,
			Args:    map[string]any{"session_id": p.SessionID, "origin": hello.Origin},
		}, remoteCallTimeout)
		if err != nil {
			return err
		}
		if !reply.OK {
			return reply.Error
		}
		return nil
	}
	return s.sessions.EndSession(ctx, p.SessionID, "ended via tool socket")
}

// --- Streaming methods ---

// sendMessage writes input to the session, then streams output chunks
// until the interest window closes. The window expiring hands the stream
// back with a sentinel; the session itself keeps running.
func (s *Server) sendMessage(ctx context.Context, conn net.Conn, hello Hello, req Request) {
	var p SendMessageParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		writeErr(conn, req.ID, err)
		return
	}
	// An empty message performs no terminal input and emits no chunks.
	if p.Message == "" {
		_ = WriteFrame(conn, Response{ID: req.ID, OK: true, Done: true})
		return
	}
	window := defaultInterestWindow
	if p.InterestWindowSeconds > 0 {
		window = time.Duration(p.InterestWindowSeconds) * time.Second
	}

	sess, err := s.store.Get(ctx, p.SessionID)
	if err != nil {
		writeErr(conn, req.ID, err)
		return
	}

	latest, err := s.wire.Latest(ctx, p.SessionID)
	if err != nil {
		writeErr(conn, req.ID, err)
		return
	}

	if sess.Computer == s.cfg.Node.ComputerName {
		err = s.sessions.SendMessage(ctx, p.SessionID, p.Message, hello.Origin)
	} else {
		err = s.checkPeer(sess.Computer)
		if err == nil {
			var reply *redisstream.CommandReply
			reply, err = s.wire.Call(ctx, protocol.CommandEnvelope{
				Command: protocol.CmdSendMessage,
				Target:  sess.Computer,
				Args:    map[string]any{"session_id": p.SessionID, "message": p.Message, "origin": hello.Origin},
			}, remoteCallTimeout)
			if err == nil && !reply.OK {
				err = reply.Error
			}
		}
	}
	if err != nil {
		writeErr(conn, req.ID, err)
		return
	}

	s.streamChunks(ctx, conn, req.ID, p.SessionID, latest+1, window)
}

// observeSession streams chunks from a checkpoint or explicit sequence,
// optionally bounded by an interest window.
func (s *Server) observeSession(ctx context.Context, conn net.Conn, req Request) {
	var p ObserveSessionParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		writeErr(conn, req.ID, err)
		return
	}
	from := p.FromSequence
	if from == 0 {
		from = -1 // resume from the stored checkpoint
	}
	var window time.Duration
	if p.InterestWindowSeconds > 0 {
		window = time.Duration(p.InterestWindowSeconds) * time.Second
	}
	s.streamChunks(ctx, conn, req.ID, p.SessionID, from, window)
}

// streamChunks relays output chunks with sequence >= from to the tool
// until the window closes, the session stops, or the connection drops.
// window == 0 means unbounded.
func (s *Server) streamChunks(ctx context.Context, conn net.Conn, id uint64, sessionID string, from int64, window time.Duration) {
	obsCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, err := s.wire.ObserveRemote(obsCtx, sessionID, from)
	if err != nil {
		writeErr(conn, id, err)
		return
	}

	var timer <-chan time.Time
	if window > 0 {
		t := time.NewTimer(window)
		defer t.Stop()
		timer = t.C
	}

	// next is the first undelivered sequence; resume calls take it as-is.
	next := from
	if next < 0 {
		next = 0
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer:
			// Window closed: sentinel tells the caller where to resume.
			_ = WriteFrame(conn, Response{ID: id, OK: true, Chunk: &protocol.OutputChunk{
				Kind:         protocol.KindOutput,
				SessionID:    sessionID,
				ChunkKind:    protocol.ChunkWindowClosed,
				NextSequence: next,
				TS:           protocol.Millis(time.Now()),
				Origin:       s.cfg.Node.ComputerName,
			}, Done: true})
			return
		case chunk, ok := <-chunks:
			if !ok {
				_ = WriteFrame(conn, Response{ID: id, OK: true, Done: true})
				return
			}
			next = chunk.Sequence + 1
			if err := WriteFrame(conn, Response{ID: id, OK: true, Chunk: &chunk}); err != nil {
				return
			}
			if chunk.ChunkKind == protocol.ChunkAgentStop {
				_ = WriteFrame(conn, Response{ID: id, OK: true, Done: true})
				return
			}
		}
	}
}

// decodeResult re-decodes a reply's named field into T via JSON.
func decodeResult[T any](result map[string]any, field string) (T, error) {
	var out T
	raw, err := json.Marshal(result[field])
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
