package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/teleclaude/teleclaude/internal/adapter"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/events"
	"github.com/teleclaude/teleclaude/internal/lifecycle"
	"github.com/teleclaude/teleclaude/internal/peers"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// maxLiveLen is the render cap for a live message; beyond it a fresh
// message is started so the chat keeps a scrollable history.
const maxLiveLen = 3500

// Commander is the slice of the lifecycle coordinator the adapter drives.
type Commander interface {
	StartSession(ctx context.Context, req lifecycle.StartRequest) (*store.Session, error)
	SendMessage(ctx context.Context, sessionID, text, origin string) error
	EndSession(ctx context.Context, sessionID, reason string) error
	Summaries(ctx context.Context, f store.Filter) ([]protocol.SessionSummary, error)
}

// topicMetadata is the blob persisted per session under this adapter's name.
type topicMetadata struct {
	TopicID  int64 `json:"topic_id,omitempty"`
	DMChatID int64 `json:"dm_chat_id,omitempty"`
}

type liveMessage struct {
	chatID    int64
	topicID   int64
	messageID int64
	text      string
}

// Adapter bridges the supergroup to local sessions.
type Adapter struct {
	cfg    config.TelegramConfig
	node   config.NodeConfig
	bot    BotAPI
	cmd    Commander
	store  *store.Store
	peers  *peers.Registry
	hub    *events.Hub
	logger *slog.Logger

	mu       sync.Mutex
	byTopic  map[int64]string // topic ID → session ID
	byDM     map[int64]string // DM chat ID → session ID
	live     map[string]*liveMessage
	rosterID int64 // pinned roster message, 0 until first render

	sub    chan events.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the chat adapter.
func New(cfg *config.Config, bot BotAPI, cmd Commander, st *store.Store, reg *peers.Registry, hub *events.Hub, logger *slog.Logger) *Adapter {
	return &Adapter{
		cfg:     cfg.Telegram,
		node:    cfg.Node,
		bot:     bot,
		cmd:     cmd,
		store:   st,
		peers:   reg,
		hub:     hub,
		logger:  logger.With("component", "telegram"),
		byTopic: make(map[int64]string),
		byDM:    make(map[int64]string),
		live:    make(map[string]*liveMessage),
	}
}

func (a *Adapter) Name() string { return "telegram" }

func (a *Adapter) Capabilities() []adapter.Capability {
	return []adapter.Capability{adapter.CapUI, adapter.CapDiscovery}
}

// Start seeds the topic index from surviving sessions, then launches the
// incoming pump and the event renderer.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.seedIndex(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	updates, err := a.bot.Updates(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("open update stream: %w", err)
	}

	// Subscribe before the render pump starts so events emitted right
	// after Start returns are not lost in the pre-subscription window.
	sub := a.hub.Subscribe(
		events.OutputUpdated,
		events.AgentIdle,
		events.SessionTerminated,
		events.PeerSeen,
		events.PeerLost,
		events.ErrorReported,
	)
	a.sub = sub

	a.wg.Add(2)
	go func() { defer a.wg.Done(); a.runPump(runCtx, "updates", func(c context.Context) { a.pumpUpdates(c, updates) }) }()
	go func() { defer a.wg.Done(); a.runPump(runCtx, "render", func(c context.Context) { a.renderEvents(c, sub) }) }()
	return nil
}

// runPump keeps a pump alive across panics so one bad chat message cannot
// take the daemon down. A pump returning normally ends the loop.
func (a *Adapter) runPump(ctx context.Context, name string, fn func(context.Context)) {
	for ctx.Err() == nil {
		done := func() (ok bool) {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("pump panicked", "pump", name, "panic", r)
				}
			}()
			fn(ctx)
			return true
		}()
		if done {
			return
		}
	}
}

// Stop cancels the pumps. Idempotent.
func (a *Adapter) Stop() error {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
		a.wg.Wait()
		if a.sub != nil {
			a.hub.Unsubscribe(a.sub)
			a.sub = nil
		}
	}
	return nil
}

func (a *Adapter) seedIndex(ctx context.Context) error {
	sessions, err := a.store.ListLocal(ctx, store.Filter{})
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.Status == protocol.StatusTerminated {
			continue
		}
		m, err := a.store.GetMetadata(ctx, s.SessionID, a.Name())
		if err != nil {
			continue
		}
		var tm topicMetadata
		if json.Unmarshal(m.Data, &tm) != nil {
			continue
		}
		a.mu.Lock()
		if tm.TopicID != 0 {
			a.byTopic[tm.TopicID] = s.SessionID
		}
		if tm.DMChatID != 0 {
			a.byDM[tm.DMChatID] = s.SessionID
		}
		a.mu.Unlock()
	}
	return nil
}

// --- Provisioning ---

// ProvisionSession creates the session's forum topic, or records the DM
// chat for DM-routed sessions.
func (a *Adapter) ProvisionSession(ctx context.Context, sessionID string, d adapter.ProvisionDetail) (json.RawMessage, error) {
	var tm topicMetadata
	if d.DMUserID != 0 {
		tm.DMChatID = d.DMUserID
		a.mu.Lock()
		a.byDM[d.DMUserID] = sessionID
		a.mu.Unlock()
		return json.Marshal(tm)
	}

	title := topicTitle(d)
	topicID, err := a.bot.CreateTopic(ctx, a.cfg.SupergroupID, title)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrTransientTransport, "create topic: %v", err)
	}
	tm.TopicID = topicID
	a.mu.Lock()
	a.byTopic[topicID] = sessionID
	a.mu.Unlock()

	intro := fmt.Sprintf("Session %s\n%s in %s", sessionID, d.Agent, d.ProjectPath)
	if _, err := a.bot.SendMessage(ctx, a.cfg.SupergroupID, topicID, intro); err != nil {
		a.logger.Warn("intro message failed", "session_id", sessionID, "error", err)
	}
	return json.Marshal(tm)
}

// FinalizeSession closes the topic when the session terminates.
func (a *Adapter) FinalizeSession(ctx context.Context, sessionID string, metadata json.RawMessage) error {
	var tm topicMetadata
	if err := json.Unmarshal(metadata, &tm); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.live, sessionID)
	if tm.TopicID != 0 {
		delete(a.byTopic, tm.TopicID)
	}
	if tm.DMChatID != 0 {
		delete(a.byDM, tm.DMChatID)
	}
	a.mu.Unlock()

	if tm.TopicID != 0 {
		return a.bot.CloseTopic(ctx, a.cfg.SupergroupID, tm.TopicID)
	}
	return nil
}

func topicTitle(d adapter.ProvisionDetail) string {
	agent := d.Agent
	if d.ThinkingMode != "" {
		agent += "/" + d.ThinkingMode
	}
	title := d.Title
	if title == "" {
		title = d.ProjectPath
	}
	return fmt.Sprintf("[%s] %s — %s", d.Computer, agent, title)
}

// --- Incoming ---

func (a *Adapter) pumpUpdates(ctx context.Context, updates <-chan Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			a.handleUpdate(ctx, u)
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, u Update) {
	if u.Text == "" {
		return
	}

	a.mu.Lock()
	sessionID, inTopic := a.byTopic[u.TopicID]
	if !inTopic {
		sessionID, inTopic = a.byDM[u.ChatID]
	}
	a.mu.Unlock()

	switch {
	case inTopic && !strings.HasPrefix(u.Text, "/"):
		if err := a.cmd.SendMessage(ctx, sessionID, u.Text, protocol.OriginChatUser); err != nil {
			a.reply(ctx, u, "error: "+err.Error())
		}
	case inTopic && u.Text == "/end":
		if err := a.cmd.EndSession(ctx, sessionID, "ended from chat"); err != nil {
			a.reply(ctx, u, "error: "+err.Error())
		}
	case u.TopicID == a.cfg.ControlTopicID || u.ChatID != a.cfg.SupergroupID:
		a.handleControl(ctx, u)
	}
}

// handleControl processes control-topic and DM commands.
func (a *Adapter) handleControl(ctx context.Context, u Update) {
	fields := strings.Fields(u.Text)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "/new":
		agent := "claude"
		if len(fields) > 1 {
			agent = fields[1]
		}
		var title string
		if len(fields) > 2 {
			title = strings.Join(fields[2:], " ")
		}
		req := lifecycle.StartRequest{
			Agent:         agent,
			Title:         title,
			Role:          protocol.RoleHuman,
			Origin:        protocol.OriginChatUser,
			OriginAdapter: a.Name(),
			ChatUserID:    u.UserID,
			DM:            u.ChatID != a.cfg.SupergroupID,
		}
		sess, err := a.cmd.StartSession(ctx, req)
		if err != nil {
			a.reply(ctx, u, "error: "+err.Error())
			return
		}
		a.reply(ctx, u, "started "+sess.SessionID)
	case "/sessions":
		sums, err := a.cmd.Summaries(ctx, store.Filter{})
		if err != nil {
			a.reply(ctx, u, "error: "+err.Error())
			return
		}
		a.reply(ctx, u, renderSessions(sums))
	case "/end":
		if len(fields) < 2 {
			a.reply(ctx, u, "usage: /end <session_id>")
			return
		}
		if err := a.cmd.EndSession(ctx, fields[1], "ended from chat"); err != nil {
			a.reply(ctx, u, "error: "+err.Error())
			return
		}
		a.reply(ctx, u, "ended "+fields[1])
	}
}

func (a *Adapter) reply(ctx context.Context, u Update, text string) {
	if _, err := a.bot.SendMessage(ctx, u.ChatID, u.TopicID, text); err != nil {
		a.logger.Warn("reply failed", "chat_id", u.ChatID, "error", err)
	}
}

func renderSessions(sums []protocol.SessionSummary) string {
	if len(sums) == 0 {
		return "no sessions"
	}
	var b strings.Builder
	for _, s := range sums {
		fmt.Fprintf(&b, "%s  %s  %s  %s\n", s.SessionID, s.Computer, s.Agent, s.Status)
	}
	return strings.TrimRight(b.String(), "\n")
}

// --- Outgoing rendering ---

func (a *Adapter) renderEvents(ctx context.Context, sub chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Name {
			case events.OutputUpdated:
				var op events.OutputPayload
				if json.Unmarshal(ev.Data, &op) == nil {
					a.renderOutput(ctx, op)
				}
			case events.AgentIdle:
				a.notify(ctx, ev.SessionID, "agent idle")
			case events.SessionTerminated:
				var sp events.SessionPayload
				if json.Unmarshal(ev.Data, &sp) == nil {
					a.notify(ctx, ev.SessionID, "session terminated: "+sp.Reason)
				}
			case events.PeerSeen, events.PeerLost:
				a.renderRoster(ctx)
			case events.ErrorReported:
				var ep events.ErrorPayload
				if json.Unmarshal(ev.Data, &ep) == nil && ev.SessionID != "" {
					a.notify(ctx, ev.SessionID, "error: "+ep.Message)
				}
			}
		}
	}
}

// renderOutput keeps one live message per session, edited in place as
// output grows; once it exceeds the cap a fresh message starts.
func (a *Adapter) renderOutput(ctx context.Context, op events.OutputPayload) {
	if a.cfg.LiveMessages <= 0 {
		return
	}
	chatID, topicID, ok := a.channelFor(ctx, op.SessionID)
	if !ok {
		return
	}

	a.mu.Lock()
	lm := a.live[op.SessionID]
	var text string
	if lm != nil {
		text = lm.text + op.Data
	} else {
		text = op.Data
	}
	fresh := lm == nil || len(text) > maxLiveLen
	if fresh && len(text) > maxLiveLen {
		text = op.Data
		if len(text) > maxLiveLen {
			text = text[len(text)-maxLiveLen:]
		}
	}
	a.mu.Unlock()

	rendered := "```\n" + text + "\n```"
	if fresh {
		id, err := a.bot.SendMessage(ctx, chatID, topicID, rendered)
		if err != nil {
			a.logger.Warn("live message send failed", "session_id", op.SessionID, "error", err)
			return
		}
		a.mu.Lock()
		a.live[op.SessionID] = &liveMessage{chatID: chatID, topicID: topicID, messageID: id, text: text}
		a.mu.Unlock()
		return
	}
	if err := a.bot.EditMessage(ctx, chatID, lm.messageID, rendered); err != nil {
		a.logger.Warn("live message edit failed", "session_id", op.SessionID, "error", err)
		return
	}
	a.mu.Lock()
	lm.text = text
	a.mu.Unlock()
}

func (a *Adapter) notify(ctx context.Context, sessionID, text string) {
	chatID, topicID, ok := a.channelFor(ctx, sessionID)
	if !ok {
		return
	}
	a.mu.Lock()
	delete(a.live, sessionID) // next output starts a fresh live message
	a.mu.Unlock()
	if _, err := a.bot.SendMessage(ctx, chatID, topicID, text); err != nil {
		a.logger.Warn("notify failed", "session_id", sessionID, "error", err)
	}
}

func (a *Adapter) channelFor(ctx context.Context, sessionID string) (chatID, topicID int64, ok bool) {
	m, err := a.store.GetMetadata(ctx, sessionID, a.Name())
	if err != nil {
		return 0, 0, false
	}
	var tm topicMetadata
	if json.Unmarshal(m.Data, &tm) != nil {
		return 0, 0, false
	}
	if tm.DMChatID != 0 {
		return tm.DMChatID, 0, true
	}
	if tm.TopicID != 0 {
		return a.cfg.SupergroupID, tm.TopicID, true
	}
	return 0, 0, false
}

// renderRoster mirrors the peer registry into the pinned control-topic
// message. The stream-store heartbeats stay authoritative; this is
// presentation only.
func (a *Adapter) renderRoster(ctx context.Context) {
	online := a.peers.ListOnline()
	var b strings.Builder
	b.WriteString("Computers online:\n")
	fmt.Fprintf(&b, "• %s (this node)\n", a.node.ComputerName)
	for _, p := range online {
		fmt.Fprintf(&b, "• %s, last seen %s\n", p.Computer, p.LastSeen.Format(time.TimeOnly))
	}
	text := strings.TrimRight(b.String(), "\n")

	a.mu.Lock()
	rosterID := a.rosterID
	a.mu.Unlock()

	if rosterID == 0 {
		id, err := a.bot.SendMessage(ctx, a.cfg.SupergroupID, a.cfg.ControlTopicID, text)
		if err != nil {
			a.logger.Warn("roster send failed", "error", err)
			return
		}
		if err := a.bot.PinMessage(ctx, a.cfg.SupergroupID, id); err != nil {
			a.logger.Warn("roster pin failed", "error", err)
		}
		a.mu.Lock()
		a.rosterID = id
		a.mu.Unlock()
		return
	}
	if err := a.bot.EditMessage(ctx, a.cfg.SupergroupID, rosterID, text); err != nil {
		a.logger.Warn("roster edit failed", "error", err)
	}
}
