// Package protocol defines the wire formats exchanged between TeleClaude
// nodes over the stream store and between the daemon and colocated tools
// over the tool socket.
//
// All entries are JSON-encoded and carry a "kind" discriminator, a "ts"
// timestamp in milliseconds of node time, and the producing computer in
// "origin".
package protocol

import "time"

// Entry kinds on the stream-store wire.
const (
	KindCommand   = "command"
	KindOutput    = "output"
	KindHeartbeat = "heartbeat"
)

// Commands carried in a CommandEnvelope.
const (
	CmdStartSession = "start_session"
	CmdSendMessage  = "send_message"
	CmdEndSession   = "end_session"
	CmdListSessions = "list_sessions"
	CmdListProjects = "list_projects"
)

// CommandEnvelope is appended to a node's inbox stream by any peer.
// Delivery is at-least-once; receivers deduplicate on ID.
type CommandEnvelope struct {
	Kind        string         `json:"kind"` // always "command"
	ID          string         `json:"id"`   // correlation ID
	Command     string         `json:"command"`
	Target      string         `json:"target"` // target computer name
	Args        map[string]any `json:"args,omitempty"`
	ReplyStream string         `json:"reply_stream"`
	TS          int64          `json:"ts"` // node time, milliseconds
	Origin      string         `json:"origin"`
}

// Chunk kinds on a session output stream.
const (
	ChunkOutput       = "chunk"
	ChunkToolUse      = "tool_use"
	ChunkToolDone     = "tool_done"
	ChunkAgentStop    = "agent_stop"
	ChunkNotification = "agent_notification"
	ChunkError        = "error"

	// ChunkWindowClosed is the sentinel appended by send_message when the
	// caller's interest window expires. NextSequence tells the caller where
	// to resume.
	ChunkWindowClosed = "interest_window_closed"
)

// OutputChunk is appended to output/<session_id> by the session's owning
// node. Sequence is strictly increasing within one stream.
type OutputChunk struct {
	Kind         string `json:"kind"` // always "output"
	SessionID    string `json:"session_id"`
	Sequence     int64  `json:"sequence"`
	ChunkKind    string `json:"chunk_kind"`
	Payload      string `json:"payload,omitempty"`
	NextSequence int64  `json:"next_sequence,omitempty"` // window-closed sentinel only
	TS           int64  `json:"ts"`
	Origin       string `json:"origin"`
}

// Heartbeat is stored under heartbeat/<computer> with a short TTL and
// announced to interested peers.
type Heartbeat struct {
	Kind      string   `json:"kind"` // always "heartbeat"
	Computer  string   `json:"computer"`
	Caps      []string `json:"caps,omitempty"`
	Interests []string `json:"interests,omitempty"`
	TS        int64    `json:"ts"`
}

// Millis converts a wall-clock time to wire milliseconds.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// --- Session model shared with tools ---

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusStarting   SessionStatus = "starting"
	StatusRunning    SessionStatus = "running"
	StatusHeadless   SessionStatus = "headless"
	StatusTerminated SessionStatus = "terminated"
)

// SessionRole records on whose behalf a session runs.
type SessionRole string

const (
	RoleHuman    SessionRole = "human"
	RoleAIOrigin SessionRole = "ai_origin"
	RoleAIWorker SessionRole = "ai_worker"
)

// SessionSummary describes a session to tool callers and observers.
type SessionSummary struct {
	SessionID     string        `json:"session_id"`
	Computer      string        `json:"computer"`
	ProjectPath   string        `json:"project_path"`
	Agent         string        `json:"agent"`
	ThinkingMode  string        `json:"thinking_mode,omitempty"`
	Title         string        `json:"title,omitempty"`
	Status        SessionStatus `json:"status"`
	Role          SessionRole   `json:"role"`
	InitiatorID   string        `json:"initiator_session_id,omitempty"`
	HumanIdentity string        `json:"human_identity,omitempty"`
	LastSummary   string        `json:"last_summary,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	LastActivity  time.Time     `json:"last_activity_at"`
}

// ComputerInfo describes a mesh peer to tool callers.
type ComputerInfo struct {
	Name         string    `json:"name"`
	Status       string    `json:"status"` // "online" or "offline"
	LastSeenAt   time.Time `json:"last_seen_at"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// ProjectInfo names a project directory available on a computer.
type ProjectInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Caller origins on the tool socket. Sensitive operations are gated per
// origin by the daemon, never by the caller.
const (
	OriginLocalTUI       = "local_tui"
	OriginChatUser       = "chat_user"
	OriginAgentOfSession = "agent_of_session"
)
