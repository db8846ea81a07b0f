// Package toolsock exposes the daemon's RPC surface to colocated tools
// over a unix socket. Frames are length-prefixed JSON: a 4-byte big-endian
// payload length followed by the payload.
package toolsock

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// maxFrame bounds a single frame; terminal output is chunked well below
// this.
const maxFrame = 4 << 20

// RPC method names.
const (
	MethodListComputers    = "list_computers"
	MethodListProjects     = "list_projects"
	MethodListSessions     = "list_sessions"
	MethodStartSession     = "start_session"
	MethodSendMessage      = "send_message"
	MethodGetSessionStatus = "get_session_status"
	MethodEndSession       = "end_session"
	MethodObserveSession   = "observe_session"
)

// Hello is the first frame a tool sends after connecting: who is calling.
// Permissions are decided daemon-side from this plus session records.
type Hello struct {
	Origin          string `json:"origin"` // protocol.Origin*
	CallerSessionID string `json:"caller_session_id,omitempty"`
	CallerDir       string `json:"caller_dir,omitempty"`
}

// Request is one RPC call.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one reply frame. Streaming methods send any number of
// frames carrying Chunk with the same ID, then a final frame with Done.
type Response struct {
	ID     uint64                `json:"id"`
	OK     bool                  `json:"ok"`
	Error  *protocol.Error       `json:"error,omitempty"`
	Result json.RawMessage       `json:"result,omitempty"`
	Chunk  *protocol.OutputChunk `json:"chunk,omitempty"`
	Done   bool                  `json:"done,omitempty"`
}

// Request parameter shapes.

type ListProjectsParams struct {
	Computer string `json:"computer"`
}

type ListSessionsParams struct {
	Computer string `json:"computer,omitempty"`
	Status   string `json:"status,omitempty"`
}

type StartSessionParams struct {
	Computer        string `json:"computer"`
	ProjectPath     string `json:"project_path,omitempty"`
	Agent           string `json:"agent"`
	ThinkingMode    string `json:"thinking_mode,omitempty"`
	Title           string `json:"title,omitempty"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
}

type SendMessageParams struct {
	SessionID             string `json:"session_id"`
	Message               string `json:"message"`
	InterestWindowSeconds int    `json:"interest_window_seconds,omitempty"` // default 15
}

type SessionStatusParams struct {
	SessionID     string `json:"session_id"`
	SinceSequence int64  `json:"since_sequence,omitempty"`
}

type SessionStatusResult struct {
	Status       string                 `json:"status"`
	NewOutput    []protocol.OutputChunk `json:"new_output"`
	NextSequence int64                  `json:"next_sequence"`
}

type EndSessionParams struct {
	SessionID string `json:"session_id"`
}

type ObserveSessionParams struct {
	SessionID             string `json:"session_id"`
	FromSequence          int64  `json:"from_sequence,omitempty"`
	InterestWindowSeconds int    `json:"interest_window_seconds,omitempty"` // 0 = unbounded
}

// WriteFrame writes one length-prefixed JSON frame.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(payload) > maxFrame {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed JSON frame into v.
func ReadFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrame {
		return fmt.Errorf("frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
