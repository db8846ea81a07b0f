package events

// Payload shapes for the events components exchange. Kept here so emitters
// and subscribers agree without referencing each other.

// InputPayload carries user or agent input bound for a session's terminal.
type InputPayload struct {
	SessionID string `json:"session_id"`
	Input     string `json:"input"`
	Adapter   string `json:"adapter"` // adapter that received the input
}

// OutputPayload carries new terminal output detected by the poller.
type OutputPayload struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
	Summary   string `json:"summary,omitempty"`
	Cursor    int64  `json:"cursor"`
	Truncated bool   `json:"truncated,omitempty"`
}

// SessionPayload announces a lifecycle transition.
type SessionPayload struct {
	SessionID string `json:"session_id"`
	Computer  string `json:"computer"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// ToolPayload reports an agent-tool marker detected in the output stream.
type ToolPayload struct {
	SessionID string `json:"session_id"`
	Tool      string `json:"tool,omitempty"`
}

// PeerPayload announces peer liveness transitions.
type PeerPayload struct {
	Computer  string   `json:"computer"`
	Interests []string `json:"interests,omitempty"`
	Caps      []string `json:"caps,omitempty"`
}

// TruncationPayload reports a gap observed on an output stream.
type TruncationPayload struct {
	SessionID    string `json:"session_id"`
	FromSequence int64  `json:"from_sequence"`
	ToSequence   int64  `json:"to_sequence"`
}

// ErrorPayload surfaces an error for adapters to render.
type ErrorPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}
