// Package bridge wraps a terminal multiplexer (tmux) so that each logical
// session is one named multiplexer session that persists across daemon
// restarts.
package bridge

import "context"

// Handle is an opaque reference to a live multiplexer session.
type Handle struct {
	SessionID string
	Name      string // multiplexer session name
}

// HandleFor reconstructs the handle for a session without asking the
// multiplexer, used after restarts and by callers that only know the ID.
func HandleFor(sessionID string) Handle {
	return Handle{SessionID: sessionID, Name: sessionPrefix + sessionID}
}

// Cursor is an opaque read position into a session's pane history.
type Cursor struct {
	Offset int64
}

// Signal variants for interrupting the child process.
type Signal int

const (
	// SigInt sends a single Ctrl-C.
	SigInt Signal = iota
	// SigIntTwice sends two Ctrl-Cs spaced by a short delay, defeating
	// CLIs that capture the first one as input-mode escape.
	SigIntTwice
)

// Bridge is the terminal multiplexer surface used by the lifecycle
// coordinator and the poller.
type Bridge interface {
	// Create starts a named multiplexer session running command in
	// projectPath. It fails with BridgeUnavailable when the multiplexer is
	// missing, NameCollision when an unclaimable session with that name
	// exists, and StartupFailed when the child exits within the warm-up
	// window.
	Create(ctx context.Context, sessionID, projectPath string, command []string, width, height int) (Handle, error)

	// Write appends keystrokes. Newline handling is literal; callers decide
	// whether to send CR.
	Write(ctx context.Context, h Handle, data []byte) error

	// ReadSince returns pane content appended since cursor. When the pane
	// has wrapped past the cursor the largest available suffix is returned
	// with truncated=true.
	ReadSince(ctx context.Context, h Handle, cur Cursor) (data []byte, next Cursor, truncated bool, err error)

	// Resize changes the pane dimensions.
	Resize(ctx context.Context, h Handle, width, height int) error

	// Signal interrupts the child process.
	Signal(ctx context.Context, h Handle, sig Signal) error

	// List enumerates sessions left over from prior runs.
	List(ctx context.Context) ([]Handle, error)

	// Close kills the multiplexer session. Best-effort.
	Close(ctx context.Context, h Handle) error
}
