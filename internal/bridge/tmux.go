package bridge

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// sessionPrefix namespaces our multiplexer sessions so List can reclaim
// them after a daemon restart without touching the user's own sessions.
const sessionPrefix = "tc-"

// Runner executes a multiplexer command and returns combined output.
// Swapped for a fake in tests.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

type execRunner struct {
	binary string
}

func (r *execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%s %s: %w: %s", r.binary, args[0], err, strings.TrimSpace(out.String()))
	}
	return out.Bytes(), nil
}

// Tmux is the tmux-backed Bridge implementation.
type Tmux struct {
	runner Runner
	cfg    config.BridgeConfig
	logger *slog.Logger
}

// NewTmux creates a bridge that shells out to the configured tmux binary.
func NewTmux(cfg config.BridgeConfig, logger *slog.Logger) *Tmux {
	return &Tmux{
		runner: &execRunner{binary: cfg.TmuxBinary},
		cfg:    cfg,
		logger: logger.With("component", "bridge"),
	}
}

// NewTmuxWithRunner is used by tests to inject a fake runner.
func NewTmuxWithRunner(cfg config.BridgeConfig, r Runner, logger *slog.Logger) *Tmux {
	return &Tmux{runner: r, cfg: cfg, logger: logger.With("component", "bridge")}
}

func sessionName(sessionID string) string {
	return sessionPrefix + sessionID
}

// run retries transient tmux failures with bounded backoff.
func (t *Tmux) run(ctx context.Context, args ...string) ([]byte, error) {
	var lastErr error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < t.cfg.MaxRetries; attempt++ {
		out, err := t.runner.Run(ctx, args...)
		if err == nil {
			return out, nil
		}
		lastErr = err
		// "no server running" and missing-session errors are not transient.
		msg := err.Error()
		if strings.Contains(msg, "no server running") ||
			strings.Contains(msg, "session not found") ||
			strings.Contains(msg, "can't find session") {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (t *Tmux) Create(ctx context.Context, sessionID, projectPath string, command []string, width, height int) (Handle, error) {
	name := sessionName(sessionID)
	if width == 0 {
		width = t.cfg.DefaultWidth
	}
	if height == 0 {
		height = t.cfg.DefaultHeight
	}

	if _, err := t.runner.Run(ctx, "has-session", "-t", name); err == nil {
		return Handle{}, protocol.NewError(protocol.ErrConflict,
			"multiplexer session %s already exists", name)
	}

	args := []string{
		"new-session", "-d",
		"-s", name,
		"-c", projectPath,
		"-x", fmt.Sprint(width),
		"-y", fmt.Sprint(height),
	}
	args = append(args, command...)

	if _, err := t.run(ctx, args...); err != nil {
		if strings.Contains(err.Error(), "executable file not found") {
			return Handle{}, protocol.NewError(protocol.ErrBridgeUnavailable,
				"multiplexer missing: %v", err)
		}
		if strings.Contains(err.Error(), "duplicate session") {
			return Handle{}, protocol.NewError(protocol.ErrConflict,
				"multiplexer session %s already exists", name)
		}
		return Handle{}, protocol.NewError(protocol.ErrBridgeUnavailable,
			"create session: %v", err)
	}

	h := Handle{SessionID: sessionID, Name: name}

	// Warm-up: the child must survive the window or creation failed.
	select {
	case <-ctx.Done():
		_ = t.Close(context.Background(), h)
		return Handle{}, ctx.Err()
	case <-time.After(t.cfg.WarmupWindow.Duration):
	}
	if _, err := t.runner.Run(ctx, "has-session", "-t", name); err != nil {
		return Handle{}, protocol.NewError(protocol.ErrBridgeUnavailable,
			"child exited during warm-up: %v", err)
	}

	t.logger.Info("multiplexer session created", "session_id", sessionID, "name", name, "path", projectPath)
	return h, nil
}

func (t *Tmux) Write(ctx context.Context, h Handle, data []byte) error {
	// -l sends keys literally; the caller controls CR.
	_, err := t.run(ctx, "send-keys", "-t", h.Name, "-l", string(data))
	if err != nil {
		return protocol.NewError(protocol.ErrBridgeUnavailable, "write: %v", err)
	}
	return nil
}

func (t *Tmux) ReadSince(ctx context.Context, h Handle, cur Cursor) ([]byte, Cursor, bool, error) {
	// Capture the whole retained history; the cursor is a byte offset into
	// it. tmux trims old history itself, which is where truncation comes
	// from.
	out, err := t.run(ctx, "capture-pane", "-p", "-t", h.Name, "-S", "-", "-J")
	if err != nil {
		return nil, cur, false, protocol.NewError(protocol.ErrBridgeUnavailable, "capture: %v", err)
	}

	total := int64(len(out))
	next := Cursor{Offset: total}
	switch {
	case cur.Offset > total:
		// Pane history wrapped past the cursor: return the largest suffix
		// still available.
		return out, next, true, nil
	case cur.Offset == total:
		return nil, next, false, nil
	default:
		return out[cur.Offset:], next, false, nil
	}
}

func (t *Tmux) Resize(ctx context.Context, h Handle, width, height int) error {
	_, err := t.run(ctx, "resize-window", "-t", h.Name,
		"-x", fmt.Sprint(width), "-y", fmt.Sprint(height))
	if err != nil {
		return protocol.NewError(protocol.ErrBridgeUnavailable, "resize: %v", err)
	}
	return nil
}

func (t *Tmux) Signal(ctx context.Context, h Handle, sig Signal) error {
	if _, err := t.run(ctx, "send-keys", "-t", h.Name, "C-c"); err != nil {
		return protocol.NewError(protocol.ErrBridgeUnavailable, "signal: %v", err)
	}
	if sig == SigIntTwice {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(150 * time.Millisecond):
		}
		if _, err := t.run(ctx, "send-keys", "-t", h.Name, "C-c"); err != nil {
			return protocol.NewError(protocol.ErrBridgeUnavailable, "signal: %v", err)
		}
	}
	return nil
}

func (t *Tmux) List(ctx context.Context) ([]Handle, error) {
	out, err := t.runner.Run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// No server running means no leftover sessions.
		if strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, protocol.NewError(protocol.ErrBridgeUnavailable, "list: %v", err)
	}

	var handles []Handle
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		name := strings.TrimSpace(line)
		if !strings.HasPrefix(name, sessionPrefix) {
			continue
		}
		handles = append(handles, Handle{
			SessionID: strings.TrimPrefix(name, sessionPrefix),
			Name:      name,
		})
	}
	return handles, nil
}

func (t *Tmux) Close(ctx context.Context, h Handle) error {
	if _, err := t.runner.Run(ctx, "kill-session", "-t", h.Name); err != nil {
		t.logger.Warn("kill-session failed", "name", h.Name, "error", err)
	}
	return nil
}
