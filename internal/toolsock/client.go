package toolsock

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// Client is the tool-side library for the daemon socket, used by the CLI
// and by agent tools running inside sessions.
//
// One request is in flight at a time per connection; concurrent callers
// are serialized.
type Client struct {
	conn   net.Conn
	mu     sync.Mutex
	nextID atomic.Uint64
}

// Dial connects to the daemon socket and identifies the caller.
func Dial(path string, hello Hello) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrBridgeUnavailable,
			"daemon socket %s: %v", path, err)
	}
	if hello.Origin == "" {
		hello.Origin = protocol.OriginLocalTUI
	}
	if err := WriteFrame(conn, hello); err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close drops the connection.
func (c *Client) Close() error { return c.conn.Close() }

// call performs a unary RPC.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	return c.stream(ctx, method, params, result, nil)
}

// stream performs an RPC, forwarding chunk frames to onChunk (may be nil)
// and decoding the final result frame into result (may be nil).
func (c *Client) stream(ctx context.Context, method string, params any, result any, onChunk func(protocol.OutputChunk) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	id := c.nextID.Add(1)
	if err := WriteFrame(c.conn, Request{ID: id, Method: method, Params: raw}); err != nil {
		return err
	}

	for {
		var resp Response
		if err := ReadFrame(c.conn, &resp); err != nil {
			return err
		}
		if resp.ID != id {
			continue // stale frame from an aborted call
		}
		if !resp.OK {
			return resp.Error
		}
		if resp.Chunk != nil && onChunk != nil {
			if err := onChunk(*resp.Chunk); err != nil {
				return err
			}
		}
		if resp.Done {
			if result != nil && len(resp.Result) > 0 {
				return json.Unmarshal(resp.Result, result)
			}
			return nil
		}
	}
}

// ListComputers returns the mesh view.
func (c *Client) ListComputers(ctx context.Context) ([]protocol.ComputerInfo, error) {
	var out []protocol.ComputerInfo
	err := c.call(ctx, MethodListComputers, struct{}{}, &out)
	return out, err
}

// ListProjects returns project directories on a computer.
func (c *Client) ListProjects(ctx context.Context, computer string) ([]protocol.ProjectInfo, error) {
	var out []protocol.ProjectInfo
	err := c.call(ctx, MethodListProjects, ListProjectsParams{Computer: computer}, &out)
	return out, err
}

// ListSessions returns session summaries matching the filter.
func (c *Client) ListSessions(ctx context.Context, p ListSessionsParams) ([]protocol.SessionSummary, error) {
	var out []protocol.SessionSummary
	err := c.call(ctx, MethodListSessions, p, &out)
	return out, err
}

// StartSession creates a session and returns its ID.
func (c *Client) StartSession(ctx context.Context, p StartSessionParams) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.call(ctx, MethodStartSession, p, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// SendMessage delivers input and streams output chunks to onChunk until
// the interest window closes (the final chunk has kind
// interest_window_closed carrying the resume sequence).
func (c *Client) SendMessage(ctx context.Context, p SendMessageParams, onChunk func(protocol.OutputChunk) error) error {
	return c.stream(ctx, MethodSendMessage, p, nil, onChunk)
}

// GetSessionStatus fetches status plus output since a sequence.
func (c *Client) GetSessionStatus(ctx context.Context, p SessionStatusParams) (*SessionStatusResult, error) {
	var out SessionStatusResult
	if err := c.call(ctx, MethodGetSessionStatus, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EndSession terminates a session.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, MethodEndSession, EndSessionParams{SessionID: sessionID}, nil)
}

// ObserveSession streams chunks from a sequence (or the stored
// checkpoint) to onChunk until ctx ends or the window closes.
func (c *Client) ObserveSession(ctx context.Context, p ObserveSessionParams, onChunk func(protocol.OutputChunk) error) error {
	return c.stream(ctx, MethodObserveSession, p, nil, onChunk)
}
