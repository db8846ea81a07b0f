package daemon

import (
	"context"
	"encoding/json"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/lifecycle"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/internal/toolsock"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// executor runs command envelopes arriving on this node's inbox stream.
// Dedup by correlation ID happens in the transport before Execute.
type executor struct {
	cfg   *config.Config
	coord *lifecycle.Coordinator
	store *store.Store
}

func (e *executor) Execute(ctx context.Context, env protocol.CommandEnvelope) (map[string]any, error) {
	switch env.Command {
	case protocol.CmdStartSession:
		return e.startSession(ctx, env)
	case protocol.CmdSendMessage:
		return nil, e.coord.SendMessage(ctx,
			argString(env.Args, "session_id"),
			argString(env.Args, "message"),
			originOf(env))
	case protocol.CmdEndSession:
		return nil, e.coord.EndSession(ctx,
			argString(env.Args, "session_id"),
			"ended by "+env.Origin)
	case protocol.CmdListSessions:
		sums, err := e.coord.Summaries(ctx, store.Filter{Status: protocol.SessionStatus(argString(env.Args, "status"))})
		if err != nil {
			return nil, err
		}
		return map[string]any{"sessions": toAny(sums)}, nil
	case protocol.CmdListProjects:
		return map[string]any{"projects": toAny(toolsock.LocalProjects(e.cfg))}, nil
	default:
		return nil, protocol.NewError(protocol.ErrNotFound, "unknown command %q", env.Command)
	}
}

func (e *executor) startSession(ctx context.Context, env protocol.CommandEnvelope) (map[string]any, error) {
	req := lifecycle.StartRequest{
		ProjectPath:       argString(env.Args, "project_path"),
		Agent:             argString(env.Args, "agent"),
		ThinkingMode:      argString(env.Args, "thinking_mode"),
		Title:             argString(env.Args, "title"),
		ParentSessionID:   argString(env.Args, "parent_session_id"),
		InitiatorIdentity: argString(env.Args, "initiator_identity"),
		Origin:            originOf(env),
		Role:              protocol.RoleAIWorker,
	}
	if req.Origin == protocol.OriginChatUser {
		req.Role = protocol.RoleHuman
	}
	sess, err := e.coord.StartSession(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session_id": sess.SessionID}, nil
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// originOf maps the envelope to a caller origin, defaulting to a relayed
// agent: commands on the wire come from other nodes' agents unless the
// sender says otherwise.
func originOf(env protocol.CommandEnvelope) string {
	if o := argString(env.Args, "origin"); o != "" {
		return o
	}
	return protocol.OriginAgentOfSession
}

// toAny round-trips through JSON so reply results stay plain maps/slices.
func toAny(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
