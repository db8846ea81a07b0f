// Package store is the durable local record of sessions, people, and
// adapter metadata, backed by an embedded SQLite file under the daemon's
// state directory.
package store

import (
	"encoding/json"
	"time"

	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// Session is the durable record of a local or remote-observed session.
type Session struct {
	SessionID     string
	Computer      string
	ProjectPath   string
	Agent         string
	ThinkingMode  string
	Title         string
	Status        protocol.SessionStatus
	Role          protocol.SessionRole
	InitiatorID   string
	HumanIdentity string
	LastSummary   string
	CreatedAt     time.Time
	LastActivity  time.Time
	TerminatedAt  *time.Time
}

// Summary converts the record to its wire form.
func (s *Session) Summary() protocol.SessionSummary {
	return protocol.SessionSummary{
		SessionID:     s.SessionID,
		Computer:      s.Computer,
		ProjectPath:   s.ProjectPath,
		Agent:         s.Agent,
		ThinkingMode:  s.ThinkingMode,
		Title:         s.Title,
		Status:        s.Status,
		Role:          s.Role,
		InitiatorID:   s.InitiatorID,
		HumanIdentity: s.HumanIdentity,
		LastSummary:   s.LastSummary,
		CreatedAt:     s.CreatedAt,
		LastActivity:  s.LastActivity,
	}
}

// Person binds a human identity to a home path and agent profile.
type Person struct {
	Name           string
	Email          string
	TelegramUserID int64
	Home           string
	Profile        string
}

// Filter narrows session queries. Zero values match everything.
type Filter struct {
	Computer string
	Status   protocol.SessionStatus
	Role     protocol.SessionRole
}

// AdapterMetadata is an opaque per-adapter blob attached to a session.
type AdapterMetadata struct {
	SessionID string
	Adapter   string
	Origin    bool
	Data      json.RawMessage
}

// validTransitions is the monotone status machine enforced on update.
var validTransitions = map[protocol.SessionStatus][]protocol.SessionStatus{
	protocol.StatusStarting: {protocol.StatusRunning, protocol.StatusTerminated},
	protocol.StatusRunning:  {protocol.StatusHeadless, protocol.StatusTerminated},
	protocol.StatusHeadless: {protocol.StatusRunning, protocol.StatusTerminated},
}

func transitionAllowed(from, to protocol.SessionStatus) bool {
	if from == to {
		return true
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
