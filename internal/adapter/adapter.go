// Package adapter defines the contract every boundary surface implements
// and a registry the daemon builds once at startup.
package adapter

import (
	"context"
	"encoding/json"
)

// Capability tags declared by an adapter at registration. The hub dispatches
// by tag lookup, never by type inspection.
type Capability string

const (
	// CapUI marks an adapter with a human surface.
	CapUI Capability = "ui"
	// CapRemoteExecution marks an adapter able to carry a command to
	// another node.
	CapRemoteExecution Capability = "remote_execution"
	// CapDiscovery marks an adapter able to emit or observe peer liveness.
	CapDiscovery Capability = "discovery"
)

// Adapter is a boundary surface: the chat supergroup, the stream-store
// transport, the HTTP observer, or any future channel. Adapters consume
// operations from the event hub and produce events back to it; they never
// reference each other.
type Adapter interface {
	// Name identifies the adapter; also the key for per-session metadata.
	Name() string

	// Capabilities declares what this adapter can do, as data.
	Capabilities() []Capability

	// Start opens resources and subscribes to the hub.
	Start(ctx context.Context) error

	// Stop releases resources. Idempotent.
	Stop() error
}

// SessionProvisioner is implemented by adapters that allocate a per-session
// channel (a chat topic, a stream key pair) when a session starts. The
// returned metadata blob is persisted on the session record under the
// adapter's name.
type SessionProvisioner interface {
	// ProvisionSession allocates the adapter's channel for a new session
	// and returns its metadata.
	ProvisionSession(ctx context.Context, sessionID string, detail ProvisionDetail) (json.RawMessage, error)

	// FinalizeSession tears the channel down when the session terminates
	// (unpin a topic, let a stream expire). Best-effort.
	FinalizeSession(ctx context.Context, sessionID string, metadata json.RawMessage) error
}

// ProvisionDetail carries the session attributes adapters render into their
// channels.
type ProvisionDetail struct {
	Computer     string
	Agent        string
	ThinkingMode string
	Title        string
	ProjectPath  string
	// DMUserID is set for chat sessions routed to a direct-message chat
	// instead of a topic.
	DMUserID int64
}

// HasCapability reports whether the adapter declares the tag.
func HasCapability(a Adapter, c Capability) bool {
	for _, got := range a.Capabilities() {
		if got == c {
			return true
		}
	}
	return false
}
