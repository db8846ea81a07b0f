// Package identity maps command origins to a person, a home directory,
// and an execution profile.
package identity

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// LocalIdentity is the identity attached to commands arriving over the
// local tool socket.
const LocalIdentity = "local"

// Resolution is the effect of resolving an origin: who the command runs
// as, where new sessions root by default, and under which profile.
type Resolution struct {
	Identity string
	Home     string
	Profile  config.ProfileConfig
	// HelpDesk marks an unknown chat user confined to the help-desk area.
	HelpDesk bool
}

// Resolver decides identities. People come from the store, seeded from
// configuration at startup; profiles come from configuration directly.
type Resolver struct {
	cfg    *config.Config
	store  *store.Store
	logger *slog.Logger
}

// NewResolver seeds the people table from configuration and returns the
// resolver.
func NewResolver(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger) (*Resolver, error) {
	for _, p := range cfg.People {
		err := st.UpsertPerson(ctx, store.Person{
			Name:           p.Name,
			Email:          p.Email,
			TelegramUserID: p.TelegramUserID,
			Home:           p.Home,
			Profile:        p.Profile,
		})
		if err != nil {
			return nil, err
		}
	}
	return &Resolver{cfg: cfg, store: st, logger: logger.With("component", "identity")}, nil
}

// ResolveChatUser maps a chat user ID to a person. Known users get their
// configured home and profile. Unknown users are confined to the
// help-desk directory under the restricted profile; they are never
// rejected outright, only sandboxed.
func (r *Resolver) ResolveChatUser(ctx context.Context, userID int64) (Resolution, error) {
	p, err := r.store.PersonByTelegramID(ctx, userID)
	if err != nil {
		return Resolution{}, err
	}
	if p == nil {
		r.logger.Info("unknown chat user routed to help desk", "user_id", userID)
		return Resolution{
			Identity: "guest",
			Home:     r.cfg.Node.HelpDeskPath,
			Profile:  r.cfg.Profile("restricted"),
			HelpDesk: true,
		}, nil
	}
	return Resolution{
		Identity: p.Name,
		Home:     p.Home,
		Profile:  r.cfg.Profile(p.Profile),
	}, nil
}

// ResolveLocal is for tool-socket callers: they already run as the machine
// owner, so they keep their own working directory and the default profile.
func (r *Resolver) ResolveLocal(callerDir string) Resolution {
	return Resolution{
		Identity: LocalIdentity,
		Home:     callerDir,
		Profile:  r.cfg.Profile("default"),
	}
}

// ResolveRelayed is for commands an agent session issues on behalf of its
// initiator: the child inherits the initiator's identity and profile so a
// guest session cannot mint privileged children.
func (r *Resolver) ResolveRelayed(ctx context.Context, initiator string) (Resolution, error) {
	if initiator == "" || initiator == LocalIdentity || initiator == "guest" {
		return Resolution{
			Identity: "guest",
			Home:     r.cfg.Node.HelpDeskPath,
			Profile:  r.cfg.Profile("restricted"),
			HelpDesk: initiator == "guest",
		}, nil
	}
	p, err := r.store.PersonByName(ctx, initiator)
	if err != nil {
		return Resolution{}, err
	}
	if p == nil {
		return Resolution{}, protocol.NewError(protocol.ErrPermissionDenied,
			"unknown initiator identity %q", initiator)
	}
	return Resolution{
		Identity: p.Name,
		Home:     p.Home,
		Profile:  r.cfg.Profile(p.Profile),
	}, nil
}

// ProjectPath validates a requested project path against the resolution.
// Empty requests fall back to the home directory. Jailed profiles and
// help-desk users may not escape their home; other profiles are limited
// to their allow-list when one is configured.
func (r *Resolver) ProjectPath(res Resolution, requested string) (string, error) {
	if requested == "" {
		return res.Home, nil
	}
	path := filepath.Clean(requested)
	if !filepath.IsAbs(path) {
		path = filepath.Join(res.Home, path)
	}

	if res.HelpDesk || res.Profile.Jailed {
		if !within(path, res.Home) {
			return "", protocol.NewError(protocol.ErrPermissionDenied,
				"path %s outside allowed area", path)
		}
		return path, nil
	}

	if len(res.Profile.AllowedPaths) == 0 {
		return path, nil
	}
	for _, allowed := range res.Profile.AllowedPaths {
		if within(path, allowed) {
			return path, nil
		}
	}
	if within(path, res.Home) {
		return path, nil
	}
	return "", protocol.NewError(protocol.ErrPermissionDenied,
		"path %s not in profile allow-list", path)
}

func within(path, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
