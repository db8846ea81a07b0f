// Package daemon constructs and supervises every component of a node:
// the store, the event hub, the terminal bridge, the adapters, the
// pollers, and the tool socket.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/teleclaude/teleclaude/internal/activity"
	"github.com/teleclaude/teleclaude/internal/adapter"
	"github.com/teleclaude/teleclaude/internal/bridge"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/events"
	"github.com/teleclaude/teleclaude/internal/httpapi"
	"github.com/teleclaude/teleclaude/internal/identity"
	"github.com/teleclaude/teleclaude/internal/lifecycle"
	"github.com/teleclaude/teleclaude/internal/peers"
	"github.com/teleclaude/teleclaude/internal/poller"
	"github.com/teleclaude/teleclaude/internal/redisstream"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/internal/telegram"
	"github.com/teleclaude/teleclaude/internal/toolsock"
)

// snapshotTTL is how long an activity snapshot stays fresh.
const snapshotTTL = 30 * time.Second

// Daemon is one fully wired node.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *store.Store
	hub       *events.Hub
	peers     *peers.Registry
	transport *redisstream.Transport
	coord     *lifecycle.Coordinator
	poller    *poller.Manager
	registry  *adapter.Registry
	toolsock  *toolsock.Server
}

// Option adjusts construction, mainly for injecting external clients.
type Option func(*options)

type options struct {
	bot telegram.BotAPI
}

// WithBot injects the chat client used when telegram is enabled.
func WithBot(bot telegram.BotAPI) Option {
	return func(o *options) { o.bot = bot }
}

// New wires a daemon from configuration. Nothing runs until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(cfg.Node.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	// Unknown external users land here; the first such session must not
	// fail on a missing working directory.
	if err := os.MkdirAll(cfg.Node.HelpDeskPath, 0o755); err != nil {
		return nil, fmt.Errorf("help-desk dir: %w", err)
	}
	st, err := store.Open(filepath.Join(cfg.Node.StateDir, "teleclaude.db"), cfg.Node.ComputerName)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	hub := events.New()
	peerReg := peers.NewRegistry(cfg.Node.ComputerName, cfg.Node.HeartbeatInterval.Duration, hub, logger)
	cache := activity.NewCache(snapshotTTL)
	br := bridge.NewTmux(cfg.Bridge, logger)

	ctx := context.Background()
	resolver, err := identity.NewResolver(ctx, cfg, st, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("identity: %w", err)
	}

	registry := adapter.NewRegistry()
	coord := lifecycle.NewCoordinator(cfg, st, br, registry, resolver, hub, logger)
	pm := poller.NewManager(cfg.Poll, br, st, cache, hub, coord, logger)
	coord.SetWatcher(pm)

	client := redisstream.New(cfg.Redis, logger)
	transport := redisstream.NewTransport(cfg, client, st, peerReg, hub, logger)
	transport.SetExecutor(&executor{cfg: cfg, coord: coord, store: st})
	if err := registry.Register(transport); err != nil {
		st.Close()
		return nil, err
	}

	if cfg.Telegram.Enabled {
		if o.bot == nil {
			st.Close()
			return nil, fmt.Errorf("telegram enabled but no bot client provided")
		}
		chat := telegram.New(cfg, o.bot, coord, st, peerReg, hub, logger)
		if err := registry.Register(chat); err != nil {
			st.Close()
			return nil, err
		}
	}
	if cfg.HTTP.Enabled {
		api := httpapi.NewServer(cfg, st, peerReg, hub, logger)
		if err := registry.Register(api); err != nil {
			st.Close()
			return nil, err
		}
	}

	ts := toolsock.NewServer(cfg, coord, transport, st, peerReg, logger)

	return &Daemon{
		cfg:       cfg,
		logger:    logger.With("component", "daemon"),
		store:     st,
		hub:       hub,
		peers:     peerReg,
		transport: transport,
		coord:     coord,
		poller:    pm,
		registry:  registry,
		toolsock:  ts,
	}, nil
}

// Run starts everything and blocks until ctx is cancelled, then shuts
// down in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("daemon starting",
		"computer", d.cfg.Node.ComputerName,
		"socket", d.cfg.Node.SocketPath)

	if err := d.registry.StartAll(ctx, d.logger); err != nil {
		return err
	}
	if err := d.toolsock.Start(ctx); err != nil {
		d.registry.StopAll(d.logger)
		return err
	}

	go d.supervise(ctx, "poller", func(c context.Context) { d.poller.Run(c) })
	go d.supervise(ctx, "peer-sweeper", func(c context.Context) { d.peers.Run(c) })
	go d.supervise(ctx, "correlation-pruner", d.pruneCorrelations)

	if err := d.coord.Reclaim(ctx); err != nil {
		d.logger.Warn("session reclaim failed", "error", err)
	}

	d.logger.Info("daemon running")
	<-ctx.Done()

	d.logger.Info("daemon stopping")
	if err := d.toolsock.Stop(); err != nil {
		d.logger.Warn("tool socket stop failed", "error", err)
	}
	d.registry.StopAll(d.logger)
	d.hub.Close()
	if err := d.store.Close(); err != nil {
		d.logger.Warn("store close failed", "error", err)
	}
	return nil
}

// supervise runs a task and restarts it if it panics, until ctx ends.
func (d *Daemon) supervise(ctx context.Context, name string, task func(context.Context)) {
	for ctx.Err() == nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("task panicked", "task", name, "panic", r)
				}
			}()
			task(ctx)
		}()
		if ctx.Err() == nil {
			d.logger.Warn("task exited, restarting", "task", name)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// pruneCorrelations drops correlation IDs older than the inbox horizon.
func (d *Daemon) pruneCorrelations(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * d.cfg.Redis.StreamTTL.Duration)
			n, err := d.store.PruneCorrelations(ctx, cutoff)
			if err != nil {
				d.logger.Warn("correlation prune failed", "error", err)
				continue
			}
			if n > 0 {
				d.logger.Info("correlations pruned", "count", n)
			}
		}
	}
}
