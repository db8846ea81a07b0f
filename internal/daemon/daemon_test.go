package daemon

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/teleclaude/teleclaude/internal/config"
)

func TestNew_CreatesStateAndHelpDeskDirs(t *testing.T) {
	base := t.TempDir()
	cfg := &config.Config{
		Node: config.NodeConfig{
			ComputerName: "worklaptop",
			StateDir:     filepath.Join(base, "state"),
			SocketPath:   filepath.Join(base, "state", "tool.sock"),
			HelpDeskPath: filepath.Join(base, "help-desk"),
			MaxSessions:  4,
		},
		Redis: config.RedisConfig{Addr: "localhost:6379"},
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	d, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { d.store.Close() })

	// The help-desk directory must exist before the first unknown-user
	// session tries to start in it.
	for _, dir := range []string{cfg.Node.StateDir, cfg.Node.HelpDeskPath} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected %s to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("expected %s to be a directory", dir)
		}
	}
}
