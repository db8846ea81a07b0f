// Package cmd implements the teleclaude command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/toolsock"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "teleclaude",
	Short:         "Terminal session daemon bridging AI CLIs to chat and peers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "config file path")
	rootCmd.AddCommand(
		daemonCmd,
		statusCmd,
		sessionsCmd,
		startCmd,
		sendCmd,
		endCmd,
		projectsCmd,
		versionCmd,
	)
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "teleclaude.json"
	}
	return filepath.Join(home, ".teleclaude", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newLogger builds the process logger: JSON lines on stderr.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// dialDaemon opens the tool socket as the local TUI.
func dialDaemon() (*toolsock.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	wd, _ := os.Getwd()
	return toolsock.Dial(cfg.Node.SocketPath, toolsock.Hello{
		Origin:    protocol.OriginLocalTUI,
		CallerDir: wd,
	})
}
