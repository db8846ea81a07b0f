package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/teleclaude/teleclaude/internal/toolsock"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

var (
	startComputer string
	startPath     string
	startAgent    string
	startMode     string
	startTitle    string

	sendWindow int
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		id, err := client.StartSession(cmd.Context(), toolsock.StartSessionParams{
			Computer:     startComputer,
			ProjectPath:  startPath,
			Agent:        startAgent,
			ThinkingMode: startMode,
			Title:        startTitle,
		})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <session_id> <message...>",
	Short: "Send a message to a session and stream its output",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		message := ""
		for i, a := range args[1:] {
			if i > 0 {
				message += " "
			}
			message += a
		}
		return client.SendMessage(cmd.Context(), toolsock.SendMessageParams{
			SessionID:             args[0],
			Message:               message,
			InterestWindowSeconds: sendWindow,
		}, printChunk)
	},
}

var endCmd = &cobra.Command{
	Use:   "end <session_id>",
	Short: "Terminate a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()
		return client.EndSession(cmd.Context(), args[0])
	},
}

var projectsCmd = &cobra.Command{
	Use:   "projects [computer]",
	Short: "List project directories on a computer",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		computer := ""
		if len(args) > 0 {
			computer = args[0]
		}
		projects, err := client.ListProjects(cmd.Context(), computer)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPATH")
		for _, p := range projects {
			fmt.Fprintf(w, "%s\t%s\n", p.Name, p.Path)
		}
		return w.Flush()
	},
}

func printChunk(c protocol.OutputChunk) error {
	switch c.ChunkKind {
	case protocol.ChunkWindowClosed:
		fmt.Fprintf(os.Stderr, "[window closed, resume from %d]\n", c.NextSequence)
	case protocol.ChunkToolUse:
		fmt.Fprintf(os.Stderr, "[tool] %s\n", c.Payload)
	case protocol.ChunkError:
		fmt.Fprintf(os.Stderr, "[error] %s\n", c.Payload)
	case protocol.ChunkAgentStop:
		fmt.Fprintln(os.Stderr, "[agent stopped]")
	default:
		fmt.Print(c.Payload)
	}
	return nil
}

func init() {
	startCmd.Flags().StringVar(&startComputer, "computer", "", "target computer (default: local)")
	startCmd.Flags().StringVar(&startPath, "path", "", "project path")
	startCmd.Flags().StringVar(&startAgent, "agent", "claude", "agent CLI to run")
	startCmd.Flags().StringVar(&startMode, "mode", "", "thinking mode")
	startCmd.Flags().StringVar(&startTitle, "title", "", "session title")
	sendCmd.Flags().IntVar(&sendWindow, "window", 15, "interest window in seconds")
}
