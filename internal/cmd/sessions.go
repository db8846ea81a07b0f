package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/teleclaude/teleclaude/internal/toolsock"
)

var (
	sessionsComputer string
	sessionsStatus   string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		sums, err := client.ListSessions(cmd.Context(), toolsock.ListSessionsParams{
			Computer: sessionsComputer,
			Status:   sessionsStatus,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tCOMPUTER\tAGENT\tSTATUS\tROLE\tLAST ACTIVITY")
		for _, s := range sums {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				s.SessionID, s.Computer, s.Agent, s.Status, s.Role,
				s.LastActivity.Format("15:04:05"))
		}
		return w.Flush()
	},
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsComputer, "computer", "", "filter by computer")
	sessionsCmd.Flags().StringVar(&sessionsStatus, "status", "", "filter by status")
}
