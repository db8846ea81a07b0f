package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health and the computer mesh",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		computers, err := client.ListComputers(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "COMPUTER\tSTATUS\tLAST SEEN\tCAPABILITIES")
		for _, c := range computers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\n",
				c.Name, c.Status, c.LastSeenAt.Format(time.RFC3339), c.Capabilities)
		}
		return w.Flush()
	},
}
