package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironcert/certmgr"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show committed configuration changes, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(mgr *certmgr.Manager) error {
			revs, err := mgr.History(historyLimit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tCOMMITTED\tDESCRIPTION")
			for _, rev := range revs {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", rev.Seq, rev.CommittedAt.Local().Format(time.DateTime), rev.Description)
			}
			return tw.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of changes to show")
}
