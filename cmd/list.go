package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	listLimit int
	listRuns  bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived faces (or runs) from the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		if DB == nil {
			return errNoDatabase
		}
		cmd.SilenceUsage = true
		if listRuns {
			return runListRuns(cmd)
		}
		return runList(cmd)
	},
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "l", 50, "Maximum rows to show")
	listCmd.Flags().BoolVar(&listRuns, "runs", false, "List runs instead of captures")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command) error {
	captures, err := DB.ListCaptures(cmd.Context(), listLimit)
	if err != nil {
		return fmt.Errorf("failed to list captures: %w", err)
	}

	if len(captures) == 0 {
		fmt.Println("No faces archived yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RUN\tIDENTITY\tOBSERVED\tPATH")
	fmt.Fprintln(w, "---\t--------\t--------\t----")

	for _, c := range captures {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", shortID(c.RunID), c.IdentityID, c.ObservedAt.Local().Format("2006-01-02 15:04:05"), c.Path)
	}
	return w.Flush()
}

func runListRuns(cmd *cobra.Command) error {
	runs, err := DB.ListRuns(cmd.Context(), listLimit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RUN\tSOURCE\tSTARTED\tSTOPPED\tFACES")
	fmt.Fprintln(w, "---\t------\t-------\t-------\t-----")

	for _, r := range runs {
		stopped := "running"
		if r.StoppedAt != nil {
			stopped = r.StoppedAt.Local().Format("15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", shortID(r.ID), r.Source, r.StartedAt.Local().Format("2006-01-02 15:04:05"), stopped, r.Captures)
	}
	return w.Flush()
}

// shortID trims a run UUID for table output.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
