package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/andresmejia3/vigil/internal/store"
	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:         "list",
	Short:       "List recorded events, newest first",
	Annotations: map[string]string{dbAnnotation: dbRequired},
	Run: func(cmd *cobra.Command, args []string) {
		runList(cmd.Context(), listLimit)
	},
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Maximum number of events to show")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, limit int) {
	events, err := DB.ListEvents(ctx, limit)
	if err != nil {
		utils.Die("Failed to list events", err, nil)
	}

	if len(events) == 0 {
		fmt.Println("No events found in database.")
		return
	}
	writeEvents(os.Stdout, events)
}

func writeEvents(out io.Writer, events []store.EventSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tCAMERA\tLABEL\tTRIGGERED\tFRAMES\tCLIP\tSENT/FAILED")
	fmt.Fprintln(w, "--\t------\t-----\t---------\t------\t----\t-----------")

	for _, e := range events {
		clip := "-"
		if e.ClipPath != "" {
			clip = filepath.Base(e.ClipPath)
			if e.Partial {
				clip += " (partial)"
			}
		} else if e.FinishedAt.IsZero() {
			clip = "(recording)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%d/%d\n",
			e.ID, e.Camera, e.TriggerLabel, e.TriggeredAt.Local().Format("2006-01-02 15:04:05"),
			e.FrameCount, clip, e.Delivered, e.Failed)
	}
	w.Flush()
}
