package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facemask/internal/utils"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:         "sessions",
	Short:       "List recorded pipeline sessions",
	Annotations: map[string]string{needsDB: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		sessions, err := DB.ListSessions(cmd.Context(), sessionsLimit)
		if err != nil {
			utils.Die("Failed to list sessions", err, nil)
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions found in database.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tINPUT\tMASK\tSTARTED\tDURATION\tFRAMES\tSKIPPED\tSTALE\tDETECTIONS")
		fmt.Fprintln(w, "--\t-----\t----\t-------\t--------\t------\t-------\t-----\t----------")
		for _, s := range sessions {
			duration := "running"
			if s.FinishedAt != nil {
				duration = s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond).String()
			}
			mask := s.MaskFile
			if mask == "" {
				mask = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
				s.ID.String()[:8], s.InputPath, mask, s.StartedAt.Local().Format("2006-01-02 15:04"), duration,
				s.Stats.Frames, s.Stats.FramesSkipped, s.Stats.StaleTicks, s.Detections)
		}
		w.Flush()
	},
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Number of sessions to show")
	rootCmd.AddCommand(sessionsCmd)
}
