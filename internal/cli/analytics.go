package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/agentfactory/internal/analytics"
	"github.com/lucasnoah/agentfactory/internal/db"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Summarize pipeline performance from the event journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		if days <= 0 {
			return fmt.Errorf("--days must be positive, got %d", days)
		}
		since := time.Now().AddDate(0, 0, -days)

		return withJournal(cmd, func(d *db.DB) error {
			sum, err := analytics.Summarize(cmd.Context(), d, since)
			if err != nil {
				return fmt.Errorf("summarize journal: %w", err)
			}
			w := cmd.OutOrStdout()
			if format, _ := cmd.Flags().GetString("format"); format == "json" {
				return writeJSON(w, sum)
			}

			fmt.Fprintf(w, "Since %s\n\n", since.Format("2006-01-02"))
			fmt.Fprintln(w, "Time in state:")
			for _, s := range sum.States {
				fmt.Fprintf(w, "  %-22s n=%-4d avg %6.0fs  p50 %6.0fs  p95 %6.0fs\n", s.State, s.Count, s.Avg, s.P50, s.P95)
			}
			fmt.Fprintln(w, "\nBuilders:")
			for _, b := range sum.Builders {
				fmt.Fprintf(w, "  %-8s runs %-4d success %5.1f%%  avg $%.2f  avg %4.0fs\n", b.Mode, b.Total, b.SuccessRate, b.AvgCost, b.AvgSeconds)
			}
			fr := sum.FixRounds
			fmt.Fprintf(w, "\nFix rounds over %d pipelines: 0=%.0f%% 1=%.0f%% 2=%.0f%% 3+=%.0f%% (avg %.1f)\n",
				fr.Total, fr.Zero, fr.One, fr.Two, fr.ThreePlus, fr.Avg)
			fmt.Fprintln(w, "\nThroughput:")
			for _, t := range sum.Throughput {
				fmt.Fprintf(w, "  %-10s created %-3d completed %-3d failed %-3d avg %5.1fm  avg $%.2f\n",
					t.Period, t.Created, t.Completed, t.Failed, t.AvgDuration, t.AvgCost)
			}
			return nil
		})
	},
}

func init() {
	analyticsCmd.Flags().Int("days", 30, "look back this many days")
	analyticsCmd.Flags().String("format", "text", "Output format: text or json")
}
