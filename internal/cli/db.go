package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/agentfactory/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the Postgres event journal",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply journal schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJournal(cmd, func(d *db.DB) error {
			v, err := d.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Journal schema at version %d\n", v)
			return nil
		})
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate the journal tables (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return errors.New("refusing to reset without --yes")
		}
		return withJournal(cmd, func(d *db.DB) error {
			if err := d.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Journal reset.")
			return nil
		})
	},
}

var dbEventsCmd = &cobra.Command{
	Use:   "events <pipeline-id>",
	Short: "Print the journaled history of a pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJournal(cmd, func(d *db.DB) error {
			ctx := cmd.Context()
			events, err := d.GetPipelineHistory(ctx, args[0])
			if err != nil {
				return err
			}
			runs, err := d.GetBuilderRuns(ctx, args[0])
			if err != nil {
				return err
			}
			rounds, err := d.GetFixRounds(ctx, args[0])
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if format, _ := cmd.Flags().GetString("format"); format == "json" {
				return writeJSON(w, map[string]any{"events": events, "builds": runs, "fix_rounds": rounds})
			}
			if len(events) == 0 {
				fmt.Fprintln(w, "No events recorded.")
				return nil
			}
			fmt.Fprintf(w, "%-20s  %-12s  %-45s  %s\n", "TIME", "EVENT", "TRANSITION", "DETAIL")
			fmt.Fprintf(w, "%-20s  %-12s  %-45s  %s\n",
				strings.Repeat("-", 20), strings.Repeat("-", 12), strings.Repeat("-", 45), strings.Repeat("-", 6))
			for _, e := range events {
				transition := e.ToState
				if e.FromState != "" {
					transition = e.FromState + " -> " + e.ToState
				}
				fmt.Fprintf(w, "%-20s  %-12s  %-45s  %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Event, transition, e.Detail)
			}
			if len(runs) > 0 {
				fmt.Fprintln(w, "\nBuilder runs:")
				for _, r := range runs {
					status := "ok"
					if !r.Success {
						status = "failed"
					}
					fmt.Fprintf(w, "  %-16s %-8s %-7s tests %d/%d  $%.2f\n", r.ServiceID, r.Mode, status, r.TestsPassed, r.TestsTotal, r.Cost)
				}
			}
			if len(rounds) > 0 {
				fmt.Fprintln(w, "\nFix rounds:")
				for _, r := range rounds {
					fmt.Fprintf(w, "  round %d: %d resolved of %d, %d new, effectiveness %.2f, score %.1f -> %.1f\n",
						r.Round, r.Resolved, r.Attempted, r.NewViolations, r.FixEffectiveness, r.ScoreBefore, r.ScoreAfter)
				}
			}
			return nil
		})
	},
}

// withJournal opens and migrates the journal named by database_url.
func withJournal(cmd *cobra.Command, fn func(d *db.DB) error) error {
	a, err := newApp(cmd, appOpts{journal: true})
	if err != nil {
		return err
	}
	defer a.close()
	if a.journal == nil {
		return errors.New("database_url is not configured")
	}
	return fn(a.journal)
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "confirm the reset")
	dbEventsCmd.Flags().String("format", "text", "Output format: text or json")

	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
	dbCmd.AddCommand(dbEventsCmd)
}
