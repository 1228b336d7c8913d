package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/agentfactory/internal/orchestrator"
	"github.com/lucasnoah/agentfactory/internal/phase"
	"github.com/lucasnoah/agentfactory/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run <requirement-file>",
	Short: "Create a pipeline for a requirement and drive it to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, appOpts{journal: true, runner: true})
		if err != nil {
			return err
		}
		defer a.close()

		output, _ := cmd.Flags().GetString("output")
		depth, _ := cmd.Flags().GetString("depth")
		ps, err := a.orch.Create(cmd.Context(), orchestrator.CreateOpts{
			RequirementPath: args[0],
			OutputDir:       output,
			Depth:           depth,
			Budget:          budgetFlag(cmd),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s created (output: %s)\n", ps.PipelineID, ps.OutputDir)

		ps, err = a.orch.Run(cmd.Context(), ps.PipelineID)
		return a.finish(cmd.OutOrStdout(), ps, err)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <pipeline-id>",
	Short: "Resume an interrupted pipeline from its last persisted state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, appOpts{journal: true, runner: true})
		if err != nil {
			return err
		}
		defer a.close()

		retry, _ := cmd.Flags().GetBool("retry")
		ps, err := a.orch.Resume(cmd.Context(), args[0], orchestrator.ResumeOpts{
			Retry:  retry,
			Budget: budgetFlag(cmd),
		})
		return a.finish(cmd.OutOrStdout(), ps, err)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all pipelines",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, appOpts{})
		if err != nil {
			return err
		}
		defer a.close()

		all, err := a.orch.List()
		if err != nil {
			return fmt.Errorf("list pipelines: %w", err)
		}
		stateFilter, _ := cmd.Flags().GetString("state")
		if stateFilter != "" && !phase.Valid(phase.State(stateFilter)) {
			return fmt.Errorf("unknown state %q", stateFilter)
		}

		w := cmd.OutOrStdout()
		var rows []pipeline.PipelineState
		for _, ps := range all {
			if stateFilter == "" || ps.CurrentState == stateFilter {
				rows = append(rows, ps)
			}
		}
		if len(rows) == 0 {
			fmt.Fprintln(w, "No pipelines found.")
			return nil
		}

		fmt.Fprintf(w, "%-36s  %-22s  %-8s  %-9s  %s\n", "ID", "STATE", "BUILT", "COST", "REQUIREMENT")
		fmt.Fprintf(w, "%-36s  %-22s  %-8s  %-9s  %s\n",
			strings.Repeat("-", 36),
			strings.Repeat("-", 22),
			strings.Repeat("-", 8),
			strings.Repeat("-", 9),
			strings.Repeat("-", 11))
		for _, ps := range rows {
			state := ps.CurrentState
			if ps.Interrupted {
				state += "*"
			}
			fmt.Fprintf(w, "%-36s  %-22s  %-8s  $%-8.2f  %s\n",
				ps.PipelineID, state,
				fmt.Sprintf("%d/%d", ps.SuccessfulBuilders(), len(ps.Services)),
				ps.TotalCost, ps.RequirementPath)
		}
		return nil
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort <pipeline-id>",
	Short: "Mark a pipeline as failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, appOpts{journal: true})
		if err != nil {
			return err
		}
		defer a.close()

		reason, _ := cmd.Flags().GetString("reason")
		ps, err := a.orch.Abort(cmd.Context(), args[0], reason)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s aborted: %s\n", ps.PipelineID, ps.FailureReason)
		return nil
	},
}

func budgetFlag(cmd *cobra.Command) *float64 {
	if !cmd.Flags().Changed("budget") {
		return nil
	}
	b, _ := cmd.Flags().GetFloat64("budget")
	return &b
}

// finish prints the outcome of a run and turns it into the command's error.
func (a *app) finish(w io.Writer, ps *pipeline.PipelineState, err error) error {
	if ps != nil {
		printSummary(w, ps)
	}
	if errors.Is(err, orchestrator.ErrInterrupted) {
		if a.shutdown != nil {
			if saveErr := a.shutdown.SaveErr(); saveErr != nil {
				return fmt.Errorf("interrupted, and saving state failed: %w", saveErr)
			}
		}
		if ps != nil {
			fmt.Fprintf(w, "Interrupted. Resume with: factory resume %s\n", ps.PipelineID)
		}
	}
	return err
}

func printSummary(w io.Writer, ps *pipeline.PipelineState) {
	fmt.Fprintf(w, "Pipeline %s: %s\n", ps.PipelineID, ps.CurrentState)
	fmt.Fprintf(w, "  Builders:   %d of %d succeeded\n", ps.SuccessfulBuilders(), len(ps.Services))
	if ps.QualityAttempts > 0 {
		fmt.Fprintf(w, "  Fix rounds: %d\n", ps.QualityAttempts)
	}
	if ps.BudgetLimit != nil {
		fmt.Fprintf(w, "  Cost:       $%.2f of $%.2f\n", ps.TotalCost, *ps.BudgetLimit)
	} else {
		fmt.Fprintf(w, "  Cost:       $%.2f\n", ps.TotalCost)
	}
	if ps.FailureReason != "" {
		fmt.Fprintf(w, "  Reason:     %s\n", ps.FailureReason)
	}
}

func init() {
	runCmd.Flags().StringP("output", "o", "", "directory services are generated into (default: <requirement dir>/services)")
	runCmd.Flags().String("depth", "", "execution depth: quick, standard, thorough or exhaustive")
	runCmd.Flags().Float64("budget", 0, "maximum spend in dollars")

	resumeCmd.Flags().Bool("retry", false, "re-enter a failed pipeline at the state it failed from")
	resumeCmd.Flags().Float64("budget", 0, "replace the pipeline's budget")

	listCmd.Flags().String("state", "", "only show pipelines in this state")

	abortCmd.Flags().String("reason", "", "failure reason to record")
}
