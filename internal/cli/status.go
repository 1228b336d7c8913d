package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/agentfactory/internal/phase"
	"github.com/lucasnoah/agentfactory/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status [pipeline-id]",
	Short: "Show a pipeline's state, or every in-flight pipeline",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, appOpts{})
		if err != nil {
			return err
		}
		defer a.close()

		format, _ := cmd.Flags().GetString("format")
		w := cmd.OutOrStdout()

		if len(args) == 0 {
			all, err := a.orch.List()
			if err != nil {
				return err
			}
			var inflight []pipeline.PipelineState
			for _, ps := range all {
				if !phase.IsTerminal(phase.State(ps.CurrentState)) {
					inflight = append(inflight, ps)
				}
			}
			if format == "json" {
				return writeJSON(w, inflight)
			}
			if len(inflight) == 0 {
				fmt.Fprintln(w, "No pipelines in flight.")
				return nil
			}
			for i := range inflight {
				printSummary(w, &inflight[i])
			}
			return nil
		}

		ps, err := a.orch.Status(args[0])
		if err != nil {
			return err
		}
		show := func(ps *pipeline.PipelineState) error {
			if format == "json" {
				return writeJSON(w, ps)
			}
			printStatus(w, ps)
			return nil
		}
		if err := show(ps); err != nil {
			return err
		}
		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			return watchPipeline(cmd.Context(), a.store, ps, show)
		}
		return nil
	},
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func printStatus(w io.Writer, ps *pipeline.PipelineState) {
	fmt.Fprintf(w, "Pipeline %s\n", ps.PipelineID)
	fmt.Fprintf(w, "  Requirement:   %s\n", ps.RequirementPath)
	fmt.Fprintf(w, "  Output:        %s\n", ps.OutputDir)
	state := ps.CurrentState
	if ps.Interrupted {
		state += fmt.Sprintf(" (interrupted: %s)", ps.InterruptReason)
	}
	fmt.Fprintf(w, "  State:         %s\n", state)
	if len(ps.CompletedPhases) > 0 {
		fmt.Fprintf(w, "  Completed:     %s\n", strings.Join(ps.CompletedPhases, ", "))
	}
	if t, ok := phase.ResumeTrigger(phase.State(ps.CurrentState)); ok {
		fmt.Fprintf(w, "  Next:          %s\n", t)
	}
	fmt.Fprintf(w, "  Depth:         %s\n", ps.Depth)
	if ps.BudgetLimit != nil {
		fmt.Fprintf(w, "  Cost:          $%.2f of $%.2f\n", ps.TotalCost, *ps.BudgetLimit)
	} else {
		fmt.Fprintf(w, "  Cost:          $%.2f\n", ps.TotalCost)
	}
	if ps.FailureReason != "" {
		fmt.Fprintf(w, "  Failure:       %s\n", ps.FailureReason)
	}

	if len(ps.Services) > 0 {
		fmt.Fprintln(w, "  Services:")
		for _, svc := range ps.Services {
			line := fmt.Sprintf("    %-16s %-12s", svc.ID, svc.TechStack)
			if res, ok := ps.BuilderResults[svc.ID]; ok {
				if res.Success {
					line += fmt.Sprintf(" built (%d/%d tests, $%.2f)", res.TestsPassed, res.TestsTotal, res.Cost)
				} else {
					line += " failed: " + res.Error
				}
			}
			fmt.Fprintln(w, line)
		}
	}
	if len(ps.PhaseCosts) > 0 {
		names := make([]string, 0, len(ps.PhaseCosts))
		for name := range ps.PhaseCosts {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(w, "  Phase costs:")
		for _, name := range names {
			fmt.Fprintf(w, "    %-16s $%.2f\n", name, ps.PhaseCosts[name])
		}
	}
	if q := ps.LastQualityResults; q != nil {
		verdict := "failing"
		if q.Passed {
			verdict = "passing"
		}
		fmt.Fprintf(w, "  Quality:       %s, score %.1f, %d findings (round %d)\n", verdict, q.Score, len(q.Findings), q.Round)
	}
}

// watchPipeline re-renders the pipeline each time its state file is
// replaced, until it reaches a terminal state or ctx ends. Saves are atomic
// renames, so the directory is watched rather than the file.
func watchPipeline(ctx context.Context, store *pipeline.Store, ps *pipeline.PipelineState, show func(*pipeline.PipelineState) error) error {
	if phase.IsTerminal(phase.State(ps.CurrentState)) {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	statePath := filepath.Clean(store.StatePath(ps.PipelineID))
	if err := watcher.Add(filepath.Dir(statePath)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(statePath), err)
	}

	last := ps.UpdatedAt
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch pipeline: %w", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != statePath || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			next, err := store.Load(ps.PipelineID)
			if err != nil {
				continue
			}
			if next.UpdatedAt != last || next.CurrentState != ps.CurrentState {
				last = next.UpdatedAt
				ps = next
				if err := show(ps); err != nil {
					return err
				}
			}
			if phase.IsTerminal(phase.State(ps.CurrentState)) {
				return nil
			}
		}
	}
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
	statusCmd.Flags().BoolP("watch", "w", false, "keep printing the pipeline as it changes")
}
