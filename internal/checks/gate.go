package checks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// GateCheckResult holds the result of a single check within a gate run.
type GateCheckResult struct {
	Check   string `json:"check"`
	Passed  bool   `json:"passed"`
	Issues  int    `json:"issues"`
	Summary string `json:"summary,omitempty"`
}

// GateFailure describes a remaining failure after a gate run.
type GateFailure struct {
	Count   int    `json:"count,omitempty"`
	Summary string `json:"summary"`
}

// GateResult is the structured output of a full gate run.
type GateResult struct {
	Gate              string                 `json:"gate"`
	Dir               string                 `json:"dir"`
	Round             int                    `json:"round"`
	Passed            bool                   `json:"passed"`
	Checks            []GateCheckResult      `json:"checks"`
	RemainingFailures map[string]GateFailure `json:"remaining_failures,omitempty"`
}

// JSON returns the gate result as indented JSON.
func (g *GateResult) JSON() (string, error) {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GateOpts configures a gate run.
type GateOpts struct {
	Gate     string
	Round    int
	Checks   []GateCheckConfig
	Continue bool // run all checks even if some fail
}

// GateCheckConfig holds the config for a single check within a gate.
type GateCheckConfig struct {
	Name    string
	Command string
	Parser  string
	Timeout time.Duration
}

// RunGate executes checks in dir and returns a structured result.
// Each check result is also returned individually for journaling.
func (r *Runner) RunGate(ctx context.Context, dir string, opts GateOpts) (*GateResult, []*Result, error) {
	gate := &GateResult{
		Gate:              opts.Gate,
		Dir:               dir,
		Round:             opts.Round,
		Passed:            true,
		RemainingFailures: make(map[string]GateFailure),
	}

	var allResults []*Result

	for _, chk := range opts.Checks {
		if err := ctx.Err(); err != nil {
			return nil, allResults, err
		}
		result, err := r.Run(ctx, dir, CheckConfig{
			Name:    chk.Name,
			Command: chk.Command,
			Parser:  chk.Parser,
			Timeout: chk.Timeout,
		})
		if err != nil {
			return nil, allResults, fmt.Errorf("run check %q: %w", chk.Name, err)
		}
		allResults = append(allResults, result)

		gate.Checks = append(gate.Checks, GateCheckResult{
			Check:   chk.Name,
			Passed:  result.Passed,
			Issues:  len(result.Issues),
			Summary: result.Summary,
		})

		if !result.Passed {
			gate.Passed = false
			gate.RemainingFailures[chk.Name] = GateFailure{
				Count:   len(result.Issues),
				Summary: result.Summary,
			}
			if !opts.Continue {
				break
			}
		}
	}

	return gate, allResults, nil
}
