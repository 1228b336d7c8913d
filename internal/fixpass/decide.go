package fixpass

import (
	"fmt"

	"github.com/lucasnoah/agentfactory/internal/pipeline"
)

// Outcome is what the fix loop should do after a quality scan.
type Outcome string

const (
	OutcomePass     Outcome = "pass"
	OutcomeAccept   Outcome = "accept"
	OutcomeContinue Outcome = "continue"
	OutcomeStop     Outcome = "stop"
)

// Soft acceptance thresholds.
const (
	SoftAcceptMaxP1        = 2
	SoftAcceptMaxDiscovery = 3
	DefaultSoftAcceptScore = 70.0
)

// Decision is the result of Decide.
type Decision struct {
	Outcome Outcome
	Reason  string
}

// Decide evaluates snap against the loop history in ps. Conditions are checked
// in order: pass, hard accept, soft accept, hard stops, continue. exhausted
// reports whether the budget has no room left.
func Decide(ps *pipeline.PipelineState, snap *pipeline.QualitySnapshot, exhausted bool) Decision {
	if snap == nil {
		return Decision{Outcome: OutcomeStop, Reason: "no quality results"}
	}
	if snap.Passed {
		return Decision{Outcome: OutcomePass, Reason: "all blocking layers passed"}
	}

	c := Count(snap.Findings)
	if c.Blocking() == 0 {
		return Decision{Outcome: OutcomeAccept, Reason: "no P0 or P1 findings remain"}
	}

	minScore := ps.Limits.SoftAcceptMinScore
	if minScore <= 0 {
		minScore = DefaultSoftAcceptScore
	}
	h := ps.FixLoop.History
	if c.P0 == 0 && c.P1 <= SoftAcceptMaxP1 && lastTwo(h, func(m pipeline.ConvergenceMetrics) bool {
		return m.NewDefectDiscoveryRate < SoftAcceptMaxDiscovery
	}) {
		if score := QualityScore(snap.Findings); score >= minScore {
			return Decision{Outcome: OutcomeAccept, Reason: fmt.Sprintf(
				"soft convergence: %d P1 findings, discovery below %d for 2 rounds, quality score %.0f", c.P1, SoftAcceptMaxDiscovery, score)}
		}
	}

	if ps.QualityAttempts >= ps.Limits.MaxFixRounds {
		return Decision{Outcome: OutcomeStop, Reason: fmt.Sprintf("max fix rounds (%d) reached with %d blocking findings", ps.Limits.MaxFixRounds, c.Blocking())}
	}
	if exhausted {
		return Decision{Outcome: OutcomeStop, Reason: "budget exhausted"}
	}
	floor := ps.Limits.FixEffectivenessFloor
	if lastTwo(h, func(m pipeline.ConvergenceMetrics) bool { return m.FixEffectiveness < floor }) {
		return Decision{Outcome: OutcomeStop, Reason: fmt.Sprintf("fix effectiveness below %.0f%% for 2 consecutive rounds", floor*100)}
	}
	ceiling := ps.Limits.RegressionRateCeiling
	if lastTwo(h, func(m pipeline.ConvergenceMetrics) bool { return m.RegressionRate > ceiling }) {
		return Decision{Outcome: OutcomeStop, Reason: fmt.Sprintf("regression rate above %.0f%% for 2 consecutive rounds", ceiling*100)}
	}
	return Decision{Outcome: OutcomeContinue, Reason: fmt.Sprintf("%d P0, %d P1 findings open", c.P0, c.P1)}
}

// lastTwo reports whether the last two recorded rounds both satisfy cond.
func lastTwo(h []pipeline.ConvergenceMetrics, cond func(pipeline.ConvergenceMetrics) bool) bool {
	if len(h) < 2 {
		return false
	}
	return cond(h[len(h)-1]) && cond(h[len(h)-2])
}

// Apply records d in the loop state of ps.
func Apply(ps *pipeline.PipelineState, d Decision) {
	switch d.Outcome {
	case OutcomeAccept:
		ps.FixLoop.Accepted = true
	case OutcomeStop:
		ps.FixLoop.StopReason = d.Reason
	}
}
