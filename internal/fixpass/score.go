package fixpass

import "github.com/lucasnoah/agentfactory/internal/pipeline"

// Severity weights for the convergence score. P3 does not count.
const (
	WeightP0 = 0.4
	WeightP1 = 0.3
	WeightP2 = 0.1
)

// ConvergedThreshold is the convergence score at which a round counts as converged.
const ConvergedThreshold = 0.85

// WeightedTotal is the severity-weighted size of c.
func WeightedTotal(c Counts) float64 {
	return WeightP0*float64(c.P0) + WeightP1*float64(c.P1) + WeightP2*float64(c.P2)
}

// ConvergenceScore is 1 minus the current weighted total over the initial
// weighted total, clamped to [0,1]. A zero initial total scores 1.
func ConvergenceScore(current Counts, initialWeightedTotal float64) float64 {
	if initialWeightedTotal <= 0 {
		return 1.0
	}
	s := 1 - WeightedTotal(current)/initialWeightedTotal
	return clamp01(s)
}

// QualityScore rates the open findings from 0 to 100.
func QualityScore(findings []pipeline.Finding) float64 {
	c := Count(findings)
	s := 100.0 - float64(25*c.P0+10*c.P1+3*c.P2+c.P3)
	if s < 0 {
		return 0
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// RoundInputs are the raw measurements of one fix round.
type RoundInputs struct {
	Round         int
	Attempted     int
	Resolved      int
	FixesApplied  int
	NewViolations int
	Before        *pipeline.QualitySnapshot
	After         *pipeline.QualitySnapshot
	// InitialWeightedTotal is the weighted total of the first quality scan.
	InitialWeightedTotal float64
}

// Measure computes the convergence metrics for a round.
func Measure(in RoundInputs) pipeline.ConvergenceMetrics {
	m := pipeline.ConvergenceMetrics{
		Round:                  in.Round,
		Attempted:              in.Attempted,
		Resolved:               in.Resolved,
		FixesApplied:           in.FixesApplied,
		NewViolations:          in.NewViolations,
		NewDefectDiscoveryRate: float64(in.NewViolations),
	}
	if in.Attempted > 0 {
		m.FixEffectiveness = float64(in.Resolved) / float64(in.Attempted)
	}
	if in.FixesApplied > 0 {
		m.RegressionRate = float64(in.NewViolations) / float64(in.FixesApplied)
	}
	if in.Before != nil {
		m.ScoreBefore = in.Before.Score
	}
	var after []pipeline.Finding
	if in.After != nil {
		m.ScoreAfter = in.After.Score
		after = in.After.Findings
	}
	m.ScoreDelta = m.ScoreAfter - m.ScoreBefore
	m.ConvergenceScore = ConvergenceScore(Count(after), in.InitialWeightedTotal)
	m.Converged = m.ConvergenceScore >= ConvergedThreshold
	return m
}
