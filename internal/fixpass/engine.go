package fixpass

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/lucasnoah/agentfactory/internal/fleet"
	"github.com/lucasnoah/agentfactory/internal/logging"
	"github.com/lucasnoah/agentfactory/internal/pipeline"
	"github.com/lucasnoah/agentfactory/internal/prompt"
)

// ScanRequest selects what a quality scan covers.
type ScanRequest struct {
	Round    int
	Layers   []string // empty means every configured layer
	Services []pipeline.ServiceInfo
	Dirs     map[string]string // service id -> working directory
}

// Scanner runs quality-gate layers and returns a snapshot with classified findings.
type Scanner interface {
	Scan(ctx context.Context, req ScanRequest) (*pipeline.QualitySnapshot, error)
}

// Applier dispatches fix tasks to builder workers.
type Applier interface {
	Run(ctx context.Context, tasks []fleet.Task) ([]pipeline.BuilderResult, error)
}

// Engine runs fix-pass rounds.
type Engine struct {
	Fleet   Applier
	Scanner Scanner
	Prompts *prompt.Library
	Logger  *zap.Logger
}

// RoundReport is the full record of one round. It is written as an artifact;
// only its metrics are kept in pipeline state.
type RoundReport struct {
	Round        int                         `json:"round"`
	Targeted     []pipeline.Finding          `json:"targeted"`
	Untargeted   []pipeline.Finding          `json:"untargeted,omitempty"`
	Instructions []Instruction               `json:"instructions"`
	Builds       []pipeline.BuilderResult    `json:"builds"`
	Verify       *pipeline.QualitySnapshot   `json:"verify,omitempty"`
	Snapshot     *pipeline.QualitySnapshot   `json:"snapshot,omitempty"`
	Resolved     []string                    `json:"resolved"`
	New          []pipeline.Finding          `json:"new"`
	Metrics      pipeline.ConvergenceMetrics `json:"metrics"`
	Cost         float64                     `json:"cost"`
}

// ErrNoSnapshot is returned when a round is requested before any quality scan.
var ErrNoSnapshot = errors.New("fix pass requires a quality snapshot")

// RunRound executes round ps.QualityAttempts+1 against the read-only snapshot
// ps: discover, classify, generate, apply, verify, regress and measure. On
// error the returned report still carries the cost spent so far.
func (e *Engine) RunRound(ctx context.Context, ps *pipeline.PipelineState, dirs map[string]string) (*RoundReport, error) {
	if ps.LastQualityResults == nil {
		return nil, ErrNoSnapshot
	}
	round := ps.QualityAttempts + 1
	log := e.logger().With(zap.String(logging.KeyPipeline, ps.PipelineID), zap.Int(logging.KeyRound, round))
	rep := &RoundReport{Round: round}
	before := ps.LastQualityResults

	// Discover and classify.
	current := ClassifyAll(before.Findings)
	targeted, untargeted := Target(current, ps.Services)
	rep.Targeted, rep.Untargeted = targeted, untargeted

	// Generate.
	instrs, err := Generate(e.Prompts, round, targeted)
	if err != nil {
		return rep, err
	}
	rep.Instructions = instrs
	log.Info("fix round starting", zap.Int("targeted", len(targeted)), zap.Int("untargeted", len(untargeted)), zap.Int("services", len(instrs)))

	// Apply.
	var tasks []fleet.Task
	for _, in := range instrs {
		dir, ok := dirs[in.ServiceID]
		if !ok {
			return rep, fmt.Errorf("no work dir for service %s", in.ServiceID)
		}
		tasks = append(tasks, fleet.Task{
			ServiceID:    in.ServiceID,
			WorkDir:      dir,
			Depth:        "quick",
			Mode:         pipeline.ModeFix,
			Instructions: in.Text,
		})
	}
	if len(tasks) > 0 {
		builds, err := e.Fleet.Run(ctx, tasks)
		for _, b := range builds {
			rep.Cost += b.Cost
		}
		rep.Builds = builds
		if err != nil {
			return rep, fmt.Errorf("apply fixes: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	applied := map[string]bool{}
	for _, b := range rep.Builds {
		if b.Success {
			applied[b.ServiceID] = true
		}
	}
	fixesApplied := 0
	for _, f := range targeted {
		if applied[f.System] {
			fixesApplied++
		}
	}

	// Verify: re-scan only the layers that produced targeted findings.
	verifyLayers := layersOf(targeted)
	var verify *pipeline.QualitySnapshot
	if len(verifyLayers) > 0 {
		verify, err = e.Scanner.Scan(ctx, ScanRequest{Round: round, Layers: verifyLayers, Services: ps.Services, Dirs: dirs})
		if err != nil {
			return rep, fmt.Errorf("verify round %d: %w", round, err)
		}
		rep.Cost += verify.Cost
		rep.Verify = verify
	}

	// Regress: full scan, diffed by finding id.
	after, err := e.Scanner.Scan(ctx, ScanRequest{Round: round, Services: ps.Services, Dirs: dirs})
	if err != nil {
		return rep, fmt.Errorf("regression scan round %d: %w", round, err)
	}
	rep.Cost += after.Cost

	stillOpen := openIDs(after.Findings)
	if verify != nil {
		for id := range openIDs(verify.Findings) {
			stillOpen[id] = true
		}
	}
	for _, f := range targeted {
		if !stillOpen[f.ID] {
			rep.Resolved = append(rep.Resolved, f.ID)
		}
	}

	previous := map[string]pipeline.Finding{}
	for _, f := range before.Findings {
		previous[f.ID] = f
	}
	// A finding counts as new when it was absent or no longer open before the
	// round; one fixed earlier and reopened by this round's fixes is a regression.
	for i, f := range after.Findings {
		prev, seen := previous[f.ID]
		if seen && (isOpen(prev) || !isOpen(f)) {
			after.Findings[i].DiscoveredRound = prev.DiscoveredRound
			continue
		}
		after.Findings[i].DiscoveredRound = round
		after.Findings[i].ResolvedRound = 0
		rep.New = append(rep.New, after.Findings[i])
	}
	// Carry resolved findings forward so the snapshot records what was fixed.
	afterIDs := map[string]bool{}
	for _, f := range after.Findings {
		afterIDs[f.ID] = true
	}
	for _, f := range current {
		if !isOpen(f) || afterIDs[f.ID] || stillOpen[f.ID] {
			continue
		}
		f.Resolution = pipeline.ResolutionFixed
		f.ResolvedRound = round
		after.Findings = append(after.Findings, f)
	}
	sort.SliceStable(after.Findings, func(i, j int) bool { return after.Findings[i].ID < after.Findings[j].ID })
	after.Round = round
	after.Score = QualityScore(after.Findings)
	rep.Snapshot = after

	rep.Metrics = Measure(RoundInputs{
		Round:                round,
		Attempted:            len(targeted),
		Resolved:             len(rep.Resolved),
		FixesApplied:         fixesApplied,
		NewViolations:        len(rep.New),
		Before:               before,
		After:                after,
		InitialWeightedTotal: ps.FixLoop.InitialWeightedTotal,
	})
	log.Info("fix round measured",
		zap.Int("resolved", rep.Metrics.Resolved),
		zap.Int("new", rep.Metrics.NewViolations),
		zap.Float64("effectiveness", rep.Metrics.FixEffectiveness),
		zap.Float64("regression", rep.Metrics.RegressionRate),
		zap.Float64("convergence", rep.Metrics.ConvergenceScore))
	return rep, nil
}

// Fold writes a completed round into ps.
func (rep *RoundReport) Fold(ps *pipeline.PipelineState) {
	ps.QualityAttempts = rep.Round
	ps.LastQualityResults = rep.Snapshot
	ps.FixLoop.RecordMetrics(rep.Metrics)
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return logging.Nop()
	}
	return e.Logger
}

func layersOf(findings []pipeline.Finding) []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range findings {
		if f.Layer != "" && !seen[f.Layer] {
			seen[f.Layer] = true
			out = append(out, f.Layer)
		}
	}
	sort.Strings(out)
	return out
}

func openIDs(findings []pipeline.Finding) map[string]bool {
	ids := map[string]bool{}
	for _, f := range findings {
		if isOpen(f) {
			ids[f.ID] = true
		}
	}
	return ids
}
