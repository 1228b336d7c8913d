package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/agentfactory/internal/collab"
	"github.com/lucasnoah/agentfactory/internal/config"
	"github.com/lucasnoah/agentfactory/internal/fixpass"
	"github.com/lucasnoah/agentfactory/internal/fleet"
	"github.com/lucasnoah/agentfactory/internal/logging"
	"github.com/lucasnoah/agentfactory/internal/phase"
	"github.com/lucasnoah/agentfactory/internal/pipeline"
)

// costFixPass is the phase_costs bucket for fix-pass rounds.
const costFixPass = "fix_pass"

// outcome is what a handler returns for the scheduler to fold into state.
// Handlers never touch the scheduler's state directly.
type outcome struct {
	phase     string
	cost      float64
	apply     func(ps *pipeline.PipelineState)
	artifacts map[string]any
}

// handlerFunc runs one phase against a read-only snapshot.
type handlerFunc func(ctx context.Context, snap *pipeline.PipelineState) (*outcome, error)

func (r *run) handler(t phase.Trigger) handlerFunc {
	switch t {
	case phase.StartArchitect:
		return r.loadRequirement
	case phase.ArchitectDone:
		return r.decompose
	case phase.ApproveArchitecture:
		return r.reviewArchitecture
	case phase.ContractsReady:
		return r.registerContracts
	case phase.BuildersDone:
		return r.runBuilders
	case phase.StartIntegration:
		return r.checkBuilds
	case phase.IntegrationDone:
		return r.integrate
	case phase.QualityPassed:
		return r.qualityGate
	case phase.FixDone:
		return r.fixRound
	}
	return func(context.Context, *pipeline.PipelineState) (*outcome, error) {
		return nil, fmt.Errorf("no handler for trigger %s", t)
	}
}

// withPhaseTimeout bounds ctx by the configured limit for name, if any.
func (r *run) withPhaseTimeout(ctx context.Context, name string) (context.Context, context.CancelFunc, time.Duration) {
	d := r.o.phaseTimeout(name)
	if d <= 0 {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, 0
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, cancel, d
}

// phaseErr classifies a collaborator error: cancellation of the run is
// returned as is, expiry of the phase limit becomes a PhaseTimeoutError.
func phaseErr(ctx, pctx context.Context, name string, limit time.Duration, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if limit > 0 && errors.Is(pctx.Err(), context.DeadlineExceeded) {
		return &PhaseTimeoutError{Phase: name, Timeout: limit}
	}
	return &PhaseError{Phase: name, Err: err}
}

func (r *run) loadRequirement(ctx context.Context, snap *pipeline.PipelineState) (*outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest, err := requirementDigest(snap.RequirementPath)
	if err != nil {
		return nil, &PhaseError{Phase: phase.PhaseArchitect, Err: err}
	}
	if snap.RequirementDigest != "" && digest != snap.RequirementDigest {
		return nil, &PhaseError{Phase: phase.PhaseArchitect, Err: fmt.Errorf("requirement %s changed since the pipeline was created", snap.RequirementPath)}
	}
	r.o.logf("requirement loaded (%s)", digest[:12])
	return &outcome{
		phase: phase.PhaseArchitect,
		apply: func(ps *pipeline.PipelineState) { ps.RequirementDigest = digest },
	}, nil
}

func (r *run) decompose(ctx context.Context, snap *pipeline.PipelineState) (*outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(snap.Services) > 0 {
		// Decomposed before a restart.
		return &outcome{phase: phase.PhaseArchitect}, nil
	}
	data, err := os.ReadFile(snap.RequirementPath)
	if err != nil {
		return nil, &PhaseError{Phase: phase.PhaseArchitect, Err: fmt.Errorf("read requirement: %w", err)}
	}
	attempt := snap.ArchitectAttempts + 1
	req := collab.DecomposeRequest{
		RequirementPath: snap.RequirementPath,
		Requirement:     string(data),
		OutputDir:       snap.OutputDir,
		Attempt:         attempt,
	}

	cfg := r.o.cfg.Decomposer
	fb := collab.Fallback[*collab.Decomposition]{
		Attempts: cfg.Attempts,
		Backoff:  config.ParseDuration(cfg.Backoff, 2*time.Second),
		Logger:   r.log.Named("architect"),
	}
	if d := r.o.deps.Decomposer; d != nil {
		fb.Primary = collab.Strategy[*collab.Decomposition]{Name: "decomposer", Call: func(ctx context.Context) (*collab.Decomposition, error) {
			return d.Decompose(ctx, req)
		}}
	}
	if d := r.o.deps.DecomposerFallback; d != nil {
		fb.Fallback = collab.Strategy[*collab.Decomposition]{Name: "service map", Call: func(ctx context.Context) (*collab.Decomposition, error) {
			return d.Decompose(ctx, req)
		}}
	}

	r.o.logf("decomposing requirement (attempt %d)", attempt)
	pctx, cancel, limit := r.withPhaseTimeout(ctx, phase.PhaseArchitect)
	defer cancel()
	dec, used, err := fb.Do(pctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Both a collaborator failure and a timeout count as a spent attempt.
		if limit > 0 && errors.Is(pctx.Err(), context.DeadlineExceeded) {
			err = &PhaseTimeoutError{Phase: phase.PhaseArchitect, Timeout: limit}
		}
		msg := err.Error()
		return &outcome{
			phase: phase.PhaseArchitect,
			apply: func(ps *pipeline.PipelineState) {
				ps.ArchitectAttempts = attempt
				ps.ArchitectureIssues = []string{msg}
			},
		}, &PhaseError{Phase: phase.PhaseArchitect, Err: err, Recoverable: true}
	}

	r.log.Info("decomposition finished", zap.String("strategy", used), zap.Int("services", len(dec.Services)), zap.Int("contracts", len(dec.ContractStubs)))
	r.o.logf("decomposed into %d services via %s", len(dec.Services), used)
	return &outcome{
		phase: phase.PhaseArchitect,
		cost:  dec.Cost,
		apply: func(ps *pipeline.PipelineState) {
			ps.ArchitectAttempts = attempt
			ps.Services = slices.Clone(dec.Services)
			ps.DomainModel = dec.DomainModel
			ps.ContractStubs = slices.Clone(dec.ContractStubs)
			if ps.ContractStubs == nil {
				ps.ContractStubs = []pipeline.ContractStub{}
			}
			ps.ArchitectureIssues = nil
			if len(dec.Services) == 0 {
				ps.ArchitectureIssues = []string{"decomposition produced no services"}
			}
		},
		artifacts: map[string]any{"decomposition": dec},
	}, nil
}

// ValidateArchitecture checks a service map and its contract stubs. allowed,
// when non-empty, restricts tech stacks. It returns one message per problem.
func ValidateArchitecture(services []pipeline.ServiceInfo, stubs []pipeline.ContractStub, allowed []string, path func(string) string) []string {
	var issues []string
	ids := map[string]bool{}
	dirs := map[string]string{}
	ports := map[int]string{}
	for i, s := range services {
		if strings.TrimSpace(s.ID) == "" {
			issues = append(issues, fmt.Sprintf("service %d has no id", i))
			continue
		}
		if ids[s.ID] {
			issues = append(issues, fmt.Sprintf("duplicate service id %q", s.ID))
		}
		ids[s.ID] = true
		if strings.TrimSpace(s.Name) == "" {
			issues = append(issues, fmt.Sprintf("service %s has no name", s.ID))
		}
		if len(allowed) > 0 && !slices.ContainsFunc(allowed, func(a string) bool { return strings.EqualFold(a, s.TechStack) }) {
			issues = append(issues, fmt.Sprintf("service %s uses unsupported tech stack %q", s.ID, s.TechStack))
		}
		if s.Port < 0 || s.Port > 65535 {
			issues = append(issues, fmt.Sprintf("service %s has invalid port %d", s.ID, s.Port))
		} else if s.Port > 0 {
			if other, ok := ports[s.Port]; ok {
				issues = append(issues, fmt.Sprintf("services %s and %s share port %d", other, s.ID, s.Port))
			}
			ports[s.Port] = s.ID
		}
		if path != nil {
			dir := path(s.ID)
			if other, ok := dirs[dir]; ok && other != s.ID {
				issues = append(issues, fmt.Sprintf("services %s and %s map to the same workspace", other, s.ID))
			}
			dirs[dir] = s.ID
		}
	}
	names := map[string]bool{}
	for _, stub := range stubs {
		if names[stub.Name] {
			issues = append(issues, fmt.Sprintf("duplicate contract name %q", stub.Name))
		}
		names[stub.Name] = true
		if !ids[stub.Service] {
			issues = append(issues, fmt.Sprintf("contract %s belongs to unknown service %q", stub.Name, stub.Service))
		}
	}
	return issues
}

func (r *run) reviewArchitecture(ctx context.Context, snap *pipeline.PipelineState) (*outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	issues := ValidateArchitecture(snap.Services, snap.ContractStubs, r.o.cfg.Pipeline.TechStacks, r.ws.Path)
	if len(issues) > 0 {
		r.o.logf("architecture rejected: %s", strings.Join(issues, "; "))
	} else {
		r.o.logf("architecture approved: %d services, %d contracts", len(snap.Services), len(snap.ContractStubs))
	}
	return &outcome{
		phase: phase.PhaseArchitect,
		apply: func(ps *pipeline.PipelineState) {
			ps.ArchitectureValid = len(issues) == 0
			ps.ArchitectureIssues = issues
		},
		artifacts: map[string]any{"architecture-review": map[string]any{"valid": len(issues) == 0, "issues": issues}},
	}, nil
}

func (r *run) registerContracts(ctx context.Context, snap *pipeline.PipelineState) (*outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := &outcome{phase: phase.PhaseContracts}
	if len(snap.ContractStubs) == 0 {
		return out, nil
	}
	registered := map[string]bool{}
	for _, rec := range snap.Contracts {
		if rec.Valid {
			registered[rec.Name] = true
		}
	}

	primary := r.o.deps.Registry
	fallback := r.o.deps.RegistryFallback
	if fallback == nil {
		fallback = &collab.FileContractRegistry{Dir: r.o.contractsDir(snap.PipelineID)}
	}

	pctx, cancel, limit := r.withPhaseTimeout(ctx, phase.PhaseContracts)
	defer cancel()

	var records []pipeline.ContractRecord
	out.apply = func(ps *pipeline.PipelineState) {
		for _, rec := range records {
			ps.Contracts = slices.DeleteFunc(ps.Contracts, func(c pipeline.ContractRecord) bool { return c.Name == rec.Name })
			ps.Contracts = append(ps.Contracts, rec)
		}
	}
	for _, stub := range snap.ContractStubs {
		if registered[stub.Name] {
			continue
		}
		fb := collab.Fallback[*pipeline.ContractRecord]{
			Fallback: collab.Strategy[*pipeline.ContractRecord]{Name: "local registry", Call: func(ctx context.Context) (*pipeline.ContractRecord, error) {
				return fallback.Register(ctx, stub)
			}},
			Attempts: 2,
			Backoff:  time.Second,
			Logger:   r.log.Named("contracts"),
		}
		if primary != nil {
			fb.Primary = collab.Strategy[*pipeline.ContractRecord]{Name: "contract registry", Call: func(ctx context.Context) (*pipeline.ContractRecord, error) {
				return primary.Register(ctx, stub)
			}}
		}
		rec, _, err := fb.Do(pctx)
		if err != nil {
			return out, phaseErr(ctx, pctx, phase.PhaseContracts, limit, fmt.Errorf("register %s: %w", stub.Name, err))
		}
		if !rec.Valid {
			r.o.logf("contract %s rejected: %s", stub.Name, strings.Join(rec.Errors, "; "))
		}
		records = append(records, *rec)
	}
	r.o.logf("registered %d contracts", len(records))
	out.artifacts = map[string]any{"contracts": records}
	return out, nil
}

func (r *run) runBuilders(ctx context.Context, snap *pipeline.PipelineState) (*outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirs, err := r.ws.Prepare(snap)
	if err != nil {
		return nil, &PhaseError{Phase: phase.PhaseBuilders, Err: err}
	}

	var tasks []fleet.Task
	for _, svc := range snap.Services {
		if res, ok := snap.BuilderResults[svc.ID]; ok && res.Success {
			continue
		}
		tasks = append(tasks, fleet.Task{
			ServiceID: svc.ID,
			WorkDir:   dirs[svc.ID],
			Depth:     snap.Depth,
			Mode:      pipeline.ModeBuild,
		})
	}
	out := &outcome{phase: phase.PhaseBuilders}
	if len(tasks) == 0 {
		return out, nil
	}

	r.o.logf("dispatching %d builders (max %d in parallel)", len(tasks), r.o.cfg.Pipeline.MaxConcurrentBuilders)
	results, err := r.fleet.Run(ctx, tasks)
	for _, res := range results {
		out.cost += res.Cost
	}
	out.apply = func(ps *pipeline.PipelineState) {
		if ps.BuilderResults == nil {
			ps.BuilderResults = map[string]pipeline.BuilderResult{}
		}
		for _, res := range results {
			ps.BuilderResults[res.ServiceID] = res
		}
	}
	out.artifacts = map[string]any{"builders": results}
	if err != nil {
		return out, &PhaseError{Phase: phase.PhaseBuilders, Err: err}
	}
	ok := 0
	for _, res := range results {
		if res.Success {
			ok++
		}
	}
	r.log.Info("builders finished", zap.Int("dispatched", len(tasks)), zap.Int("succeeded", ok))
	return out, ctx.Err()
}

func (r *run) checkBuilds(ctx context.Context, snap *pipeline.PipelineState) (*outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.o.logf("%d of %d builders succeeded", snap.SuccessfulBuilders(), len(snap.Services))
	return &outcome{phase: phase.PhaseIntegration}, nil
}

// builtDirs maps the services with a successful build to their workspaces.
func (r *run) builtDirs(snap *pipeline.PipelineState) map[string]string {
	dirs := map[string]string{}
	for _, svc := range snap.Services {
		if res, ok := snap.BuilderResults[svc.ID]; ok && res.Success {
			dirs[svc.ID] = r.ws.Path(svc.ID)
		}
	}
	return dirs
}

func (r *run) integrate(ctx context.Context, snap *pipeline.PipelineState) (*outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pctx, cancel, limit := r.withPhaseTimeout(ctx, phase.PhaseIntegration)
	defer cancel()

	r.o.logf("integrating %d services", snap.SuccessfulBuilders())
	rep, err := r.o.deps.Integrator.Integrate(pctx, collab.IntegrationRequest{
		OutputDir: snap.OutputDir,
		Services:  snap.Services,
		Dirs:      r.builtDirs(snap),
	})
	if err != nil {
		return nil, phaseErr(ctx, pctx, phase.PhaseIntegration, limit, err)
	}
	if !rep.Passed {
		r.o.logf("integration reported problems: %s", strings.Join(rep.Notes, "; "))
	}
	return &outcome{
		phase:     phase.PhaseIntegration,
		cost:      rep.Cost,
		apply:     func(ps *pipeline.PipelineState) { ps.IntegrationReport = rep },
		artifacts: map[string]any{"integration": rep},
	}, nil
}

// qualityGate scans when the latest snapshot predates the current round, then
// lets the fix loop decide between passing, accepting, continuing and stopping.
func (r *run) qualityGate(ctx context.Context, snap *pipeline.PipelineState) (*outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := &outcome{phase: phase.PhaseQuality}
	q := snap.LastQualityResults
	fresh := q == nil || q.Round != snap.QualityAttempts
	if fresh {
		pctx, cancel, limit := r.withPhaseTimeout(ctx, phase.PhaseQuality)
		defer cancel()
		r.o.logf("running quality gate (round %d)", snap.QualityAttempts)
		res, err := r.gate.Scan(pctx, fixpass.ScanRequest{
			Round:    snap.QualityAttempts,
			Services: snap.Services,
			Dirs:     r.ws.Dirs(snap),
		})
		if err != nil {
			return nil, phaseErr(ctx, pctx, phase.PhaseQuality, limit, err)
		}
		res.Round = snap.QualityAttempts
		q = res
		out.cost = res.Cost
		out.artifacts = map[string]any{fmt.Sprintf("quality-round-%d", res.Round): res}
	}

	remaining, limited := r.tracker.Remaining()
	exhausted := limited && remaining-out.cost <= 0
	d := fixpass.Decide(snap, q, exhausted)
	c := fixpass.Count(q.Findings)
	r.log.Info("quality decision",
		zap.Int(logging.KeyRound, snap.QualityAttempts),
		zap.String("outcome", string(d.Outcome)),
		zap.String("reason", d.Reason),
		zap.Int("p0", c.P0), zap.Int("p1", c.P1), zap.Int("p2", c.P2), zap.Int("p3", c.P3))
	r.o.logf("quality %s: %s (score %.0f)", d.Outcome, d.Reason, fixpass.QualityScore(q.Findings))

	initial := snap.QualityAttempts == 0 && fresh
	out.apply = func(ps *pipeline.PipelineState) {
		ps.LastQualityResults = q
		if initial {
			ps.FixLoop.InitialWeightedTotal = fixpass.WeightedTotal(c)
		}
		fixpass.Apply(ps, d)
	}
	return out, nil
}

func (r *run) fixRound(ctx context.Context, snap *pipeline.PipelineState) (*outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := &outcome{phase: costFixPass}
	r.o.logf("fix round %d of %d", snap.QualityAttempts+1, snap.Limits.MaxFixRounds)
	rep, err := r.fix.RunRound(ctx, snap, r.ws.Dirs(snap))
	if rep != nil {
		out.cost = rep.Cost
	}
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, &PhaseError{Phase: costFixPass, Err: err}
	}

	out.apply = rep.Fold
	out.artifacts = map[string]any{fmt.Sprintf("fix-round-%d", rep.Round): rep}

	bg := context.WithoutCancel(ctx)
	r.o.deps.Metrics.FixRound()
	if j := r.o.deps.Journal; j != nil {
		_ = j.LogFixRound(bg, snap.PipelineID, rep.Metrics, rep.Cost)
	}
	r.o.publish(bg, snap, "fix_round", rep.Metrics)
	r.o.logf("fix round %d: resolved %d of %d, %d new, convergence %.2f",
		rep.Round, rep.Metrics.Resolved, rep.Metrics.Attempted, rep.Metrics.NewViolations, rep.Metrics.ConvergenceScore)
	return out, nil
}
