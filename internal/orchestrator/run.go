package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lucasnoah/agentfactory/internal/checks"
	"github.com/lucasnoah/agentfactory/internal/collab"
	"github.com/lucasnoah/agentfactory/internal/config"
	"github.com/lucasnoah/agentfactory/internal/cost"
	"github.com/lucasnoah/agentfactory/internal/db"
	"github.com/lucasnoah/agentfactory/internal/fixpass"
	"github.com/lucasnoah/agentfactory/internal/fleet"
	"github.com/lucasnoah/agentfactory/internal/logging"
	"github.com/lucasnoah/agentfactory/internal/phase"
	"github.com/lucasnoah/agentfactory/internal/pipeline"
	"github.com/lucasnoah/agentfactory/internal/workspace"
)

// Run drives pipeline id from its current state until it is complete,
// failed or interrupted. The returned state is the last one persisted.
// A failed pipeline is reported as an error naming the guard or hard stop
// that fired; an interrupted one as an error wrapping ErrInterrupted.
func (o *Orchestrator) Run(ctx context.Context, id string) (*pipeline.PipelineState, error) {
	ps, err := o.store.Load(id)
	if err != nil {
		return nil, err
	}
	if phase.State(ps.CurrentState) == phase.Failed {
		return ps, fmt.Errorf("pipeline %s already failed: %s", id, ps.FailureReason)
	}
	return o.drive(ctx, ps)
}

// ResumeOpts controls how a stopped pipeline is re-entered.
type ResumeOpts struct {
	// Retry re-enters a failed pipeline at the state it failed from, with
	// limits refreshed from the current configuration.
	Retry bool
	// Budget replaces the pipeline's budget limit when set.
	Budget *float64
}

// Resume clears the interrupted flag and re-enters the phase mapped from the
// pipeline's current state.
func (o *Orchestrator) Resume(ctx context.Context, id string, opts ResumeOpts) (*pipeline.PipelineState, error) {
	ps, err := o.store.Load(id)
	if err != nil {
		return nil, err
	}
	state := phase.State(ps.CurrentState)
	if !phase.Valid(state) {
		return ps, fmt.Errorf("pipeline %s has unknown state %q", id, ps.CurrentState)
	}
	switch {
	case state == phase.Complete:
		return ps, nil
	case state == phase.Failed && !opts.Retry:
		return ps, fmt.Errorf("pipeline %s failed (%s); resume with retry to re-enter %s", id, ps.FailureReason, ps.PreviousState)
	case state == phase.Failed:
		if err := o.reopen(ps); err != nil {
			return ps, err
		}
	}
	if opts.Budget != nil {
		b := *opts.Budget
		ps.BudgetLimit = &b
	}

	ps.Interrupted = false
	ps.InterruptReason = ""
	if err := o.save(ps); err != nil {
		return ps, err
	}
	o.journal(ctx, ps, db.PipelineEvent{Event: "resumed", ToState: ps.CurrentState})
	o.logf("resuming %s at %s", ps.PipelineID, ps.CurrentState)
	return o.drive(ctx, ps)
}

// reopen moves a failed pipeline back to the state it failed from.
func (o *Orchestrator) reopen(ps *pipeline.PipelineState) error {
	prev := phase.State(ps.PreviousState)
	if _, ok := phase.ResumeTrigger(prev); !ok {
		return fmt.Errorf("pipeline %s cannot be retried from %q", ps.PipelineID, ps.PreviousState)
	}
	ps.CurrentState = string(prev)
	ps.PreviousState = string(phase.Failed)
	ps.FailureReason = ""
	ps.Limits = o.limits()
	ps.FixLoop.StopReason = ""
	if prev == phase.ArchitectRunning {
		ps.ArchitectAttempts = 0
	}
	return nil
}

// run is the per-invocation scheduler state. ps has exactly one writer: the
// goroutine executing drive.
type run struct {
	o       *Orchestrator
	ps      *pipeline.PipelineState
	log     *zap.Logger
	tracker *cost.Tracker
	ws      *workspace.Manager
	fleet   *fleet.Controller
	fix     *fixpass.Engine
	gate    collab.QualityGate
}

func (o *Orchestrator) newRun(ps *pipeline.PipelineState) *run {
	r := &run{
		o:       o,
		ps:      ps,
		log:     o.log.With(zap.String(logging.KeyPipeline, ps.PipelineID)),
		tracker: cost.FromState(ps),
		ws:      workspace.NewManager(o.deps.Git, ps.OutputDir, o.deps.Prompts, o.cfg.Builder.GitInit),
	}
	p := o.cfg.Pipeline
	opts := fleet.Options{
		Command:     o.cfg.Builder.Command,
		Env:         o.cfg.Builder.Env,
		MaxParallel: p.MaxConcurrentBuilders,
		Timeout:     p.BuilderTimeoutDuration(),
		Grace:       p.GracePeriodDuration(),
		Launch:      o.deps.Launch,
		Observer:    &builderObserver{o: o, id: ps.PipelineID},
		Logger:      r.log.Named("fleet"),
	}
	if sd := o.deps.Shutdown; sd != nil {
		opts.Hard = sd.HardContext().Done()
	}
	r.fleet = fleet.NewController(opts)

	r.gate = o.deps.Gate
	if r.gate == nil {
		r.gate = &collab.CheckGate{
			Runner:    o.deps.Checks,
			Layers:    o.cfg.Quality.Layers,
			OutputDir: ps.OutputDir,
			Logger:    r.log.Named("quality"),
			OnResult: func(round int, service string, res *checks.Result) {
				o.deps.Metrics.CheckRun(res.CheckName, res.Passed)
				if o.deps.Journal != nil {
					_ = o.deps.Journal.LogCheckRun(context.Background(), ps.PipelineID, round, service, res)
				}
			},
		}
	}
	r.fix = &fixpass.Engine{
		Fleet:   r.fleet,
		Scanner: r.gate,
		Prompts: o.deps.Prompts,
		Logger:  r.log.Named("fixpass"),
	}
	return r
}

func (o *Orchestrator) drive(ctx context.Context, ps *pipeline.PipelineState) (*pipeline.PipelineState, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if sd := o.deps.Shutdown; sd != nil {
		stop := context.AfterFunc(sd.Context(), func() { cancel(ErrInterrupted) })
		defer stop()
		id := ps.PipelineID
		sd.SetSaver(func(reason string) error { return o.emergencySave(id, reason) })
		defer sd.SetSaver(nil)
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline.id", ps.PipelineID),
		attribute.String("pipeline.state", ps.CurrentState),
	))
	defer span.End()

	r := o.newRun(ps)
	r.log.Info("pipeline run starting", zap.String(logging.KeyState, ps.CurrentState))
	err := r.loop(ctx)
	if err != nil && !errors.Is(err, ErrInterrupted) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("pipeline.final_state", ps.CurrentState))
	return ps, err
}

func (r *run) loop(ctx context.Context) error {
	for {
		if phase.IsTerminal(phase.State(r.ps.CurrentState)) {
			r.log.Info("pipeline finished", zap.String(logging.KeyState, r.ps.CurrentState), zap.Float64("total_cost", r.ps.TotalCost))
			return nil
		}
		if r.stopping(ctx) {
			return r.interrupt(ctx)
		}
		if st := r.tracker.Check(); st.Exceeded {
			r.o.deps.Metrics.BudgetExceeded()
			return r.fail(ctx, r.tracker.Err())
		}
		if err := r.step(ctx); err != nil {
			if errors.Is(err, ErrInterrupted) {
				return r.interrupt(ctx)
			}
			return r.fail(ctx, err)
		}
	}
}

func (r *run) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	sd := r.o.deps.Shutdown
	return sd != nil && sd.ShouldStop()
}

// step runs the handler for the current state on a snapshot, folds its
// outcome, checks the budget, persists the pre-transition state, then
// resolves and fires the next transition and persists again.
func (r *run) step(ctx context.Context) error {
	from := phase.State(r.ps.CurrentState)
	trig, ok := phase.ResumeTrigger(from)
	if !ok {
		return fmt.Errorf("no handler for state %q", from)
	}
	h := r.handler(trig)

	started := time.Now()
	hctx, span := r.o.tracer.Start(ctx, "phase."+string(trig), trace.WithAttributes(
		attribute.String("pipeline.id", r.ps.PipelineID),
		attribute.String("phase.state", string(from)),
	))
	out, err := h(hctx, r.ps.Clone())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	r.o.deps.Metrics.PhaseDuration(string(trig), time.Since(started))

	var pe *PhaseError
	if errors.As(err, &pe) && pe.Recoverable {
		r.log.Warn("phase failed, retrying if allowed", zap.String(logging.KeyTrigger, string(trig)), zap.Error(pe.Err))
		r.o.logf("%s failed: %v", pe.Phase, pe.Err)
		err = nil
	}
	if out != nil {
		r.fold(out)
	}
	if r.stopping(ctx) {
		return ErrInterrupted
	}
	if err != nil {
		return err
	}
	if st := r.tracker.Check(); st.Exceeded {
		r.o.deps.Metrics.BudgetExceeded()
		if serr := r.o.save(r.ps); serr != nil {
			return errors.Join(r.tracker.Err(), serr)
		}
		return r.tracker.Err()
	}

	if err := r.o.save(r.ps); err != nil {
		return fmt.Errorf("save pre-transition state: %w", err)
	}
	next, err := phase.Resolve(r.ps)
	if err != nil {
		return err
	}
	if err := phase.Fire(r.ps, next); err != nil {
		return err
	}
	if err := r.o.save(r.ps); err != nil {
		return fmt.Errorf("save post-transition state: %w", err)
	}
	r.o.recordTransition(ctx, r.ps, string(from), next)
	return nil
}

// fold applies a handler outcome to the scheduler's state.
func (r *run) fold(out *outcome) {
	if out.apply != nil {
		out.apply(r.ps)
	}
	r.tracker.Add(out.phase, out.cost)
	r.tracker.Apply(r.ps)
	r.o.deps.Metrics.Cost(r.ps.PipelineID, r.ps.TotalCost)
	for name, v := range out.artifacts {
		if err := r.o.store.SaveArtifact(r.ps.PipelineID, name, v); err != nil {
			r.log.Warn("artifact not saved", zap.String("artifact", name), zap.Error(err))
		}
	}
}

// fail records cause as the failure reason and fires the fail edge. It is the
// single place unrecoverable errors end a run.
func (r *run) fail(ctx context.Context, cause error) error {
	from := r.ps.CurrentState
	if err := phase.Fire(r.ps, phase.Fail); err != nil {
		return errors.Join(cause, err)
	}
	r.ps.FailureReason = cause.Error()
	if err := r.o.save(r.ps); err != nil {
		return errors.Join(cause, err)
	}
	r.o.recordTransition(ctx, r.ps, from, phase.Fail)
	r.log.Error("pipeline failed", zap.String("from", from), zap.Error(cause))
	return cause
}

// interrupt persists the current state with the interrupted flag and leaves
// current_state untouched.
func (r *run) interrupt(ctx context.Context) error {
	reason := "cancelled"
	if sd := r.o.deps.Shutdown; sd != nil && sd.Reason() != "" {
		reason = sd.Reason()
	} else if cause := context.Cause(ctx); cause != nil {
		reason = cause.Error()
	}
	r.ps.Interrupted = true
	r.ps.InterruptReason = reason
	if err := r.o.save(r.ps); err != nil {
		return errors.Join(fmt.Errorf("%w: %s", ErrInterrupted, reason), err)
	}
	bg := context.WithoutCancel(ctx)
	r.o.journal(bg, r.ps, db.PipelineEvent{Event: "interrupted", Detail: reason})
	r.o.publish(bg, r.ps, "interrupted", map[string]any{"reason": reason})
	r.o.logf("interrupted at %s: %s", r.ps.CurrentState, reason)
	r.log.Warn("pipeline interrupted", zap.String(logging.KeyState, r.ps.CurrentState), zap.String("reason", reason))
	return fmt.Errorf("%w: %s", ErrInterrupted, reason)
}

// recordTransition journals, publishes and counts a fired transition.
func (o *Orchestrator) recordTransition(ctx context.Context, ps *pipeline.PipelineState, from string, t phase.Trigger) {
	ctx = context.WithoutCancel(ctx)
	to := ps.CurrentState
	o.deps.Metrics.Transition(string(t), to)
	o.journal(ctx, ps, db.PipelineEvent{Event: "transition", FromState: from, ToState: to, Detail: string(t)})
	o.publish(ctx, ps, "transition", map[string]any{"from": from, "to": to, "trigger": string(t)})
	o.log.Info("transition",
		zap.String(logging.KeyPipeline, ps.PipelineID),
		zap.String(logging.KeyTrigger, string(t)),
		zap.String("from", from),
		zap.String(logging.KeyState, to))
	o.logf("%s → %s (%s)", from, to, t)

	switch phase.State(to) {
	case phase.Complete:
		o.journal(ctx, ps, db.PipelineEvent{Event: "completed", ToState: to})
		o.publish(ctx, ps, "completed", map[string]any{"total_cost": ps.TotalCost})
	case phase.Failed:
		o.journal(ctx, ps, db.PipelineEvent{Event: "failed", FromState: from, ToState: to, Detail: ps.FailureReason})
		o.publish(ctx, ps, "failed", map[string]any{"reason": ps.FailureReason})
	}
}

// journal writes a pipeline event. Journal failures never affect the run.
func (o *Orchestrator) journal(ctx context.Context, ps *pipeline.PipelineState, e db.PipelineEvent) {
	if o.deps.Journal == nil {
		return
	}
	e.PipelineID = ps.PipelineID
	e.TotalCost = ps.TotalCost
	if err := o.deps.Journal.LogPipelineEvent(ctx, e); err != nil {
		o.log.Debug("journal write failed", zap.String(logging.KeyPipeline, ps.PipelineID), zap.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, ps *pipeline.PipelineState, event string, data any) {
	if o.deps.Events == nil {
		return
	}
	_ = o.deps.Events.Publish(ctx, ps.PipelineID, event, ps.CurrentState, data)
}

// builderObserver forwards fleet callbacks for one pipeline. It is called
// from worker goroutines and only touches concurrency-safe sinks.
type builderObserver struct {
	o  *Orchestrator
	id string
}

func (b *builderObserver) BuilderStarted(t fleet.Task) {
	b.o.deps.Metrics.BuilderStarted()
	b.o.logf("builder %s started (%s)", t.ServiceID, t.Mode)
}

func (b *builderObserver) BuilderFinished(t fleet.Task, res pipeline.BuilderResult) {
	b.o.deps.Metrics.BuilderFinished(res.Mode, res.Success)
	ctx := context.Background()
	if b.o.deps.Journal != nil {
		_ = b.o.deps.Journal.LogBuilderRun(ctx, b.id, res)
	}
	if b.o.deps.Events != nil {
		_ = b.o.deps.Events.Publish(ctx, b.id, "builder_finished", "", res)
	}
	status := "ok"
	if !res.Success {
		status = "failed: " + res.Error
	}
	b.o.logf("builder %s finished (%s) %s", t.ServiceID, t.Mode, status)
}

// contractsDir is where the local registry stores contracts for a pipeline.
func (o *Orchestrator) contractsDir(id string) string {
	return filepath.Join(filepath.Dir(o.store.StatePath(id)), "contracts")
}

// phaseTimeout returns the configured limit for a collaborator phase, or 0.
func (o *Orchestrator) phaseTimeout(name string) time.Duration {
	t := o.cfg.Pipeline.PhaseTimeouts
	var v string
	switch name {
	case phase.PhaseArchitect:
		v = t.Architect
	case phase.PhaseContracts:
		v = t.Contracts
	case phase.PhaseIntegration:
		v = t.Integration
	case phase.PhaseQuality:
		v = t.Quality
	}
	return config.ParseDuration(v, 0)
}
