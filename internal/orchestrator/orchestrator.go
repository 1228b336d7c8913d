// Package orchestrator drives pipelines through the phase graph: it runs the
// handler for the current state, folds the result into state, persists it and
// applies the next transition until the pipeline is complete, failed or
// interrupted.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/lucasnoah/agentfactory/internal/checks"
	"github.com/lucasnoah/agentfactory/internal/collab"
	"github.com/lucasnoah/agentfactory/internal/config"
	"github.com/lucasnoah/agentfactory/internal/db"
	"github.com/lucasnoah/agentfactory/internal/fleet"
	"github.com/lucasnoah/agentfactory/internal/logging"
	"github.com/lucasnoah/agentfactory/internal/metrics"
	"github.com/lucasnoah/agentfactory/internal/phase"
	"github.com/lucasnoah/agentfactory/internal/pipeline"
	"github.com/lucasnoah/agentfactory/internal/prompt"
	"github.com/lucasnoah/agentfactory/internal/shutdown"
	"github.com/lucasnoah/agentfactory/internal/telemetry"
	"github.com/lucasnoah/agentfactory/internal/workspace"
)

// Journal records pipeline history. *db.DB implements it.
type Journal interface {
	LogPipelineEvent(ctx context.Context, e db.PipelineEvent) error
	LogBuilderRun(ctx context.Context, pipelineID string, r pipeline.BuilderResult) error
	LogFixRound(ctx context.Context, pipelineID string, m pipeline.ConvergenceMetrics, cost float64) error
	LogCheckRun(ctx context.Context, pipelineID string, round int, service string, r *checks.Result) error
}

// Publisher emits lifecycle events. *events.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, pipelineID, event, state string, data any) error
}

// Deps are the orchestrator's collaborators. Store and Config are required.
// Collaborators left nil are built from Config; Journal, Events, Metrics,
// Tracer and Shutdown are optional.
type Deps struct {
	Store  *pipeline.Store
	Config *config.Config

	Decomposer         collab.Decomposer
	DecomposerFallback collab.Decomposer
	Registry           collab.ContractRegistry
	RegistryFallback   collab.ContractRegistry
	Integrator         collab.Integrator
	// Gate overrides the per-pipeline check gate built from quality.layers.
	Gate   collab.QualityGate
	Checks *checks.Runner

	Prompts *prompt.Library
	Git     workspace.GitRunner
	// Launch overrides how builder workers are started.
	Launch fleet.LaunchFunc

	Journal  Journal
	Events   Publisher
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	Logger   *zap.Logger
	Shutdown *shutdown.Coordinator
	// Progress receives human-readable progress lines; nil is silent.
	Progress io.Writer
}

// Orchestrator runs pipelines. It is safe to share across goroutines, but a
// given pipeline must only be driven by one Run or Resume at a time.
type Orchestrator struct {
	deps   Deps
	cfg    *config.Config
	store  *pipeline.Store
	log    *zap.Logger
	tracer trace.Tracer

	// mu serializes state saves with the emergency save.
	mu sync.Mutex
}

// New validates deps and fills in the collaborators derived from the config.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, configError("state_dir", "pipeline store is not configured")
	}
	if deps.Config == nil {
		return nil, configError("config", "configuration is not loaded")
	}
	if problems := config.Validate(deps.Config); len(problems) > 0 {
		return nil, &ConfigError{Problems: problems}
	}
	cfg := deps.Config

	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer(telemetry.TracerName)
	}
	if deps.Prompts == nil {
		deps.Prompts = prompt.NewLibrary(filepath.Join(cfg.StateDir, "templates"))
	}
	if deps.Git == nil && cfg.Builder.GitInit {
		deps.Git = &workspace.ExecGit{}
	}
	grace := cfg.Pipeline.GracePeriodDuration()
	if deps.Checks == nil {
		deps.Checks = checks.NewRunner(&checks.ExecRunner{Grace: grace})
	}
	if deps.Decomposer == nil && deps.DecomposerFallback == nil {
		if cfg.Decomposer.Command != "" {
			deps.Decomposer = &collab.CommandDecomposer{Command: cfg.Decomposer.Command, Grace: grace}
		}
		deps.DecomposerFallback = &collab.FileDecomposer{ServiceMap: cfg.Decomposer.ServiceMap}
	}
	if deps.Registry == nil && deps.RegistryFallback == nil && cfg.Contracts.URL != "" {
		deps.Registry = &collab.HTTPContractRegistry{
			BaseURL: cfg.Contracts.URL,
			Client:  &http.Client{Timeout: config.ParseDuration(cfg.Contracts.Timeout, 30*time.Second)},
		}
	}
	if deps.Integrator == nil {
		deps.Integrator = &collab.HealthIntegrator{
			Host:          cfg.Integration.Host,
			DeployCommand: cfg.Integration.DeployCommand,
			TestCommand:   cfg.Integration.TestCommand,
			HealthTimeout: config.ParseDuration(cfg.Integration.HealthTimeout, 2*time.Minute),
			RPS:           cfg.Integration.HealthRPS,
			Grace:         grace,
			Logger:        deps.Logger.Named("integration"),
		}
	}

	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		store:  deps.Store,
		log:    deps.Logger,
		tracer: deps.Tracer,
	}, nil
}

// logf prints a progress line if a progress writer is configured.
func (o *Orchestrator) logf(format string, args ...any) {
	if o.deps.Progress != nil {
		fmt.Fprintf(o.deps.Progress, "  → "+format+"\n", args...)
	}
}

// CreateOpts holds options for creating a pipeline.
type CreateOpts struct {
	RequirementPath string
	OutputDir       string
	// Depth and Budget override the configured values when set.
	Depth  string
	Budget *float64
}

// Create reads the requirement and persists a new pipeline in the init state.
func (o *Orchestrator) Create(ctx context.Context, opts CreateOpts) (*pipeline.PipelineState, error) {
	if opts.RequirementPath == "" {
		return nil, errors.New("requirement path is required")
	}
	reqPath, err := filepath.Abs(opts.RequirementPath)
	if err != nil {
		return nil, fmt.Errorf("resolve requirement path: %w", err)
	}
	digest, err := requirementDigest(reqPath)
	if err != nil {
		return nil, err
	}

	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join(filepath.Dir(reqPath), "services")
	}
	if outputDir, err = filepath.Abs(outputDir); err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir output dir: %w", err)
	}

	depth := opts.Depth
	if depth == "" {
		depth = o.cfg.Pipeline.Depth
	}
	switch depth {
	case config.DepthQuick, config.DepthStandard, config.DepthThorough, config.DepthExhaustive:
	default:
		return nil, configError("depth", "unrecognized depth %q", depth)
	}
	budget := o.cfg.Pipeline.Budget
	if opts.Budget != nil {
		budget = opts.Budget
	}
	if budget != nil && *budget < 0 {
		return nil, configError("budget", "must not be negative, got %g", *budget)
	}

	ps, err := o.store.Create(pipeline.CreateOpts{
		RequirementPath:   reqPath,
		RequirementDigest: digest,
		OutputDir:         outputDir,
		Depth:             depth,
		BudgetLimit:       budget,
		Limits:            o.limits(),
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	o.journal(ctx, ps, db.PipelineEvent{Event: "created", ToState: ps.CurrentState, Detail: reqPath})
	o.publish(ctx, ps, "created", map[string]any{"requirement": reqPath, "output_dir": outputDir})
	o.log.Info("pipeline created", zap.String(logging.KeyPipeline, ps.PipelineID), zap.String("requirement", reqPath))
	return ps, nil
}

func (o *Orchestrator) limits() pipeline.Limits {
	p := o.cfg.Pipeline
	return pipeline.Limits{
		MinBuilderSuccesses:   p.MinBuilderSuccesses,
		ArchitectMaxRetries:   p.ArchitectMaxRetries,
		MaxFixRounds:          p.MaxFixRounds,
		FixEffectivenessFloor: p.FixEffectivenessFloor,
		RegressionRateCeiling: p.RegressionRateCeiling,
		SoftAcceptMinScore:    p.SoftAcceptMinScore,
	}
}

// requirementDigest returns the hex sha256 of a non-empty requirement file.
func requirementDigest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read requirement: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("requirement %s is empty", path)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Status returns the persisted state of a pipeline.
func (o *Orchestrator) Status(id string) (*pipeline.PipelineState, error) {
	return o.store.Load(id)
}

// List returns every readable pipeline, oldest first.
func (o *Orchestrator) List() ([]pipeline.PipelineState, error) {
	return o.store.List()
}

// Abort fails a non-terminal pipeline on operator request.
func (o *Orchestrator) Abort(ctx context.Context, id, reason string) (*pipeline.PipelineState, error) {
	if reason == "" {
		reason = "aborted by operator"
	}
	return o.Fail(ctx, id, reason)
}

// Fail moves a pipeline to failed with the given reason.
func (o *Orchestrator) Fail(ctx context.Context, id, reason string) (*pipeline.PipelineState, error) {
	ps, err := o.store.Load(id)
	if err != nil {
		return nil, err
	}
	from := ps.CurrentState
	if err := phase.Fire(ps, phase.Fail); err != nil {
		return ps, fmt.Errorf("fail pipeline %s: %w", id, err)
	}
	ps.FailureReason = reason
	if err := o.save(ps); err != nil {
		return ps, err
	}
	o.recordTransition(ctx, ps, from, phase.Fail)
	return ps, nil
}

// save persists ps. Once a shutdown has been requested every save of a
// non-terminal pipeline carries the interrupted flag.
func (o *Orchestrator) save(ps *pipeline.PipelineState) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sd := o.deps.Shutdown; sd != nil && sd.ShouldStop() && !phase.IsTerminal(phase.State(ps.CurrentState)) {
		ps.Interrupted = true
		if ps.InterruptReason == "" {
			ps.InterruptReason = sd.Reason()
		}
	}
	if err := o.store.Save(ps); err != nil {
		return fmt.Errorf("save pipeline %s: %w", ps.PipelineID, err)
	}
	return nil
}

// emergencySave marks the last persisted state of id as interrupted. It runs
// on the signal path while the scheduler may still be inside a handler.
func (o *Orchestrator) emergencySave(id, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	ps, err := o.store.Load(id)
	if err != nil {
		return fmt.Errorf("emergency save: %w", err)
	}
	if phase.IsTerminal(phase.State(ps.CurrentState)) {
		return nil
	}
	ps.Interrupted = true
	ps.InterruptReason = reason
	if err := o.store.Save(ps); err != nil {
		return fmt.Errorf("emergency save: %w", err)
	}
	o.log.Warn("pipeline state saved on shutdown", zap.String(logging.KeyPipeline, id), zap.String("reason", reason))
	return nil
}
