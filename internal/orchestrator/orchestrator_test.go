package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/lucasnoah/agentfactory/internal/checks"
	"github.com/lucasnoah/agentfactory/internal/collab"
	"github.com/lucasnoah/agentfactory/internal/config"
	"github.com/lucasnoah/agentfactory/internal/cost"
	"github.com/lucasnoah/agentfactory/internal/db"
	"github.com/lucasnoah/agentfactory/internal/fixpass"
	"github.com/lucasnoah/agentfactory/internal/fleet"
	"github.com/lucasnoah/agentfactory/internal/phase"
	"github.com/lucasnoah/agentfactory/internal/pipeline"
	"github.com/lucasnoah/agentfactory/internal/proc"
)

// --- Fakes ---

type fakeDecomposer struct {
	mu    sync.Mutex
	calls int
	errs  []error // per call; nil entries succeed
	dec   *collab.Decomposition
}

func (f *fakeDecomposer) Decompose(ctx context.Context, req collab.DecomposeRequest) (*collab.Decomposition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if i := f.calls - 1; i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	out := *f.dec
	return &out, nil
}

func (f *fakeDecomposer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeIntegrator struct {
	mu    sync.Mutex
	calls int
	dirs  map[string]string
	cost  float64
	block bool
}

func (f *fakeIntegrator) Integrate(ctx context.Context, req collab.IntegrationRequest) (*pipeline.IntegrationReport, error) {
	f.mu.Lock()
	f.calls++
	f.dirs = req.Dirs
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	rep := &pipeline.IntegrationReport{Passed: true, Services: map[string]pipeline.ServiceOutcome{}, Cost: f.cost}
	for id := range req.Dirs {
		rep.Services[id] = pipeline.ServiceOutcome{Healthy: true}
	}
	return rep, nil
}

func (f *fakeIntegrator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeGate returns a snapshot per scan. script, when set, decides by round;
// otherwise every scan is clean.
type fakeGate struct {
	mu     sync.Mutex
	scans  []fixpass.ScanRequest
	script func(req fixpass.ScanRequest) *pipeline.QualitySnapshot
}

func (g *fakeGate) Scan(ctx context.Context, req fixpass.ScanRequest) (*pipeline.QualitySnapshot, error) {
	g.mu.Lock()
	g.scans = append(g.scans, req)
	script := g.script
	g.mu.Unlock()
	if script != nil {
		return script(req), nil
	}
	return &pipeline.QualitySnapshot{Round: req.Round, Passed: true, Score: 100}, nil
}

func (g *fakeGate) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.scans)
}

type fakeJournal struct {
	mu        sync.Mutex
	events    []db.PipelineEvent
	builds    []pipeline.BuilderResult
	fixRounds []pipeline.ConvergenceMetrics
	checkRuns int
}

func (j *fakeJournal) LogPipelineEvent(ctx context.Context, e db.PipelineEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
	return nil
}

func (j *fakeJournal) LogBuilderRun(ctx context.Context, id string, r pipeline.BuilderResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.builds = append(j.builds, r)
	return nil
}

func (j *fakeJournal) LogFixRound(ctx context.Context, id string, m pipeline.ConvergenceMetrics, c float64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fixRounds = append(j.fixRounds, m)
	return nil
}

func (j *fakeJournal) LogCheckRun(ctx context.Context, id string, round int, service string, r *checks.Result) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.checkRuns++
	return nil
}

func (j *fakeJournal) count(event string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *fakePublisher) Publish(ctx context.Context, id, event, state string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// workerBehavior is what a fake builder writes for one service.
type workerBehavior struct {
	fail bool
	cost float64
}

// fakeWorkers stands in for builder processes: it writes the result artifact
// the controller reads and counts launches per mode.
type fakeWorkers struct {
	mu       sync.Mutex
	behavior map[string]workerBehavior
	launches map[string]int // mode -> count
	services []string
	// block, when set, makes every launch wait for ctx and report a kill.
	block   bool
	started chan string
}

func newFakeWorkers() *fakeWorkers {
	return &fakeWorkers{behavior: map[string]workerBehavior{}, launches: map[string]int{}}
}

func (w *fakeWorkers) set(service string, b workerBehavior) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.behavior[service] = b
}

func (w *fakeWorkers) count(mode string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.launches[mode]
}

func (w *fakeWorkers) launch(ctx context.Context, spec proc.Spec) (proc.Exit, error) {
	env := map[string]string{}
	for _, kv := range spec.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	id := env[fleet.EnvServiceID]

	w.mu.Lock()
	w.launches[env[fleet.EnvMode]]++
	w.services = append(w.services, id)
	b := w.behavior[id]
	block := w.block
	started := w.started
	w.mu.Unlock()

	if started != nil {
		started <- id
	}
	if block {
		<-ctx.Done()
		return proc.Exit{Code: -1, Killed: true}, nil
	}

	art := map[string]any{"schema_version": 1, "success": !b.fail, "cost": b.cost}
	if b.fail {
		art["error"] = "tests failed"
	}
	data, _ := json.Marshal(art)
	if err := os.WriteFile(env[fleet.EnvResultPath], data, 0o644); err != nil {
		return proc.Exit{}, err
	}
	return proc.Exit{Code: 0}, nil
}

// syncBuffer is a progress writer safe for concurrent builder callbacks.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// --- Test environment ---

type testEnv struct {
	orch       *Orchestrator
	store      *pipeline.Store
	cfg        *config.Config
	decomposer *fakeDecomposer
	integrator *fakeIntegrator
	gate       *fakeGate
	workers    *fakeWorkers
	journal    *fakeJournal
	events     *fakePublisher
	progress   *syncBuffer
	reqPath    string
	outDir     string
}

func testServices() []pipeline.ServiceInfo {
	return []pipeline.ServiceInfo{
		{ID: "api", Name: "API", TechStack: "go", Port: 8081, Description: "REST backend"},
		{ID: "web", Name: "Web", TechStack: "typescript", Port: 8082},
		{ID: "worker", Name: "Worker", TechStack: "go"},
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = filepath.Join(t.TempDir(), "state")
	cfg.Builder.Command = []string{"builder"}
	cfg.Decomposer.Attempts = 1
	cfg.Decomposer.Backoff = "1ms"
	return cfg
}

func setupTest(t *testing.T, tweak func(cfg *config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig(t)
	if tweak != nil {
		tweak(cfg)
	}

	dir := t.TempDir()
	reqPath := filepath.Join(dir, "requirement.md")
	if err := os.WriteFile(reqPath, []byte("# Todo platform\n\nAn API, a web UI and a worker.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		store:      pipeline.NewStore(filepath.Join(cfg.StateDir, "pipelines")),
		cfg:        cfg,
		decomposer: &fakeDecomposer{dec: &collab.Decomposition{Services: testServices(), DomainModel: map[string]string{"Todo": "a task"}}},
		integrator: &fakeIntegrator{},
		gate:       &fakeGate{},
		workers:    newFakeWorkers(),
		journal:    &fakeJournal{},
		events:     &fakePublisher{},
		progress:   &syncBuffer{},
		reqPath:    reqPath,
		outDir:     filepath.Join(dir, "services"),
	}
	env.orch = env.newOrchestrator(t, nil)
	return env
}

// newOrchestrator builds an orchestrator over the env's store and fakes.
func (env *testEnv) newOrchestrator(t *testing.T, tweak func(d *Deps)) *Orchestrator {
	t.Helper()
	deps := Deps{
		Store:      env.store,
		Config:     env.cfg,
		Decomposer: env.decomposer,
		Integrator: env.integrator,
		Gate:       env.gate,
		Launch:     env.workers.launch,
		Journal:    env.journal,
		Events:     env.events,
		Progress:   env.progress,
	}
	if tweak != nil {
		tweak(&deps)
	}
	o, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func (env *testEnv) create(t *testing.T, budget *float64) *pipeline.PipelineState {
	t.Helper()
	ps, err := env.orch.Create(context.Background(), CreateOpts{
		RequirementPath: env.reqPath,
		OutputDir:       env.outDir,
		Budget:          budget,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return ps
}

func ptr(v float64) *float64 { return &v }

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// --- New / Create ---

func TestNew_RequiresStoreAndConfig(t *testing.T) {
	_, err := New(Deps{Config: config.Default()})
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError without store, got %v", err)
	}

	cfg := config.Default()
	cfg.Builder.Command = nil
	_, err = New(Deps{Store: pipeline.NewStore(t.TempDir()), Config: cfg})
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError for invalid config, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestCreate(t *testing.T) {
	env := setupTest(t, nil)
	ps := env.create(t, ptr(5))

	if ps.CurrentState != string(phase.Init) {
		t.Errorf("expected init, got %q", ps.CurrentState)
	}
	if ps.RequirementDigest == "" {
		t.Error("expected requirement digest")
	}
	if ps.BudgetLimit == nil || *ps.BudgetLimit != 5 {
		t.Errorf("expected budget 5, got %v", ps.BudgetLimit)
	}
	if ps.Depth != config.DepthStandard {
		t.Errorf("expected default depth, got %q", ps.Depth)
	}
	if ps.Limits.MinBuilderSuccesses != env.cfg.Pipeline.MinBuilderSuccesses {
		t.Errorf("limits not copied: %+v", ps.Limits)
	}
	if env.journal.count("created") != 1 {
		t.Error("expected a created event in the journal")
	}

	loaded, err := env.orch.Status(ps.PipelineID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if loaded.PipelineID != ps.PipelineID {
		t.Errorf("status returned %q", loaded.PipelineID)
	}
}

func TestCreate_Rejects(t *testing.T) {
	env := setupTest(t, nil)
	ctx := context.Background()

	empty := filepath.Join(t.TempDir(), "empty.md")
	if err := os.WriteFile(empty, []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := env.orch.Create(ctx, CreateOpts{RequirementPath: empty}); err == nil || !strings.Contains(err.Error(), "empty") {
		t.Errorf("expected empty requirement error, got %v", err)
	}
	if _, err := env.orch.Create(ctx, CreateOpts{RequirementPath: filepath.Join(t.TempDir(), "missing.md")}); err == nil {
		t.Error("expected error for missing requirement")
	}

	var ce *ConfigError
	if _, err := env.orch.Create(ctx, CreateOpts{RequirementPath: env.reqPath, Depth: "deep"}); !errors.As(err, &ce) {
		t.Errorf("expected ConfigError for bad depth, got %v", err)
	}
	if _, err := env.orch.Create(ctx, CreateOpts{RequirementPath: env.reqPath, Budget: ptr(-1)}); !errors.As(err, &ce) {
		t.Errorf("expected ConfigError for negative budget, got %v", err)
	}
}

func TestCreate_DefaultOutputDir(t *testing.T) {
	env := setupTest(t, nil)
	ps, err := env.orch.Create(context.Background(), CreateOpts{RequirementPath: env.reqPath})
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(filepath.Dir(env.reqPath), "services")
	if ps.OutputDir != want {
		t.Errorf("expected output dir %q, got %q", want, ps.OutputDir)
	}
}

// --- Builders ---

func TestRun_MinBuilderSuccesses(t *testing.T) {
	tests := []struct {
		name      string
		min       int
		wantState phase.State
	}{
		{"one success is enough", 1, phase.Complete},
		{"two successes required", 2, phase.Failed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTest(t, func(cfg *config.Config) { cfg.Pipeline.MinBuilderSuccesses = tt.min })
			env.workers.set("web", workerBehavior{fail: true})
			env.workers.set("worker", workerBehavior{fail: true})
			ps := env.create(t, nil)

			got, err := env.orch.Run(context.Background(), ps.PipelineID)
			if got.CurrentState != string(tt.wantState) {
				t.Fatalf("expected %s, got %s (err %v)", tt.wantState, got.CurrentState, err)
			}
			if tt.wantState == phase.Failed {
				if err == nil || !strings.Contains(got.FailureReason, "1 of 3 builders succeeded, need 2") {
					t.Errorf("unexpected failure: err=%v reason=%q", err, got.FailureReason)
				}
				if got.PreviousState != string(phase.BuildersRunning) {
					t.Errorf("expected failure from builders_running, got %q", got.PreviousState)
				}
				return
			}
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if len(env.integrator.dirs) != 1 || env.integrator.dirs["api"] == "" {
				t.Errorf("integration should only see the successful build, got %v", env.integrator.dirs)
			}
		})
	}
}

func TestRun_WritesBriefsAndJournalsBuilds(t *testing.T) {
	env := setupTest(t, nil)
	ps := env.create(t, nil)
	if _, err := env.orch.Run(context.Background(), ps.PipelineID); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, svc := range testServices() {
		if _, err := os.Stat(filepath.Join(env.outDir, svc.ID, "BRIEF.md")); err != nil {
			t.Errorf("brief for %s: %v", svc.ID, err)
		}
	}
	env.journal.mu.Lock()
	builds := len(env.journal.builds)
	env.journal.mu.Unlock()
	if builds != 3 {
		t.Errorf("expected 3 journaled builds, got %d", builds)
	}
}

// --- Architect ---

func TestRun_ArchitectRetry(t *testing.T) {
	env := setupTest(t, nil)
	env.decomposer.errs = []error{errors.New("model returned garbage")}
	ps := env.create(t, nil)

	got, err := env.orch.Run(context.Background(), ps.PipelineID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.CurrentState != string(phase.Complete) {
		t.Fatalf("expected complete, got %s", got.CurrentState)
	}
	if env.decomposer.count() != 2 {
		t.Errorf("expected 2 decomposer calls, got %d", env.decomposer.count())
	}
	if got.ArchitectAttempts != 2 {
		t.Errorf("expected 2 architect attempts, got %d", got.ArchitectAttempts)
	}
}

func TestRun_ArchitectExhausted(t *testing.T) {
	env := setupTest(t, nil)
	boom := errors.New("model unavailable")
	env.decomposer.errs = []error{boom, boom, boom, boom}
	ps := env.create(t, nil)

	got, err := env.orch.Run(context.Background(), ps.PipelineID)
	if err == nil {
		t.Fatal("expected failure")
	}
	var ge *phase.GuardError
	if !errors.As(err, &ge) {
		t.Errorf("expected GuardError, got %T: %v", err, err)
	}
	if got.CurrentState != string(phase.Failed) {
		t.Fatalf("expected failed, got %s", got.CurrentState)
	}
	if !strings.Contains(got.FailureReason, "architect attempts exhausted (3 of 3)") {
		t.Errorf("unexpected reason %q", got.FailureReason)
	}
	if env.decomposer.count() != 3 {
		t.Errorf("expected 3 decomposer calls, got %d", env.decomposer.count())
	}
}

func TestRun_ArchitectureRejected(t *testing.T) {
	env := setupTest(t, func(cfg *config.Config) { cfg.Pipeline.TechStacks = []string{"go"} })
	ps := env.create(t, nil)

	got, err := env.orch.Run(context.Background(), ps.PipelineID)
	if err == nil || got.CurrentState != string(phase.Failed) {
		t.Fatalf("expected failure, got %s (%v)", got.CurrentState, err)
	}
	if !strings.Contains(got.FailureReason, `unsupported tech stack "typescript"`) {
		t.Errorf("unexpected reason %q", got.FailureReason)
	}
	if got.PreviousState != string(phase.ArchitectReview) {
		t.Errorf("expected failure from architect_review, got %q", got.PreviousState)
	}
}

func TestValidateArchitecture(t *testing.T) {
	services := []pipeline.ServiceInfo{
		{ID: "api", Name: "API", TechStack: "go", Port: 8080},
		{ID: "api", Name: "Dup", TechStack: "go"},
		{ID: "web", TechStack: "rust", Port: 8080},
		{ID: "", Name: "anon"},
		{ID: "big", Name: "Big", TechStack: "go", Port: 70000},
	}
	stubs := []pipeline.ContractStub{
		{Name: "todos", Service: "api"},
		{Name: "todos", Service: "ghost"},
	}
	issues := ValidateArchitecture(services, stubs, []string{"Go"}, nil)
	joined := strings.Join(issues, "\n")
	for _, want := range []string{
		`duplicate service id "api"`,
		"service web has no name",
		`service web uses unsupported tech stack "rust"`,
		"services api and web share port 8080",
		"service 3 has no id",
		"service big has invalid port 70000",
		`duplicate contract name "todos"`,
		`contract todos belongs to unknown service "ghost"`,
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing issue %q in:\n%s", want, joined)
		}
	}

	if got := ValidateArchitecture(testServices(), nil, nil, nil); len(got) != 0 {
		t.Errorf("expected no issues, got %v", got)
	}
}

// --- Contracts ---

func TestRun_RegistersContractsLocally(t *testing.T) {
	env := setupTest(t, nil)
	env.decomposer.dec.ContractStubs = []pipeline.ContractStub{{
		Name:    "todos",
		Kind:    "openapi",
		Service: "api",
		Spec:    "openapi: 3.0.0\ninfo:\n  title: todos\npaths: {}\n",
	}}
	ps := env.create(t, nil)

	got, err := env.orch.Run(context.Background(), ps.PipelineID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got.Contracts) != 1 || !got.Contracts[0].Valid || got.Contracts[0].Registry != "file" {
		t.Fatalf("unexpected contracts: %+v", got.Contracts)
	}
	if _, err := os.Stat(filepath.Join(env.orch.contractsDir(ps.PipelineID), "api-todos.json")); err != nil {
		t.Errorf("contract not stored: %v", err)
	}
}

func TestRun_InvalidContractFails(t *testing.T) {
	env := setupTest(t, nil)
	env.decomposer.dec.ContractStubs = []pipeline.ContractStub{{
		Name:    "todos",
		Kind:    "openapi",
		Service: "api",
		Spec:    "openapi: 3.0.0\n",
	}}
	ps := env.create(t, nil)

	got, err := env.orch.Run(context.Background(), ps.PipelineID)
	if err == nil || got.CurrentState != string(phase.Failed) {
		t.Fatalf("expected failure, got %s (%v)", got.CurrentState, err)
	}
	if !strings.Contains(got.FailureReason, `contract "todos" is not registered as valid`) {
		t.Errorf("unexpected reason %q", got.FailureReason)
	}
}

// --- Budget ---

func TestRun_BudgetZero(t *testing.T) {
	env := setupTest(t, nil)
	env.decomposer.dec.Cost = 0.1
	ps := env.create(t, ptr(0))

	got, err := env.orch.Run(context.Background(), ps.PipelineID)
	var be *cost.BudgetExceededError
	if !errors.As(err, &be) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
	if got.CurrentState != string(phase.Failed) {
		t.Fatalf("expected failed, got %s", got.CurrentState)
	}
	if !approx(got.TotalCost, 0.1) {
		t.Errorf("expected total cost 0.1, got %v", got.TotalCost)
	}
	if env.workers.count(pipeline.ModeBuild) != 0 {
		t.Error("no builder should start after the budget is exceeded")
	}

	// Persisted state agrees with the returned one.
	loaded, _ := env.store.Load(ps.PipelineID)
	if loaded.CurrentState != string(phase.Failed) || !strings.Contains(loaded.FailureReason, "budget exceeded") {
		t.Errorf("persisted state %s / %q", loaded.CurrentState, loaded.FailureReason)
	}
}

func TestResume_BudgetAlreadySpent(t *testing.T) {
	env := setupTest(t, nil)
	ps := env.create(t, ptr(0))
	if err := env.store.Update(ps.PipelineID, func(ps *pipeline.PipelineState) {
		ps.TotalCost = 0.5
		ps.PhaseCosts = map[string]float64{phase.PhaseArchitect: 0.5}
	}); err != nil {
		t.Fatal(err)
	}

	got, err := env.orch.Resume(context.Background(), ps.PipelineID, ResumeOpts{})
	var be *cost.BudgetExceededError
	if !errors.As(err, &be) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
	if got.CurrentState != string(phase.Failed) || got.PreviousState != string(phase.Init) {
		t.Errorf("expected failure straight from init, got %s from %s", got.CurrentState, got.PreviousState)
	}
	if env.decomposer.count() != 0 {
		t.Error("decomposer should not run")
	}

	// A raised budget lets a retry continue.
	got, err = env.orch.Resume(context.Background(), ps.PipelineID, ResumeOpts{Retry: true, Budget: ptr(10)})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.CurrentState != string(phase.Complete) {
		t.Errorf("expected complete, got %s", got.CurrentState)
	}
}

// --- Timeouts ---

func TestRun_IntegrationTimeout(t *testing.T) {
	env := setupTest(t, func(cfg *config.Config) { cfg.Pipeline.PhaseTimeouts.Integration = "20ms" })
	env.integrator.block = true
	ps := env.create(t, nil)

	got, err := env.orch.Run(context.Background(), ps.PipelineID)
	var te *PhaseTimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected PhaseTimeoutError, got %T: %v", err, err)
	}
	if te.Phase != phase.PhaseIntegration {
		t.Errorf("expected integration phase, got %q", te.Phase)
	}
	if got.CurrentState != string(phase.Failed) || got.PreviousState != string(phase.Integrating) {
		t.Errorf("expected failure from integrating, got %s from %s", got.CurrentState, got.PreviousState)
	}
}

// --- Fix loop ---

// openFindings builds the findings a scan reports: blocking build failures in api.
func openFindings(ids ...string) []pipeline.Finding {
	out := make([]pipeline.Finding, 0, len(ids))
	for _, id := range ids {
		out = append(out, pipeline.Finding{
			ID:         id,
			Priority:   pipeline.P0,
			System:     "api",
			Layer:      "build",
			Category:   "build",
			Evidence:   "go build failed: " + id,
			Resolution: pipeline.ResolutionOpen,
		})
	}
	return out
}

func TestRun_FixLoopStops(t *testing.T) {
	tests := []struct {
		name     string
		maxFix   int
		budget   *float64
		setup    func(env *testEnv)
		scan     func(round int) []pipeline.Finding
		attempts int
		reason   string
	}{
		{
			name:   "max rounds",
			maxFix: 2,
			scan: func(round int) []pipeline.Finding {
				return openFindings([]string{"a1", "a2", "a3"}[round:]...)
			},
			attempts: 2,
			reason:   "max fix rounds (2) reached with 1 blocking findings",
		},
		{
			name:     "effectiveness below floor",
			maxFix:   5,
			scan:     func(int) []pipeline.Finding { return openFindings("stuck") },
			attempts: 2,
			reason:   "fix effectiveness below 30% for 2 consecutive rounds",
		},
		{
			// Each fix resolves one finding and reopens the other.
			name:   "regression above ceiling",
			maxFix: 5,
			scan: func(round int) []pipeline.Finding {
				if round%2 == 0 {
					return openFindings("flip")
				}
				return openFindings("flop")
			},
			attempts: 2,
			reason:   "regression rate above 25% for 2 consecutive rounds",
		},
		{
			name:   "budget exhausted",
			maxFix: 5,
			budget: ptr(1.0),
			setup: func(env *testEnv) {
				env.decomposer.dec.Cost = 0.5
				env.workers.set("api", workerBehavior{cost: 0.25})
			},
			scan:     func(int) []pipeline.Finding { return openFindings("stuck") },
			attempts: 1,
			reason:   "budget exhausted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTest(t, func(cfg *config.Config) { cfg.Pipeline.MaxFixRounds = tt.maxFix })
			if tt.setup != nil {
				tt.setup(env)
			}
			env.gate.script = func(req fixpass.ScanRequest) *pipeline.QualitySnapshot {
				return &pipeline.QualitySnapshot{Round: req.Round, Findings: tt.scan(req.Round)}
			}
			ps := env.create(t, tt.budget)

			got, err := env.orch.Run(context.Background(), ps.PipelineID)
			if err == nil {
				t.Fatal("expected the fix loop to fail the pipeline")
			}
			var be *cost.BudgetExceededError
			if errors.As(err, &be) {
				t.Fatalf("loop should stop before the budget is exceeded: %v", err)
			}
			if got.CurrentState != string(phase.Failed) || got.PreviousState != string(phase.QualityGate) {
				t.Fatalf("expected failure from quality_gate, got %s from %s", got.CurrentState, got.PreviousState)
			}
			if got.QualityAttempts != tt.attempts {
				t.Errorf("expected %d fix rounds, got %d", tt.attempts, got.QualityAttempts)
			}
			if got.FixLoop.StopReason != tt.reason {
				t.Errorf("stop reason = %q, want %q", got.FixLoop.StopReason, tt.reason)
			}
			if !strings.Contains(got.FailureReason, "fix loop stopped: "+tt.reason) {
				t.Errorf("failure reason %q does not name the stop", got.FailureReason)
			}
			if n := env.workers.count(pipeline.ModeFix); n != tt.attempts {
				t.Errorf("expected %d fix launches, got %d", tt.attempts, n)
			}

			loaded, err := env.store.Load(ps.PipelineID)
			if err != nil {
				t.Fatal(err)
			}
			if loaded.CurrentState != string(phase.Failed) || loaded.FailureReason != got.FailureReason {
				t.Errorf("persisted state %s / %q", loaded.CurrentState, loaded.FailureReason)
			}
		})
	}
}

// --- Requirement ---

func TestRun_RequirementChanged(t *testing.T) {
	env := setupTest(t, nil)
	ps := env.create(t, nil)
	if err := os.WriteFile(env.reqPath, []byte("something else entirely\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := env.orch.Run(context.Background(), ps.PipelineID)
	var pe *PhaseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PhaseError, got %v", err)
	}
	if !strings.Contains(got.FailureReason, "changed since the pipeline was created") {
		t.Errorf("unexpected reason %q", got.FailureReason)
	}
}

// --- Abort / Resume ---

func TestAbort(t *testing.T) {
	env := setupTest(t, nil)
	ps := env.create(t, nil)
	ctx := context.Background()

	got, err := env.orch.Abort(ctx, ps.PipelineID, "")
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if got.CurrentState != string(phase.Failed) || got.FailureReason != "aborted by operator" {
		t.Errorf("unexpected state %s / %q", got.CurrentState, got.FailureReason)
	}
	if env.journal.count("failed") != 1 {
		t.Error("expected a failed event in the journal")
	}

	if _, err := env.orch.Run(ctx, ps.PipelineID); err == nil || !strings.Contains(err.Error(), "already failed") {
		t.Errorf("expected run to refuse a failed pipeline, got %v", err)
	}
	if _, err := env.orch.Resume(ctx, ps.PipelineID, ResumeOpts{}); err == nil || !strings.Contains(err.Error(), "retry") {
		t.Errorf("expected resume without retry to refuse, got %v", err)
	}
	if _, err := env.orch.Abort(ctx, ps.PipelineID, "again"); err == nil {
		t.Error("expected abort of a failed pipeline to error")
	}
}

func TestResume_RetryAfterFailure(t *testing.T) {
	env := setupTest(t, func(cfg *config.Config) { cfg.Pipeline.MinBuilderSuccesses = 2 })
	env.workers.set("web", workerBehavior{fail: true})
	env.workers.set("worker", workerBehavior{fail: true})
	ps := env.create(t, nil)
	ctx := context.Background()

	got, err := env.orch.Run(ctx, ps.PipelineID)
	if err == nil || got.CurrentState != string(phase.Failed) {
		t.Fatalf("expected failure, got %s (%v)", got.CurrentState, err)
	}

	env.workers.set("web", workerBehavior{})
	got, err = env.orch.Resume(ctx, ps.PipelineID, ResumeOpts{Retry: true})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.CurrentState != string(phase.Complete) {
		t.Fatalf("expected complete, got %s", got.CurrentState)
	}
	if got.FailureReason != "" {
		t.Errorf("failure reason should be cleared, got %q", got.FailureReason)
	}
	// 3 initial builds, then only web and worker again.
	if n := env.workers.count(pipeline.ModeBuild); n != 5 {
		t.Errorf("expected 5 build launches, got %d", n)
	}
	if got.SuccessfulBuilders() != 2 {
		t.Errorf("expected 2 successful builders, got %d", got.SuccessfulBuilders())
	}
}

func TestResume_Complete(t *testing.T) {
	env := setupTest(t, nil)
	ps := env.create(t, nil)
	ctx := context.Background()
	if _, err := env.orch.Run(ctx, ps.PipelineID); err != nil {
		t.Fatal(err)
	}
	got, err := env.orch.Resume(ctx, ps.PipelineID, ResumeOpts{})
	if err != nil {
		t.Fatalf("resume of a complete pipeline: %v", err)
	}
	if got.CurrentState != string(phase.Complete) {
		t.Errorf("expected complete, got %s", got.CurrentState)
	}
	if env.decomposer.count() != 1 {
		t.Error("resume of a complete pipeline should not run anything")
	}
}

// TestResume_FromEachState seeds a pipeline at every non-terminal state and
// checks that resuming re-runs only the work that state implies.
func TestResume_FromEachState(t *testing.T) {
	succeeded := func(ids ...string) map[string]pipeline.BuilderResult {
		m := map[string]pipeline.BuilderResult{}
		for _, id := range ids {
			m[id] = pipeline.BuilderResult{ServiceID: id, Success: true, Mode: pipeline.ModeBuild}
		}
		return m
	}
	blocking := &pipeline.QualitySnapshot{Round: 0, Findings: []pipeline.Finding{{
		ID: "f1", Priority: pipeline.P1, System: "api", Layer: "lint", Category: "security",
		Resolution: pipeline.ResolutionOpen,
	}}}

	tests := []struct {
		state      phase.State
		seed       func(ps *pipeline.PipelineState)
		decomposes int
		builds     int
		integrates int
		fixes      int
	}{
		{phase.Init, nil, 1, 3, 1, 0},
		{phase.ArchitectRunning, nil, 1, 3, 1, 0},
		{phase.ArchitectReview, func(ps *pipeline.PipelineState) {
			ps.Services = testServices()
		}, 0, 3, 1, 0},
		{phase.ContractsRegistering, func(ps *pipeline.PipelineState) {
			ps.Services = testServices()
			ps.ArchitectureValid = true
			ps.CompletedPhases = []string{phase.PhaseArchitect}
		}, 0, 3, 1, 0},
		{phase.BuildersRunning, func(ps *pipeline.PipelineState) {
			ps.Services = testServices()
			ps.ArchitectureValid = true
			ps.CompletedPhases = []string{phase.PhaseArchitect, phase.PhaseContracts}
			ps.BuilderResults = succeeded("api")
		}, 0, 2, 1, 0},
		{phase.BuildersComplete, func(ps *pipeline.PipelineState) {
			ps.Services = testServices()
			ps.ArchitectureValid = true
			ps.CompletedPhases = []string{phase.PhaseArchitect, phase.PhaseContracts, phase.PhaseBuilders}
			ps.BuilderResults = succeeded("api", "web", "worker")
		}, 0, 0, 1, 0},
		{phase.Integrating, func(ps *pipeline.PipelineState) {
			ps.Services = testServices()
			ps.ArchitectureValid = true
			ps.CompletedPhases = []string{phase.PhaseArchitect, phase.PhaseContracts, phase.PhaseBuilders}
			ps.BuilderResults = succeeded("api", "web", "worker")
		}, 0, 0, 1, 0},
		{phase.QualityGate, func(ps *pipeline.PipelineState) {
			ps.Services = testServices()
			ps.ArchitectureValid = true
			ps.CompletedPhases = []string{phase.PhaseArchitect, phase.PhaseContracts, phase.PhaseBuilders, phase.PhaseIntegration}
			ps.BuilderResults = succeeded("api", "web", "worker")
			ps.IntegrationReport = &pipeline.IntegrationReport{Passed: true}
		}, 0, 0, 0, 0},
		{phase.FixPass, func(ps *pipeline.PipelineState) {
			ps.Services = testServices()
			ps.ArchitectureValid = true
			ps.CompletedPhases = []string{phase.PhaseArchitect, phase.PhaseContracts, phase.PhaseBuilders, phase.PhaseIntegration}
			ps.BuilderResults = succeeded("api", "web", "worker")
			ps.IntegrationReport = &pipeline.IntegrationReport{Passed: true}
			ps.LastQualityResults = blocking
		}, 0, 0, 0, 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			env := setupTest(t, nil)
			ps := env.create(t, nil)
			if err := env.store.Update(ps.PipelineID, func(ps *pipeline.PipelineState) {
				ps.CurrentState = string(tt.state)
				ps.Interrupted = true
				ps.InterruptReason = "received interrupt"
				if tt.seed != nil {
					tt.seed(ps)
				}
			}); err != nil {
				t.Fatal(err)
			}

			got, err := env.orch.Resume(context.Background(), ps.PipelineID, ResumeOpts{})
			if err != nil {
				t.Fatalf("resume: %v", err)
			}
			if got.CurrentState != string(phase.Complete) {
				t.Fatalf("expected complete, got %s (%s)", got.CurrentState, got.FailureReason)
			}
			if got.Interrupted || got.InterruptReason != "" {
				t.Error("interrupted flag should be cleared")
			}
			if !phase.IsPrefix(got.CompletedPhases) || len(got.CompletedPhases) != len(phase.PhaseOrder()) {
				t.Errorf("unexpected completed phases %v", got.CompletedPhases)
			}
			if n := env.decomposer.count(); n != tt.decomposes {
				t.Errorf("decomposer calls = %d, want %d", n, tt.decomposes)
			}
			if n := env.workers.count(pipeline.ModeBuild); n != tt.builds {
				t.Errorf("build launches = %d, want %d", n, tt.builds)
			}
			if n := env.integrator.count(); n != tt.integrates {
				t.Errorf("integrations = %d, want %d", n, tt.integrates)
			}
			if n := env.workers.count(pipeline.ModeFix); n != tt.fixes {
				t.Errorf("fix launches = %d, want %d", n, tt.fixes)
			}
			if env.journal.count("resumed") != 1 {
				t.Error("expected a resumed event")
			}
		})
	}
}

func TestList(t *testing.T) {
	env := setupTest(t, nil)
	env.create(t, nil)
	env.create(t, nil)
	all, err := env.orch.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 pipelines, got %d", len(all))
	}
}
