package pipeline

import "encoding/json"

// SchemaVersion is the on-disk version of pipeline.json. Load rejects any other value.
const SchemaVersion = 1

// PipelineState is the persisted state of a single pipeline run.
type PipelineState struct {
	SchemaVersion     int    `json:"schema_version"`
	PipelineID        string `json:"pipeline_id"`
	RequirementPath   string `json:"requirement_path"`
	RequirementDigest string `json:"requirement_digest"`
	OutputDir         string `json:"output_dir"`
	Depth             string `json:"depth"`

	CurrentState    string   `json:"current_state"`
	PreviousState   string   `json:"previous_state"`
	CompletedPhases []string `json:"completed_phases"`

	BudgetLimit *float64           `json:"budget_limit,omitempty"`
	TotalCost   float64            `json:"total_cost"`
	PhaseCosts  map[string]float64 `json:"phase_costs"`

	Limits Limits `json:"limits"`

	Services           []ServiceInfo     `json:"services"`
	DomainModel        map[string]string `json:"domain_model,omitempty"`
	ContractStubs      []ContractStub    `json:"contract_stubs"`
	Contracts          []ContractRecord  `json:"contracts"`
	ArchitectAttempts  int               `json:"architect_attempts"`
	ArchitectureValid  bool              `json:"architecture_valid"`
	ArchitectureIssues []string          `json:"architecture_issues,omitempty"`

	BuilderResults    map[string]BuilderResult `json:"builder_results"`
	IntegrationReport *IntegrationReport       `json:"integration_report,omitempty"`

	QualityAttempts    int              `json:"quality_attempts"`
	LastQualityResults *QualitySnapshot `json:"last_quality_results,omitempty"`
	FixLoop            FixLoopState     `json:"fix_loop"`

	Interrupted     bool   `json:"interrupted"`
	InterruptReason string `json:"interrupt_reason,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Limits snapshots the configuration values that transition guards depend on.
type Limits struct {
	MinBuilderSuccesses   int     `json:"min_builder_successes"`
	ArchitectMaxRetries   int     `json:"architect_max_retries"`
	MaxFixRounds          int     `json:"max_fix_rounds"`
	FixEffectivenessFloor float64 `json:"fix_effectiveness_floor"`
	RegressionRateCeiling float64 `json:"regression_rate_ceiling"`
	SoftAcceptMinScore    float64 `json:"soft_accept_min_score"`
}

// ServiceInfo is one entry of the service map produced by decomposition.
type ServiceInfo struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	TechStack   string `json:"tech_stack" yaml:"tech_stack"`
	Port        int    `json:"port,omitempty" yaml:"port"`
	HealthPath  string `json:"health_path,omitempty" yaml:"health_path"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// ContractStub is an API contract proposed by decomposition.
type ContractStub struct {
	Name    string `json:"name" yaml:"name" validate:"required"`
	Kind    string `json:"kind" yaml:"kind" validate:"required,oneof=openapi asyncapi"`
	Service string `json:"service" yaml:"service" validate:"required"`
	Spec    string `json:"spec" yaml:"spec" validate:"required"`
}

// ContractRecord is a stub after registration.
type ContractRecord struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Service      string   `json:"service"`
	Valid        bool     `json:"valid"`
	Errors       []string `json:"errors,omitempty"`
	Registry     string   `json:"registry"`
	RegisteredAt string   `json:"registered_at"`
}

// Builder modes.
const (
	ModeBuild = "build"
	ModeFix   = "fix"
)

// BuilderResult is the outcome of one builder worker run.
type BuilderResult struct {
	ServiceID        string  `json:"service_id"`
	Success          bool    `json:"success"`
	TestsPassed      int     `json:"tests_passed"`
	TestsTotal       int     `json:"tests_total"`
	ConvergenceRatio float64 `json:"convergence_ratio"`
	Cost             float64 `json:"cost"`
	Error            string  `json:"error,omitempty"`
	ExitCode         int     `json:"exit_code"`
	DurationMs       int64   `json:"duration_ms"`
	Mode             string  `json:"mode"`
	StartedAt        string  `json:"started_at,omitempty"`
	FinishedAt       string  `json:"finished_at,omitempty"`
}

// IntegrationReport is produced by the integration collaborator.
type IntegrationReport struct {
	Passed       bool                      `json:"passed"`
	Services     map[string]ServiceOutcome `json:"services"`
	CrossService []TestOutcome             `json:"cross_service,omitempty"`
	Cost         float64                   `json:"cost"`
	Notes        []string                  `json:"notes,omitempty"`
}

// ServiceOutcome is the per-service part of an integration report.
type ServiceOutcome struct {
	Healthy bool   `json:"healthy"`
	URL     string `json:"url,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TestOutcome is a single cross-service test result.
type TestOutcome struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Finding priorities.
const (
	P0 = "P0"
	P1 = "P1"
	P2 = "P2"
	P3 = "P3"
)

// Finding resolutions.
const (
	ResolutionOpen    = "OPEN"
	ResolutionFixed   = "FIXED"
	ResolutionWontFix = "WONTFIX"
)

// Finding is a single quality-gate issue.
type Finding struct {
	ID                string `json:"id"`
	Priority          string `json:"priority"`
	System            string `json:"system"`
	Layer             string `json:"layer"`
	Category          string `json:"category,omitempty"`
	Workaround        bool   `json:"workaround,omitempty"`
	Evidence          string `json:"evidence"`
	RecommendedAction string `json:"recommended_action,omitempty"`
	Resolution        string `json:"resolution"`
	DiscoveredRound   int    `json:"discovered_round"`
	ResolvedRound     int    `json:"resolved_round,omitempty"`
}

// LayerVerdict is the pass/fail verdict of one quality-gate layer.
type LayerVerdict struct {
	Passed   bool   `json:"passed"`
	Blocking bool   `json:"blocking"`
	Summary  string `json:"summary"`
	Findings int    `json:"findings"`
}

// QualitySnapshot is the outcome of one quality-gate scan.
type QualitySnapshot struct {
	Round    int                     `json:"round"`
	Passed   bool                    `json:"passed"`
	Layers   map[string]LayerVerdict `json:"layers"`
	Findings []Finding               `json:"findings"`
	Score    float64                 `json:"score"`
	Cost     float64                 `json:"cost"`
	TakenAt  string                  `json:"taken_at"`
}

// ConvergenceMetrics describes one fix-pass round.
type ConvergenceMetrics struct {
	Round                  int     `json:"round"`
	Attempted              int     `json:"attempted"`
	Resolved               int     `json:"resolved"`
	FixesApplied           int     `json:"fixes_applied"`
	NewViolations          int     `json:"new_violations"`
	FixEffectiveness       float64 `json:"fix_effectiveness"`
	RegressionRate         float64 `json:"regression_rate"`
	NewDefectDiscoveryRate float64 `json:"new_defect_discovery_rate"`
	ScoreBefore            float64 `json:"score_before"`
	ScoreAfter             float64 `json:"score_after"`
	ScoreDelta             float64 `json:"score_delta"`
	ConvergenceScore       float64 `json:"convergence_score"`
	Converged              bool    `json:"converged"`
}

// FixLoopState is the persisted state of the fix-pass loop.
type FixLoopState struct {
	InitialWeightedTotal float64              `json:"initial_weighted_total"`
	History              []ConvergenceMetrics `json:"history"`
	Accepted             bool                 `json:"accepted"`
	StopReason           string               `json:"stop_reason,omitempty"`
}

// MetricsHistoryLen is how many rounds of ConvergenceMetrics are kept in state.
const MetricsHistoryLen = 2

// RecordMetrics appends m and trims the history to MetricsHistoryLen.
func (f *FixLoopState) RecordMetrics(m ConvergenceMetrics) {
	f.History = append(f.History, m)
	if len(f.History) > MetricsHistoryLen {
		f.History = append([]ConvergenceMetrics(nil), f.History[len(f.History)-MetricsHistoryLen:]...)
	}
}

// SuccessfulBuilders returns the number of successful builder results.
func (ps *PipelineState) SuccessfulBuilders() int {
	n := 0
	for _, r := range ps.BuilderResults {
		if r.Success {
			n++
		}
	}
	return n
}

// HasService reports whether id is in the decomposed service map.
func (ps *PipelineState) HasService(id string) bool {
	for _, s := range ps.Services {
		if s.ID == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of ps. Collaborators receive clones, never the
// scheduler's own state.
func (ps *PipelineState) Clone() *PipelineState {
	data, err := json.Marshal(ps)
	if err != nil {
		panic("pipeline: marshal state: " + err.Error())
	}
	var out PipelineState
	if err := json.Unmarshal(data, &out); err != nil {
		panic("pipeline: unmarshal state: " + err.Error())
	}
	return &out
}
