package config

import "time"

// Config is the top-level configuration parsed from factory.yaml and FACTORY_* env vars.
type Config struct {
	Pipeline    Pipeline    `yaml:"pipeline"`
	Builder     Builder     `yaml:"builder"`
	Decomposer  Decomposer  `yaml:"decomposer"`
	Contracts   Contracts   `yaml:"contracts"`
	Integration Integration `yaml:"integration"`
	Quality     Quality     `yaml:"quality"`
	StateDir    string      `yaml:"state_dir"`
	DatabaseURL string      `yaml:"database_url"`
	NATS        NATS        `yaml:"nats"`
	Serve       Serve       `yaml:"serve"`
	Log         Log         `yaml:"log"`
	Tracing     Tracing     `yaml:"tracing"`
}

// Pipeline holds the knobs that gate the fleet and the fix-pass loop.
type Pipeline struct {
	MaxConcurrentBuilders int           `yaml:"max_concurrent_builders"`
	BuilderTimeout        string        `yaml:"builder_timeout"`
	GracePeriod           string        `yaml:"grace_period"`
	MaxFixRounds          int           `yaml:"max_fix_rounds"`
	FixEffectivenessFloor float64       `yaml:"fix_effectiveness_floor"`
	RegressionRateCeiling float64       `yaml:"regression_rate_ceiling"`
	Budget                *float64      `yaml:"budget"`
	Depth                 string        `yaml:"depth"`
	MinBuilderSuccesses   int           `yaml:"min_builder_successes"`
	ArchitectMaxRetries   int           `yaml:"architect_max_retries"`
	SoftAcceptMinScore    float64       `yaml:"soft_accept_min_score"`
	PhaseTimeouts         PhaseTimeouts `yaml:"phase_timeouts"`
	// TechStacks, when set, restricts the stacks decomposition may choose.
	TechStacks []string `yaml:"tech_stacks"`
}

// PhaseTimeouts bounds the collaborator-driven phases. Empty means no limit.
type PhaseTimeouts struct {
	Architect   string `yaml:"architect"`
	Contracts   string `yaml:"contracts"`
	Integration string `yaml:"integration"`
	Quality     string `yaml:"quality"`
}

// Builder describes how builder workers are launched.
type Builder struct {
	Command []string          `yaml:"command"`
	Env     map[string]string `yaml:"env"`
	GitInit bool              `yaml:"git_init"`
}

// Decomposer configures the decomposition collaborator.
type Decomposer struct {
	Command    string `yaml:"command"`
	ServiceMap string `yaml:"service_map"`
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
}

// Contracts configures the contract registry collaborator.
type Contracts struct {
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
}

// Integration configures the integration collaborator.
type Integration struct {
	Host          string  `yaml:"host"`
	DeployCommand string  `yaml:"deploy_command"`
	TestCommand   string  `yaml:"test_command"`
	HealthTimeout string  `yaml:"health_timeout"`
	HealthRPS     float64 `yaml:"health_rps"`
}

// Quality lists the quality-gate layers.
type Quality struct {
	Layers []Layer `yaml:"layers"`
}

// Layer is one quality-gate scan.
type Layer struct {
	Name     string `yaml:"name"`
	Command  string `yaml:"command"`
	Parser   string `yaml:"parser"`
	Timeout  string `yaml:"timeout"`
	Category string `yaml:"category"`
	Blocking *bool  `yaml:"blocking"`
	// PerService runs the command once in every service directory instead of
	// once in the output root.
	PerService bool `yaml:"per_service"`
}

// IsBlocking reports whether a failing layer blocks completion. Layers are blocking by default.
func (l Layer) IsBlocking() bool {
	return l.Blocking == nil || *l.Blocking
}

// NATS configures the lifecycle event publisher. An empty URL disables it.
type NATS struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Serve configures `factory serve`.
type Serve struct {
	Addr string `yaml:"addr"`
}

// Log configures zap.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Tracing configures the OpenTelemetry exporter.
type Tracing struct {
	Enabled bool `yaml:"enabled"`
}

// Execution depths.
const (
	DepthQuick      = "quick"
	DepthStandard   = "standard"
	DepthThorough   = "thorough"
	DepthExhaustive = "exhaustive"
)

// ParseDuration parses s, returning def when s is empty or invalid.
// Validate reports invalid values, so callers can rely on this after validation.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// BuilderTimeoutDuration returns the per-builder timeout.
func (p Pipeline) BuilderTimeoutDuration() time.Duration {
	return ParseDuration(p.BuilderTimeout, 30*time.Minute)
}

// GracePeriodDuration returns the shutdown and kill grace period.
func (p Pipeline) GracePeriodDuration() time.Duration {
	return ParseDuration(p.GracePeriod, 10*time.Second)
}
