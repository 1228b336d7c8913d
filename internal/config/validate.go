package config

import (
	"fmt"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// RecognizedParsers is the set of valid quality-layer parser names.
var RecognizedParsers = map[string]bool{
	"generic":       true,
	"findings-json": true,
	"npm-audit":     true,
	"vitest":        true,
	"eslint":        true,
}

var depths = map[string]bool{
	DepthQuick:      true,
	DepthStandard:   true,
	DepthThorough:   true,
	DepthExhaustive: true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	p := cfg.Pipeline

	if p.MaxConcurrentBuilders < 1 {
		add("pipeline.max_concurrent_builders", "must be at least 1, got %d", p.MaxConcurrentBuilders)
	}
	if p.MaxFixRounds < 1 {
		add("pipeline.max_fix_rounds", "must be at least 1, got %d", p.MaxFixRounds)
	}
	if p.FixEffectivenessFloor < 0 || p.FixEffectivenessFloor > 1 {
		add("pipeline.fix_effectiveness_floor", "must be within [0,1], got %g", p.FixEffectivenessFloor)
	}
	if p.RegressionRateCeiling < 0 || p.RegressionRateCeiling > 1 {
		add("pipeline.regression_rate_ceiling", "must be within [0,1], got %g", p.RegressionRateCeiling)
	}
	if p.Budget != nil && *p.Budget < 0 {
		add("pipeline.budget", "must not be negative, got %g", *p.Budget)
	}
	if !depths[p.Depth] {
		add("pipeline.depth", "unrecognized depth %q (want quick, standard, thorough or exhaustive)", p.Depth)
	}
	if p.MinBuilderSuccesses < 1 {
		add("pipeline.min_builder_successes", "must be at least 1, got %d", p.MinBuilderSuccesses)
	}
	if p.ArchitectMaxRetries < 0 {
		add("pipeline.architect_max_retries", "must not be negative, got %d", p.ArchitectMaxRetries)
	}
	if p.SoftAcceptMinScore < 0 || p.SoftAcceptMinScore > 100 {
		add("pipeline.soft_accept_min_score", "must be within [0,100], got %g", p.SoftAcceptMinScore)
	}

	for _, d := range []struct{ field, value string }{
		{"pipeline.builder_timeout", p.BuilderTimeout},
		{"pipeline.grace_period", p.GracePeriod},
		{"pipeline.phase_timeouts.architect", p.PhaseTimeouts.Architect},
		{"pipeline.phase_timeouts.contracts", p.PhaseTimeouts.Contracts},
		{"pipeline.phase_timeouts.integration", p.PhaseTimeouts.Integration},
		{"pipeline.phase_timeouts.quality", p.PhaseTimeouts.Quality},
		{"decomposer.backoff", cfg.Decomposer.Backoff},
		{"contracts.timeout", cfg.Contracts.Timeout},
		{"integration.health_timeout", cfg.Integration.HealthTimeout},
	} {
		validateDuration(d.field, d.value, &errs)
	}

	if len(cfg.Builder.Command) == 0 || cfg.Builder.Command[0] == "" {
		add("builder.command", "is required")
	}
	if cfg.Integration.HealthRPS <= 0 {
		add("integration.health_rps", "must be positive, got %g", cfg.Integration.HealthRPS)
	}

	names := map[string]bool{}
	for i, l := range cfg.Quality.Layers {
		prefix := fmt.Sprintf("quality.layers[%d]", i)
		if l.Name == "" {
			add(prefix+".name", "is required")
		} else if names[l.Name] {
			add(prefix+".name", "duplicate layer name %q", l.Name)
		}
		names[l.Name] = true
		if l.Command == "" {
			add(prefix+".command", "is required")
		}
		if !RecognizedParsers[l.Parser] {
			add(prefix+".parser", "unrecognized parser %q", l.Parser)
		}
		validateDuration(prefix+".timeout", l.Timeout, &errs)
	}

	if cfg.StateDir == "" {
		add("state_dir", "is required")
	}
	switch cfg.Log.Format {
	case "json", "console":
	default:
		add("log.format", "must be json or console, got %q", cfg.Log.Format)
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", "unrecognized level %q", cfg.Log.Level)
	}

	return errs
}

func validateDuration(field, v string, errs *[]ValidationError) {
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid duration %q", v)})
		return
	}
	if d <= 0 {
		*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("must be positive, got %s", v)})
	}
}
