package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/agentfactory/internal/config"
)

// ErrInterrupted is returned when a run stops because of a shutdown request.
// The pipeline is left resumable in its current state.
var ErrInterrupted = errors.New("pipeline interrupted")

// ConfigError reports a missing collaborator or an invalid configuration. It
// is fatal and never retried.
type ConfigError struct {
	Problems []config.ValidationError
}

func (e *ConfigError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Error())
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

func configError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Problems: []config.ValidationError{{Field: field, Message: fmt.Sprintf(format, args...)}}}
}

// PhaseError is a failure inside a phase handler. Recoverable failures are
// folded into state and left to the transition guards; the rest fail the
// pipeline.
type PhaseError struct {
	Phase       string
	Err         error
	Recoverable bool
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// PhaseTimeoutError reports a phase that did not finish within its limit.
type PhaseTimeoutError struct {
	Phase   string
	Timeout time.Duration
}

func (e *PhaseTimeoutError) Error() string {
	return fmt.Sprintf("phase %s timed out after %s", e.Phase, e.Timeout)
}
