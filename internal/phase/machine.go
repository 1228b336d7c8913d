// Package phase declares the pipeline state graph: states, triggers, guards
// and the resume table used to re-enter a pipeline after a restart.
package phase

import (
	"fmt"
	"slices"
	"strings"

	"github.com/lucasnoah/agentfactory/internal/pipeline"
)

// State is a pipeline state.
type State string

const (
	Init                 State = "init"
	ArchitectRunning     State = "architect_running"
	ArchitectReview      State = "architect_review"
	ContractsRegistering State = "contracts_registering"
	BuildersRunning      State = "builders_running"
	BuildersComplete     State = "builders_complete"
	Integrating          State = "integrating"
	QualityGate          State = "quality_gate"
	FixPass              State = "fix_pass"
	Complete             State = "complete"
	Failed               State = "failed"
)

// Trigger names an edge of the state graph.
type Trigger string

const (
	StartArchitect      Trigger = "start_architect"
	ArchitectDone       Trigger = "architect_done"
	RetryArchitect      Trigger = "retry_architect"
	ApproveArchitecture Trigger = "approve_architecture"
	ContractsReady      Trigger = "contracts_ready"
	SkipContracts       Trigger = "skip_contracts"
	BuildersDone        Trigger = "builders_done"
	StartIntegration    Trigger = "start_integration"
	IntegrationDone     Trigger = "integration_done"
	QualityPassed       Trigger = "quality_passed"
	QualityFailed       Trigger = "quality_failed"
	FixDone             Trigger = "fix_done"
	Fail                Trigger = "fail"
)

// Canonical phase names, in the only order they can complete.
const (
	PhaseArchitect   = "architect"
	PhaseContracts   = "contracts"
	PhaseBuilders    = "builders"
	PhaseIntegration = "integration"
	PhaseQuality     = "quality"
)

var phaseOrder = []string{PhaseArchitect, PhaseContracts, PhaseBuilders, PhaseIntegration, PhaseQuality}

var allStates = []State{
	Init, ArchitectRunning, ArchitectReview, ContractsRegistering, BuildersRunning,
	BuildersComplete, Integrating, QualityGate, FixPass, Complete, Failed,
}

// Guard returns nil when the transition may fire, or an error explaining why not.
// Guards must not mutate the state they inspect.
type Guard func(ps *pipeline.PipelineState) error

// Edge is a declared transition.
type Edge struct {
	Trigger Trigger
	From    State
	To      State
	Guard   Guard
	// Completes is the phase recorded in completed_phases when the edge fires.
	Completes string
}

// edges is ordered: for a given source state, Resolve picks the first edge whose
// guard holds.
var edges = []Edge{
	{StartArchitect, Init, ArchitectRunning, requirementLoaded, ""},
	{ArchitectDone, ArchitectRunning, ArchitectReview, serviceMapProduced, ""},
	{RetryArchitect, ArchitectRunning, ArchitectRunning, architectRetriesRemain, ""},
	{ApproveArchitecture, ArchitectReview, ContractsRegistering, architectureValid, PhaseArchitect},
	{ContractsReady, ContractsRegistering, BuildersRunning, contractsValid, PhaseContracts},
	{SkipContracts, ContractsRegistering, BuildersRunning, noContractsRequired, PhaseContracts},
	{BuildersDone, BuildersRunning, BuildersComplete, enoughBuildersSucceeded, PhaseBuilders},
	{StartIntegration, BuildersComplete, Integrating, successfulBuildExists, ""},
	{IntegrationDone, Integrating, QualityGate, integrationRan, PhaseIntegration},
	{QualityPassed, QualityGate, Complete, qualityAccepted, PhaseQuality},
	{QualityFailed, QualityGate, FixPass, blockingViolationsExist, ""},
	{FixDone, FixPass, QualityGate, fixRoundRecorded, ""},
}

// resumeTable maps each non-terminal state to the trigger whose phase runs next.
var resumeTable = map[State]Trigger{
	Init:                 StartArchitect,
	ArchitectRunning:     ArchitectDone,
	ArchitectReview:      ApproveArchitecture,
	ContractsRegistering: ContractsReady,
	BuildersRunning:      BuildersDone,
	BuildersComplete:     StartIntegration,
	Integrating:          IntegrationDone,
	QualityGate:          QualityPassed,
	FixPass:              FixDone,
}

// States returns every declared state.
func States() []State {
	return slices.Clone(allStates)
}

// PhaseOrder returns the canonical phase order.
func PhaseOrder() []string {
	return slices.Clone(phaseOrder)
}

// Edges returns the declared edges, excluding the implicit fail edge.
func Edges() []Edge {
	return slices.Clone(edges)
}

// Valid reports whether s is a declared state.
func Valid(s State) bool {
	return slices.Contains(allStates, s)
}

// IsTerminal reports whether s is complete or failed.
func IsTerminal(s State) bool {
	return s == Complete || s == Failed
}

// ResumeTrigger returns the trigger whose phase should run next from s.
func ResumeTrigger(s State) (Trigger, bool) {
	t, ok := resumeTable[s]
	return t, ok
}

// TransitionError is returned by Fire for an undeclared or guarded-off transition.
type TransitionError struct {
	Trigger Trigger
	From    State
	Reason  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition %s from %s rejected: %s", e.Trigger, e.From, e.Reason)
}

// GuardError is returned by Resolve when no edge out of a state may fire.
type GuardError struct {
	State   State
	Reasons map[Trigger]string
}

func (e *GuardError) Error() string {
	parts := make([]string, 0, len(e.Reasons))
	for _, edge := range edges {
		if r, ok := e.Reasons[edge.Trigger]; ok && edge.From == e.State {
			parts = append(parts, fmt.Sprintf("%s: %s", edge.Trigger, r))
		}
	}
	return fmt.Sprintf("no transition out of %s: %s", e.State, strings.Join(parts, "; "))
}

func lookup(from State, t Trigger) (Edge, bool) {
	for _, e := range edges {
		if e.From == from && e.Trigger == t {
			return e, true
		}
	}
	return Edge{}, false
}

// Check reports whether trigger t may fire from the state's current state,
// without changing anything.
func Check(ps *pipeline.PipelineState, t Trigger) error {
	from := State(ps.CurrentState)
	if !Valid(from) {
		return &TransitionError{Trigger: t, From: from, Reason: "unknown state"}
	}
	if IsTerminal(from) {
		return &TransitionError{Trigger: t, From: from, Reason: "state is terminal"}
	}
	if t == Fail {
		return nil
	}
	e, ok := lookup(from, t)
	if !ok {
		return &TransitionError{Trigger: t, From: from, Reason: "no such edge"}
	}
	if err := e.Guard(ps); err != nil {
		return &TransitionError{Trigger: t, From: from, Reason: err.Error()}
	}
	return nil
}

// Fire applies trigger t to ps. An illegal transition returns an error and
// leaves ps untouched.
func Fire(ps *pipeline.PipelineState, t Trigger) error {
	if err := Check(ps, t); err != nil {
		return err
	}
	from := State(ps.CurrentState)
	to := Failed
	completes := ""
	if t != Fail {
		e, _ := lookup(from, t)
		to = e.To
		completes = e.Completes
	}
	ps.PreviousState = string(from)
	ps.CurrentState = string(to)
	if completes != "" {
		markCompleted(ps, completes)
	}
	return nil
}

// Resolve returns the first edge out of the current state whose guard holds.
func Resolve(ps *pipeline.PipelineState) (Trigger, error) {
	from := State(ps.CurrentState)
	if IsTerminal(from) {
		return "", &TransitionError{From: from, Reason: "state is terminal"}
	}
	reasons := map[Trigger]string{}
	for _, e := range edges {
		if e.From != from {
			continue
		}
		err := e.Guard(ps)
		if err == nil {
			return e.Trigger, nil
		}
		reasons[e.Trigger] = err.Error()
	}
	return "", &GuardError{State: from, Reasons: reasons}
}

// markCompleted appends phase only when it is the next phase in canonical order,
// keeping completed_phases a prefix of that order.
func markCompleted(ps *pipeline.PipelineState, phase string) {
	n := len(ps.CompletedPhases)
	if n < len(phaseOrder) && phaseOrder[n] == phase {
		ps.CompletedPhases = append(ps.CompletedPhases, phase)
	}
}

// IsPrefix reports whether completed is a prefix of the canonical phase order.
func IsPrefix(completed []string) bool {
	if len(completed) > len(phaseOrder) {
		return false
	}
	for i, p := range completed {
		if phaseOrder[i] != p {
			return false
		}
	}
	return true
}
