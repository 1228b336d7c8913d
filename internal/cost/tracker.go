// Package cost accumulates pipeline spend per phase and enforces the budget ceiling.
package cost

import (
	"fmt"
	"maps"
	"sync"

	"github.com/lucasnoah/agentfactory/internal/pipeline"
)

// BudgetExceededError is raised when accumulated spend crosses the budget limit.
type BudgetExceededError struct {
	Spent float64
	Limit float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: spent $%.2f of $%.2f limit", e.Spent, e.Limit)
}

// Status is the outcome of a budget check.
type Status struct {
	Exceeded bool
	Total    float64
	Limit    *float64
	Reason   string
}

// Tracker accumulates spend. It is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	limit  *float64
	total  float64
	phases map[string]float64
}

// NewTracker returns a tracker with an optional budget limit.
func NewTracker(limit *float64) *Tracker {
	t := &Tracker{phases: map[string]float64{}}
	if limit != nil {
		l := *limit
		t.limit = &l
	}
	return t
}

// FromState seeds a tracker with the spend already recorded in ps.
func FromState(ps *pipeline.PipelineState) *Tracker {
	t := NewTracker(ps.BudgetLimit)
	t.total = ps.TotalCost
	maps.Copy(t.phases, ps.PhaseCosts)
	return t
}

// Add records amount against phase. Negative or zero amounts are ignored so
// the total never decreases.
func (t *Tracker) Add(phase string, amount float64) {
	if amount <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phases[phase] += amount
	t.total += amount
}

// Total returns the accumulated spend.
func (t *Tracker) Total() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// PhaseCosts returns a copy of the per-phase spend.
func (t *Tracker) PhaseCosts() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.phases)
}

// Remaining returns the unspent budget, or ok=false when there is no limit.
func (t *Tracker) Remaining() (remaining float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limit == nil {
		return 0, false
	}
	return *t.limit - t.total, true
}

// Check reports whether spend has crossed the limit. Callers must act on the
// result; Err is a shorthand that returns a *BudgetExceededError.
func (t *Tracker) Check() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Status{Total: t.total, Limit: t.limit}
	if t.limit == nil {
		st.Reason = fmt.Sprintf("spent $%.2f, no budget limit", t.total)
		return st
	}
	if t.total > *t.limit {
		st.Exceeded = true
		st.Reason = fmt.Sprintf("spent $%.2f exceeds budget limit $%.2f", t.total, *t.limit)
		return st
	}
	st.Reason = fmt.Sprintf("spent $%.2f of $%.2f budget", t.total, *t.limit)
	return st
}

// Err returns a *BudgetExceededError when the limit has been crossed, else nil.
func (t *Tracker) Err() error {
	st := t.Check()
	if !st.Exceeded {
		return nil
	}
	return &BudgetExceededError{Spent: st.Total, Limit: *st.Limit}
}

// Apply writes the tracker's totals into ps.
func (t *Tracker) Apply(ps *pipeline.PipelineState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps.TotalCost = t.total
	ps.PhaseCosts = maps.Clone(t.phases)
}
