package budget

import (
	"sync/atomic"
	"time"

	"github.com/meridian-research/meridian/internal/models"
)

// Tracker counts consumption against one run's budget. It is checked at
// every stage transition so a run stops adding work the moment any axis
// is exhausted. Safe for concurrent use by fan-out workers.
type Tracker struct {
	budget models.Budget
	start  time.Time

	iterations atomic.Int64
	sources    atomic.Int64

	now func() time.Time
}

// NewTracker starts tracking against budget from now.
func NewTracker(budget models.Budget) *Tracker {
	t := &Tracker{budget: budget, now: time.Now}
	t.start = t.now()
	return t
}

// Budget returns the immutable budget under tracking.
func (t *Tracker) Budget() models.Budget { return t.budget }

// BeginIteration consumes one search/verify iteration, reporting whether
// the budget still allows it. A denied attempt consumes nothing, so
// Iterations never overcounts the rounds that actually ran.
func (t *Tracker) BeginIteration() bool {
	for {
		n := t.iterations.Load()
		if int(n) >= t.budget.MaxIterations {
			return false
		}
		if t.iterations.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Iterations returns how many iterations have started.
func (t *Tracker) Iterations() int { return int(t.iterations.Load()) }

// SourceSlots reports how many accepted-source slots remain.
func (t *Tracker) SourceSlots() int {
	remaining := t.budget.MaxSources - int(t.sources.Load())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AddSources records n newly accepted sources.
func (t *Tracker) AddSources(n int) {
	t.sources.Add(int64(n))
}

// RemoveSources records n evicted sources, freeing their slots.
func (t *Tracker) RemoveSources(n int) {
	t.sources.Add(int64(-n))
}

// Elapsed is the wall time consumed so far.
func (t *Tracker) Elapsed() time.Duration { return t.now().Sub(t.start) }

// Exhausted reports whether any budget axis has run out.
func (t *Tracker) Exhausted() bool {
	if int(t.iterations.Load()) >= t.budget.MaxIterations && int(t.sources.Load()) >= t.budget.MaxSources {
		return true
	}
	return t.budget.MaxWallTime > 0 && t.Elapsed() >= t.budget.MaxWallTime
}

// TimeExhausted reports whether the wall-time axis alone has run out.
func (t *Tracker) TimeExhausted() bool {
	return t.budget.MaxWallTime > 0 && t.Elapsed() >= t.budget.MaxWallTime
}
