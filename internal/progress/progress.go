package progress

import (
	"math"
	"sync"
)

// The backend reports no reliable completion percentage, so the
// estimator fakes liveness: a small starting value, a one-point nudge
// per content-bearing record capped short of full, and a hard override
// whenever the push channel supplies a real fraction.
const (
	startValue = 1
	pulseSeed  = 5
	pulseStep  = 1
	pulseCap   = 95
)

// Estimator derives the displayed 0-100 progress value. A nil value
// means the indicator is hidden. Safe for concurrent use.
type Estimator struct {
	mu    sync.Mutex
	value int
	set   bool
}

// NewEstimator creates a stopped estimator
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Start shows the indicator at a small nonzero value if it is unset.
func (e *Estimator) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		e.value = startValue
		e.set = true
	}
}

// Pulse nudges the value upward, capped below 100.
func (e *Estimator) Pulse() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		e.value = pulseSeed
		e.set = true
		return
	}
	// An exact value at or above the cap is never walked back.
	if e.value >= pulseCap {
		return
	}
	e.value += pulseStep
	if e.value > pulseCap {
		e.value = pulseCap
	}
}

// SetExact overrides the heuristic with a true 0-1 fraction from the
// push channel. Exact values may move in either direction.
func (e *Estimator) SetExact(fraction float64) {
	pct := int(math.Round(fraction * 100))
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = pct
	e.set = true
}

// Stop hides the indicator until the next Start.
func (e *Estimator) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = 0
	e.set = false
}

// Value returns the current percentage and whether the indicator is
// visible.
func (e *Estimator) Value() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.set
}
