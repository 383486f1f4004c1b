// Package reward scores circuit observations against a fixed reference
// point. Rewards are relative-improvement sums: positive when the
// observed figures of merit beat the reference, negative when they
// regress, and a large sentinel penalty when simulation failed outright.
package reward

import (
	"math"
	"sync"
)

// DefaultSentinel is the reward assigned to a failed evaluation. It
// must dominate any achievable improvement so the optimizer learns to
// avoid the failing region instead of exploiting it.
const DefaultSentinel = -1000.0

// DefaultClip bounds each per-metric normalized term.
const DefaultClip = 10.0

// PPA is one observation of the three figures of merit.
type PPA struct {
	Delay float64
	Power float64
	Area  float64
}

// Weights scale the per-metric contributions. Zero-value weights score
// everything as zero, so callers normally start from DefaultWeights.
type Weights struct {
	Delay float64
	Power float64
	Area  float64
}

// DefaultWeights treats the three metrics equally.
func DefaultWeights() Weights {
	return Weights{Delay: 1, Power: 1, Area: 1}
}

// Model computes rewards against a reference fixed once per run. It is
// safe for concurrent use.
type Model struct {
	weights  Weights
	sentinel float64
	clip     float64

	mu     sync.Mutex
	ref    PPA
	refSet bool
}

// NewModel returns a model with no reference yet.
func NewModel(w Weights) *Model {
	return &Model{weights: w, sentinel: DefaultSentinel, clip: DefaultClip}
}

// SetSentinel overrides the failure penalty.
func (m *Model) SetSentinel(v float64) { m.sentinel = v }

// Sentinel returns the failure penalty.
func (m *Model) Sentinel() float64 { return m.sentinel }

// SetClip overrides the per-term clipping bound.
func (m *Model) SetClip(v float64) { m.clip = v }

// SetReference fixes the reference point. Only the first call per run
// takes effect; later calls are ignored so that every reward in a run
// is comparable against the same baseline.
func (m *Model) SetReference(ref PPA) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refSet {
		return
	}
	m.ref = ref
	m.refSet = true
}

// HasReference reports whether the reference has been fixed.
func (m *Model) HasReference() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refSet
}

// Reference returns the fixed reference point (zero PPA before SetReference).
func (m *Model) Reference() PPA {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ref
}

// Reset clears the reference for a new run.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ref = PPA{}
	m.refSet = false
}

// Compute scores one observation. With no reference fixed yet the
// observation itself becomes the reference and scores zero. Smaller is
// better for all three metrics, so each term is (ref-obs)/ref: positive
// when the observation improved on the reference.
func (m *Model) Compute(obs PPA) float64 {
	m.mu.Lock()
	if !m.refSet {
		m.ref = obs
		m.refSet = true
	}
	ref := m.ref
	m.mu.Unlock()

	return m.weights.Delay*m.term(ref.Delay, obs.Delay) +
		m.weights.Power*m.term(ref.Power, obs.Power) +
		m.weights.Area*m.term(ref.Area, obs.Area)
}

// Failure returns the sentinel penalty for a failed evaluation.
func (m *Model) Failure() float64 { return m.sentinel }

// term is one normalized, clipped improvement. A zero reference makes
// the ratio meaningless, so that term contributes nothing.
func (m *Model) term(ref, obs float64) float64 {
	if ref == 0 {
		return 0
	}
	v := (ref - obs) / math.Abs(ref)
	if v > m.clip {
		return m.clip
	}
	if v < -m.clip {
		return -m.clip
	}
	return v
}
