package spice

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cellforge-eda/cellforge/internal/domain"
	"github.com/cellforge-eda/cellforge/internal/infra/netlist"
)

// ─── Mock Backend (for testing without ngspice) ─────────────────────────────
// Computes closed-form stand-ins for the builtin cells: the RC cutoff is
// exact (1/2πRC), the inverter PPA is a monotonic toy model — delay
// shrinks and leakage grows with transistor width, preserving the
// tradeoff the optimizer has to navigate.

// MockProvider opens mock backends. Hooks inject failures and latency.
type MockProvider struct {
	registry *netlist.Registry
	caps     Capabilities

	// RunHook, when set, runs before each simulated analysis; a non-nil
	// return is surfaced as that Run's error.
	RunHook func(b *MockBackend) error
	// RunDelay stalls each Run, for completion-order jitter tests.
	RunDelay func(b *MockBackend) time.Duration
	// DropMeasures hides named measures from extraction.
	DropMeasures map[string]bool

	mu     sync.Mutex
	opened int
}

// NewMockProvider returns a parallel-capable mock provider.
func NewMockProvider(reg *netlist.Registry) *MockProvider {
	return &MockProvider{registry: reg, caps: Capabilities{Parallel: true}}
}

// SetCapabilities overrides the advertised capabilities, letting tests
// exercise the pool's construction-time affinity check.
func (p *MockProvider) SetCapabilities(c Capabilities) { p.caps = c }

func (p *MockProvider) Capabilities() Capabilities { return p.caps }

// Opened reports how many backends have been constructed; restarts show
// up here.
func (p *MockProvider) Opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

func (p *MockProvider) Open(scope string) (Backend, error) {
	p.mu.Lock()
	p.opened++
	id := p.opened
	p.mu.Unlock()
	return &MockBackend{provider: p, scope: scope, id: id}, nil
}

// MockBackend implements Backend in memory.
type MockBackend struct {
	provider *MockProvider
	scope    string
	id       int

	tmpl    *netlist.Template
	params  map[string]float64
	results map[string]float64
	stops   int
	closed  bool
}

// Scope returns the isolation scope the backend was bound to.
func (b *MockBackend) Scope() string { return b.scope }

// ID returns the construction sequence number within the provider.
func (b *MockBackend) ID() int { return b.id }

// Stops returns how many times Stop has been called.
func (b *MockBackend) Stops() int { return b.stops }

func (b *MockBackend) Load(ref string) error {
	if b.closed {
		return domain.ErrBackendClosed
	}
	tmpl, err := b.provider.registry.Resolve(ref)
	if err != nil {
		return err
	}
	b.tmpl = tmpl
	b.params = make(map[string]float64)
	b.results = nil
	return nil
}

func (b *MockBackend) SetParameter(name string, value float64) error {
	if b.closed {
		return domain.ErrBackendClosed
	}
	if b.tmpl == nil {
		return domain.ErrLoadFailed
	}
	if !b.tmpl.Has(name) {
		return fmt.Errorf("set %q: %w", name, domain.ErrUnknownParameter)
	}
	b.params[name] = value
	return nil
}

func (b *MockBackend) Run(ctx context.Context) error {
	if b.closed {
		return domain.ErrBackendClosed
	}
	if b.tmpl == nil {
		return domain.ErrLoadFailed
	}

	if hook := b.provider.RunHook; hook != nil {
		if err := hook(b); err != nil {
			return err
		}
	}
	if delay := b.provider.RunDelay; delay != nil {
		select {
		case <-time.After(delay(b)):
		case <-ctx.Done():
			return domain.ErrRunTimeout
		}
	}

	p := b.effectiveParams()
	switch b.tmpl.Cell {
	case netlist.CellRCFilter:
		b.results = map[string]float64{
			"f_cutoff": 1.0 / (2 * math.Pi * p["Rval"] * p["Cval"]),
		}
	case netlist.CellInverter:
		b.results = inverterModel(p)
	default:
		// Unknown cells measure flat 1.0 for whatever they declare.
		b.results = make(map[string]float64, len(b.tmpl.Measures))
		for _, m := range b.tmpl.Measures {
			b.results[m] = 1.0
		}
	}
	return nil
}

func (b *MockBackend) GetMeasure(name string) (float64, error) {
	if b.closed {
		return 0, domain.ErrBackendClosed
	}
	if b.results == nil {
		return 0, fmt.Errorf("measure %q before run: %w", name, domain.ErrMeasureMissing)
	}
	if b.provider.DropMeasures[name] {
		return 0, fmt.Errorf("measure %q: %w", name, domain.ErrMeasureMissing)
	}
	v, ok := b.results[name]
	if !ok {
		return 0, fmt.Errorf("measure %q: %w", name, domain.ErrMeasureMissing)
	}
	return v, nil
}

func (b *MockBackend) Stop() {
	b.stops++
	b.closed = true
}

// effectiveParams merges staged parameters over template defaults.
func (b *MockBackend) effectiveParams() map[string]float64 {
	out := make(map[string]float64, len(b.tmpl.Defaults))
	for k, v := range b.tmpl.Defaults {
		out[k] = v
	}
	for k, v := range b.params {
		out[k] = v
	}
	return out
}

// inverterModel is the toy PPA model: delays inversely proportional to
// the driving width, leakage proportional to total width.
func inverterModel(p map[string]float64) map[string]float64 {
	wn, wp := p["wn"], p["wp"]
	vdd, lch := p["vdd"], p["lch"]

	tphl := 2.2e-11 * (lch / 0.15) * (0.42 / wn) * (1.8 / vdd)
	tplh := 2.2e-11 * (lch / 0.15) * (0.84 / wp) * (1.8 / vdd)
	ileak := 1e-12 * (wn + wp) / 1.26 * (vdd / 1.8)
	return map[string]float64{
		"tphl":    tphl,
		"tplh":    tplh,
		"tpavg":   (tphl + tplh) / 2,
		"ileak":   ileak,
		"pstatic": ileak * vdd,
	}
}
