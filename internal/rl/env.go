// Package rl adapts the simulation pipeline into a single-step episodic
// environment plus a small Gaussian policy trained with REINFORCE. One
// episode is exactly one simulation: reset fixes the reward reference,
// step evaluates one parameter vector and terminates.
package rl

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cellforge-eda/cellforge/internal/domain"
	"github.com/cellforge-eda/cellforge/internal/infra/pool"
	"github.com/cellforge-eda/cellforge/internal/reward"
)

// EnvState tracks the episode lifecycle.
type EnvState int

const (
	StateIdle EnvState = iota
	StateAwaitingOutcome
	StateTerminal
)

func (s EnvState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingOutcome:
		return "awaiting_outcome"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Bound describes one tunable parameter and its safe range. Actions
// outside the range are clipped, never rejected: extreme widths are a
// known simulator failure mode, not a caller error.
type Bound struct {
	Name string
	Min  float64
	Max  float64
}

// EnvConfig wires an environment to a cell template.
type EnvConfig struct {
	// Template is the netlist reference evaluated each step.
	Template string
	// Bounds lists the tunable parameters in action order.
	Bounds []Bound
	// DelayMeasure and PowerMeasure name the simulator measures mapped
	// to the delay and power figures of merit.
	DelayMeasure string
	PowerMeasure string
	// ExtraMeasures are requested alongside the figure-of-merit
	// measures and surfaced through StepInfo.
	ExtraMeasures []string
	// KArea scales the width sum into the area figure of merit.
	KArea float64
}

// DefaultInverterEnvConfig targets the builtin inverter cell.
func DefaultInverterEnvConfig() EnvConfig {
	return EnvConfig{
		Template: "inv_char",
		Bounds: []Bound{
			{Name: "wn", Min: 0.24, Max: 5.0},
			{Name: "wp", Min: 0.48, Max: 10.0},
		},
		DelayMeasure:  "tpavg",
		PowerMeasure:  "pstatic",
		ExtraMeasures: []string{"tphl", "tplh", "ileak"},
		KArea:         1.0,
	}
}

// StepInfo carries the per-step diagnostics alongside the reward.
type StepInfo struct {
	Status     domain.Status
	Params     map[string]float64
	Measures   map[string]float64
	PPA        reward.PPA
	Attempts   int
	Diagnostic string
	Best       bool
}

// Env is the single-step episodic environment. It owns a single-worker
// pool and a reward model; neither is shared with other environments.
type Env struct {
	cfg   EnvConfig
	pool  pool.Pool
	model *reward.Model
	rng   *rand.Rand
	log   *logrus.Entry

	mu         sync.Mutex
	state      EnvState
	lastObs    []float64
	bestReward float64
	bestParams map[string]float64
	bestSet    bool
	steps      int
	errors     int
}

// NewEnv wraps p, which must be a pool of exactly one worker dedicated
// to this environment.
func NewEnv(cfg EnvConfig, p pool.Pool, model *reward.Model, rng *rand.Rand, log *logrus.Logger) (*Env, error) {
	if len(cfg.Bounds) == 0 {
		return nil, fmt.Errorf("env: no tunable parameters")
	}
	return &Env{
		cfg:   cfg,
		pool:  p,
		model: model,
		rng:   rng,
		log:   log.WithField("env", cfg.Template),
	}, nil
}

// ActionSize returns the expected action vector length.
func (e *Env) ActionSize() int { return len(e.cfg.Bounds) }

// Reset begins a new episode. The first reset of a run samples a
// starting parameter vector and runs one probe simulation to fix the
// reward reference; a failed probe is tolerated, deferring the
// reference to the first successful step. Later resets are cheap
// re-arms between single-step episodes and return the last
// observation as the placeholder.
func (e *Env) Reset(ctx context.Context) ([]float64, error) {
	e.mu.Lock()
	e.state = StateAwaitingOutcome
	last := e.lastObs
	e.mu.Unlock()

	if e.model.HasReference() {
		if last == nil {
			last = make([]float64, len(e.cfg.Bounds)+3)
		}
		return last, nil
	}

	params := e.sampleParams()
	outcome, err := e.evaluate(ctx, params)
	if err != nil {
		return nil, err
	}
	if outcome.Status == domain.Success {
		e.model.SetReference(e.toPPA(params, outcome.Measures))
	} else {
		e.log.WithField("diagnostic", outcome.Diagnostic).
			Warn("probe simulation failed, reference deferred")
	}

	obs := e.observe(params, outcome)
	e.mu.Lock()
	e.lastObs = obs
	e.mu.Unlock()
	return obs, nil
}

// Step evaluates one action and terminates the episode. Simulation
// failures are absorbed into the sentinel reward; Step only errors on
// protocol misuse (wrong action size, step after terminal without
// reset) or pool shutdown.
func (e *Env) Step(ctx context.Context, action []float64) ([]float64, float64, bool, StepInfo, error) {
	if len(action) != len(e.cfg.Bounds) {
		return nil, 0, false, StepInfo{}, fmt.Errorf("got %d components, want %d: %w",
			len(action), len(e.cfg.Bounds), domain.ErrActionSize)
	}
	e.mu.Lock()
	if e.state == StateTerminal {
		e.mu.Unlock()
		return nil, 0, false, StepInfo{}, domain.ErrEpisodeTerminal
	}
	e.mu.Unlock()

	params := e.clipAction(action)
	outcome, err := e.evaluate(ctx, params)
	if err != nil {
		return nil, 0, false, StepInfo{}, err
	}

	info := StepInfo{
		Status:     outcome.Status,
		Params:     params,
		Measures:   outcome.Measures,
		Attempts:   outcome.Attempts,
		Diagnostic: outcome.Diagnostic,
	}

	var r float64
	if outcome.Status == domain.Success {
		info.PPA = e.toPPA(params, outcome.Measures)
		r = e.model.Compute(info.PPA)
	} else {
		r = e.model.Failure()
	}

	obs := e.observe(params, outcome)

	e.mu.Lock()
	e.state = StateTerminal
	e.lastObs = obs
	e.steps++
	if outcome.Status != domain.Success {
		e.errors++
	} else if !e.bestSet || r > e.bestReward {
		e.bestReward = r
		e.bestParams = params
		e.bestSet = true
		info.Best = true
	}
	e.mu.Unlock()

	return obs, r, true, info, nil
}

// Best returns the best reward and parameters seen, and whether any
// successful step happened yet.
func (e *Env) Best() (float64, map[string]float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bestReward, e.bestParams, e.bestSet
}

// Counters returns total steps and failed steps.
func (e *Env) Counters() (steps, errors int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.steps, e.errors
}

// State returns the current episode state.
func (e *Env) State() EnvState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Close stops the owned pool.
func (e *Env) Close() { e.pool.Stop() }

// evaluate runs one task through the pool. Pool errors (shutdown) are
// returned; per-task failures come back inside the outcome.
func (e *Env) evaluate(ctx context.Context, params map[string]float64) (domain.Outcome, error) {
	task := domain.Task{
		Template:   e.cfg.Template,
		Parameters: params,
		Measures:   e.measures(),
	}
	outcomes, err := e.pool.Run(ctx, []domain.Task{task})
	if err != nil {
		return domain.Outcome{}, err
	}
	return outcomes[0], nil
}

func (e *Env) measures() []string {
	out := []string{e.cfg.DelayMeasure, e.cfg.PowerMeasure}
	return append(out, e.cfg.ExtraMeasures...)
}

// toPPA maps raw measures and parameters to the figures of merit. Area
// is synthetic: the simulator does not measure it, so it is derived
// from the width sum.
func (e *Env) toPPA(params, measures map[string]float64) reward.PPA {
	var widths float64
	for _, b := range e.cfg.Bounds {
		widths += params[b.Name]
	}
	return reward.PPA{
		Delay: measures[e.cfg.DelayMeasure],
		Power: measures[e.cfg.PowerMeasure],
		Area:  e.cfg.KArea * widths,
	}
}

// clipAction maps the raw action vector onto bounded parameters.
func (e *Env) clipAction(action []float64) map[string]float64 {
	params := make(map[string]float64, len(e.cfg.Bounds))
	for i, b := range e.cfg.Bounds {
		v := action[i]
		if v < b.Min {
			v = b.Min
		}
		if v > b.Max {
			v = b.Max
		}
		params[b.Name] = v
	}
	return params
}

// sampleParams draws a uniform starting point inside the bounds.
func (e *Env) sampleParams() map[string]float64 {
	params := make(map[string]float64, len(e.cfg.Bounds))
	for _, b := range e.cfg.Bounds {
		params[b.Name] = b.Min + e.rng.Float64()*(b.Max-b.Min)
	}
	return params
}

// observe builds the observation vector: each parameter scaled to
// [0,1] within its bound, followed by the normalized figures of merit
// (zero when the step failed or no reference exists yet).
func (e *Env) observe(params map[string]float64, outcome domain.Outcome) []float64 {
	obs := make([]float64, 0, len(e.cfg.Bounds)+3)
	for _, b := range e.cfg.Bounds {
		span := b.Max - b.Min
		if span == 0 {
			obs = append(obs, 0)
			continue
		}
		obs = append(obs, (params[b.Name]-b.Min)/span)
	}

	var d, p, a float64
	if outcome.Status == domain.Success && e.model.HasReference() {
		ppa := e.toPPA(params, outcome.Measures)
		ref := e.model.Reference()
		d = ratio(ppa.Delay, ref.Delay)
		p = ratio(ppa.Power, ref.Power)
		a = ratio(ppa.Area, ref.Area)
	}
	return append(obs, d, p, a)
}

func ratio(obs, ref float64) float64 {
	if ref == 0 {
		return 0
	}
	return obs / ref
}
