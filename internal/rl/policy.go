package rl

import (
	"fmt"
	randv2 "golang.org/x/exp/rand"

	"gonum.org/v1/gonum/stat/distuv"
)

// PolicyConfig tunes the Gaussian search policy.
type PolicyConfig struct {
	// LearningRate scales the REINFORCE mean update.
	LearningRate float64
	// Sigma is the initial per-dimension exploration width.
	Sigma float64
	// SigmaDecay shrinks sigma multiplicatively after each update.
	SigmaDecay float64
	// SigmaMin floors the exploration width so the policy never
	// collapses to a point.
	SigmaMin float64
	// BaselineBeta is the smoothing factor of the reward baseline.
	BaselineBeta float64
}

// DefaultPolicyConfig returns the production defaults.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		LearningRate: 0.05,
		Sigma:        0.5,
		SigmaDecay:   0.999,
		SigmaMin:     0.02,
		BaselineBeta: 0.9,
	}
}

// GaussianPolicy is a stateless-observation REINFORCE policy: since
// every episode is a single step from the same start state, the policy
// is a per-dimension Gaussian over the action space whose mean migrates
// toward higher-reward regions. A moving-average baseline keeps the
// gradient centered.
type GaussianPolicy struct {
	cfg   PolicyConfig
	mean  []float64
	sigma []float64
	src   randv2.Source

	baseline    float64
	baselineSet bool
}

// NewGaussianPolicy starts the policy centered on mean with the
// configured exploration width in every dimension.
func NewGaussianPolicy(cfg PolicyConfig, mean []float64, seed uint64) *GaussianPolicy {
	sigma := make([]float64, len(mean))
	for i := range sigma {
		sigma[i] = cfg.Sigma
	}
	return &GaussianPolicy{
		cfg:   cfg,
		mean:  append([]float64(nil), mean...),
		sigma: sigma,
		src:   randv2.NewSource(seed),
	}
}

// Size returns the action dimensionality.
func (p *GaussianPolicy) Size() int { return len(p.mean) }

// Mean returns a copy of the current policy mean.
func (p *GaussianPolicy) Mean() []float64 {
	return append([]float64(nil), p.mean...)
}

// Sample draws one action from the current Gaussian.
func (p *GaussianPolicy) Sample() []float64 {
	action := make([]float64, len(p.mean))
	for i := range action {
		n := distuv.Normal{Mu: p.mean[i], Sigma: p.sigma[i], Src: p.src}
		action[i] = n.Rand()
	}
	return action
}

// Update applies one REINFORCE step for (action, reward): the mean
// moves along the score function scaled by the baseline-centered
// advantage, then the exploration width decays.
func (p *GaussianPolicy) Update(action []float64, reward float64) error {
	if len(action) != len(p.mean) {
		return fmt.Errorf("policy update: got %d components, want %d", len(action), len(p.mean))
	}

	if !p.baselineSet {
		p.baseline = reward
		p.baselineSet = true
	} else {
		b := p.cfg.BaselineBeta
		p.baseline = b*p.baseline + (1-b)*reward
	}
	advantage := reward - p.baseline

	for i := range p.mean {
		grad := (action[i] - p.mean[i]) / (p.sigma[i] * p.sigma[i])
		p.mean[i] += p.cfg.LearningRate * advantage * grad

		p.sigma[i] *= p.cfg.SigmaDecay
		if p.sigma[i] < p.cfg.SigmaMin {
			p.sigma[i] = p.cfg.SigmaMin
		}
	}
	return nil
}

// Baseline returns the current reward baseline.
func (p *GaussianPolicy) Baseline() float64 { return p.baseline }
