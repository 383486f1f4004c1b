package trainer

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cellforge-eda/cellforge/internal/domain"
	"github.com/cellforge-eda/cellforge/internal/infra/metrics"
	"github.com/cellforge-eda/cellforge/internal/infra/monitor"
	"github.com/cellforge-eda/cellforge/internal/infra/netlist"
	"github.com/cellforge-eda/cellforge/internal/infra/pool"
	"github.com/cellforge-eda/cellforge/internal/infra/spice"
	"github.com/cellforge-eda/cellforge/internal/infra/sqlite"
	"github.com/cellforge-eda/cellforge/internal/reward"
	"github.com/cellforge-eda/cellforge/internal/rl"
)

// Result summarizes one finished run.
type Result struct {
	RunID      string
	Steps      int
	Errors     int
	BestReward float64
	BestParams map[string]float64
	StopReason string
	Elapsed    time.Duration
}

// Trainer owns the training loop and all progress recording. It is the
// single writer of the run state record.
type Trainer struct {
	cfg    Config
	env    *rl.Env
	policy *rl.GaussianPolicy
	mon    *monitor.Writer
	db     *sqlite.DB
	log    *logrus.Logger
	runID  string
}

// New assembles a trainer from pre-built collaborators. db may be nil
// to skip history persistence.
func New(cfg Config, env *rl.Env, policy *rl.GaussianPolicy, mon *monitor.Writer, db *sqlite.DB, runID string, log *logrus.Logger) *Trainer {
	return &Trainer{cfg: cfg, env: env, policy: policy, mon: mon, db: db, log: log, runID: runID}
}

// NewFromConfig wires the whole pipeline: template registry, backend
// provider, single-worker pool, reward model, environment, policy and
// monitor.
func NewFromConfig(cfg Config, log *logrus.Logger) (*Trainer, error) {
	reg := netlist.NewRegistry()

	provider, err := buildProvider(cfg, reg)
	if err != nil {
		return nil, err
	}

	poolCfg := pool.Config{
		Workdir:             cfg.Pool.Workdir,
		MaxRestarts:         cfg.Pool.MaxRestarts,
		TaskTimeout:         time.Duration(cfg.Pool.TaskTimeoutS) * time.Second,
		RestartEvery:        cfg.Pool.RestartEvery,
		MeasureMissingFatal: cfg.Pool.MeasureMissingFatal,
	}
	seq, err := pool.NewSequential(provider, []string{cfg.Cell.Template}, poolCfg, log)
	if err != nil {
		return nil, err
	}

	model := reward.NewModel(reward.Weights{
		Delay: cfg.Reward.WeightDelay,
		Power: cfg.Reward.WeightPower,
		Area:  cfg.Reward.WeightArea,
	})
	if cfg.Reward.Sentinel != 0 {
		model.SetSentinel(cfg.Reward.Sentinel)
	}
	if cfg.Reward.Clip != 0 {
		model.SetClip(cfg.Reward.Clip)
	}

	seed := cfg.Policy.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	envCfg := rl.DefaultInverterEnvConfig()
	envCfg.Template = cfg.Cell.Template
	if cfg.Cell.KArea != 0 {
		envCfg.KArea = cfg.Cell.KArea
	}
	env, err := rl.NewEnv(envCfg, seq, model, rand.New(rand.NewSource(seed)), log)
	if err != nil {
		seq.Stop()
		return nil, err
	}

	mean := make([]float64, 0, len(envCfg.Bounds))
	for _, b := range envCfg.Bounds {
		mean = append(mean, (b.Min+b.Max)/2)
	}
	policy := rl.NewGaussianPolicy(rl.PolicyConfig{
		LearningRate: cfg.Policy.LearningRate,
		Sigma:        cfg.Policy.Sigma,
		SigmaDecay:   cfg.Policy.SigmaDecay,
		SigmaMin:     cfg.Policy.SigmaMin,
		BaselineBeta: cfg.Policy.BaselineBeta,
	}, mean, uint64(seed))

	mon, err := monitor.NewWriter(Home())
	if err != nil {
		env.Close()
		return nil, err
	}
	db, err := sqlite.Open(Home())
	if err != nil {
		env.Close()
		return nil, err
	}

	return New(cfg, env, policy, mon, db, seq.RunID(), log), nil
}

func buildProvider(cfg Config, reg *netlist.Registry) (spice.Provider, error) {
	if cfg.Backend.Mock {
		return spice.NewMockProvider(reg), nil
	}
	switch cfg.Backend.Variant {
	case "", "batch":
		if cfg.Backend.Binary != "" {
			return spice.NewBatchProviderWithBinary(cfg.Backend.Binary, reg), nil
		}
		return spice.NewBatchProvider(Home(), reg)
	case "persistent":
		if cfg.Backend.Binary != "" {
			return spice.NewPersistentProviderWithBinary(cfg.Backend.Binary, reg), nil
		}
		return spice.NewPersistentProvider(Home(), reg)
	default:
		return nil, fmt.Errorf("unknown backend variant %q", cfg.Backend.Variant)
	}
}

// Close releases the environment's pool and the history store.
func (t *Trainer) Close() {
	t.env.Close()
	if t.db != nil {
		t.db.Close()
	}
}

// RunID returns the run identifier.
func (t *Trainer) RunID() string { return t.runID }

// Run drives the loop until a stop condition fires. Per-step
// simulation failures are absorbed as sentinel rewards; Run itself
// errors only on setup or pool shutdown.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	if t.db != nil {
		if err := t.db.CreateRun(t.runID, t.cfg.Cell.Template, start); err != nil {
			return Result{}, fmt.Errorf("record run: %w", err)
		}
	}

	if _, err := t.env.Reset(ctx); err != nil {
		return Result{}, fmt.Errorf("initial reset: %w", err)
	}

	var (
		walltime    = time.Duration(t.cfg.Training.WalltimeS) * time.Second
		snapshot    = t.cfg.Training.SnapshotEvery
		plateauBest float64
		plateauSet  bool
		plateauHits int
		stopReason  = "max_steps"
		lastErr     string
	)
	if snapshot <= 0 {
		snapshot = 20
	}

loop:
	for step := 1; step <= t.cfg.Training.MaxSteps; step++ {
		select {
		case <-ctx.Done():
			stopReason = "cancelled"
			break loop
		default:
		}
		if walltime > 0 && time.Since(start) >= walltime {
			stopReason = "walltime"
			break loop
		}

		if _, err := t.env.Reset(ctx); err != nil {
			return Result{}, err
		}
		action := t.policy.Sample()
		_, r, _, info, err := t.env.Step(ctx, action)
		if err != nil {
			return Result{}, err
		}
		if err := t.policy.Update(action, r); err != nil {
			return Result{}, err
		}
		metrics.TrainingSteps.Inc()

		if info.Status != domain.Success {
			lastErr = info.Diagnostic
		}
		if info.Best {
			t.recordBest(step, r, info)
		}

		if step%snapshot == 0 {
			t.writeStatus(start, lastErr)

			best, _, ok := t.env.Best()
			if t.cfg.Training.TargetReward != 0 && ok && best >= t.cfg.Training.TargetReward {
				stopReason = "target_reward"
				break loop
			}
			if t.cfg.Training.PlateauPatience > 0 && step > t.cfg.Training.PlateauWarmup && ok {
				if !plateauSet || best-plateauBest >= t.cfg.Training.PlateauMinDelta {
					plateauBest = best
					plateauSet = true
					plateauHits = 0
				} else {
					plateauHits++
					if plateauHits >= t.cfg.Training.PlateauPatience {
						stopReason = "plateau"
						break loop
					}
				}
			}
		}
	}

	t.writeStatus(start, lastErr)
	res := t.result(start, stopReason)
	if t.db != nil {
		if err := t.db.FinishRun(t.runID, res.Steps, res.Errors, res.BestReward, res.BestParams, stopReason); err != nil {
			t.log.WithError(err).Warn("finish run record")
		}
	}

	t.log.WithFields(logrus.Fields{
		"run":    t.runID,
		"steps":  res.Steps,
		"best":   res.BestReward,
		"reason": stopReason,
	}).Info("training finished")
	return res, nil
}

func (t *Trainer) recordBest(step int, r float64, info rl.StepInfo) {
	metrics.BestReward.Set(r)
	rec := monitor.BestRecord{
		RunID:    t.runID,
		Step:     step,
		Reward:   r,
		Params:   info.Params,
		Measures: info.Measures,
		At:       time.Now(),
	}
	if err := t.mon.WriteBest(rec); err != nil {
		t.log.WithError(err).Warn("write best record")
	}
	if err := t.mon.AppendHistory(rec); err != nil {
		t.log.WithError(err).Warn("append history")
	}
	if t.db != nil {
		err := t.db.AppendImprovement(sqlite.Improvement{
			RunID:     t.runID,
			Step:      step,
			Timestamp: rec.At,
			Reward:    r,
			Params:    info.Params,
			Measures:  info.Measures,
		})
		if err != nil {
			t.log.WithError(err).Warn("append improvement")
		}
	}
	t.log.WithFields(logrus.Fields{
		"step":   step,
		"reward": r,
		"params": info.Params,
	}).Info("new best")
}

func (t *Trainer) writeStatus(start time.Time, lastErr string) {
	steps, errCount := t.env.Counters()
	best, params, _ := t.env.Best()
	st := domain.RunState{
		RunID:      t.runID,
		StepCount:  steps,
		ErrorCount: errCount,
		BestReward: best,
		BestParams: params,
		LastError:  lastErr,
		ElapsedS:   time.Since(start).Seconds(),
		UpdatedAt:  time.Now(),
	}
	if err := t.mon.WriteStatus(st); err != nil {
		t.log.WithError(err).Warn("write status")
	}
}

func (t *Trainer) result(start time.Time, stopReason string) Result {
	steps, errCount := t.env.Counters()
	best, params, _ := t.env.Best()
	return Result{
		RunID:      t.runID,
		Steps:      steps,
		Errors:     errCount,
		BestReward: best,
		BestParams: params,
		StopReason: stopReason,
		Elapsed:    time.Since(start),
	}
}
