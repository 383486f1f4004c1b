package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cellforge-eda/cellforge/internal/domain"
	"github.com/cellforge-eda/cellforge/internal/infra/metrics"
	"github.com/cellforge-eda/cellforge/internal/infra/spice"
)

// worker owns at most one backend at a time and drives tasks through the
// retry state machine. Workers never share backends or scopes.
type worker struct {
	id       int
	provider spice.Provider
	scopes   *ScopeAllocator
	cfg      Config
	log      *logrus.Entry

	backend spice.Backend // cached handle, persistent variants only
	ref     string        // template the cached handle is loaded with
	jobs    int           // jobs since the handle was (re)built
}

func newWorker(id int, provider spice.Provider, scopes *ScopeAllocator, cfg Config, log *logrus.Entry) *worker {
	return &worker{
		id:       id,
		provider: provider,
		scopes:   scopes,
		cfg:      cfg,
		log:      log.WithField("worker", id),
	}
}

// process runs one task to a final outcome. It is an explicit retry
// state machine (running, retrying(n), succeeded or fatal) whose
// transitions are fully determined by the error class and the restart
// budget. Retryable failures tear the backend down, rebuild it and
// retry the same task; sibling tasks are never affected.
func (w *worker) process(ctx context.Context, t domain.Task) domain.Outcome {
	attempts := 0
	restarts := 0
	var lastErr error

	for {
		attempts++

		measures, err := w.attempt(ctx, t)
		if err == nil {
			return domain.Outcome{
				OriginIndex: t.OriginIndex,
				Status:      domain.Success,
				Measures:    measures,
				Attempts:    attempts,
			}
		}
		lastErr = err

		if ctx.Err() != nil && !errors.Is(err, domain.ErrRunTimeout) {
			// Caller cancelled the whole batch; report this task fatal.
			break
		}
		if !w.retryable(err) {
			break
		}
		if restarts >= w.cfg.MaxRestarts {
			lastErr = fmt.Errorf("%v: %w", err, domain.ErrRestartBudgetExhausted)
			break
		}

		restarts++
		w.teardown()
		metrics.BackendRestarts.Inc()
		w.log.WithFields(logrus.Fields{
			"task":    t.OriginIndex,
			"restart": restarts,
			"reason":  err.Error(),
		}).Warn("backend restart")
	}

	metrics.TasksFatal.Inc()
	return domain.Outcome{
		OriginIndex: t.OriginIndex,
		Status:      domain.FatalFailure,
		Attempts:    attempts,
		Diagnostic:  lastErr.Error(),
	}
}

// attempt performs one full load → parametrize → run → extract cycle.
func (w *worker) attempt(ctx context.Context, t domain.Task) (map[string]float64, error) {
	persistent := w.provider.Capabilities().Persistent

	b, err := w.acquire(t.Template)
	if err != nil {
		return nil, err
	}
	if !persistent {
		// Batch handles live for exactly one attempt.
		defer b.Stop()
	}

	for _, name := range sortedKeys(t.Parameters) {
		if err := b.SetParameter(name, t.Parameters[name]); err != nil {
			return nil, err
		}
	}

	runCtx := ctx
	if w.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.cfg.TaskTimeout)
		defer cancel()
	}

	start := time.Now()
	runErr := b.Run(runCtx)
	metrics.SimulationLatency.Observe(time.Since(start).Seconds())
	metrics.SimulationsTotal.WithLabelValues(backendLabel(persistent)).Inc()
	if runErr != nil {
		metrics.SimulationFailures.WithLabelValues(failureReason(runErr)).Inc()
		return nil, runErr
	}

	measures := make(map[string]float64, len(t.Measures))
	for _, name := range t.Measures {
		v, err := b.GetMeasure(name)
		if err != nil {
			metrics.SimulationFailures.WithLabelValues("measure_missing").Inc()
			return nil, err
		}
		measures[name] = v
	}

	w.jobs++
	if persistent && w.cfg.RestartEvery > 0 && w.jobs >= w.cfg.RestartEvery {
		// Periodic hygiene recycle of the long-lived handle.
		w.teardown()
	}
	return measures, nil
}

// acquire returns a backend loaded with ref: the cached persistent
// handle when it matches, otherwise a fresh one in a fresh scope.
func (w *worker) acquire(ref string) (spice.Backend, error) {
	if w.backend != nil && w.ref == ref {
		return w.backend, nil
	}
	w.teardown()

	b, err := w.provider.Open(w.scopes.Next(w.id))
	if err != nil {
		return nil, err
	}
	if err := b.Load(ref); err != nil {
		b.Stop()
		return nil, err
	}

	if w.provider.Capabilities().Persistent {
		w.backend = b
		w.ref = ref
		w.jobs = 0
	}
	return b, nil
}

// teardown stops and forgets the cached handle.
func (w *worker) teardown() {
	if w.backend != nil {
		w.backend.Stop()
		w.backend = nil
		w.ref = ""
		w.jobs = 0
	}
}

// retryable classifies a failure per the error taxonomy. Unknown
// parameters are wrong requests — retrying cannot fix them. Load errors
// at task time mean the template vanished mid-run, equally unfixable.
func (w *worker) retryable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrUnknownParameter),
		errors.Is(err, domain.ErrLoadFailed),
		errors.Is(err, domain.ErrTemplateNotFound),
		errors.Is(err, domain.ErrBackendClosed):
		return false
	case errors.Is(err, domain.ErrMeasureMissing):
		return !w.cfg.MeasureMissingFatal
	default:
		return true
	}
}

func backendLabel(persistent bool) string {
	if persistent {
		return "persistent"
	}
	return "batch"
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrRunTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrRunFailed):
		return "run_failed"
	case errors.Is(err, domain.ErrUnknownParameter):
		return "bad_parameter"
	default:
		return "other"
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
