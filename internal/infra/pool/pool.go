// Package pool schedules simulation tasks onto execution backends.
// Two variants: Sequential (persistent backends, one task at a time) and
// Parallel (independent workers, private backends, results re-ordered).
// Both guarantee that every task yields an Outcome — backend crashes are
// absorbed by a per-task retry state machine, never propagated as errors.
package pool

import (
	"context"
	"time"

	"github.com/cellforge-eda/cellforge/internal/domain"
)

// Pool runs task batches. Output order always matches OriginIndex order
// of the input, regardless of completion order.
type Pool interface {
	Run(ctx context.Context, batch []domain.Task) ([]domain.Outcome, error)
	// Stop releases every owned backend. Idempotent.
	Stop()
}

// Config tunes scheduling, isolation and the restart policy.
type Config struct {
	// Workdir is the root under which isolation scopes are created.
	Workdir string
	// MaxRestarts bounds backend rebuilds per task. Exhausting the
	// budget converts that task's outcome to FatalFailure.
	MaxRestarts int
	// TaskTimeout bounds one Run call; exceeding it is retryable.
	TaskTimeout time.Duration
	// RestartEvery recycles a persistent handle after N jobs (0 = never).
	// Long-lived simulator sessions accumulate state drift; periodic
	// recycling keeps them honest.
	RestartEvery int
	// MeasureMissingFatal classifies a missing measure after a clean run
	// as fatal instead of retryable. Default false: missing measures
	// usually mean a truncated log, which a rerun fixes.
	MeasureMissingFatal bool
	// Workers overrides the parallel pool's worker count
	// (0 = min(distinct templates, available parallelism)).
	Workers int
}

// DefaultConfig returns production defaults.
func DefaultConfig(workdir string) Config {
	return Config{
		Workdir:      workdir,
		MaxRestarts:  2,
		TaskTimeout:  30 * time.Second,
		RestartEvery: 25,
	}
}
