// Package domain holds the pure types shared across cellforge:
// simulation tasks, outcomes, and the run state read by the monitor.
package domain

import "time"

// Status classifies how a simulation task ended.
type Status int

const (
	// Success means the simulation ran and all requested measures were read.
	Success Status = iota
	// RetryableFailure means the backend failed in a way that a restart may fix.
	RetryableFailure
	// FatalFailure means the task is permanently failed (bad parameter name,
	// or the restart budget ran out). Sibling tasks are unaffected.
	FatalFailure
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable"
	case FatalFailure:
		return "fatal"
	default:
		return "unknown"
	}
}

// Task is an immutable simulation request. OriginIndex is the sole
// correlation key used to restore submission order in pool results.
type Task struct {
	Template    string             // netlist template reference (cell name or .cir path)
	Parameters  map[string]float64 // parameter assignments applied before Run
	Measures    []string           // measure names to extract, in request order
	OriginIndex int
}

// Outcome is the one-shot result of a Task. Measures is populated only
// when Status == Success. Never mutated after creation.
type Outcome struct {
	OriginIndex int
	Status      Status
	Measures    map[string]float64
	Attempts    int    // total run attempts, including restarts
	Diagnostic  string // human-readable failure detail, empty on success
}

// Measure returns a named measure from a successful outcome.
func (o Outcome) Measure(name string) (float64, bool) {
	if o.Status != Success {
		return 0, false
	}
	v, ok := o.Measures[name]
	return v, ok
}

// RunState is the monitoring record mutated only by the training loop
// and serialized for the dashboard. Single writer, external readers.
type RunState struct {
	RunID      string             `json:"run_id"`
	StepCount  int                `json:"step_count"`
	ErrorCount int                `json:"error_count"`
	BestReward float64            `json:"best_reward"`
	BestParams map[string]float64 `json:"best_params,omitempty"`
	LastError  string             `json:"last_error,omitempty"`
	ElapsedS   float64            `json:"elapsed_s"`
	UpdatedAt  time.Time          `json:"updated_at"`
}
