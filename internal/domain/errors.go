package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	// Netlist / template errors
	ErrLoadFailed       = errors.New("netlist could not be loaded")
	ErrTemplateNotFound = errors.New("netlist template not found")
	ErrUnknownParameter = errors.New("parameter not defined by the loaded netlist")

	// Simulation errors
	ErrRunFailed      = errors.New("simulation run failed")
	ErrRunTimeout     = errors.New("simulation exceeded its wall-clock budget")
	ErrMeasureMissing = errors.New("measurement not found in simulator output")
	ErrBackendClosed  = errors.New("backend handle is closed")

	// Pool errors
	ErrRestartBudgetExhausted = errors.New("backend restart budget exhausted")
	ErrBackendNotParallel     = errors.New("backend variant cannot be used by a parallel pool")
	ErrPoolStopped            = errors.New("worker pool is stopped")
	ErrNoNetlists             = errors.New("at least one netlist template is required")

	// Environment errors
	ErrEpisodeTerminal = errors.New("episode is terminal; call Reset before Step")
	ErrActionSize      = errors.New("action length does not match parameter bounds")
)
