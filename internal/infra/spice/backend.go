// Package spice provides the simulation execution backends.
// The actual ngspice process sits behind the Backend interface,
// allowing clean testing with mock implementations.
package spice

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ─── Backend Interface ──────────────────────────────────────────────────────
// One Backend owns exactly one simulator session. A backend is never
// shared between two concurrently executing tasks; the pool enforces it.

// Backend is the low-level simulator contract.
type Backend interface {
	// Load binds a netlist template reference to the handle.
	Load(ref string) error
	// SetParameter stages a parameter value. Fails on names the loaded
	// netlist does not define.
	SetParameter(name string, value float64) error
	// Run executes one full analysis pass, bounded by ctx.
	Run(ctx context.Context) error
	// GetMeasure reads a named scalar result of the last Run.
	GetMeasure(name string) (float64, error)
	// Stop releases all native resources. Idempotent; guaranteed to be
	// called on every exit path of the owning task.
	Stop()
}

// Capabilities describes what a backend variant can tolerate.
type Capabilities struct {
	// Parallel reports whether more than one instance may run inside a
	// single process. The persistent variant keeps one native handle
	// that must never be duplicated, so it reports false; requesting it
	// from a parallel pool is a configuration error caught at pool
	// construction.
	Parallel bool
	// Persistent reports whether one handle is reused across tasks.
	Persistent bool
}

// Provider constructs backends bound to an isolation scope directory.
type Provider interface {
	Open(scope string) (Backend, error)
	Capabilities() Capabilities
}

// ─── Binary discovery ───────────────────────────────────────────────────────

// FindNgspice searches for the ngspice binary: home/bin first, then PATH.
func FindNgspice(home string) (string, error) {
	exe := "ngspice"
	if runtime.GOOS == "windows" {
		exe = "ngspice.exe"
	}

	binPath := filepath.Join(home, "bin", exe)
	if _, err := os.Stat(binPath); err == nil {
		return binPath, nil
	}

	if path, err := exec.LookPath(exe); err == nil {
		return path, nil
	}

	return "", fmt.Errorf(`ngspice not found

cellforge needs ngspice to simulate cells.

Install it:
  → Debian/Ubuntu:  apt install ngspice
  → macOS (brew):   brew install ngspice
  → Windows:        https://ngspice.sourceforge.io/download.html

Or place the binary in %s`, filepath.Join(home, "bin"))
}
