package pool

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
)

// ScopeAllocator hands out isolation scope directories. A scope path is
// keyed by (run ID, worker, task sequence): the uuid run ID makes scopes
// unique across processes and pool restarts, the atomic sequence makes
// them unique within one run. Scopes are never reused.
type ScopeAllocator struct {
	root  string
	runID string
	seq   atomic.Uint64
}

// NewScopeAllocator creates the run directory under root.
func NewScopeAllocator(root string) (*ScopeAllocator, error) {
	runID := uuid.NewString()[:8]
	if err := os.MkdirAll(filepath.Join(root, runID), 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	return &ScopeAllocator{root: root, runID: runID}, nil
}

// RunID returns the run identifier embedded in every scope path.
func (a *ScopeAllocator) RunID() string { return a.runID }

// Next returns a fresh scope path for the given worker. The directory is
// created lazily by the backend that binds to it.
func (a *ScopeAllocator) Next(worker int) string {
	seq := a.seq.Add(1)
	return filepath.Join(a.root, a.runID, fmt.Sprintf("w%02d", worker), fmt.Sprintf("t%06d", seq))
}
