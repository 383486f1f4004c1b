package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cellforge-eda/cellforge/internal/domain"
	"github.com/cellforge-eda/cellforge/internal/infra/spice"
)

// Sequential runs tasks one at a time, one worker per template, each
// worker holding a long-lived backend across tasks. Suited to
// persistent providers whose handles are expensive to build.
type Sequential struct {
	refs    []string
	workers []*worker
	scopes  *ScopeAllocator

	mu      sync.Mutex
	stopped bool
}

// NewSequential validates every template reference up front by opening
// a probe backend against each one; an unresolvable reference aborts
// construction rather than surfacing task by task later.
func NewSequential(provider spice.Provider, refs []string, cfg Config, log *logrus.Logger) (*Sequential, error) {
	if len(refs) == 0 {
		return nil, domain.ErrNoNetlists
	}
	scopes, err := NewScopeAllocator(cfg.Workdir)
	if err != nil {
		return nil, err
	}
	if err := probeRefs(provider, scopes, refs); err != nil {
		return nil, err
	}

	entry := log.WithField("pool", "sequential")
	workers := make([]*worker, len(refs))
	for i := range refs {
		workers[i] = newWorker(i, provider, scopes, cfg, entry)
	}
	return &Sequential{refs: refs, workers: workers, scopes: scopes}, nil
}

// RunID returns the isolation run identifier.
func (s *Sequential) RunID() string { return s.scopes.RunID() }

// Run processes the batch in order. Tasks without an explicit template
// are routed round-robin over the pool's references, and each lands on
// the worker dedicated to that reference.
func (s *Sequential) Run(ctx context.Context, batch []domain.Task) ([]domain.Outcome, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, domain.ErrPoolStopped
	}
	s.mu.Unlock()

	// Guaranteed cleanup: no handle survives the batch, even on
	// cancellation partway through.
	defer func() {
		for _, w := range s.workers {
			w.teardown()
		}
	}()

	outcomes := make([]domain.Outcome, len(batch))
	for i, t := range batch {
		if t.Template == "" {
			t.Template = s.refs[i%len(s.refs)]
		}
		t.OriginIndex = i
		outcomes[i] = s.workerFor(t.Template).process(ctx, t)
		if ctx.Err() != nil && outcomes[i].Status != domain.Success {
			// Fill the rest as fatal without running them.
			for j := i + 1; j < len(batch); j++ {
				outcomes[j] = cancelledOutcome(j, ctx.Err())
			}
			break
		}
	}
	return outcomes, nil
}

func (s *Sequential) workerFor(ref string) *worker {
	for i, r := range s.refs {
		if r == ref {
			return s.workers[i]
		}
	}
	// Unlisted template: borrow the first worker; acquire rebuilds the
	// handle for the new reference.
	return s.workers[0]
}

// Stop tears down every worker's backend. Idempotent.
func (s *Sequential) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for _, w := range s.workers {
		w.teardown()
	}
}

// probeRefs opens one throwaway backend per reference to surface load
// errors at construction time.
func probeRefs(provider spice.Provider, scopes *ScopeAllocator, refs []string) error {
	for _, ref := range refs {
		b, err := provider.Open(scopes.Next(0))
		if err != nil {
			return fmt.Errorf("probe %q: %w", ref, err)
		}
		err = b.Load(ref)
		b.Stop()
		if err != nil {
			return fmt.Errorf("probe %q: %w", ref, err)
		}
	}
	return nil
}

func cancelledOutcome(idx int, cause error) domain.Outcome {
	return domain.Outcome{
		OriginIndex: idx,
		Status:      domain.FatalFailure,
		Diagnostic:  fmt.Sprintf("batch cancelled: %v", cause),
	}
}
