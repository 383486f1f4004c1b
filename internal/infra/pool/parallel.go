package pool

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cellforge-eda/cellforge/internal/domain"
	"github.com/cellforge-eda/cellforge/internal/infra/spice"
)

// Parallel fans a batch out over independent workers, each with a
// private backend and private scopes. Completion order is arbitrary;
// results are re-sorted so callers always see input order.
type Parallel struct {
	refs    []string
	workers []*worker
	scopes  *ScopeAllocator

	mu      sync.Mutex
	stopped bool
}

// NewParallel rejects providers that do not advertise parallel
// capability: a handle that cannot run concurrently must go through
// the sequential pool instead.
func NewParallel(provider spice.Provider, refs []string, cfg Config, log *logrus.Logger) (*Parallel, error) {
	if !provider.Capabilities().Parallel {
		return nil, domain.ErrBackendNotParallel
	}
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

	n := cfg.Workers
	if n <= 0 {
		n = runtime.NumCPU()
		if len(refs) < n {
			n = len(refs)
		}
	}
	entry := log.WithField("pool", "parallel")
	workers := make([]*worker, n)
	for i := range workers {
		workers[i] = newWorker(i, provider, scopes, cfg, entry)
	}
	return &Parallel{refs: refs, workers: workers, scopes: scopes}, nil
}

// RunID returns the isolation run identifier.
func (p *Parallel) RunID() string { return p.scopes.RunID() }

// Workers reports the pool's worker count.
func (p *Parallel) Workers() int { return len(p.workers) }

// Run distributes the batch by index over the workers, waits for all of
// them, and returns outcomes sorted back into input order.
func (p *Parallel) Run(ctx context.Context, batch []domain.Task) ([]domain.Outcome, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, domain.ErrPoolStopped
	}
	p.mu.Unlock()

	results := make(chan domain.Outcome, len(batch))
	var wg sync.WaitGroup
	for wi, w := range p.workers {
		// Worker wi owns batch indices wi, wi+N, wi+2N, ...
		wg.Add(1)
		go func(wi int, w *worker) {
			defer wg.Done()
			for i := wi; i < len(batch); i += len(p.workers) {
				t := batch[i]
				if t.Template == "" {
					t.Template = p.refs[i%len(p.refs)]
				}
				t.OriginIndex = i
				results <- w.process(ctx, t)
			}
		}(wi, w)
	}
	wg.Wait()
	close(results)

	// Guaranteed cleanup once every worker goroutine has returned.
	for _, w := range p.workers {
		w.teardown()
	}

	outcomes := make([]domain.Outcome, 0, len(batch))
	for o := range results {
		outcomes = append(outcomes, o)
	}
	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].OriginIndex < outcomes[j].OriginIndex
	})
	return outcomes, nil
}

// Stop tears down every worker's backend. Idempotent.
func (p *Parallel) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	for _, w := range p.workers {
		w.teardown()
	}
}
