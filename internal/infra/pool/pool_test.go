package pool

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellforge-eda/cellforge/internal/domain"
	"github.com/cellforge-eda/cellforge/internal/infra/netlist"
	"github.com/cellforge-eda/cellforge/internal/infra/spice"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.TaskTimeout = 5 * time.Second
	return cfg
}

func rcTask(i int) domain.Task {
	return domain.Task{
		Template:   netlist.CellRCFilter,
		Parameters: map[string]float64{"Rval": 1e3 * float64(i+1), "Cval": 100e-9},
		Measures:   []string{"f_cutoff"},
	}
}

func rcBatch(n int) []domain.Task {
	tasks := make([]domain.Task, n)
	for i := range tasks {
		tasks[i] = rcTask(i)
	}
	return tasks
}

// ─── Ordering ───────────────────────────────────────────────────────────────

func TestParallel_OrderUnderJitter(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var mu sync.Mutex
	provider := spice.NewMockProvider(netlist.NewRegistry())
	provider.RunDelay = func(*spice.MockBackend) time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return time.Duration(rng.Intn(20)) * time.Millisecond
	}

	cfg := testConfig(t)
	cfg.Workers = 4
	p, err := NewParallel(provider, []string{netlist.CellRCFilter}, cfg, testLogger())
	require.NoError(t, err)
	defer p.Stop()

	outcomes, err := p.Run(context.Background(), rcBatch(16))
	require.NoError(t, err)
	require.Len(t, outcomes, 16)
	for i, o := range outcomes {
		assert.Equal(t, i, o.OriginIndex)
		assert.Equal(t, domain.Success, o.Status)
	}
}

func TestParallel_DelayedWorkerStillOrdered(t *testing.T) {
	provider := spice.NewMockProvider(netlist.NewRegistry())
	provider.RunDelay = func(b *spice.MockBackend) time.Duration {
		// Stall everything scheduled on the second worker.
		if strings.Contains(b.Scope(), "w01") {
			return 150 * time.Millisecond
		}
		return 0
	}

	cfg := testConfig(t)
	cfg.Workers = 2
	p, err := NewParallel(provider, []string{netlist.CellRCFilter}, cfg, testLogger())
	require.NoError(t, err)
	defer p.Stop()
	require.Equal(t, 2, p.Workers())

	outcomes, err := p.Run(context.Background(), rcBatch(4))
	require.NoError(t, err)
	require.Len(t, outcomes, 4)
	for i, o := range outcomes {
		assert.Equal(t, i, o.OriginIndex)
		assert.Equal(t, domain.Success, o.Status)
	}
}

// ─── Isolation ──────────────────────────────────────────────────────────────

func TestScopeAllocator_UniquePaths(t *testing.T) {
	alloc, err := NewScopeAllocator(t.TempDir())
	require.NoError(t, err)

	const n = 200
	paths := make(chan string, n)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < n/4; i++ {
				paths <- alloc.Next(w)
			}
		}(w)
	}
	wg.Wait()
	close(paths)

	seen := make(map[string]bool, n)
	for p := range paths {
		require.False(t, seen[p], "scope path %s allocated twice", p)
		seen[p] = true
	}
	assert.Len(t, seen, n)
}

func TestScopeAllocator_DistinctRuns(t *testing.T) {
	root := t.TempDir()
	a, err := NewScopeAllocator(root)
	require.NoError(t, err)
	b, err := NewScopeAllocator(root)
	require.NoError(t, err)
	assert.NotEqual(t, a.RunID(), b.RunID())
	assert.NotEqual(t, a.Next(0), b.Next(0))
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func TestBackend_StopIdempotent(t *testing.T) {
	provider := spice.NewMockProvider(netlist.NewRegistry())
	b, err := provider.Open(t.TempDir())
	require.NoError(t, err)

	b.Stop()
	b.Stop()
	b.Stop()

	mb := b.(*spice.MockBackend)
	assert.Equal(t, 3, mb.Stops())
	assert.ErrorIs(t, b.Load(netlist.CellRCFilter), domain.ErrBackendClosed)
}

func TestPool_StopIdempotent(t *testing.T) {
	provider := spice.NewMockProvider(netlist.NewRegistry())
	p, err := NewSequential(provider, []string{netlist.CellRCFilter}, testConfig(t), testLogger())
	require.NoError(t, err)

	p.Stop()
	p.Stop()

	_, err = p.Run(context.Background(), rcBatch(1))
	assert.ErrorIs(t, err, domain.ErrPoolStopped)
}

// ─── Construction ───────────────────────────────────────────────────────────

func TestSequential_NonexistentNetlistAbortsConstruction(t *testing.T) {
	reg := netlist.NewRegistry()
	provider := spice.NewMockProvider(reg)

	_, err := NewSequential(provider, []string{"/nonexistent/cell.cir"}, testConfig(t), testLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLoadFailed)
}

func TestParallel_RejectsNonParallelBackend(t *testing.T) {
	provider := spice.NewMockProvider(netlist.NewRegistry())
	provider.SetCapabilities(spice.Capabilities{Parallel: false, Persistent: true})

	_, err := NewParallel(provider, []string{netlist.CellRCFilter}, testConfig(t), testLogger())
	assert.ErrorIs(t, err, domain.ErrBackendNotParallel)
}

func TestPools_RequireNetlists(t *testing.T) {
	provider := spice.NewMockProvider(netlist.NewRegistry())
	_, err := NewSequential(provider, nil, testConfig(t), testLogger())
	assert.ErrorIs(t, err, domain.ErrNoNetlists)
	_, err = NewParallel(provider, nil, testConfig(t), testLogger())
	assert.ErrorIs(t, err, domain.ErrNoNetlists)
}

// ─── Retry policy ───────────────────────────────────────────────────────────

func TestWorker_RestartBudgetExact(t *testing.T) {
	provider := spice.NewMockProvider(netlist.NewRegistry())
	provider.RunHook = func(*spice.MockBackend) error {
		return fmt.Errorf("injected crash: %w", domain.ErrRunFailed)
	}

	cfg := testConfig(t)
	cfg.MaxRestarts = 2
	p, err := NewSequential(provider, []string{netlist.CellRCFilter}, cfg, testLogger())
	require.NoError(t, err)
	defer p.Stop()

	outcomes, err := p.Run(context.Background(), rcBatch(1))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	o := outcomes[0]
	assert.Equal(t, domain.FatalFailure, o.Status)
	// Initial attempt plus exactly MaxRestarts restarts.
	assert.Equal(t, 3, o.Attempts)
	assert.Contains(t, o.Diagnostic, domain.ErrRestartBudgetExhausted.Error())
}

func TestWorker_RecoversAfterTransientFailure(t *testing.T) {
	var calls int
	var mu sync.Mutex
	provider := spice.NewMockProvider(netlist.NewRegistry())
	provider.RunHook = func(*spice.MockBackend) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return fmt.Errorf("first attempt crashes: %w", domain.ErrRunFailed)
		}
		return nil
	}

	cfg := testConfig(t)
	cfg.MaxRestarts = 2
	p, err := NewSequential(provider, []string{netlist.CellRCFilter}, cfg, testLogger())
	require.NoError(t, err)
	defer p.Stop()

	outcomes, err := p.Run(context.Background(), rcBatch(1))
	require.NoError(t, err)
	require.Equal(t, domain.Success, outcomes[0].Status)
	assert.Equal(t, 2, outcomes[0].Attempts)
	assert.InDelta(t, 1.0/(2*3.14159265358979*1e3*100e-9), outcomes[0].Measures["f_cutoff"], 1)
}

func TestWorker_FatalFailureDoesNotAbortSiblings(t *testing.T) {
	provider := spice.NewMockProvider(netlist.NewRegistry())
	provider.RunHook = func(b *spice.MockBackend) error {
		// Only the scope of the second task crashes.
		if strings.Contains(b.Scope(), "t000003") {
			return fmt.Errorf("injected crash: %w", domain.ErrRunFailed)
		}
		return nil
	}

	cfg := testConfig(t)
	cfg.MaxRestarts = 0
	p, err := NewSequential(provider, []string{netlist.CellRCFilter}, cfg, testLogger())
	require.NoError(t, err)
	defer p.Stop()

	outcomes, err := p.Run(context.Background(), rcBatch(3))
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Equal(t, domain.Success, outcomes[0].Status)
	assert.Equal(t, domain.FatalFailure, outcomes[1].Status)
	assert.Equal(t, domain.Success, outcomes[2].Status)
}

func TestWorker_UnknownParameterNotRetried(t *testing.T) {
	provider := spice.NewMockProvider(netlist.NewRegistry())
	p, err := NewSequential(provider, []string{netlist.CellRCFilter}, testConfig(t), testLogger())
	require.NoError(t, err)
	defer p.Stop()

	task := domain.Task{
		Template:   netlist.CellRCFilter,
		Parameters: map[string]float64{"bogus": 1},
		Measures:   []string{"f_cutoff"},
	}
	outcomes, err := p.Run(context.Background(), []domain.Task{task})
	require.NoError(t, err)

	o := outcomes[0]
	assert.Equal(t, domain.FatalFailure, o.Status)
	assert.Equal(t, 1, o.Attempts)
}

func TestWorker_MeasureMissingPolicy(t *testing.T) {
	newPool := func(t *testing.T, fatal bool) *Sequential {
		t.Helper()
		provider := spice.NewMockProvider(netlist.NewRegistry())
		provider.DropMeasures = map[string]bool{"f_cutoff": true}
		cfg := testConfig(t)
		cfg.MaxRestarts = 1
		cfg.MeasureMissingFatal = fatal
		p, err := NewSequential(provider, []string{netlist.CellRCFilter}, cfg, testLogger())
		require.NoError(t, err)
		t.Cleanup(p.Stop)
		return p
	}

	// Default: retryable, so the budget is spent before going fatal.
	p := newPool(t, false)
	outcomes, err := p.Run(context.Background(), rcBatch(1))
	require.NoError(t, err)
	assert.Equal(t, domain.FatalFailure, outcomes[0].Status)
	assert.Equal(t, 2, outcomes[0].Attempts)

	// Fatal policy: no retry at all.
	p = newPool(t, true)
	outcomes, err = p.Run(context.Background(), rcBatch(1))
	require.NoError(t, err)
	assert.Equal(t, domain.FatalFailure, outcomes[0].Status)
	assert.Equal(t, 1, outcomes[0].Attempts)
}

func TestWorker_TimeoutIsRetryable(t *testing.T) {
	var mu sync.Mutex
	var calls int
	provider := spice.NewMockProvider(netlist.NewRegistry())
	provider.RunDelay = func(*spice.MockBackend) time.Duration {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return time.Second
		}
		return 0
	}

	cfg := testConfig(t)
	cfg.TaskTimeout = 50 * time.Millisecond
	cfg.MaxRestarts = 1
	p, err := NewSequential(provider, []string{netlist.CellRCFilter}, cfg, testLogger())
	require.NoError(t, err)
	defer p.Stop()

	outcomes, err := p.Run(context.Background(), rcBatch(1))
	require.NoError(t, err)
	assert.Equal(t, domain.Success, outcomes[0].Status)
	assert.Equal(t, 2, outcomes[0].Attempts)
}

// ─── Persistent handle recycling ────────────────────────────────────────────

func TestWorker_RestartEveryRecyclesHandle(t *testing.T) {
	provider := spice.NewMockProvider(netlist.NewRegistry())
	provider.SetCapabilities(spice.Capabilities{Parallel: true, Persistent: true})

	cfg := testConfig(t)
	cfg.RestartEvery = 2
	p, err := NewSequential(provider, []string{netlist.CellRCFilter}, cfg, testLogger())
	require.NoError(t, err)
	defer p.Stop()

	outcomes, err := p.Run(context.Background(), rcBatch(5))
	require.NoError(t, err)
	for _, o := range outcomes {
		require.Equal(t, domain.Success, o.Status)
	}

	// One probe open at construction, then a fresh handle every two jobs:
	// jobs 1-2, 3-4, 5.
	assert.Equal(t, 4, provider.Opened())
}

// ─── Routing ────────────────────────────────────────────────────────────────

func TestSequential_RoundRobinByTemplate(t *testing.T) {
	provider := spice.NewMockProvider(netlist.NewRegistry())
	cfg := testConfig(t)
	p, err := NewSequential(provider, []string{netlist.CellInverter, netlist.CellRCFilter}, cfg, testLogger())
	require.NoError(t, err)
	defer p.Stop()

	// Empty template refs round-robin over the pool's netlists.
	batch := []domain.Task{
		{Measures: []string{"tpavg"}},
		{Measures: []string{"f_cutoff"}},
		{Measures: []string{"tpavg"}},
		{Measures: []string{"f_cutoff"}},
	}
	outcomes, err := p.Run(context.Background(), batch)
	require.NoError(t, err)
	for i, o := range outcomes {
		require.Equal(t, domain.Success, o.Status, "task %d: %s", i, o.Diagnostic)
	}
	assert.Contains(t, outcomes[0].Measures, "tpavg")
	assert.Contains(t, outcomes[1].Measures, "f_cutoff")
}
