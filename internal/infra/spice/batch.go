// Batch backend: one external ngspice process per task, in non-interactive
// batch mode. Strict isolation: a fresh process, a freshly materialized
// netlist and a private scope directory per run, so a crashed or corrupted
// simulation can never poison a later one.
package spice

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cellforge-eda/cellforge/internal/domain"
	"github.com/cellforge-eda/cellforge/internal/infra/netlist"
)

// BatchProvider opens batch backends. Safe for parallel pools: every Run
// is its own OS process and its own files.
type BatchProvider struct {
	ngspice  string
	registry *netlist.Registry
}

// NewBatchProvider locates ngspice under home and returns a provider.
func NewBatchProvider(home string, reg *netlist.Registry) (*BatchProvider, error) {
	path, err := FindNgspice(home)
	if err != nil {
		return nil, err
	}
	return &BatchProvider{ngspice: path, registry: reg}, nil
}

// NewBatchProviderWithBinary skips discovery; used when the config pins
// an explicit simulator path.
func NewBatchProviderWithBinary(bin string, reg *netlist.Registry) *BatchProvider {
	return &BatchProvider{ngspice: bin, registry: reg}
}

func (p *BatchProvider) Capabilities() Capabilities {
	return Capabilities{Parallel: true, Persistent: false}
}

// Open binds a backend to an isolation scope directory.
func (p *BatchProvider) Open(scope string) (Backend, error) {
	if err := os.MkdirAll(scope, 0o755); err != nil {
		return nil, fmt.Errorf("create scope %s: %w", scope, err)
	}
	return &BatchBackend{ngspice: p.ngspice, registry: p.registry, scope: scope}, nil
}

// BatchBackend runs ngspice -b once per Run call.
type BatchBackend struct {
	ngspice  string
	registry *netlist.Registry
	scope    string

	tmpl   *netlist.Template
	params map[string]float64
	log    string // raw simulator output of the last Run
	closed bool
}

// Load resolves the netlist template. A missing file or unknown cell is
// a load error and aborts pool construction.
func (b *BatchBackend) Load(ref string) error {
	if b.closed {
		return domain.ErrBackendClosed
	}
	tmpl, err := b.registry.Resolve(ref)
	if err != nil {
		return err
	}
	b.tmpl = tmpl
	b.params = make(map[string]float64)
	b.log = ""
	return nil
}

// SetParameter stages a parameter for the next Run.
func (b *BatchBackend) SetParameter(name string, value float64) error {
	if b.closed {
		return domain.ErrBackendClosed
	}
	if b.tmpl == nil {
		return domain.ErrLoadFailed
	}
	if !b.tmpl.Has(name) {
		return fmt.Errorf("set %q: %w", name, domain.ErrUnknownParameter)
	}
	b.params[name] = value
	return nil
}

// Run materializes the netlist into the scope and executes ngspice in
// batch mode. Exit code 0 and a non-empty log are required; anything
// else is a retryable failure for the pool to classify.
func (b *BatchBackend) Run(ctx context.Context) error {
	if b.closed {
		return domain.ErrBackendClosed
	}
	if b.tmpl == nil {
		return domain.ErrLoadFailed
	}

	text, err := b.tmpl.Materialize(b.params)
	if err != nil {
		return err
	}

	cirPath := filepath.Join(b.scope, "input.cir")
	logPath := filepath.Join(b.scope, "sim.log")
	if err := os.WriteFile(cirPath, []byte(text), 0o644); err != nil {
		return fmt.Errorf("write netlist: %w", err)
	}

	stderr := &limitedBuffer{max: 8192}
	cmd := exec.CommandContext(ctx, b.ngspice, "-b", "-o", logPath, cirPath)
	cmd.Stdout = stderr // batch mode chatters on stdout too; keep the tail
	cmd.Stderr = stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", b.tmpl.Cell, domain.ErrRunTimeout)
	}
	if runErr != nil {
		return fmt.Errorf("%s: %s: %w", b.tmpl.Cell, tail(stderr.String(), 5), domain.ErrRunFailed)
	}

	raw, err := os.ReadFile(logPath)
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		// The process exited cleanly but left no log: treat as a crash.
		return fmt.Errorf("%s: empty simulator log: %w", b.tmpl.Cell, domain.ErrRunFailed)
	}

	b.log = string(raw)
	return nil
}

// GetMeasure reads a named result out of the last Run's log.
func (b *BatchBackend) GetMeasure(name string) (float64, error) {
	if b.closed {
		return 0, domain.ErrBackendClosed
	}
	if b.log == "" {
		return 0, fmt.Errorf("measure %q before run: %w", name, domain.ErrMeasureMissing)
	}
	return ExtractMeasure(b.log, name)
}

// Stop is idempotent. The batch process has already exited by the time
// Run returns; artifacts stay in the scope for post-mortem inspection.
func (b *BatchBackend) Stop() { b.closed = true }

// ─── Helpers ────────────────────────────────────────────────────────────────

// tail returns the last n lines of s, joined with "; ".
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "; ")
}

// limitedBuffer is a thread-safe buffer that keeps only the last N bytes.
// Used to capture simulator output without unbounded memory usage.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.buf.Write(p)
	if b.buf.Len() > b.max {
		data := b.buf.Bytes()
		b.buf.Reset()
		b.buf.Write(data[len(data)-b.max:])
	}
	return n, err
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// waitOrKill waits for cmd with a grace period, then forces it down.
func waitOrKill(cmd *exec.Cmd, grace time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		cmd.Wait() //nolint:errcheck
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		cmd.Process.Kill() //nolint:errcheck
	}
}
