// Persistent backend: one long-lived interactive ngspice process, reused
// across many set-parameter/run cycles. Cheaper per call than the batch
// variant, but a parse failure or protocol desync poisons the handle —
// every later call fails until the owning worker rebuilds it.
package spice

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cellforge-eda/cellforge/internal/domain"
	"github.com/cellforge-eda/cellforge/internal/infra/netlist"
)

// protocolTimeout bounds housekeeping commands (source, alterparam).
const protocolTimeout = 10 * time.Second

// PersistentProvider opens persistent backends. Not parallel-safe: the
// interactive handle must never be instantiated in more than one worker
// of the same process, mirroring the native library's fork-unsafety.
type PersistentProvider struct {
	ngspice  string
	registry *netlist.Registry
}

// NewPersistentProvider locates ngspice under home and returns a provider.
func NewPersistentProvider(home string, reg *netlist.Registry) (*PersistentProvider, error) {
	path, err := FindNgspice(home)
	if err != nil {
		return nil, err
	}
	return &PersistentProvider{ngspice: path, registry: reg}, nil
}

// NewPersistentProviderWithBinary skips discovery.
func NewPersistentProviderWithBinary(bin string, reg *netlist.Registry) *PersistentProvider {
	return &PersistentProvider{ngspice: bin, registry: reg}
}

func (p *PersistentProvider) Capabilities() Capabilities {
	return Capabilities{Parallel: false, Persistent: true}
}

func (p *PersistentProvider) Open(scope string) (Backend, error) {
	if err := os.MkdirAll(scope, 0o755); err != nil {
		return nil, fmt.Errorf("create scope %s: %w", scope, err)
	}
	return &PersistentBackend{ngspice: p.ngspice, registry: p.registry, scope: scope}, nil
}

// PersistentBackend drives an interactive ngspice session over pipes.
type PersistentBackend struct {
	ngspice  string
	registry *netlist.Registry
	scope    string

	tmpl     *netlist.Template
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	lines    chan string
	seq      int
	log      string
	poisoned bool
	closed   bool
}

// Load materializes the template with its defaults, starts the
// interactive session and sources the netlist into it.
func (b *PersistentBackend) Load(ref string) error {
	if b.closed {
		return domain.ErrBackendClosed
	}
	tmpl, err := b.registry.Resolve(ref)
	if err != nil {
		return err
	}

	text, err := tmpl.Materialize(nil)
	if err != nil {
		return err
	}
	cirPath := filepath.Join(b.scope, "input.cir")
	if err := os.WriteFile(cirPath, []byte(text), 0o644); err != nil {
		return fmt.Errorf("write netlist: %w", err)
	}

	if err := b.start(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), protocolTimeout)
	defer cancel()
	out, err := b.exec(ctx, "source "+cirPath)
	if err != nil {
		b.poisoned = true
		return fmt.Errorf("source %s: %w", ref, domain.ErrLoadFailed)
	}
	if strings.Contains(strings.ToLower(out), "circuit not parsed") {
		b.poisoned = true
		return fmt.Errorf("source %s: circuit not parsed: %w", ref, domain.ErrLoadFailed)
	}

	b.tmpl = tmpl
	return nil
}

// start spawns the interactive process and the stdout pump.
func (b *PersistentBackend) start() error {
	cmd := exec.Command(b.ngspice, "-p")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ngspice: %w", err)
	}

	lines := make(chan string, 256)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	b.cmd = cmd
	b.stdin = stdin
	b.lines = lines
	return nil
}

// exec sends commands bracketed by echo markers and collects the output
// produced in between. Any protocol failure poisons the handle.
func (b *PersistentBackend) exec(ctx context.Context, cmds ...string) (string, error) {
	if b.cmd == nil {
		return "", domain.ErrBackendClosed
	}
	b.seq++
	begin := fmt.Sprintf("__CF_BEGIN_%d__", b.seq)
	end := fmt.Sprintf("__CF_END_%d__", b.seq)

	script := "echo " + begin + "\n" + strings.Join(cmds, "\n") + "\necho " + end + "\n"
	if _, err := io.WriteString(b.stdin, script); err != nil {
		return "", fmt.Errorf("write command: %w", domain.ErrRunFailed)
	}

	var sb strings.Builder
	inBlock := false
	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return "", domain.ErrRunTimeout
			}
			return "", ctx.Err()
		case line, ok := <-b.lines:
			if !ok {
				// Process died mid-command.
				return "", fmt.Errorf("simulator exited: %w", domain.ErrRunFailed)
			}
			switch {
			case strings.Contains(line, begin):
				inBlock = true
			case strings.Contains(line, end):
				return sb.String(), nil
			case inBlock:
				sb.WriteString(line)
				sb.WriteByte('\n')
			}
		}
	}
}

// SetParameter issues alterparam; the value takes effect on the next Run
// via the reset that Run performs.
func (b *PersistentBackend) SetParameter(name string, value float64) error {
	if b.closed {
		return domain.ErrBackendClosed
	}
	if b.tmpl == nil {
		return domain.ErrLoadFailed
	}
	if b.poisoned {
		return fmt.Errorf("handle poisoned: %w", domain.ErrRunFailed)
	}
	if !b.tmpl.Has(name) {
		return fmt.Errorf("set %q: %w", name, domain.ErrUnknownParameter)
	}

	ctx, cancel := context.WithTimeout(context.Background(), protocolTimeout)
	defer cancel()
	if _, err := b.exec(ctx, fmt.Sprintf("alterparam %s = %g", name, value)); err != nil {
		b.poisoned = true
		return err
	}
	return nil
}

// Run resets the circuit and executes the analysis. Output between the
// markers (including .meas result lines) becomes the measurement log.
func (b *PersistentBackend) Run(ctx context.Context) error {
	if b.closed {
		return domain.ErrBackendClosed
	}
	if b.tmpl == nil {
		return domain.ErrLoadFailed
	}
	if b.poisoned {
		return fmt.Errorf("handle poisoned: %w", domain.ErrRunFailed)
	}

	out, err := b.exec(ctx, "reset", "run")
	if err != nil {
		b.poisoned = true
		b.kill()
		return err
	}
	if strings.Contains(strings.ToLower(out), "error") && !strings.Contains(out, "=") {
		b.poisoned = true
		return fmt.Errorf("%s: simulator error: %w", b.tmpl.Cell, domain.ErrRunFailed)
	}

	b.log = out
	return nil
}

// GetMeasure reads a named result out of the last Run's captured output.
func (b *PersistentBackend) GetMeasure(name string) (float64, error) {
	if b.closed {
		return 0, domain.ErrBackendClosed
	}
	if b.log == "" {
		return 0, fmt.Errorf("measure %q before run: %w", name, domain.ErrMeasureMissing)
	}
	return ExtractMeasure(b.log, name)
}

// Stop quits the session, then kills it if it lingers. Idempotent.
func (b *PersistentBackend) Stop() {
	if b.closed {
		return
	}
	b.closed = true

	if b.stdin != nil {
		io.WriteString(b.stdin, "quit\n") //nolint:errcheck
		b.stdin.Close()                   //nolint:errcheck
	}
	b.kill()
}

// kill forces the process down and reaps it.
func (b *PersistentBackend) kill() {
	if b.cmd == nil || b.cmd.Process == nil {
		return
	}
	b.cmd.Process.Kill() //nolint:errcheck
	waitOrKill(b.cmd, 2*time.Second)
	b.cmd = nil
}
