// Package netlist provides parameterized SPICE netlist templates.
// Templates are opaque text with named substitution points of the form
// {{name}}; the registry resolves a template reference (a builtin cell
// name or a .cir file path) to a Template ready for materialization.
package netlist

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/cellforge-eda/cellforge/internal/domain"
)

var placeholderRe = regexp.MustCompile(`\{\{([A-Za-z_]\w*)\}\}`)

// Template is a materializable netlist keyed by cell name.
type Template struct {
	Cell     string
	Text     string
	Defaults map[string]float64 // substitution points with default values
	Measures []string           // measures the netlist's .meas lines produce
}

// Params returns the template's parameter names, sorted.
func (t *Template) Params() []string {
	names := make([]string, 0, len(t.Defaults))
	for n := range t.Defaults {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is a substitution point of the template.
func (t *Template) Has(name string) bool {
	_, ok := t.Defaults[name]
	return ok
}

// Materialize substitutes the given parameters (falling back to the
// defaults) into the template text. A parameter name the template does
// not define is an error — silently dropping it would desynchronize the
// optimizer from the simulator.
func (t *Template) Materialize(params map[string]float64) (string, error) {
	for name := range params {
		if !t.Has(name) {
			return "", fmt.Errorf("materialize %s: %q: %w", t.Cell, name, domain.ErrUnknownParameter)
		}
	}

	out := placeholderRe.ReplaceAllStringFunc(t.Text, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := params[name]; ok {
			return formatValue(v)
		}
		return formatValue(t.Defaults[name])
	})
	return out, nil
}

// formatValue renders a parameter in a form ngspice accepts.
func formatValue(v float64) string {
	return fmt.Sprintf("%.12g", v)
}

// ─── Registry ───────────────────────────────────────────────────────────────

// Registry resolves template references. Builtin cells are registered at
// construction; references containing a path separator or a .cir suffix
// are read from disk.
type Registry struct {
	builtin map[string]*Template
}

// NewRegistry returns a registry preloaded with the builtin cells.
func NewRegistry() *Registry {
	r := &Registry{builtin: make(map[string]*Template)}
	r.Register(inverterChar())
	r.Register(rcFilter())
	return r
}

// Register adds or replaces a template under its cell name.
func (r *Registry) Register(t *Template) { r.builtin[t.Cell] = t }

// Cells lists the registered cell names, sorted.
func (r *Registry) Cells() []string {
	names := make([]string, 0, len(r.builtin))
	for n := range r.builtin {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve maps a reference to a template. File references must exist and
// parse; a missing file or unknown cell is a load error.
func (r *Registry) Resolve(ref string) (*Template, error) {
	if strings.ContainsRune(ref, os.PathSeparator) || strings.HasSuffix(ref, ".cir") {
		return r.loadFile(ref)
	}
	t, ok := r.builtin[ref]
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", ref, domain.ErrTemplateNotFound)
	}
	return t, nil
}

// loadFile reads a .cir template from disk. Substitution points are
// discovered from the text; they default to zero until set explicitly.
func (r *Registry) loadFile(path string) (*Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read netlist %s: %w", path, domain.ErrLoadFailed)
	}
	text := string(raw)

	defaults := make(map[string]float64)
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		defaults[m[1]] = 0
	}

	cell := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &Template{
		Cell:     cell,
		Text:     text,
		Defaults: defaults,
		Measures: scanMeasures(text),
	}, nil
}

// scanMeasures extracts measure names from .meas lines.
func scanMeasures(text string) []string {
	var names []string
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) >= 3 && strings.HasPrefix(strings.ToLower(fields[0]), ".meas") {
			names = append(names, strings.ToLower(fields[2]))
		}
	}
	return names
}

// ─── Builtin cells ──────────────────────────────────────────────────────────

// CellInverter characterizes a CMOS inverter: propagation delays, leakage
// and static power over wn/wp/vdd/lch.
const CellInverter = "inv_char"

// CellRCFilter is a first-order RC low-pass with an AC cutoff measure.
const CellRCFilter = "rc_filter"

func inverterChar() *Template {
	return &Template{
		Cell: CellInverter,
		Text: `* Inverter characterization — sky130-style sizing sweep
.param wn={{wn}}
.param wp={{wp}}
.param vdd={{vdd}}
.param lch={{lch}}

Vdd vdd 0 {vdd}
Vin in 0 PULSE(0 {vdd} 0 50p 50p 2n 4n)
M1 out in 0   0   nmos W={wn}u L={lch}u
M2 out in vdd vdd pmos W={wp}u L={lch}u
Cload out 0 10f

.tran 10p 20n

.meas tran tphl TRIG v(in) VAL='vdd/2' RISE=2 TARG v(out) VAL='vdd/2' FALL=2
.meas tran tplh TRIG v(in) VAL='vdd/2' FALL=2 TARG v(out) VAL='vdd/2' RISE=2
.meas tran tpavg PARAM='(tphl+tplh)/2'
.meas tran ileak FIND i(Vdd) AT=15n
.meas tran pstatic PARAM='abs(ileak)*vdd'

.end
`,
		Defaults: map[string]float64{"wn": 0.42, "wp": 0.84, "vdd": 1.8, "lch": 0.15},
		Measures: []string{"tphl", "tplh", "tpavg", "ileak", "pstatic"},
	}
}

func rcFilter() *Template {
	return &Template{
		Cell: CellRCFilter,
		Text: `* First-order RC low-pass filter
.param Rval={{Rval}}
.param Cval={{Cval}}

Vin in 0 AC 1
R1 in out {Rval}
C1 out 0 {Cval}

.ac dec 50 1 100Meg

.meas ac f_cutoff WHEN vdb(out)=-3
.end
`,
		Defaults: map[string]float64{"Rval": 1e3, "Cval": 100e-9},
		Measures: []string{"f_cutoff"},
	}
}
