package spice

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/cellforge-eda/cellforge/internal/domain"
)

// ─── Measurement Extraction ─────────────────────────────────────────────────
// ngspice prints .meas results as lines of the form
//
//	tpavg               =  2.34512e-11 targ=  1.0021e-08 trig=  9.7868e-09
//
// Extraction is pure and deterministic: the first binding of the
// requested name wins, trailing tokens (units, targ/trig remnants) are
// ignored, and a malformed numeric token is MeasureMissing — never a
// silently coerced value.

// ExtractMeasure returns the first value bound to name in raw log text.
func ExtractMeasure(log, name string) (float64, error) {
	want := strings.ToLower(name)

	sc := bufio.NewScanner(strings.NewReader(log))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || fields[1] != "=" {
			continue
		}
		if strings.ToLower(fields[0]) != want {
			continue
		}
		v, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return 0, fmt.Errorf("measure %q: malformed value %q: %w", name, fields[2], domain.ErrMeasureMissing)
		}
		return v, nil
	}
	return 0, fmt.Errorf("measure %q: %w", name, domain.ErrMeasureMissing)
}

// ExtractMeasures extracts each requested name from the log. The first
// missing or malformed measure aborts the extraction.
func ExtractMeasures(log string, names []string) (map[string]float64, error) {
	out := make(map[string]float64, len(names))
	for _, n := range names {
		v, err := ExtractMeasure(log, n)
		if err != nil {
			return nil, err
		}
		out[n] = v
	}
	return out, nil
}
