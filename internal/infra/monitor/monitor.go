// Package monitor emits file-based training snapshots for an external
// dashboard. The contract is passive: this process writes, the
// dashboard only reads. Snapshots go through write-temp-then-rename so
// a reader never observes a half-written file.
package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cellforge-eda/cellforge/internal/domain"
)

// BestRecord is the best result so far and what produced it.
type BestRecord struct {
	RunID    string             `json:"run_id"`
	Step     int                `json:"step"`
	Reward   float64            `json:"reward"`
	Params   map[string]float64 `json:"params"`
	Measures map[string]float64 `json:"measures"`
	At       time.Time          `json:"at"`
}

// Writer writes status.json, best.json and an append-only
// history.jsonl into one directory. Single-writer: the training loop
// owns it exclusively.
type Writer struct {
	dir string
}

// NewWriter creates the monitoring directory.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create monitor dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Dir returns the monitoring directory.
func (w *Writer) Dir() string { return w.dir }

// WriteStatus snapshots the run state.
func (w *Writer) WriteStatus(st domain.RunState) error {
	return w.writeJSON("status.json", st)
}

// WriteBest snapshots the best record.
func (w *Writer) WriteBest(b BestRecord) error {
	return w.writeJSON("best.json", b)
}

// AppendHistory appends one improvement event to history.jsonl. A
// plain append is safe here: there is exactly one writer and JSONL
// readers skip a torn final line.
func (w *Writer) AppendHistory(b BestRecord) error {
	f, err := os.OpenFile(filepath.Join(w.dir, "history.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(b)
}

// ReadStatus loads the last written status, for the serve command.
func ReadStatus(dir string) (domain.RunState, error) {
	var st domain.RunState
	data, err := os.ReadFile(filepath.Join(dir, "status.json"))
	if err != nil {
		return st, err
	}
	return st, json.Unmarshal(data, &st)
}

// ReadBest loads the last written best record.
func ReadBest(dir string) (BestRecord, error) {
	var b BestRecord
	data, err := os.ReadFile(filepath.Join(dir, "best.json"))
	if err != nil {
		return b, err
	}
	return b, json.Unmarshal(data, &b)
}

// writeJSON renames a fully written temp file over the target, so the
// visible file is always complete.
func (w *Writer) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(w.dir, name+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(w.dir, name))
}
