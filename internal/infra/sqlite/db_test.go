package sqlite

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "history.db")); os.IsNotExist(err) {
		t.Error("history.db should exist")
	}
	if err := db.Ping(); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		db, err := Open(dir)
		if err != nil {
			t.Fatalf("Open() #%d error: %v", i, err)
		}
		db.Close()
	}
}

// ─── Runs ───────────────────────────────────────────────────────────────────

func TestRun_Lifecycle(t *testing.T) {
	db := newTestDB(t)

	start := time.Now()
	if err := db.CreateRun("run1", "inv_char", start); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	run, err := db.GetRun("run1")
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if run == nil {
		t.Fatal("GetRun() = nil, want record")
	}
	if run.Cell != "inv_char" {
		t.Errorf("Cell = %q, want inv_char", run.Cell)
	}
	if !run.FinishedAt.IsZero() {
		t.Error("FinishedAt should be zero before FinishRun")
	}

	params := map[string]float64{"wn": 1.2, "wp": 2.4}
	if err := db.FinishRun("run1", 500, 7, 1.75, params, "plateau"); err != nil {
		t.Fatalf("FinishRun() error: %v", err)
	}

	run, err = db.GetRun("run1")
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if run.Steps != 500 || run.Errors != 7 {
		t.Errorf("Steps/Errors = %d/%d, want 500/7", run.Steps, run.Errors)
	}
	if run.BestReward != 1.75 {
		t.Errorf("BestReward = %g, want 1.75", run.BestReward)
	}
	if run.BestParams["wp"] != 2.4 {
		t.Errorf("BestParams = %v, want wp=2.4", run.BestParams)
	}
	if run.StopReason != "plateau" {
		t.Errorf("StopReason = %q, want plateau", run.StopReason)
	}
}

func TestGetRun_Missing(t *testing.T) {
	db := newTestDB(t)
	run, err := db.GetRun("nope")
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if run != nil {
		t.Errorf("GetRun() = %+v, want nil", run)
	}
}

func TestListRuns_Ordering(t *testing.T) {
	db := newTestDB(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		if err := db.CreateRun(id, "inv_char", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("CreateRun(%s) error: %v", id, err)
		}
	}

	runs, err := db.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns() error: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len = %d, want 3", len(runs))
	}
	// Newest first.
	if runs[0].ID != "c" || runs[2].ID != "a" {
		t.Errorf("order = %s,%s,%s, want c,b,a", runs[0].ID, runs[1].ID, runs[2].ID)
	}
}

// ─── Improvements ───────────────────────────────────────────────────────────

func TestImprovements_AppendAndList(t *testing.T) {
	db := newTestDB(t)
	if err := db.CreateRun("run1", "inv_char", time.Now()); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	for i, r := range []float64{-3, -1, 0.2} {
		imp := Improvement{
			RunID:     "run1",
			Step:      (i + 1) * 10,
			Timestamp: time.Now(),
			Reward:    r,
			Params:    map[string]float64{"wn": float64(i)},
			Measures:  map[string]float64{"tpavg": 1e-11},
		}
		if err := db.AppendImprovement(imp); err != nil {
			t.Fatalf("AppendImprovement() error: %v", err)
		}
	}

	imps, err := db.ListImprovements("run1")
	if err != nil {
		t.Fatalf("ListImprovements() error: %v", err)
	}
	if len(imps) != 3 {
		t.Fatalf("len = %d, want 3", len(imps))
	}
	if imps[0].Reward != -3 || imps[2].Reward != 0.2 {
		t.Errorf("rewards = %g..%g, want -3..0.2", imps[0].Reward, imps[2].Reward)
	}
	if imps[2].Step != 30 {
		t.Errorf("Step = %d, want 30", imps[2].Step)
	}
	if imps[1].Measures["tpavg"] != 1e-11 {
		t.Errorf("Measures = %v", imps[1].Measures)
	}
}

func TestListImprovements_EmptyRun(t *testing.T) {
	db := newTestDB(t)
	imps, err := db.ListImprovements("nothing")
	if err != nil {
		t.Fatalf("ListImprovements() error: %v", err)
	}
	if len(imps) != 0 {
		t.Errorf("len = %d, want 0", len(imps))
	}
}
