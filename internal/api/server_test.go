package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cellforge-eda/cellforge/internal/domain"
	"github.com/cellforge-eda/cellforge/internal/infra/monitor"
	"github.com/cellforge-eda/cellforge/internal/infra/sqlite"
)

func newTestServer(t *testing.T) (*Server, *monitor.Writer, *sqlite.DB) {
	t.Helper()
	dir := t.TempDir()

	w, err := monitor.NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewServer(dir, db, "test"), w, db
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := get(t, srv.Handler(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestStatus_BeforeAndAfterWrite(t *testing.T) {
	srv, w, _ := newTestServer(t)
	h := srv.Handler()

	if rec := get(t, h, "/api/status"); rec.Code != http.StatusNotFound {
		t.Fatalf("status before write = %d, want 404", rec.Code)
	}

	if err := w.WriteStatus(domain.RunState{RunID: "run1", StepCount: 12}); err != nil {
		t.Fatal(err)
	}

	rec := get(t, h, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var st domain.RunState
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.RunID != "run1" || st.StepCount != 12 {
		t.Errorf("got %+v", st)
	}
}

func TestBest_Endpoint(t *testing.T) {
	srv, w, _ := newTestServer(t)
	h := srv.Handler()

	if rec := get(t, h, "/api/best"); rec.Code != http.StatusNotFound {
		t.Fatalf("best before write = %d, want 404", rec.Code)
	}

	err := w.WriteBest(monitor.BestRecord{RunID: "run1", Step: 3, Reward: 0.7, At: time.Now()})
	if err != nil {
		t.Fatal(err)
	}

	rec := get(t, h, "/api/best")
	if rec.Code != http.StatusOK {
		t.Fatalf("best = %d, want 200", rec.Code)
	}
	var best monitor.BestRecord
	if err := json.NewDecoder(rec.Body).Decode(&best); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if best.Reward != 0.7 {
		t.Errorf("Reward = %g, want 0.7", best.Reward)
	}
}

func TestRuns_Endpoints(t *testing.T) {
	srv, _, db := newTestServer(t)
	h := srv.Handler()

	if err := db.CreateRun("run1", "inv_char", time.Now()); err != nil {
		t.Fatal(err)
	}
	err := db.AppendImprovement(sqlite.Improvement{
		RunID: "run1", Step: 10, Timestamp: time.Now(), Reward: 0.3,
		Params:   map[string]float64{"wn": 1},
		Measures: map[string]float64{"tpavg": 1e-11},
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := get(t, h, "/api/runs")
	if rec.Code != http.StatusOK {
		t.Fatalf("runs = %d, want 200", rec.Code)
	}
	var runs []sqlite.RunRecord
	if err := json.NewDecoder(rec.Body).Decode(&runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run1" {
		t.Errorf("runs = %+v", runs)
	}

	if rec := get(t, h, "/api/runs/run1"); rec.Code != http.StatusOK {
		t.Errorf("run = %d, want 200", rec.Code)
	}
	if rec := get(t, h, "/api/runs/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("missing run = %d, want 404", rec.Code)
	}

	rec = get(t, h, "/api/runs/run1/history")
	if rec.Code != http.StatusOK {
		t.Fatalf("history = %d, want 200", rec.Code)
	}
	var imps []sqlite.Improvement
	if err := json.NewDecoder(rec.Body).Decode(&imps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(imps) != 1 || imps[0].Reward != 0.3 {
		t.Errorf("improvements = %+v", imps)
	}
}

func TestMetrics_Exposed(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := get(t, srv.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d, want 200", rec.Code)
	}
}
