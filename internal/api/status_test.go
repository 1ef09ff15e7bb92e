package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/guykatzsedric/snc-scraper/internal/cache"
	"github.com/guykatzsedric/snc-scraper/internal/investor"
	"github.com/guykatzsedric/snc-scraper/internal/progress"
	"github.com/guykatzsedric/snc-scraper/internal/resume"
	"github.com/guykatzsedric/snc-scraper/internal/selector"
	"github.com/guykatzsedric/snc-scraper/internal/snapshot"
	"github.com/guykatzsedric/snc-scraper/internal/storage"
)

type fixture struct {
	store *progress.Store
	db    *storage.Store
	cache *cache.Index
	deps  Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	snaps := snapshot.NewMemory()
	store := progress.New(db, snaps, progress.Options{SessionID: "20250101_120000"})
	idx := cache.Open(filepath.Join(t.TempDir(), "vc_cache.json"))
	sel := selector.New(store)

	return &fixture{
		store: store,
		db:    db,
		cache: idx,
		deps: Deps{
			Progress: store,
			Planner:  resume.New(false, store, sel),
			Work:     sel,
			Cache:    idx,
			Runs:     db,
		},
	}
}

func get(t *testing.T, h http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decoding %q: %v", rr.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	h := NewHandler(Deps{Token: "secret"})
	rr := get(t, h, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	decode(t, rr, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.store.RecordStatus("a", investor.StatusPending, "u", 1)
	f.store.RecordStatus("b", investor.StatusInProgress, "u", 1)
	if _, err := f.db.StartRun(storage.Run{SessionID: "s1", Mode: "page", StartUnit: 1}); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	rr := get(t, NewHandler(f.deps), "/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var body statusResponse
	decode(t, rr, &body)
	if body.SessionID != "20250101_120000" {
		t.Errorf("session = %q", body.SessionID)
	}
	if body.Items[investor.StatusPending] != 1 || body.Items[investor.StatusInProgress] != 1 || body.Items[investor.StatusCompleted] != 0 {
		t.Errorf("items = %v", body.Items)
	}
	if len(body.Runs) != 1 || body.Runs[0].Status != "running" || body.Runs[0].StartPage != 1 {
		t.Errorf("runs = %+v", body.Runs)
	}

	if rr := get(t, NewHandler(f.deps), "/status?runs=x"); rr.Code != http.StatusBadRequest {
		t.Errorf("bad runs param status = %d, want 400", rr.Code)
	}
}

func TestItems(t *testing.T) {
	f := newFixture(t)
	f.store.RecordStatus("a", investor.StatusInProgress, "u", 1)
	f.store.RecordStatus("a", investor.StatusFailed, "u", 1)
	h := NewHandler(f.deps)

	rr := get(t, h, "/items?status=failed")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		Count int      `json:"count"`
		IDs   []string `json:"ids"`
	}
	decode(t, rr, &body)
	if body.Count != 1 || body.IDs[0] != "a" {
		t.Errorf("body = %+v", body)
	}

	if rr := get(t, h, "/items?status=bogus"); rr.Code != http.StatusBadRequest {
		t.Errorf("bogus status code = %d, want 400", rr.Code)
	}
	if rr := get(t, h, "/items"); rr.Code != http.StatusBadRequest {
		t.Errorf("missing status code = %d, want 400", rr.Code)
	}
}

func TestCacheStats(t *testing.T) {
	f := newFixture(t)
	f.cache.AddItem("a", "A", "u", 1)
	f.cache.SetCompleted("a", "")
	f.cache.AddItem("b", "B", "u", 1)

	rr := get(t, NewHandler(f.deps), "/cache/stats")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var st cache.Stats
	decode(t, rr, &st)
	if st.Total != 2 || st.Completed != 1 || st.CompletionRate != "50.0%" {
		t.Errorf("stats = %+v", st)
	}
}

func TestCacheStatsUnavailable(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.deps.Cache = cache.Open(path)
	if rr := get(t, NewHandler(f.deps), "/cache/stats"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}

	f.deps.Cache = nil
	if rr := get(t, NewHandler(f.deps), "/cache/stats"); rr.Code != http.StatusNotFound {
		t.Errorf("status without cache = %d, want 404", rr.Code)
	}
}

func TestUnitsAndPlan(t *testing.T) {
	f := newFixture(t)
	full := investor.Record{"vc_id": "a", "founded": "2010", "investments": []any{"x"}}
	for _, id := range []string{"a", "b"} {
		f.store.RecordStatus(id, investor.StatusInProgress, "u", 1)
	}
	f.store.RecordStatus("a", investor.StatusCompleted, "u", 1)
	if _, err := f.store.PersistSnapshot(1, []investor.Record{full}); err != nil {
		t.Fatalf("PersistSnapshot: %v", err)
	}
	h := NewHandler(f.deps)

	rr := get(t, h, "/units")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var units []unitJSON
	decode(t, rr, &units)
	if len(units) != 1 || units[0].Page != 1 || units[0].Status != "in_progress" || units[0].Scraped != 1 || units[0].Total != 2 {
		t.Errorf("units = %+v", units)
	}

	rr = get(t, h, "/units/1")
	var unit unitJSON
	decode(t, rr, &unit)
	if unit.NeedsWork == nil || !*unit.NeedsWork {
		t.Errorf("unit = %+v, want needs_work", unit)
	}
	if rr := get(t, h, "/units/7"); rr.Code != http.StatusNotFound {
		t.Errorf("missing unit status = %d, want 404", rr.Code)
	}
	if rr := get(t, h, "/units/zero"); rr.Code != http.StatusBadRequest {
		t.Errorf("bad unit status = %d, want 400", rr.Code)
	}

	rr = get(t, h, "/plan")
	var plan map[string]int
	decode(t, rr, &plan)
	if plan["next_page"] != 1 {
		t.Errorf("plan = %v, want next_page 1", plan)
	}
}

func TestBearerAuth(t *testing.T) {
	f := newFixture(t)
	f.deps.Token = "secret"
	h := NewHandler(f.deps)

	if rr := get(t, h, "/status"); rr.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rr.Code)
	}
	if rr := get(t, h, "/status", "Authorization", "Bearer wrong"); rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", rr.Code)
	}
	if rr := get(t, h, "/status", "Authorization", "Bearer secret"); rr.Code != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", rr.Code)
	}
	if rr := get(t, h, "/health"); rr.Code != http.StatusOK {
		t.Errorf("health behind auth: %d", rr.Code)
	}
}
