package progress

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guykatzsedric/snc-scraper/internal/investor"
	"github.com/guykatzsedric/snc-scraper/internal/snapshot"
	"github.com/guykatzsedric/snc-scraper/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(NewMemoryLedger(), snapshot.NewMemory(), Options{SessionID: "20250101_120000", UserType: "fresh"})
}

func TestRecordStatusInsertsAndUpdates(t *testing.T) {
	s := newTestStore(t)

	if got := s.Status("acme"); got != investor.StatusPending {
		t.Fatalf("unknown item status = %q, want pending", got)
	}

	if err := s.RecordStatus("acme", investor.StatusPending, "https://x/investor_page/acme", 2); err != nil {
		t.Fatalf("RecordStatus pending: %v", err)
	}
	it, err := s.Item("acme")
	if err != nil {
		t.Fatalf("Item: %v", err)
	}
	if it.Attempts != 0 || it.Unit != 2 || it.URL == "" {
		t.Errorf("new item = %+v", it)
	}

	if err := s.RecordStatus("acme", investor.StatusInProgress, "", 0); err != nil {
		t.Fatalf("RecordStatus in_progress: %v", err)
	}
	if err := s.RecordStatus("acme", investor.StatusInProgress, "", 0); err != nil {
		t.Fatalf("RecordStatus in_progress again: %v", err)
	}
	it, _ = s.Item("acme")
	if it.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", it.Attempts)
	}

	if err := s.RecordStatus("acme", investor.StatusCompleted, "", 0); err != nil {
		t.Fatalf("RecordStatus completed: %v", err)
	}
	if got := s.Status("acme"); got != investor.StatusCompleted {
		t.Errorf("Status = %q, want completed", got)
	}
	it, _ = s.Item("acme")
	if it.LastScraped.IsZero() {
		t.Error("LastScraped not set on terminal status")
	}
}

func TestDiscoveryUnitSetOnce(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordStatus("a", investor.StatusPending, "", 3); err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}
	if err := s.RecordStatus("a", investor.StatusInProgress, "", 5); err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}
	it, _ := s.Item("a")
	if it.Unit != 3 {
		t.Errorf("Unit = %d, want 3", it.Unit)
	}

	if err := s.RecordStatus("b", investor.StatusPending, "", 0); err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}
	if err := s.RecordStatus("b", investor.StatusInProgress, "", 4); err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}
	it, _ = s.Item("b")
	if it.Unit != 4 {
		t.Errorf("Unit = %d, want 4 when previously unset", it.Unit)
	}
}

func TestRecordStatusRejectsInvalidTransition(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordStatus("a", investor.StatusCompleted, "", 1); err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}
	err := s.RecordStatus("a", investor.StatusInProgress, "", 1)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if got := s.Status("a"); got != investor.StatusCompleted {
		t.Errorf("status after rejected transition = %q, want completed", got)
	}

	if err := s.RecordStatus("a", "scraped", "", 1); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestFailedRetryPath(t *testing.T) {
	s := newTestStore(t)

	for _, st := range []investor.Status{investor.StatusPending, investor.StatusInProgress} {
		if err := s.RecordStatus("a", st, "", 1); err != nil {
			t.Fatalf("RecordStatus(%s): %v", st, err)
		}
	}
	if err := s.Record(Update{ID: "a", Status: investor.StatusFailed, Error: "timeout"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	it, _ := s.Item("a")
	if it.LastError != "timeout" {
		t.Errorf("LastError = %q, want timeout", it.LastError)
	}

	if err := s.RecordStatus("a", investor.StatusInProgress, "", 1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("failed -> in_progress: err = %v, want ErrInvalidTransition", err)
	}
	if err := s.RecordStatus("a", investor.StatusPending, "", 1); err != nil {
		t.Fatalf("failed -> pending: %v", err)
	}
	if err := s.RecordStatus("a", investor.StatusInProgress, "", 1); err != nil {
		t.Fatalf("pending -> in_progress: %v", err)
	}
}

func TestOverrideBypassesTable(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordStatus("a", investor.StatusInactive, "", 1); err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}
	if err := s.Override("a", investor.StatusPending, "", 0); err != nil {
		t.Fatalf("Override: %v", err)
	}
	if got := s.Status("a"); got != investor.StatusPending {
		t.Errorf("Status = %q, want pending", got)
	}
}

func TestRecomputeUnitCompletion(t *testing.T) {
	s := newTestStore(t)

	got, err := s.RecomputeUnitCompletion(9)
	if err != nil {
		t.Fatalf("RecomputeUnitCompletion: %v", err)
	}
	if got != investor.UnitInProgress {
		t.Errorf("empty unit = %q, want in_progress", got)
	}

	for id, st := range map[string]investor.Status{
		"a": investor.StatusCompleted,
		"b": investor.StatusInactive,
		"c": investor.StatusLimitedInfo,
	} {
		if err := s.RecordStatus(id, st, "", 1); err != nil {
			t.Fatalf("RecordStatus(%s): %v", id, err)
		}
	}
	u, err := s.Unit(1)
	if err != nil {
		t.Fatalf("Unit: %v", err)
	}
	if u.Status != investor.UnitCompleted || u.ItemCount != 3 {
		t.Errorf("unit = %+v, want completed with 3 items", u)
	}

	// A new non-terminal item reverts the unit.
	if err := s.RecordStatus("d", investor.StatusPending, "", 1); err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}
	u, _ = s.Unit(1)
	if u.Status != investor.UnitInProgress {
		t.Errorf("unit status = %q, want in_progress after pending item", u.Status)
	}

	if err := s.RecordStatus("e", investor.StatusFailed, "", 2); err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}
	got, _ = s.RecomputeUnitCompletion(2)
	if got != investor.UnitInProgress {
		t.Errorf("unit with failed item = %q, want in_progress", got)
	}
}

func TestListByStatusAndSummary(t *testing.T) {
	s := newTestStore(t)

	for id, st := range map[string]investor.Status{
		"a": investor.StatusCompleted,
		"b": investor.StatusCompleted,
		"c": investor.StatusFailed,
	} {
		if err := s.RecordStatus(id, st, "", 1); err != nil {
			t.Fatalf("RecordStatus(%s): %v", id, err)
		}
	}

	ids, err := s.ListByStatus(investor.StatusCompleted)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("completed ids = %v, want 2", ids)
	}

	sum, err := s.Summary()
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum[investor.StatusCompleted] != 2 || sum[investor.StatusFailed] != 1 {
		t.Errorf("summary = %v", sum)
	}
	if _, ok := sum[investor.StatusLimitedInfo]; !ok {
		t.Error("summary missing zero-count status")
	}
}

func TestPersistSnapshotDerivesStatus(t *testing.T) {
	dir := t.TempDir()
	s := New(NewMemoryLedger(), snapshot.NewDir(dir), Options{SessionID: "sess"})
	s.now = func() time.Time { return time.Date(2025, 3, 4, 10, 0, 0, 0, time.Local) }

	items := []investor.Record{{"vc_id": "a", "name": "A"}, {"vc_id": "b", "name": "B"}}
	for _, rec := range items {
		if err := s.RecordStatus(rec.ID(), investor.StatusPending, "", 4); err != nil {
			t.Fatalf("RecordStatus: %v", err)
		}
	}
	if err := s.SetUnitTotal(4, 5); err != nil {
		t.Fatalf("SetUnitTotal: %v", err)
	}

	snap, err := s.PersistSnapshot(4, items[:1])
	if err != nil {
		t.Fatalf("PersistSnapshot: %v", err)
	}
	if snap.Status != investor.UnitInProgress || snap.Total != 5 {
		t.Errorf("snapshot = %+v, want in_progress total 5", snap)
	}

	for _, rec := range items {
		_ = s.RecordStatus(rec.ID(), investor.StatusInProgress, "", 4)
		if err := s.RecordStatus(rec.ID(), investor.StatusCompleted, "", 4); err != nil {
			t.Fatalf("RecordStatus: %v", err)
		}
	}
	s.now = func() time.Time { return time.Date(2025, 3, 4, 10, 1, 0, 0, time.Local) }
	snap, err = s.PersistSnapshot(4, items)
	if err != nil {
		t.Fatalf("PersistSnapshot: %v", err)
	}
	if snap.Status != investor.UnitCompleted {
		t.Errorf("status = %q, want completed", snap.Status)
	}
	if filepath.Dir(snap.Path) != dir {
		t.Errorf("snapshot written to %q, want under %q", snap.Path, dir)
	}

	got, ok := s.LoadSnapshot(4)
	if !ok {
		t.Fatal("LoadSnapshot: not found")
	}
	if got.Status != investor.UnitCompleted || len(got.Items) != 2 || got.SessionID != "sess" {
		t.Errorf("loaded = %+v", got)
	}

	all, err := s.List()
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("snapshots on disk = %d, want 1 after completion", len(all))
	}
}

func TestLoadSnapshotCorruptThenPersist(t *testing.T) {
	dir := t.TempDir()
	s := New(NewMemoryLedger(), snapshot.NewDir(dir), Options{})
	writeFile(t, filepath.Join(dir, "page_4_in_progress_2_vcs_101010.json"), "{corrupt")

	if _, ok := s.LoadSnapshot(4); ok {
		t.Fatal("corrupt snapshot should load as absent")
	}

	if err := s.RecordStatus("a", investor.StatusCompleted, "", 4); err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}
	if _, err := s.PersistSnapshot(4, []investor.Record{{"vc_id": "a"}}); err != nil {
		t.Fatalf("PersistSnapshot: %v", err)
	}
	got, ok := s.LoadSnapshot(4)
	if !ok || got.Status != investor.UnitCompleted {
		t.Fatalf("LoadSnapshot after persist = %+v, %v", got, ok)
	}
}

func TestStoreOnSQLiteLedger(t *testing.T) {
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := New(db, snapshot.NewMemory(), Options{})
	if err := s.RecordStatus("a", investor.StatusPending, "", 1); err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}
	if err := s.RecordStatus("a", investor.StatusInProgress, "", 1); err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}
	if err := s.RecordStatus("a", investor.StatusLimitedInfo, "", 1); err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}
	st, err := s.RecomputeUnitCompletion(1)
	if err != nil {
		t.Fatalf("RecomputeUnitCompletion: %v", err)
	}
	if st != investor.UnitCompleted {
		t.Errorf("unit status = %q, want completed", st)
	}
}

func TestPersistSnapshotKeepsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	s := New(NewMemoryLedger(), snapshot.NewDir(dir), Options{})
	corrupt := filepath.Join(dir, "page_2_in_progress_1_vcs_090000.json")
	writeFile(t, corrupt, "[{")

	if err := s.RecordStatus("a", investor.StatusCompleted, "", 2); err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}
	if _, err := s.PersistSnapshot(2, []investor.Record{{"vc_id": "a"}}); err != nil {
		t.Fatalf("PersistSnapshot: %v", err)
	}
	if _, err := os.Stat(corrupt); err != nil {
		t.Errorf("corrupt snapshot was removed: %v", err)
	}
}
