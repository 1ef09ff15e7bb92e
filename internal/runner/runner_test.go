package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/guykatzsedric/snc-scraper/internal/browser"
	"github.com/guykatzsedric/snc-scraper/internal/cache"
	"github.com/guykatzsedric/snc-scraper/internal/investor"
	"github.com/guykatzsedric/snc-scraper/internal/progress"
	"github.com/guykatzsedric/snc-scraper/internal/snapshot"
	"github.com/guykatzsedric/snc-scraper/internal/storage"
)

const (
	testBase   = "https://finder.test"
	testSearch = "/investors/search?&fundingtype=VC+and+Private+Equity&status=Active"
)

func investorURL(id string) string { return testBase + "/investor_page/" + id }

func listing(ids ...string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, id := range ids {
		fmt.Fprintf(&b, `<a href="/investor_page/%s">%s</a>`, id, strings.ToUpper(id))
	}
	b.WriteString("</body></html>")
	return b.String()
}

type fakeFetcher struct {
	pages   map[string]string
	fetched []string
}

func (f *fakeFetcher) Fetch(_ context.Context, u, _ string) (string, error) {
	f.fetched = append(f.fetched, u)
	return f.pages[u], nil
}

func pages(t *testing.T, byPage map[int]string) *fakeFetcher {
	t.Helper()
	f := &fakeFetcher{pages: make(map[string]string)}
	for p, html := range byPage {
		u, err := ListingURL(testBase, testSearch, p)
		if err != nil {
			t.Fatalf("ListingURL: %v", err)
		}
		f.pages[u] = html
	}
	return f
}

// fakeExec returns canned outcomes by URL. URLs without one produce no
// outcome, like an item lost mid-batch.
type fakeExec struct {
	outcomes map[string]browser.Outcome
	calls    [][]string
	after    func(delivered int)
}

func (f *fakeExec) Run(ctx context.Context, urls []string, _ int, on func(browser.Outcome)) []browser.Outcome {
	f.calls = append(f.calls, append([]string(nil), urls...))
	var out []browser.Outcome
	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}
		o, ok := f.outcomes[u]
		if !ok {
			continue
		}
		o.URL = u
		out = append(out, o)
		on(o)
		if f.after != nil {
			f.after(len(out))
		}
	}
	return out
}

type fakeRuns struct {
	started   []storage.Run
	status    string
	processed int
	errMsg    string
}

func (f *fakeRuns) StartRun(r storage.Run) (storage.Run, error) {
	r.ID = fmt.Sprintf("run-%d", len(f.started)+1)
	f.started = append(f.started, r)
	return r, nil
}

func (f *fakeRuns) FinishRun(id, status string, processed int, errMsg string) error {
	f.status, f.processed, f.errMsg = status, processed, errMsg
	return nil
}

func full(id string) investor.Record {
	return investor.Record{
		"vc_id":       id,
		"name":        strings.ToUpper(id) + " Ventures",
		"url":         investorURL(id),
		"founded":     "2010",
		"investments": []any{map[string]any{"company_name": "Acme"}},
	}
}

func flagged(id, kind string) investor.Record {
	return investor.Record{
		"vc_id":           id,
		"name":            "Flagged",
		"url":             investorURL(id),
		"validation_type": kind,
		"investments":     []any{},
	}
}

func newStore(snaps snapshot.Storage) *progress.Store {
	return progress.New(progress.NewMemoryLedger(), snaps, progress.Options{SessionID: "20250101_120000", UserType: "fresh"})
}

func testConfig() PageConfig {
	return PageConfig{BaseURL: testBase, SearchPath: testSearch, Width: 3, MaxPages: 10}
}

func wantStatus(t *testing.T, store *progress.Store, id string, want investor.Status) {
	t.Helper()
	if got := store.Status(id); got != want {
		t.Errorf("status of %s = %s, want %s", id, got, want)
	}
}

func TestListingURL(t *testing.T) {
	got, err := ListingURL("https://finder.startupnationcentral.org/", testSearch, 3)
	if err != nil {
		t.Fatalf("ListingURL: %v", err)
	}
	want := "https://finder.startupnationcentral.org/investors/search?fundingtype=VC+and+Private+Equity&page=3&status=Active"
	if got != want {
		t.Errorf("ListingURL = %q, want %q", got, want)
	}

	got, _ = ListingURL(testBase, "/investors/search?page=9", 2)
	if !strings.HasSuffix(got, "page=2") {
		t.Errorf("page parameter not replaced: %q", got)
	}
}

func TestShouldHandle(t *testing.T) {
	tests := []struct {
		userType string
		page     int
		want     bool
	}{
		{UserRateLimited, 1, true},
		{UserRateLimited, 2, false},
		{UserFresh, 2, true},
		{UserFresh, 3, false},
		{"", 4, true},
		{"shared", 5, true},
	}
	for _, tt := range tests {
		if got := ShouldHandle(tt.userType, tt.page); got != tt.want {
			t.Errorf("ShouldHandle(%q, %d) = %v, want %v", tt.userType, tt.page, got, tt.want)
		}
	}
}

func TestNewSessionID(t *testing.T) {
	got := NewSessionID(time.Date(2025, 7, 9, 14, 3, 5, 0, time.UTC))
	if got != "20250709_140305" {
		t.Errorf("NewSessionID = %q", got)
	}
}

func TestPageSessionFreshPage(t *testing.T) {
	snaps := snapshot.NewMemory()
	store := newStore(snaps)
	fetch := pages(t, map[int]string{1: listing("a", "b", "c")})
	exec := &fakeExec{outcomes: map[string]browser.Outcome{
		investorURL("a"): {Record: full("a")},
		investorURL("b"): {Record: flagged("b", "inactive")},
		investorURL("c"): {Err: errors.New("navigation timeout")},
	}}
	runs := &fakeRuns{}

	sum, err := NewPageSession(testConfig(), fetch, exec, store, WithRunLog(runs)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sum.StartPage != 1 || sum.Pages != 2 {
		t.Errorf("start = %d, pages = %d; want 1, 2", sum.StartPage, sum.Pages)
	}
	if sum.Processed != 3 || sum.Completed != 1 || sum.Inactive != 1 || sum.Failed != 1 {
		t.Errorf("summary = %+v", sum)
	}
	wantStatus(t, store, "a", investor.StatusCompleted)
	wantStatus(t, store, "b", investor.StatusInactive)
	wantStatus(t, store, "c", investor.StatusFailed)

	it, err := store.Item("c")
	if err != nil {
		t.Fatalf("Item: %v", err)
	}
	if it.LastError != "navigation timeout" || it.Unit != 1 {
		t.Errorf("failed item = %+v", it)
	}

	snap, ok := store.LoadSnapshot(1)
	if !ok {
		t.Fatal("no snapshot for page 1")
	}
	if snap.Status != investor.UnitInProgress {
		t.Errorf("snapshot status = %s, want in_progress while c is failed", snap.Status)
	}
	if len(snap.Items) != 2 || snap.Total != 3 {
		t.Errorf("snapshot items = %d, total = %d; want 2, 3", len(snap.Items), snap.Total)
	}

	if len(runs.started) != 1 || runs.started[0].Mode != ModePage || runs.started[0].StartUnit != 1 {
		t.Errorf("runs started = %+v", runs.started)
	}
	if runs.status != RunCompleted || runs.processed != 3 {
		t.Errorf("run finished as %s with %d processed", runs.status, runs.processed)
	}
}

func TestPageSessionResumesPartialPage(t *testing.T) {
	snaps := snapshot.NewMemory()
	if _, err := snaps.Save(snapshot.Snapshot{Unit: 1, Status: investor.UnitInProgress, Items: []investor.Record{full("a")}}); err != nil {
		t.Fatalf("seeding snapshot: %v", err)
	}
	store := newStore(snaps)
	fetch := pages(t, map[int]string{1: listing("a", "b")})
	exec := &fakeExec{outcomes: map[string]browser.Outcome{
		investorURL("a"): {Record: full("a")},
		investorURL("b"): {Record: full("b")},
	}}

	if _, err := NewPageSession(testConfig(), fetch, exec, store).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(exec.calls) != 1 || len(exec.calls[0]) != 1 || exec.calls[0][0] != investorURL("b") {
		t.Fatalf("executor calls = %v, want only b", exec.calls)
	}
	wantStatus(t, store, "a", investor.StatusCompleted)
	wantStatus(t, store, "b", investor.StatusCompleted)

	snap, ok := store.LoadSnapshot(1)
	if !ok || snap.Status != investor.UnitCompleted {
		t.Fatalf("snapshot = %+v, %v; want completed", snap.Status, ok)
	}
	if len(snap.Items) != 2 || snap.Items[0].ID() != "a" || snap.Items[1].ID() != "b" {
		t.Errorf("snapshot items = %v", snap.Items)
	}
}

func TestPageSessionWritesBackLedgerCompletedToCache(t *testing.T) {
	snaps := snapshot.NewMemory()
	if _, err := snaps.Save(snapshot.Snapshot{Unit: 1, Status: investor.UnitInProgress, Items: []investor.Record{full("a")}}); err != nil {
		t.Fatalf("seeding snapshot: %v", err)
	}
	store := newStore(snaps)
	if err := store.Override("a", investor.StatusCompleted, investorURL("a"), 1); err != nil {
		t.Fatalf("seeding ledger: %v", err)
	}
	idx := cache.Open(filepath.Join(t.TempDir(), "vc_cache.json"))
	fetch := pages(t, map[int]string{1: listing("a", "b")})
	exec := &fakeExec{outcomes: map[string]browser.Outcome{
		investorURL("b"): {Record: full("b")},
	}}

	if _, err := NewPageSession(testConfig(), fetch, exec, store, WithCache(idx)).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, id := range []string{"a", "b"} {
		if !idx.IsCompleted(id) {
			t.Errorf("cache entry %s not completed", id)
		}
	}
	if snap, _ := store.LoadSnapshot(1); snap.Status != investor.UnitCompleted {
		t.Errorf("page 1 status = %s, want completed", snap.Status)
	}
}

func TestPageSessionSkipsCompletedPages(t *testing.T) {
	snaps := snapshot.NewMemory()
	for _, s := range []snapshot.Snapshot{
		{Unit: 1, Status: investor.UnitInProgress, Items: []investor.Record{full("a")}},
		{Unit: 2, Status: investor.UnitCompleted, Items: []investor.Record{full("x")}},
	} {
		if _, err := snaps.Save(s); err != nil {
			t.Fatalf("seeding snapshot: %v", err)
		}
	}
	store := newStore(snaps)
	fetch := pages(t, map[int]string{1: listing("a"), 2: listing("x")})
	exec := &fakeExec{}

	sum, err := NewPageSession(testConfig(), fetch, exec, store).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(exec.calls) != 0 {
		t.Errorf("executor called with %v, want no work", exec.calls)
	}
	if sum.Pages != 3 {
		t.Errorf("pages = %d, want 3", sum.Pages)
	}
	if snap, _ := store.LoadSnapshot(1); snap.Status != investor.UnitCompleted {
		t.Errorf("page 1 status = %s, want completed", snap.Status)
	}
	if _, err := store.Item("x"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("skipped page registered its items: %v", err)
	}
}

func TestPageSessionRetriesFailedItem(t *testing.T) {
	store := newStore(snapshot.NewMemory())
	for _, st := range []investor.Status{investor.StatusInProgress, investor.StatusFailed} {
		if err := store.RecordStatus("a", st, investorURL("a"), 1); err != nil {
			t.Fatalf("seeding ledger: %v", err)
		}
	}
	fetch := pages(t, map[int]string{1: listing("a")})
	exec := &fakeExec{outcomes: map[string]browser.Outcome{investorURL("a"): {Record: full("a")}}}

	if _, err := NewPageSession(testConfig(), fetch, exec, store).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	wantStatus(t, store, "a", investor.StatusCompleted)
	it, _ := store.Item("a")
	if it.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", it.Attempts)
	}
}

func TestPageSessionMaxPages(t *testing.T) {
	store := newStore(snapshot.NewMemory())
	fetch := pages(t, map[int]string{1: listing("a"), 2: listing("b")})
	exec := &fakeExec{outcomes: map[string]browser.Outcome{
		investorURL("a"): {Record: full("a")},
		investorURL("b"): {Record: full("b")},
	}}
	cfg := testConfig()
	cfg.MaxPages = 1

	sum, err := NewPageSession(cfg, fetch, exec, store).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Pages != 1 || len(fetch.fetched) != 1 {
		t.Errorf("pages = %d, fetched = %v", sum.Pages, fetch.fetched)
	}
	wantStatus(t, store, "b", investor.StatusPending)
}

func TestPageSessionInterrupt(t *testing.T) {
	snaps := snapshot.NewMemory()
	store := newStore(snaps)
	fetch := pages(t, map[int]string{1: listing("a", "b", "c"), 2: listing("d")})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &fakeExec{
		outcomes: map[string]browser.Outcome{
			investorURL("a"): {Record: full("a")},
			investorURL("b"): {Record: full("b")},
			investorURL("c"): {Record: full("c")},
		},
		after: func(n int) {
			if n == 1 {
				cancel()
			}
		},
	}
	runs := &fakeRuns{}

	sum, err := NewPageSession(testConfig(), fetch, exec, store, WithRunLog(runs)).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.Interrupted || sum.Processed != 1 || sum.Pages != 1 {
		t.Errorf("summary = %+v", sum)
	}
	wantStatus(t, store, "a", investor.StatusCompleted)
	wantStatus(t, store, "b", investor.StatusInProgress)

	snap, ok := store.LoadSnapshot(1)
	if !ok || snap.Status != investor.UnitInProgress || len(snap.Items) != 1 {
		t.Errorf("snapshot after interrupt = %+v", snap)
	}
	if runs.status != RunInterrupted {
		t.Errorf("run status = %q, want %q", runs.status, RunInterrupted)
	}

	// The next run resumes the interrupted page and only scrapes what is left.
	exec.after = nil
	exec.calls = nil
	if _, err := NewPageSession(testConfig(), fetch, exec, store).Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(exec.calls) == 0 || len(exec.calls[0]) != 2 {
		t.Fatalf("resumed executor calls = %v, want b and c", exec.calls)
	}
	if snap, _ := store.LoadSnapshot(1); snap.Status != investor.UnitCompleted || len(snap.Items) != 3 {
		t.Errorf("page 1 after resume = %s with %d items", snap.Status, len(snap.Items))
	}
}
