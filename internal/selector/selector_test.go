package selector

import (
	"errors"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/guykatzsedric/snc-scraper/internal/investor"
	"github.com/guykatzsedric/snc-scraper/internal/snapshot"
)

type fakeSnapshots map[int]snapshot.Snapshot

func (f fakeSnapshots) LoadSnapshot(unit int) (snapshot.Snapshot, bool) {
	s, ok := f[unit]
	return s, ok
}

type fakeCache struct {
	completed map[string]bool
	err       error
	calls     int
}

func (f *fakeCache) Lookup(id string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.completed[id], nil
}

const base = "https://finder.startupnationcentral.org/investor_page/"

func full(id string) investor.Record {
	return investor.Record{
		"vc_id":       id,
		"founded":     "2012",
		"investments": []any{map[string]any{"company": "X"}},
	}
}

var sortStrings = cmpopts.SortSlices(func(a, b string) bool { return a < b })

func TestSelectScenario(t *testing.T) {
	snaps := fakeSnapshots{
		1: {Unit: 1, Status: investor.UnitInProgress, Items: []investor.Record{
			full("a"),
			{"vc_id": "b", "founded": "2015", "investments": []any{}},
		}},
	}
	s := New(snaps)

	got := s.FilterUnscraped(1, []string{base + "a", base + "b", base + "c"})
	want := []string{base + "b", base + "c"}
	if diff := cmp.Diff(want, got, sortStrings); diff != "" {
		t.Errorf("FilterUnscraped mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectNoSnapshotReturnsAllDeduplicated(t *testing.T) {
	s := New(fakeSnapshots{})

	res := s.Select(2, []string{base + "a", base + "b", base + "a"})
	if diff := cmp.Diff([]string{base + "a", base + "b"}, res.Remaining, sortStrings); diff != "" {
		t.Errorf("Remaining mismatch (-want +got):\n%s", diff)
	}
	if res.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", res.Duplicates)
	}
	if res.HadSnapshot {
		t.Error("HadSnapshot = true, want false")
	}
}

func TestSelectEmptyPool(t *testing.T) {
	s := New(fakeSnapshots{})
	got := s.FilterUnscraped(1, nil)
	if got == nil || len(got) != 0 {
		t.Errorf("FilterUnscraped(nil) = %#v, want empty slice", got)
	}
}

func TestSelectCountProperty(t *testing.T) {
	var items []investor.Record
	var pool []string
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		pool = append(pool, base+id)
	}
	for _, id := range []string{"a", "c"} {
		items = append(items, full(id))
	}
	items = append(items, investor.Record{"vc_id": "d", "investments": []any{"x"}})

	s := New(fakeSnapshots{3: {Unit: 3, Status: investor.UnitInProgress, Items: items}})
	res := s.Select(3, pool)
	if len(res.Remaining) != len(pool)-2 {
		t.Errorf("len(Remaining) = %d, want %d", len(res.Remaining), len(pool)-2)
	}
	sort.Strings(res.Scraped)
	if diff := cmp.Diff([]string{"a", "c"}, res.Scraped); diff != "" {
		t.Errorf("Scraped mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectAllScraped(t *testing.T) {
	s := New(fakeSnapshots{4: {Unit: 4, Items: []investor.Record{full("a"), full("b")}}})
	got := s.FilterUnscraped(4, []string{base + "a?ref=list", base + "b"})
	if len(got) != 0 {
		t.Errorf("FilterUnscraped = %v, want empty", got)
	}
}

func TestSelectCachePass(t *testing.T) {
	c := &fakeCache{completed: map[string]bool{"b": true}}
	s := New(fakeSnapshots{}, WithCache(c))

	res := s.Select(1, []string{base + "a", base + "b"})
	if diff := cmp.Diff([]string{base + "a"}, res.Remaining); diff != "" {
		t.Errorf("Remaining mismatch (-want +got):\n%s", diff)
	}
	if res.CacheFiltered != 1 {
		t.Errorf("CacheFiltered = %d, want 1", res.CacheFiltered)
	}
}

func TestSelectCacheErrorSkipsPass(t *testing.T) {
	c := &fakeCache{err: errors.New("cache unavailable")}
	s := New(fakeSnapshots{}, WithCache(c))

	got := s.FilterUnscraped(1, []string{base + "a", base + "b"})
	if len(got) != 2 {
		t.Errorf("FilterUnscraped = %v, want both candidates", got)
	}
	if c.calls != 1 {
		t.Errorf("cache calls = %d, want 1", c.calls)
	}
}

func TestNeedsWork(t *testing.T) {
	snaps := fakeSnapshots{
		1: {Unit: 1, Status: investor.UnitCompleted, Items: []investor.Record{{"vc_id": "x"}}},
		2: {Unit: 2, Status: investor.UnitInProgress, Total: 2, Items: []investor.Record{full("a"), full("b")}},
		3: {Unit: 3, Status: investor.UnitInProgress, Total: 3, Items: []investor.Record{full("a"), full("b")}},
		4: {Unit: 4, Status: investor.UnitInProgress, Items: []investor.Record{full("a"), {"vc_id": "b"}}},
		5: {Unit: 5, Status: investor.UnitInProgress},
	}
	s := New(snaps)

	tests := []struct {
		unit int
		want bool
	}{
		{1, false},
		{2, false},
		{3, true},
		{4, true},
		{5, true},
		{6, true},
	}
	for _, tt := range tests {
		if got := s.NeedsWork(tt.unit); got != tt.want {
			t.Errorf("NeedsWork(%d) = %v, want %v", tt.unit, got, tt.want)
		}
	}
}
