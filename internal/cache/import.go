package cache

import (
	"fmt"
	"time"

	"github.com/guykatzsedric/snc-scraper/internal/investor"
	"github.com/guykatzsedric/snc-scraper/internal/snapshot"
)

// ImportItem is one investor taken from an existing results file.
type ImportItem struct {
	ID        string
	Name      string
	URL       string
	Unit      int
	ScrapedAt string
}

// Discovered is one investor link seen on a listing page.
type Discovered struct {
	ID   string
	Name string
	URL  string
}

// BulkImport seeds the cache with already scraped investors. Ids already in
// the cache are skipped; new ones are stored as completed with their
// original scrape time. The file is written once at the end.
func (x *Index) BulkImport(items []ImportItem) (added, skipped int, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.loadErr != nil {
		return 0, 0, x.loadErr
	}

	now := x.stamp()
	var ids []string
	for _, it := range items {
		if it.ID == "" {
			skipped++
			continue
		}
		if _, ok := x.entries[it.ID]; ok {
			skipped++
			continue
		}
		name := it.Name
		if name == "" {
			name = "Unknown"
		}
		e := newEntry(it.ID, name, it.URL, it.Unit, now)
		e.Status = StatusCompleted
		if it.ScrapedAt != "" {
			scraped := normalizeScrapedAt(it.ScrapedAt)
			e.LastScraped = &scraped
			e.LastUpdated = scraped
		}
		x.entries[it.ID] = e
		ids = append(ids, it.ID)
		added++
	}
	if added > 0 && !x.saveAdded(ids) {
		return 0, skipped, fmt.Errorf("saving cache after import of %d items", added)
	}
	x.logger.Info("cache import finished", "added", added, "skipped", skipped)
	return added, skipped, nil
}

// normalizeScrapedAt rewrites RFC 3339 scrape times into the cache layout
// and keeps anything else verbatim.
func normalizeScrapedAt(v string) string {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format(TimeLayout)
		}
	}
	return v
}

// SnapshotLister lists page snapshots. snapshot.Dir implements it.
type SnapshotLister interface {
	List() ([]snapshot.Snapshot, error)
}

// ImportSnapshots seeds the cache from every completed snapshot. Records
// without an id are ignored.
func (x *Index) ImportSnapshots(src SnapshotLister) (added, skipped int, err error) {
	snaps, err := src.List()
	if err != nil {
		return 0, 0, fmt.Errorf("listing snapshots: %w", err)
	}
	var items []ImportItem
	for _, s := range snaps {
		if s.Status != investor.UnitCompleted {
			continue
		}
		for _, rec := range s.Items {
			id, _ := rec[investor.FieldID].(string)
			if id == "" {
				continue
			}
			items = append(items, ImportItem{
				ID:        id,
				Name:      rec.Name(),
				URL:       rec.URL(),
				Unit:      s.Unit,
				ScrapedAt: rec.ScrapedAt(),
			})
		}
	}
	return x.BulkImport(items)
}

// Discover adds every listing link not yet cached as pending with unit as
// its first-seen page, writing the file once. It returns how many entries
// were added.
func (x *Index) Discover(unit int, found []Discovered) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(found) == 0 || !x.writable("discover", "") {
		return 0
	}
	now := x.stamp()
	var ids []string
	for _, d := range found {
		if d.ID == "" {
			continue
		}
		if _, ok := x.entries[d.ID]; ok {
			continue
		}
		x.entries[d.ID] = newEntry(d.ID, d.Name, d.URL, unit, now)
		ids = append(ids, d.ID)
	}
	added := len(ids)
	if added > 0 && !x.saveAdded(ids) {
		return 0
	}
	if added > 0 {
		x.logger.Info("cache discovery", "page", unit, "added", added, "seen", len(found))
	}
	return added
}
