// Package cache keeps vc_cache.json, a flat index of every investor ever
// seen keyed by slug. It answers "has this investor completed anywhere"
// without scanning page snapshots. The index is advisory: every read
// failure answers "not completed" so a broken cache can only cause a
// redundant scrape, never a skipped one.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/guykatzsedric/snc-scraper/internal/fileutil"
)

// ErrUnavailable is returned by Lookup when the cache file could not be
// loaded.
var ErrUnavailable = errors.New("cache unavailable")

// TimeLayout is the timestamp layout used inside the cache file.
const TimeLayout = "2006-01-02 15:04:05"

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Entry is one investor in the cache file.
type Entry struct {
	Name            string  `json:"name"`
	URL             string  `json:"url"`
	Slug            string  `json:"slug"`
	FirstSeenPage   *int    `json:"first_seen_page"`
	Status          string  `json:"scraping_status"`
	FirstDiscovered string  `json:"first_discovered"`
	LastUpdated     string  `json:"last_updated"`
	LastScraped     *string `json:"last_scraped"`
	Attempts        int     `json:"scrape_attempts"`
	DataHash        *string `json:"data_hash"`
}

type Stats struct {
	Total          int    `json:"total_vcs"`
	Completed      int    `json:"completed"`
	Pending        int    `json:"pending"`
	Failed         int    `json:"failed"`
	CompletionRate string `json:"completion_rate"`
}

// Index is the in-memory view of the cache file. Every mutation rewrites
// the whole file.
type Index struct {
	mu      sync.Mutex
	path    string
	entries map[string]Entry
	loadErr error
	logger  *slog.Logger
	now     func() time.Time
}

// Open loads the cache at path. A missing file is an empty cache. A file
// that cannot be read or parsed leaves the index unavailable: reads answer
// "not completed", mutations are refused, and the file is left untouched.
func Open(path string) *Index {
	idx := &Index{
		path:    path,
		entries: make(map[string]Entry),
		logger:  slog.Default(),
		now:     time.Now,
	}
	idx.load()
	return idx
}

// Path returns the cache file location.
func (x *Index) Path() string { return x.path }

// Reload rereads the cache file.
func (x *Index) Reload() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries = make(map[string]Entry)
	x.load()
	return x.loadErr
}

func (x *Index) load() {
	x.loadErr = nil
	data, err := os.ReadFile(x.path)
	if errors.Is(err, fs.ErrNotExist) {
		x.logger.Debug("cache file absent, starting empty", "path", x.path)
		return
	}
	if err != nil {
		x.loadErr = fmt.Errorf("%w: reading %s: %v", ErrUnavailable, x.path, err)
		x.logger.Warn("cache unreadable", "path", x.path, "error", err)
		return
	}
	entries := make(map[string]Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		x.loadErr = fmt.Errorf("%w: parsing %s: %v", ErrUnavailable, x.path, err)
		x.logger.Warn("cache corrupt", "path", x.path, "error", err)
		return
	}
	x.entries = entries
	x.logger.Debug("cache loaded", "path", x.path, "entries", len(entries))
}

// Err reports why the cache is unavailable, or nil.
func (x *Index) Err() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.loadErr
}

func (x *Index) stamp() string { return x.now().Format(TimeLayout) }

// save writes the cache file. The caller holds mu.
func (x *Index) save() bool {
	if err := fileutil.WriteJSON(x.path, x.entries); err != nil {
		x.logger.Error("saving cache", "path", x.path, "error", err)
		return false
	}
	return true
}

// put stores e under id and writes the file. A failed write restores the
// previous entry. The caller holds mu.
func (x *Index) put(id string, e Entry) bool {
	prev, had := x.entries[id]
	x.entries[id] = e
	if x.save() {
		return true
	}
	if had {
		x.entries[id] = prev
	} else {
		delete(x.entries, id)
	}
	return false
}

// saveAdded writes the file after ids were added, dropping them again if
// the write fails. The caller holds mu.
func (x *Index) saveAdded(ids []string) bool {
	if x.save() {
		return true
	}
	for _, id := range ids {
		delete(x.entries, id)
	}
	return false
}

func (x *Index) writable(op, id string) bool {
	if x.loadErr != nil {
		x.logger.Warn("cache unavailable, mutation skipped", "op", op, "id", id)
		return false
	}
	return true
}

func newEntry(id, name, url string, unit int, now string) Entry {
	e := Entry{
		Name:            name,
		URL:             url,
		Slug:            id,
		Status:          StatusPending,
		FirstDiscovered: now,
		LastUpdated:     now,
	}
	if unit > 0 {
		p := unit
		e.FirstSeenPage = &p
	}
	return e
}

// AddItem creates a pending entry for id. It reports false when id is
// already present or the entry could not be persisted.
func (x *Index) AddItem(id, name, url string, unit int) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.writable("add", id) {
		return false
	}
	if _, ok := x.entries[id]; ok {
		return false
	}
	return x.put(id, newEntry(id, name, url, unit, x.stamp()))
}

// SetCompleted marks id completed and stores hash when given. It reports
// false for unknown ids.
func (x *Index) SetCompleted(id, hash string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.writable("complete", id) {
		return false
	}
	e, ok := x.entries[id]
	if !ok {
		return false
	}
	now := x.stamp()
	e.Status = StatusCompleted
	e.LastScraped = &now
	e.LastUpdated = now
	if hash != "" {
		e.DataHash = &hash
	}
	return x.put(id, e)
}

// SetFailed marks id failed and counts the attempt. It reports false for
// unknown ids.
func (x *Index) SetFailed(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.writable("fail", id) {
		return false
	}
	e, ok := x.entries[id]
	if !ok {
		return false
	}
	e.Status = StatusFailed
	e.LastUpdated = x.stamp()
	e.Attempts++
	return x.put(id, e)
}

// Lookup reports whether id is completed. It returns ErrUnavailable when
// the cache could not be loaded.
func (x *Index) Lookup(id string) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.loadErr != nil {
		return false, x.loadErr
	}
	return x.entries[id].Status == StatusCompleted, nil
}

// IsCompleted reports whether id is completed. Any failure reads as false.
func (x *Index) IsCompleted(id string) bool {
	done, err := x.Lookup(id)
	return err == nil && done
}

// Get returns the entry for id.
func (x *Index) Get(id string) (Entry, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.entries[id]
	return e, ok
}

// IDs returns every cached id whose status is status, sorted. An empty
// status matches all entries.
func (x *Index) IDs(status string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	var ids []string
	for id, e := range x.entries {
		if status == "" || e.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (x *Index) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	st := Stats{Total: len(x.entries)}
	for _, e := range x.entries {
		switch e.Status {
		case StatusCompleted:
			st.Completed++
		case StatusPending:
			st.Pending++
		case StatusFailed:
			st.Failed++
		}
	}
	st.CompletionRate = "0%"
	if st.Total > 0 {
		st.CompletionRate = fmt.Sprintf("%.1f%%", float64(st.Completed)/float64(st.Total)*100)
	}
	return st
}
