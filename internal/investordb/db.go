// Package investordb manages the pre-seeded investor catalog used by direct
// sessions. The catalog is a JSON object keyed by investor id; every field
// of an entry is preserved, and only the scraping bookkeeping fields are
// touched here.
package investordb

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/guykatzsedric/snc-scraper/internal/fileutil"
	"github.com/guykatzsedric/snc-scraper/internal/investor"
)

// TimeLayout is the timestamp layout written into the catalog.
const TimeLayout = "2006-01-02 15:04:05"

const (
	InactiveReason = "PRESUMED INACTIVE No recent investments in Israel"
	LimitedReason  = "This profile has limited information"
)

// Investor is the part of a catalog entry needed to schedule a scrape.
type Investor struct {
	ID     string
	Name   string
	URL    string
	Status string
}

type Stats struct {
	Total                int     `json:"total_investors"`
	Completed            int     `json:"completed"`
	Failed               int     `json:"failed"`
	Inactive             int     `json:"inactive"`
	LimitedInfo          int     `json:"limited_info"`
	NotScraped           int     `json:"not_scraped"`
	CompletionPercentage float64 `json:"completion_percentage"`
}

// DB is the in-memory catalog. Mutations stay in memory until Save.
type DB struct {
	mu     sync.Mutex
	path   string
	data   map[string]map[string]any
	logger *slog.Logger
	now    func() time.Time
}

// Open loads the catalog at path.
func Open(path string) (*DB, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading investor database: %w", err)
	}
	data := make(map[string]map[string]any)
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing investor database: %w", err)
	}
	for id, entry := range data {
		if entry == nil {
			data[id] = map[string]any{}
		}
	}
	db := &DB{path: path, data: data, logger: slog.Default(), now: time.Now}
	db.logger.Info("investor database loaded", "path", path, "investors", len(data))
	return db, nil
}

// Save writes the catalog back to its file.
func (db *DB) Save() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := fileutil.WriteJSON(db.path, db.data); err != nil {
		return fmt.Errorf("saving investor database: %w", err)
	}
	db.logger.Info("investor database saved", "investors", len(db.data))
	return nil
}

func (db *DB) Len() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.data)
}

func str(entry map[string]any, key string) string {
	s, _ := entry[key].(string)
	return s
}

// needsScraping is true for entries never scraped, without a status, or
// that failed before.
func needsScraping(entry map[string]any) bool {
	v, ok := entry["scraping_status"]
	if !ok || v == nil {
		return true
	}
	switch str(entry, "scraping_status") {
	case "", "not_scraped", string(investor.StatusFailed):
		return true
	}
	return false
}

// Unscraped returns up to limit investors that still need scraping, in id
// order so repeated runs pick a stable batch. limit <= 0 means no limit.
func (db *DB) Unscraped(limit int) []Investor {
	db.mu.Lock()
	defer db.mu.Unlock()

	ids := make([]string, 0, len(db.data))
	for id := range db.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Investor
	for _, id := range ids {
		entry := db.data[id]
		if !needsScraping(entry) {
			continue
		}
		out = append(out, Investor{
			ID:     id,
			Name:   str(entry, "name"),
			URL:    str(entry, "url"),
			Status: str(entry, "scraping_status"),
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	db.logger.Info("selected unscraped investors", "count", len(out), "limit", limit)
	return out
}

// Get returns a copy of the entry for id.
func (db *DB) Get(id string) (map[string]any, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	entry, ok := db.data[id]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(entry))
	for k, v := range entry {
		out[k] = v
	}
	return out, true
}

func (db *DB) update(id string, fn func(entry map[string]any, now string)) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	entry, ok := db.data[id]
	if !ok {
		db.logger.Warn("investor not in database", "id", id)
		return false
	}
	fn(entry, db.now().Format(TimeLayout))
	return true
}

// MarkScraped marks id completed and merges the scraped fields into its
// entry.
func (db *DB) MarkScraped(id string, scraped investor.Record) bool {
	return db.update(id, func(entry map[string]any, now string) {
		entry["scraping_status"] = string(investor.StatusCompleted)
		entry["last_scraped"] = now
		entry["scraped_at"] = now
		for k, v := range scraped {
			entry[k] = v
		}
	})
}

func (db *DB) MarkFailed(id, reason string) bool {
	return db.update(id, func(entry map[string]any, now string) {
		entry["scraping_status"] = string(investor.StatusFailed)
		entry["last_attempt"] = now
		if reason != "" {
			entry["last_error"] = reason
		}
	})
}

func (db *DB) MarkInactive(id string) bool {
	return db.update(id, func(entry map[string]any, now string) {
		entry["scraping_status"] = string(investor.StatusInactive)
		entry["last_checked"] = now
		entry["inactive_reason"] = InactiveReason
	})
}

func (db *DB) MarkLimited(id string) bool {
	return db.update(id, func(entry map[string]any, now string) {
		entry["scraping_status"] = string(investor.StatusLimitedInfo)
		entry["last_checked"] = now
		entry["limited_reason"] = LimitedReason
	})
}

// Stats counts entries by status. Completion is measured against the
// scrapeable entries, which excludes inactive and limited-info profiles.
func (db *DB) Stats() Stats {
	db.mu.Lock()
	defer db.mu.Unlock()
	st := Stats{Total: len(db.data)}
	for _, entry := range db.data {
		switch investor.Status(str(entry, "scraping_status")) {
		case investor.StatusCompleted:
			st.Completed++
		case investor.StatusFailed:
			st.Failed++
		case investor.StatusInactive:
			st.Inactive++
		case investor.StatusLimitedInfo:
			st.LimitedInfo++
		default:
			st.NotScraped++
		}
	}
	if scrapeable := st.Total - st.Inactive - st.LimitedInfo; scrapeable > 0 {
		st.CompletionPercentage = float64(st.Completed) / float64(scrapeable) * 100
	}
	return st
}
