// Package selector decides which investor profiles on a listing page still
// need scraping. It trusts the content of previously saved records rather
// than any status flag stored with them.
package selector

import (
	"log/slog"

	"github.com/guykatzsedric/snc-scraper/internal/investor"
	"github.com/guykatzsedric/snc-scraper/internal/snapshot"
)

// SnapshotSource loads the authoritative snapshot of a page.
// progress.Store implements it.
type SnapshotSource interface {
	LoadSnapshot(unit int) (snapshot.Snapshot, bool)
}

// CompletionLookup answers whether an investor completed anywhere.
// cache.Index implements it.
type CompletionLookup interface {
	Lookup(id string) (bool, error)
}

// Result explains a filtering decision.
type Result struct {
	// Remaining are the candidate URLs that still need scraping, in
	// first-seen order and without duplicates.
	Remaining []string
	// Scraped are the ids the page snapshot already holds full profiles for.
	Scraped []string
	// Duplicates counts candidate URLs dropped as repeats.
	Duplicates int
	// CacheFiltered counts candidates dropped because the cache reports
	// them completed.
	CacheFiltered int
	// HadSnapshot is true when the page had a readable snapshot.
	HadSnapshot bool
}

type Selector struct {
	snaps  SnapshotSource
	cache  CompletionLookup
	logger *slog.Logger
}

type Option func(*Selector)

// WithCache enables the cache pass.
func WithCache(c CompletionLookup) Option {
	return func(s *Selector) { s.cache = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Selector) { s.logger = l }
}

func New(snaps SnapshotSource, opts ...Option) *Selector {
	s := &Selector{snaps: snaps, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ScrapedIDs returns the ids of items whose stored payload classifies as
// scraped.
func ScrapedIDs(items []investor.Record) map[string]bool {
	out := make(map[string]bool)
	for _, rec := range items {
		if !investor.IsScraped(rec) {
			continue
		}
		if id := rec.ID(); id != "" {
			out[id] = true
		}
	}
	return out
}

// FilterUnscraped returns the candidate URLs of unit that still need
// scraping.
func (s *Selector) FilterUnscraped(unit int, candidates []string) []string {
	return s.Select(unit, candidates).Remaining
}

// Select filters candidates in order: deduplicate, drop ids the page
// snapshot shows as scraped, then, when a cache is configured, drop ids the
// cache reports completed. A cache read error skips the cache pass.
func (s *Selector) Select(unit int, candidates []string) Result {
	var res Result
	seen := make(map[string]bool, len(candidates))
	pool := make([]string, 0, len(candidates))
	for _, u := range candidates {
		if seen[u] {
			res.Duplicates++
			continue
		}
		seen[u] = true
		pool = append(pool, u)
	}
	if len(pool) == 0 {
		s.logger.Info("no candidates on page", "page", unit)
		res.Remaining = []string{}
		return res
	}

	snap, ok := s.snaps.LoadSnapshot(unit)
	res.HadSnapshot = ok && len(snap.Items) > 0
	if !res.HadSnapshot {
		s.logger.Info("new page, all candidates need scraping", "page", unit, "candidates", len(pool))
		res.Remaining = pool
	} else {
		scraped := ScrapedIDs(snap.Items)
		for id := range scraped {
			res.Scraped = append(res.Scraped, id)
		}
		res.Remaining = make([]string, 0, len(pool))
		for _, u := range pool {
			if !scraped[investor.SlugFromURL(u)] {
				res.Remaining = append(res.Remaining, u)
			}
		}
		s.logger.Info("resumed page filtered by snapshot",
			"page", unit,
			"candidates", len(pool),
			"already_scraped", len(pool)-len(res.Remaining),
			"remaining", len(res.Remaining))
	}

	if s.cache != nil && len(res.Remaining) > 0 {
		res.Remaining, res.CacheFiltered = s.filterByCache(unit, res.Remaining)
	}
	return res
}

func (s *Selector) filterByCache(unit int, urls []string) ([]string, int) {
	kept := make([]string, 0, len(urls))
	for _, u := range urls {
		done, err := s.cache.Lookup(investor.SlugFromURL(u))
		if err != nil {
			s.logger.Warn("cache unavailable, skipping cache filter", "page", unit, "error", err)
			return urls, 0
		}
		if !done {
			kept = append(kept, u)
		}
	}
	filtered := len(urls) - len(kept)
	s.logger.Info("cache filter applied", "page", unit, "filtered", filtered, "remaining", len(kept))
	return kept, filtered
}

// NeedsWork reports whether unit still has items to scrape judging only by
// its snapshot. A completed snapshot needs no work and a missing one does.
// Otherwise the page needs work when its snapshot holds fewer scraped
// profiles than the page is known to list.
func (s *Selector) NeedsWork(unit int) bool {
	snap, ok := s.snaps.LoadSnapshot(unit)
	if !ok {
		return true
	}
	if snap.Status == investor.UnitCompleted {
		return false
	}
	if len(snap.Items) == 0 {
		return true
	}
	want := snap.Total
	if want < len(snap.Items) {
		want = len(snap.Items)
	}
	return len(ScrapedIDs(snap.Items)) < want
}
