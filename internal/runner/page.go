package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/guykatzsedric/snc-scraper/internal/browser"
	"github.com/guykatzsedric/snc-scraper/internal/cache"
	"github.com/guykatzsedric/snc-scraper/internal/investor"
	"github.com/guykatzsedric/snc-scraper/internal/progress"
	"github.com/guykatzsedric/snc-scraper/internal/resume"
	"github.com/guykatzsedric/snc-scraper/internal/selector"
	"github.com/guykatzsedric/snc-scraper/internal/storage"
)

// DefaultMaxPages bounds a page session when no limit is configured.
const DefaultMaxPages = 50

// Cache is the slice of cache.Index a session writes to.
type Cache interface {
	AddItem(id, name, url string, unit int) bool
	SetCompleted(id, hash string) bool
	SetFailed(id string) bool
	Discover(unit int, found []cache.Discovered) int
	Lookup(id string) (bool, error)
}

type PageConfig struct {
	BaseURL    string
	SearchPath string
	Width      int
	MaxPages   int
	UserType   string

	// Enhanced selects the look-behind resume planner.
	Enhanced bool
	// CacheFiltering drops candidates the cache reports completed.
	CacheFiltering bool
	// CacheDiscovery adds every listed investor to the cache as pending.
	CacheDiscovery bool
}

// PageSession walks listing pages from the resume point and scrapes the
// investors each page still needs.
type PageSession struct {
	cfg      PageConfig
	fetch    browser.Fetcher
	exec     Executor
	progress *progress.Store
	cache    Cache
	runs     RunLog
	logger   *slog.Logger
}

type PageOption func(*PageSession)

func WithCache(c Cache) PageOption {
	return func(s *PageSession) { s.cache = c }
}

func WithRunLog(r RunLog) PageOption {
	return func(s *PageSession) { s.runs = r }
}

func WithLogger(l *slog.Logger) PageOption {
	return func(s *PageSession) { s.logger = l }
}

func NewPageSession(cfg PageConfig, fetch browser.Fetcher, exec Executor, store *progress.Store, opts ...PageOption) *PageSession {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.Width <= 0 {
		cfg.Width = 1
	}
	s := &PageSession{
		cfg:      cfg,
		fetch:    fetch,
		exec:     exec,
		progress: store,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Selector returns the work selector the session filters pages with.
func (s *PageSession) Selector() *selector.Selector {
	opts := []selector.Option{selector.WithLogger(s.logger)}
	if s.cfg.CacheFiltering && s.cache != nil {
		opts = append(opts, selector.WithCache(s.cache))
	}
	return selector.New(s.progress, opts...)
}

// Planner returns the resume planner the session starts from.
func (s *PageSession) Planner() resume.Planner {
	return resume.New(s.cfg.Enhanced, s.progress, s.Selector())
}

// Run scrapes pages until MaxPages pages were visited, a listing page is
// empty or cannot be loaded, or ctx is cancelled. Cancellation persists the
// current page and returns a summary marked interrupted without error.
func (s *PageSession) Run(ctx context.Context) (Summary, error) {
	sum := Summary{SessionID: s.progress.SessionID()}
	sel := s.Selector()

	start := resume.Resolve(ctx, resume.New(s.cfg.Enhanced, s.progress, sel))
	sum.StartPage = start
	if !ShouldHandle(s.cfg.UserType, start) {
		s.logger.Warn("start page belongs to the other user type", "page", start, "user_type", s.cfg.UserType)
	}
	s.logger.Info("page session starting", "session", sum.SessionID, "page", start, "max_pages", s.cfg.MaxPages)

	runID := s.startRun(sum.SessionID, ModePage, start)

	var runErr error
	for page := start; sum.Pages < s.cfg.MaxPages; page++ {
		if ctx.Err() != nil {
			break
		}
		more, err := s.runPage(ctx, page, sel, &sum)
		sum.Pages++
		if err != nil {
			runErr = fmt.Errorf("page %d: %w", page, err)
			break
		}
		if !more {
			break
		}
	}
	sum.Interrupted = ctx.Err() != nil

	s.finishRun(runID, sum, runErr)
	s.logger.Info("page session finished",
		"pages", sum.Pages,
		"processed", sum.Processed,
		"completed", sum.Completed,
		"failed", sum.Failed,
		"interrupted", sum.Interrupted)
	return sum, runErr
}

// runPage resolves one listing page. It reports whether the session should
// move on to the next page.
func (s *PageSession) runPage(ctx context.Context, page int, sel *selector.Selector, sum *Summary) (bool, error) {
	listURL, err := ListingURL(s.cfg.BaseURL, s.cfg.SearchPath, page)
	if err != nil {
		return false, err
	}
	html, err := s.fetch.Fetch(ctx, listURL, browser.ListingReady)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("loading listing page", "page", page, "error", err)
		}
		return false, nil
	}
	links, err := browser.ParseListing(listURL, html)
	if err != nil {
		s.logger.Error("parsing listing page", "page", page, "error", err)
		return false, nil
	}
	if len(links) == 0 {
		s.logger.Info("no investors on page, stopping", "page", page)
		return false, nil
	}

	snap, hasSnap := s.progress.LoadSnapshot(page)
	if hasSnap && snap.Status == investor.UnitCompleted {
		s.logger.Info("page already completed, skipping", "page", page)
		return true, nil
	}

	if err := s.progress.SetUnitTotal(page, len(links)); err != nil {
		return false, err
	}
	if s.cfg.CacheDiscovery && s.cache != nil {
		found := make([]cache.Discovered, len(links))
		for i, l := range links {
			found[i] = cache.Discovered{ID: l.ID, Name: l.Name, URL: l.URL}
		}
		s.cache.Discover(page, found)
	}
	if err := s.register(page, links); err != nil {
		return false, err
	}

	urls := make([]string, len(links))
	for i, l := range links {
		urls[i] = l.URL
	}
	res := sel.Select(page, urls)
	s.adopt(page, links, res)

	items := newItemSet(snap.Items)
	todo := s.claim(page, res.Remaining)
	if len(todo) == 0 {
		s.persist(page, items)
		return true, nil
	}

	s.logger.Info("scraping page", "page", page, "listed", len(links), "todo", len(todo))
	s.exec.Run(ctx, todo, s.cfg.Width, func(o browser.Outcome) {
		s.handle(page, o, items, sum)
	})

	s.persist(page, items)
	return ctx.Err() == nil, nil
}

// register records every listed investor the ledger has not seen as
// pending under page, so page completion accounts for all of them.
func (s *PageSession) register(page int, links []browser.Link) error {
	for _, l := range links {
		if l.ID == "" {
			continue
		}
		_, err := s.progress.Item(l.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := s.progress.Record(progress.Update{ID: l.ID, Status: investor.StatusPending, Name: l.Name, URL: l.URL, Unit: page}); err != nil {
			return err
		}
	}
	return nil
}

// adopt marks investors the selector dropped as done: those with a full
// profile in the page snapshot, and those the cache reports completed.
// Snapshot profiles missing from the cache are written back to it.
func (s *PageSession) adopt(page int, links []browser.Link, res selector.Result) {
	remaining := make(map[string]bool, len(res.Remaining))
	for _, u := range res.Remaining {
		remaining[investor.SlugFromURL(u)] = true
	}
	scraped := make(map[string]bool, len(res.Scraped))
	for _, id := range res.Scraped {
		scraped[id] = true
	}

	for _, l := range links {
		if l.ID == "" || remaining[l.ID] {
			continue
		}
		if s.progress.Status(l.ID) != investor.StatusCompleted {
			if err := s.progress.Override(l.ID, investor.StatusCompleted, l.URL, page); err != nil {
				s.logger.Warn("adopting completed investor", "id", l.ID, "error", err)
				continue
			}
		}
		if !scraped[l.ID] || s.cache == nil {
			continue
		}
		if done, err := s.cache.Lookup(l.ID); err == nil && !done {
			s.cache.AddItem(l.ID, l.Name, l.URL, page)
			s.cache.SetCompleted(l.ID, "")
		}
	}
}

// claim moves each remaining URL to in_progress and returns the ones to
// scrape.
func (s *PageSession) claim(page int, urls []string) []string {
	todo := make([]string, 0, len(urls))
	for _, u := range urls {
		id := investor.SlugFromURL(u)
		ok, err := begin(s.progress, id, u, page)
		if err != nil {
			s.logger.Warn("claiming investor", "id", id, "error", err)
			continue
		}
		if !ok {
			s.logger.Debug("skipping flagged investor", "id", id)
			continue
		}
		todo = append(todo, u)
	}
	return todo
}

// begin moves item id to in_progress along whatever path its current
// status allows. It reports false for investors the site flagged inactive
// or limited, which stay excluded.
func begin(store *progress.Store, id, url string, unit int) (bool, error) {
	switch store.Status(id) {
	case investor.StatusInactive, investor.StatusLimitedInfo:
		return false, nil
	case investor.StatusCompleted:
		// Done in the ledger but the caller has no profile for it.
		return true, store.Override(id, investor.StatusInProgress, url, unit)
	case investor.StatusFailed:
		if err := store.RecordStatus(id, investor.StatusPending, url, unit); err != nil {
			return false, err
		}
	}
	return true, store.RecordStatus(id, investor.StatusInProgress, url, unit)
}

// handle records one outcome everywhere it belongs and saves the page
// snapshot so a crash loses at most the item in flight.
func (s *PageSession) handle(page int, o browser.Outcome, items *itemSet, sum *Summary) {
	id := investor.SlugFromURL(o.URL)
	status, reason := outcomeStatus(o)

	u := progress.Update{ID: id, Status: status, URL: o.URL, Unit: page, Error: reason}
	if o.Record != nil {
		u.Name = o.Record.Name()
		if status == investor.StatusCompleted {
			u.Hash = investor.Hash(o.Record)
		}
	}
	if err := s.progress.Record(u); err != nil {
		s.logger.Warn("recording outcome", "id", id, "status", status, "error", err)
	}
	sum.count(status)

	if s.cache != nil {
		s.cache.AddItem(id, u.Name, o.URL, page)
		switch status {
		case investor.StatusCompleted:
			s.cache.SetCompleted(id, u.Hash)
		case investor.StatusFailed:
			s.cache.SetFailed(id)
		}
	}

	if o.Record != nil && status != investor.StatusFailed {
		items.put(id, o.Record)
	}
	s.persist(page, items)
}

func (s *PageSession) persist(page int, items *itemSet) {
	if _, err := s.progress.PersistSnapshot(page, items.list()); err != nil {
		s.logger.Error("saving page snapshot", "page", page, "error", err)
	}
}

func (s *PageSession) startRun(sessionID, mode string, start int) string {
	return startRun(s.runs, s.logger, sessionID, mode, start)
}

func (s *PageSession) finishRun(id string, sum Summary, err error) {
	finishRun(s.runs, s.logger, id, sum, err)
}

func startRun(runs RunLog, logger *slog.Logger, sessionID, mode string, start int) string {
	if runs == nil {
		return ""
	}
	r, err := runs.StartRun(storage.Run{SessionID: sessionID, Mode: mode, StartUnit: start})
	if err != nil {
		logger.Warn("recording run start", "error", err)
		return ""
	}
	return r.ID
}

func finishRun(runs RunLog, logger *slog.Logger, id string, sum Summary, err error) {
	if runs == nil || id == "" {
		return
	}
	status, msg := RunCompleted, ""
	switch {
	case err != nil:
		status, msg = RunFailed, err.Error()
	case sum.Interrupted:
		status = RunInterrupted
	}
	if err := runs.FinishRun(id, status, sum.Processed, msg); err != nil {
		logger.Warn("recording run finish", "run", id, "error", err)
	}
}

// itemSet keeps page records in first-seen order, replacing a record when
// a newer one for the same investor arrives.
type itemSet struct {
	order []string
	byID  map[string]investor.Record
}

func newItemSet(recs []investor.Record) *itemSet {
	s := &itemSet{byID: make(map[string]investor.Record, len(recs))}
	for _, r := range recs {
		s.put(r.ID(), r)
	}
	return s
}

func (s *itemSet) put(id string, r investor.Record) {
	if id == "" {
		return
	}
	if _, ok := s.byID[id]; !ok {
		s.order = append(s.order, id)
	}
	s.byID[id] = r
}

func (s *itemSet) list() []investor.Record {
	out := make([]investor.Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}
