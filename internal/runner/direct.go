package runner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/guykatzsedric/snc-scraper/internal/browser"
	"github.com/guykatzsedric/snc-scraper/internal/fileutil"
	"github.com/guykatzsedric/snc-scraper/internal/investor"
	"github.com/guykatzsedric/snc-scraper/internal/investordb"
	"github.com/guykatzsedric/snc-scraper/internal/progress"
)

// DefaultBatchLimit is how many investors a direct session takes when no
// limit is configured.
const DefaultBatchLimit = 50

// NotProcessed is the failure reason for batch members the executor never
// returned.
const NotProcessed = "Not processed"

// Catalog is the investor database a direct session works through.
// investordb.DB implements it.
type Catalog interface {
	Unscraped(limit int) []investordb.Investor
	MarkScraped(id string, rec investor.Record) bool
	MarkFailed(id, reason string) bool
	MarkInactive(id string) bool
	MarkLimited(id string) bool
	Save() error
}

type DirectConfig struct {
	Limit int
	Width int
	// ResultsDir receives the batch file of scraped profiles. Empty skips
	// writing it.
	ResultsDir string
}

// DirectSession scrapes a batch of unscraped investors straight from the
// investor database, without walking listing pages.
type DirectSession struct {
	cfg      DirectConfig
	db       Catalog
	exec     Executor
	progress *progress.Store
	cache    Cache
	runs     RunLog
	logger   *slog.Logger
}

type DirectOption func(*DirectSession)

func WithDirectCache(c Cache) DirectOption {
	return func(s *DirectSession) { s.cache = c }
}

func WithDirectRunLog(r RunLog) DirectOption {
	return func(s *DirectSession) { s.runs = r }
}

func WithDirectLogger(l *slog.Logger) DirectOption {
	return func(s *DirectSession) { s.logger = l }
}

func NewDirectSession(cfg DirectConfig, db Catalog, exec Executor, store *progress.Store, opts ...DirectOption) *DirectSession {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultBatchLimit
	}
	if cfg.Width <= 0 {
		cfg.Width = 1
	}
	s := &DirectSession{
		cfg:      cfg,
		db:       db,
		exec:     exec,
		progress: store,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run scrapes one batch. Outcomes route by content: a validation record
// marks the investor inactive or limited, a record with a name marks it
// scraped, anything else fails it. Batch members without an outcome fail
// as not processed unless the session was interrupted. Investors the
// ledger already holds as inactive or limited are not fetched again; the
// catalog takes their ledger status. The database is saved in every case.
func (s *DirectSession) Run(ctx context.Context) (Summary, error) {
	sum := Summary{SessionID: s.progress.SessionID()}

	batch := s.db.Unscraped(s.cfg.Limit)
	if len(batch) == 0 {
		s.logger.Info("no unscraped investors in database")
		return sum, nil
	}
	s.logger.Info("direct session starting", "session", sum.SessionID, "batch", len(batch))
	runID := startRun(s.runs, s.logger, sum.SessionID, ModeDirect, 0)

	byURL := make(map[string]investordb.Investor, len(batch))
	flagged := make(map[string]bool)
	urls := make([]string, 0, len(batch))
	for _, inv := range batch {
		if inv.URL == "" {
			s.logger.Warn("investor without url", "id", inv.ID)
			continue
		}
		ok, err := begin(s.progress, inv.ID, inv.URL, 0)
		if err != nil {
			s.logger.Warn("recording investor start", "id", inv.ID, "error", err)
			continue
		}
		if !ok {
			s.syncFlagged(inv)
			flagged[inv.ID] = true
			continue
		}
		byURL[inv.URL] = inv
		urls = append(urls, inv.URL)
	}

	seen := make(map[string]bool, len(batch))
	var scraped []investor.Record
	s.exec.Run(ctx, urls, s.cfg.Width, func(o browser.Outcome) {
		inv := byURL[o.URL]
		seen[inv.ID] = true
		if s.route(inv, o, &sum) {
			scraped = append(scraped, o.Record)
		}
	})

	sum.Interrupted = ctx.Err() != nil
	if !sum.Interrupted {
		for _, inv := range batch {
			if seen[inv.ID] || flagged[inv.ID] {
				continue
			}
			s.db.MarkFailed(inv.ID, NotProcessed)
			s.record(inv, investor.StatusFailed, "", NotProcessed)
			sum.count(investor.StatusFailed)
		}
	}

	var runErr error
	if err := s.db.Save(); err != nil {
		runErr = fmt.Errorf("saving investor database: %w", err)
	}
	if err := s.writeResults(sum.SessionID, scraped); err != nil {
		s.logger.Error("writing batch results", "error", err)
	}

	finishRun(s.runs, s.logger, runID, sum, runErr)
	s.logger.Info("direct session finished",
		"processed", sum.Processed,
		"completed", sum.Completed,
		"inactive", sum.Inactive,
		"limited_info", sum.LimitedInfo,
		"failed", sum.Failed,
		"interrupted", sum.Interrupted)
	return sum, runErr
}

// route applies one outcome and reports whether it produced a scraped
// profile.
func (s *DirectSession) route(inv investordb.Investor, o browser.Outcome, sum *Summary) bool {
	status, reason := outcomeStatus(o)
	switch status {
	case investor.StatusInactive:
		s.db.MarkInactive(inv.ID)
	case investor.StatusLimitedInfo:
		s.db.MarkLimited(inv.ID)
	case investor.StatusCompleted:
		s.db.MarkScraped(inv.ID, o.Record)
	default:
		s.db.MarkFailed(inv.ID, "Scraping failed")
	}

	var name, hash string
	if o.Record != nil {
		name = o.Record.Name()
	}
	if status == investor.StatusCompleted {
		hash = investor.Hash(o.Record)
	}
	s.record(inv, status, name, reason)
	if s.cache != nil {
		s.cache.AddItem(inv.ID, name, inv.URL, 0)
		switch status {
		case investor.StatusCompleted:
			s.cache.SetCompleted(inv.ID, hash)
		case investor.StatusFailed:
			s.cache.SetFailed(inv.ID)
		}
	}
	sum.count(status)
	return status == investor.StatusCompleted
}

// syncFlagged copies a terminal ledger status the catalog has not caught up
// with, so the investor leaves the unscraped pool without another fetch.
func (s *DirectSession) syncFlagged(inv investordb.Investor) {
	status := s.progress.Status(inv.ID)
	switch status {
	case investor.StatusInactive:
		s.db.MarkInactive(inv.ID)
	case investor.StatusLimitedInfo:
		s.db.MarkLimited(inv.ID)
	}
	s.logger.Info("skipping flagged investor", "id", inv.ID, "status", status)
}

func (s *DirectSession) record(inv investordb.Investor, status investor.Status, name, reason string) {
	u := progress.Update{ID: inv.ID, Status: status, Name: name, URL: inv.URL, Error: reason}
	if err := s.progress.Record(u); err != nil {
		s.logger.Warn("recording outcome", "id", inv.ID, "status", status, "error", err)
	}
}

func (s *DirectSession) writeResults(sessionID string, recs []investor.Record) error {
	if s.cfg.ResultsDir == "" || len(recs) == 0 {
		return nil
	}
	path := filepath.Join(s.cfg.ResultsDir, fmt.Sprintf("direct_batch_%s.json", sessionID))
	if err := fileutil.WriteJSON(path, recs); err != nil {
		return err
	}
	s.logger.Info("batch results saved", "path", path, "profiles", len(recs))
	return nil
}
