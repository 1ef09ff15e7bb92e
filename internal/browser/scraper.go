package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/guykatzsedric/snc-scraper/internal/investor"
)

// Fetcher returns the rendered HTML of a page. Manager implements it.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL, ready string) (string, error)
}

// Scraper turns an investor URL into a profile record: the overview tab,
// a banner check, then the investments tab.
type Scraper struct {
	fetch  Fetcher
	logger *slog.Logger
	now    func() time.Time
}

func NewScraper(f Fetcher, logger *slog.Logger) *Scraper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{fetch: f, logger: logger, now: time.Now}
}

// Scrape returns the full profile at pageURL, or a validation record when
// the site flags the investor as inactive or limited.
func (s *Scraper) Scrape(ctx context.Context, pageURL string) (investor.Record, error) {
	page, err := s.fetch.Fetch(ctx, pageURL, ProfileReady)
	if err != nil {
		return nil, err
	}
	if v := ValidationRecord(pageURL, page); v != nil {
		s.logger.Info("investor flagged by site", "url", pageURL, "validation_type", v.ValidationType())
		return v, nil
	}

	rec, err := ParseProfile(pageURL, page, s.now())
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", pageURL, err)
	}

	invURL := InvestmentsURL(pageURL)
	invPage, err := s.fetch.Fetch(ctx, invURL, ".entity-auto-scroll-data-table")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("investments tab unavailable", "url", invURL, "error", err)
		invPage = ""
	}
	inv, err := ParseInvestments(invPage)
	if err != nil {
		s.logger.Warn("parsing investments", "url", invURL, "error", err)
		inv, _ = ParseInvestments("")
	}
	for k, v := range inv {
		rec[k] = v
	}
	return rec, nil
}

// InvestmentsURL is the investments tab of the profile at pageURL.
func InvestmentsURL(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return pageURL + "?section=investments"
	}
	u.RawQuery = "section=investments"
	u.Fragment = ""
	return u.String()
}
