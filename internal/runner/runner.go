// Package runner drives scraping sessions: the page session walks listing
// pages from the resume point, the direct session works through the
// investor database. Both feed every outcome back into progress tracking
// as soon as it arrives.
package runner

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/guykatzsedric/snc-scraper/internal/browser"
	"github.com/guykatzsedric/snc-scraper/internal/investor"
	"github.com/guykatzsedric/snc-scraper/internal/storage"
)

// Session modes recorded in the run log.
const (
	ModePage   = "page"
	ModeDirect = "direct"
)

// Run log statuses.
const (
	RunCompleted   = "completed"
	RunInterrupted = "interrupted"
	RunFailed      = "failed"
)

// User types split listing pages between two operators.
const (
	UserRateLimited = "rate_limited"
	UserFresh       = "fresh"
)

// Executor scrapes a batch of URLs. browser.Executor implements it.
type Executor interface {
	Run(ctx context.Context, urls []string, width int, onOutcome func(browser.Outcome)) []browser.Outcome
}

// RunLog records session start and finish. storage.Store implements it.
type RunLog interface {
	StartRun(r storage.Run) (storage.Run, error)
	FinishRun(id, status string, processed int, errMsg string) error
}

// Summary counts what a session did.
type Summary struct {
	SessionID   string
	StartPage   int
	Pages       int
	Processed   int
	Completed   int
	Failed      int
	Inactive    int
	LimitedInfo int
	Interrupted bool
}

func (s *Summary) count(status investor.Status) {
	s.Processed++
	switch status {
	case investor.StatusCompleted:
		s.Completed++
	case investor.StatusInactive:
		s.Inactive++
	case investor.StatusLimitedInfo:
		s.LimitedInfo++
	default:
		s.Failed++
	}
}

// NewSessionID returns a session tag for t.
func NewSessionID(t time.Time) string {
	return t.Format("20060102_150405")
}

// ShouldHandle reports whether userType works on page: rate-limited
// operators take odd pages, fresh operators even ones, anyone else all.
func ShouldHandle(userType string, page int) bool {
	switch userType {
	case UserRateLimited:
		return page%2 == 1
	case UserFresh:
		return page%2 == 0
	}
	return true
}

// ListingURL builds the search URL of page. searchPath may carry its own
// query string; page replaces any page parameter already present.
func ListingURL(baseURL, searchPath string, page int) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + searchPath)
	if err != nil {
		return "", fmt.Errorf("listing url: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// outcomeStatus routes an executor outcome to the item status it records.
func outcomeStatus(o browser.Outcome) (investor.Status, string) {
	if o.Err != nil {
		return investor.StatusFailed, o.Err.Error()
	}
	st := investor.OutcomeStatus(o.Record)
	if st == investor.StatusFailed {
		return st, "Scraping failed"
	}
	return st, ""
}
