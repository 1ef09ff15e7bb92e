package browser

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/guykatzsedric/snc-scraper/internal/investor"
)

// ProfileScraper scrapes one investor URL. Scraper implements it.
type ProfileScraper interface {
	Scrape(ctx context.Context, pageURL string) (investor.Record, error)
}

// Outcome is the result for one URL. Record is nil when Err is set.
type Outcome struct {
	URL    string
	Record investor.Record
	Err    error
}

// Executor scrapes URLs in fixed-size concurrent groups.
type Executor struct {
	scraper ProfileScraper
	logger  *slog.Logger
}

func NewExecutor(s ProfileScraper, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{scraper: s, logger: logger}
}

// Run processes urls in groups of width, all URLs of a group concurrently,
// and waits for each group before starting the next. onOutcome is called
// once per finished URL, never concurrently, as soon as that URL is done.
// When ctx is cancelled no new group starts and URLs interrupted mid-scrape
// produce no outcome. Run returns the outcomes in completion order.
func (e *Executor) Run(ctx context.Context, urls []string, width int, onOutcome func(Outcome)) []Outcome {
	if width < 1 {
		width = 1
	}
	var (
		mu  sync.Mutex
		out = make([]Outcome, 0, len(urls))
	)
	deliver := func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		out = append(out, o)
		if onOutcome != nil {
			onOutcome(o)
		}
	}

	for start := 0; start < len(urls); start += width {
		if ctx.Err() != nil {
			e.logger.Warn("executor stopped", "processed", len(out), "remaining", len(urls)-start)
			break
		}
		end := min(start+width, len(urls))
		group := urls[start:end]
		e.logger.Info("processing group", "from", start+1, "to", end, "total", len(urls))

		// A scrape error belongs to its URL's outcome and must not cancel
		// the rest of the group, so goroutines always return nil.
		var g errgroup.Group
		for _, u := range group {
			g.Go(func() error {
				rec, err := e.scraper.Scrape(ctx, u)
				if ctx.Err() != nil {
					return nil
				}
				if err != nil {
					e.logger.Warn("scrape failed", "url", u, "error", err)
					deliver(Outcome{URL: u, Err: err})
					return nil
				}
				deliver(Outcome{URL: u, Record: rec})
				return nil
			})
		}
		g.Wait()
	}
	return out
}
