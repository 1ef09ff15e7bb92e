// Package resume picks the listing page a run starts from. Planners read
// only the snapshots on disk; a planner that fails always falls back to
// the deterministic baseline, and Resolve never fails.
package resume

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/guykatzsedric/snc-scraper/internal/investor"
	"github.com/guykatzsedric/snc-scraper/internal/snapshot"
)

// FirstUnit is where a run starts when nothing is known.
const FirstUnit = 1

// Planner chooses the page to work on next.
type Planner interface {
	Plan(ctx context.Context) (int, error)
}

// Lister lists page snapshots. snapshot.Dir implements it.
type Lister interface {
	List() ([]snapshot.Snapshot, error)
}

// WorkChecker reports whether a page still has unscraped items.
// selector.Selector implements it.
type WorkChecker interface {
	NeedsWork(unit int) bool
}

// pageStates reduces snapshots to the authoritative status of each page.
func pageStates(snaps []snapshot.Snapshot) map[int]investor.UnitStatus {
	states := make(map[int]investor.UnitStatus)
	for _, s := range snaps {
		if s.Unit < 1 {
			continue
		}
		if states[s.Unit] == investor.UnitCompleted {
			continue
		}
		states[s.Unit] = s.Status
	}
	return states
}

func highest(states map[int]investor.UnitStatus, want investor.UnitStatus) (int, bool) {
	best, found := 0, false
	for unit, st := range states {
		if st == want && unit > best {
			best, found = unit, true
		}
	}
	return best, found
}

// Baseline resumes the highest in-progress page, else the page after the
// highest completed one, else the first page.
type Baseline struct {
	snaps  Lister
	logger *slog.Logger
}

func NewBaseline(snaps Lister) *Baseline {
	return &Baseline{snaps: snaps, logger: slog.Default()}
}

func (b *Baseline) Plan(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	snaps, err := b.snaps.List()
	if err != nil {
		return 0, fmt.Errorf("listing snapshots: %w", err)
	}
	states := pageStates(snaps)

	if p, ok := highest(states, investor.UnitInProgress); ok {
		b.logger.Info("resuming in-progress page", "page", p)
		return p, nil
	}
	if p, ok := highest(states, investor.UnitCompleted); ok {
		b.logger.Info("starting page after last completed", "page", p+1, "completed_pages", len(states))
		return p + 1, nil
	}
	b.logger.Info("no previous pages, starting fresh", "page", FirstUnit)
	return FirstUnit, nil
}

// Enhanced looks one page behind the highest in-progress page P: when page
// P-1 still has unscraped items the run resumes there, otherwise it defers
// to the baseline.
type Enhanced struct {
	snaps    Lister
	work     WorkChecker
	baseline Planner
	logger   *slog.Logger
}

func NewEnhanced(snaps Lister, work WorkChecker) *Enhanced {
	return &Enhanced{
		snaps:    snaps,
		work:     work,
		baseline: NewBaseline(snaps),
		logger:   slog.Default(),
	}
}

func (e *Enhanced) Plan(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	snaps, err := e.snaps.List()
	if err != nil {
		return 0, fmt.Errorf("listing snapshots: %w", err)
	}
	p, ok := highest(pageStates(snaps), investor.UnitInProgress)
	if !ok || p <= 1 {
		return e.baseline.Plan(ctx)
	}

	prev := p - 1
	if e.work.NeedsWork(prev) {
		e.logger.Info("previous page has unscraped items, resuming there", "page", prev, "in_progress", p)
		return prev, nil
	}
	e.logger.Debug("previous page complete", "page", prev)
	return e.baseline.Plan(ctx)
}

type fallback struct {
	primary, secondary Planner
	logger             *slog.Logger
}

// WithFallback returns a Planner that answers with secondary whenever
// primary fails or returns an invalid page.
func WithFallback(primary, secondary Planner) Planner {
	return &fallback{primary: primary, secondary: secondary, logger: slog.Default()}
}

func (f *fallback) Plan(ctx context.Context) (int, error) {
	p, err := f.primary.Plan(ctx)
	if err == nil && p >= FirstUnit {
		return p, nil
	}
	if err == nil {
		err = fmt.Errorf("invalid page %d", p)
	}
	f.logger.Warn("resume planner failed, using fallback", "error", err)
	return f.secondary.Plan(ctx)
}

// New builds the planner selected by configuration.
func New(enhanced bool, snaps Lister, work WorkChecker) Planner {
	base := NewBaseline(snaps)
	if !enhanced || work == nil {
		return base
	}
	return WithFallback(NewEnhanced(snaps, work), base)
}

// Resolve runs p and returns its page. Any failure yields FirstUnit.
func Resolve(ctx context.Context, p Planner) int {
	page, err := p.Plan(ctx)
	if err != nil || page < FirstUnit {
		slog.Warn("resume planning failed, starting from first page", "page", page, "error", err)
		return FirstUnit
	}
	return page
}
