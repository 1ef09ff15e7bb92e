// Package progress is the durable record of where every investor and every
// listing page stands. It owns the item status lifecycle, derives page
// completion from item statuses, and writes page snapshots.
package progress

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/guykatzsedric/snc-scraper/internal/investor"
	"github.com/guykatzsedric/snc-scraper/internal/snapshot"
	"github.com/guykatzsedric/snc-scraper/internal/storage"
)

// ErrInvalidTransition is returned when a status change is not allowed by
// investor.CanTransition.
var ErrInvalidTransition = errors.New("invalid status transition")

// Ledger holds item and unit rows. storage.Store implements it on SQLite;
// MemoryLedger keeps everything in memory.
type Ledger interface {
	GetItem(id string) (storage.Item, error)
	PutItem(it storage.Item) error
	ItemsByStatus(status investor.Status) ([]storage.Item, error)
	ItemsByUnit(unit int) ([]storage.Item, error)
	CountByStatus() (map[investor.Status]int, error)
	GetUnit(id int) (storage.Unit, error)
	PutUnit(u storage.Unit) error
	ListUnits() ([]storage.Unit, error)
}

// Options carry the session tags stamped on every snapshot.
type Options struct {
	SessionID      string
	UserType       string
	ConnectionType string
}

// Update is a full status change. RecordStatus covers the common case.
type Update struct {
	ID     string
	Status investor.Status
	Name   string
	URL    string
	Unit   int
	Error  string
	Hash   string
}

// Store serializes all progress mutations behind one mutex so executor
// callbacks can call it from any goroutine.
type Store struct {
	mu     sync.Mutex
	ledger Ledger
	snaps  snapshot.Storage
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func New(ledger Ledger, snaps snapshot.Storage, opts Options) *Store {
	return &Store{
		ledger: ledger,
		snaps:  snaps,
		opts:   opts,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// SessionID returns the session tag written into snapshots.
func (s *Store) SessionID() string { return s.opts.SessionID }

// RecordStatus sets the status of item id, inserting it when unknown.
func (s *Store) RecordStatus(id string, status investor.Status, url string, unit int) error {
	return s.Record(Update{ID: id, Status: status, URL: url, Unit: unit})
}

// Record applies u. Unknown items are inserted with the given status.
// Known items must pass investor.CanTransition; a rejected change writes
// nothing and returns ErrInvalidTransition. Moving to in_progress counts
// as an attempt. The discovery unit is set once.
func (s *Store) Record(u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(u, false)
}

// Override sets the status of item id regardless of the transition table.
// It is the manual escape hatch and the path used to adopt items found
// complete in an existing snapshot.
func (s *Store) Override(id string, status investor.Status, url string, unit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(Update{ID: id, Status: status, URL: url, Unit: unit}, true)
}

func (s *Store) apply(u Update, force bool) error {
	if u.ID == "" {
		return errors.New("item id is required")
	}
	if !u.Status.Valid() {
		return fmt.Errorf("recording %s: unknown status %q", u.ID, u.Status)
	}

	now := s.now().UTC()
	it, err := s.ledger.GetItem(u.ID)
	isNew := errors.Is(err, storage.ErrNotFound)
	if err != nil && !isNew {
		return fmt.Errorf("loading item %s: %w", u.ID, err)
	}

	from := it.Status
	if isNew {
		it = storage.Item{ID: u.ID, FirstDiscovered: now}
		from = investor.StatusPending
	} else if !force && !investor.CanTransition(it.Status, u.Status) {
		s.logger.Warn("rejected status transition", "id", u.ID, "from", it.Status, "to", u.Status)
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, u.ID, it.Status, u.Status)
	}

	it.Status = u.Status
	it.LastUpdated = now
	if u.Name != "" {
		it.Name = u.Name
	}
	if u.URL != "" {
		it.URL = u.URL
	}
	if it.Unit == 0 && u.Unit > 0 {
		it.Unit = u.Unit
	}
	switch {
	case u.Status == investor.StatusInProgress:
		it.Attempts++
	case u.Status == investor.StatusFailed:
		it.LastError = u.Error
	case u.Status.Terminal():
		it.LastScraped = now
		it.LastError = ""
	}
	if u.Hash != "" {
		it.ContentHash = u.Hash
	}

	if err := s.ledger.PutItem(it); err != nil {
		return fmt.Errorf("saving item %s: %w", u.ID, err)
	}
	if isNew {
		s.logger.Debug("item recorded", "id", u.ID, "status", u.Status, "page", it.Unit)
	} else if from != u.Status {
		s.logger.Info("item status changed", "id", u.ID, "from", from, "to", u.Status, "forced", force)
	}

	if it.Unit > 0 {
		if _, err := s.recompute(it.Unit); err != nil {
			return err
		}
	}
	return nil
}

// Status returns the item's status, or pending when it is unknown or the
// ledger cannot be read.
func (s *Store) Status(id string) investor.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.ledger.GetItem(id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("reading item status", "id", id, "error", err)
		}
		return investor.StatusPending
	}
	return it.Status
}

// Item returns the full ledger row for id.
func (s *Store) Item(id string) (storage.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.GetItem(id)
}

// ListByStatus returns the ids of every item in status.
func (s *Store) ListByStatus(status investor.Status) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.ledger.ItemsByStatus(status)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids, nil
}

// RecomputeUnitCompletion derives the status of unit from its items: it is
// completed when it has at least one item and every item is terminal.
func (s *Store) RecomputeUnitCompletion(unit int) (investor.UnitStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recompute(unit)
}

func (s *Store) recompute(unit int) (investor.UnitStatus, error) {
	items, err := s.ledger.ItemsByUnit(unit)
	if err != nil {
		return "", fmt.Errorf("loading items of page %d: %w", unit, err)
	}
	status := investor.UnitInProgress
	if len(items) > 0 {
		status = investor.UnitCompleted
		for _, it := range items {
			if !it.Status.Terminal() {
				status = investor.UnitInProgress
				break
			}
		}
	}

	u, err := s.ledger.GetUnit(unit)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("loading page %d: %w", unit, err)
	}
	if errors.Is(err, storage.ErrNotFound) {
		u = storage.Unit{ID: unit}
	}
	prev := u.Status
	u.Status = status
	u.ItemCount = len(items)
	if u.TotalItems < len(items) {
		u.TotalItems = len(items)
	}
	if u.SessionID == "" {
		u.SessionID = s.opts.SessionID
	}
	u.UpdatedAt = s.now().UTC()
	if err := s.ledger.PutUnit(u); err != nil {
		return "", fmt.Errorf("saving page %d: %w", unit, err)
	}
	if prev != status && prev != "" {
		s.logger.Info("page status changed", "page", unit, "from", prev, "to", status, "items", len(items))
	}
	return status, nil
}

// SetUnitTotal records how many items the listing page showed.
func (s *Store) SetUnitTotal(unit, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.ledger.GetUnit(unit)
	if errors.Is(err, storage.ErrNotFound) {
		u = storage.Unit{ID: unit, Status: investor.UnitInProgress, SessionID: s.opts.SessionID}
	} else if err != nil {
		return fmt.Errorf("loading page %d: %w", unit, err)
	}
	u.TotalItems = total
	u.UpdatedAt = s.now().UTC()
	return s.ledger.PutUnit(u)
}

// Unit returns the ledger row for unit.
func (s *Store) Unit(unit int) (storage.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.GetUnit(unit)
}

// Units returns every unit the ledger knows.
func (s *Store) Units() ([]storage.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.ListUnits()
}

// PersistSnapshot writes items as the snapshot of unit. The snapshot status
// is the unit's derived status, so a page is only ever written as completed
// when all its items are terminal.
func (s *Store) PersistSnapshot(unit int, items []investor.Record) (snapshot.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.recompute(unit)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	u, err := s.ledger.GetUnit(unit)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("loading page %d: %w", unit, err)
	}

	snap, err := s.snaps.Save(snapshot.Snapshot{
		Unit:           unit,
		Status:         status,
		Total:          u.TotalItems,
		SessionID:      s.opts.SessionID,
		UserType:       s.opts.UserType,
		ConnectionType: s.opts.ConnectionType,
		SavedAt:        s.now(),
		Items:          items,
	})
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	s.logger.Info("page snapshot saved", "page", unit, "status", status, "items", len(items), "total", u.TotalItems)
	return snap, nil
}

// LoadSnapshot returns the most authoritative snapshot for unit. Read
// problems are logged and reported as no snapshot.
func (s *Store) LoadSnapshot(unit int) (snapshot.Snapshot, bool) {
	snap, ok, err := s.snaps.Load(unit)
	if err != nil {
		s.logger.Warn("loading page snapshot", "page", unit, "error", err)
		return snapshot.Snapshot{}, false
	}
	return snap, ok
}

// List returns every readable snapshot. It satisfies resume.Lister and
// cache.SnapshotLister.
func (s *Store) List() ([]snapshot.Snapshot, error) {
	return s.snaps.List()
}

// Summary returns the number of items in each status. Every status is
// present in the result.
func (s *Store) Summary() (map[investor.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts, err := s.ledger.CountByStatus()
	if err != nil {
		return nil, err
	}
	out := make(map[investor.Status]int, len(investor.Statuses))
	for _, st := range investor.Statuses {
		out[st] = counts[st]
	}
	return out, nil
}
