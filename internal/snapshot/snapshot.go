// Package snapshot reads and writes per-page progress files. A snapshot
// captures the investor records gathered for one listing page together with
// the page's aggregate status. Several snapshots can exist for one page; the
// most authoritative one wins on load.
package snapshot

import (
	"sort"
	"sync"
	"time"

	"github.com/guykatzsedric/snc-scraper/internal/investor"
)

const (
	// DateLayout is the layout of the scrape_date metadata field.
	DateLayout = "2006-01-02 15:04:05"
	// ClockLayout is the layout of scraped_timestamp and the filename suffix.
	ClockLayout = "150405"
)

// Snapshot is one persisted view of a page.
type Snapshot struct {
	Unit           int
	Status         investor.UnitStatus
	Total          int
	SessionID      string
	UserType       string
	ConnectionType string
	SavedAt        time.Time
	Items          []investor.Record

	// Legacy marks a bare-array file whose status lives in its name.
	Legacy bool
	// Path is the file the snapshot was read from or written to. Empty for
	// in-memory storage.
	Path string
}

// Storage is where snapshots live. Dir keeps them on disk; Memory is used
// by tests.
type Storage interface {
	// Save writes s. Saving a completed snapshot removes the page's earlier
	// in-progress and partial snapshots.
	Save(s Snapshot) (Snapshot, error)
	// Load returns the most authoritative snapshot for unit. ok is false
	// when the page has none.
	Load(unit int) (s Snapshot, ok bool, err error)
	// List returns every readable snapshot, ordered by unit.
	List() ([]Snapshot, error)
}

// better reports whether a outranks b as the authoritative snapshot of a
// unit. Completed beats in progress, the structured format beats the legacy
// one, and newer beats older.
func better(a, b Snapshot) bool {
	if ra, rb := statusRank(a.Status), statusRank(b.Status); ra != rb {
		return ra > rb
	}
	if a.Legacy != b.Legacy {
		return !a.Legacy
	}
	if !a.SavedAt.Equal(b.SavedAt) {
		return a.SavedAt.After(b.SavedAt)
	}
	return a.Path > b.Path
}

func statusRank(s investor.UnitStatus) int {
	if s == investor.UnitCompleted {
		return 2
	}
	return 1
}

func best(snaps []Snapshot) (Snapshot, bool) {
	if len(snaps) == 0 {
		return Snapshot{}, false
	}
	top := snaps[0]
	for _, s := range snaps[1:] {
		if better(s, top) {
			top = s
		}
	}
	return top, true
}

func sortByUnit(snaps []Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		if snaps[i].Unit != snaps[j].Unit {
			return snaps[i].Unit < snaps[j].Unit
		}
		return better(snaps[i], snaps[j])
	})
}

// Memory is an in-process Storage.
type Memory struct {
	mu    sync.Mutex
	snaps map[int][]Snapshot
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{snaps: make(map[int][]Snapshot), now: time.Now}
}

func (m *Memory) Save(s Snapshot) (Snapshot, error) {
	if err := validate(s); err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s = normalize(s, m.now())
	s.Items = cloneItems(s.Items)

	kept := m.snaps[s.Unit][:0]
	for _, old := range m.snaps[s.Unit] {
		if s.Status == investor.UnitCompleted && old.Status != investor.UnitCompleted {
			continue
		}
		kept = append(kept, old)
	}
	m.snaps[s.Unit] = append(kept, s)
	return s, nil
}

func (m *Memory) Load(unit int) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := best(m.snaps[unit])
	if ok {
		s.Items = cloneItems(s.Items)
	}
	return s, ok, nil
}

func (m *Memory) List() ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Snapshot
	for _, snaps := range m.snaps {
		out = append(out, snaps...)
	}
	sortByUnit(out)
	return out, nil
}

func normalize(s Snapshot, now time.Time) Snapshot {
	if s.SavedAt.IsZero() {
		s.SavedAt = now
	}
	if s.Items == nil {
		s.Items = []investor.Record{}
	}
	if s.Total < len(s.Items) {
		s.Total = len(s.Items)
	}
	return s
}

func cloneItems(items []investor.Record) []investor.Record {
	out := make([]investor.Record, len(items))
	for i, rec := range items {
		c := make(investor.Record, len(rec))
		for k, v := range rec {
			c[k] = v
		}
		out[i] = c
	}
	return out
}
