package progress

import (
	"sort"
	"sync"

	"github.com/guykatzsedric/snc-scraper/internal/investor"
	"github.com/guykatzsedric/snc-scraper/internal/storage"
)

var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Ledger = (*storage.Store)(nil)
)

// MemoryLedger is a Ledger that lives only as long as the process.
type MemoryLedger struct {
	mu    sync.Mutex
	items map[string]storage.Item
	units map[int]storage.Unit
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		items: make(map[string]storage.Item),
		units: make(map[int]storage.Unit),
	}
}

func (m *MemoryLedger) GetItem(id string) (storage.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return storage.Item{}, storage.ErrNotFound
	}
	return it, nil
}

func (m *MemoryLedger) PutItem(it storage.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.items[it.ID]; ok {
		it.FirstDiscovered = old.FirstDiscovered
	}
	m.items[it.ID] = it
	return nil
}

func (m *MemoryLedger) filter(keep func(storage.Item) bool) []storage.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Item
	for _, it := range m.items {
		if keep(it) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryLedger) ItemsByStatus(status investor.Status) ([]storage.Item, error) {
	return m.filter(func(it storage.Item) bool { return it.Status == status }), nil
}

func (m *MemoryLedger) ItemsByUnit(unit int) ([]storage.Item, error) {
	return m.filter(func(it storage.Item) bool { return it.Unit == unit }), nil
}

func (m *MemoryLedger) CountByStatus() (map[investor.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[investor.Status]int)
	for _, it := range m.items {
		counts[it.Status]++
	}
	return counts, nil
}

func (m *MemoryLedger) GetUnit(id int) (storage.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return storage.Unit{}, storage.ErrNotFound
	}
	return u, nil
}

func (m *MemoryLedger) PutUnit(u storage.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.Status == "" {
		u.Status = investor.UnitInProgress
	}
	m.units[u.ID] = u
	return nil
}

func (m *MemoryLedger) ListUnits() ([]storage.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.Unit, 0, len(m.units))
	for _, u := range m.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
