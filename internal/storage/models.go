package storage

import (
	"errors"
	"time"

	"github.com/guykatzsedric/snc-scraper/internal/investor"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Item is the ledger row for one investor profile.
type Item struct {
	ID              string
	Name            string
	URL             string
	Unit            int // discovery page, 0 when unknown
	Status          investor.Status
	FirstDiscovered time.Time
	LastUpdated     time.Time
	LastScraped     time.Time // zero until a terminal status is reached
	Attempts        int
	LastError       string
	ContentHash     string
}

// Unit is the ledger row for one listing page.
type Unit struct {
	ID         int
	Status     investor.UnitStatus
	ItemCount  int
	TotalItems int
	SessionID  string
	UpdatedAt  time.Time
}

type Run struct {
	ID         string
	SessionID  string
	Mode       string // "page" or "direct"
	StartUnit  int
	Status     string // "running", "completed", "interrupted", "failed"
	Processed  int
	LastError  string
	StartedAt  time.Time
	FinishedAt time.Time
}
