package investor

import (
	"fmt"
	"strings"
)

// Status is the scraping lifecycle state of a single investor profile.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInactive    Status = "inactive"
	StatusLimitedInfo Status = "limited_info"
)

// Statuses lists every valid Status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusInProgress,
	StatusCompleted,
	StatusFailed,
	StatusInactive,
	StatusLimitedInfo,
}

// ParseStatus converts a stored status string into a Status. The empty
// string and the investor database's "not_scraped" both mean pending.
func ParseStatus(s string) (Status, error) {
	switch v := Status(strings.TrimSpace(s)); v {
	case "", "not_scraped":
		return StatusPending, nil
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusInactive, StatusLimitedInfo:
		return v, nil
	}
	return "", fmt.Errorf("unknown item status %q", s)
}

// Valid reports whether s is one of Statuses.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no further scraping is attempted for s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusInactive, StatusLimitedInfo:
		return true
	}
	return false
}

// Resumable reports whether an item in status s is eligible for work.
func (s Status) Resumable() bool {
	return s == StatusPending || s == StatusFailed
}

// transitions is the only place item lifecycle rules live.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusInProgress, StatusCompleted, StatusFailed, StatusInactive, StatusLimitedInfo},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether an item may move from one status to
// another. Rewriting the current status is always allowed; it only
// refreshes timestamps.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// UnitStatus is the aggregate state of a listing page.
type UnitStatus string

const (
	UnitInProgress UnitStatus = "in_progress"
	UnitCompleted  UnitStatus = "completed"
)

// ParseUnitStatus accepts the two structured statuses plus the legacy
// "partial" and "partial_rate_limit" markers, which are read as in progress.
func ParseUnitStatus(s string) (UnitStatus, error) {
	switch s {
	case string(UnitCompleted):
		return UnitCompleted, nil
	case string(UnitInProgress), "partial", "partial_rate_limit":
		return UnitInProgress, nil
	}
	return "", fmt.Errorf("unknown unit status %q", s)
}
