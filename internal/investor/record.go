// Package investor holds the investor profile model shared by every part of
// the scraper: item statuses and their transition rules, slug derivation,
// and the content heuristics that decide whether a stored profile counts as
// scraped.
package investor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"
)

// Record is one investor profile as written to result files. Profiles are
// schemaless on disk (overview fields vary per investor), so the record
// keeps every field it was decoded with and exposes typed accessors for the
// handful the progress logic relies on.
type Record map[string]any

// Field names with meaning to the progress logic.
const (
	FieldID             = "vc_id"
	FieldName           = "name"
	FieldURL            = "url"
	FieldInvestments    = "investments"
	FieldValidationType = "validation_type"
	FieldScrapedAt      = "scraped_at"
	FieldReason         = "reason"
)

// KeyOverviewFields are the overview fields of which at least one must be
// populated for a profile to count as scraped.
var KeyOverviewFields = []string{"founded", "overview", "exits", "investment_stages"}

// ID returns the record's vc_id, falling back to the slug of its URL.
func (r Record) ID() string {
	if id := r.str(FieldID); id != "" {
		return id
	}
	if u := r.URL(); u != "" {
		return SlugFromURL(u)
	}
	return ""
}

func (r Record) Name() string      { return r.str(FieldName) }
func (r Record) URL() string       { return r.str(FieldURL) }
func (r Record) ScrapedAt() string { return r.str(FieldScrapedAt) }
func (r Record) Reason() string    { return r.str(FieldReason) }

// ValidationType returns the discriminator set on validation-failure
// records, or "" for full profiles.
func (r Record) ValidationType() string { return r.str(FieldValidationType) }

// IsValidation reports whether the record is a validation result rather
// than a scraped profile. Presence of the field is the signal.
func (r Record) IsValidation() bool {
	_, ok := r[FieldValidationType]
	return ok
}

func (r Record) str(key string) string {
	s, _ := r[key].(string)
	return s
}

// IsScraped classifies a stored record by its payload instead of any status
// flag it carries: at least one key overview field must be populated and
// the investments list must be non-empty.
func IsScraped(r Record) bool {
	if r == nil {
		return false
	}
	hasOverview := false
	for _, f := range KeyOverviewFields {
		if populated(r[f]) {
			hasOverview = true
			break
		}
	}
	return hasOverview && populated(r[FieldInvestments])
}

// populated mirrors loose truthiness: empty strings, empty collections,
// zero numbers, false and nil are all unpopulated.
func populated(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	case []any:
		return len(x) > 0
	case []map[string]any:
		return len(x) > 0
	case []string:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	return true
}

// OutcomeStatus maps an executor outcome to the status it should record.
// Validation records route to their terminal non-completed status; any
// other record needs a name to count as completed.
func OutcomeStatus(r Record) Status {
	if len(r) == 0 {
		return StatusFailed
	}
	if r.IsValidation() {
		switch Status(r.ValidationType()) {
		case StatusInactive:
			return StatusInactive
		case StatusLimitedInfo:
			return StatusLimitedInfo
		}
		return StatusFailed
	}
	if r.Name() == "" {
		return StatusFailed
	}
	return StatusCompleted
}

// Hash returns a stable content hash for r. encoding/json sorts map keys,
// so equal records hash equally.
func Hash(r Record) string {
	data, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SlugFromURL derives an item identifier from its canonical URL: the last
// non-empty path segment, ignoring query string and fragment.
func SlugFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	path := raw
	if u, err := url.Parse(raw); err == nil {
		path = u.Path
	} else if i := strings.IndexAny(raw, "?#"); i >= 0 {
		path = raw[:i]
	}
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
