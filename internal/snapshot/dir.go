package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/guykatzsedric/snc-scraper/internal/fileutil"
	"github.com/guykatzsedric/snc-scraper/internal/investor"
)

// metadata is the header written with every structured snapshot.
type metadata struct {
	PageNumber       int    `json:"page_number"`
	Status           string `json:"status"`
	TotalVCs         int    `json:"total_vcs"`
	ScrapedTimestamp string `json:"scraped_timestamp"`
	ScrapeDate       string `json:"scrape_date"`
	SessionID        string `json:"session_id"`
	UserType         string `json:"user_type"`
	ConnectionType   string `json:"connection_type,omitempty"`
}

type document struct {
	Metadata metadata          `json:"metadata"`
	VCs      []investor.Record `json:"vcs"`
}

// storedMetadata is the read side of metadata. Older writers used
// actual_page_number and total_vcs_on_page; they are accepted here and
// never written.
type storedMetadata struct {
	PageNumber       *int   `json:"page_number"`
	ActualPageNumber *int   `json:"actual_page_number"`
	Status           string `json:"status"`
	TotalVCs         *int   `json:"total_vcs"`
	TotalVCsOnPage   *int   `json:"total_vcs_on_page"`
	ScrapeDate       string `json:"scrape_date"`
	SessionID        string `json:"session_id"`
	UserType         string `json:"user_type"`
	ConnectionType   string `json:"connection_type"`
}

type storedDocument struct {
	Metadata *storedMetadata   `json:"metadata"`
	VCs      []investor.Record `json:"vcs"`
}

// Dir stores snapshots as JSON files in a results directory.
type Dir struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

func NewDir(path string) *Dir {
	return &Dir{path: path, logger: slog.Default(), now: time.Now}
}

// Path returns the results directory.
func (d *Dir) Path() string { return d.path }

func validate(s Snapshot) error {
	if s.Unit < 1 {
		return fmt.Errorf("invalid unit %d", s.Unit)
	}
	if s.Status != investor.UnitCompleted && s.Status != investor.UnitInProgress {
		return fmt.Errorf("invalid unit status %q", s.Status)
	}
	return nil
}

// Save writes s under a name that encodes unit, status, count and time of
// day. A completed save removes the unit's in-progress and partial files;
// an in-progress save removes the unit's older in-progress files. Files
// that cannot be parsed are never removed.
func (d *Dir) Save(s Snapshot) (Snapshot, error) {
	if err := validate(s); err != nil {
		return Snapshot{}, err
	}
	s = normalize(s, d.now())

	name := fmt.Sprintf("page_%d_%s_%d_vcs_%s.json", s.Unit, s.Status, len(s.Items), s.SavedAt.Format(ClockLayout))
	path := filepath.Join(d.path, name)

	var payload any = s.Items
	if !s.Legacy {
		payload = document{
			Metadata: metadata{
				PageNumber:       s.Unit,
				Status:           string(s.Status),
				TotalVCs:         s.Total,
				ScrapedTimestamp: s.SavedAt.Format(ClockLayout),
				ScrapeDate:       s.SavedAt.Format(DateLayout),
				SessionID:        s.SessionID,
				UserType:         s.UserType,
				ConnectionType:   s.ConnectionType,
			},
			VCs: s.Items,
		}
	}
	if err := fileutil.WriteJSON(path, payload); err != nil {
		return Snapshot{}, fmt.Errorf("saving page %d snapshot: %w", s.Unit, err)
	}
	s.Path = path

	stale := []string{"_in_progress_"}
	if s.Status == investor.UnitCompleted {
		stale = append(stale, "_partial_")
	}
	d.removeStale(s.Unit, name, stale)
	return s, nil
}

func (d *Dir) removeStale(unit int, keep string, markers []string) {
	names, err := d.unitFiles(unit)
	if err != nil {
		d.logger.Warn("listing stale snapshots", "page", unit, "error", err)
		return
	}
	for _, name := range names {
		if name == keep {
			continue
		}
		for _, m := range markers {
			if strings.Contains(name, m) {
				if _, err := d.read(name); err != nil {
					d.logger.Warn("keeping unreadable stale snapshot", "file", name, "error", err)
					break
				}
				if err := os.Remove(filepath.Join(d.path, name)); err != nil {
					d.logger.Warn("removing stale snapshot", "file", name, "error", err)
				} else {
					d.logger.Debug("removed stale snapshot", "file", name)
				}
				break
			}
		}
	}
}

// Load returns the most authoritative readable snapshot for unit.
// Unreadable files are skipped with a warning and left in place.
func (d *Dir) Load(unit int) (Snapshot, bool, error) {
	names, err := d.unitFiles(unit)
	if err != nil {
		return Snapshot{}, false, err
	}
	var snaps []Snapshot
	for _, name := range names {
		s, err := d.read(name)
		if err != nil {
			d.logger.Warn("skipping unreadable snapshot", "file", name, "error", err)
			continue
		}
		snaps = append(snaps, s)
	}
	s, ok := best(snaps)
	return s, ok, nil
}

// List reads every snapshot file in the directory.
func (d *Dir) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(d.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading results directory: %w", err)
	}
	var out []Snapshot
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, _, ok := parseFilename(e.Name()); !ok {
			continue
		}
		s, err := d.read(e.Name())
		if err != nil {
			d.logger.Warn("skipping unreadable snapshot", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, s)
	}
	sortByUnit(out)
	return out, nil
}

// unitFiles returns the snapshot file names belonging to unit. A missing
// directory yields no names.
func (d *Dir) unitFiles(unit int) ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading results directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if u, _, ok := parseFilename(e.Name()); ok && u == unit {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (d *Dir) read(name string) (Snapshot, error) {
	path := filepath.Join(d.path, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Snapshot{}, err
	}

	trimmed := bytes.TrimSpace(data)
	var s Snapshot
	if len(trimmed) > 0 && trimmed[0] == '[' {
		s, err = parseLegacy(name, trimmed)
	} else {
		s, err = parseStructured(name, trimmed)
	}
	if err != nil {
		return Snapshot{}, err
	}
	if s.SavedAt.IsZero() {
		s.SavedAt = info.ModTime()
	}
	s.Path = path
	return s, nil
}

func parseStructured(name string, data []byte) (Snapshot, error) {
	var doc storedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	if doc.VCs == nil {
		return Snapshot{}, errors.New("snapshot has no vcs list")
	}

	unit, _, _ := parseFilename(name)
	s := Snapshot{Items: doc.VCs}
	md := doc.Metadata
	if md == nil {
		md = &storedMetadata{}
	}
	switch {
	case md.PageNumber != nil:
		s.Unit = *md.PageNumber
	case md.ActualPageNumber != nil:
		s.Unit = *md.ActualPageNumber
	default:
		s.Unit = unit
	}
	if status, err := investor.ParseUnitStatus(md.Status); err == nil {
		s.Status = status
	} else {
		s.Status = statusFromName(name)
	}
	switch {
	case md.TotalVCs != nil:
		s.Total = *md.TotalVCs
	case md.TotalVCsOnPage != nil:
		s.Total = *md.TotalVCsOnPage
	}
	if s.Total < len(s.Items) {
		s.Total = len(s.Items)
	}
	s.SessionID = md.SessionID
	s.UserType = md.UserType
	s.ConnectionType = md.ConnectionType
	if md.ScrapeDate != "" {
		if t, err := time.ParseInLocation(DateLayout, md.ScrapeDate, time.Local); err == nil {
			s.SavedAt = t
		}
	}
	return s, nil
}
