package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/guykatzsedric/snc-scraper/internal/investor"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the item and page ledger and the
// history of scraping runs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "snc.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// --- Items ---

const itemColumns = `id, name, url, unit, status, first_discovered, last_updated, last_scraped, attempts, last_error, content_hash`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var it Item
	var status, first, updated, scraped string
	if err := row.Scan(&it.ID, &it.Name, &it.URL, &it.Unit, &status, &first, &updated, &scraped, &it.Attempts, &it.LastError, &it.ContentHash); err != nil {
		return Item{}, err
	}
	st, err := investor.ParseStatus(status)
	if err != nil {
		return Item{}, fmt.Errorf("item %s: %w", it.ID, err)
	}
	it.Status = st
	if it.FirstDiscovered, err = parseTime("first_discovered", first); err != nil {
		return Item{}, err
	}
	if it.LastUpdated, err = parseTime("last_updated", updated); err != nil {
		return Item{}, err
	}
	if it.LastScraped, err = parseTime("last_scraped", scraped); err != nil {
		return Item{}, err
	}
	return it, nil
}

func (s *Store) GetItem(id string) (Item, error) {
	it, err := scanItem(s.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Item{}, ErrNotFound
	}
	return it, err
}

// PutItem inserts or replaces the item row.
func (s *Store) PutItem(it Item) error {
	now := time.Now().UTC()
	if it.FirstDiscovered.IsZero() {
		it.FirstDiscovered = now
	}
	if it.LastUpdated.IsZero() {
		it.LastUpdated = now
	}
	if it.Status == "" {
		it.Status = investor.StatusPending
	}
	_, err := s.db.Exec(`
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, url = excluded.url, unit = excluded.unit, status = excluded.status,
			last_updated = excluded.last_updated, last_scraped = excluded.last_scraped,
			attempts = excluded.attempts, last_error = excluded.last_error, content_hash = excluded.content_hash`,
		it.ID, it.Name, it.URL, it.Unit, string(it.Status), formatTime(it.FirstDiscovered), formatTime(it.LastUpdated),
		formatTime(it.LastScraped), it.Attempts, it.LastError, it.ContentHash,
	)
	return err
}

func (s *Store) queryItems(query string, args ...any) ([]Item, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, it)
	}
	return results, rows.Err()
}

// ItemsByStatus returns the items in status, ordered by id.
func (s *Store) ItemsByStatus(status investor.Status) ([]Item, error) {
	return s.queryItems(`SELECT `+itemColumns+` FROM items WHERE status = ? ORDER BY id`, string(status))
}

// ItemsByUnit returns the items discovered on unit, ordered by id.
func (s *Store) ItemsByUnit(unit int) ([]Item, error) {
	return s.queryItems(`SELECT `+itemColumns+` FROM items WHERE unit = ? ORDER BY id`, unit)
}

func (s *Store) CountByStatus() (map[investor.Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[investor.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		st, err := investor.ParseStatus(status)
		if err != nil {
			return nil, err
		}
		counts[st] += n
	}
	return counts, rows.Err()
}

// --- Units ---

func scanUnit(row rowScanner) (Unit, error) {
	var u Unit
	var status, updated string
	if err := row.Scan(&u.ID, &status, &u.ItemCount, &u.TotalItems, &u.SessionID, &updated); err != nil {
		return Unit{}, err
	}
	st, err := investor.ParseUnitStatus(status)
	if err != nil {
		return Unit{}, fmt.Errorf("unit %d: %w", u.ID, err)
	}
	u.Status = st
	if u.UpdatedAt, err = parseTime("updated_at", updated); err != nil {
		return Unit{}, err
	}
	return u, nil
}

func (s *Store) GetUnit(id int) (Unit, error) {
	u, err := scanUnit(s.db.QueryRow(`SELECT id, status, item_count, total_items, session_id, updated_at FROM units WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Unit{}, ErrNotFound
	}
	return u, err
}

func (s *Store) PutUnit(u Unit) error {
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now().UTC()
	}
	if u.Status == "" {
		u.Status = investor.UnitInProgress
	}
	_, err := s.db.Exec(`
		INSERT INTO units (id, status, item_count, total_items, session_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status, item_count = excluded.item_count, total_items = excluded.total_items,
			session_id = excluded.session_id, updated_at = excluded.updated_at`,
		u.ID, string(u.Status), u.ItemCount, u.TotalItems, u.SessionID, formatTime(u.UpdatedAt),
	)
	return err
}

// ListUnits returns every known unit in ascending order.
func (s *Store) ListUnits() ([]Unit, error) {
	rows, err := s.db.Query(`SELECT id, status, item_count, total_items, session_id, updated_at FROM units ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, u)
	}
	return results, rows.Err()
}

// --- Runs ---

// StartRun records a new run in status "running" and returns it with its
// generated ID.
func (s *Store) StartRun(r Run) (Run, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC().Truncate(time.Second)
	}
	r.Status = "running"
	_, err := s.db.Exec(`
		INSERT INTO runs (id, session_id, mode, start_unit, status, processed, last_error, started_at)
		VALUES (?, ?, ?, ?, ?, 0, '', ?)`,
		r.ID, r.SessionID, r.Mode, r.StartUnit, r.Status, formatTime(r.StartedAt),
	)
	if err != nil {
		return Run{}, err
	}
	return r, nil
}

func (s *Store) FinishRun(id, status string, processed int, errMsg string) error {
	res, err := s.db.Exec(`UPDATE runs SET status = ?, processed = ?, last_error = ?, finished_at = ? WHERE id = ?`,
		status, processed, errMsg, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, mode, start_unit, status, processed, last_error, started_at, finished_at
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		var r Run
		var started, finished string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Mode, &r.StartUnit, &r.Status, &r.Processed, &r.LastError, &started, &finished); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime("started_at", started); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseTime("finished_at", finished); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
