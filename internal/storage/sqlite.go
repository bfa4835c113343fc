package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/qnb/shoppilot/internal/product"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists per-tab comparison state in SQLite.
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
		dsn = filepath.Join(dataDir, "shoppilot.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and avoids
	// "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
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

// migrate applies embedded migrations that are not yet recorded in
// schema_version, in filename order.
func (s *Store) migrate() error {
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
		if err := s.applyMigration(version, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(version int, content string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	if _, err := tx.Exec(content); err != nil {
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

// --- Tab state ---

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const tabColumns = `tab_id, identity, selection, session_id, minimized, search_query, search_results, updated_at`

// SaveTabState inserts or replaces the state of st.TabID. A zero UpdatedAt
// is stamped with the current time.
func (s *Store) SaveTabState(st TabState) error {
	if st.TabID == "" {
		return fmt.Errorf("saving tab state: empty tab id")
	}
	selection, err := encodeRefs(st.Selection)
	if err != nil {
		return fmt.Errorf("encoding selection: %w", err)
	}
	results, err := encodeRefs(st.SearchResults)
	if err != nil {
		return fmt.Errorf("encoding search results: %w", err)
	}
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT INTO tab_state (`+tabColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tab_id) DO UPDATE SET
			identity = excluded.identity,
			selection = excluded.selection,
			session_id = excluded.session_id,
			minimized = excluded.minimized,
			search_query = excluded.search_query,
			search_results = excluded.search_results,
			updated_at = excluded.updated_at`,
		st.TabID, st.Identity, selection, st.SessionID, boolToInt(st.Minimized),
		st.SearchQuery, results, updated.UTC().Format(timeLayout),
	)
	return err
}

// LoadTabState returns the state of tabID, or ErrNotFound.
func (s *Store) LoadTabState(tabID string) (TabState, error) {
	row := s.db.QueryRow(`SELECT `+tabColumns+` FROM tab_state WHERE tab_id = ?`, tabID)
	st, err := scanTabState(row)
	if err == sql.ErrNoRows {
		return TabState{}, ErrNotFound
	}
	return st, err
}

// DeleteTabState removes the state of tabID. Deleting a missing tab is not
// an error.
func (s *Store) DeleteTabState(tabID string) error {
	_, err := s.db.Exec(`DELETE FROM tab_state WHERE tab_id = ?`, tabID)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTabState(row scanner) (TabState, error) {
	var st TabState
	var selection, results, updated string
	var minimized int
	if err := row.Scan(&st.TabID, &st.Identity, &selection, &st.SessionID, &minimized,
		&st.SearchQuery, &results, &updated); err != nil {
		return TabState{}, err
	}
	st.Minimized = minimized != 0

	var err error
	if st.Selection, err = decodeRefs(selection); err != nil {
		return TabState{}, fmt.Errorf("decoding selection of tab %s: %w", st.TabID, err)
	}
	if st.SearchResults, err = decodeRefs(results); err != nil {
		return TabState{}, fmt.Errorf("decoding search results of tab %s: %w", st.TabID, err)
	}
	if st.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return TabState{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return st, nil
}

func encodeRefs(refs []product.Ref) (string, error) {
	if len(refs) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeRefs(s string) ([]product.Ref, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var refs []product.Ref
	if err := json.Unmarshal([]byte(s), &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
