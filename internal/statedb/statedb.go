// Package statedb persists the session registry snapshot in SQLite.
// The write model is deliberately simple: the whole snapshot (sessions,
// external-conversation links, naming counter) is replaced in one
// transaction on every observable change, and read exactly once at startup.
// This process is the sole writer; last write wins.
package statedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema. Bump when adding
// migrations.
const SchemaVersion = 1

// SessionRow is one persisted managed session.
type SessionRow struct {
	ID               string
	Name             string
	TmuxSession      string
	Status           string
	CWD              string
	CurrentTool      string
	CreatedAt        time.Time
	LastActivity     time.Time
	LinkedExternalID string
	// Placement is opaque spatial metadata owned by the rendering layer,
	// stored and returned verbatim.
	Placement string
}

// Snapshot is the full persisted state.
type Snapshot struct {
	Sessions []SessionRow
	// Links maps agent-internal conversation id -> managed session id.
	Links map[string]string
	// NameCounter is the monotonic counter feeding session name generation.
	NameCounter int64
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at dbPath with WAL mode and a busy
// timeout, and runs migrations.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL allows a reader (debug tooling) while we write.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("statedb: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

func (s *Store) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id                 TEXT PRIMARY KEY,
			name               TEXT NOT NULL,
			tmux_session       TEXT NOT NULL,
			status             TEXT NOT NULL,
			cwd                TEXT NOT NULL,
			current_tool       TEXT NOT NULL DEFAULT '',
			created_at         INTEGER NOT NULL,
			last_activity      INTEGER NOT NULL,
			linked_external_id TEXT NOT NULL DEFAULT '',
			placement          TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS links (
			external_id TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("statedb: migrate: %w", err)
		}
	}

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', ?)`,
		fmt.Sprintf("%d", SchemaVersion),
	); err != nil {
		return fmt.Errorf("statedb: schema version: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO metadata (key, value) VALUES ('name_counter', '0')`,
	); err != nil {
		return fmt.Errorf("statedb: name counter: %w", err)
	}

	return tx.Commit()
}

// SaveSnapshot replaces the persisted state wholesale in one transaction.
func (s *Store) SaveSnapshot(snap Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM sessions`); err != nil {
		return fmt.Errorf("statedb: clear sessions: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM links`); err != nil {
		return fmt.Errorf("statedb: clear links: %w", err)
	}

	for _, row := range snap.Sessions {
		if _, err := tx.Exec(
			`INSERT INTO sessions
			 (id, name, tmux_session, status, cwd, current_tool,
			  created_at, last_activity, linked_external_id, placement)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.ID, row.Name, row.TmuxSession, row.Status, row.CWD,
			row.CurrentTool, row.CreatedAt.UnixMilli(), row.LastActivity.UnixMilli(),
			row.LinkedExternalID, row.Placement,
		); err != nil {
			return fmt.Errorf("statedb: insert session %s: %w", row.ID, err)
		}
	}

	for externalID, sessionID := range snap.Links {
		if _, err := tx.Exec(
			`INSERT INTO links (external_id, session_id) VALUES (?, ?)`,
			externalID, sessionID,
		); err != nil {
			return fmt.Errorf("statedb: insert link %s: %w", externalID, err)
		}
	}

	if _, err := tx.Exec(
		`UPDATE metadata SET value = ? WHERE key = 'name_counter'`,
		fmt.Sprintf("%d", snap.NameCounter),
	); err != nil {
		return fmt.Errorf("statedb: update counter: %w", err)
	}

	return tx.Commit()
}

// LoadSnapshot reads the full persisted state.
func (s *Store) LoadSnapshot() (Snapshot, error) {
	snap := Snapshot{Links: make(map[string]string)}

	rows, err := s.db.Query(
		`SELECT id, name, tmux_session, status, cwd, current_tool,
		        created_at, last_activity, linked_external_id, placement
		 FROM sessions ORDER BY created_at`,
	)
	if err != nil {
		return snap, fmt.Errorf("statedb: query sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row SessionRow
		var createdAt, lastActivity int64
		if err := rows.Scan(
			&row.ID, &row.Name, &row.TmuxSession, &row.Status, &row.CWD,
			&row.CurrentTool, &createdAt, &lastActivity,
			&row.LinkedExternalID, &row.Placement,
		); err != nil {
			return snap, fmt.Errorf("statedb: scan session: %w", err)
		}
		row.CreatedAt = time.UnixMilli(createdAt)
		row.LastActivity = time.UnixMilli(lastActivity)
		snap.Sessions = append(snap.Sessions, row)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("statedb: iterate sessions: %w", err)
	}

	linkRows, err := s.db.Query(`SELECT external_id, session_id FROM links`)
	if err != nil {
		return snap, fmt.Errorf("statedb: query links: %w", err)
	}
	defer linkRows.Close()

	for linkRows.Next() {
		var externalID, sessionID string
		if err := linkRows.Scan(&externalID, &sessionID); err != nil {
			return snap, fmt.Errorf("statedb: scan link: %w", err)
		}
		snap.Links[externalID] = sessionID
	}
	if err := linkRows.Err(); err != nil {
		return snap, fmt.Errorf("statedb: iterate links: %w", err)
	}

	var counter string
	err = s.db.QueryRow(`SELECT value FROM metadata WHERE key = 'name_counter'`).Scan(&counter)
	if err != nil && err != sql.ErrNoRows {
		return snap, fmt.Errorf("statedb: read counter: %w", err)
	}
	if counter != "" {
		fmt.Sscanf(counter, "%d", &snap.NameCounter)
	}

	return snap, nil
}
