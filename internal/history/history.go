// Package history records orchestration events in a SQLite database. It
// opens the database, enables WAL mode, and runs the schema migration.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp  INTEGER NOT NULL,
	pass_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	service    TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_pass ON events(pass_id);
`

// Event kinds recorded by the orchestrator.
const (
	KindPassStart  = "pass-start"
	KindPassEnd    = "pass-end"
	KindDeploy     = "deploy"
	KindRepair     = "repair"
	KindDiagnostic = "diagnostic"
	KindFirewall   = "firewall"
	KindVPN        = "vpn"
)

// Event is one recorded orchestration event.
type Event struct {
	ID        int64
	Timestamp time.Time
	PassID    string
	Kind      string
	Service   string
	Detail    string
}

// Store wraps the event database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at path and migrates it.
// Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Keep a single writer connection to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts one event.
func (s *Store) Record(passID, kind, service, detail string) error {
	if s == nil || s.db == nil {
		return errors.New("history store is closed")
	}
	_, err := s.db.Exec(
		`INSERT INTO events (timestamp, pass_id, kind, service, detail) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Unix(), passID, kind, service, detail,
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// Recent returns the most recent events, newest first.
func (s *Store) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, timestamp, pass_id, kind, service, detail
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var ts int64
		if err := rows.Scan(&event.ID, &ts, &event.PassID, &event.Kind, &event.Service, &event.Detail); err != nil {
			return nil, err
		}
		event.Timestamp = time.Unix(ts, 0).UTC()
		events = append(events, event)
	}
	return events, rows.Err()
}

// Cleanup prunes events older than seven days.
func (s *Store) Cleanup() error {
	return s.cleanupBefore(time.Now().UTC())
}

func (s *Store) cleanupBefore(now time.Time) error {
	cutoff := now.Add(-7 * 24 * time.Hour).Unix()
	_, err := s.db.Exec(`DELETE FROM events WHERE timestamp < ?`, cutoff)
	return err
}
