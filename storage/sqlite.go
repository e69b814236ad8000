package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	coreerr "swapmesh/core/errors"
)

// SQLiteBackend persists the snapshot in a WAL-mode sqlite database, one row
// per collection of canonical JSON plus a version row for optimistic saves.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (and if needed initializes) the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite state db: %w", err)
	}
	// A single logical writer owns the connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}
	schema := `
CREATE TABLE IF NOT EXISTS state_sections (
    collection TEXT PRIMARY KEY,
    doc        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS state_meta (
    id      INTEGER PRIMARY KEY CHECK (id = 1),
    version INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize sqlite schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load() (*State, error) {
	var doc string
	err := b.db.QueryRow(`SELECT doc FROM state_sections WHERE collection = 'snapshot'`).Scan(&doc)
	if err == sql.ErrNoRows {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sqlite state: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(doc), &snap); err != nil {
		return nil, fmt.Errorf("parse sqlite state: %w", err)
	}
	return Restore(&snap), nil
}

func (b *SQLiteBackend) Save(state *State) error {
	snap := state.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	var persisted uint64
	err = tx.QueryRow(`SELECT version FROM state_meta WHERE id = 1`).Scan(&persisted)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read persisted version: %w", err)
	}
	if err == nil && snap.Version <= persisted {
		return coreerr.Conflict("state version %d is not newer than persisted version %d", snap.Version, persisted)
	}
	if _, err := tx.Exec(
		`INSERT INTO state_sections (collection, doc) VALUES ('snapshot', ?)
		 ON CONFLICT(collection) DO UPDATE SET doc = excluded.doc`, string(data)); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO state_meta (id, version) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version = excluded.version`, snap.Version); err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Kind() string { return "sqlite" }

func (b *SQLiteBackend) Close() error { return b.db.Close() }
