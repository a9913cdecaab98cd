package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// One writer keeps whole-collection rewrites serialized at the driver level.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS collections (
        kind TEXT PRIMARY KEY,
        payload TEXT NOT NULL, -- JSON array of the whole collection
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) LoadAll(kind Kind) ([]byte, error) {
	var payload string
	err := s.db.QueryRow("SELECT payload FROM collections WHERE kind = ?", string(kind)).Scan(&payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Nothing saved yet
		}
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}
	return []byte(payload), nil
}

func (s *SQLiteStore) SaveAll(kind Kind, payload []byte) error {
	stmt, err := s.db.Prepare(`
        INSERT INTO collections (kind, payload, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(kind) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
    `)
	if err != nil {
		return fmt.Errorf("failed to prepare collection upsert: %w", err)
	}
	defer stmt.Close()

	if _, err := stmt.Exec(string(kind), string(payload), time.Now()); err != nil {
		return fmt.Errorf("failed to execute collection upsert: %w", err)
	}
	return nil
}
