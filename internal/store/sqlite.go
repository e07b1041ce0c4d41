package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/relay/internal/model"

	_ "modernc.org/sqlite"
)

// The table only ever holds row id=1; the CHECK keeps it that way.
const createStateTable = `
CREATE TABLE IF NOT EXISTS commander_state (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    body       TEXT NOT NULL,
    updated_at DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createStateTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create commander_state table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns the stored state, or an empty state if no row exists yet.
func (s *SQLiteStore) Load(ctx context.Context) (*model.CommanderState, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM commander_state WHERE id = 1").Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewCommanderState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return decodeState([]byte(body))
}

// Save upserts the single state row.
func (s *SQLiteStore) Save(ctx context.Context, st *model.CommanderState) error {
	data, err := encodeState(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO commander_state (id, body, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}
