// Package sqlite provides a durable Store backed by a single SQLite file.
// One table holds every bucket; SQLite serialises writes, so the connection
// pool is capped at one.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/toolgate/toolgate/internal/store"

	_ "modernc.org/sqlite" // SQLite driver registration
)

const busyTimeoutMs = 5000

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	bucket TEXT NOT NULL,
	key    TEXT NOT NULL,
	value  BLOB NOT NULL,
	PRIMARY KEY (bucket, key)
);
`

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Open creates (or opens) the database at path and migrates the schema.
// The database uses WAL mode and a 5 s busy timeout.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: enable WAL: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMs)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Get implements store.Store.
func (s *Store) Get(bucket, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(
		"SELECT value FROM kv WHERE bucket = ? AND key = ?", bucket, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: get %s/%s: %w", bucket, key, err)
	}
	return value, true, nil
}

// Set implements store.Store.
func (s *Store) Set(bucket, key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (bucket, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value`,
		bucket, key, value,
	)
	if err != nil {
		return fmt.Errorf("sqlite: set %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(bucket, key string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE bucket = ? AND key = ?", bucket, key); err != nil {
		return fmt.Errorf("sqlite: delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Iterate implements store.Store.
func (s *Store) Iterate(bucket string, fn func(key string, value []byte) bool) error {
	rows, err := s.db.Query("SELECT key, value FROM kv WHERE bucket = ?", bucket)
	if err != nil {
		return fmt.Errorf("sqlite: iterate %s: %w", bucket, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("sqlite: iterate %s: %w", bucket, err)
		}
		if !fn(key, value) {
			return nil
		}
	}
	return rows.Err()
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
