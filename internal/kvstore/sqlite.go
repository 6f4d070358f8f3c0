package kvstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/DDChuru/inspectsync/internal/errors"
)

// SQLiteStore is the production Store backed by a single-file SQLite
// database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the store under dataDir. The database runs
// in WAL mode with a single writer, which is all the serialized per-key
// access the queue managers need.
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "create data directory", err)
	}

	dbPath := filepath.Join(dataDir, "inspectsync.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "open database", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrStorage, "enable WAL mode", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrStorage, "create kv table", err)
	}

	return &SQLiteStore{db: db}, nil
}

// GetItem returns the value for key.
func (s *SQLiteStore) GetItem(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(errors.ErrStorage, fmt.Sprintf("get %s", key), err)
	}
	return value, true, nil
}

// SetItem writes the value for key.
func (s *SQLiteStore) SetItem(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return errors.Wrap(errors.ErrStorage, fmt.Sprintf("set %s", key), err)
	}
	return nil
}

// RemoveItem deletes the key.
func (s *SQLiteStore) RemoveItem(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return errors.Wrap(errors.ErrStorage, fmt.Sprintf("remove %s", key), err)
	}
	return nil
}

// GetAllKeys returns every stored key.
func (s *SQLiteStore) GetAllKeys() ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM kv ORDER BY key")
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "list keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "scan key", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "iterate keys", err)
	}
	return keys, nil
}

// MultiRemove deletes every listed key in one transaction.
func (s *SQLiteStore) MultiRemove(keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "begin multi-remove", err)
	}
	for _, key := range keys {
		if _, err := tx.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
			tx.Rollback()
			return errors.Wrap(errors.ErrStorage, fmt.Sprintf("remove %s", key), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrStorage, "commit multi-remove", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
