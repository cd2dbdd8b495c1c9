// Package secrets implements the ConfigStore collaborator of spec.md §6: a
// sqlite-backed key/value table holding the link signing key and any OAuth
// refresh tokens the system-of-record client rotates in, grounded on the
// teacher's own sqlite wrapper (pkg/skills/monitor/db.go).
package secrets

import (
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS config_store (
	key_name   TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
`

// Store is a sqlite-backed secrets table.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) the config_store table against db.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate config_store: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns the stored value for keyName, and false if no row exists.
func (s *Store) Get(keyName string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM config_store WHERE key_name = ?`, keyName).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", keyName, err)
	}
	return value, true, nil
}

// Set upserts the value for keyName, stamping updated_at to now.
func (s *Store) Set(keyName, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO config_store (key_name, value, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		ON CONFLICT(key_name) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, keyName, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", keyName, err)
	}
	return nil
}

// SaveRefreshToken is the SoR client's entry point (spec.md §6) for
// persisting a rotated OAuth refresh token under its secret name.
func (s *Store) SaveRefreshToken(keyName, value string) error {
	return s.Set(keyName, value)
}
