// Package dbopen centralizes how the embedded projection store is opened so
// every caller gets the same pragmas (WAL journal, busy timeout) regardless
// of which component is opening a short-lived connection.
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"
)

// Open opens the single-file sqlite database at path with the pragmas the
// task projection store (C4) relies on: WAL journaling so the maintenance
// checkpoint job has something to flush, and a busy timeout so concurrent
// short connections don't immediately fail with SQLITE_BUSY.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_pragma": []string{"journal_mode(WAL)", "busy_timeout(5000)", "foreign_keys(ON)"},
	}.Encode())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
