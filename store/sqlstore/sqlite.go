package sqlstore

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DriverName is the database/sql driver registered by go-sqlite3.
const DriverName = "sqlite3"

// Open opens a SQLite database for the store. SQLite serializes writers, so
// the pool is limited to one connection; this also keeps a ":memory:"
// database alive and shared for the lifetime of the *sql.DB.
func Open(dsn string) (*sql.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
