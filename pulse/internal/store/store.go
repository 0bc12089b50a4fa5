// Package store is the data access layer for the pulse database.
//
// All timestamps are stored as UnixMilli INTEGER columns; nullable timestamps
// (published_at) use NULL rather than a zero sentinel. Every method takes a
// context and uses positional ? placeholders. Writes that touch more than one
// table go through dbopen.RunTx so a busy database retries instead of
// failing.
package store

import "database/sql"

// Store wraps the pulse database.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// effectiveTS is the SQL expression for an item's effective timestamp:
// published time when the feed supplied one, fetch time otherwise. Every
// windowed query in the package uses this expression so an item never
// migrates between windows depending on which query looks at it.
const effectiveTS = "COALESCE(i.published_at, i.fetched_at)"
