// Package store is the data access layer for the investigation orchestrator.
//
// Every state-changing method that matters for coordination is a guarded
// update: the WHERE clause names the expected prior state and the affected
// row count is the CAS success signal. Zero rows affected means "someone
// else already moved this forward" and is reported as a false bool, never
// as an error.
package store

import (
	"database/sql"
	"strings"

	"github.com/hazyhaar/inquest/idgen"
)

// Store wraps the orchestrator database.
type Store struct {
	DB    *sql.DB
	newID idgen.Generator
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator sets a custom base ID generator (prefixes still apply).
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// New creates a Store from an already-opened database connection.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{DB: db, newID: idgen.Default}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init applies the schema. Idempotent.
func (s *Store) Init() error {
	_, err := s.DB.Exec(Schema)
	return err
}

func (s *Store) id(prefix string) string {
	return prefix + s.newID()
}

// IsUniqueViolation reports whether err is a UNIQUE constraint failure.
// The modernc.org/sqlite driver surfaces these as plain errors carrying the
// SQLite message, so string matching is the only portable check.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// nullStr maps "" to NULL for writes.
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullMilli maps 0 to NULL for writes.
func nullMilli(ms int64) any {
	if ms == 0 {
		return nil
	}
	return ms
}

// scanners for nullable columns

func str(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}

func milli(v sql.NullInt64) int64 {
	if v.Valid {
		return v.Int64
	}
	return 0
}
