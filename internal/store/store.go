// Package store wraps the SQLite database with typed row structs and
// hand-written mappers. All multi-row writes are transactional; a failed
// transaction leaves no partial state.
package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Store owns every persisted row. Other components hold ids and short-lived
// snapshots only.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened, already-migrated database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for read-only API queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InTx runs fn inside a transaction, rolling back on error.
func (s *Store) InTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ── null/time mapping helpers ─────────────────────────────────────────────────

// hashToSQL converts an optional 64-bit hash to its int64 storage form.
func hashToSQL(h *uint64) any {
	if h == nil {
		return nil
	}
	return int64(*h)
}

// hashFromSQL converts a stored int64 bit pattern back to an optional hash.
func hashFromSQL(v sql.NullInt64) *uint64 {
	if !v.Valid {
		return nil
	}
	h := uint64(v.Int64)
	return &h
}

func timeToNS(t time.Time) int64 {
	return t.UnixNano()
}

func timeFromNS(ns int64) time.Time {
	return time.Unix(0, ns)
}

func optTimeToSQL(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func optTimeFromSQL(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

func nullStr(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}

func strToSQL(s string) any {
	if s == "" {
		return nil
	}
	return s
}
