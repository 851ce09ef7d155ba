// Package override persists user decisions about which file is the original
// of a group. Overrides outlive the runs that created them: grouping consults
// the active override before accepting its computed original, and full
// rebuilds restore overrides by path once file ids have been reassigned.
package override

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Type says how wide the override applies.
type Type string

const (
	TypeSingleGroup Type = "single_group"
	TypeDefaultRule Type = "default_rule"
)

// Reason is the user-facing tag for why the override was made.
type Reason string

const (
	ReasonUserPreference   Reason = "user_preference"
	ReasonQualityBetter    Reason = "quality_better"
	ReasonFormatPreference Reason = "format_preference"
	ReasonManualSelection  Reason = "manual_selection"
	ReasonAlgorithmError   Reason = "algorithm_error"
)

// ErrNoOverride is returned by Clear when the group has no active override.
var ErrNoOverride = errors.New("override: no active override")

// Override is one manual_overrides row.
type Override struct {
	ID         int64
	GroupID    int64
	FileID     int64 // user's chosen original
	AutoFileID int64 // latest auto-selection pick, refreshed by each grouping run
	Type       Type
	Reason     Reason
	CreatedAt  time.Time
	Notes      string
	Active     bool
}

// Conflict reports a group whose active override disagrees with what
// auto-selection would pick right now.
type Conflict struct {
	Override     Override
	AutoOriginal int64
}

// PathOverride is an override snapshotted by path instead of file id, for
// restoring across a full rebuild.
type PathOverride struct {
	Path     string // chosen original's path
	AutoPath string
	Type     Type
	Reason   Reason
	Notes    string
}

// Store reads and writes manual_overrides rows.
type Store struct {
	db *sql.DB
}

// New wraps the shared database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const cols = `id, group_id, original_file_id, auto_original_id, override_type,
              reason, created_at, COALESCE(notes, ''), is_active IS NOT NULL`

func scanOverride(row interface{ Scan(...any) error }) (Override, error) {
	var o Override
	var createdNS int64
	err := row.Scan(&o.ID, &o.GroupID, &o.FileID, &o.AutoFileID, &o.Type,
		&o.Reason, &createdNS, &o.Notes, &o.Active)
	if err != nil {
		return Override{}, err
	}
	o.CreatedAt = time.Unix(0, createdNS)
	return o, nil
}

// Put records a new override for the group, deactivating any existing active
// one in the same transaction so the one-active-per-group constraint can
// never trip.
func (s *Store) Put(groupID, fileID, autoFileID int64, typ Type, reason Reason, notes string) (Override, error) {
	var o Override
	tx, err := s.db.Begin()
	if err != nil {
		return o, fmt.Errorf("override put: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE manual_overrides SET is_active = NULL
		 WHERE group_id = ? AND is_active = 1`, groupID); err != nil {
		return o, fmt.Errorf("override deactivate previous: %w", err)
	}

	now := time.Now()
	res, err := tx.Exec(`
		INSERT INTO manual_overrides
			(group_id, original_file_id, auto_original_id, override_type,
			 reason, created_at, notes, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		groupID, fileID, autoFileID, string(typ), string(reason),
		now.UnixNano(), nullStr(notes))
	if err != nil {
		return o, fmt.Errorf("override insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return o, fmt.Errorf("override put commit: %w", err)
	}

	id, _ := res.LastInsertId()
	return Override{
		ID: id, GroupID: groupID, FileID: fileID, AutoFileID: autoFileID,
		Type: typ, Reason: reason, CreatedAt: now, Notes: notes, Active: true,
	}, nil
}

// Clear deactivates the group's active override.
func (s *Store) Clear(groupID int64) error {
	res, err := s.db.Exec(
		`UPDATE manual_overrides SET is_active = NULL
		 WHERE group_id = ? AND is_active = 1`, groupID)
	if err != nil {
		return fmt.Errorf("override clear: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoOverride
	}
	return nil
}

// Lookup returns the group's active override, or nil when there is none.
func (s *Store) Lookup(groupID int64) (*Override, error) {
	row := s.db.QueryRow(
		`SELECT `+cols+` FROM manual_overrides
		 WHERE group_id = ? AND is_active = 1`, groupID)
	o, err := scanOverride(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("override lookup: %w", err)
	}
	return &o, nil
}

// Active returns every active override keyed by group id. Grouping loads
// this once per run instead of issuing a lookup per group.
func (s *Store) Active() (map[int64]Override, error) {
	rows, err := s.db.Query(
		`SELECT ` + cols + ` FROM manual_overrides WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("override active: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]Override)
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("override active scan: %w", err)
		}
		out[o.GroupID] = o
	}
	return out, rows.Err()
}

// RefreshAuto records the current auto-selection pick on an override row.
// A row whose original_file_id differs from auto_original_id is a conflict,
// so keeping the auto side fresh lets conflict filters run in SQL.
func (s *Store) RefreshAuto(id, autoFileID int64) error {
	if _, err := s.db.Exec(
		`UPDATE manual_overrides SET auto_original_id = ? WHERE id = ?`,
		autoFileID, id); err != nil {
		return fmt.Errorf("override refresh auto %d: %w", id, err)
	}
	return nil
}

// Deactivate turns off one override by id.
func (s *Store) Deactivate(id int64) error {
	if _, err := s.db.Exec(
		`UPDATE manual_overrides SET is_active = NULL WHERE id = ?`, id); err != nil {
		return fmt.Errorf("override deactivate %d: %w", id, err)
	}
	return nil
}

// ReapOrphans deactivates active overrides whose chosen file has been marked
// missing or deleted. Returns the number reaped.
func (s *Store) ReapOrphans() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE manual_overrides SET is_active = NULL
		WHERE is_active = 1
		  AND original_file_id NOT IN
		      (SELECT id FROM files WHERE status != 'missing')`)
	if err != nil {
		return 0, fmt.Errorf("override reap orphans: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DetectConflicts runs the caller's trial selection over every group with an
// active override and reports the ones where the override's chosen file
// differs from what selection would pick right now. autoSelect returns the
// computed original for a group, or false when the group no longer exists or
// cannot be selected over.
func (s *Store) DetectConflicts(autoSelect func(groupID int64) (int64, bool)) ([]Conflict, error) {
	active, err := s.Active()
	if err != nil {
		return nil, err
	}
	var out []Conflict
	for groupID, o := range active {
		auto, ok := autoSelect(groupID)
		if !ok {
			continue
		}
		if auto != o.FileID {
			out = append(out, Conflict{Override: o, AutoOriginal: auto})
		}
	}
	return out, nil
}

// Snapshot returns the active overrides joined to their file paths so they
// can be restored after a full rebuild has reassigned every id.
func (s *Store) Snapshot() ([]PathOverride, error) {
	rows, err := s.db.Query(`
		SELECT fo.path, fa.path, o.override_type, o.reason, COALESCE(o.notes, '')
		FROM manual_overrides o
		JOIN files fo ON fo.id = o.original_file_id
		JOIN files fa ON fa.id = o.auto_original_id
		WHERE o.is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("override snapshot: %w", err)
	}
	defer rows.Close()

	var out []PathOverride
	for rows.Next() {
		var p PathOverride
		if err := rows.Scan(&p.Path, &p.AutoPath, &p.Type, &p.Reason, &p.Notes); err != nil {
			return nil, fmt.Errorf("override snapshot scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Restore re-inserts snapshotted overrides after a rebuild. resolve maps a
// path to its new file id and the id of the group now containing it;
// snapshots whose path no longer resolves are dropped. Returns how many were
// restored.
func (s *Store) Restore(snap []PathOverride, resolve func(path string) (fileID, groupID int64, ok bool)) (int, error) {
	restored := 0
	for _, p := range snap {
		fileID, groupID, ok := resolve(p.Path)
		if !ok {
			continue
		}
		autoID := fileID
		if id, _, ok := resolve(p.AutoPath); ok {
			autoID = id
		}
		if _, err := s.Put(groupID, fileID, autoID, p.Type, p.Reason, p.Notes); err != nil {
			return restored, fmt.Errorf("override restore %q: %w", p.Path, err)
		}
		restored++
	}
	return restored, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
