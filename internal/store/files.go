package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

const fileColumns = `id, path, size, mtime_ns, fast_hash, strong_hash,
	status, needs_features, discovered_at, last_seen_at`

func scanFile(row interface{ Scan(...any) error }) (File, error) {
	var (
		f          File
		mtimeNS    int64
		fastHash   sql.NullInt64
		strongHash sql.NullString
		needs      int64
		discovered int64
		lastSeen   int64
		status     string
	)
	err := row.Scan(&f.ID, &f.Path, &f.Size, &mtimeNS, &fastHash, &strongHash,
		&status, &needs, &discovered, &lastSeen)
	if err != nil {
		return File{}, err
	}
	f.MTime = timeFromNS(mtimeNS)
	f.FastHash = hashFromSQL(fastHash)
	f.StrongHash = nullStr(strongHash)
	f.Status = FileStatus(status)
	f.NeedsFeatures = needs != 0
	f.DiscoveredAt = timeFromNS(discovered)
	f.LastSeenAt = timeFromNS(lastSeen)
	return f, nil
}

// FileByPath returns the file row for an absolute path.
func (s *Store) FileByPath(path string) (File, error) {
	row := s.db.QueryRow(
		`SELECT `+fileColumns+` FROM files WHERE path = ?`, path)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, ErrNotFound
	}
	if err != nil {
		return File{}, fmt.Errorf("file by path %q: %w", path, err)
	}
	return f, nil
}

// FileByID returns the file row with the given id.
func (s *Store) FileByID(id int64) (File, error) {
	row := s.db.QueryRow(
		`SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, ErrNotFound
	}
	if err != nil {
		return File{}, fmt.Errorf("file by id %d: %w", id, err)
	}
	return f, nil
}

// InsertFile creates a new active file row flagged needs-features.
func (s *Store) InsertFile(path string, size int64, mtime time.Time) (int64, error) {
	now := timeToNS(time.Now())
	res, err := s.db.Exec(`
		INSERT INTO files (path, size, mtime_ns, status, needs_features,
		                   discovered_at, last_seen_at)
		VALUES (?, ?, ?, 'active', 1, ?, ?)`,
		path, size, timeToNS(mtime), now, now)
	if err != nil {
		return 0, fmt.Errorf("insert file %q: %w", path, err)
	}
	return res.LastInsertId()
}

// UpdateFileStat records a new (size, mtime) observation for a changed file:
// the stat columns are rewritten, content hashes are cleared, the feature row
// is invalidated, and the file is flagged needs-features again.
func (s *Store) UpdateFileStat(id int64, size int64, mtime time.Time) error {
	return s.InTx(func(tx *sql.Tx) error {
		now := timeToNS(time.Now())
		if _, err := tx.Exec(`
			UPDATE files
			SET size = ?, mtime_ns = ?, fast_hash = NULL, strong_hash = NULL,
			    status = 'active', needs_features = 1, last_seen_at = ?
			WHERE id = ?`,
			size, timeToNS(mtime), now, id); err != nil {
			return fmt.Errorf("update file stat %d: %w", id, err)
		}
		if _, err := tx.Exec(`DELETE FROM features WHERE file_id = ?`, id); err != nil {
			return fmt.Errorf("invalidate features %d: %w", id, err)
		}
		return nil
	})
}

// TouchFiles bumps last_seen_at for the given ids and revives files that were
// previously marked missing.
func (s *Store) TouchFiles(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := timeToNS(time.Now())
	return s.InTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			UPDATE files
			SET last_seen_at = ?,
			    status = CASE WHEN status = 'missing' THEN 'active' ELSE status END
			WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("prepare touch: %w", err)
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.Exec(now, id); err != nil {
				return fmt.Errorf("touch file %d: %w", id, err)
			}
		}
		return nil
	})
}

// MarkMissing soft-deletes the given file ids. Group rows referencing them
// are pruned by the next grouping pass.
func (s *Store) MarkMissing(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.InTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			`UPDATE files SET status = 'missing' WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("prepare mark missing: %w", err)
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.Exec(id); err != nil {
				return fmt.Errorf("mark missing %d: %w", id, err)
			}
		}
		return nil
	})
}

// MarkUnprocessable flags a file whose content could not be decoded this run.
// It is skipped by grouping until its size or mtime changes.
func (s *Store) MarkUnprocessable(id int64) error {
	_, err := s.db.Exec(
		`UPDATE files SET status = 'unprocessable', needs_features = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark unprocessable %d: %w", id, err)
	}
	return nil
}

// SetFastHash stores the 64-bit content hash for a file.
func (s *Store) SetFastHash(id int64, hash uint64) error {
	_, err := s.db.Exec(`UPDATE files SET fast_hash = ? WHERE id = ?`, int64(hash), id)
	if err != nil {
		return fmt.Errorf("set fast hash %d: %w", id, err)
	}
	return nil
}

// SetStrongHash stores the lazily-computed 256-bit content hash.
func (s *Store) SetStrongHash(id int64, hexDigest string) error {
	_, err := s.db.Exec(`UPDATE files SET strong_hash = ? WHERE id = ?`, hexDigest, id)
	if err != nil {
		return fmt.Errorf("set strong hash %d: %w", id, err)
	}
	return nil
}

// ClearNeedsFeatures marks a file as fully processed for its current
// (size, mtime).
func (s *Store) ClearNeedsFeatures(id int64) error {
	_, err := s.db.Exec(`UPDATE files SET needs_features = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clear needs features %d: %w", id, err)
	}
	return nil
}

// KnownFiles returns every non-missing file keyed by path. The scanner loads
// this once per run and reconciles walker output against it.
func (s *Store) KnownFiles() (map[string]File, error) {
	rows, err := s.db.Query(
		`SELECT ` + fileColumns + ` FROM files WHERE status != 'missing'`)
	if err != nil {
		return nil, fmt.Errorf("known files: %w", err)
	}
	defer rows.Close()

	known := make(map[string]File)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("known files scan: %w", err)
		}
		known[f.Path] = f
	}
	return known, rows.Err()
}

// NeedsFeatures returns the active files still awaiting feature extraction.
func (s *Store) NeedsFeatures() ([]File, error) {
	return s.filesWhere(`status = 'active' AND needs_features = 1`)
}

// FilesWithoutFeatures returns active files that have no feature row, used
// by missing-features mode after a partial crash.
func (s *Store) FilesWithoutFeatures() ([]File, error) {
	return s.filesWhere(
		`status = 'active' AND id NOT IN (SELECT file_id FROM features)`)
}

func (s *Store) filesWhere(where string) ([]File, error) {
	rows, err := s.db.Query(
		`SELECT ` + fileColumns + ` FROM files WHERE ` + where + ` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("files where %s: %w", where, err)
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("files scan: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FilesByIDs bulk-loads file rows for an id set.
func (s *Store) FilesByIDs(ids []int64) (map[int64]File, error) {
	out := make(map[int64]File, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	// SQLite caps bound parameters; chunk conservatively.
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}
		part := ids[start:end]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(part)), ",")
		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}
		rows, err := s.db.Query(
			`SELECT `+fileColumns+` FROM files WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("files by ids: %w", err)
		}
		for rows.Next() {
			f, err := scanFile(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("files by ids scan: %w", err)
			}
			out[f.ID] = f
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// CountFiles returns the number of active files.
func (s *Store) CountFiles() (int64, error) {
	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM files WHERE status = 'active'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return n, nil
}

// TruncateForRebuild wipes files, features, groups and members ahead of a
// full-rebuild run; overrides go with them through cascading deletes, so the
// coordinator snapshots them by path beforehand.
func (s *Store) TruncateForRebuild() error {
	return s.InTx(func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM group_members`,
			`DELETE FROM groups`,
			`DELETE FROM features`,
			`DELETE FROM files`,
		} {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("truncate: %w", err)
			}
		}
		return nil
	})
}
