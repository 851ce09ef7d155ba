package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const featureColumns = `file_id, phash, dhash, ahash, width, height,
	exif_dt_ns, camera_make, camera_model, orientation, computed_at`

func scanFeature(row interface{ Scan(...any) error }) (Feature, error) {
	var (
		ft         Feature
		phash      sql.NullInt64
		dhash      sql.NullInt64
		ahash      sql.NullInt64
		takenAt    sql.NullInt64
		make       sql.NullString
		model      sql.NullString
		computedAt int64
	)
	err := row.Scan(&ft.FileID, &phash, &dhash, &ahash, &ft.Width, &ft.Height,
		&takenAt, &make, &model, &ft.Orientation, &computedAt)
	if err != nil {
		return Feature{}, err
	}
	ft.PHash = hashFromSQL(phash)
	ft.DHash = hashFromSQL(dhash)
	ft.AHash = hashFromSQL(ahash)
	ft.TakenAt = optTimeFromSQL(takenAt)
	ft.CameraMake = nullStr(make)
	ft.CameraModel = nullStr(model)
	ft.ComputedAt = timeFromNS(computedAt)
	return ft, nil
}

// UpsertFeature writes (or rewrites) the feature row for a file and clears
// its needs-features flag in the same transaction.
func (s *Store) UpsertFeature(ft Feature) error {
	return s.InTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO features
				(file_id, phash, dhash, ahash, width, height,
				 exif_dt_ns, camera_make, camera_model, orientation, computed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ft.FileID,
			hashToSQL(ft.PHash), hashToSQL(ft.DHash), hashToSQL(ft.AHash),
			ft.Width, ft.Height,
			optTimeToSQL(ft.TakenAt),
			strToSQL(ft.CameraMake), strToSQL(ft.CameraModel),
			ft.Orientation, timeToNS(time.Now())); err != nil {
			return fmt.Errorf("upsert feature %d: %w", ft.FileID, err)
		}
		if _, err := tx.Exec(
			`UPDATE files SET needs_features = 0 WHERE id = ?`, ft.FileID); err != nil {
			return fmt.Errorf("clear needs features %d: %w", ft.FileID, err)
		}
		return nil
	})
}

// FeatureByFileID returns the feature row for a file.
func (s *Store) FeatureByFileID(fileID int64) (Feature, error) {
	row := s.db.QueryRow(
		`SELECT `+featureColumns+` FROM features WHERE file_id = ?`, fileID)
	ft, err := scanFeature(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Feature{}, ErrNotFound
	}
	if err != nil {
		return Feature{}, fmt.Errorf("feature by file %d: %w", fileID, err)
	}
	return ft, nil
}

// ForEachFeature streams every feature row, in file-id order, to fn.
// Returning an error from fn stops the iteration.
func (s *Store) ForEachFeature(fn func(Feature) error) error {
	rows, err := s.db.Query(
		`SELECT ` + featureColumns + ` FROM features ORDER BY file_id`)
	if err != nil {
		return fmt.Errorf("iterate features: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ft, err := scanFeature(rows)
		if err != nil {
			return fmt.Errorf("iterate features scan: %w", err)
		}
		if err := fn(ft); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountFeatures returns the number of feature rows belonging to active files.
func (s *Store) CountFeatures() (int64, error) {
	var n int64
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM features ft
		JOIN files f ON f.id = ft.file_id
		WHERE f.status = 'active'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count features: %w", err)
	}
	return n, nil
}

// ProcessedEntries returns every active file joined with its feature row,
// ordered by file id. This is the grouping engine's working set.
func (s *Store) ProcessedEntries() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT f.id, f.path, f.size, f.mtime_ns, f.fast_hash, f.strong_hash,
		       f.status, f.needs_features, f.discovered_at, f.last_seen_at,
		       ft.file_id, ft.phash, ft.dhash, ft.ahash, ft.width, ft.height,
		       ft.exif_dt_ns, ft.camera_make, ft.camera_model, ft.orientation,
		       ft.computed_at
		FROM files f
		JOIN features ft ON ft.file_id = f.id
		WHERE f.status = 'active'
		ORDER BY f.id`)
	if err != nil {
		return nil, fmt.Errorf("processed entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			f          File
			ft         Feature
			mtimeNS    int64
			fastHash   sql.NullInt64
			strongHash sql.NullString
			status     string
			needs      int64
			discovered int64
			lastSeen   int64
			phash      sql.NullInt64
			dhash      sql.NullInt64
			ahash      sql.NullInt64
			takenAt    sql.NullInt64
			cmake      sql.NullString
			cmodel     sql.NullString
			computedAt int64
		)
		err := rows.Scan(
			&f.ID, &f.Path, &f.Size, &mtimeNS, &fastHash, &strongHash,
			&status, &needs, &discovered, &lastSeen,
			&ft.FileID, &phash, &dhash, &ahash, &ft.Width, &ft.Height,
			&takenAt, &cmake, &cmodel, &ft.Orientation, &computedAt)
		if err != nil {
			return nil, fmt.Errorf("processed entries scan: %w", err)
		}
		f.MTime = timeFromNS(mtimeNS)
		f.FastHash = hashFromSQL(fastHash)
		f.StrongHash = nullStr(strongHash)
		f.Status = FileStatus(status)
		f.NeedsFeatures = needs != 0
		f.DiscoveredAt = timeFromNS(discovered)
		f.LastSeenAt = timeFromNS(lastSeen)
		ft.PHash = hashFromSQL(phash)
		ft.DHash = hashFromSQL(dhash)
		ft.AHash = hashFromSQL(ahash)
		ft.TakenAt = optTimeFromSQL(takenAt)
		ft.CameraMake = nullStr(cmake)
		ft.CameraModel = nullStr(cmodel)
		ft.ComputedAt = timeFromNS(computedAt)
		feature := ft
		out = append(out, Entry{File: f, Feature: &feature})
	}
	return out, rows.Err()
}
