package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RunMode selects how much of the pipeline a rescan re-executes.
type RunMode string

const (
	ModeDelta           RunMode = "delta"
	ModeMissingFeatures RunMode = "missing_features"
	ModeFullRebuild     RunMode = "full_rebuild"
)

// RunStatus is the lifecycle state of a rescan run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunCounters are the aggregate counts a finished run reports.
type RunCounters struct {
	FilesScanned     int64
	FilesNew         int64
	FilesChanged     int64
	FilesMissing     int64
	FeaturesComputed int64
	FeaturesReused   int64
	Unprocessable    int64
	GroupsCreated    int64
	MembersEscalated int64
	Conflicts        int64
}

// Efficiency is the share of files whose features were reused rather than
// recomputed. It drives the mode recommendation for the next run.
func (c RunCounters) Efficiency() float64 {
	total := c.FeaturesComputed + c.FeaturesReused
	if total == 0 {
		return 1
	}
	return float64(c.FeaturesReused) / float64(total)
}

// Run is one row of the runs table.
type Run struct {
	ID          int64
	Mode        RunMode
	Status      RunStatus
	TriggeredBy string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Duration    time.Duration
	Counters    RunCounters
	Efficiency  float64
}

// RunError is one per-file failure recorded during a run.
type RunError struct {
	ID        int64
	RunID     int64
	Path      string
	Stage     string
	Message   string
	CreatedAt time.Time
}

// InsertRun creates a new running row and returns its id.
func (s *Store) InsertRun(mode RunMode, triggeredBy string, startedAt time.Time) (int64, error) {
	now := timeToNS(startedAt)
	res, err := s.db.Exec(`
		INSERT INTO runs (mode, status, triggered_by, started_at, created_at)
		VALUES (?, 'running', ?, ?, ?)`,
		string(mode), triggeredBy, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	return res.LastInsertId()
}

// FinalizeRun closes out a run with its terminal status and counters.
func (s *Store) FinalizeRun(id int64, status RunStatus, finishedAt time.Time, c RunCounters) error {
	started, err := s.runStartedAt(id)
	if err != nil {
		return err
	}
	duration := int64(finishedAt.Sub(started).Seconds())
	if duration < 0 {
		duration = 0
	}
	_, err = s.db.Exec(`
		UPDATE runs
		SET status            = ?,
		    finished_at       = ?,
		    duration_seconds  = ?,
		    files_scanned     = ?,
		    files_new         = ?,
		    files_changed     = ?,
		    files_missing     = ?,
		    features_computed = ?,
		    features_reused   = ?,
		    unprocessable     = ?,
		    groups_created    = ?,
		    members_escalated = ?,
		    conflicts         = ?,
		    efficiency        = ?
		WHERE id = ?`,
		string(status), timeToNS(finishedAt), duration,
		c.FilesScanned, c.FilesNew, c.FilesChanged, c.FilesMissing,
		c.FeaturesComputed, c.FeaturesReused, c.Unprocessable,
		c.GroupsCreated, c.MembersEscalated, c.Conflicts,
		c.Efficiency(), id)
	if err != nil {
		return fmt.Errorf("finalize run %d: %w", id, err)
	}
	return nil
}

func (s *Store) runStartedAt(id int64) (time.Time, error) {
	var ns int64
	err := s.db.QueryRow(`SELECT started_at FROM runs WHERE id = ?`, id).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("run started at %d: %w", id, err)
	}
	return timeFromNS(ns), nil
}

// InsertRunError records a per-file failure without aborting the run.
func (s *Store) InsertRunError(runID int64, path, stage, message string) error {
	_, err := s.db.Exec(`
		INSERT INTO run_errors (run_id, path, stage, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, path, stage, message, timeToNS(time.Now()))
	if err != nil {
		return fmt.Errorf("insert run error (%d, %q): %w", runID, path, err)
	}
	return nil
}

// RunErrors returns the failures recorded during one run, oldest first.
func (s *Store) RunErrors(runID int64) ([]RunError, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, path, stage, message, created_at
		FROM run_errors WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("run errors %d: %w", runID, err)
	}
	defer rows.Close()

	var out []RunError
	for rows.Next() {
		var (
			re        RunError
			createdAt int64
		)
		if err := rows.Scan(&re.ID, &re.RunID, &re.Path, &re.Stage,
			&re.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("run errors scan: %w", err)
		}
		re.CreatedAt = timeFromNS(createdAt)
		out = append(out, re)
	}
	return out, rows.Err()
}

const runColumns = `id, mode, status, triggered_by, started_at, finished_at,
	duration_seconds,
	files_scanned, files_new, files_changed, files_missing,
	features_computed, features_reused, unprocessable,
	groups_created, members_escalated, conflicts, efficiency`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var (
		r          Run
		mode       string
		status     string
		startedAt  int64
		finishedAt sql.NullInt64
		duration   sql.NullInt64
	)
	err := row.Scan(&r.ID, &mode, &status, &r.TriggeredBy,
		&startedAt, &finishedAt, &duration,
		&r.Counters.FilesScanned, &r.Counters.FilesNew,
		&r.Counters.FilesChanged, &r.Counters.FilesMissing,
		&r.Counters.FeaturesComputed, &r.Counters.FeaturesReused,
		&r.Counters.Unprocessable, &r.Counters.GroupsCreated,
		&r.Counters.MembersEscalated, &r.Counters.Conflicts,
		&r.Efficiency)
	if err != nil {
		return Run{}, err
	}
	r.Mode = RunMode(mode)
	r.Status = RunStatus(status)
	r.StartedAt = timeFromNS(startedAt)
	r.FinishedAt = optTimeFromSQL(finishedAt)
	if duration.Valid {
		r.Duration = time.Duration(duration.Int64) * time.Second
	}
	return r, nil
}

// RunByID returns one run row.
func (s *Store) RunByID(id int64) (Run, error) {
	row := s.db.QueryRow(
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("run by id %d: %w", id, err)
	}
	return r, nil
}

// LastCompletedRun returns the most recent run that finished successfully, or
// ErrNotFound when no run has completed yet.
func (s *Store) LastCompletedRun() (Run, error) {
	row := s.db.QueryRow(
		`SELECT ` + runColumns + ` FROM runs
		 WHERE status = 'completed' ORDER BY id DESC LIMIT 1`)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("last completed run: %w", err)
	}
	return r, nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("recent runs scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkStaleRunsFailed marks rows still in 'running' state as 'failed'. Called
// once at startup in case a previous process crashed mid-run.
func (s *Store) MarkStaleRunsFailed() error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = 'failed', finished_at = ?
		WHERE status = 'running'`,
		timeToNS(time.Now()))
	if err != nil {
		return fmt.Errorf("mark stale runs failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("marked stale runs as failed", "count", n)
	}
	return nil
}
