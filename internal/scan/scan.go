// Package scan walks the configured roots in parallel, filters entries
// through ordered include/exclude glob lists, and reconciles what it finds
// against the file rows in the store.
package scan

import "time"

// FileInfo is a filesystem entry emitted by the walker.
type FileInfo struct {
	Path  string
	Size  int64
	MTime time.Time
}

// ErrorReporter records a per-file scan error: the pipeline increments its
// error counter, emits a structured warning log, and persists the event to
// the run_errors table so it is visible via GET /api/runs/{id}.
type ErrorReporter func(path, stage, errMsg string)
