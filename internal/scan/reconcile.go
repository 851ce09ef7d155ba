package scan

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/photodup/photodup/internal/store"
)

// Result summarizes one reconciliation pass.
type Result struct {
	Scanned   int64
	New       int64
	Changed   int64
	Unchanged int64
	Missing   int64
}

// Reconciler applies the walker's view of the filesystem to the store:
// unknown paths are inserted, changed files are re-stated (invalidating
// their feature rows), unchanged files get their last-seen timestamp bumped
// in batches, and known paths the walk never produced are soft-deleted.
type Reconciler struct {
	store *store.Store
	batch int
}

// NewReconciler returns a reconciler flushing unchanged-file touches every
// batchSize entries.
func NewReconciler(st *store.Store, batchSize int) *Reconciler {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reconciler{store: st, batch: batchSize}
}

// Reconcile consumes walker output until in closes or ctx is cancelled.
// Store failures on a single entry are reported and counted, not fatal; the
// pass keeps going so one bad row cannot abort a whole scan.
func (r *Reconciler) Reconcile(ctx context.Context, in <-chan FileInfo, report ErrorReporter) (Result, error) {
	var res Result

	known, err := r.store.KnownFiles()
	if err != nil {
		return res, fmt.Errorf("load known files: %w", err)
	}

	touch := make([]int64, 0, r.batch)
	flush := func() error {
		if len(touch) == 0 {
			return nil
		}
		if err := r.store.TouchFiles(touch); err != nil {
			return fmt.Errorf("touch files: %w", err)
		}
		touch = touch[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			// Partial pass: flush what we have but never mark the unvisited
			// remainder missing.
			if err := flush(); err != nil {
				return res, err
			}
			return res, ctx.Err()
		case fi, ok := <-in:
			if !ok {
				if err := flush(); err != nil {
					return res, err
				}
				res.Missing = r.markMissing(known, report)
				slog.Info("reconcile finished",
					"scanned", res.Scanned, "new", res.New,
					"changed", res.Changed, "missing", res.Missing)
				return res, nil
			}

			res.Scanned++
			f, seen := known[fi.Path]
			if !seen {
				if _, err := r.store.InsertFile(fi.Path, fi.Size, fi.MTime); err == nil {
					res.New++
					continue
				}
				// The known-files snapshot excludes missing rows, but the
				// unique path constraint does not: a reappearing file fails
				// the insert and is reconciled against its old row instead.
				prev, lookupErr := r.store.FileByPath(fi.Path)
				if lookupErr != nil {
					report(fi.Path, "reconcile", lookupErr.Error())
					continue
				}
				f = prev
			}
			delete(known, fi.Path)

			if f.Size == fi.Size && f.MTime.Equal(fi.MTime) {
				res.Unchanged++
				touch = append(touch, f.ID)
				if len(touch) >= r.batch {
					if err := flush(); err != nil {
						return res, err
					}
				}
				continue
			}

			if err := r.store.UpdateFileStat(f.ID, fi.Size, fi.MTime); err != nil {
				report(fi.Path, "reconcile", err.Error())
				continue
			}
			res.Changed++
		}
	}
}

// markMissing soft-deletes every known file the walk did not produce.
func (r *Reconciler) markMissing(unseen map[string]store.File, report ErrorReporter) int64 {
	if len(unseen) == 0 {
		return 0
	}
	ids := make([]int64, 0, len(unseen))
	for _, f := range unseen {
		ids = append(ids, f.ID)
	}
	if err := r.store.MarkMissing(ids); err != nil {
		report("", "reconcile", err.Error())
		return 0
	}
	return int64(len(ids))
}
