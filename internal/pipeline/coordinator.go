// Package pipeline drives a dedup run end to end: filesystem scan, feature
// extraction, index maintenance, grouping and escalation. The Coordinator
// executes one run against a pre-created run row; the Manager layers the
// single-active-run policy and cancellation on top.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/photodup/photodup/internal/bktree"
	"github.com/photodup/photodup/internal/config"
	"github.com/photodup/photodup/internal/feature"
	"github.com/photodup/photodup/internal/group"
	"github.com/photodup/photodup/internal/override"
	"github.com/photodup/photodup/internal/pool"
	"github.com/photodup/photodup/internal/scan"
	"github.com/photodup/photodup/internal/store"
)

// Mode recommendation thresholds over the features/files coverage ratio.
const (
	deltaCoverage   = 0.95
	missingCoverage = 0.50
)

// Coordinator owns the per-run orchestration. It is safe to reuse across
// runs; the Manager guarantees at most one Run call is in flight.
type Coordinator struct {
	st            *store.Store
	ov            *override.Store
	pl            *pool.Pool
	ext           *feature.Extractor
	idx           *bktree.Index
	cfg           *config.Settings
	filter        *scan.Filter
	schemaChanged bool
}

// NewCoordinator wires the pipeline components. schemaChanged marks a store
// opened under a newer migration version than the last completed run saw, and
// forces the full-rebuild recommendation.
func NewCoordinator(st *store.Store, ov *override.Store, pl *pool.Pool, idx *bktree.Index, cfg *config.Settings, schemaChanged bool) (*Coordinator, error) {
	filter, err := scan.NewFilter(cfg.IncludePatterns, cfg.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("scan filter: %w", err)
	}
	return &Coordinator{
		st:            st,
		ov:            ov,
		pl:            pl,
		ext:           feature.New(st, cfg),
		idx:           idx,
		cfg:           cfg,
		filter:        filter,
		schemaChanged: schemaChanged,
	}, nil
}

// RecommendMode picks a run mode from feature coverage: near-complete
// coverage wants a cheap delta pass, partial coverage wants the
// missing-features backfill, and anything sparser wants a full rebuild. A
// schema change overrides all of that.
func (c *Coordinator) RecommendMode() (store.RunMode, error) {
	if c.schemaChanged {
		return store.ModeFullRebuild, nil
	}
	files, err := c.st.CountFiles()
	if err != nil {
		return "", err
	}
	if files == 0 {
		return store.ModeDelta, nil
	}
	features, err := c.st.CountFeatures()
	if err != nil {
		return "", err
	}
	ratio := float64(features) / float64(files)
	switch {
	case ratio >= deltaCoverage:
		return store.ModeDelta, nil
	case ratio >= missingCoverage:
		return store.ModeMissingFeatures, nil
	}
	return store.ModeFullRebuild, nil
}

// Run executes one pipeline pass for the pre-created run row runID. The
// caller finalizes the row afterwards (see Finalize); Run only reports the
// outcome. Cancellation via ctx stops between files, never mid-write.
func (c *Coordinator) Run(ctx context.Context, runID int64, mode store.RunMode, pr *Progress) error {
	report := func(path, stage, msg string) {
		if err := c.st.InsertRunError(runID, path, stage, msg); err != nil {
			slog.Error("record run error failed", "run", runID, "error", err)
		}
		pr.Errors.Add(1)
		pr.Emit()
	}

	var snapshot []override.PathOverride
	if mode == store.ModeFullRebuild {
		var err error
		snapshot, err = c.ov.Snapshot()
		if err != nil {
			return fmt.Errorf("snapshot overrides: %w", err)
		}
		if err := c.st.TruncateForRebuild(); err != nil {
			return fmt.Errorf("truncate for rebuild: %w", err)
		}
	}

	if mode != store.ModeMissingFeatures {
		if err := c.scanPhase(ctx, runID, pr, report); err != nil {
			return err
		}
	}

	computed, err := c.featurePhase(ctx, runID, mode, pr, report)
	if err != nil {
		return err
	}

	pr.SetPhase("indexing")
	if err := c.indexPhase(mode, computed); err != nil {
		return fmt.Errorf("index: %w", err)
	}

	pr.SetPhase("grouping")
	eng := group.New(c.st, c.ov, c.ext, c.idx, c.cfg)
	gstats, err := eng.Run(ctx)
	if err != nil {
		return fmt.Errorf("grouping: %w", err)
	}
	pr.GroupsCreated.Add(gstats.GroupsCreated)
	pr.MembersEscalated.Add(gstats.Escalated)
	pr.Conflicts.Add(gstats.Conflicts)
	pr.Emit()

	if mode == store.ModeFullRebuild && len(snapshot) > 0 {
		restored, err := c.restoreOverrides(snapshot)
		if err != nil {
			return fmt.Errorf("restore overrides: %w", err)
		}
		slog.Info("overrides restored after rebuild",
			"restored", restored, "snapshot", len(snapshot))
	}

	return ctx.Err()
}

// scanPhase walks the roots and reconciles the result against the store. The
// walk runs inside a pool task so scans respect throttling and back-off like
// every other stage.
func (c *Coordinator) scanPhase(ctx context.Context, runID int64, pr *Progress, report scan.ErrorReporter) error {
	pr.SetPhase("scanning")

	var res scan.Result
	h, err := c.pl.Submit(fmt.Sprintf("scan:%d", runID), "scan", pool.Normal,
		func(poolCtx context.Context) error {
			runCtx, cancel := joinContexts(ctx, poolCtx)
			defer cancel()

			files := make(chan scan.FileInfo, c.cfg.Batch.Scanning)
			seen := make(chan scan.FileInfo, c.cfg.Batch.Scanning)
			go scan.Walk(runCtx, c.cfg.Roots, c.filter, c.cfg.Concurrency.ThreadCap, files, report)
			go func() {
				defer close(seen)
				for fi := range files {
					pr.FilesScanned.Add(1)
					pr.Emit()
					seen <- fi
				}
			}()

			rec := scan.NewReconciler(c.st, c.cfg.Batch.Scanning)
			var rerr error
			res, rerr = rec.Reconcile(runCtx, seen, report)
			return rerr
		})
	if err != nil {
		return fmt.Errorf("submit scan: %w", err)
	}
	if err := h.Wait(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	pr.FilesScanned.Store(res.Scanned)
	pr.FilesNew.Store(res.New)
	pr.FilesChanged.Store(res.Changed)
	pr.FilesMissing.Store(res.Missing)
	pr.Flush()
	return nil
}

// featurePhase computes features for every file flagged by the scan (delta
// and full rebuild) or for every active file lacking a feature row
// (missing-features backfill). Each file is an independent pool task, so an
// unprocessable or failing file costs only itself. Returns the ids of files
// whose features were freshly computed.
func (c *Coordinator) featurePhase(ctx context.Context, runID int64, mode store.RunMode, pr *Progress, report scan.ErrorReporter) ([]int64, error) {
	pr.SetPhase("hashing")

	var (
		files []store.File
		err   error
	)
	if mode == store.ModeMissingFeatures {
		files, err = c.st.FilesWithoutFeatures()
	} else {
		files, err = c.st.NeedsFeatures()
	}
	if err != nil {
		return nil, fmt.Errorf("list pending files: %w", err)
	}

	reused, err := c.st.CountFeatures()
	if err != nil {
		return nil, fmt.Errorf("count features: %w", err)
	}
	pr.FeaturesReused.Store(reused)

	var (
		mu       sync.Mutex
		computed []int64
		handles  []*pool.Handle
	)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			break
		}
		f := f
		h, err := c.pl.Submit(fmt.Sprintf("feat:%d:%d", runID, f.ID), "hash", pool.Normal,
			func(poolCtx context.Context) error {
				runCtx, cancel := joinContexts(ctx, poolCtx)
				defer cancel()
				if err := runCtx.Err(); err != nil {
					return err
				}
				switch err := c.ext.Extract(runCtx, f); {
				case err == nil:
					mu.Lock()
					computed = append(computed, f.ID)
					mu.Unlock()
					pr.FeaturesComputed.Add(1)
				case errors.Is(err, feature.ErrUnprocessable):
					pr.Unprocessable.Add(1)
					report(f.Path, "hash", err.Error())
				case errors.Is(err, context.Canceled):
					return err
				default:
					report(f.Path, "hash", err.Error())
				}
				pr.Emit()
				return nil
			})
		if err != nil {
			return nil, fmt.Errorf("submit feature task: %w", err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		h.Wait()
	}
	pr.Flush()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return computed, nil
}

// indexPhase maintains the in-memory BK-trees. Full rebuilds and degraded
// trees get a fresh build from the store; otherwise only the freshly
// computed features are inserted.
func (c *Coordinator) indexPhase(mode store.RunMode, computed []int64) error {
	full := mode == store.ModeFullRebuild ||
		c.idx.PHash().Len() == 0 ||
		c.idx.NeedsRebuild()
	if full {
		var entries []bktree.Entry
		err := c.st.ForEachFeature(func(ft store.Feature) error {
			entries = append(entries, bktree.Entry{
				FileID: ft.FileID, PHash: ft.PHash, DHash: ft.DHash, AHash: ft.AHash,
			})
			return nil
		})
		if err != nil {
			return err
		}
		c.idx.ReplaceAll(entries)
		return nil
	}
	for _, id := range computed {
		ft, err := c.st.FeatureByFileID(id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		c.idx.Add(bktree.Entry{
			FileID: ft.FileID, PHash: ft.PHash, DHash: ft.DHash, AHash: ft.AHash,
		})
	}
	return nil
}

// restoreOverrides re-attaches the pre-rebuild override snapshot to the new
// file and group ids by path. Paths that vanished or no longer sit in a
// group drop out silently.
func (c *Coordinator) restoreOverrides(snapshot []override.PathOverride) (int, error) {
	membership, err := c.st.Membership()
	if err != nil {
		return 0, err
	}
	return c.ov.Restore(snapshot, func(path string) (int64, int64, bool) {
		f, err := c.st.FileByPath(path)
		if err != nil {
			return 0, 0, false
		}
		gid, ok := membership[f.ID]
		if !ok {
			return 0, 0, false
		}
		return f.ID, gid, true
	})
}

// Finalize writes the run row's terminal status and counters. A run cut
// short by cancellation finalizes as cancelled, not failed.
func (c *Coordinator) Finalize(runID int64, pr *Progress, runErr error) error {
	status := store.RunCompleted
	switch {
	case errors.Is(runErr, context.Canceled):
		status = store.RunCancelled
	case runErr != nil:
		status = store.RunFailed
	}
	pr.SetPhase("done")
	return c.st.FinalizeRun(runID, status, time.Now(), pr.Counters())
}

// Execute creates a run row, runs the pipeline and finalizes the row. It is
// the synchronous entry point; the Manager wraps the same sequence with
// single-run arbitration.
func (c *Coordinator) Execute(ctx context.Context, mode store.RunMode, triggeredBy string, cb func(Snapshot)) (store.Run, error) {
	runID, err := c.st.InsertRun(mode, triggeredBy, time.Now())
	if err != nil {
		return store.Run{}, fmt.Errorf("create run: %w", err)
	}
	pr := NewProgress(cb)
	runErr := c.Run(ctx, runID, mode, pr)
	if runErr != nil {
		slog.Error("run finished with error", "run", runID, "mode", mode, "error", runErr)
	}
	if err := c.Finalize(runID, pr, runErr); err != nil {
		return store.Run{}, fmt.Errorf("finalize run %d: %w", runID, err)
	}
	run, err := c.st.RunByID(runID)
	if err != nil {
		return store.Run{}, err
	}
	return run, runErr
}

// joinContexts returns a context cancelled when either parent is. Pool tasks
// must observe both the run's cancellation and the pool's shutdown.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
