// Package group builds duplicate groups from extracted features: an exact
// tier over (size, fast hash) buckets and a near tier over bounded-Hamming
// perceptual-hash matches, followed by deterministic original selection and
// role escalation. Group ids are kept stable across runs wherever the member
// set still maps onto a previous group, so overrides keyed by group id
// survive delta rescans.
package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/photodup/photodup/internal/bktree"
	"github.com/photodup/photodup/internal/config"
	"github.com/photodup/photodup/internal/feature"
	"github.com/photodup/photodup/internal/override"
	"github.com/photodup/photodup/internal/store"
)

// Stats summarizes one grouping pass.
type Stats struct {
	GroupsPersisted int64
	GroupsCreated   int64 // persisted under a fresh id
	GroupsDeleted   int64
	Escalated       int64
	Conflicts       int64
}

// Engine runs the two-tier grouping algorithm over processed files.
type Engine struct {
	st  *store.Store
	ov  *override.Store
	ext *feature.Extractor
	idx *bktree.Index
	cfg *config.Settings
}

// New wires the engine to its collaborators. ext is only used for lazy
// strong-hash confirmation; idx must already hold the current features.
func New(st *store.Store, ov *override.Store, ext *feature.Extractor, idx *bktree.Index, cfg *config.Settings) *Engine {
	return &Engine{st: st, ov: ov, ext: ext, idx: idx, cfg: cfg}
}

// candidate is one group-to-be before persistence.
type candidate struct {
	tier       store.GroupTier
	confidence float64
	files      []int64
}

// Run executes both tiers and persists the result. Files without features
// are skipped this run; groups whose member set dissolved are deleted.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	entries, err := e.st.ProcessedEntries()
	if err != nil {
		return stats, fmt.Errorf("grouping: %w", err)
	}
	byID := make(map[int64]store.Entry, len(entries))
	for _, en := range entries {
		byID[en.File.ID] = en
	}

	exact := e.exactTier(ctx, entries)
	inExact := make(map[int64]bool)
	for _, c := range exact {
		for _, id := range c.files {
			inExact[id] = true
		}
	}
	near := e.nearTier(entries, byID, inExact)

	candidates := append(exact, near...)
	if err := e.persist(candidates, byID, &stats); err != nil {
		return stats, err
	}
	return stats, nil
}

// exactTier buckets entries by (size, fast hash) and, when confirmation is
// enabled, subdivides each bucket by lazily-computed strong hash.
func (e *Engine) exactTier(ctx context.Context, entries []store.Entry) []candidate {
	type key struct {
		size int64
		fast uint64
	}
	buckets := make(map[key][]store.Entry)
	var order []key
	for _, en := range entries {
		if en.File.FastHash == nil {
			continue
		}
		k := key{en.File.Size, *en.File.FastHash}
		if len(buckets[k]) == 0 {
			order = append(order, k)
		}
		buckets[k] = append(buckets[k], en)
	}

	var out []candidate
	for _, k := range order {
		members := buckets[k]
		if len(members) < 2 {
			continue
		}
		if !e.cfg.Hashing.StrongHashConfirmation {
			ids := make([]int64, len(members))
			for i, m := range members {
				ids[i] = m.File.ID
			}
			out = append(out, candidate{tier: store.TierExact, confidence: 0.95, files: ids})
			continue
		}

		// Subdivide the ambiguous bucket by full content hash, computing it
		// only for members that never needed one before.
		sub := make(map[string][]int64)
		var subOrder []string
		for _, m := range members {
			digest := m.File.StrongHash
			if digest == "" {
				var err error
				digest, err = e.ext.StrongHash(ctx, m.File)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						slog.Warn("strong hash failed, file skipped this run",
							"path", m.File.Path, "error", err)
					}
					continue
				}
			}
			if len(sub[digest]) == 0 {
				subOrder = append(subOrder, digest)
			}
			sub[digest] = append(sub[digest], m.File.ID)
		}
		for _, d := range subOrder {
			if ids := sub[d]; len(ids) >= 2 {
				out = append(out, candidate{tier: store.TierExact, confidence: 1.0, files: ids})
			}
		}
	}
	return out
}

// nearTier walks the remaining entries in file-id order and pulls each one's
// perceptual-hash neighborhood out of the index. Matches already placed in
// an exact group or absorbed into an earlier near group are skipped.
func (e *Engine) nearTier(entries []store.Entry, byID map[int64]store.Entry, inExact map[int64]bool) []candidate {
	threshold := e.cfg.Hashing.PHashThreshold
	absorbed := make(map[int64]bool)
	var out []candidate

	for _, en := range entries {
		id := en.File.ID
		if inExact[id] || absorbed[id] || en.Feature == nil || en.Feature.PHash == nil {
			continue
		}

		matches := e.idx.PHash().Query(*en.Feature.PHash, threshold)
		group := []int64{id}
		minDist := threshold
		for _, m := range matches {
			if m.FileID == id || inExact[m.FileID] || absorbed[m.FileID] {
				continue
			}
			other, ok := byID[m.FileID]
			if !ok || other.Feature == nil {
				continue
			}
			if !dimensionsClose(en.Feature, other.Feature, e.cfg.Grouping.DimensionTolerance) {
				continue
			}
			if e.cfg.Grouping.StrictEXIFMatch && !captureTimesEqual(en.Feature, other.Feature) {
				continue
			}
			group = append(group, m.FileID)
			if m.Distance < minDist {
				minDist = m.Distance
			}
		}
		if len(group) < 2 {
			continue
		}
		for _, gid := range group {
			absorbed[gid] = true
		}
		conf := 1.0
		if threshold > 0 {
			conf = 1.0 - float64(minDist)/float64(threshold)
		}
		out = append(out, candidate{tier: store.TierNear, confidence: clamp01(conf), files: group})
	}
	return out
}

// dimensionsClose applies the pixel-area sanity filter: the relative area
// difference must not exceed tol. Two zero-area entries pass (no evidence
// either way).
func dimensionsClose(a, b *store.Feature, tol float64) bool {
	aa, ab := a.PixelArea(), b.PixelArea()
	max := aa
	if ab > max {
		max = ab
	}
	if max == 0 {
		return true
	}
	diff := aa - ab
	if diff < 0 {
		diff = -diff
	}
	return float64(diff)/float64(max) <= tol
}

func captureTimesEqual(a, b *store.Feature) bool {
	return a.TakenAt != nil && b.TakenAt != nil && a.TakenAt.Equal(*b.TakenAt)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// persist deletes groups no candidate claimed, detaches regrouped files, then
// writes every candidate group, reusing the previous group id when the member
// set maps onto exactly one old group, and finally runs the escalation pass.
func (e *Engine) persist(candidates []candidate, byID map[int64]store.Entry, stats *Stats) error {
	membership, err := e.st.Membership()
	if err != nil {
		return fmt.Errorf("grouping: %w", err)
	}
	overrides, err := e.ov.Active()
	if err != nil {
		return fmt.Errorf("grouping: %w", err)
	}

	// Resolve id reuse up front: stale groups and the old member rows of
	// every regrouped file must be gone before the first insert, or merges
	// and migrations collide with the unique file-membership index.
	kept := make(map[int64]bool)
	gids := make([]int64, len(candidates))
	var regrouped []int64
	for i, c := range candidates {
		gids[i] = reusableID(c.files, membership, kept)
		if gids[i] != 0 {
			kept[gids[i]] = true
		}
		regrouped = append(regrouped, c.files...)
	}

	all, err := e.st.AllGroupIDs()
	if err != nil {
		return fmt.Errorf("grouping: %w", err)
	}
	var stale []int64
	for _, id := range all {
		if !kept[id] {
			stale = append(stale, id)
		}
	}
	if err := e.st.PrepareRegroup(stale, regrouped); err != nil {
		return fmt.Errorf("grouping prune: %w", err)
	}
	stats.GroupsDeleted = int64(len(stale))

	for i, c := range candidates {
		gid := gids[i]

		members := make([]store.Entry, 0, len(c.files))
		for _, id := range c.files {
			members = append(members, byID[id])
		}
		autoID := SelectOriginal(members)
		origID := autoID

		if gid != 0 {
			if o, ok := overrides[gid]; ok {
				if containsID(c.files, o.FileID) {
					origID = o.FileID
					if o.AutoFileID != autoID {
						if err := e.ov.RefreshAuto(o.ID, autoID); err != nil {
							return err
						}
					}
				} else {
					// The user's chosen file left the group; fall back to
					// auto-selection and surface the disagreement.
					if err := e.ov.Deactivate(o.ID); err != nil {
						return err
					}
					stats.Conflicts++
					slog.Warn("override deactivated, chosen file no longer in group",
						"group", gid, "file", o.FileID)
				}
			}
		}

		rows := e.memberRows(c, origID, byID)
		newID, err := e.st.UpsertGroup(gid, c.tier, c.confidence, rows)
		if err != nil {
			return fmt.Errorf("grouping persist: %w", err)
		}
		stats.GroupsPersisted++
		if gid == 0 {
			stats.GroupsCreated++
		}

		stats.Escalated += e.escalate(newID, origID, c, byID)
	}
	return nil
}

// reusableID returns the single previous group id shared by the member set,
// or 0 when the set spans zero or several old groups or the id was already
// claimed this run.
func reusableID(files []int64, membership map[int64]int64, kept map[int64]bool) int64 {
	var gid int64
	for _, id := range files {
		old, ok := membership[id]
		if !ok {
			continue
		}
		if gid == 0 {
			gid = old
			continue
		}
		if gid != old {
			return 0
		}
	}
	if gid != 0 && kept[gid] {
		return 0
	}
	return gid
}

// memberRows builds the member set with roles and similarity scores. Exact
// members score 1.0; near members score by pHash distance to the original.
func (e *Engine) memberRows(c candidate, origID int64, byID map[int64]store.Entry) []store.Member {
	orig := byID[origID]
	rows := make([]store.Member, 0, len(c.files))
	for _, id := range c.files {
		m := store.Member{FileID: id, Role: store.RoleDuplicate, Similarity: 1.0}
		if id == origID {
			m.Role = store.RoleOriginal
		} else if c.tier == store.TierNear {
			m.Similarity = e.similarity(orig, byID[id])
		}
		rows = append(rows, m)
	}
	return rows
}

// similarity derives a [0,1] score from the pHash distance to the original.
func (e *Engine) similarity(orig, member store.Entry) float64 {
	threshold := e.cfg.Hashing.PHashThreshold
	if threshold <= 0 ||
		orig.Feature == nil || orig.Feature.PHash == nil ||
		member.Feature == nil || member.Feature.PHash == nil {
		return 0
	}
	d := bktree.Hamming(*orig.Feature.PHash, *member.Feature.PHash)
	return clamp01(1.0 - float64(d)/float64(threshold))
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// AutoOriginal computes what selection would pick for an existing group
// right now, ignoring overrides. Used for trial re-selection when
// enumerating override conflicts.
func (e *Engine) AutoOriginal(groupID int64) (int64, bool) {
	members, err := e.st.MembersByGroup(groupID)
	if err != nil || len(members) == 0 {
		return 0, false
	}
	ids := make([]int64, len(members))
	for i, m := range members {
		ids[i] = m.FileID
	}
	files, err := e.st.FilesByIDs(ids)
	if err != nil {
		return 0, false
	}
	entries := make([]store.Entry, 0, len(files))
	for _, f := range files {
		if f.Status != store.FileActive {
			continue
		}
		en := store.Entry{File: f}
		if ft, err := e.st.FeatureByFileID(f.ID); err == nil {
			en.Feature = &ft
		}
		entries = append(entries, en)
	}
	if len(entries) == 0 {
		return 0, false
	}
	return SelectOriginal(entries), true
}
