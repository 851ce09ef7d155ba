package bktree

import "sync/atomic"

// Entry is one file's hash triple. Nil hashes are skipped; a file appears
// only in the trees for which a hash was computed.
type Entry struct {
	FileID int64
	PHash  *uint64
	DHash  *uint64
	AHash  *uint64
}

// Index bundles one tree per hash kind. It lives in memory only and is
// rebuilt from the store rather than persisted.
type Index struct {
	phash *Tree
	dhash *Tree
	ahash *Tree

	// Entry count at the last full build. When the pHash tree has more than
	// doubled past this, incremental inserts have degraded the shape enough
	// to warrant a discard-and-rebuild.
	lastBuild atomic.Int64
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{phash: New(), dhash: New(), ahash: New()}
}

// PHash returns the perceptual-hash tree.
func (ix *Index) PHash() *Tree { return ix.phash }

// DHash returns the difference-hash tree.
func (ix *Index) DHash() *Tree { return ix.dhash }

// AHash returns the average-hash tree.
func (ix *Index) AHash() *Tree { return ix.ahash }

// Add inserts one file's hashes incrementally.
func (ix *Index) Add(e Entry) {
	if e.PHash != nil {
		ix.phash.Insert(e.FileID, *e.PHash)
	}
	if e.DHash != nil {
		ix.dhash.Insert(e.FileID, *e.DHash)
	}
	if e.AHash != nil {
		ix.ahash.Insert(e.FileID, *e.AHash)
	}
}

// ReplaceAll rebuilds all three trees from the given entries and resets the
// rebuild baseline.
func (ix *Index) ReplaceAll(entries []Entry) {
	ph := make(map[int64]uint64, len(entries))
	dh := make(map[int64]uint64, len(entries))
	ah := make(map[int64]uint64, len(entries))
	for _, e := range entries {
		if e.PHash != nil {
			ph[e.FileID] = *e.PHash
		}
		if e.DHash != nil {
			dh[e.FileID] = *e.DHash
		}
		if e.AHash != nil {
			ah[e.FileID] = *e.AHash
		}
	}
	ix.phash.Replace(ph)
	ix.dhash.Replace(dh)
	ix.ahash.Replace(ah)
	ix.lastBuild.Store(int64(len(entries)))
}

// NeedsRebuild reports whether the index has more than doubled since the
// last full build.
func (ix *Index) NeedsRebuild() bool {
	base := ix.lastBuild.Load()
	return base > 0 && int64(ix.phash.Len()) > 2*base
}
