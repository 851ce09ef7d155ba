package group

import (
	"math"

	"github.com/photodup/photodup/internal/media"
	"github.com/photodup/photodup/internal/store"
)

// selectKey orders group members for original selection. Smaller wins on
// every field, compared in order: highest pixel area, earliest capture time
// (absent sorts last), largest file, best format, then path bytes as the
// stable tie-break.
type selectKey struct {
	negArea int64
	takenNS int64
	negSize int64
	format  int
	path    string
}

func keyFor(e store.Entry) selectKey {
	k := selectKey{
		takenNS: math.MaxInt64,
		negSize: -e.File.Size,
		format:  media.DetectFormat(e.File.Path).Priority(),
		path:    e.File.Path,
	}
	if e.Feature != nil {
		k.negArea = -e.Feature.PixelArea()
		if e.Feature.TakenAt != nil {
			k.takenNS = e.Feature.TakenAt.UnixNano()
		}
	}
	return k
}

func (k selectKey) less(o selectKey) bool {
	if k.negArea != o.negArea {
		return k.negArea < o.negArea
	}
	if k.takenNS != o.takenNS {
		return k.takenNS < o.takenNS
	}
	if k.negSize != o.negSize {
		return k.negSize < o.negSize
	}
	if k.format != o.format {
		return k.format < o.format
	}
	return k.path < o.path
}

// SelectOriginal returns the file id the deterministic selection rules pick
// from the given members. The result depends only on member attributes, so
// repeated runs over unchanged files agree. Panics on an empty slice; groups
// always carry at least two members.
func SelectOriginal(members []store.Entry) int64 {
	best := members[0]
	bestKey := keyFor(best)
	for _, m := range members[1:] {
		if k := keyFor(m); k.less(bestKey) {
			best, bestKey = m, k
		}
	}
	return best.File.ID
}
