package group

import (
	"log/slog"
	"strings"
	"time"

	"github.com/photodup/photodup/internal/store"
)

// escalate promotes a group's duplicate members to safe_duplicate when all
// three predicates hold against the original. Members that fail stay (or
// revert to) plain duplicates, so a change of original or of metadata
// naturally downgrades rows that no longer qualify.
func (e *Engine) escalate(groupID, origID int64, c candidate, byID map[int64]store.Entry) int64 {
	orig := byID[origID]
	var promoted int64
	for _, id := range c.files {
		if id == origID {
			continue
		}
		ok, note := e.safePredicates(byID[id], orig)
		if !ok {
			continue
		}
		if err := e.st.UpdateMemberRole(groupID, id, store.RoleSafeDuplicate, note); err != nil {
			slog.Error("escalation update failed", "group", groupID, "file", id, "error", err)
			continue
		}
		promoted++
	}
	return promoted
}

// safePredicates evaluates the three escalation criteria and, when all
// match, returns a note summarizing them.
func (e *Engine) safePredicates(dup, orig store.Entry) (bool, string) {
	var matched []string

	if dup.File.Size != orig.File.Size {
		return false, ""
	}
	matched = append(matched, "size")

	if !e.timeMatch(dup.Feature, orig.Feature) {
		return false, ""
	}
	matched = append(matched, "capture time")

	if !e.cameraMatch(dup.Feature, orig.Feature) {
		return false, ""
	}
	if e.cfg.Escalation.CameraModelCheck {
		matched = append(matched, "camera")
	}

	return true, "matched: " + strings.Join(matched, ", ")
}

// timeMatch holds when both capture timestamps exist and lie within the
// configured tolerance. Exactly one missing timestamp fails; two missing
// timestamps pass only outside strict-EXIF mode.
func (e *Engine) timeMatch(a, b *store.Feature) bool {
	at := takenAt(a)
	bt := takenAt(b)
	switch {
	case at == nil && bt == nil:
		return !e.cfg.Grouping.StrictEXIFMatch
	case at == nil || bt == nil:
		return false
	}
	delta := at.Sub(*bt)
	if delta < 0 {
		delta = -delta
	}
	tol := time.Duration(e.cfg.Escalation.DatetimeToleranceSec * float64(time.Second))
	return delta <= tol
}

// cameraMatch holds when the check is disabled, when both camera models are
// absent, or when both are present and equal.
func (e *Engine) cameraMatch(a, b *store.Feature) bool {
	if !e.cfg.Escalation.CameraModelCheck {
		return true
	}
	am := cameraModel(a)
	bm := cameraModel(b)
	switch {
	case am == "" && bm == "":
		return true
	case am == "" || bm == "":
		return false
	}
	return am == bm
}

func takenAt(f *store.Feature) *time.Time {
	if f == nil {
		return nil
	}
	return f.TakenAt
}

func cameraModel(f *store.Feature) string {
	if f == nil {
		return ""
	}
	return f.CameraModel
}
