package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/photodup/photodup/internal/override"
)

// ConflictsHandler handles GET /api/conflicts.
type ConflictsHandler struct {
	Ov           *override.Store
	AutoOriginal func(groupID int64) (int64, bool)
}

// List reports every active override whose pinned original no longer matches
// what the algorithm would pick today. Conflicts are informational; the
// override keeps winning until the user clears it.
func (h *ConflictsHandler) List(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.Ov.DetectConflicts(h.AutoOriginal)
	if err != nil {
		slog.Error("conflicts list", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	type conflictItem struct {
		GroupID        int64  `json:"group_id"`
		OverrideFileID int64  `json:"override_file_id"`
		AutoFileID     int64  `json:"auto_file_id"`
		Reason         string `json:"reason"`
		Notes          string `json:"notes,omitempty"`
		CreatedAt      string `json:"created_at"`
	}
	items := []conflictItem{}
	for _, c := range conflicts {
		items = append(items, conflictItem{
			GroupID:        c.Override.GroupID,
			OverrideFileID: c.Override.FileID,
			AutoFileID:     c.AutoOriginal,
			Reason:         string(c.Override.Reason),
			Notes:          c.Override.Notes,
			CreatedAt:      c.Override.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, ListResponse[conflictItem]{
		Items:  items,
		Total:  len(items),
		Limit:  len(items),
		Offset: 0,
	})
}
