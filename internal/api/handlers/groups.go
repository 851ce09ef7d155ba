package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/photodup/photodup/internal/override"
	"github.com/photodup/photodup/internal/store"
)

// GroupsHandler handles duplicate-group API endpoints.
type GroupsHandler struct {
	St *store.Store
	Ov *override.Store
}

type groupItem struct {
	ID             int64   `json:"id"`
	Tier           string  `json:"tier"`
	Confidence     float64 `json:"confidence"`
	MemberCount    int     `json:"member_count"`
	SafeDuplicates int     `json:"safe_duplicates"`
	OriginalFileID int64   `json:"original_file_id"`
	OriginalPath   string  `json:"original_path"`
	HasOverride    bool    `json:"has_override"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

// List handles GET /api/groups. The filter parameter narrows by tier or by
// escalation/override state; all is the default.
func (h *GroupsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	filter := store.GroupFilter(r.URL.Query().Get("filter"))
	switch filter {
	case "":
		filter = store.FilterAll
	case store.FilterAll, store.FilterExact, store.FilterNear,
		store.FilterSafeOnly, store.FilterWithConflicts:
	default:
		writeError(w, http.StatusBadRequest, "INVALID_FILTER",
			"filter must be all, exact, near, safe_only or with_conflicts")
		return
	}

	summaries, total, err := h.St.ListGroups(filter, limit, offset)
	if err != nil {
		slog.Error("groups list", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	active, err := h.Ov.Active()
	if err != nil {
		slog.Error("groups list: overrides", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	items := []groupItem{}
	for _, s := range summaries {
		it := groupItem{
			ID:             s.ID,
			Tier:           string(s.Tier),
			Confidence:     s.Confidence,
			MemberCount:    s.MemberCount,
			SafeDuplicates: s.SafeDuplicates,
			OriginalFileID: s.OriginalFileID,
			OriginalPath:   s.OriginalPath,
			CreatedAt:      s.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:      s.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if ov, ok := active[s.ID]; ok {
			it.HasOverride = true
			it.OriginalFileID = ov.FileID
			if f, err := h.St.FileByID(ov.FileID); err == nil {
				it.OriginalPath = f.Path
			}
		}
		items = append(items, it)
	}

	writeJSON(w, http.StatusOK, ListResponse[groupItem]{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// Get handles GET /api/groups/{id}: the group row plus every member with
// its file, role, similarity and escalation note. An active override
// replaces the reported original.
func (h *GroupsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid group ID")
		return
	}

	g, err := h.St.GroupByID(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Group not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	members, err := h.St.MembersByGroup(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.FileID)
	}
	files, err := h.St.FilesByIDs(ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	ov, err := h.Ov.Lookup(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	originalID := int64(0)
	for _, m := range members {
		if m.Role == store.RoleOriginal {
			originalID = m.FileID
		}
	}
	autoOriginalID := originalID
	if ov != nil {
		originalID = ov.FileID
	}

	type memberItem struct {
		FileID       int64   `json:"file_id"`
		Path         string  `json:"path"`
		Size         int64   `json:"size"`
		Status       string  `json:"status"`
		Role         string  `json:"role"`
		Similarity   float64 `json:"similarity"`
		Note         string  `json:"note,omitempty"`
		IsOriginal   bool    `json:"is_original"`
		ThumbnailURL string  `json:"thumbnail_url"`
		PreviewURL   string  `json:"preview_url"`
	}
	memberItems := []memberItem{}
	for _, m := range members {
		it := memberItem{
			FileID:     m.FileID,
			Role:       string(m.Role),
			Similarity: m.Similarity,
			Note:       m.Note,
			IsOriginal: m.FileID == originalID,
		}
		if f, ok := files[m.FileID]; ok {
			it.Path = f.Path
			it.Size = f.Size
			it.Status = string(f.Status)
		}
		fid := strconv.FormatInt(m.FileID, 10)
		it.ThumbnailURL = "/api/files/" + fid + "/thumbnail"
		it.PreviewURL = "/api/files/" + fid + "/preview"
		memberItems = append(memberItems, it)
	}

	type overrideItem struct {
		FileID    int64  `json:"file_id"`
		Type      string `json:"type"`
		Reason    string `json:"reason"`
		Notes     string `json:"notes,omitempty"`
		CreatedAt string `json:"created_at"`
	}
	resp := struct {
		ID             int64         `json:"id"`
		Tier           string        `json:"tier"`
		Confidence     float64       `json:"confidence"`
		OriginalFileID int64         `json:"original_file_id"`
		AutoOriginalID int64         `json:"auto_original_id"`
		Override       *overrideItem `json:"override"`
		Members        []memberItem  `json:"members"`
		CreatedAt      string        `json:"created_at"`
		UpdatedAt      string        `json:"updated_at"`
	}{
		ID:             g.ID,
		Tier:           string(g.Tier),
		Confidence:     g.Confidence,
		OriginalFileID: originalID,
		AutoOriginalID: autoOriginalID,
		Members:        memberItems,
		CreatedAt:      g.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      g.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if ov != nil {
		resp.Override = &overrideItem{
			FileID:    ov.FileID,
			Type:      string(ov.Type),
			Reason:    string(ov.Reason),
			Notes:     ov.Notes,
			CreatedAt: ov.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// SetOverride handles POST /api/groups/{id}/override: pins a member as the
// group's original, replacing any previous override.
func (h *GroupsHandler) SetOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid group ID")
		return
	}

	var body struct {
		FileID int64  `json:"file_id"`
		Reason string `json:"reason"`
		Notes  string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid JSON body")
		return
	}

	reason := override.Reason(body.Reason)
	switch reason {
	case override.ReasonUserPreference, override.ReasonQualityBetter,
		override.ReasonFormatPreference, override.ReasonManualSelection,
		override.ReasonAlgorithmError:
	default:
		writeError(w, http.StatusBadRequest, "INVALID_REASON",
			"reason must be user_preference, quality_better, format_preference, manual_selection or algorithm_error")
		return
	}

	members, err := h.St.MembersByGroup(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if len(members) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Group not found")
		return
	}
	var autoID int64
	isMember := false
	for _, m := range members {
		if m.Role == store.RoleOriginal {
			autoID = m.FileID
		}
		if m.FileID == body.FileID {
			isMember = true
		}
	}
	if !isMember {
		writeError(w, http.StatusUnprocessableEntity, "NOT_A_MEMBER",
			"file_id is not a member of this group")
		return
	}

	ov, err := h.Ov.Put(id, body.FileID, autoID, override.TypeSingleGroup, reason, body.Notes)
	if err != nil {
		slog.Error("override put", "group", id, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":               ov.ID,
		"group_id":         ov.GroupID,
		"original_file_id": ov.FileID,
		"auto_original_id": ov.AutoFileID,
		"reason":           string(ov.Reason),
		"notes":            ov.Notes,
		"created_at":       ov.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// ClearOverride handles DELETE /api/groups/{id}/override: the next grouping
// pass reverts to the algorithmic original.
func (h *GroupsHandler) ClearOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid group ID")
		return
	}
	if err := h.Ov.Clear(id); err != nil {
		if errors.Is(err, override.ErrNoOverride) {
			writeError(w, http.StatusNotFound, "NO_OVERRIDE", "Group has no active override")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
