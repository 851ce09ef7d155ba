package handlers

import (
	"log/slog"
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/photodup/photodup/internal/store"
)

// StatsHandler handles GET /api/stats.
type StatsHandler struct {
	St *store.Store
}

type statsResponse struct {
	Files  fileStats  `json:"files"`
	Groups groupStats `json:"groups"`
}

type fileStats struct {
	Total         int64 `json:"total"`
	Active        int64 `json:"active"`
	Missing       int64 `json:"missing"`
	Unprocessable int64 `json:"unprocessable"`
	WithFeatures  int64 `json:"with_features"`
}

type groupStats struct {
	Total            int64  `json:"total"`
	Exact            int64  `json:"exact"`
	Near             int64  `json:"near"`
	DuplicateFiles   int64  `json:"duplicate_files"`
	SafeDuplicates   int64  `json:"safe_duplicates"`
	ReclaimableBytes int64  `json:"reclaimable_bytes"`
	Reclaimable      string `json:"reclaimable"`
}

// ServeHTTP aggregates library-wide counts. Reclaimable bytes are the sum of
// non-original member sizes: the space freed if every duplicate were removed.
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	db := h.St.DB()
	var resp statsResponse

	err := db.QueryRowContext(r.Context(), `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'missing' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'unprocessable' THEN 1 ELSE 0 END), 0)
		FROM files`,
	).Scan(&resp.Files.Total, &resp.Files.Active, &resp.Files.Missing, &resp.Files.Unprocessable)
	if err != nil {
		slog.Error("stats: files", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	var err2 error
	resp.Files.WithFeatures, err2 = h.St.CountFeatures()
	if err2 != nil {
		slog.Error("stats: features", "error", err2)
	}

	err = db.QueryRowContext(r.Context(), `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN tier = 'exact' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN tier = 'near' THEN 1 ELSE 0 END), 0)
		FROM groups`,
	).Scan(&resp.Groups.Total, &resp.Groups.Exact, &resp.Groups.Near)
	if err != nil {
		slog.Error("stats: groups", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	err = db.QueryRowContext(r.Context(), `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN gm.role = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(f.size), 0)
		FROM group_members gm
		JOIN files f ON f.id = gm.file_id
		WHERE gm.role != ?`,
		store.RoleSafeDuplicate, store.RoleOriginal,
	).Scan(&resp.Groups.DuplicateFiles, &resp.Groups.SafeDuplicates, &resp.Groups.ReclaimableBytes)
	if err != nil {
		slog.Error("stats: members", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	resp.Groups.Reclaimable = humanize.Bytes(uint64(resp.Groups.ReclaimableBytes))

	writeJSON(w, http.StatusOK, resp)
}
