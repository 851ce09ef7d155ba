package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/photodup/photodup/internal/pipeline"
	"github.com/photodup/photodup/internal/store"
)

// RunsHandler handles rescan-run API endpoints.
type RunsHandler struct {
	St        *store.Store
	ReadSt    *store.Store
	Manager   *pipeline.Manager
	Recommend func() (store.RunMode, error)
}

type countersJSON struct {
	FilesScanned     int64 `json:"files_scanned"`
	FilesNew         int64 `json:"files_new"`
	FilesChanged     int64 `json:"files_changed"`
	FilesMissing     int64 `json:"files_missing"`
	FeaturesComputed int64 `json:"features_computed"`
	FeaturesReused   int64 `json:"features_reused"`
	Unprocessable    int64 `json:"unprocessable"`
	GroupsCreated    int64 `json:"groups_created"`
	MembersEscalated int64 `json:"members_escalated"`
	Conflicts        int64 `json:"conflicts"`
}

func toCountersJSON(c store.RunCounters) countersJSON {
	return countersJSON{
		FilesScanned:     c.FilesScanned,
		FilesNew:         c.FilesNew,
		FilesChanged:     c.FilesChanged,
		FilesMissing:     c.FilesMissing,
		FeaturesComputed: c.FeaturesComputed,
		FeaturesReused:   c.FeaturesReused,
		Unprocessable:    c.Unprocessable,
		GroupsCreated:    c.GroupsCreated,
		MembersEscalated: c.MembersEscalated,
		Conflicts:        c.Conflicts,
	}
}

type runItem struct {
	ID              int64        `json:"id"`
	Mode            string       `json:"mode"`
	Status          string       `json:"status"`
	TriggeredBy     string       `json:"triggered_by"`
	StartedAt       string       `json:"started_at"`
	FinishedAt      *string      `json:"finished_at"`
	DurationSeconds *float64     `json:"duration_seconds"`
	Counters        countersJSON `json:"counters"`
	Efficiency      float64      `json:"efficiency"`
}

func toRunItem(run store.Run) runItem {
	it := runItem{
		ID:          run.ID,
		Mode:        string(run.Mode),
		Status:      string(run.Status),
		TriggeredBy: run.TriggeredBy,
		StartedAt:   run.StartedAt.UTC().Format(time.RFC3339),
		Counters:    toCountersJSON(run.Counters),
		Efficiency:  run.Efficiency,
	}
	if run.FinishedAt != nil {
		s := run.FinishedAt.UTC().Format(time.RFC3339)
		it.FinishedAt = &s
		d := run.Duration.Seconds()
		it.DurationSeconds = &d
	}
	return it
}

// Create handles POST /api/runs. An explicit mode in the body is honored;
// otherwise the coverage-based recommendation decides.
func (h *RunsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid JSON body")
		return
	}

	var mode store.RunMode
	switch body.Mode {
	case "":
		var err error
		mode, err = h.Recommend()
		if err != nil {
			slog.Error("runs: recommend mode", "error", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to pick a run mode")
			return
		}
	case string(store.ModeDelta), string(store.ModeMissingFeatures), string(store.ModeFullRebuild):
		mode = store.RunMode(body.Mode)
	default:
		writeError(w, http.StatusBadRequest, "INVALID_MODE",
			"mode must be delta, missing_features or full_rebuild")
		return
	}

	id, err := h.Manager.Start(mode, "manual", nil)
	if err != nil {
		if errors.Is(err, pipeline.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "RUN_ALREADY_ACTIVE", "A run is already in progress")
			return
		}
		slog.Error("runs: start", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start run")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":           id,
		"mode":         string(mode),
		"status":       string(store.RunRunning),
		"triggered_by": "manual",
		"started_at":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Cancel handles DELETE /api/runs/current.
func (h *RunsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Manager.Cancel()
	if err != nil {
		if errors.Is(err, pipeline.ErrNoActiveRun) {
			writeError(w, http.StatusNotFound, "NO_ACTIVE_RUN", "No run is currently in progress")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         snap.ID,
		"mode":       string(snap.Mode),
		"status":     string(store.RunCancelled),
		"started_at": snap.StartedAt.UTC().Format(time.RFC3339),
		"counters":   toCountersJSON(snap.Progress.Counters()),
	})
}

// List handles GET /api/runs, newest first.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	runs, err := h.ReadSt.RecentRuns(limit + offset)
	if err != nil {
		slog.Error("runs list", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if offset < len(runs) {
		runs = runs[offset:]
	} else {
		runs = nil
	}

	items := []runItem{}
	for _, run := range runs {
		items = append(items, toRunItem(run))
	}

	var total int
	if err := h.ReadSt.DB().QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
		slog.Error("runs list: count", "error", err)
	}

	writeJSON(w, http.StatusOK, ListResponse[runItem]{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// Get handles GET /api/runs/{id}, including the per-file error list.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid run ID")
		return
	}

	run, err := h.ReadSt.RunByID(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	type errItem struct {
		Path       string `json:"path"`
		Stage      string `json:"stage"`
		Error      string `json:"error"`
		OccurredAt string `json:"occurred_at"`
	}
	errorList := []errItem{}
	runErrs, err := h.ReadSt.RunErrors(id)
	if err != nil {
		slog.Error("runs get: errors", "run", id, "error", err)
	}
	for _, re := range runErrs {
		errorList = append(errorList, errItem{
			Path:       re.Path,
			Stage:      re.Stage,
			Error:      re.Message,
			OccurredAt: re.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	type runDetail struct {
		runItem
		ErrorList []errItem `json:"error_list"`
	}
	writeJSON(w, http.StatusOK, runDetail{runItem: toRunItem(run), ErrorList: errorList})
}
