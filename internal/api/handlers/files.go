package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/photodup/photodup/internal/media"
	"github.com/photodup/photodup/internal/store"
)

// FilesHandler handles file-level API endpoints.
type FilesHandler struct {
	St *store.Store
}

// Info handles GET /api/files/{id}/info.
func (h *FilesHandler) Info(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid file ID")
		return
	}

	f, err := h.St.FileByID(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "File not found")
		return
	}
	if err != nil {
		slog.Error("files info", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	resp := struct {
		ID          int64      `json:"id"`
		Path        string     `json:"path"`
		Filename    string     `json:"filename"`
		Size        int64      `json:"size"`
		Modified    time.Time  `json:"modified"`
		MimeType    string     `json:"mime_type"`
		Format      string     `json:"format"`
		Status      string     `json:"status"`
		Width       int        `json:"width,omitempty"`
		Height      int        `json:"height,omitempty"`
		TakenAt     *time.Time `json:"taken_at,omitempty"`
		CameraMake  string     `json:"camera_make,omitempty"`
		CameraModel string     `json:"camera_model,omitempty"`
	}{
		ID:       f.ID,
		Path:     f.Path,
		Filename: filepath.Base(f.Path),
		Size:     f.Size,
		Modified: f.MTime.UTC(),
		MimeType: media.ContentType(f.Path),
		Format:   media.DetectFormat(f.Path).String(),
		Status:   string(f.Status),
	}
	if ft, err := h.St.FeatureByFileID(id); err == nil {
		resp.Width = ft.Width
		resp.Height = ft.Height
		resp.TakenAt = ft.TakenAt
		resp.CameraMake = ft.CameraMake
		resp.CameraModel = ft.CameraModel
	}

	writeJSON(w, http.StatusOK, resp)
}

// Thumbnail handles GET /api/files/{id}/thumbnail: a JPEG that fits within
// 320x320, keeping the aspect ratio and never upscaling.
func (h *FilesHandler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid file ID")
		return
	}

	f, err := h.St.FileByID(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "File not found or not previewable")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	thumb, err := media.Thumbnail(f.Path, 320, 320)
	if err != nil {
		slog.Error("files thumbnail", "id", id, "path", f.Path, "error", err)
		writeError(w, http.StatusNotFound, "NOT_FOUND", "File not found or not previewable")
		return
	}
	if thumb == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "File not found or not previewable")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(thumb) //nolint:errcheck
}

// Preview handles GET /api/files/{id}/preview: the original bytes with the
// correct Content-Type.
func (h *FilesHandler) Preview(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid file ID")
		return
	}

	f, err := h.St.FileByID(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "File not found or not previewable")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	if _, statErr := os.Stat(f.Path); os.IsNotExist(statErr) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "File not found or not previewable")
		return
	}

	w.Header().Set("Content-Type", media.ContentType(f.Path))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, f.Path)
}
