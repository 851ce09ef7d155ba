package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/photodup/photodup/internal/config"
)

// ConfigHandler handles GET/PATCH /api/config. Patches mutate the shared
// Settings in place and persist the whole document back to the YAML file;
// a run already in flight keeps the values it started with where its
// components snapshot them.
type ConfigHandler struct {
	Cfg      *config.Settings
	Path     string
	OnChange func(config.Settings)
	mu       sync.Mutex
}

// ConfigPatch describes the runtime-updatable fields. Only supplied
// (non-nil) fields are applied. Setting a preset other than custom replaces
// every preset-owned field in the same request.
type ConfigPatch struct {
	Preset          *string  `json:"preset"`
	Roots           []string `json:"roots"`
	IncludePatterns []string `json:"include_patterns"`
	ExcludePatterns []string `json:"exclude_patterns"`
	Schedule        *string  `json:"schedule"`

	ThreadCap           *int     `json:"thread_cap"`
	IOThrottleOpsPerSec *float64 `json:"io_throttle_ops_per_sec"`

	PHashThreshold         *int  `json:"phash_threshold"`
	StrongHashConfirmation *bool `json:"strong_hash_confirmation"`

	DimensionTolerance *float64 `json:"dimension_tolerance"`
	StrictEXIFMatch    *bool    `json:"strict_exif_datetime_match"`

	DatetimeToleranceSec *float64 `json:"datetime_tolerance_seconds"`
	CameraModelCheck     *bool    `json:"camera_model_check"`

	SkipRaw  *bool `json:"skip_raw"`
	SkipTIFF *bool `json:"skip_tiff"`
}

// Get handles GET /api/config.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	writeJSON(w, http.StatusOK, h.Cfg)
}

// Update handles PATCH /api/config. The patch is applied to a copy first;
// only a copy that validates replaces the live settings and reaches disk.
func (h *ConfigHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	next := *h.Cfg
	if patch.Preset != nil {
		next = config.ApplyPreset(next, config.Preset(*patch.Preset))
	}
	if patch.Roots != nil {
		next.Roots = patch.Roots
	}
	if patch.IncludePatterns != nil {
		next.IncludePatterns = patch.IncludePatterns
	}
	if patch.ExcludePatterns != nil {
		next.ExcludePatterns = patch.ExcludePatterns
	}
	if patch.Schedule != nil {
		next.Schedule = *patch.Schedule
	}
	if patch.ThreadCap != nil {
		next.Concurrency.ThreadCap = *patch.ThreadCap
	}
	if patch.IOThrottleOpsPerSec != nil {
		next.Concurrency.IOThrottleOpsPerSec = *patch.IOThrottleOpsPerSec
	}
	if patch.PHashThreshold != nil {
		next.Hashing.PHashThreshold = *patch.PHashThreshold
	}
	if patch.StrongHashConfirmation != nil {
		next.Hashing.StrongHashConfirmation = *patch.StrongHashConfirmation
	}
	if patch.DimensionTolerance != nil {
		next.Grouping.DimensionTolerance = *patch.DimensionTolerance
	}
	if patch.StrictEXIFMatch != nil {
		next.Grouping.StrictEXIFMatch = *patch.StrictEXIFMatch
	}
	if patch.DatetimeToleranceSec != nil {
		next.Escalation.DatetimeToleranceSec = *patch.DatetimeToleranceSec
	}
	if patch.CameraModelCheck != nil {
		next.Escalation.CameraModelCheck = *patch.CameraModelCheck
	}
	if patch.SkipRaw != nil {
		next.Formats.SkipRaw = *patch.SkipRaw
	}
	if patch.SkipTIFF != nil {
		next.Formats.SkipTIFF = *patch.SkipTIFF
	}

	// Any explicit tunable change on top of a named preset makes it custom.
	if patch.Preset == nil && patchTouchesPresetFields(patch) {
		next.Preset = config.PresetCustom
	}

	if err := next.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
		return
	}

	if h.Path != "" {
		data, err := yaml.Marshal(&next)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			return
		}
		if err := os.WriteFile(h.Path, data, 0o644); err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			return
		}
	}

	*h.Cfg = next
	if h.OnChange != nil {
		h.OnChange(next)
	}

	writeJSON(w, http.StatusOK, h.Cfg)
}

func patchTouchesPresetFields(p ConfigPatch) bool {
	return p.ThreadCap != nil || p.IOThrottleOpsPerSec != nil ||
		p.PHashThreshold != nil || p.SkipRaw != nil || p.SkipTIFF != nil
}
