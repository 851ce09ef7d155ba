// Package config loads the YAML settings document and materialises the
// immutable per-run Settings snapshot, including the four performance
// presets. Unknown keys and unknown preset names are rejected at load time.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Preset names a performance profile. Switching a preset replaces every
// preset-owned field atomically; Custom leaves user values untouched.
type Preset string

const (
	PresetUltraLite Preset = "ultra_lite"
	PresetBalanced  Preset = "balanced"
	PresetAccurate  Preset = "accurate"
	PresetCustom    Preset = "custom"
)

// Settings holds all configuration consumed by the pipeline. A Settings value
// handed to a run is a snapshot: components never observe mid-run changes.
type Settings struct {
	Roots           []string `yaml:"roots"            json:"roots"`
	IncludePatterns []string `yaml:"include_patterns" json:"include_patterns"`
	ExcludePatterns []string `yaml:"exclude_patterns" json:"exclude_patterns"`

	DBPath   string `yaml:"db_path"   json:"-"`
	CacheDir string `yaml:"cache_dir" json:"-"`
	HTTPAddr string `yaml:"http_addr" json:"-"`
	LogLevel string `yaml:"log_level" json:"-"`
	Schedule string `yaml:"schedule"  json:"schedule"`

	Preset Preset `yaml:"preset" json:"preset"`

	Concurrency Concurrency `yaml:"concurrency" json:"concurrency"`
	Batch       Batch       `yaml:"batch"       json:"batch"`
	Hashing     Hashing     `yaml:"hashing"     json:"hashing"`
	Grouping    Grouping    `yaml:"grouping"    json:"grouping"`
	Escalation  Escalation  `yaml:"escalation"  json:"escalation"`
	Formats     Formats     `yaml:"formats"     json:"formats"`
}

// Concurrency tunes the worker pool.
type Concurrency struct {
	ThreadCap            int     `yaml:"thread_cap"                 json:"thread_cap"`
	IOThrottleOpsPerSec  float64 `yaml:"io_throttle_ops_per_sec"    json:"io_throttle_ops_per_sec"`
	BackOffEnabled       bool    `yaml:"back_off_enabled"           json:"back_off_enabled"`
	InteractionThreshold int     `yaml:"interaction_threshold"      json:"interaction_threshold"`
	InteractionWindowSec float64 `yaml:"interaction_window_seconds" json:"interaction_window_seconds"`
	BackOffDurationSec   float64 `yaml:"back_off_duration_seconds"  json:"back_off_duration_seconds"`
}

// Batch sizes for the pipeline stages.
type Batch struct {
	Scanning   int `yaml:"scanning"   json:"scanning"`
	Hashing    int `yaml:"hashing"    json:"hashing"`
	Thumbnails int `yaml:"thumbnails" json:"thumbnails"`
}

// Hashing holds near-duplicate thresholds (Hamming distance per hash kind)
// and the strong-hash confirmation switch.
type Hashing struct {
	PHashThreshold         int  `yaml:"phash_threshold"          json:"phash_threshold"`
	DHashThreshold         int  `yaml:"dhash_threshold"          json:"dhash_threshold"`
	AHashThreshold         int  `yaml:"ahash_threshold"          json:"ahash_threshold"`
	StrongHashConfirmation bool `yaml:"strong_hash_confirmation" json:"strong_hash_confirmation"`
	FeatureMatchFallback   bool `yaml:"feature_match_fallback"   json:"feature_match_fallback"`
	MaxDecodeSide          int  `yaml:"max_decode_side"          json:"max_decode_side"`
}

// Grouping tunes the near-duplicate filters.
type Grouping struct {
	DimensionTolerance float64 `yaml:"dimension_tolerance"        json:"dimension_tolerance"`
	StrictEXIFMatch    bool    `yaml:"strict_exif_datetime_match" json:"strict_exif_datetime_match"`
}

// Escalation tunes the safe-duplicate predicates.
type Escalation struct {
	DatetimeToleranceSec float64 `yaml:"datetime_tolerance_seconds" json:"datetime_tolerance_seconds"`
	CameraModelCheck     bool    `yaml:"camera_model_check"         json:"camera_model_check"`
}

// Formats controls which image families are rejected before decoding.
type Formats struct {
	SkipRaw  bool `yaml:"skip_raw"  json:"skip_raw"`
	SkipTIFF bool `yaml:"skip_tiff" json:"skip_tiff"`
}

// applyDefaults fills zero/empty fields with the Balanced-preset defaults.
func (s *Settings) applyDefaults() {
	if len(s.IncludePatterns) == 0 {
		s.IncludePatterns = []string{
			"**/*.jpg", "**/*.jpeg", "**/*.png", "**/*.gif", "**/*.webp",
			"**/*.tif", "**/*.tiff", "**/*.bmp",
			"**/*.cr2", "**/*.nef", "**/*.arw", "**/*.dng", "**/*.orf", "**/*.rw2",
		}
	}
	if s.DBPath == "" {
		s.DBPath = "/data/photodup.db"
	}
	if s.CacheDir == "" {
		s.CacheDir = "/data/cache"
	}
	if s.HTTPAddr == "" {
		s.HTTPAddr = ":8080"
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.Schedule == "" {
		s.Schedule = "0 2 * * 0"
	}
	if s.Preset == "" {
		s.Preset = PresetBalanced
	}
	if s.Concurrency.ThreadCap == 0 {
		s.Concurrency.ThreadCap = 4
	}
	if s.Concurrency.InteractionThreshold == 0 {
		s.Concurrency.InteractionThreshold = 3
	}
	if s.Concurrency.InteractionWindowSec == 0 {
		s.Concurrency.InteractionWindowSec = 1.0
	}
	if s.Concurrency.BackOffDurationSec == 0 {
		s.Concurrency.BackOffDurationSec = 2.0
	}
	if s.Batch.Scanning == 0 {
		s.Batch.Scanning = 100
	}
	if s.Batch.Hashing == 0 {
		s.Batch.Hashing = 50
	}
	if s.Batch.Thumbnails == 0 {
		s.Batch.Thumbnails = 25
	}
	if s.Hashing.PHashThreshold == 0 {
		s.Hashing.PHashThreshold = 8
	}
	if s.Hashing.DHashThreshold == 0 {
		s.Hashing.DHashThreshold = 8
	}
	if s.Hashing.AHashThreshold == 0 {
		s.Hashing.AHashThreshold = 10
	}
	if s.Hashing.MaxDecodeSide == 0 {
		s.Hashing.MaxDecodeSide = 256
	}
	if s.Grouping.DimensionTolerance == 0 {
		s.Grouping.DimensionTolerance = 0.10
	}
	if s.Escalation.DatetimeToleranceSec == 0 {
		s.Escalation.DatetimeToleranceSec = 2.0
	}
}

// Load reads and parses the YAML settings document at path. A missing file
// yields the Balanced defaults so the server can start without one.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s := Default()
		return &s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML settings document, rejecting unknown keys.
func Parse(data []byte) (*Settings, error) {
	var s Settings
	// Boolean knobs default to true; yaml cannot distinguish "absent" from
	// "false" on plain bools, so pre-seed and let the document override.
	s.Concurrency.BackOffEnabled = true
	s.Hashing.StrongHashConfirmation = true
	s.Escalation.CameraModelCheck = true

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	s.applyDefaults()
	s = ApplyPreset(s, s.Preset)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Default returns the Balanced-preset settings.
func Default() Settings {
	s := Settings{}
	s.Concurrency.BackOffEnabled = true
	s.Hashing.StrongHashConfirmation = true
	s.Escalation.CameraModelCheck = true
	s.applyDefaults()
	return ApplyPreset(s, PresetBalanced)
}

// ApplyPreset returns a copy of s with every preset-owned field replaced by
// the named preset's values. Custom keeps the user's values as-is.
func ApplyPreset(s Settings, p Preset) Settings {
	s.Preset = p
	switch p {
	case PresetUltraLite:
		s.Concurrency.ThreadCap = 2
		s.Concurrency.IOThrottleOpsPerSec = 1.0
		s.Hashing.PHashThreshold = 6
		s.Hashing.MaxDecodeSide = 128
		s.Hashing.FeatureMatchFallback = false
		s.Formats.SkipRaw = true
		s.Formats.SkipTIFF = true
	case PresetBalanced:
		s.Concurrency.ThreadCap = 4
		s.Concurrency.IOThrottleOpsPerSec = 0.5
		s.Hashing.PHashThreshold = 8
		s.Hashing.MaxDecodeSide = 256
		s.Hashing.FeatureMatchFallback = false
		s.Formats.SkipRaw = true
		s.Formats.SkipTIFF = false
	case PresetAccurate:
		s.Concurrency.ThreadCap = 8
		s.Concurrency.IOThrottleOpsPerSec = 0
		s.Hashing.PHashThreshold = 8
		s.Hashing.MaxDecodeSide = 512
		s.Hashing.FeatureMatchFallback = true
		s.Formats.SkipRaw = false
		s.Formats.SkipTIFF = false
	case PresetCustom:
		// User-owned values stand.
	}
	return s
}

// Validate rejects malformed settings before a pipeline run starts.
func (s *Settings) Validate() error {
	switch s.Preset {
	case PresetUltraLite, PresetBalanced, PresetAccurate, PresetCustom:
	default:
		return fmt.Errorf("unknown preset %q", s.Preset)
	}
	if s.Concurrency.ThreadCap < 1 {
		return fmt.Errorf("thread_cap must be >= 1, got %d", s.Concurrency.ThreadCap)
	}
	if s.Concurrency.IOThrottleOpsPerSec < 0 {
		return fmt.Errorf("io_throttle_ops_per_sec must be >= 0, got %g",
			s.Concurrency.IOThrottleOpsPerSec)
	}
	for name, v := range map[string]int{
		"phash_threshold": s.Hashing.PHashThreshold,
		"dhash_threshold": s.Hashing.DHashThreshold,
		"ahash_threshold": s.Hashing.AHashThreshold,
	} {
		if v < 0 || v > 64 {
			return fmt.Errorf("%s must be in [0,64], got %d", name, v)
		}
	}
	if s.Grouping.DimensionTolerance < 0 || s.Grouping.DimensionTolerance > 1 {
		return fmt.Errorf("dimension_tolerance must be in [0,1], got %g",
			s.Grouping.DimensionTolerance)
	}
	if s.Escalation.DatetimeToleranceSec < 0 {
		return fmt.Errorf("datetime_tolerance_seconds must be >= 0, got %g",
			s.Escalation.DatetimeToleranceSec)
	}
	if s.Hashing.MaxDecodeSide < 16 {
		return fmt.Errorf("max_decode_side must be >= 16, got %d", s.Hashing.MaxDecodeSide)
	}
	return nil
}
