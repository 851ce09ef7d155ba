package media

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// Meta is the metadata subset grouping and escalation consume. All EXIF
// fields are optional; files with no EXIF block yield dimensions only.
type Meta struct {
	Width  int
	Height int

	TakenAt     *time.Time // capture time, sub-second where the camera wrote it
	CameraMake  string
	CameraModel string
	Orientation int // EXIF orientation value, 1 when absent
}

// ExtractMeta reads dimensions and the EXIF subset from the file at path.
// Missing EXIF data is not an error.
func ExtractMeta(path string) (Meta, error) {
	meta := Meta{Orientation: 1}

	f, err := os.Open(path)
	if err != nil {
		return meta, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	// Header-only decode for native dimensions — no full pixel decode.
	if cfg, _, err := image.DecodeConfig(f); err == nil {
		meta.Width = cfg.Width
		meta.Height = cfg.Height
	}

	if _, err := f.Seek(0, 0); err != nil {
		return meta, nil
	}
	x, err := exif.Decode(f)
	if err != nil {
		return meta, nil // no EXIF block
	}

	meta.CameraMake = exifString(x, exif.Make)
	meta.CameraModel = exifString(x, exif.Model)

	if v := exifString(x, exif.Orientation); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= 8 {
			meta.Orientation = n
		}
	}

	if t, err := x.DateTime(); err == nil {
		t = withSubSec(x, t)
		meta.TakenAt = &t
	}

	return meta, nil
}

// withSubSec refines a whole-second EXIF timestamp with the camera's
// SubSecTimeOriginal fraction when present.
func withSubSec(x *exif.Exif, t time.Time) time.Time {
	if t.Nanosecond() != 0 {
		return t
	}
	frac := exifString(x, exif.SubSecTimeOriginal)
	if frac == "" {
		frac = exifString(x, exif.SubSecTime)
	}
	if frac == "" {
		return t
	}
	digits := strings.TrimSpace(frac)
	if len(digits) > 9 {
		digits = digits[:9]
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return t
	}
	for i := len(digits); i < 9; i++ {
		n *= 10
	}
	return t.Add(time.Duration(n) * time.Nanosecond)
}

func exifString(x *exif.Exif, field exif.FieldName) string {
	tag, err := x.Get(field)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		// Orientation and the sub-second fields are SHORT/ASCII depending on
		// the writer; fall back to the raw tag rendering.
		return strings.Trim(tag.String(), "\"")
	}
	return strings.TrimSpace(s)
}
