// Package media classifies image files, decodes them within a bounded pixel
// budget, and extracts the EXIF subset the grouping pipeline consumes.
package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Format is the image family of a file, ordered by original-selection
// priority: when everything else ties, a RAW beats a TIFF beats a PNG, and
// so on down to OTHER.
type Format int

const (
	FormatRAW Format = iota + 1
	FormatTIFF
	FormatPNG
	FormatJPEG
	FormatWEBP
	FormatOther
)

func (f Format) String() string {
	switch f {
	case FormatRAW:
		return "raw"
	case FormatTIFF:
		return "tiff"
	case FormatPNG:
		return "png"
	case FormatJPEG:
		return "jpeg"
	case FormatWEBP:
		return "webp"
	}
	return "other"
}

// Priority returns the original-selection ordinal; smaller wins.
func (f Format) Priority() int { return int(f) }

var rawExts = map[string]bool{
	".cr2": true, ".cr3": true, ".nef": true, ".arw": true, ".dng": true,
	".orf": true, ".rw2": true, ".raf": true, ".pef": true, ".srw": true,
}

var decodableExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

// DetectFormat classifies a path by extension.
func DetectFormat(path string) Format {
	switch ext := strings.ToLower(filepath.Ext(path)); {
	case rawExts[ext]:
		return FormatRAW
	case ext == ".tif" || ext == ".tiff":
		return FormatTIFF
	case ext == ".png":
		return FormatPNG
	case ext == ".jpg" || ext == ".jpeg":
		return FormatJPEG
	case ext == ".webp":
		return FormatWEBP
	default:
		return FormatOther
	}
}

// ErrUnsupportedFormat reports a file rejected before decoding, either
// because no pure-Go decoder exists for it or because the format policy
// skips its family.
type ErrUnsupportedFormat struct {
	Path   string
	Format Format
	Reason string
}

func (e *ErrUnsupportedFormat) Error() string {
	return fmt.Sprintf("unsupported format %s (%s): %s", e.Format, e.Path, e.Reason)
}

// Policy mirrors the format-policy settings.
type Policy struct {
	SkipRaw  bool
	SkipTIFF bool
}

// CheckFormat applies the policy and decoder support before any file I/O.
func CheckFormat(path string, p Policy) error {
	f := DetectFormat(path)
	switch {
	case f == FormatRAW && p.SkipRaw:
		return &ErrUnsupportedFormat{Path: path, Format: f, Reason: "raw formats skipped"}
	case f == FormatTIFF && p.SkipTIFF:
		return &ErrUnsupportedFormat{Path: path, Format: f, Reason: "tiff formats skipped"}
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !decodableExts[ext] {
		return &ErrUnsupportedFormat{Path: path, Format: f, Reason: "no decoder"}
	}
	return nil
}

// DecodeBounded decodes the image at path, honouring EXIF orientation, and
// downscales it so neither side exceeds maxSide. The small result feeds the
// perceptual hashers, which never need full resolution.
func DecodeBounded(path string, maxSide int) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", path, err)
	}
	b := img.Bounds()
	if b.Dx() <= maxSide && b.Dy() <= maxSide {
		return img, nil
	}
	return imaging.Fit(img, maxSide, maxSide, imaging.Lanczos), nil
}

// Dimensions reads the native pixel dimensions from the image header only.
func Dimensions(path string) (width, height int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode config %q: %w", path, err)
	}
	return cfg.Width, cfg.Height, nil
}

// ContentType returns the MIME content type for the file based on its
// extension, defaulting to application/octet-stream.
func ContentType(path string) string {
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

// Thumbnail renders a JPEG thumbnail fitting width x height, preserving the
// aspect ratio. Returns nil, nil for formats without a pure-Go decoder so
// the API can fall back to a placeholder.
func Thumbnail(path string, width, height int) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !decodableExts[ext] {
		return nil, nil
	}

	src, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		// Treat decode errors as "can't thumbnail" rather than hard errors.
		return nil, nil
	}

	thumb := resizeFit(src, width, height)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// resizeFit scales src to fit within the dstW x dstH bounding box,
// preserving the aspect ratio, using BiLinear interpolation. Never upscales.
func resizeFit(src image.Image, dstW, dstH int) image.Image {
	srcBounds := src.Bounds()
	srcW := srcBounds.Dx()
	srcH := srcBounds.Dy()

	if srcW == 0 || srcH == 0 {
		return src
	}

	scaleW := float64(dstW) / float64(srcW)
	scaleH := float64(dstH) / float64(srcH)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}
	if scale >= 1.0 {
		return src
	}

	newW := int(float64(srcW) * scale)
	newH := int(float64(srcH) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, srcBounds, draw.Over, nil)
	return dst
}
