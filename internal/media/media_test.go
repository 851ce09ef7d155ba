package media

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path string
		want Format
	}{
		{"/p/a.jpg", FormatJPEG},
		{"/p/a.JPEG", FormatJPEG},
		{"/p/a.png", FormatPNG},
		{"/p/a.webp", FormatWEBP},
		{"/p/a.tif", FormatTIFF},
		{"/p/a.tiff", FormatTIFF},
		{"/p/a.CR2", FormatRAW},
		{"/p/a.nef", FormatRAW},
		{"/p/a.dng", FormatRAW},
		{"/p/a.txt", FormatOther},
		{"/p/noext", FormatOther},
	}
	for _, tt := range tests {
		if got := DetectFormat(tt.path); got != tt.want {
			t.Errorf("DetectFormat(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestFormatPriorityOrder(t *testing.T) {
	// Ties in original selection break toward the richer source format.
	order := []Format{FormatRAW, FormatTIFF, FormatPNG, FormatJPEG, FormatWEBP, FormatOther}
	for i := 1; i < len(order); i++ {
		if order[i-1].Priority() >= order[i].Priority() {
			t.Errorf("%v priority %d should beat %v priority %d",
				order[i-1], order[i-1].Priority(), order[i], order[i].Priority())
		}
	}
}

func TestCheckFormatPolicy(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		policy  Policy
		wantErr bool
	}{
		{"jpeg always passes", "a.jpg", Policy{SkipRaw: true, SkipTIFF: true}, false},
		{"raw skipped", "a.cr2", Policy{SkipRaw: true}, true},
		{"raw without decoder", "a.cr2", Policy{}, true},
		{"tiff skipped", "a.tif", Policy{SkipTIFF: true}, true},
		{"tiff without decoder", "a.tif", Policy{}, true},
		{"unknown extension", "a.bin", Policy{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckFormat(tt.path, tt.policy)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckFormat(%q, %+v) error = %v, wantErr %v", tt.path, tt.policy, err, tt.wantErr)
			}
			if err != nil {
				var uf *ErrUnsupportedFormat
				if !errors.As(err, &uf) {
					t.Errorf("error type = %T, want *ErrUnsupportedFormat", err)
				}
			}
		})
	}
}

func writeTestPNG(tb testing.TB, path string, w, h int) {
	tb.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 7), uint8(y * 5), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		tb.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		tb.Fatal(err)
	}
}

func TestDecodeBoundedDownscales(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.png")
	writeTestPNG(t, path, 600, 300)

	img, err := DecodeBounded(path, 128)
	if err != nil {
		t.Fatalf("DecodeBounded: %v", err)
	}
	b := img.Bounds()
	if b.Dx() > 128 || b.Dy() > 128 {
		t.Errorf("bounds = %dx%d, want both sides <= 128", b.Dx(), b.Dy())
	}
	// Aspect ratio roughly preserved (2:1).
	if b.Dx() < b.Dy() {
		t.Errorf("landscape source became portrait: %dx%d", b.Dx(), b.Dy())
	}
}

func TestDecodeBoundedKeepsSmallImages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.png")
	writeTestPNG(t, path, 40, 30)

	img, err := DecodeBounded(path, 128)
	if err != nil {
		t.Fatalf("DecodeBounded: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 40 || b.Dy() != 30 {
		t.Errorf("bounds = %dx%d, want 40x30 untouched", b.Dx(), b.Dy())
	}
}

func TestDimensions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dims.png")
	writeTestPNG(t, path, 123, 45)

	w, h, err := Dimensions(path)
	if err != nil {
		t.Fatalf("Dimensions: %v", err)
	}
	if w != 123 || h != 45 {
		t.Errorf("Dimensions = %dx%d, want 123x45", w, h)
	}
}

func TestContentType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"a.png", "image/png"},
		{"a.bin", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := ContentType(tt.path); got != tt.want {
			t.Errorf("ContentType(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestThumbnail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "src.png")
	writeTestPNG(t, path, 800, 400)

	data, err := Thumbnail(path, 200, 200)
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	if data == nil {
		t.Fatal("Thumbnail returned nil for a decodable image")
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	b := img.Bounds()
	if b.Dx() > 200 || b.Dy() > 200 {
		t.Errorf("thumbnail bounds = %dx%d, want both <= 200", b.Dx(), b.Dy())
	}
}

func TestThumbnailUndecodableFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photo.cr2")
	if err := os.WriteFile(path, []byte("not really raw"), 0o644); err != nil {
		t.Fatal(err)
	}

	data, err := Thumbnail(path, 200, 200)
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	if data != nil {
		t.Error("expected nil thumbnail for a format without a decoder")
	}
}
