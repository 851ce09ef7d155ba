package feature_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/photodup/photodup/internal/config"
	"github.com/photodup/photodup/internal/db"
	"github.com/photodup/photodup/internal/feature"
	"github.com/photodup/photodup/internal/store"
)

func newStore(tb testing.TB) *store.Store {
	tb.Helper()
	database, err := db.Open(filepath.Join(tb.TempDir(), "test.db"))
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { database.Close() })
	if err := db.RunMigrations(database); err != nil {
		tb.Fatal(err)
	}
	return store.New(database)
}

func writePNG(tb testing.TB, path string, side int) {
	tb.Helper()
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			img.Set(x, y, color.RGBA{uint8((x ^ y) * 9), uint8(x * 3), uint8(y * 3), 255})
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

func insertFile(tb testing.TB, st *store.Store, path string) store.File {
	tb.Helper()
	info, err := os.Stat(path)
	if err != nil {
		tb.Fatal(err)
	}
	id, err := st.InsertFile(path, info.Size(), info.ModTime())
	if err != nil {
		tb.Fatal(err)
	}
	f, err := st.FileByID(id)
	if err != nil {
		tb.Fatal(err)
	}
	return f
}

func TestExtractComputesFeatureRow(t *testing.T) {
	st := newStore(t)
	cfg := config.Default()
	ext := feature.New(st, &cfg)

	dir := t.TempDir()
	path := filepath.Join(dir, "photo.png")
	writePNG(t, path, 64)
	f := insertFile(t, st, path)

	if err := ext.Extract(context.Background(), f); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	ft, err := st.FeatureByFileID(f.ID)
	if err != nil {
		t.Fatalf("FeatureByFileID: %v", err)
	}
	if ft.PHash == nil || ft.DHash == nil || ft.AHash == nil {
		t.Errorf("perceptual hashes = %v/%v/%v, want all non-nil", ft.PHash, ft.DHash, ft.AHash)
	}
	if ft.Width != 64 || ft.Height != 64 {
		t.Errorf("dimensions = %dx%d, want 64x64", ft.Width, ft.Height)
	}

	got, err := st.FileByID(f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FastHash == nil {
		t.Error("fast hash not persisted")
	}
}

func TestExtractIdenticalFilesSameHashes(t *testing.T) {
	st := newStore(t)
	cfg := config.Default()
	ext := feature.New(st, &cfg)

	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), 64)
	data, err := os.ReadFile(filepath.Join(dir, "a.png"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.png"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	a := insertFile(t, st, filepath.Join(dir, "a.png"))
	b := insertFile(t, st, filepath.Join(dir, "b.png"))
	for _, f := range []store.File{a, b} {
		if err := ext.Extract(context.Background(), f); err != nil {
			t.Fatalf("Extract %s: %v", f.Path, err)
		}
	}

	fa, _ := st.FileByID(a.ID)
	fb, _ := st.FileByID(b.ID)
	if fa.FastHash == nil || fb.FastHash == nil || *fa.FastHash != *fb.FastHash {
		t.Errorf("fast hashes differ for identical bytes: %v vs %v", fa.FastHash, fb.FastHash)
	}

	fta, _ := st.FeatureByFileID(a.ID)
	ftb, _ := st.FeatureByFileID(b.ID)
	if fta.PHash == nil || ftb.PHash == nil || *fta.PHash != *ftb.PHash {
		t.Errorf("phashes differ for identical bytes: %v vs %v", fta.PHash, ftb.PHash)
	}
}

func TestExtractCorruptFileUnprocessable(t *testing.T) {
	st := newStore(t)
	cfg := config.Default()
	ext := feature.New(st, &cfg)

	path := filepath.Join(t.TempDir(), "broken.jpg")
	if err := os.WriteFile(path, []byte("definitely not a jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := insertFile(t, st, path)

	err := ext.Extract(context.Background(), f)
	if !errors.Is(err, feature.ErrUnprocessable) {
		t.Fatalf("Extract err = %v, want ErrUnprocessable", err)
	}

	got, err := st.FileByID(f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.FileUnprocessable {
		t.Errorf("status = %q, want unprocessable", got.Status)
	}
}

func TestExtractSkippedRawUnprocessable(t *testing.T) {
	st := newStore(t)
	cfg := config.Default()
	cfg.Formats.SkipRaw = true
	ext := feature.New(st, &cfg)

	path := filepath.Join(t.TempDir(), "photo.cr2")
	if err := os.WriteFile(path, []byte("raw bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := insertFile(t, st, path)

	if err := ext.Extract(context.Background(), f); !errors.Is(err, feature.ErrUnprocessable) {
		t.Fatalf("Extract err = %v, want ErrUnprocessable", err)
	}
}

func TestStrongHash(t *testing.T) {
	st := newStore(t)
	cfg := config.Default()
	ext := feature.New(st, &cfg)

	path := filepath.Join(t.TempDir(), "data.png")
	content := []byte("some stable content")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	id, err := st.InsertFile(path, int64(len(content)), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	f, err := st.FileByID(id)
	if err != nil {
		t.Fatal(err)
	}

	digest, err := ext.StrongHash(context.Background(), f)
	if err != nil {
		t.Fatalf("StrongHash: %v", err)
	}
	sum := sha256.Sum256(content)
	if want := hex.EncodeToString(sum[:]); digest != want {
		t.Errorf("digest = %s, want %s", digest, want)
	}

	got, err := st.FileByID(f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.StrongHash != digest {
		t.Errorf("persisted strong hash = %q, want %q", got.StrongHash, digest)
	}
}

func TestStrongHashMissingFile(t *testing.T) {
	st := newStore(t)
	cfg := config.Default()
	ext := feature.New(st, &cfg)

	id, err := st.InsertFile("/nonexistent/gone.png", 10, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	f, err := st.FileByID(id)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ext.StrongHash(context.Background(), f); err == nil {
		t.Error("expected error for a missing file")
	}
}
