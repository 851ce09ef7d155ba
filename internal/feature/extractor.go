// Package feature computes the per-file fingerprints: a fast 64-bit content
// hash over the raw bytes, three 64-bit perceptual hashes over a bounded
// decode, and the EXIF subset. The strong 256-bit hash is computed lazily,
// only when exact-bucket confirmation asks for it.
package feature

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/corona10/goimagehash"
	"github.com/sethvargo/go-retry"

	"github.com/photodup/photodup/internal/config"
	"github.com/photodup/photodup/internal/media"
	"github.com/photodup/photodup/internal/store"
)

// ErrUnprocessable wraps a decode or format failure: the file is recorded on
// its row and skipped by grouping until its size or mtime changes.
var ErrUnprocessable = errors.New("feature: unprocessable file")

const ioAttempts = 3

// Extractor computes and persists Feature rows.
type Extractor struct {
	store    *store.Store
	policy   media.Policy
	maxSide  int
}

// New builds an extractor from the run's settings snapshot.
func New(st *store.Store, settings *config.Settings) *Extractor {
	return &Extractor{
		store: st,
		policy: media.Policy{
			SkipRaw:  settings.Formats.SkipRaw,
			SkipTIFF: settings.Formats.SkipTIFF,
		},
		maxSide: settings.Hashing.MaxDecodeSide,
	}
}

// Extract computes the fast hash, perceptual hashes and EXIF subset for one
// file and writes the feature row in a single transaction. A decode or
// format failure returns ErrUnprocessable (wrapped) after flagging the file;
// transient I/O errors are retried a bounded number of times first.
func (e *Extractor) Extract(ctx context.Context, f store.File) error {
	if err := media.CheckFormat(f.Path, e.policy); err != nil {
		return e.unprocessable(f, err)
	}

	fast, err := e.fastHash(ctx, f.Path)
	if err != nil {
		return e.unprocessable(f, err)
	}
	if err := e.store.SetFastHash(f.ID, fast); err != nil {
		return err
	}

	img, err := media.DecodeBounded(f.Path, e.maxSide)
	if err != nil {
		return e.unprocessable(f, err)
	}

	ft := store.Feature{FileID: f.ID, ComputedAt: time.Now()}

	if h, err := goimagehash.PerceptionHash(img); err == nil {
		v := h.GetHash()
		ft.PHash = &v
	}
	if h, err := goimagehash.DifferenceHash(img); err == nil {
		v := h.GetHash()
		ft.DHash = &v
	}
	if h, err := goimagehash.AverageHash(img); err == nil {
		v := h.GetHash()
		ft.AHash = &v
	}
	if ft.PHash == nil && ft.DHash == nil && ft.AHash == nil {
		return e.unprocessable(f, errors.New("no perceptual hash could be computed"))
	}

	meta, err := media.ExtractMeta(f.Path)
	if err != nil {
		return e.unprocessable(f, err)
	}
	ft.Width = meta.Width
	ft.Height = meta.Height
	if ft.Width == 0 || ft.Height == 0 {
		// Orientation was already applied by the bounded decode; fall back to
		// its dimensions when the header read failed.
		b := img.Bounds()
		ft.Width = b.Dx()
		ft.Height = b.Dy()
	}
	ft.TakenAt = meta.TakenAt
	ft.CameraMake = meta.CameraMake
	ft.CameraModel = meta.CameraModel
	ft.Orientation = meta.Orientation

	return e.store.UpsertFeature(ft)
}

// StrongHash computes the full SHA-256 of the file and persists it. Grouping
// calls this lazily for members of ambiguous exact buckets.
func (e *Extractor) StrongHash(ctx context.Context, f store.File) (string, error) {
	var digest string
	err := e.withRetry(ctx, func() error {
		fh, err := os.Open(f.Path)
		if err != nil {
			return err
		}
		defer fh.Close()
		h := sha256.New()
		if _, err := io.Copy(h, fh); err != nil {
			return err
		}
		digest = hex.EncodeToString(h.Sum(nil))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("strong hash %q: %w", f.Path, err)
	}
	if err := e.store.SetStrongHash(f.ID, digest); err != nil {
		return "", err
	}
	return digest, nil
}

// fastHash is xxhash64 over the whole file, retried on transient I/O errors.
func (e *Extractor) fastHash(ctx context.Context, path string) (uint64, error) {
	var sum uint64
	err := e.withRetry(ctx, func() error {
		fh, err := os.Open(path)
		if err != nil {
			return err
		}
		defer fh.Close()
		d := xxhash.New()
		if _, err := io.Copy(d, fh); err != nil {
			return err
		}
		sum = d.Sum64()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("fast hash %q: %w", path, err)
	}
	return sum, nil
}

// withRetry runs fn up to ioAttempts times with fibonacci backoff.
func (e *Extractor) withRetry(ctx context.Context, fn func() error) error {
	b := retry.WithMaxRetries(ioAttempts-1, retry.NewFibonacci(50*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// unprocessable flags the file row and wraps cause in ErrUnprocessable.
func (e *Extractor) unprocessable(f store.File, cause error) error {
	if err := e.store.MarkUnprocessable(f.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrUnprocessable, f.Path, cause)
}
