package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"

	"github.com/amillerrr/reel-pipeline/pkg/models"
)

const (
	// MaxStemLength bounds the original file stem kept in staged names.
	MaxStemLength = 64
	// ArtifactExt is the container extension of encoded artifacts.
	ArtifactExt = ".mp4"

	timestampLayout = "20060102_150405"
	maxNameAttempts = 5
)

// NewID returns a time-sortable identifier that is unique across goroutines.
func NewID() string {
	return ulid.Make().String()
}

// NewName builds "<stem>_<timestamp>_<id><ext>".
func NewName(stem, id, ext string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s%s", sanitizeStem(stem), now.Format(timestampLayout), id, ext)
}

// Claim atomically moves src into dstDir under a fresh unique name and
// returns the new path. The original extension is kept (lower-cased) when
// keepExt is set. On any error src is left where it was.
func Claim(src, dstDir, id string, keepExt bool) (string, error) {
	if id == "" {
		id = NewID()
	}
	base := filepath.Base(src)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if !keepExt {
		ext = ""
	}
	ext = strings.ToLower(ext)

	dst := filepath.Join(dstDir, NewName(stem, id, ext, time.Now()))
	for attempt := 0; exists(dst); attempt++ {
		if attempt >= maxNameAttempts {
			return "", fmt.Errorf("%w: no free name in %s", models.ErrClaimFailed, dstDir)
		}
		dst = filepath.Join(dstDir, NewName(stem, NewID(), ext, time.Now()))
	}

	if err := rename(src, dst); err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrClaimFailed, err)
	}
	return dst, nil
}

// Route moves a processed source into a terminal directory, keeping its
// staged name. An occupied name gets a fresh id suffix; nothing is
// overwritten.
func Route(src, dstDir string) (string, error) {
	base := filepath.Base(src)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	dst := filepath.Join(dstDir, base)
	for attempt := 0; exists(dst); attempt++ {
		if attempt >= maxNameAttempts {
			return "", fmt.Errorf("%w: no free name in %s", models.ErrRouteFailed, dstDir)
		}
		dst = filepath.Join(dstDir, stem+"_"+NewID()+ext)
	}

	if err := rename(src, dst); err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrRouteFailed, err)
	}
	return dst, nil
}

// rename reports ErrSourceMissing only when src is really gone; a missing
// destination directory surfaces as a plain not-exist error.
func rename(src, dst string) error {
	err := os.Rename(src, dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		if exists(src) {
			return fmt.Errorf("destination %s: %w", filepath.Dir(dst), err)
		}
		return fmt.Errorf("%w: %s", models.ErrSourceMissing, src)
	case isCrossDevice(err):
		return fmt.Errorf("%w: %s -> %s", models.ErrCrossDevice, src, filepath.Dir(dst))
	default:
		return err
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func sanitizeStem(stem string) string {
	var b strings.Builder
	n := 0
	for _, r := range stem {
		if n >= MaxStemLength {
			break
		}
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		n++
	}
	if b.Len() == 0 {
		return "image"
	}
	return b.String()
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func isSupported(name string) bool {
	return models.IsSupportedImage(name)
}

// IDFromName extracts the job ID embedded in a staged file name.
func IDFromName(path string) (string, bool) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	idx := strings.LastIndex(stem, "_")
	if idx < 0 {
		return "", false
	}
	id := stem[idx+1:]
	if _, err := ulid.ParseStrict(id); err != nil {
		return "", false
	}
	return id, true
}
