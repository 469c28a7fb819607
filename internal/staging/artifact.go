package staging

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/amillerrr/reel-pipeline/pkg/models"
)

// ArtifactPath returns where the encoded video for a work file lands in ready.
// The work file name carries the job ID, so the artifact does too.
func ArtifactPath(readyDir, workPath string) string {
	base := filepath.Base(workPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(readyDir, stem+ArtifactExt)
}

// PartialArtifactPath is the hidden sibling ffmpeg writes to before the
// finished artifact is renamed into place.
func PartialArtifactPath(artifactPath string) string {
	dir, base := filepath.Split(artifactPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, "."+stem+".part"+ArtifactExt)
}

// NewestArtifact returns the most recently modified artifact in readyDir
// whose modification time lies within window of now.
func NewestArtifact(readyDir string, window time.Duration, now time.Time) (string, time.Time, error) {
	entries, err := os.ReadDir(readyDir)
	if err != nil {
		return "", time.Time{}, err
	}

	var newest string
	var newestMod time.Time
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || isHidden(name) || !strings.EqualFold(filepath.Ext(name), ArtifactExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if now.Sub(mod) > window {
			continue
		}
		if newest == "" || mod.After(newestMod) {
			newest, newestMod = filepath.Join(readyDir, name), mod
		}
	}

	if newest == "" {
		return "", time.Time{}, models.ErrNoArtifact
	}
	return newest, newestMod, nil
}
