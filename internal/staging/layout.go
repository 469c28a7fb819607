// Package staging implements the directory-as-state layout of the pipeline.
//
// Every state transition of a file is a single os.Rename between staging
// directories, so a file is visible in exactly one directory at any instant.
// That only holds when all directories live on one storage volume; Layout
// checks this at startup and Claim refuses to emulate a cross-device move.
package staging

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/amillerrr/reel-pipeline/internal/config"
)

// Layout names the staging directories.
type Layout struct {
	Inbox   string
	Work    string
	Ready   string
	Archive string
	Failed  string
	Temp    string
}

// NewLayout builds a Layout from resolved configuration.
func NewLayout(dirs config.DirsConfig) Layout {
	return Layout{
		Inbox:   dirs.Inbox,
		Work:    dirs.Work,
		Ready:   dirs.Ready,
		Archive: dirs.Archive,
		Failed:  dirs.Failed,
		Temp:    dirs.Temp,
	}
}

// All returns every staging directory.
func (l Layout) All() []string {
	return []string{l.Inbox, l.Work, l.Ready, l.Archive, l.Failed, l.Temp}
}

// Ensure creates any missing staging directory.
func (l Layout) Ensure() error {
	for _, dir := range l.All() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create staging dir %s: %w", dir, err)
		}
	}
	return nil
}

// CheckWritable verifies each directory accepts new files.
func (l Layout) CheckWritable() error {
	for _, dir := range l.All() {
		f, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			return fmt.Errorf("staging dir %s not writable: %w", dir, err)
		}
		name := f.Name()
		_ = f.Close()
		if err := os.Remove(name); err != nil {
			return fmt.Errorf("staging dir %s: remove probe: %w", dir, err)
		}
	}
	return nil
}

// ListImages returns the supported image files directly inside dir.
// Dot-files are skipped because the pipeline reserves hidden names for
// in-progress writes. Symlinks are skipped too: a claim renames the link,
// not its target, and a relative link would dangle once moved to work.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() || isHidden(e.Name()) {
			continue
		}
		if isSupported(e.Name()) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}
