// Package watcher detects finished uploads in the inbox by polling file sizes.
//
// A file is considered complete once its size is non-zero and unchanged for
// a number of consecutive polls. Polling needs no filesystem-specific change
// notifications and tolerates slow, chunked writes such as network copies.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/amillerrr/reel-pipeline/internal/logger"
	"github.com/amillerrr/reel-pipeline/internal/metrics"
	"github.com/amillerrr/reel-pipeline/internal/staging"
	"github.com/amillerrr/reel-pipeline/pkg/models"
)

// Defaults
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultStableTicks  = 3
)

// Ingester claims a stable file and hands it to the queue.
type Ingester interface {
	Ingest(ctx context.Context, src string, origin models.Origin, temporary bool) (models.Job, error)
}

type trackedFile struct {
	size   int64
	stable int
}

// Watcher polls one directory. The tracking map is owned by the goroutine
// calling Run or ScanOnce and is never shared.
type Watcher struct {
	dir       string
	interval  time.Duration
	threshold int
	ingest    Ingester
	log       *slog.Logger

	tracked map[string]*trackedFile
}

// Config holds watcher dependencies.
type Config struct {
	Dir          string
	PollInterval time.Duration
	StableTicks  int
	Ingester     Ingester
	Logger       *slog.Logger
}

// New creates a Watcher.
func New(cfg *Config) *Watcher {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	threshold := cfg.StableTicks
	if threshold <= 0 {
		threshold = DefaultStableTicks
	}
	return &Watcher{
		dir:       cfg.Dir,
		interval:  interval,
		threshold: threshold,
		ingest:    cfg.Ingester,
		log:       cfg.Logger,
		tracked:   make(map[string]*trackedFile),
	}
}

// Run polls until ctx is cancelled. Scan errors are logged and never stop the loop.
func (w *Watcher) Run(ctx context.Context) {
	logger.Info(ctx, w.log, "Polling watcher started",
		"dir", w.dir,
		"interval", w.interval.String(),
		"stableTicks", w.threshold,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.safeScan(ctx); err != nil {
			metrics.ScanErrors.Inc()
			logger.Error(ctx, w.log, "Watcher scan failed", "error", err)
		}

		select {
		case <-ctx.Done():
			logger.Info(ctx, w.log, "Polling watcher stopped")
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) safeScan(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan panic: %v", r)
		}
	}()
	return w.ScanOnce(ctx)
}

// ScanOnce performs one poll tick.
func (w *Watcher) ScanOnce(ctx context.Context) error {
	paths, err := staging.ListImages(w.dir)
	if err != nil {
		return fmt.Errorf("list inbox: %w", err)
	}

	for _, p := range paths {
		if ctx.Err() != nil {
			return nil
		}
		w.tick(ctx, p)
	}

	for p := range w.tracked {
		if _, err := os.Lstat(p); errors.Is(err, fs.ErrNotExist) {
			delete(w.tracked, p)
		}
	}
	metrics.FilesTracked.Set(float64(len(w.tracked)))

	return nil
}

func (w *Watcher) tick(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn(ctx, w.log, "Stat failed", "file", filepath.Base(path), "error", err)
		}
		return
	}
	size := info.Size()

	rec, ok := w.tracked[path]
	if !ok {
		w.tracked[path] = &trackedFile{size: size}
		return
	}

	// zero bytes never counts as stable: the writer may not have started yet
	if size == rec.size && size > 0 {
		rec.stable++
	} else {
		rec.size = size
		rec.stable = 0
	}

	if rec.stable < w.threshold {
		return
	}

	delete(w.tracked, path)
	logger.Info(ctx, w.log, "File stable, claiming", "file", filepath.Base(path), "sizeBytes", size)

	// on failure the file is rediscovered on the next scan if still present
	_, _ = w.ingest.Ingest(ctx, path, models.OriginWatcher, false)
}

// Tracked returns the number of files under observation.
func (w *Watcher) Tracked() int {
	return len(w.tracked)
}
