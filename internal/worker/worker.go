// Package worker is the single consumer of the job queue. It encodes each
// claimed image and routes the source to archive or failed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/amillerrr/reel-pipeline/internal/jobs"
	"github.com/amillerrr/reel-pipeline/internal/logger"
	"github.com/amillerrr/reel-pipeline/internal/metrics"
	"github.com/amillerrr/reel-pipeline/internal/staging"
	"github.com/amillerrr/reel-pipeline/pkg/models"
)

var tracer = otel.Tracer("reel-worker")

// Source yields jobs in FIFO order.
type Source interface {
	Dequeue(ctx context.Context) (models.Job, error)
}

// Encoder renders a still image into a video file.
type Encoder interface {
	Encode(ctx context.Context, src, dst string) error
}

// Publisher mirrors a finished artifact somewhere outside the ready directory.
type Publisher interface {
	Upload(ctx context.Context, job models.Job, artifactPath string) (string, error)
}

// ResultHook is called after every job reaches a terminal state.
type ResultHook func(ctx context.Context, res models.Result)

// Worker processes jobs one at a time.
type Worker struct {
	queue     Source
	encoder   Encoder
	layout    staging.Layout
	tracker   *jobs.Tracker
	publisher Publisher
	hooks     []ResultHook
	log       *slog.Logger
}

// Config holds worker dependencies. Publisher and Hooks are optional.
type Config struct {
	Queue     Source
	Encoder   Encoder
	Layout    staging.Layout
	Tracker   *jobs.Tracker
	Publisher Publisher
	Hooks     []ResultHook
	Logger    *slog.Logger
}

// New creates a new Worker with the given configuration.
func New(cfg *Config) *Worker {
	return &Worker{
		queue:     cfg.Queue,
		encoder:   cfg.Encoder,
		layout:    cfg.Layout,
		tracker:   cfg.Tracker,
		publisher: cfg.Publisher,
		hooks:     cfg.Hooks,
		log:       cfg.Logger,
	}
}

// Run consumes jobs until the queue is closed or ctx is cancelled. A job
// already dequeued runs to completion on a context detached from ctx.
func (w *Worker) Run(ctx context.Context) {
	logger.Info(ctx, w.log, "Worker started")

	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, models.ErrQueueClosed) || ctx.Err() != nil {
				logger.Info(ctx, w.log, "Worker stopped")
				return
			}
			logger.Error(ctx, w.log, "Failed to dequeue job", "error", err)
			continue
		}

		w.Process(context.WithoutCancel(ctx), job)
	}
}

// Process encodes one job and moves its source to a terminal directory.
// A panic past the encoder still settles the job so waiters see an outcome.
func (w *Worker) Process(ctx context.Context, job models.Job) (res models.Result) {
	ctx, span := tracer.Start(ctx, "process-job")
	defer span.End()

	res = models.Result{Job: job}
	settled := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		span.SetStatus(codes.Error, "panic")
		logger.Error(ctx, w.log, "Job processing panicked",
			"jobId", job.ID,
			"file", filepath.Base(job.SourcePath),
			"panic", fmt.Sprint(r),
		)
		if !res.Status.IsTerminal() {
			res.Status = models.StatusFailed
			res.Err = fmt.Errorf("%w: panic: %v", models.ErrEncodeFailed, r)
		}
		if res.FinalPath == "" {
			res.FinalPath = job.SourcePath
		}
		if !settled {
			settled = true
			w.settle(ctx, res)
		}
	}()

	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.origin", string(job.Origin)),
		attribute.String("job.file", filepath.Base(job.SourcePath)),
	)

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	if w.tracker != nil {
		w.tracker.Processing(job)
	}

	logger.Info(ctx, w.log, "Processing job",
		"jobId", job.ID,
		"file", filepath.Base(job.SourcePath),
		"origin", job.Origin,
		"temporary", job.Temporary,
	)

	start := time.Now()
	artifact := staging.ArtifactPath(w.layout.Ready, job.SourcePath)

	if err := w.render(ctx, job.SourcePath, artifact); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		res.Status = models.StatusFailed
		res.Err = err
		res.FinalPath = w.route(ctx, job, w.layout.Failed, "failed")

		metrics.RecordFailure()
		logger.Error(ctx, w.log, "Job failed",
			"jobId", job.ID,
			"file", filepath.Base(job.SourcePath),
			"error", err,
		)
	} else {
		res.Status = models.StatusCompleted
		res.ArtifactPath = artifact
		res.FinalPath = w.route(ctx, job, w.layout.Archive, "archive")
		res.PublishedURL = w.publish(ctx, job, artifact)

		metrics.RecordSuccess()
		logger.Info(ctx, w.log, "Job completed",
			"jobId", job.ID,
			"artifact", filepath.Base(artifact),
			"durationSeconds", time.Since(start).Seconds(),
		)
	}

	settled = true
	w.settle(ctx, res)
	return res
}

// settle records the outcome and notifies hooks.
func (w *Worker) settle(ctx context.Context, res models.Result) {
	if w.tracker != nil {
		w.tracker.Finish(res)
	}
	for _, hook := range w.hooks {
		w.runHook(ctx, hook, res)
	}
}

// render encodes into the hidden partial path and renames it into place.
// Any error or panic leaves no partial file behind.
func (w *Worker) render(ctx context.Context, src, artifact string) (err error) {
	ctx, span := tracer.Start(ctx, "encode-video")
	defer span.End()

	partial := staging.PartialArtifactPath(artifact)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", models.ErrEncodeFailed, r)
		}
		if err != nil {
			if rmErr := os.Remove(partial); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				logger.Warn(ctx, w.log, "Failed to remove partial artifact", "file", filepath.Base(partial), "error", rmErr)
			}
		}
	}()

	if err := w.encoder.Encode(ctx, src, partial); err != nil {
		return fmt.Errorf("%w: %w", models.ErrEncodeFailed, err)
	}

	info, err := os.Stat(partial)
	if err != nil {
		return fmt.Errorf("%w: no output produced: %w", models.ErrEncodeFailed, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: empty output", models.ErrEncodeFailed)
	}

	if err := os.Rename(partial, artifact); err != nil {
		return fmt.Errorf("%w: finalize artifact: %w", models.ErrEncodeFailed, err)
	}
	return nil
}

// route moves the source to a terminal directory. A failure is logged as a
// secondary error and the file stays in work; the returned path reflects
// where the source actually is.
func (w *Worker) route(ctx context.Context, job models.Job, dir, label string) string {
	ctx, span := tracer.Start(ctx, "route-source")
	defer span.End()

	dst, err := staging.Route(job.SourcePath, dir)
	if err != nil {
		span.RecordError(err)
		metrics.RouteFailures.WithLabelValues(label).Inc()
		logger.Error(ctx, w.log, "Failed to move source out of work",
			"jobId", job.ID,
			"file", filepath.Base(job.SourcePath),
			"destination", label,
			"error", err,
		)
		return job.SourcePath
	}
	return dst
}

// publish uploads the artifact when a publisher is configured. Errors never
// affect routing.
func (w *Worker) publish(ctx context.Context, job models.Job, artifact string) string {
	if w.publisher == nil {
		return ""
	}
	url, err := w.publisher.Upload(ctx, job, artifact)
	if err != nil {
		logger.Warn(ctx, w.log, "Failed to publish artifact",
			"jobId", job.ID,
			"artifact", filepath.Base(artifact),
			"error", err,
		)
		return ""
	}
	return url
}

func (w *Worker) runHook(ctx context.Context, hook ResultHook, res models.Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, w.log, "Result hook panicked", "jobId", res.Job.ID, "panic", fmt.Sprint(r))
		}
	}()
	hook(ctx, res)
}
