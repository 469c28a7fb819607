// Package ingest implements the claim-then-enqueue step shared by every producer.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/reel-pipeline/internal/jobs"
	"github.com/amillerrr/reel-pipeline/internal/logger"
	"github.com/amillerrr/reel-pipeline/internal/metrics"
	"github.com/amillerrr/reel-pipeline/internal/staging"
	"github.com/amillerrr/reel-pipeline/pkg/models"
)

var tracer = otel.Tracer("reel-ingest")

// Enqueuer accepts jobs for the worker.
type Enqueuer interface {
	Enqueue(job models.Job) error
}

// Ingestor claims files into the work directory and enqueues them.
type Ingestor struct {
	workDir string
	queue   Enqueuer
	tracker *jobs.Tracker
	log     *slog.Logger
}

// Config holds ingestor dependencies.
type Config struct {
	WorkDir string
	Queue   Enqueuer
	Tracker *jobs.Tracker
	Logger  *slog.Logger
}

// New creates an Ingestor.
func New(cfg *Config) *Ingestor {
	return &Ingestor{
		workDir: cfg.WorkDir,
		queue:   cfg.Queue,
		tracker: cfg.Tracker,
		log:     cfg.Logger,
	}
}

// Ingest claims src into work and enqueues a job for it. A claim failure
// leaves src untouched so a later attempt can pick it up.
func (i *Ingestor) Ingest(ctx context.Context, src string, origin models.Origin, temporary bool) (models.Job, error) {
	ctx, span := tracer.Start(ctx, "claim-file")
	defer span.End()

	id := staging.NewID()
	span.SetAttributes(
		attribute.String("job.id", id),
		attribute.String("job.origin", string(origin)),
		attribute.String("file.name", filepath.Base(src)),
	)

	claimed, err := staging.Claim(src, i.workDir, id, true)
	if err != nil {
		span.RecordError(err)
		metrics.ClaimFailures.WithLabelValues(string(origin)).Inc()
		logger.Warn(ctx, i.log, "Claim failed",
			"file", filepath.Base(src),
			"origin", origin,
			"error", err,
		)
		return models.Job{}, err
	}
	metrics.FilesClaimed.WithLabelValues(string(origin)).Inc()

	job := models.Job{
		ID:           id,
		SourcePath:   claimed,
		OriginalName: filepath.Base(src),
		Origin:       origin,
		Temporary:    temporary,
		ClaimedAt:    time.Now(),
	}

	if err := i.enqueue(ctx, job); err != nil {
		span.RecordError(err)
		return models.Job{}, err
	}
	return job, nil
}

// Recover enqueues files a previous run left in the work directory.
func (i *Ingestor) Recover(ctx context.Context) (int, error) {
	paths, err := staging.ListImages(i.workDir)
	if err != nil {
		return 0, fmt.Errorf("list work dir: %w", err)
	}

	recovered := make([]models.Job, 0, len(paths))
	for _, p := range paths {
		id, ok := staging.IDFromName(p)
		if !ok {
			id = staging.NewID()
		}
		recovered = append(recovered, models.Job{
			ID:           id,
			SourcePath:   p,
			OriginalName: filepath.Base(p),
			Origin:       models.OriginRecovery,
			ClaimedAt:    time.Now(),
		})
	}
	// ULIDs sort by claim time
	sort.Slice(recovered, func(a, b int) bool { return recovered[a].ID < recovered[b].ID })

	for _, job := range recovered {
		if err := i.enqueue(ctx, job); err != nil {
			return 0, err
		}
	}
	if len(recovered) > 0 {
		logger.Info(ctx, i.log, "Recovered unfinished jobs from work directory", "count", len(recovered))
	}
	return len(recovered), nil
}

func (i *Ingestor) enqueue(ctx context.Context, job models.Job) error {
	i.tracker.Queued(job)
	if err := i.queue.Enqueue(job); err != nil {
		i.tracker.Forget(job.ID)
		logger.Error(ctx, i.log, "Enqueue failed, file stays in work",
			"jobId", job.ID,
			"file", filepath.Base(job.SourcePath),
			"error", err,
		)
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}

	logger.Info(ctx, i.log, "Job enqueued",
		"jobId", job.ID,
		"file", filepath.Base(job.SourcePath),
		"origin", job.Origin,
		"temporary", job.Temporary,
	)
	return nil
}
