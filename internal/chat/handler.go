package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/reel-pipeline/internal/logger"
	"github.com/amillerrr/reel-pipeline/internal/metrics"
	"github.com/amillerrr/reel-pipeline/internal/staging"
	"github.com/amillerrr/reel-pipeline/pkg/models"
)

// Defaults
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultResultTicks  = 60
)

// Replies
const (
	replyPong        = "pong"
	replyDone        = "Done ✅"
	replyNotAllowed  = "Sorry, this bot only accepts images from its owner."
	replyUnsupported = "Unsupported image type. Send a JPG, PNG, WEBP or BMP."
	replyTimeout     = "The video is taking too long. It will still land in the ready folder."
)

var tracer = otel.Tracer("reel-chat")

// Ingester claims a downloaded file into the work directory and queues it.
type Ingester interface {
	Ingest(ctx context.Context, src string, origin models.Origin, temporary bool) (models.Job, error)
}

// JobSource reports the state of a job by ID.
type JobSource interface {
	Get(id string) (models.JobState, error)
}

// Config holds handler dependencies and settings.
type Config struct {
	Messenger    Messenger
	Ingester     Ingester
	Jobs         JobSource
	TempDir      string
	ReadyDir     string
	OwnerChatID  int64
	PollInterval time.Duration
	ResultTicks  int

	// used in the /start help text
	DurationSeconds int
	Width           int
	Height          int

	Logger *slog.Logger
}

// Handler processes chat messages one at a time. Waiting for results happens
// in separate goroutines so the message loop never blocks on encoding.
type Handler struct {
	msg      Messenger
	ingest   Ingester
	jobs     JobSource
	tempDir  string
	readyDir string
	owner    int64
	interval time.Duration
	ticks    int
	help     string
	log      *slog.Logger

	waiters sync.WaitGroup
}

// NewHandler creates a Handler.
func NewHandler(cfg *Config) *Handler {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticks := cfg.ResultTicks
	if ticks <= 0 {
		ticks = DefaultResultTicks
	}
	return &Handler{
		msg:      cfg.Messenger,
		ingest:   cfg.Ingester,
		jobs:     cfg.Jobs,
		tempDir:  cfg.TempDir,
		readyDir: cfg.ReadyDir,
		owner:    cfg.OwnerChatID,
		interval: interval,
		ticks:    ticks,
		help: fmt.Sprintf("Send me a photo and I'll return a %d-second vertical video %d×%d.",
			cfg.DurationSeconds, cfg.Width, cfg.Height),
		log: cfg.Logger,
	}
}

// Handle dispatches one message.
func (h *Handler) Handle(ctx context.Context, m Message) {
	switch {
	case m.Command == "start":
		metrics.ChatRequests.WithLabelValues("start").Inc()
		h.reply(ctx, m, h.help)
	case m.Command == "ping":
		metrics.ChatRequests.WithLabelValues("ping").Inc()
		h.reply(ctx, m, replyPong)
	case m.Image != nil:
		metrics.ChatRequests.WithLabelValues("image").Inc()
		h.handleImage(ctx, m)
	}
}

// Wait blocks until every result waiter has returned.
func (h *Handler) Wait() {
	h.waiters.Wait()
}

func (h *Handler) handleImage(ctx context.Context, m Message) {
	ctx, span := tracer.Start(ctx, "chat-image")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("chat.id", m.ChatID),
		attribute.String("image.mime", m.Image.MimeType),
	)

	if h.owner != 0 && m.ChatID != h.owner {
		logger.Warn(ctx, h.log, "Rejected image from non-owner chat", "chatId", m.ChatID, "username", m.Username)
		h.reply(ctx, m, replyNotAllowed)
		return
	}

	ext := m.Image.Ext()
	if !models.IsSupportedImage(ext) {
		h.reply(ctx, m, replyUnsupported)
		return
	}

	src, err := h.download(ctx, m.Image, ext)
	if err != nil {
		span.RecordError(err)
		logger.Error(ctx, h.log, "Image download failed", "chatId", m.ChatID, "error", err)
		h.reply(ctx, m, fmt.Sprintf("Download failed: %v", err))
		return
	}

	job, err := h.ingest.Ingest(ctx, src, models.OriginChat, true)
	if err != nil {
		span.RecordError(err)
		// A failed claim leaves the download in temp; after a claim the file belongs to work
		if errors.Is(err, models.ErrClaimFailed) {
			logger.Warn(ctx, h.log, "Image kept in temp after failed claim", "file", filepath.Base(src), "error", err)
		}
		h.reply(ctx, m, fmt.Sprintf("Error: %v", err))
		return
	}

	logger.Info(ctx, h.log, "Chat image queued",
		"jobId", job.ID,
		"chatId", m.ChatID,
		"file", filepath.Base(job.SourcePath),
	)

	h.waiters.Add(1)
	go func() {
		defer h.waiters.Done()
		h.awaitResult(ctx, m, job)
	}()
}

// download fetches the image into the temp directory under a unique name.
// The data is written to a hidden partial file first so a half-written image
// never appears under its final name.
func (h *Handler) download(ctx context.Context, img *ImageRef, ext string) (string, error) {
	name := "tg_" + staging.NewID() + ext
	dst := filepath.Join(h.tempDir, name)
	part := filepath.Join(h.tempDir, "."+name+".part")

	if err := h.msg.Download(ctx, img.FileID, part); err != nil {
		_ = os.Remove(part)
		return "", fmt.Errorf("%w: %w", models.ErrDownloadFailed, err)
	}
	if err := os.Rename(part, dst); err != nil {
		_ = os.Remove(part)
		return "", fmt.Errorf("%w: %w", models.ErrDownloadFailed, err)
	}
	return dst, nil
}

// awaitResult polls for the outcome of this job and reports it to the requester.
func (h *Handler) awaitResult(ctx context.Context, m Message, job models.Job) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for i := 0; i < h.ticks; i++ {
		select {
		case <-ctx.Done():
			metrics.ChatDeliveries.WithLabelValues("canceled").Inc()
			return
		case <-ticker.C:
		}

		st, ok := h.lookup(job)
		if !ok || !st.Status.IsTerminal() {
			continue
		}

		if st.Status == models.StatusFailed {
			metrics.ChatDeliveries.WithLabelValues("failed").Inc()
			h.reply(ctx, m, fmt.Sprintf("Encoding failed: %s", st.Error))
			return
		}

		caption := replyDone
		if st.PublishedURL != "" {
			caption += "\n" + st.PublishedURL
		}
		if err := h.msg.SendVideo(ctx, m.ChatID, m.MessageID, st.ArtifactPath, caption); err != nil {
			metrics.ChatDeliveries.WithLabelValues("send_error").Inc()
			logger.Error(ctx, h.log, "Failed to send video", "jobId", job.ID, "error", err)
			h.reply(ctx, m, fmt.Sprintf("Error: %v", err))
			return
		}
		metrics.ChatDeliveries.WithLabelValues("delivered").Inc()
		logger.Info(ctx, h.log, "Video delivered", "jobId", job.ID, "chatId", m.ChatID)
		return
	}

	metrics.ChatDeliveries.WithLabelValues("timeout").Inc()
	logger.Warn(ctx, h.log, "Timed out waiting for job", "jobId", job.ID)
	h.reply(ctx, m, replyTimeout)
}

// lookup asks the tracker first and falls back to the artifact named after
// the job in the ready directory.
func (h *Handler) lookup(job models.Job) (models.JobState, bool) {
	if st, err := h.jobs.Get(job.ID); err == nil {
		return st, true
	}
	artifact := staging.ArtifactPath(h.readyDir, job.SourcePath)
	if _, err := os.Stat(artifact); err == nil {
		return models.JobState{Job: job, Status: models.StatusCompleted, ArtifactPath: artifact}, true
	}
	return models.JobState{}, false
}

// NotifyOwner announces results of jobs picked up from the inbox.
// It has the shape of a worker result hook.
func (h *Handler) NotifyOwner(ctx context.Context, res models.Result) {
	if h.owner == 0 {
		return
	}
	if res.Job.Origin != models.OriginWatcher && res.Job.Origin != models.OriginRecovery {
		return
	}

	name := res.Job.OriginalName
	if name == "" {
		name = filepath.Base(res.Job.SourcePath)
	}

	var err error
	if res.Status == models.StatusCompleted {
		err = h.msg.SendVideo(ctx, h.owner, 0, res.ArtifactPath, fmt.Sprintf("%s: %s", name, replyDone))
	} else {
		err = h.msg.SendText(ctx, h.owner, 0, fmt.Sprintf("%s: encoding failed: %v", name, res.Err))
	}
	if err != nil {
		logger.Warn(ctx, h.log, "Failed to notify owner", "jobId", res.Job.ID, "error", err)
	}
}

func (h *Handler) reply(ctx context.Context, m Message, text string) {
	if err := h.msg.SendText(ctx, m.ChatID, m.MessageID, text); err != nil {
		logger.Warn(ctx, h.log, "Failed to send reply", "chatId", m.ChatID, "error", err)
	}
}
