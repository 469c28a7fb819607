package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/reel-pipeline/internal/auth"
	"github.com/amillerrr/reel-pipeline/internal/config"
	"github.com/amillerrr/reel-pipeline/internal/metrics"
	"github.com/amillerrr/reel-pipeline/internal/staging"
	"github.com/amillerrr/reel-pipeline/pkg/models"
)

var tracer = otel.Tracer("reel-api")

// Configuration constants
const (
	MaxUploadSize     = 25 << 20 // 25 MB
	MaxFilenameLength = 255
	UploadField       = "image"
	sniffLen          = 512
)

// AllowedContentTypes are the sniffed types accepted by the upload endpoint.
var AllowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/bmp":  true,
}

// Ingester claims a file into the pipeline.
type Ingester interface {
	Ingest(ctx context.Context, src string, origin models.Origin, temporary bool) (models.Job, error)
}

// JobSource looks up tracked jobs.
type JobSource interface {
	Get(id string) (models.JobState, error)
}

// Handlers contains all HTTP handlers for the API.
type Handlers struct {
	cfg         *config.Config
	log         *slog.Logger
	jwtService  *auth.JWTService
	rateLimiter *auth.RateLimiter
	ingester    Ingester
	jobs        JobSource
	now         func() time.Time
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
	Config      *config.Config
	Logger      *slog.Logger
	JWTService  *auth.JWTService
	RateLimiter *auth.RateLimiter
	Ingester    Ingester
	Jobs        JobSource
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	return &Handlers{
		cfg:         cfg.Config,
		log:         cfg.Logger,
		jwtService:  cfg.JWTService,
		rateLimiter: cfg.RateLimiter,
		ingester:    cfg.Ingester,
		jobs:        cfg.Jobs,
		now:         time.Now,
	}
}

// writeJSON writes a JSON response.
func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.ErrorContext(ctx, "Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, map[string]string{"error": message})
}

// LoginHandler exchanges basic auth credentials for a JWT.
func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		h.writeError(ctx, w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	clientIP := auth.GetClientIP(r)
	if h.rateLimiter != nil && h.rateLimiter.IsLimited(clientIP) {
		metrics.AuthFailures.WithLabelValues("rate_limited").Inc()
		w.Header().Set("Retry-After", "60")
		h.writeError(ctx, w, http.StatusTooManyRequests, "Too many failed attempts")
		return
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		metrics.AuthFailures.WithLabelValues("missing_credentials").Inc()
		h.writeError(ctx, w, http.StatusUnauthorized, "Missing credentials")
		return
	}

	expectedUsername, expectedPassword, err := h.cfg.GetAPICredentials()
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to get API credentials", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Server configuration error")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(expectedUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(expectedPassword)) == 1
	if !userOK || !passOK {
		if h.rateLimiter != nil {
			h.rateLimiter.RecordFailure(clientIP)
		}
		metrics.AuthFailures.WithLabelValues("bad_credentials").Inc()
		h.log.WarnContext(ctx, "Failed login attempt", "username", username, "ip", clientIP)
		h.writeError(ctx, w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.jwtService.GenerateToken(username)
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to generate token", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	if h.rateLimiter != nil {
		h.rateLimiter.Reset(clientIP)
	}

	h.log.InfoContext(ctx, "Successful login", "username", username, "ip", clientIP)
	h.writeJSON(ctx, w, http.StatusOK, map[string]string{"token": token})
}

// UploadResponse is the response payload for an accepted upload.
type UploadResponse struct {
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

// UploadHandler accepts a multipart image and hands it to the pipeline.
func (h *Handlers) UploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		h.writeError(ctx, w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	requestID := uuid.New().String()
	ctx, span := tracer.Start(ctx, "upload-handler",
		trace.WithAttributes(
			attribute.String("handler", "upload"),
			attribute.String("request.id", requestID),
		))
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		span.RecordError(err)
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		h.writeError(ctx, w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(UploadField)
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, fmt.Sprintf("%s field is required", UploadField))
		return
	}
	defer file.Close()

	if err := validateFilename(header.Filename); err != nil {
		span.RecordError(err)
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	contentType, err := sniffContentType(file)
	if err != nil {
		span.RecordError(err)
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	span.SetAttributes(
		attribute.String("file.name", header.Filename),
		attribute.String("file.content_type", contentType),
		attribute.Int64("file.size_bytes", header.Size),
	)

	ext := strings.ToLower(filepath.Ext(header.Filename))
	src, err := saveUpload(h.cfg.Dirs.Temp, file, ext)
	if err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to stage upload", "error", err, "requestId", requestID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Internal server error")
		return
	}

	job, err := h.ingester.Ingest(ctx, src, models.OriginHTTP, true)
	if err != nil {
		span.RecordError(err)
		// A failed claim leaves the upload in temp; after a claim the file belongs to work
		if errors.Is(err, models.ErrClaimFailed) {
			h.log.WarnContext(ctx, "Upload kept in temp after failed claim", "path", src, "error", err)
		}
		if errors.Is(err, models.ErrQueueClosed) {
			h.writeError(ctx, w, http.StatusServiceUnavailable, "Pipeline is shutting down")
			return
		}
		h.log.ErrorContext(ctx, "Failed to ingest upload", "error", err, "requestId", requestID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to queue job")
		return
	}

	metrics.UploadsAccepted.Inc()
	span.SetAttributes(attribute.String("job.id", job.ID))
	h.log.InfoContext(ctx, "Upload queued",
		"jobId", job.ID,
		"filename", header.Filename,
		"requestId", requestID,
	)

	h.writeJSON(ctx, w, http.StatusAccepted, UploadResponse{
		JobID:     job.ID,
		Status:    string(models.StatusQueued),
		Message:   "Image queued for encoding",
		RequestID: requestID,
	})
}

// JobResponse is the response payload for the job status endpoint.
type JobResponse struct {
	JobID        string    `json:"jobId"`
	Status       string    `json:"status"`
	Origin       string    `json:"origin"`
	OriginalName string    `json:"originalName"`
	Artifact     string    `json:"artifact,omitempty"`
	PublishedURL string    `json:"publishedUrl,omitempty"`
	Error        string    `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// JobHandler reports the tracked state of one job.
func (h *Handlers) JobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		h.writeError(ctx, w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id := r.PathValue("id")
	if _, err := ulid.ParseStrict(id); err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	state, err := h.jobs.Get(id)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			h.writeError(ctx, w, http.StatusNotFound, "Job not found")
			return
		}
		h.log.ErrorContext(ctx, "Failed to look up job", "jobId", id, "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to retrieve job")
		return
	}

	resp := JobResponse{
		JobID:        state.Job.ID,
		Status:       string(state.Status),
		Origin:       string(state.Job.Origin),
		OriginalName: state.Job.OriginalName,
		PublishedURL: state.PublishedURL,
		Error:        state.Error,
		UpdatedAt:    state.UpdatedAt,
	}
	if state.ArtifactPath != "" {
		resp.Artifact = filepath.Base(state.ArtifactPath)
	}
	h.writeJSON(ctx, w, http.StatusOK, resp)
}

// LatestArtifactResponse is the response payload for the latest artifact endpoint.
type LatestArtifactResponse struct {
	Artifact   string    `json:"artifact"`
	JobID      string    `json:"jobId,omitempty"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// LatestHandler returns the newest artifact produced within the recency window.
func (h *Handlers) LatestHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		h.writeError(ctx, w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, span := tracer.Start(ctx, "get-latest-artifact")
	defer span.End()

	path, mod, err := staging.NewestArtifact(h.cfg.Dirs.Ready, h.cfg.Watcher.RecencyWindow, h.now())
	if err != nil {
		if errors.Is(err, models.ErrNoArtifact) {
			h.writeError(ctx, w, http.StatusNotFound, "No recent artifact found")
			return
		}
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to scan ready directory", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to retrieve artifact")
		return
	}

	resp := LatestArtifactResponse{
		Artifact:   filepath.Base(path),
		ModifiedAt: mod,
	}
	if id, ok := staging.IDFromName(path); ok {
		resp.JobID = id
		span.SetAttributes(attribute.String("job.id", id))
	}
	h.writeJSON(ctx, w, http.StatusOK, resp)
}

// Validation functions

func validateFilename(filename string) error {
	if filename == "" {
		return errors.New("filename is required")
	}
	if len(filename) > MaxFilenameLength {
		return models.ErrFilenameTooLong
	}
	if !models.IsSupportedImage(filename) {
		return fmt.Errorf("%w: allowed extensions are jpg, jpeg, png, webp, bmp", models.ErrUnsupportedImage)
	}
	return nil
}

// sniffContentType checks the leading bytes of f and rewinds it.
func sniffContentType(f io.ReadSeeker) (string, error) {
	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if n == 0 {
		return "", errors.New("upload is empty")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind upload: %w", err)
	}

	contentType := http.DetectContentType(buf[:n])
	if !AllowedContentTypes[contentType] {
		return "", fmt.Errorf("%w: %s", models.ErrUnsupportedImage, contentType)
	}
	return contentType, nil
}

// saveUpload writes r into dir under a fresh name. The content lands in a
// hidden partial file first so the finished name only ever refers to a
// complete image.
func saveUpload(dir string, r io.Reader, ext string) (string, error) {
	name := "http_" + staging.NewID() + ext
	final := filepath.Join(dir, name)
	part := filepath.Join(dir, "."+name+".part")

	out, err := os.Create(part)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", part, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		_ = os.Remove(part)
		return "", fmt.Errorf("write %s: %w", part, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(part)
		return "", fmt.Errorf("close %s: %w", part, err)
	}
	if err := os.Rename(part, final); err != nil {
		_ = os.Remove(part)
		return "", fmt.Errorf("rename %s: %w", part, err)
	}
	return final, nil
}
