// Package health serves liveness and dependency checks for the pipeline.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Configuration constants
const (
	DefaultCacheTTL       = 10 * time.Second
	DefaultCheckTimeout   = 5 * time.Second
	DefaultDeepCheckLimit = 10 * time.Second
)

// Status values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status represents the health check response.
type Status struct {
	Status    string                    `json:"status"`
	Service   string                    `json:"service"`
	Timestamp string                    `json:"timestamp"`
	QueueLen  *int                      `json:"queueLength,omitempty"`
	Checks    map[string]ComponentCheck `json:"checks,omitempty"`
}

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// S3Client defines the S3 operations needed for health checks.
type S3Client interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// DirChecker verifies the staging directories accept writes.
type DirChecker interface {
	CheckWritable() error
}

// FFmpegChecker verifies the encoder binary is runnable.
type FFmpegChecker interface {
	CheckAvailable(ctx context.Context) error
}

// QueueLener reports the number of waiting jobs.
type QueueLener interface {
	Len() int
}

// Config holds health checker configuration. Nil dependencies are skipped.
type Config struct {
	ServiceName    string
	Staging        DirChecker
	FFmpeg         FFmpegChecker
	Queue          QueueLener
	S3Client       S3Client
	S3Bucket       string
	Logger         *slog.Logger
	CacheTTL       time.Duration
	CheckTimeout   time.Duration
	DeepCheckLimit time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig(serviceName string, logger *slog.Logger) *Config {
	return &Config{
		ServiceName:    serviceName,
		Logger:         logger,
		CacheTTL:       DefaultCacheTTL,
		CheckTimeout:   DefaultCheckTimeout,
		DeepCheckLimit: DefaultDeepCheckLimit,
	}
}

// Checker provides health check functionality.
type Checker struct {
	config        *Config
	mu            sync.RWMutex
	lastCheck     time.Time
	lastStatus    *Status
	lastDeepCheck time.Time
}

// NewChecker creates a new health checker with the given configuration.
func NewChecker(config *Config) *Checker {
	return &Checker{
		config: config,
	}
}

// Check reports service health. A shallow check may return a cached result;
// a deep check probes staging, ffmpeg and the publish bucket.
func (c *Checker) Check(ctx context.Context, deep bool) *Status {
	if !deep {
		c.mu.RLock()
		if c.lastStatus != nil && time.Since(c.lastCheck) < c.config.CacheTTL {
			status := c.lastStatus.clone()
			c.mu.RUnlock()
			return status
		}
		c.mu.RUnlock()
	}

	status := &Status{
		Status:    StatusHealthy,
		Service:   c.config.ServiceName,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    make(map[string]ComponentCheck),
	}
	if c.config.Queue != nil {
		n := c.config.Queue.Len()
		status.QueueLen = &n
	}

	if deep {
		// a broken staging area or encoder stops the pipeline; S3 only affects publishing
		if c.config.Staging != nil {
			status.record("staging", c.probe(ctx, func(context.Context) error {
				return c.config.Staging.CheckWritable()
			}), StatusUnhealthy)
		}
		if c.config.FFmpeg != nil {
			status.record("ffmpeg", c.probe(ctx, c.config.FFmpeg.CheckAvailable), StatusUnhealthy)
		}
		if c.config.S3Client != nil && c.config.S3Bucket != "" {
			status.record("s3", c.probe(ctx, c.headBucket), StatusDegraded)
		}
	}

	c.mu.Lock()
	c.lastCheck = time.Now()
	c.lastStatus = status
	c.mu.Unlock()

	return status.clone()
}

// CanPerformDeepCheck returns true if enough time has passed since the last deep check.
func (c *Checker) CanPerformDeepCheck() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastDeepCheck) >= c.config.DeepCheckLimit
}

// RecordDeepCheck records the time of a deep health check.
func (c *Checker) RecordDeepCheck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastDeepCheck = time.Now()
}

func (c *Checker) headBucket(ctx context.Context) error {
	_, err := c.config.S3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.config.S3Bucket),
	})
	return err
}

func (c *Checker) probe(ctx context.Context, fn func(context.Context) error) ComponentCheck {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.config.CheckTimeout)
	defer cancel()

	err := fn(ctx)
	latency := time.Since(start)

	if err != nil {
		return ComponentCheck{
			Status:  StatusUnhealthy,
			Latency: latency.String(),
			Error:   err.Error(),
		}
	}

	return ComponentCheck{
		Status:  StatusHealthy,
		Latency: latency.String(),
	}
}

// record stores a component result and lowers the overall status to
// onFailure when the component is unhealthy.
func (s *Status) record(name string, check ComponentCheck, onFailure string) {
	s.Checks[name] = check
	if check.Status == StatusHealthy {
		return
	}
	if onFailure == StatusUnhealthy || s.Status == StatusHealthy {
		s.Status = onFailure
	}
}

func (s *Status) clone() *Status {
	out := *s
	out.Checks = maps.Clone(s.Checks)
	if out.Checks == nil {
		out.Checks = make(map[string]ComponentCheck)
	}
	return &out
}

// Handler returns an HTTP handler for basic health checks.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := c.Check(r.Context(), false)
		c.writeResponse(w, status)
	}
}

// DeepHandler returns an HTTP handler for deep health checks.
func (c *Checker) DeepHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.CanPerformDeepCheck() {
			status := c.Check(r.Context(), false)
			status.Checks["rate_limited"] = ComponentCheck{
				Status: "info",
				Error:  "Deep health check rate limited, returning cached result",
			}

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "10")
			w.WriteHeader(http.StatusTooManyRequests)

			if err := json.NewEncoder(w).Encode(status); err != nil && c.config.Logger != nil {
				c.config.Logger.Error("Failed to encode health check response", "error", err)
			}
			return
		}

		c.RecordDeepCheck()
		status := c.Check(r.Context(), true)
		c.writeResponse(w, status)
	}
}

func (c *Checker) writeResponse(w http.ResponseWriter, status *Status) {
	w.Header().Set("Content-Type", "application/json")
	if status.Status != StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if err := json.NewEncoder(w).Encode(status); err != nil && c.config.Logger != nil {
		c.config.Logger.Error("Failed to encode health check response", "error", err)
	}
}
