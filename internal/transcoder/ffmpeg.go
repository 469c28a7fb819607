package transcoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amillerrr/reel-pipeline/internal/metrics"
	"github.com/amillerrr/reel-pipeline/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// BlurStrength is the boxblur radius applied to the background layer.
	BlurStrength = 20

	// DefaultBufSize is the rate-control buffer passed alongside -maxrate.
	DefaultBufSize = "2M"

	stderrTail = 5
)

var tracer = otel.Tracer("reel-encoder")

// Params is the full parameter set for one encode.
type Params struct {
	FFmpegPath      string
	DurationSeconds int
	Width           int
	Height          int
	FPS             int
	Codec           string
	MaxBitrate      string
	BufSize         string
	PixelFormat     string
}

// Encoder runs ffmpeg to turn a still image into a vertical video.
type Encoder struct {
	params Params
	logger *slog.Logger
}

// NewEncoder creates an Encoder with the given parameters.
func NewEncoder(params Params, logger *slog.Logger) *Encoder {
	if params.FFmpegPath == "" {
		params.FFmpegPath = "ffmpeg"
	}
	if params.BufSize == "" {
		params.BufSize = DefaultBufSize
	}
	return &Encoder{params: params, logger: logger}
}

// CheckAvailable verifies the ffmpeg binary can be executed.
func (e *Encoder) CheckAvailable(ctx context.Context) error {
	path, err := exec.LookPath(e.params.FFmpegPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrFFmpegNotFound, e.params.FFmpegPath, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := exec.CommandContext(ctx, path, "-version").Run(); err != nil {
		return fmt.Errorf("%w: %s -version: %v", models.ErrFFmpegNotFound, path, err)
	}
	return nil
}

// Encode renders src into dst. A non-zero ffmpeg exit is reported as ErrFFmpegFailed.
func (e *Encoder) Encode(ctx context.Context, src, dst string) error {
	ctx, span := tracer.Start(ctx, "ffmpeg-execute")
	defer span.End()

	span.SetAttributes(
		attribute.Int("encode.width", e.params.Width),
		attribute.Int("encode.height", e.params.Height),
		attribute.Int("encode.duration", e.params.DurationSeconds),
	)

	start := time.Now()
	args := e.buildFFmpegArgs(src, dst)
	cmd := exec.CommandContext(ctx, e.params.FFmpegPath, args...)

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %v", models.ErrFFmpegNotFound, err)
		}
		return fmt.Errorf("%w: start: %v", models.ErrFFmpegFailed, err)
	}

	var (
		wg   sync.WaitGroup
		tail []string
	)
	wg.Add(2)

	go func() {
		defer wg.Done()
		tail = e.monitorOutput(stderrPipe)
	}()

	go func() {
		defer wg.Done()
		_, _ = io.Copy(io.Discard, stdoutPipe)
	}()

	cmdErr := cmd.Wait()
	wg.Wait()

	if cmdErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", models.ErrFFmpegFailed, ctx.Err())
		}
		if len(tail) > 0 {
			return fmt.Errorf("%w: %v: %s", models.ErrFFmpegFailed, cmdErr, strings.Join(tail, " | "))
		}
		return fmt.Errorf("%w: %v", models.ErrFFmpegFailed, cmdErr)
	}

	metrics.EncodeDuration.Observe(time.Since(start).Seconds())
	return nil
}

// buildFFmpegArgs constructs the ffmpeg command arguments.
func (e *Encoder) buildFFmpegArgs(src, dst string) []string {
	p := e.params
	return []string{
		"-y",
		"-loop", "1",
		"-i", src,
		"-t", strconv.Itoa(p.DurationSeconds),
		"-r", strconv.Itoa(p.FPS),
		"-filter_complex", BuildFilterComplex(p.Width, p.Height),
		"-c:v", p.Codec,
		"-maxrate", p.MaxBitrate,
		"-bufsize", p.BufSize,
		"-pix_fmt", p.PixelFormat,
		"-movflags", "+faststart",
		dst,
	}
}

// BuildFilterComplex returns the filter graph that fits the image inside the
// frame over a blurred, cropped fill of itself.
func BuildFilterComplex(width, height int) string {
	return fmt.Sprintf(
		"[0:v]scale=%[1]d:%[2]d:force_original_aspect_ratio=decrease[fg];"+
			"[0:v]scale=%[1]d:%[2]d:force_original_aspect_ratio=increase,crop=%[1]d:%[2]d,boxblur=%[3]d:1[bg];"+
			"[bg][fg]overlay=(W-w)/2:(H-h)/2",
		width, height, BlurStrength,
	)
}

// monitorOutput logs ffmpeg output and returns the last few non-progress lines.
func (e *Encoder) monitorOutput(r io.Reader) []string {
	var tail []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.Contains(line, "frame=") || strings.Contains(line, "time=") {
			e.logger.Debug("FFmpeg progress", "output", line)
			continue
		}
		if strings.Contains(line, "error") || strings.Contains(line, "Error") {
			e.logger.Warn("FFmpeg warning", "output", line)
		}
		tail = append(tail, line)
		if len(tail) > stderrTail {
			tail = tail[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		e.logger.Warn("FFmpeg output scanner error", "error", err)
	}
	return tail
}
