package transcoder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/amillerrr/reel-pipeline/internal/config"
	"github.com/amillerrr/reel-pipeline/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func defaultParams() Params {
	return Params{
		FFmpegPath:      "ffmpeg",
		DurationSeconds: 4,
		Width:           1080,
		Height:          1920,
		FPS:             30,
		Codec:           "libx264",
		MaxBitrate:      "8M",
		PixelFormat:     "yuv420p",
	}
}

func TestBuildFilterComplex(t *testing.T) {
	tests := []struct {
		name   string
		width  int
		height int
		want   string
	}{
		{
			name:   "vertical reel",
			width:  1080,
			height: 1920,
			want: "[0:v]scale=1080:1920:force_original_aspect_ratio=decrease[fg];" +
				"[0:v]scale=1080:1920:force_original_aspect_ratio=increase,crop=1080:1920,boxblur=20:1[bg];" +
				"[bg][fg]overlay=(W-w)/2:(H-h)/2",
		},
		{
			name:   "square",
			width:  1080,
			height: 1080,
			want: "[0:v]scale=1080:1080:force_original_aspect_ratio=decrease[fg];" +
				"[0:v]scale=1080:1080:force_original_aspect_ratio=increase,crop=1080:1080,boxblur=20:1[bg];" +
				"[bg][fg]overlay=(W-w)/2:(H-h)/2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildFilterComplex(tt.width, tt.height); got != tt.want {
				t.Errorf("BuildFilterComplex() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildFFmpegArgs(t *testing.T) {
	e := NewEncoder(defaultParams(), testLogger())

	got := e.buildFFmpegArgs("/work/a.jpg", "/ready/.a.part.mp4")
	want := []string{
		"-y", "-loop", "1", "-i", "/work/a.jpg",
		"-t", "4", "-r", "30",
		"-filter_complex", BuildFilterComplex(1080, 1920),
		"-c:v", "libx264", "-maxrate", "8M", "-bufsize", "2M",
		"-pix_fmt", "yuv420p", "-movflags", "+faststart",
		"/ready/.a.part.mp4",
	}

	if strings.Join(got, "\x00") != strings.Join(want, "\x00") {
		t.Errorf("buildFFmpegArgs() =\n%q\nwant\n%q", got, want)
	}
}

func TestGetPresetByName(t *testing.T) {
	tests := []struct {
		name       string
		wantHeight int
		wantNil    bool
	}{
		{"reel-1080", 1920, false},
		{"reel-720", 1280, false},
		{"square-1080", 1080, false},
		{"1080p", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetPresetByName(DefaultPresets, tt.name)
			if tt.wantNil {
				if got != nil {
					t.Errorf("GetPresetByName(%s) = %v, want nil", tt.name, got)
				}
			} else {
				if got == nil {
					t.Errorf("GetPresetByName(%s) = nil, want height %d", tt.name, tt.wantHeight)
				} else if got.Height != tt.wantHeight {
					t.Errorf("GetPresetByName(%s).Height = %d, want %d", tt.name, got.Height, tt.wantHeight)
				}
			}
		})
	}
}

func TestParamsFromConfig(t *testing.T) {
	base := config.EncodeConfig{
		FFmpegPath:      "/usr/bin/ffmpeg",
		DurationSeconds: 5,
		Width:           1080,
		Height:          1920,
		FPS:             25,
		Codec:           "libx264",
		MaxBitrate:      "8M",
		PixelFormat:     "yuv420p",
	}

	t.Run("no preset", func(t *testing.T) {
		p, err := ParamsFromConfig(base)
		if err != nil {
			t.Fatalf("ParamsFromConfig() error = %v", err)
		}
		if p.Width != 1080 || p.Height != 1920 || p.FPS != 25 || p.BufSize != DefaultBufSize {
			t.Errorf("ParamsFromConfig() = %+v", p)
		}
	})

	t.Run("preset overrides geometry", func(t *testing.T) {
		cfg := base
		cfg.Preset = "reel-720"
		p, err := ParamsFromConfig(cfg)
		if err != nil {
			t.Fatalf("ParamsFromConfig() error = %v", err)
		}
		if p.Width != 720 || p.Height != 1280 || p.MaxBitrate != "5M" {
			t.Errorf("ParamsFromConfig() = %+v, want reel-720 geometry", p)
		}
		if p.DurationSeconds != 5 {
			t.Errorf("DurationSeconds = %d, want 5 kept from settings", p.DurationSeconds)
		}
	})

	t.Run("unknown preset", func(t *testing.T) {
		cfg := base
		cfg.Preset = "cinema"
		if _, err := ParamsFromConfig(cfg); err == nil {
			t.Error("ParamsFromConfig() expected error for unknown preset")
		}
	})
}

func TestCheckAvailable_Missing(t *testing.T) {
	p := defaultParams()
	p.FFmpegPath = filepath.Join(t.TempDir(), "no-such-ffmpeg")
	e := NewEncoder(p, testLogger())

	err := e.CheckAvailable(context.Background())
	if !errors.Is(err, models.ErrFFmpegNotFound) {
		t.Errorf("CheckAvailable() error = %v, want ErrFFmpegNotFound", err)
	}
}

// fakeFFmpeg writes a shell script standing in for ffmpeg.
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in requires a unix shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEncode_Success(t *testing.T) {
	p := defaultParams()
	// the destination is the last argument
	p.FFmpegPath = fakeFFmpeg(t, `for last; do :; done; echo "frame=1 time=00:00:01" >&2; printf video > "$last"`)
	e := NewEncoder(p, testLogger())

	if err := e.CheckAvailable(context.Background()); err != nil {
		t.Fatalf("CheckAvailable() error = %v", err)
	}

	dst := filepath.Join(t.TempDir(), "out.mp4")
	if err := e.Encode(context.Background(), "in.jpg", dst); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "video" {
		t.Errorf("output = %q, %v; want written by encoder", data, err)
	}
}

func TestEncode_NonZeroExit(t *testing.T) {
	p := defaultParams()
	p.FFmpegPath = fakeFFmpeg(t, `echo "Invalid data found when processing input" >&2; exit 1`)
	e := NewEncoder(p, testLogger())

	err := e.Encode(context.Background(), "in.jpg", filepath.Join(t.TempDir(), "out.mp4"))
	if !errors.Is(err, models.ErrFFmpegFailed) {
		t.Fatalf("Encode() error = %v, want ErrFFmpegFailed", err)
	}
	if !strings.Contains(err.Error(), "Invalid data") {
		t.Errorf("Encode() error = %v, want stderr tail included", err)
	}
}

func TestEncode_Canceled(t *testing.T) {
	p := defaultParams()
	p.FFmpegPath = fakeFFmpeg(t, `sleep 5`)
	e := NewEncoder(p, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Encode(ctx, "in.jpg", filepath.Join(t.TempDir(), "out.mp4"))
	if !errors.Is(err, models.ErrFFmpegFailed) {
		t.Errorf("Encode() error = %v, want ErrFFmpegFailed", err)
	}
}
