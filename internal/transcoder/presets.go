package transcoder

import (
	"fmt"

	"github.com/amillerrr/reel-pipeline/internal/config"
)

// Preset is a named output geometry and bitrate cap.
type Preset struct {
	Name       string
	Width      int
	Height     int
	MaxBitrate string
	BufSize    string
}

// DefaultPresets are the named outputs selectable with ENCODE_PRESET.
var DefaultPresets = []Preset{
	{"reel-1080", 1080, 1920, "8M", "2M"},
	{"reel-720", 720, 1280, "5M", "2M"},
	{"story-540", 540, 960, "2.5M", "1M"},
	{"square-1080", 1080, 1080, "6M", "2M"},
}

// GetPresetByName returns the preset matching the given name, or nil if not found.
func GetPresetByName(presets []Preset, name string) *Preset {
	for i := range presets {
		if presets[i].Name == name {
			return &presets[i]
		}
	}
	return nil
}

// ParamsFromConfig builds encoder parameters from settings. A named preset
// overrides width, height and bitrate.
func ParamsFromConfig(cfg config.EncodeConfig) (Params, error) {
	params := Params{
		FFmpegPath:      cfg.FFmpegPath,
		DurationSeconds: cfg.DurationSeconds,
		Width:           cfg.Width,
		Height:          cfg.Height,
		FPS:             cfg.FPS,
		Codec:           cfg.Codec,
		MaxBitrate:      cfg.MaxBitrate,
		BufSize:         DefaultBufSize,
		PixelFormat:     cfg.PixelFormat,
	}

	if cfg.Preset == "" {
		return params, nil
	}

	preset := GetPresetByName(DefaultPresets, cfg.Preset)
	if preset == nil {
		return Params{}, fmt.Errorf("unknown encode preset %q", cfg.Preset)
	}
	params.Width = preset.Width
	params.Height = preset.Height
	params.MaxBitrate = preset.MaxBitrate
	params.BufSize = preset.BufSize

	return params, nil
}
