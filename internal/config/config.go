package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Environment   string
	LogLevel      string
	Dirs          DirsConfig
	Encode        EncodeConfig
	Watcher       WatcherConfig
	Telegram      TelegramConfig
	API           APIConfig
	Metrics       MetricsConfig
	Publish       PublishConfig
	Observability ObservabilityConfig
}

// DirsConfig holds the staging directory paths.
type DirsConfig struct {
	Inbox   string
	Work    string
	Ready   string
	Archive string
	Failed  string
	Temp    string
}

// EncodeConfig holds ffmpeg encode parameters.
type EncodeConfig struct {
	FFmpegPath      string
	Preset          string
	DurationSeconds int
	Width           int
	Height          int
	FPS             int
	Codec           string
	MaxBitrate      string
	PixelFormat     string
}

// WatcherConfig holds inbox polling and result polling settings.
type WatcherConfig struct {
	PollInterval       time.Duration
	StableTicks        int
	ResultPollTicks    int
	RecencyWindow      time.Duration
	RecoverWorkOnStart bool
}

// TelegramConfig holds chat adapter configuration.
type TelegramConfig struct {
	BotToken    string
	OwnerChatID int64
}

// APIConfig holds HTTP API configuration.
type APIConfig struct {
	Port           string
	Username       string
	Password       string
	JWTSecret      string
	AllowedOrigins []string
}

// MetricsConfig holds the metrics listener configuration.
type MetricsConfig struct {
	Port int
}

// PublishConfig holds optional S3 artifact publishing configuration.
type PublishConfig struct {
	Region string
	Bucket string
	Prefix string
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string
	Enabled      bool
}

// Default values
const (
	DefaultInboxDir     = "./inbox"
	DefaultWorkDir      = "./work"
	DefaultReadyDir     = "./readyforinstagram"
	DefaultArchiveDir   = "./archive"
	DefaultFailedDir    = "./failed"
	DefaultTempDir      = "./tmp"
	DefaultFFmpegPath   = "ffmpeg"
	DefaultDuration     = 4
	DefaultWidth        = 1080
	DefaultHeight       = 1920
	DefaultFPS          = 30
	DefaultCodec        = "libx264"
	DefaultMaxBitrate   = "8M"
	DefaultPixelFormat  = "yuv420p"
	DefaultPollInterval = 500 * time.Millisecond
	DefaultStableTicks  = 3
	DefaultResultTicks  = 60
	DefaultRecency      = 70 * time.Second
	DefaultPort         = "8080"
	DefaultMetricsPort  = 2112
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultRegion       = "us-west-2"
	DefaultPrefix       = "reels/"
)

// Load reads configuration from environment variables and returns a validated Config.
// Directory paths are resolved to absolute paths.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Dirs: DirsConfig{
			Inbox:   getEnv("INPUT_DIR", DefaultInboxDir),
			Work:    getEnv("WORK_DIR", DefaultWorkDir),
			Ready:   getEnv("READY_DIR", DefaultReadyDir),
			Archive: getEnv("ARCHIVE_DIR", DefaultArchiveDir),
			Failed:  getEnv("FAILED_DIR", DefaultFailedDir),
			Temp:    getEnv("TEMP_DIR", DefaultTempDir),
		},
		Encode: EncodeConfig{
			FFmpegPath:      getEnv("FFMPEG_PATH", DefaultFFmpegPath),
			Preset:          os.Getenv("ENCODE_PRESET"),
			DurationSeconds: getEnvInt("DURATION_SECONDS", DefaultDuration),
			Width:           getEnvInt("WIDTH", DefaultWidth),
			Height:          getEnvInt("HEIGHT", DefaultHeight),
			FPS:             getEnvInt("FPS", DefaultFPS),
			Codec:           getEnv("VIDEO_CODEC", DefaultCodec),
			MaxBitrate:      getEnv("MAX_BITRATE", DefaultMaxBitrate),
			PixelFormat:     getEnv("PIX_FMT", DefaultPixelFormat),
		},
		Watcher: WatcherConfig{
			PollInterval:       getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
			StableTicks:        getEnvInt("STABLE_TICKS", DefaultStableTicks),
			ResultPollTicks:    getEnvInt("RESULT_POLL_TICKS", DefaultResultTicks),
			RecencyWindow:      getEnvDuration("RECENCY_WINDOW", DefaultRecency),
			RecoverWorkOnStart: getEnvBool("RECOVER_WORK_ON_START", true),
		},
		Telegram: TelegramConfig{
			BotToken:    strings.TrimSpace(os.Getenv("BOT_TOKEN")),
			OwnerChatID: getEnvInt64("OWNER_CHAT_ID", 0),
		},
		API: APIConfig{
			Port:           getEnv("PORT", DefaultPort),
			Username:       os.Getenv("API_USERNAME"),
			Password:       os.Getenv("API_PASSWORD"),
			JWTSecret:      os.Getenv("JWT_SECRET"),
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		},
		Metrics: MetricsConfig{
			Port: getEnvInt("METRICS_PORT", DefaultMetricsPort),
		},
		Publish: PublishConfig{
			Region: getEnv("AWS_REGION", DefaultRegion),
			Bucket: os.Getenv("PUBLISH_BUCKET"),
			Prefix: getEnv("PUBLISH_PREFIX", DefaultPrefix),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
			Enabled:      getEnvBool("OTEL_ENABLED", false),
		},
	}

	if err := cfg.resolveDirs(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable by the pipeline.
func (c *Config) Validate() error {
	var errs []string

	for name, dir := range c.Dirs.named() {
		if dir == "" {
			errs = append(errs, fmt.Sprintf("%s directory is required", name))
		}
	}
	if c.Encode.DurationSeconds <= 0 {
		errs = append(errs, "DURATION_SECONDS must be positive")
	}
	if c.Encode.Width <= 0 || c.Encode.Height <= 0 {
		errs = append(errs, "WIDTH and HEIGHT must be positive")
	}
	if c.Encode.Width%2 != 0 || c.Encode.Height%2 != 0 {
		errs = append(errs, "WIDTH and HEIGHT must be even for yuv420p output")
	}
	if c.Encode.FPS <= 0 {
		errs = append(errs, "FPS must be positive")
	}
	if c.Watcher.PollInterval <= 0 {
		errs = append(errs, "POLL_INTERVAL must be positive")
	}
	if c.Watcher.StableTicks <= 0 {
		errs = append(errs, "STABLE_TICKS must be positive")
	}

	// In production, an exposed upload endpoint needs real credentials
	if c.IsProduction() && c.UploadEnabled() {
		if c.API.Username == "" || c.API.Password == "" {
			errs = append(errs, "API_USERNAME and API_PASSWORD are required in production")
		}
		if len(c.API.JWTSecret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// ChatEnabled reports whether a bot credential was supplied.
func (c *Config) ChatEnabled() bool {
	return c.Telegram.BotToken != ""
}

// UploadEnabled reports whether the authenticated HTTP upload endpoint is served.
func (c *Config) UploadEnabled() bool {
	return c.API.JWTSecret != ""
}

// PublishEnabled reports whether ready artifacts are mirrored to S3.
func (c *Config) PublishEnabled() bool {
	return c.Publish.Bucket != ""
}

// GetAPICredentials returns API credentials with fallback for development.
func (c *Config) GetAPICredentials() (username, password string, err error) {
	username = c.API.Username
	password = c.API.Password

	if username == "" || password == "" {
		if c.IsProduction() {
			return "", "", errors.New("API credentials not configured")
		}
		// Development fallback
		return "admin", "secret", nil
	}

	return username, password, nil
}

func (d DirsConfig) named() map[string]string {
	return map[string]string{
		"INPUT_DIR":   d.Inbox,
		"WORK_DIR":    d.Work,
		"READY_DIR":   d.Ready,
		"ARCHIVE_DIR": d.Archive,
		"FAILED_DIR":  d.Failed,
		"TEMP_DIR":    d.Temp,
	}
}

func (c *Config) resolveDirs() error {
	for _, dir := range []*string{
		&c.Dirs.Inbox, &c.Dirs.Work, &c.Dirs.Ready,
		&c.Dirs.Archive, &c.Dirs.Failed, &c.Dirs.Temp,
	} {
		if *dir == "" {
			continue
		}
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return fmt.Errorf("resolve directory %q: %w", *dir, err)
		}
		*dir = abs
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		return strings.EqualFold(value, "yes")
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvDuration accepts Go duration strings ("500ms") or plain seconds ("0.5").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}
