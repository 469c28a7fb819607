package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/reel-pipeline/internal/api"
	"github.com/amillerrr/reel-pipeline/internal/auth"
	"github.com/amillerrr/reel-pipeline/internal/chat"
	"github.com/amillerrr/reel-pipeline/internal/config"
	"github.com/amillerrr/reel-pipeline/internal/health"
	"github.com/amillerrr/reel-pipeline/internal/ingest"
	"github.com/amillerrr/reel-pipeline/internal/jobs"
	"github.com/amillerrr/reel-pipeline/internal/logger"
	"github.com/amillerrr/reel-pipeline/internal/observability"
	"github.com/amillerrr/reel-pipeline/internal/queue"
	"github.com/amillerrr/reel-pipeline/internal/staging"
	"github.com/amillerrr/reel-pipeline/internal/storage"
	"github.com/amillerrr/reel-pipeline/internal/transcoder"
	"github.com/amillerrr/reel-pipeline/internal/watcher"
	"github.com/amillerrr/reel-pipeline/internal/worker"
)

const (
	ServiceName           = "reelmaker"
	ShutdownTimeout       = 30 * time.Second
	TracerShutdownTimeout = 5 * time.Second
	AWSConfigTimeout      = 10 * time.Second
	StartupCheckTimeout   = 15 * time.Second
	JobRetention          = 1000
)

func main() {
	if err := run(); err != nil {
		slog.Error("reelmaker exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)
	if envErr != nil {
		log.Info("No .env file found, using system environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize tracing
	shutdownTracer, err := observability.InitTracer(ctx, ServiceName, cfg)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	// Encoder
	params, err := transcoder.ParamsFromConfig(cfg.Encode)
	if err != nil {
		return err
	}
	encoder := transcoder.NewEncoder(params, log)
	checkCtx, cancel := context.WithTimeout(ctx, StartupCheckTimeout)
	err = encoder.CheckAvailable(checkCtx)
	cancel()
	if err != nil {
		return err
	}

	// Staging directories
	layout := staging.NewLayout(cfg.Dirs)
	if err := layout.Ensure(); err != nil {
		return fmt.Errorf("prepare staging directories: %w", err)
	}
	if err := layout.CheckSameVolume(); err != nil {
		return err
	}

	metricsServer := startMetricsServer(cfg.Metrics.Port, log)

	// Pipeline core
	tracker := jobs.NewTracker(JobRetention)
	q := queue.New()
	ingestor := ingest.New(&ingest.Config{
		WorkDir: layout.Work,
		Queue:   q,
		Tracker: tracker,
		Logger:  log,
	})

	if cfg.Watcher.RecoverWorkOnStart {
		if _, err := ingestor.Recover(ctx); err != nil {
			return fmt.Errorf("recover work directory: %w", err)
		}
	}

	// Optional publishing
	var publisher worker.Publisher
	var s3Client *storage.Client
	if cfg.PublishEnabled() {
		awsCtx, cancel := context.WithTimeout(ctx, AWSConfigTimeout)
		s3Client, err = storage.NewS3Client(awsCtx, cfg.Publish.Region)
		cancel()
		if err != nil {
			return err
		}
		publisher = worker.NewUploader(s3Client, s3Client, cfg.Publish.Bucket, cfg.Publish.Prefix, log)
		log.Info("Publishing enabled", "bucket", cfg.Publish.Bucket, "prefix", cfg.Publish.Prefix)
	}

	// Optional chat adapter
	var bot *chat.Bot
	var chatHandler *chat.Handler
	var hooks []worker.ResultHook
	if cfg.ChatEnabled() {
		bot, err = chat.NewBot(cfg.Telegram.BotToken, log)
		if err != nil {
			return err
		}
		chatHandler = chat.NewHandler(&chat.Config{
			Messenger:       bot,
			Ingester:        ingestor,
			Jobs:            tracker,
			TempDir:         layout.Temp,
			ReadyDir:        layout.Ready,
			OwnerChatID:     cfg.Telegram.OwnerChatID,
			PollInterval:    cfg.Watcher.PollInterval,
			ResultTicks:     cfg.Watcher.ResultPollTicks,
			DurationSeconds: params.DurationSeconds,
			Width:           params.Width,
			Height:          params.Height,
			Logger:          log,
		})
		hooks = append(hooks, chatHandler.NotifyOwner)
	} else {
		log.Info("BOT_TOKEN not set, running without chat")
	}

	w := worker.New(&worker.Config{
		Queue:     q,
		Encoder:   encoder,
		Layout:    layout,
		Tracker:   tracker,
		Publisher: publisher,
		Hooks:     hooks,
		Logger:    log,
	})
	watch := watcher.New(&watcher.Config{
		Dir:          layout.Inbox,
		PollInterval: cfg.Watcher.PollInterval,
		StableTicks:  cfg.Watcher.StableTicks,
		Ingester:     ingestor,
		Logger:       log,
	})

	// HTTP surface
	healthConfig := health.DefaultConfig(ServiceName, log)
	healthConfig.Staging = layout
	healthConfig.FFmpeg = encoder
	healthConfig.Queue = q
	if s3Client != nil {
		healthConfig.S3Client = s3Client
		healthConfig.S3Bucket = cfg.Publish.Bucket
	}

	serverCfg := &api.ServerConfig{
		Config:        cfg,
		Logger:        log,
		HealthChecker: health.NewChecker(healthConfig),
		Ingester:      ingestor,
		Jobs:          tracker,
	}
	if cfg.UploadEnabled() {
		jwtService, err := auth.NewJWTService([]byte(cfg.API.JWTSecret))
		if err != nil {
			return err
		}
		serverCfg.JWTService = jwtService
		serverCfg.RateLimiter = auth.NewRateLimiter(auth.DefaultRateLimiterConfig())
	}
	server, err := api.NewServer(serverCfg)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	var wg sync.WaitGroup
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		watch.Run(ctx)
	}()

	if bot != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bot.Run(ctx, chatHandler)
		}()
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Error("Server error", "error", err)
			stop()
		}
	}()

	log.Info("Pipeline started",
		"inbox", layout.Inbox,
		"ready", layout.Ready,
		"size", fmt.Sprintf("%dx%d", params.Width, params.Height),
		"chat", cfg.ChatEnabled(),
		"upload", cfg.UploadEnabled(),
		"publish", cfg.PublishEnabled(),
	)

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shutdown metrics server", "error", err)
	}

	wg.Wait()

	// An idle worker returns at once; a busy one finishes its job first
	q.Close()
	<-workerDone
	if chatHandler != nil {
		chatHandler.Wait()
	}

	if left := q.Drain(); len(left) > 0 {
		log.Info("Jobs left in work directory for next start", "count", len(left), "firstJobId", left[0].ID)
	}

	log.Info("Shutdown complete")
	return nil
}

func startMetricsServer(port int, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		if _, err := rw.Write([]byte(`{"status":"healthy"}`)); err != nil {
			logger.Error(r.Context(), log, "Failed to write health response", "error", err)
		}
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info(context.Background(), log, "Starting metrics server", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), log, "Metrics server error", "error", err)
		}
	}()
	return srv
}
