// Package api serves the health, metrics, upload and job status endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/reel-pipeline/internal/auth"
	"github.com/amillerrr/reel-pipeline/internal/config"
	"github.com/amillerrr/reel-pipeline/internal/health"
)

// Server configuration constants
const (
	ReadTimeout       = 30 * time.Second
	ReadHeaderTimeout = 10 * time.Second
	WriteTimeout      = 60 * time.Second
	IdleTimeout       = 120 * time.Second
	MaxHeaderBytes    = 1 << 20 // 1 MB
)

// Server represents the HTTP server for the API.
type Server struct {
	httpServer  *http.Server
	cfg         *config.Config
	log         *slog.Logger
	rateLimiter *auth.RateLimiter
}

// ServerConfig holds dependencies for the server. JWTService may be nil,
// in which case login, upload and job status are not served.
type ServerConfig struct {
	Config        *config.Config
	Logger        *slog.Logger
	JWTService    *auth.JWTService
	RateLimiter   *auth.RateLimiter
	HealthChecker *health.Checker
	Ingester      Ingester
	Jobs          JobSource
}

// NewServer creates a new API server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.JWTService != nil && (cfg.Ingester == nil || cfg.Jobs == nil) {
		return nil, errors.New("upload endpoints require an ingester and a job source")
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + cfg.Config.API.Port,
			Handler:           NewRouter(cfg),
			ReadTimeout:       ReadTimeout,
			ReadHeaderTimeout: ReadHeaderTimeout,
			WriteTimeout:      WriteTimeout,
			IdleTimeout:       IdleTimeout,
			MaxHeaderBytes:    MaxHeaderBytes,
		},
		cfg:         cfg.Config,
		log:         cfg.Logger,
		rateLimiter: cfg.RateLimiter,
	}, nil
}

// NewRouter builds the routed and instrumented handler tree.
func NewRouter(cfg *ServerConfig) http.Handler {
	handlers := NewHandlers(&HandlersConfig{
		Config:      cfg.Config,
		Logger:      cfg.Logger,
		JWTService:  cfg.JWTService,
		RateLimiter: cfg.RateLimiter,
		Ingester:    cfg.Ingester,
		Jobs:        cfg.Jobs,
	})

	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("/health", cfg.HealthChecker.Handler())
	mux.HandleFunc("/health/deep", cfg.HealthChecker.DeepHandler())
	mux.HandleFunc("/latest", handlers.LatestHandler)

	// Protected endpoints
	if cfg.JWTService != nil {
		authMiddleware := cfg.JWTService.Middleware(cfg.RateLimiter)
		mux.HandleFunc("/login", handlers.LoginHandler)
		mux.HandleFunc("/upload", authMiddleware(handlers.UploadHandler))
		mux.HandleFunc("/jobs/{id}", authMiddleware(handlers.JobHandler))
	}

	// Metrics endpoint (internal only)
	mux.Handle("/metrics", internalOnlyMiddleware(promhttp.Handler()))

	instrumented := InstrumentMiddleware(cfg.Logger)(mux)
	return CORSMiddleware(cfg.Config.API.AllowedOrigins)(instrumented)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("Starting API server", "port", s.cfg.API.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server...")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

// Private networks for internal-only middleware
var privateNetworks = []net.IPNet{
	{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
	{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
	{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
	{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
}

// internalOnlyMiddleware restricts access to internal networks.
func internalOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Requests relayed by a proxy are treated as external
		if r.Header.Get("X-Forwarded-For") != "" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if isInternalRequest(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}

		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

// isInternalRequest checks if the request is from an internal network.
func isInternalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback()
}
