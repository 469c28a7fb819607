package auth

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Rate limiting configuration
const (
	DefaultMaxFailedAttempts = 5
	DefaultRateLimitWindow   = 15 * time.Minute
	DefaultCleanupInterval   = 5 * time.Minute
)

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	MaxFailedAttempts int
	Window            time.Duration
	CleanupInterval   time.Duration
}

// DefaultRateLimiterConfig returns the default rate limiter configuration.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxFailedAttempts: DefaultMaxFailedAttempts,
		Window:            DefaultRateLimitWindow,
		CleanupInterval:   DefaultCleanupInterval,
	}
}

type failures struct {
	count int
	first time.Time
}

// RateLimiter counts failed authentication attempts per client IP within a
// fixed window starting at the first failure.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*failures
	config   RateLimiterConfig
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a RateLimiter and starts its cleanup goroutine.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		attempts: make(map[string]*failures),
		config:   config,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.removeExpired()
		}
	}
}

func (rl *RateLimiter) removeExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for ip, f := range rl.attempts {
		if rl.expired(f) {
			delete(rl.attempts, ip)
		}
	}
}

func (rl *RateLimiter) expired(f *failures) bool {
	return rl.now().Sub(f.first) > rl.config.Window
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
	})
}

// IsLimited reports whether ip reached the failure limit in the current window.
func (rl *RateLimiter) IsLimited(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	f, ok := rl.attempts[ip]
	if !ok || rl.expired(f) {
		return false
	}
	return f.count >= rl.config.MaxFailedAttempts
}

// RecordFailure counts a failed attempt, opening a new window if needed.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	f, ok := rl.attempts[ip]
	if !ok || rl.expired(f) {
		rl.attempts[ip] = &failures{count: 1, first: rl.now()}
		return
	}
	f.count++
}

// Reset clears the failed attempts for the IP.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// GetClientIP extracts the client IP from the request, preferring the first
// X-Forwarded-For hop, then X-Real-IP, then the connection address.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
