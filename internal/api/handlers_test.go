package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/amillerrr/reel-pipeline/internal/auth"
	"github.com/amillerrr/reel-pipeline/internal/config"
	"github.com/amillerrr/reel-pipeline/internal/health"
	"github.com/amillerrr/reel-pipeline/internal/ingest"
	"github.com/amillerrr/reel-pipeline/internal/jobs"
	"github.com/amillerrr/reel-pipeline/internal/logger"
	"github.com/amillerrr/reel-pipeline/internal/queue"
	"github.com/amillerrr/reel-pipeline/internal/staging"
	"github.com/amillerrr/reel-pipeline/pkg/models"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

type apiEnv struct {
	cfg     *config.Config
	queue   *queue.Queue
	tracker *jobs.Tracker
	jwt     *auth.JWTService
	limiter *auth.RateLimiter
	router  http.Handler
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		Environment: "dev",
		Dirs: config.DirsConfig{
			Inbox:   filepath.Join(root, "inbox"),
			Work:    filepath.Join(root, "work"),
			Ready:   filepath.Join(root, "ready"),
			Archive: filepath.Join(root, "archive"),
			Failed:  filepath.Join(root, "failed"),
			Temp:    filepath.Join(root, "tmp"),
		},
		Watcher: config.WatcherConfig{RecencyWindow: config.DefaultRecency},
		API:     config.APIConfig{Port: "0", JWTSecret: "test-secret-that-is-long-enough-123"},
	}
	if err := staging.NewLayout(cfg.Dirs).Ensure(); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	log := logger.NewWithWriter(io.Discard, "error")
	jwtSvc, err := auth.NewJWTService([]byte(cfg.API.JWTSecret))
	if err != nil {
		t.Fatalf("NewJWTService() error = %v", err)
	}
	limiter := auth.NewRateLimiter(auth.DefaultRateLimiterConfig())
	t.Cleanup(limiter.Stop)

	q := queue.New()
	tracker := jobs.NewTracker(0)
	ing := ingest.New(&ingest.Config{
		WorkDir: cfg.Dirs.Work,
		Queue:   q,
		Tracker: tracker,
		Logger:  log,
	})

	return &apiEnv{
		cfg:     cfg,
		queue:   q,
		tracker: tracker,
		jwt:     jwtSvc,
		limiter: limiter,
		router: NewRouter(&ServerConfig{
			Config:        cfg,
			Logger:        log,
			JWTService:    jwtSvc,
			RateLimiter:   limiter,
			HealthChecker: health.NewChecker(health.DefaultConfig("reel-api", log)),
			Ingester:      ing,
			Jobs:          tracker,
		}),
	}
}

func (e *apiEnv) token(t *testing.T) string {
	t.Helper()
	token, err := e.jwt.GenerateToken("admin")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	return token
}

func (e *apiEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func uploadRequest(t *testing.T, token, field, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func listNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir(%s) error = %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		wantErr  bool
	}{
		{"valid jpg", "photo.jpg", false},
		{"valid jpeg", "photo.jpeg", false},
		{"valid png", "shot.png", false},
		{"valid webp", "clip.webp", false},
		{"valid bmp", "scan.bmp", false},
		{"uppercase extension", "PHOTO.JPG", false},
		{"empty filename", "", true},
		{"invalid extension", "notes.txt", true},
		{"video extension", "video.mp4", true},
		{"no extension", "photo", true},
		{"too long", strings.Repeat("a", MaxFilenameLength) + ".jpg", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFilename(tt.filename)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateFilename(%q) error = %v, wantErr %v", tt.filename, err, tt.wantErr)
			}
		})
	}
}

func TestSniffContentType(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		want    string
		wantErr bool
	}{
		{"png", pngHeader, "image/png", false},
		{"jpeg", []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00"), "image/jpeg", false},
		{"plain text", []byte("hello world"), "", true},
		{"empty", nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bytes.NewReader(tt.content)
			got, err := sniffContentType(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("sniffContentType() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("sniffContentType() = %q, want %q", got, tt.want)
			}
			if !tt.wantErr {
				rest, _ := io.ReadAll(r)
				if !bytes.Equal(rest, tt.content) {
					t.Error("sniffContentType() did not rewind the reader")
				}
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	allowedOrigins := []string{"https://example.com", "https://test.com"}
	middleware := CORSMiddleware(allowedOrigins)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "https://example.com")
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "https://example.com")
		}
	})

	t.Run("disallowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "https://malicious.com")
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
		}
	})

	t.Run("preflight request", func(t *testing.T) {
		req := httptest.NewRequest("OPTIONS", "/test", nil)
		req.Header.Set("Origin", "https://example.com")
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("Status = %d, want %d", rr.Code, http.StatusNoContent)
		}
	})
}

func TestIsInternalRequest(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		want       bool
	}{
		{"localhost", "127.0.0.1:8080", true},
		{"10.x network", "10.0.0.1:12345", true},
		{"172.16.x network", "172.16.0.1:12345", true},
		{"192.168.x network", "192.168.1.1:12345", true},
		{"ipv6 loopback", "[::1]:8080", true},
		{"public IP", "203.0.113.1:12345", false},
		{"another public IP", "8.8.8.8:53", false},
		{"no port", "10.0.0.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isInternalRequest(tt.remoteAddr); got != tt.want {
				t.Errorf("isInternalRequest(%q) = %v, want %v", tt.remoteAddr, got, tt.want)
			}
		})
	}
}

func TestMetricsEndpoint_InternalOnly(t *testing.T) {
	e := newAPIEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	if rr := e.do(req); rr.Code != http.StatusForbidden {
		t.Errorf("external /metrics status = %d, want %d", rr.Code, http.StatusForbidden)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "127.0.0.1:4000"
	if rr := e.do(req); rr.Code != http.StatusOK {
		t.Errorf("internal /metrics status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestLoginHandler(t *testing.T) {
	e := newAPIEnv(t)

	t.Run("wrong method", func(t *testing.T) {
		rr := e.do(httptest.NewRequest(http.MethodGet, "/login", nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("Status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
		}
	})

	t.Run("missing credentials", func(t *testing.T) {
		rr := e.do(httptest.NewRequest(http.MethodPost, "/login", nil))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("Status = %d, want %d", rr.Code, http.StatusUnauthorized)
		}
	})

	t.Run("valid credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.SetBasicAuth("admin", "secret")
		rr := e.do(req)
		if rr.Code != http.StatusOK {
			t.Fatalf("Status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
		}

		var body map[string]string
		if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		claims, err := e.jwt.ValidateToken(body["token"])
		if err != nil {
			t.Fatalf("ValidateToken() error = %v", err)
		}
		if claims.Username != "admin" {
			t.Errorf("Username = %q, want admin", claims.Username)
		}
	})
}

func TestLoginHandler_LocksOutRepeatedFailures(t *testing.T) {
	e := newAPIEnv(t)

	for i := 0; i < auth.DefaultMaxFailedAttempts; i++ {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.SetBasicAuth("admin", "wrong")
		if rr := e.do(req); rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d, want %d", i+1, rr.Code, http.StatusUnauthorized)
		}
	}

	// Correct credentials are refused once the client is locked out
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.SetBasicAuth("admin", "secret")
	rr := e.do(req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want %d", rr.Code, http.StatusTooManyRequests)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestUploadHandler_QueuesImage(t *testing.T) {
	e := newAPIEnv(t)

	rr := e.do(uploadRequest(t, e.token(t), UploadField, "holiday.png", pngHeader))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want %d: %s", rr.Code, http.StatusAccepted, rr.Body.String())
	}

	var resp UploadResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(models.StatusQueued) || resp.RequestID == "" {
		t.Errorf("response = %+v, want queued with request ID", resp)
	}

	if e.queue.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", e.queue.Len())
	}
	state, err := e.tracker.Get(resp.JobID)
	if err != nil {
		t.Fatalf("tracker.Get(%s) error = %v", resp.JobID, err)
	}
	if state.Job.Origin != models.OriginHTTP || !state.Job.Temporary {
		t.Errorf("job = %+v, want temporary http job", state.Job)
	}
	if !strings.HasSuffix(state.Job.SourcePath, ".png") {
		t.Errorf("SourcePath = %q, want .png extension kept", state.Job.SourcePath)
	}

	if names := listNames(t, e.cfg.Dirs.Temp); len(names) != 0 {
		t.Errorf("temp dir = %v, want empty after claim", names)
	}
	if names := listNames(t, e.cfg.Dirs.Work); len(names) != 1 {
		t.Errorf("work dir = %v, want the claimed upload", names)
	}
}

func TestUploadHandler_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		token    bool
		field    string
		filename string
		content  []byte
		want     int
	}{
		{"no token", false, UploadField, "a.png", pngHeader, http.StatusUnauthorized},
		{"wrong field", true, "file", "a.png", pngHeader, http.StatusBadRequest},
		{"unsupported extension", true, UploadField, "a.gif", pngHeader, http.StatusBadRequest},
		{"content is not an image", true, UploadField, "a.png", []byte("just some text"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newAPIEnv(t)
			token := ""
			if tt.token {
				token = e.token(t)
			}

			rr := e.do(uploadRequest(t, token, tt.field, tt.filename, tt.content))
			if rr.Code != tt.want {
				t.Errorf("Status = %d, want %d: %s", rr.Code, tt.want, rr.Body.String())
			}
			if e.queue.Len() != 0 {
				t.Errorf("queue length = %d, want 0", e.queue.Len())
			}
			if names := listNames(t, e.cfg.Dirs.Temp); len(names) != 0 {
				t.Errorf("temp dir = %v, want empty", names)
			}
		})
	}
}

func TestUploadHandler_QueueClosed(t *testing.T) {
	e := newAPIEnv(t)
	e.queue.Close()

	rr := e.do(uploadRequest(t, e.token(t), UploadField, "late.png", pngHeader))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
	if names := listNames(t, e.cfg.Dirs.Temp); len(names) != 0 {
		t.Errorf("temp dir = %v, want empty", names)
	}
}

func TestUploadHandler_ClaimFailureKeepsUpload(t *testing.T) {
	e := newAPIEnv(t)
	if err := os.RemoveAll(e.cfg.Dirs.Work); err != nil {
		t.Fatal(err)
	}

	rr := e.do(uploadRequest(t, e.token(t), UploadField, "kept.png", pngHeader))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("Status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
	names := listNames(t, e.cfg.Dirs.Temp)
	if len(names) != 1 || !strings.HasPrefix(names[0], "http_") {
		t.Fatalf("temp dir = %v, want the upload kept", names)
	}
	data, err := os.ReadFile(filepath.Join(e.cfg.Dirs.Temp, names[0]))
	if err != nil || !bytes.Equal(data, pngHeader) {
		t.Errorf("kept upload = %q, %v", data, err)
	}
	if e.queue.Len() != 0 {
		t.Errorf("queue length = %d, want 0", e.queue.Len())
	}
}

func TestJobHandler(t *testing.T) {
	e := newAPIEnv(t)
	token := e.token(t)

	job := models.Job{ID: staging.NewID(), OriginalName: "a.png", Origin: models.OriginHTTP}
	e.tracker.Queued(job)
	e.tracker.Finish(models.Result{
		Job:          job,
		Status:       models.StatusCompleted,
		ArtifactPath: filepath.Join(e.cfg.Dirs.Ready, "a_"+job.ID+".mp4"),
	})

	tests := []struct {
		name string
		id   string
		want int
	}{
		{"known job", job.ID, http.StatusOK},
		{"unknown job", staging.NewID(), http.StatusNotFound},
		{"malformed id", "not-a-ulid", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/jobs/"+tt.id, nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rr := e.do(req)
			if rr.Code != tt.want {
				t.Fatalf("Status = %d, want %d: %s", rr.Code, tt.want, rr.Body.String())
			}
			if tt.want != http.StatusOK {
				return
			}

			var resp JobResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Status != string(models.StatusCompleted) || resp.Artifact != "a_"+job.ID+".mp4" {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

func TestLatestHandler(t *testing.T) {
	e := newAPIEnv(t)

	rr := e.do(httptest.NewRequest(http.MethodGet, "/latest", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("empty ready dir status = %d, want %d", rr.Code, http.StatusNotFound)
	}

	id := staging.NewID()
	stale := filepath.Join(e.cfg.Dirs.Ready, "old_"+staging.NewID()+".mp4")
	fresh := filepath.Join(e.cfg.Dirs.Ready, "new_"+id+".mp4")
	for _, p := range []string{stale, fresh} {
		if err := os.WriteFile(p, []byte("video"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	rr = e.do(httptest.NewRequest(http.MethodGet, "/latest", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", rr.Code, http.StatusOK)
	}
	var resp LatestArtifactResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Artifact != filepath.Base(fresh) || resp.JobID != id {
		t.Errorf("response = %+v, want %s with job %s", resp, filepath.Base(fresh), id)
	}

	rr = e.do(httptest.NewRequest(http.MethodPost, "/latest", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /latest status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestNewRouter_UploadDisabledWithoutJWT(t *testing.T) {
	e := newAPIEnv(t)
	log := logger.NewWithWriter(io.Discard, "error")
	router := NewRouter(&ServerConfig{
		Config:        e.cfg,
		Logger:        log,
		HealthChecker: health.NewChecker(health.DefaultConfig("reel-api", log)),
	})

	for _, path := range []string{"/login", "/upload", "/jobs/" + staging.NewID()} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, nil))
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want %d", path, rr.Code, http.StatusNotFound)
		}
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("/health status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestNewServer_RequiresIngesterForUploads(t *testing.T) {
	e := newAPIEnv(t)
	_, err := NewServer(&ServerConfig{
		Config:     e.cfg,
		Logger:     logger.NewWithWriter(io.Discard, "error"),
		JWTService: e.jwt,
	})
	if err == nil {
		t.Error("NewServer() expected error without ingester")
	}
}
