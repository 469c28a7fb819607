package watcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/amillerrr/reel-pipeline/internal/ingest"
	"github.com/amillerrr/reel-pipeline/internal/jobs"
	"github.com/amillerrr/reel-pipeline/internal/queue"
	"github.com/amillerrr/reel-pipeline/internal/staging"
	"github.com/amillerrr/reel-pipeline/pkg/models"
)

type fakeIngester struct {
	mu      sync.Mutex
	calls   []string
	failFor int
	err     error
}

func (f *fakeIngester) Ingest(ctx context.Context, src string, origin models.Origin, temporary bool) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, src)
	if f.failFor > 0 {
		f.failFor--
		return models.Job{}, f.err
	}
	// simulate the claim moving the file out of the inbox
	if err := os.Remove(src); err != nil {
		return models.Job{}, err
	}
	return models.Job{ID: "id", SourcePath: src, Origin: origin}, nil
}

func (f *fakeIngester) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestWatcher(t *testing.T, ing Ingester) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	w := New(&Config{
		Dir:          dir,
		PollInterval: 10 * time.Millisecond,
		StableTicks:  3,
		Ingester:     ing,
		Logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	return w, dir
}

func write(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
}

func scan(t *testing.T, w *Watcher) {
	t.Helper()
	if err := w.ScanOnce(context.Background()); err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}
}

func TestScanOnce_ClaimsAfterExactlyThresholdStableTicks(t *testing.T) {
	ing := &fakeIngester{}
	w, dir := newTestWatcher(t, ing)
	write(t, filepath.Join(dir, "a.jpg"), 100)

	// first sighting plus two stable ticks: not yet
	for i := 0; i < 3; i++ {
		scan(t, w)
		if ing.count() != 0 {
			t.Fatalf("claimed after %d ticks, want no claim before the third stable tick", i+1)
		}
	}

	scan(t, w)
	if ing.count() != 1 {
		t.Fatalf("claims = %d after third stable tick, want 1", ing.count())
	}
	if w.Tracked() != 0 {
		t.Errorf("Tracked() = %d after claim, want 0", w.Tracked())
	}
}

func TestScanOnce_GrowingFileResetsStability(t *testing.T) {
	ing := &fakeIngester{}
	w, dir := newTestWatcher(t, ing)
	path := filepath.Join(dir, "slow.png")

	for size := 10; size <= 50; size += 10 {
		write(t, path, size)
		scan(t, w)
	}
	if ing.count() != 0 {
		t.Fatal("claimed a file that was still growing")
	}

	scan(t, w)
	scan(t, w)
	if ing.count() != 0 {
		t.Fatal("claimed after only two stable ticks")
	}
	scan(t, w)
	if ing.count() != 1 {
		t.Errorf("claims = %d, want 1 after three stable ticks", ing.count())
	}
}

func TestScanOnce_ZeroByteNeverClaimed(t *testing.T) {
	ing := &fakeIngester{}
	w, dir := newTestWatcher(t, ing)
	write(t, filepath.Join(dir, "empty.jpeg"), 0)

	for i := 0; i < 20; i++ {
		scan(t, w)
	}
	if ing.count() != 0 {
		t.Errorf("zero-byte file claimed %d times", ing.count())
	}
	if w.Tracked() != 1 {
		t.Errorf("Tracked() = %d, want the empty file still tracked", w.Tracked())
	}
}

func TestScanOnce_FailedClaimRetracksFromZero(t *testing.T) {
	ing := &fakeIngester{failFor: 1, err: models.ErrClaimFailed}
	w, dir := newTestWatcher(t, ing)
	write(t, filepath.Join(dir, "a.bmp"), 5)

	for i := 0; i < 4; i++ {
		scan(t, w)
	}
	if ing.count() != 1 {
		t.Fatalf("claims = %d, want 1 failed attempt", ing.count())
	}

	// rediscovered as new, so another first sighting plus three stable ticks
	for i := 0; i < 3; i++ {
		scan(t, w)
	}
	if ing.count() != 1 {
		t.Fatalf("retried too early: %d attempts", ing.count())
	}
	scan(t, w)
	if ing.count() != 2 {
		t.Errorf("claims = %d, want retry after re-tracking", ing.count())
	}
}

func TestScanOnce_DropsVanishedFiles(t *testing.T) {
	w, dir := newTestWatcher(t, &fakeIngester{})
	path := filepath.Join(dir, "a.webp")
	write(t, path, 5)

	scan(t, w)
	if w.Tracked() != 1 {
		t.Fatalf("Tracked() = %d, want 1", w.Tracked())
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	scan(t, w)
	if w.Tracked() != 0 {
		t.Errorf("Tracked() = %d after removal, want 0", w.Tracked())
	}
}

func TestScanOnce_IgnoresUnsupportedFiles(t *testing.T) {
	w, dir := newTestWatcher(t, &fakeIngester{})
	write(t, filepath.Join(dir, "notes.txt"), 5)
	write(t, filepath.Join(dir, "UPPER.JPG"), 5)

	scan(t, w)
	if w.Tracked() != 1 {
		t.Errorf("Tracked() = %d, want only the image", w.Tracked())
	}
}

func TestScanOnce_MissingInbox(t *testing.T) {
	w := New(&Config{
		Dir:      filepath.Join(t.TempDir(), "gone"),
		Ingester: &fakeIngester{},
		Logger:   slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	if err := w.ScanOnce(context.Background()); err == nil {
		t.Error("ScanOnce() expected error for missing inbox")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	w, _ := newTestWatcher(t, &fakeIngester{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRun_ClaimsIntoWorkAndEnqueues(t *testing.T) {
	root := t.TempDir()
	layout := staging.Layout{
		Inbox: filepath.Join(root, "inbox"), Work: filepath.Join(root, "work"),
		Ready: filepath.Join(root, "ready"), Archive: filepath.Join(root, "archive"),
		Failed: filepath.Join(root, "failed"), Temp: filepath.Join(root, "tmp"),
	}
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	q := queue.New()
	ing := ingest.New(&ingest.Config{WorkDir: layout.Work, Queue: q, Tracker: jobs.NewTracker(0), Logger: log})
	w := New(&Config{Dir: layout.Inbox, PollInterval: 5 * time.Millisecond, StableTicks: 3, Ingester: ing, Logger: log})

	write(t, filepath.Join(layout.Inbox, "pic.jpg"), 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	dqCtx, dqCancel := context.WithTimeout(ctx, 2*time.Second)
	defer dqCancel()
	job, err := q.Dequeue(dqCtx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if filepath.Dir(job.SourcePath) != layout.Work || job.Origin != models.OriginWatcher {
		t.Errorf("job = %+v, want watcher job in work", job)
	}
	if _, err := os.Stat(filepath.Join(layout.Inbox, "pic.jpg")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file still in inbox after claim: %v", err)
	}
}
