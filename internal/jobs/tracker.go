// Package jobs keeps the in-memory state of every job keyed by its ID, which
// lets producers match a finished artifact to the request that caused it.
package jobs

import (
	"sync"
	"time"

	"github.com/amillerrr/reel-pipeline/pkg/models"
)

// DefaultRetention bounds how many finished jobs are remembered.
const DefaultRetention = 1000

// Tracker records job state transitions. It is safe for concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	states    map[string]*models.JobState
	order     []string
	retention int
	now       func() time.Time
}

// NewTracker creates a tracker remembering up to retention finished jobs.
func NewTracker(retention int) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		states:    make(map[string]*models.JobState),
		retention: retention,
		now:       time.Now,
	}
}

// Queued registers a freshly enqueued job.
func (t *Tracker) Queued(job models.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.states[job.ID]; !ok {
		t.order = append(t.order, job.ID)
	}
	t.states[job.ID] = &models.JobState{
		Job:       job,
		Status:    models.StatusQueued,
		UpdatedAt: t.now(),
	}
	t.prune()
}

// Processing marks a job as picked up by the worker.
func (t *Tracker) Processing(job models.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[job.ID]
	if !ok {
		st = &models.JobState{Job: job}
		t.states[job.ID] = st
		t.order = append(t.order, job.ID)
	}
	st.Status = models.StatusProcessing
	st.UpdatedAt = t.now()
}

// Finish records the terminal outcome reported by the worker.
func (t *Tracker) Finish(res models.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[res.Job.ID]
	if !ok {
		st = &models.JobState{Job: res.Job}
		t.states[res.Job.ID] = st
		t.order = append(t.order, res.Job.ID)
	}
	st.Status = res.Status
	st.ArtifactPath = res.ArtifactPath
	st.FinalPath = res.FinalPath
	st.PublishedURL = res.PublishedURL
	st.Error = ""
	if res.Err != nil {
		st.Error = res.Err.Error()
	}
	st.UpdatedAt = t.now()
	t.prune()
}

// Forget removes a job that never reached the queue.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, id)
}

// Get returns a copy of the job's state.
func (t *Tracker) Get(id string) (models.JobState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.states[id]
	if !ok {
		return models.JobState{}, models.ErrJobNotFound
	}
	return *st, nil
}

// Len returns the number of remembered jobs.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}

// prune drops the oldest finished jobs beyond the retention limit.
// Jobs still queued or processing are never dropped.
func (t *Tracker) prune() {
	if len(t.states) <= t.retention {
		return
	}
	kept := t.order[:0]
	excess := len(t.states) - t.retention
	for _, id := range t.order {
		st, ok := t.states[id]
		if !ok {
			continue
		}
		if excess > 0 && st.Status.IsTerminal() {
			delete(t.states, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}
