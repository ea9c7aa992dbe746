package orchestrator

import (
	"errors"
	"sort"
	"sync"

	"hls-publisher/internal/hls"
)

var (
	// ErrStreamActive is returned when a job for the same stream is still running.
	ErrStreamActive = errors.New("stream already has an active job")

	// ErrJobNotFound is returned when no job exists for a stream.
	ErrJobNotFound = errors.New("no job for stream")
)

// Registry is a concurrency-safe index of live jobs by stream name. A stream
// name is held by at most one job at a time.
type Registry struct {
	mu   sync.RWMutex
	jobs map[hls.StreamName]*Job
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[hls.StreamName]*Job)}
}

// Reserve claims job.Stream for job.
func (r *Registry) Reserve(job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.Stream]; exists {
		return ErrStreamActive
	}
	r.jobs[job.Stream] = job
	return nil
}

// Release frees the stream name, but only if job is the one holding it.
func (r *Registry) Release(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.jobs[job.Stream]; ok && cur == job {
		delete(r.jobs, job.Stream)
	}
}

// Get returns the job holding stream.
func (r *Registry) Get(stream hls.StreamName) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[stream]
	return j, ok
}

// List returns all jobs ordered by stream name.
func (r *Registry) List() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Stream < out[b].Stream })
	return out
}

// ActiveCount returns the number of jobs that have not stopped.
// Used for metrics.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, j := range r.jobs {
		if j.State() != StateStopped {
			n++
		}
	}
	return n
}
