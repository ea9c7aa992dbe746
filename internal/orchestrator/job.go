package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"hls-publisher/internal/hls"
)

// Job is one live stream being transcoded and published. Its renditions are
// fixed when the job is created.
type Job struct {
	ID         string
	Stream     hls.StreamName
	SourceURL  string
	Renditions []hls.Rendition
	MasterKey  string
	CreatedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	state           JobState
	watched         []hls.Rendition
	segmentSeen     map[string]bool
	masterPublished bool
	pid             int
	err             error
	stoppedAt       time.Time
}

func newJob(parent context.Context, stream hls.StreamName, sourceURL string, renditions []hls.Rendition) *Job {
	ctx, cancel := context.WithCancel(parent)
	return &Job{
		ID:          uuid.NewString(),
		Stream:      stream,
		SourceURL:   sourceURL,
		Renditions:  renditions,
		MasterKey:   hls.MasterKey(stream),
		CreatedAt:   time.Now().UTC(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       StateStarting,
		segmentSeen: make(map[string]bool),
	}
}

// Stop asks the job to shut down: the transcoder is interrupted and, after the
// drain delay, the watchers close. It does not wait.
func (j *Job) Stop() {
	j.mu.Lock()
	if j.state == StateStarting || j.state == StateRunning {
		j.state = StateStopping
	}
	j.mu.Unlock()
	j.cancel()
}

// Done is closed once the job reached StateStopped.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job stopped or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the transcoder failure, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// WatchedDirs lists the directories that have an armed watcher.
func (j *Job) WatchedDirs() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	dirs := make([]string, len(j.watched))
	for i, r := range j.watched {
		dirs[i] = r.OutputDir
	}
	return dirs
}

// Snapshot copies the job state for reporting.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	labels := make([]string, len(j.Renditions))
	for i, r := range j.Renditions {
		labels[i] = r.Label
	}
	dirs := make([]string, len(j.watched))
	for i, r := range j.watched {
		dirs[i] = r.OutputDir
	}
	snap := JobSnapshot{
		ID:              j.ID,
		Stream:          string(j.Stream),
		State:           j.state,
		Renditions:      labels,
		WatchedDirs:     dirs,
		MasterKey:       j.MasterKey,
		MasterPublished: j.masterPublished,
		PID:             j.pid,
		CreatedAt:       j.CreatedAt,
	}
	if j.err != nil {
		snap.Error = j.err.Error()
	}
	if !j.stoppedAt.IsZero() {
		t := j.stoppedAt
		snap.StoppedAt = &t
	}
	return snap
}

func (j *Job) setState(s JobState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	// A stop request wins over the startup path moving the job to running.
	if s == StateRunning && j.state != StateStarting {
		return
	}
	j.state = s
}

func (j *Job) addWatched(r hls.Rendition) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.watched = append(j.watched, r)
}

func (j *Job) setPID(pid int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pid = pid
}

func (j *Job) setErr(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.err = err
}

// claimMaster reports whether the caller should publish the master playlist.
// It returns true at most once per job.
func (j *Job) claimMaster() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.masterPublished {
		return false
	}
	j.masterPublished = true
	return true
}

// segmentUploaded records a stored segment for rendition and reports whether
// every watched rendition now has one and the master is not yet claimed.
func (j *Job) segmentUploaded(rendition string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.segmentSeen[rendition] = true
	if j.masterPublished || len(j.watched) == 0 {
		return false
	}
	for _, r := range j.watched {
		if !j.segmentSeen[r.Label] {
			return false
		}
	}
	j.masterPublished = true
	return true
}

func (j *Job) markStopped() {
	j.mu.Lock()
	j.state = StateStopped
	j.stoppedAt = time.Now().UTC()
	j.mu.Unlock()
	j.cancel()
	close(j.done)
}
