package orchestrator

import "time"

// JobState is the lifecycle position of a stream job.
type JobState string

const (
	StateStarting JobState = "starting"
	StateRunning  JobState = "running"
	StateStopping JobState = "stopping"
	StateStopped  JobState = "stopped"
)

// MasterPublish selects when the master playlist is pushed.
type MasterPublish string

const (
	// MasterImmediate publishes as soon as the transcoder has started.
	MasterImmediate MasterPublish = "immediate"
	// MasterReady publishes once every watched rendition has uploaded a segment.
	MasterReady MasterPublish = "ready"
)

// StartRequest is the JSON body of POST /livestreams.
type StartRequest struct {
	RTMPURL    string `json:"rtmpUrl"`
	StreamName string `json:"streamName"`
}

// StartResponse names the master playlist key clients should fetch.
type StartResponse struct {
	Stream string `json:"stream"`
}

// JobSnapshot is the externally visible state of a job. The source URL is left
// out because it usually carries a stream key.
type JobSnapshot struct {
	ID              string     `json:"id"`
	Stream          string     `json:"stream"`
	State           JobState   `json:"state"`
	Renditions      []string   `json:"renditions"`
	WatchedDirs     []string   `json:"watched_dirs"`
	MasterKey       string     `json:"master_key"`
	MasterPublished bool       `json:"master_published"`
	PID             int        `json:"pid,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StoppedAt       *time.Time `json:"stopped_at,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
