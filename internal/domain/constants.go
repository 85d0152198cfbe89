package domain

// JobStatus is the lifecycle state of a job
type JobStatus string

// Job status constants
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed out of s
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// rank orders statuses along the state machine; terminal states share a rank
func (s JobStatus) rank() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusProcessing:
		return 1
	case JobStatusCompleted, JobStatusFailed:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether the state machine allows moving from s to next.
// Transitions are monotonic and terminal states have no exits.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.IsTerminal() || next.rank() < 0 {
		return false
	}
	return next.rank() >= s.rank()
}

// JobKind identifies the supported job types
type JobKind string

const (
	JobKindOSM     JobKind = "osm"
	JobKindGeoJSON JobKind = "geojson"
)

// Job error codes stored in Job.Error for cooperative aborts
const (
	ErrorCodeCancelled = "CANCELLED"
	ErrorCodeShutdown  = "SHUTDOWN"
)

// Event topics published on job and project transitions
const (
	TopicJobStarted     = "job_started"
	TopicJobCompleted   = "job_completed"
	TopicJobFailed      = "job_failed"
	TopicProjectUpdated = "project_updated"
)

// TopicForStatus maps a status change to the event it emits, if any
func TopicForStatus(s JobStatus) (string, bool) {
	switch s {
	case JobStatusProcessing:
		return TopicJobStarted, true
	case JobStatusCompleted:
		return TopicJobCompleted, true
	case JobStatusFailed:
		return TopicJobFailed, true
	default:
		return "", false
	}
}
