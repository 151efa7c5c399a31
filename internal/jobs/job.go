package jobs

import (
	"encoding/json"
	"errors"
	"time"
)

// State is the lifecycle state of a transcription job.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions are possible for s,
// short of an explicit retry back to pending.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether the lifecycle lattice permits moving from
// one state to another. processing may return to pending when a failed
// attempt is still within the retry budget, and a terminal failed job may
// be reset to pending for reprocessing.
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateProcessing
	case StateProcessing:
		return to == StateCompleted || to == StateFailed || to == StatePending
	case StateFailed:
		return to == StatePending
	default:
		return false
	}
}

var (
	// ErrNotFound indicates the job record does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrExists indicates a job with the same id was already created.
	ErrExists = errors.New("job already exists")
	// ErrConflict indicates a transition lost the compare-and-set race or
	// attempted a move the lattice forbids. Callers treat it as a no-op
	// duplicate, not a failure.
	ErrConflict = errors.New("job transition conflict")
)

// Job is the durable record of one transcription request. The record is
// the source of truth for status; queue messages and webhook deliveries
// are reconciled against it.
type Job struct {
	ID           string          `json:"job_id"`
	State        State           `json:"state"`
	AttemptCount int             `json:"attempt_count"`
	Revision     int64           `json:"revision"`
	ImageKey     string          `json:"image_key"`
	Message      string          `json:"message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorReason  string          `json:"error_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// StatusEvent is the payload carried by the webhook notifier and the
// event bus. Revision is the de-duplication key: consumers discard any
// event whose revision is not strictly greater than the last one they
// applied for the job.
type StatusEvent struct {
	JobID        string          `json:"job_id"`
	State        State           `json:"state"`
	AttemptCount int             `json:"attempt_count"`
	Revision     int64           `json:"revision"`
	Message      string          `json:"message,omitempty"`
	Retrying     bool            `json:"retrying,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Event builds the StatusEvent describing the job's current committed
// state. On completed the payload carries the structured recipe; on
// terminal failed it carries the error reason.
func (j *Job) Event(retrying bool) StatusEvent {
	ev := StatusEvent{
		JobID:        j.ID,
		State:        j.State,
		AttemptCount: j.AttemptCount,
		Revision:     j.Revision,
		Message:      j.Message,
		Retrying:     retrying,
	}
	switch j.State {
	case StateCompleted:
		ev.Payload = j.Result
	case StateFailed:
		ev.Payload, _ = json.Marshal(map[string]string{"error": j.ErrorReason})
	}
	return ev
}

// QueueMessage is the JSON body handed from producer to worker through
// the work queue.
type QueueMessage struct {
	// JobID is the ID of the job, generated and saved before enqueueing.
	JobID string `json:"job_id"`
	// ImageKey is the location of the uploaded image inside the S3 bucket.
	ImageKey string `json:"image_key"`
}

// Expect pins the compare-and-set guard for a transition. A writer that
// observes different values loses the race and gets ErrConflict.
type Expect struct {
	State        State
	AttemptCount int
}
