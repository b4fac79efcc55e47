package jobqueue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultPriority sits in the middle of the band; lower values dequeue first.
const DefaultPriority = 5

// Job is one unit of queued work. The record is stored self-contained in
// redis so redelivery survives process restarts.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	LastError   string          `json:"lastError,omitempty"`
}

// Option adjusts a job before it is enqueued.
type Option func(*Job)

// WithPriority overrides the default priority; lower runs sooner.
func WithPriority(priority int) Option {
	return func(j *Job) { j.Priority = priority }
}

// WithMaxAttempts overrides the queue-level retry cap for this job.
func WithMaxAttempts(max int) Option {
	return func(j *Job) { j.MaxAttempts = max }
}

// WithJobID pins the job id, letting producers enqueue idempotently.
func WithJobID(id string) Option {
	return func(j *Job) { j.ID = id }
}

func newJob(name string, payload json.RawMessage, maxAttempts int, now time.Time) *Job {
	return &Job{
		ID:          uuid.NewString(),
		Name:        name,
		Payload:     payload,
		Priority:    DefaultPriority,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  now,
	}
}

// Unmarshal decodes the job payload into out.
func (j *Job) Unmarshal(out any) error {
	return json.Unmarshal(j.Payload, out)
}
