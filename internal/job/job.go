package job

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of analysis work a job carries.
type Type string

const (
	TypeImageAnalysis Type = "image-analysis"
	TypeVideoAnalysis Type = "video-analysis"
)

// Valid reports whether t is a known job type.
func (t Type) Valid() bool {
	switch t {
	case TypeImageAnalysis, TypeVideoAnalysis:
		return true
	}
	return false
}

// State is the lifecycle state of a job.
type State string

const (
	StateQueued     State = "queued"
	StateSending    State = "sending"
	StateProcessing State = "processing"
	StateSent       State = "sent"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition is permitted from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Payload is the reference bundle a job carries. It holds identifiers only,
// never the media itself.
type Payload struct {
	ResourceID    string `json:"resource_id"`
	ProjectID     string `json:"project_id"`
	OwnerID       string `json:"owner_id"`
	EstimatedSize int64  `json:"estimated_size,omitempty"`
	Source        string `json:"source,omitempty"`
}

// Validate checks the required payload fields. Estimation hints are optional.
func (p Payload) Validate() error {
	if p.ResourceID == "" {
		return &ValidationError{Field: "resource_id", Reason: "required"}
	}
	if p.ProjectID == "" {
		return &ValidationError{Field: "project_id", Reason: "required"}
	}
	if p.OwnerID == "" {
		return &ValidationError{Field: "owner_id", Reason: "required"}
	}
	return nil
}

// Job is one unit of asynchronous work. A job is created by the producer
// path and mutated only by the worker that currently owns it.
type Job struct {
	ID           string    `json:"job_id" db:"job_id"`
	Type         Type      `json:"job_type" db:"job_type"`
	Payload      Payload   `json:"payload" db:"-"`
	State        State     `json:"state" db:"state"`
	Retries      int       `json:"retries" db:"retries"`
	MaxRetries   int       `json:"max_retries" db:"max_retries"`
	ScheduledFor time.Time `json:"scheduled_for" db:"scheduled_for"`
	LastError    string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// New builds a queued job with a fresh id, zero retries and an immediate
// schedule. The payload is validated by the queue on enqueue, not here.
func New(jobType Type, payload Payload, maxRetries int) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:           uuid.New().String(),
		Type:         jobType,
		Payload:      payload,
		State:        StateQueued,
		Retries:      0,
		MaxRetries:   maxRetries,
		ScheduledFor: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Item is the per-job slice of a queue snapshot.
type Item struct {
	JobID        string    `json:"job_id"`
	Type         Type      `json:"job_type"`
	State        State     `json:"state"`
	Retries      int       `json:"retries"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// Snapshot is the non-blocking status view exposed by both the in-process
// and the durable queue.
type Snapshot struct {
	QueueLength int    `json:"queue_length"`
	Processing  int    `json:"processing"`
	Workers     int    `json:"workers"`
	MaxWorkers  int    `json:"max_workers"`
	Items       []Item `json:"items"`
}
