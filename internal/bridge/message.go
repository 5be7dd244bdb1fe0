// Package bridge hands transfer work to the message broker for
// cross-process delivery. Delivery is at-least-once: the broker may
// redeliver, so consumers re-check resource state before acting.
package bridge

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/quangdm/mediaq-be/internal/job"
)

// Message is the flat wire representation handed to the broker. Payloads
// are references, never the media artifacts themselves.
type Message struct {
	JobID       string    `json:"job_id"`
	ResourceKey string    `json:"resource_key"`
	ProjectID   string    `json:"project_id"`
	OwnerID     string    `json:"owner_id"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Source      string    `json:"source"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewMessage builds the wire message for a job.
func NewMessage(j *job.Job, contentType string) Message {
	return Message{
		JobID:       j.ID,
		ResourceKey: j.Payload.ResourceID,
		ProjectID:   j.Payload.ProjectID,
		OwnerID:     j.Payload.OwnerID,
		ContentType: contentType,
		SizeBytes:   j.Payload.EstimatedSize,
		Source:      j.Payload.Source,
		Timestamp:   time.Now().UTC(),
	}
}

// Headers exposes the fields most useful for broker-side filtering and
// metrics as typed attributes, so tooling can inspect them without
// deserializing the body.
func (m Message) Headers() amqp.Table {
	return amqp.Table{
		"x-resource-key": m.ResourceKey,
		"x-project-id":   m.ProjectID,
		"x-source":       m.Source,
		"x-size":         m.SizeBytes,
	}
}

// Validate checks the fields a consumer cannot work without.
func (m Message) Validate() error {
	if m.JobID == "" {
		return &job.ValidationError{Field: "job_id", Reason: "required"}
	}
	if m.ResourceKey == "" {
		return &job.ValidationError{Field: "resource_key", Reason: "required"}
	}
	if m.ProjectID == "" {
		return &job.ValidationError{Field: "project_id", Reason: "required"}
	}
	return nil
}
