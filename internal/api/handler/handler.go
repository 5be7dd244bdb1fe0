package handler

import (
	"context"
	"log/slog"

	"github.com/quangdm/mediaq-be/internal/bridge"
	"github.com/quangdm/mediaq-be/internal/events"
	"github.com/quangdm/mediaq-be/internal/job"
	"github.com/quangdm/mediaq-be/internal/transfer"
)

// DurableQueue is the durable job queue surface the handlers need.
type DurableQueue interface {
	Enqueue(ctx context.Context, jobType job.Type, payload job.Payload) (*job.Job, error)
	Status(ctx context.Context) (job.Snapshot, error)
	MarkOutcome(ctx context.Context, jobID string, state job.State, lastError string) error
}

// LocalQueue is the in-process queue surface the handlers need.
type LocalQueue interface {
	Submit(j *job.Job) error
	Status() job.Snapshot
}

// MessageSender hands a transfer message to the broker.
type MessageSender interface {
	Send(ctx context.Context, msg bridge.Message) (string, error)
}

// StatusAggregator computes the transfer status projection.
type StatusAggregator interface {
	GetTransferStatus(ctx context.Context, ids []string) (transfer.Status, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Durable    DurableQueue
	Local      LocalQueue
	Producer   MessageSender
	Aggregator StatusAggregator
	Events     *events.Manager
}

// TransferHandler handles transfer-related HTTP requests
type TransferHandler struct {
	logger     *slog.Logger
	durable    DurableQueue
	local      LocalQueue
	producer   MessageSender
	aggregator StatusAggregator
}

// NewTransferHandler creates a new TransferHandler instance
func NewTransferHandler(deps *Dependencies) *TransferHandler {
	return &TransferHandler{
		logger:     deps.Logger,
		durable:    deps.Durable,
		local:      deps.Local,
		producer:   deps.Producer,
		aggregator: deps.Aggregator,
	}
}

// EventHandler serves the real-time event stream
type EventHandler struct {
	logger *slog.Logger
	events *events.Manager
}

// NewEventHandler creates a new EventHandler instance
func NewEventHandler(deps *Dependencies) *EventHandler {
	return &EventHandler{
		logger: deps.Logger,
		events: deps.Events,
	}
}
