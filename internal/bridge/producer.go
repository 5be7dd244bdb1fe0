package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/quangdm/mediaq-be/internal/job"
	"github.com/quangdm/mediaq-be/internal/metrics"
	"github.com/quangdm/mediaq-be/shared/rabbitmq"
)

// Producer publishes transfer messages to the broker.
type Producer struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewProducer creates a producer over the shared broker client.
func NewProducer(client *rabbitmq.Client, logger *slog.Logger) *Producer {
	return &Producer{
		client: client,
		logger: logger,
	}
}

// Send publishes one message and returns a delivery id. An unreachable
// broker yields a DeliveryError; the job record already exists, so callers
// fall back to local processing instead of failing the request.
func (p *Producer) Send(ctx context.Context, msg Message) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	deliveryID := uuid.New().String()

	if err := p.client.PublishWithRetry(ctx, body, "application/json", msg.Headers()); err != nil {
		metrics.BridgeMessages.WithLabelValues("produced", "failed").Inc()
		return "", job.NewDeliveryError(err)
	}

	metrics.BridgeMessages.WithLabelValues("produced", "sent").Inc()

	p.logger.Debug("Transfer message published",
		slog.String("delivery_id", deliveryID),
		slog.String("job_id", msg.JobID),
		slog.String("resource_key", msg.ResourceKey),
	)

	return deliveryID, nil
}
