package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/quangdm/mediaq-be/internal/bridge"
	"github.com/quangdm/mediaq-be/internal/metrics"
)

// setupConsumer sets up the broker consumer with QoS and returns the
// delivery channel.
func (w *Worker) setupConsumer(ctx context.Context) (<-chan amqp.Delivery, error) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is nil")
	}

	// Prefetch matches the processor pool size so the broker never hands
	// this consumer more unacked messages than it can work on.
	err := channel.Qos(
		w.concurrency, // prefetch count
		0,             // prefetch size
		false,         // global
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := w.rabbitClient.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Broker consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.Int("prefetch_count", w.concurrency),
	)

	return deliveries, nil
}

// startMessageDispatcher parses deliveries and hands them to the processor
// pool. Malformed messages are rejected without requeue.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Broker delivery channel closed")
				return
			}

			var msg bridge.Message
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				w.logger.Error("Failed to parse message JSON",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				w.rejectMalformed(delivery)
				continue
			}

			if err := msg.Validate(); err != nil {
				w.logger.Error("Rejecting incomplete transfer message",
					slog.String("job_id", msg.JobID),
					slog.String("error", err.Error()),
				)
				w.rejectMalformed(delivery)
				continue
			}

			select {
			case w.msgChan <- &messageDelivery{msg: msg, delivery: delivery}:
				w.logger.Debug("Message dispatched to processor pool",
					slog.String("job_id", msg.JobID),
					slog.String("resource_key", msg.ResourceKey),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching")
				// Requeue so another consumer picks it up.
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}

func (w *Worker) rejectMalformed(delivery amqp.Delivery) {
	metrics.BridgeMessages.WithLabelValues("consumed", "malformed").Inc()
	if nackErr := delivery.Nack(false, false); nackErr != nil {
		w.logger.Error("Failed to NACK malformed message",
			slog.String("error", nackErr.Error()),
		)
	}
}
