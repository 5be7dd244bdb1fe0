package bridge

import (
	"context"
	"encoding/json"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/quangdm/mediaq-be/internal/events"
	"github.com/quangdm/mediaq-be/shared/rabbitmq"
)

// Notifier forwards completion events from a consumer process to the
// fanout event exchange so the API process can push them to live streams.
// Notification is best-effort: a lost event only delays the UI until its
// next poll, so failures are logged and swallowed.
type Notifier struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewNotifier creates a notifier over the shared broker client.
func NewNotifier(client *rabbitmq.Client, logger *slog.Logger) *Notifier {
	return &Notifier{
		client: client,
		logger: logger,
	}
}

// Notify publishes one event envelope to the fanout exchange.
func (n *Notifier) Notify(ctx context.Context, name string, data events.Data) {
	body, err := json.Marshal(events.Envelope{Name: name, Data: data})
	if err != nil {
		n.logger.Error("Failed to marshal event", slog.Any("error", err))
		return
	}

	if err := n.client.PublishEvent(ctx, body); err != nil {
		n.logger.Warn("Failed to publish event notification",
			slog.String("event", name),
			slog.String("project_id", data.ProjectID),
			slog.Any("error", err),
		)
	}
}

// Listener consumes event notifications from the fanout exchange and
// re-emits them into the local event manager. It runs in the API process
// and is what lets a remote consumer's completion reach SSE subscribers.
type Listener struct {
	client  *rabbitmq.Client
	manager *events.Manager
	logger  *slog.Logger
}

// NewListener creates a listener that feeds the given manager.
func NewListener(client *rabbitmq.Client, manager *events.Manager, logger *slog.Logger) *Listener {
	return &Listener{
		client:  client,
		manager: manager,
		logger:  logger,
	}
}

// Start subscribes to the event exchange and re-emits every envelope until
// the context is canceled or the delivery channel closes.
func (l *Listener) Start(ctx context.Context, consumerTag string) error {
	deliveries, err := l.client.SubscribeEvents(consumerTag)
	if err != nil {
		return err
	}

	go l.loop(ctx, deliveries)
	return nil
}

func (l *Listener) loop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Event listener stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				l.logger.Warn("Event delivery channel closed")
				return
			}

			var env events.Envelope
			if err := json.Unmarshal(delivery.Body, &env); err != nil {
				// A single bad event is dropped; the stream keeps serving.
				l.logger.Warn("Dropping malformed event notification",
					slog.Any("error", err),
				)
				continue
			}

			l.manager.Emit(env.Name, env.Data)
		}
	}
}
