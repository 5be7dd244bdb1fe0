// Package worker consumes transfer messages from the broker, runs resource
// analysis, and reports completions back through the event exchange.
// Delivery is at-least-once, so every message is handled idempotently.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quangdm/mediaq-be/internal/analysis"
	"github.com/quangdm/mediaq-be/internal/bridge"
	"github.com/quangdm/mediaq-be/internal/events"
	"github.com/quangdm/mediaq-be/internal/worker/domain"
	"github.com/quangdm/mediaq-be/shared/rabbitmq"
)

// ItemStore is the slice of media item storage the consumer needs.
type ItemStore interface {
	GetByStorageKey(ctx context.Context, storageKey string) (*domain.MediaItem, error)
	IncrementAttempts(ctx context.Context, storageKey string) (int, error)
	MarkAnalyzed(ctx context.Context, storageKey string, labels []string) error
	MarkAnalysisFailed(ctx context.Context, storageKey, reason string) error
}

// EventNotifier pushes completion events toward live subscribers.
type EventNotifier interface {
	Notify(ctx context.Context, name string, data events.Data)
}

// Config holds worker configuration
type Config struct {
	Logger       *slog.Logger
	Store        ItemStore
	RabbitClient *rabbitmq.Client
	Analyzer     analysis.Analyzer
	Notifier     EventNotifier
	WorkerID     string
	Concurrency  int
	MaxRetries   int
	JobTimeout   time.Duration
}

// Worker represents the background message consumer
type Worker struct {
	logger       *slog.Logger
	store        ItemStore
	rabbitClient *rabbitmq.Client
	analyzer     analysis.Analyzer
	notifier     EventNotifier
	workerID     string
	concurrency  int
	maxRetries   int
	jobTimeout   time.Duration
	msgChan      chan *messageDelivery
	wg           sync.WaitGroup
	stopChan     chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:       cfg.Logger,
		store:        cfg.Store,
		rabbitClient: cfg.RabbitClient,
		analyzer:     cfg.Analyzer,
		notifier:     cfg.Notifier,
		workerID:     cfg.WorkerID,
		concurrency:  cfg.Concurrency,
		maxRetries:   cfg.MaxRetries,
		jobTimeout:   cfg.JobTimeout,
		msgChan:      make(chan *messageDelivery),
		stopChan:     make(chan struct{}),
	}
}

// messageDelivery pairs a parsed broker message with its delivery so the
// processing goroutine can ack or nack when it finishes.
type messageDelivery struct {
	msg      bridge.Message
	delivery acknowledger
}

// acknowledger is the ack surface of amqp.Delivery.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Start begins consuming and processing messages. It blocks until the
// context is canceled or the delivery channel closes.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return err
	}

	w.spawnProcessors(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	return nil
}

// Stop gracefully stops the worker, letting in-flight messages finish.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// spawnProcessors spawns N processing goroutines based on concurrency
func (w *Worker) spawnProcessors(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.processorLoop(ctx, i)
	}

	w.logger.Info("Processor pool spawned",
		slog.Int("count", w.concurrency),
	)
}
