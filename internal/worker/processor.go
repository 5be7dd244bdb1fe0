package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quangdm/mediaq-be/internal/analysis"
	"github.com/quangdm/mediaq-be/internal/bridge"
	"github.com/quangdm/mediaq-be/internal/events"
	"github.com/quangdm/mediaq-be/internal/job"
	"github.com/quangdm/mediaq-be/internal/metrics"
	"github.com/quangdm/mediaq-be/internal/worker/domain"
)

// processorLoop is the main processing loop for each pool goroutine
func (w *Worker) processorLoop(ctx context.Context, num int) {
	defer w.wg.Done()

	name := fmt.Sprintf("%s-%d", w.workerID, num)
	w.logger.Info("Processor goroutine started",
		slog.String("processor", name),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Processor stopping - stopChan closed",
				slog.String("processor", name),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Processor stopping - context canceled",
				slog.String("processor", name),
			)
			return

		case md, ok := <-w.msgChan:
			if !ok {
				return
			}

			err := w.processMessage(ctx, &md.msg)
			w.settle(name, md, err)
		}
	}
}

// settle acks or nacks a delivery based on the processing outcome.
func (w *Worker) settle(name string, md *messageDelivery, err error) {
	if err == nil {
		if ackErr := md.delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("processor", name),
				slog.String("job_id", md.msg.JobID),
				slog.String("error", ackErr.Error()),
			)
			return
		}
		metrics.BridgeMessages.WithLabelValues("consumed", "acked").Inc()
		return
	}

	w.logger.Error("Message processing failed",
		slog.String("processor", name),
		slog.String("job_id", md.msg.JobID),
		slog.String("resource_key", md.msg.ResourceKey),
		slog.String("error", err.Error()),
	)

	// A message referencing a resource that no longer exists can never
	// succeed; acknowledge it so it stops circulating.
	if errors.Is(err, job.ErrNotFound) {
		if ackErr := md.delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK unprocessable message",
				slog.String("job_id", md.msg.JobID),
				slog.String("error", ackErr.Error()),
			)
			return
		}
		metrics.BridgeMessages.WithLabelValues("consumed", "dropped").Inc()
		return
	}

	requeue := w.shouldRequeue(err)
	if nackErr := md.delivery.Nack(false, requeue); nackErr != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("job_id", md.msg.JobID),
			slog.String("error", nackErr.Error()),
		)
		return
	}

	if requeue {
		metrics.BridgeMessages.WithLabelValues("consumed", "requeued").Inc()
	} else {
		metrics.BridgeMessages.WithLabelValues("consumed", "rejected").Inc()
	}
}

// shouldRequeue determines if a message should be redelivered based on the
// error type.
func (w *Worker) shouldRequeue(err error) bool {
	// Retry budget exhausted, the message is done.
	if errors.Is(err, job.ErrMaxRetries) {
		return false
	}

	// Bad input never gets better on redelivery.
	if job.IsValidation(err) {
		return false
	}

	// Transient failures are worth another delivery.
	if job.IsTransient(err) {
		return true
	}

	// Default: don't requeue unknown errors.
	return false
}

// processMessage runs analysis for one transfer message. Redeliveries of
// already analyzed items are acknowledged without doing work.
func (w *Worker) processMessage(ctx context.Context, msg *bridge.Message) error {
	w.logger.Info("Processing transfer message",
		slog.String("job_id", msg.JobID),
		slog.String("resource_key", msg.ResourceKey),
		slog.String("project_id", msg.ProjectID),
	)

	item, err := w.store.GetByStorageKey(ctx, msg.ResourceKey)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			w.logger.Warn("Media item not found, dropping message",
				slog.String("resource_key", msg.ResourceKey),
			)
			return err
		}
		return job.NewTransientError(fmt.Errorf("failed to load media item: %w", err))
	}

	// At-least-once delivery: a redelivered message for an item that is
	// already analyzed is a no-op.
	if item.AnalysisState == domain.AnalysisDone {
		w.logger.Info("Item already analyzed, skipping redelivery",
			slog.String("resource_key", msg.ResourceKey),
			slog.String("job_id", msg.JobID),
		)
		return nil
	}

	attempts, err := w.store.IncrementAttempts(ctx, msg.ResourceKey)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return err
		}
		return job.NewTransientError(fmt.Errorf("failed to record attempt: %w", err))
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	started := time.Now()
	result, err := w.analyzer.Analyze(jobCtx, analysis.Request{
		ResourceKey: msg.ResourceKey,
		ProjectID:   msg.ProjectID,
		ContentType: msg.ContentType,
		SizeBytes:   msg.SizeBytes,
	})
	if err != nil {
		return w.handleFailure(ctx, msg, attempts, err)
	}

	metrics.AnalysisDuration.WithLabelValues(msg.ContentType).Observe(time.Since(started).Seconds())

	if err := w.store.MarkAnalyzed(ctx, msg.ResourceKey, result.Labels); err != nil {
		// Analysis succeeded but the result was lost; redeliver so the
		// item ends up recorded. The redelivery path will re-analyze.
		return job.NewTransientError(fmt.Errorf("failed to persist analysis result: %w", err))
	}

	metrics.JobsProcessed.WithLabelValues(msg.ContentType, "completed").Inc()

	w.notifier.Notify(ctx, events.EventProcessingCompleted, events.Data{
		ProjectID: msg.ProjectID,
		Timestamp: time.Now().UTC(),
		Fields: map[string]any{
			"job_id":       msg.JobID,
			"resource_key": msg.ResourceKey,
			"state":        "completed",
			"labels":       result.Labels,
		},
	})

	w.logger.Info("Transfer message processed",
		slog.String("job_id", msg.JobID),
		slog.String("resource_key", msg.ResourceKey),
		slog.Int("labels", len(result.Labels)),
	)

	return nil
}

// handleFailure records the failed attempt and classifies the error for
// the ack decision.
func (w *Worker) handleFailure(ctx context.Context, msg *bridge.Message, attempts int, cause error) error {
	if markErr := w.store.MarkAnalysisFailed(ctx, msg.ResourceKey, cause.Error()); markErr != nil {
		w.logger.Error("Failed to record analysis failure",
			slog.String("resource_key", msg.ResourceKey),
			slog.String("error", markErr.Error()),
		)
	}

	if errors.Is(cause, job.ErrNotFound) {
		return cause
	}

	if job.IsValidation(cause) {
		metrics.JobsProcessed.WithLabelValues(msg.ContentType, "failed").Inc()
		w.notifyFailed(ctx, msg, cause)
		return cause
	}

	// attempts counts this delivery too, so the budget allows
	// maxRetries redeliveries after the first try.
	if attempts > w.maxRetries {
		w.logger.Warn("Message exceeded retry budget",
			slog.String("job_id", msg.JobID),
			slog.Int("attempts", attempts),
			slog.Int("max_retries", w.maxRetries),
		)
		metrics.JobsProcessed.WithLabelValues(msg.ContentType, "failed").Inc()
		w.notifyFailed(ctx, msg, cause)
		return fmt.Errorf("%w: %v", job.ErrMaxRetries, cause)
	}

	metrics.JobsProcessed.WithLabelValues(msg.ContentType, "retried").Inc()

	if job.IsTransient(cause) {
		return cause
	}
	return job.NewTransientError(cause)
}

func (w *Worker) notifyFailed(ctx context.Context, msg *bridge.Message, cause error) {
	w.notifier.Notify(ctx, events.EventProcessingCompleted, events.Data{
		ProjectID: msg.ProjectID,
		Timestamp: time.Now().UTC(),
		Fields: map[string]any{
			"job_id":       msg.JobID,
			"resource_key": msg.ResourceKey,
			"state":        "failed",
			"error":        cause.Error(),
		},
	})
}
