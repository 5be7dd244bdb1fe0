package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quangdm/mediaq-be/internal/api/dto"
	"github.com/quangdm/mediaq-be/internal/bridge"
	"github.com/quangdm/mediaq-be/internal/job"
	"github.com/quangdm/mediaq-be/internal/metrics"
)

// CreateTransfer handles POST /api/v1/transfers
// Records the job durably, then hands it to the broker for remote
// processing. When the broker is unreachable the job falls back to the
// in-process queue, so an accepted transfer is always processed.
func (h *TransferHandler) CreateTransfer(c *gin.Context) {
	var req dto.EnqueueTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	jobType := job.Type(req.JobType)
	if req.JobType == "" {
		jobType = job.TypeImageAnalysis
	}
	if !jobType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown job_type: " + req.JobType,
		})
		return
	}

	payload := job.Payload{
		ResourceID:    req.ResourceID,
		ProjectID:     req.ProjectID,
		OwnerID:       req.OwnerID,
		EstimatedSize: req.EstimatedSize,
		Source:        req.Source,
	}

	j, err := h.durable.Enqueue(c.Request.Context(), jobType, payload)
	if err != nil {
		if job.IsValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to enqueue transfer", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue transfer",
		})
		return
	}

	metrics.TransfersEnqueued.WithLabelValues(string(jobType)).Inc()

	msg := bridge.NewMessage(j, req.ContentType)
	if _, sendErr := h.producer.Send(c.Request.Context(), msg); sendErr != nil {
		// The job record already exists, so losing the broker only costs
		// locality: process it here instead.
		h.logger.Warn("Broker unavailable, falling back to local queue",
			slog.String("job_id", j.ID),
			slog.String("error", sendErr.Error()),
		)
		if submitErr := h.local.Submit(j); submitErr != nil {
			h.logger.Error("Local fallback failed", slog.String("error", submitErr.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to schedule transfer",
			})
			return
		}
	} else if markErr := h.durable.MarkOutcome(c.Request.Context(), j.ID, job.StateSending, ""); markErr != nil {
		// Status pages will show the job as queued until the consumer
		// reports back; acceptance does not depend on this write.
		h.logger.Warn("Failed to mark job as sending",
			slog.String("job_id", j.ID),
			slog.String("error", markErr.Error()),
		)
	}

	c.JSON(http.StatusAccepted, dto.EnqueueTransferResponse{
		JobID:  j.ID,
		Status: string(job.StateQueued),
	})
}

// QueueStatus handles GET /api/v1/transfers/status
// Returns the durable queue snapshot, with the in-process queue's view
// nested under "local".
func (h *TransferHandler) QueueStatus(c *gin.Context) {
	durableSnap, err := h.durable.Status(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read durable queue status", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read queue status",
		})
		return
	}

	c.JSON(http.StatusOK, dto.QueueStatusResponse{
		Snapshot: durableSnap,
		Local:    h.local.Status(),
	})
}

// TransferStatus handles GET and POST /api/v1/transfers/transfer-status
// Aggregates the states of the given job ids into one summary.
func (h *TransferHandler) TransferStatus(c *gin.Context) {
	ids, ok := h.bindIDs(c)
	if !ok {
		return
	}

	status, err := h.aggregator.GetTransferStatus(c.Request.Context(), ids)
	if err != nil {
		if job.IsValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to aggregate transfer status", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to compute transfer status",
		})
		return
	}

	c.JSON(http.StatusOK, dto.TransferStatusResponse{
		Queued:         status.Queued,
		Sending:        status.Sending,
		Sent:           status.Sent,
		Failed:         status.Failed,
		Total:          status.Total,
		AllTransferred: status.AllTransferred,
		Summary:        status.Summary,
		CanLeave:       status.AllTransferred,
	})
}

// bindIDs reads job ids from the query string (comma-separated or repeated)
// or from a JSON body on POST.
func (h *TransferHandler) bindIDs(c *gin.Context) ([]string, bool) {
	var ids []string

	if c.Request.Method == http.MethodPost {
		var req dto.TransferStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return nil, false
		}
		ids = req.IDs
	} else {
		for _, raw := range c.QueryArray("ids") {
			for _, id := range strings.Split(raw, ",") {
				if id = strings.TrimSpace(id); id != "" {
					ids = append(ids, id)
				}
			}
		}
	}

	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "ids is required",
		})
		return nil, false
	}

	return ids, true
}
