package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quangdm/mediaq-be/internal/events"
	"github.com/quangdm/mediaq-be/internal/metrics"
)

// Stream handles GET /api/v1/projects/:project_id/events
// Serves a server-sent event stream scoped to one project. The first frame
// carries the current in-memory state so the client never starts blind.
func (h *EventHandler) Stream(c *gin.Context) {
	projectID := c.Param("project_id")
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "project_id is required",
		})
		return
	}

	conn, initial := h.events.AddConnection(projectID)
	defer h.events.RemoveConnection(conn.ID)

	metrics.LiveConnections.Inc()
	defer metrics.LiveConnections.Dec()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	h.logger.Info("Event stream opened",
		slog.String("connection_id", conn.ID),
		slog.String("project_id", projectID),
	)

	c.SSEvent(events.EventInitialState, initial)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case env, ok := <-conn.Events():
			if !ok {
				// Connection was evicted or expired by the manager.
				return false
			}
			c.SSEvent(env.Name, env.Data)
			return true

		case <-c.Request.Context().Done():
			return false
		}
	})

	h.logger.Info("Event stream closed",
		slog.String("connection_id", conn.ID),
		slog.String("project_id", projectID),
	)
}
