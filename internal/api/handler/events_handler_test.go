package handler

import (
	"bufio"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quangdm/mediaq-be/internal/events"
)

// readFrames collects SSE event names from the stream until want have been
// seen or the deadline passes.
func readFrames(t *testing.T, r *bufio.Reader, want int, deadline time.Duration) []string {
	t.Helper()

	var names []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(names) < want {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "event:") {
				names = append(names, strings.TrimSpace(strings.TrimPrefix(line, "event:")))
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(deadline):
	}
	return names
}

func TestEventStream(t *testing.T) {
	manager := events.NewManager(events.Config{
		SweepInterval: 50 * time.Millisecond,
	}, func(projectID string) map[string]any {
		return map[string]any{"processing": 0}
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	manager.Start()
	defer manager.Stop()

	r := gin.New()
	eventHandler := NewEventHandler(&Dependencies{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Events: manager,
	})
	r.GET("/api/v1/projects/:project_id/events", eventHandler.Stream)

	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/projects/proj-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// Wait for the connection to register before emitting.
	require.Eventually(t, func() bool {
		return manager.ConnectionCount("proj-1") == 1
	}, time.Second, 10*time.Millisecond)

	manager.Emit(events.EventProcessingCompleted, events.Data{
		ProjectID: "proj-1",
		Timestamp: time.Now().UTC(),
		Fields:    map[string]any{"job_id": "job-1", "state": "completed"},
	})

	names := readFrames(t, reader, 2, 2*time.Second)
	require.Len(t, names, 2)
	assert.Equal(t, events.EventInitialState, names[0])
	assert.Equal(t, events.EventProcessingCompleted, names[1])
}

func TestEventStream_OtherProjectEventsNotDelivered(t *testing.T) {
	manager := events.NewManager(events.Config{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	manager.Start()
	defer manager.Stop()

	r := gin.New()
	eventHandler := NewEventHandler(&Dependencies{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Events: manager,
	})
	r.GET("/api/v1/projects/:project_id/events", eventHandler.Stream)

	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/projects/proj-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)

	require.Eventually(t, func() bool {
		return manager.ConnectionCount("proj-1") == 1
	}, time.Second, 10*time.Millisecond)

	manager.Emit(events.EventProcessingCompleted, events.Data{ProjectID: "proj-2"})
	manager.Emit(events.EventInventoryUpdated, events.Data{ProjectID: "proj-1"})

	// Only the initial frame and the proj-1 event arrive.
	names := readFrames(t, reader, 3, 500*time.Millisecond)
	require.Len(t, names, 2)
	assert.Equal(t, events.EventInitialState, names[0])
	assert.Equal(t, events.EventInventoryUpdated, names[1])
}
