package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quangdm/mediaq-be/internal/api/dto"
	"github.com/quangdm/mediaq-be/internal/bridge"
	"github.com/quangdm/mediaq-be/internal/job"
	"github.com/quangdm/mediaq-be/internal/transfer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeDurable struct {
	enqueued []*job.Job
	err      error
	snapshot job.Snapshot
	outcomes map[string]job.State
}

func (f *fakeDurable) Enqueue(_ context.Context, jobType job.Type, payload job.Payload) (*job.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	j := job.New(jobType, payload, 2)
	f.enqueued = append(f.enqueued, j)
	return j, nil
}

func (f *fakeDurable) Status(context.Context) (job.Snapshot, error) {
	return f.snapshot, nil
}

func (f *fakeDurable) MarkOutcome(_ context.Context, jobID string, state job.State, _ string) error {
	if f.outcomes == nil {
		f.outcomes = make(map[string]job.State)
	}
	f.outcomes[jobID] = state
	return nil
}

type fakeLocal struct {
	submitted []*job.Job
	err       error
	snapshot  job.Snapshot
}

func (f *fakeLocal) Submit(j *job.Job) error {
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, j)
	return nil
}

func (f *fakeLocal) Status() job.Snapshot {
	return f.snapshot
}

type fakeProducer struct {
	sent []bridge.Message
	err  error
}

func (f *fakeProducer) Send(_ context.Context, msg bridge.Message) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "delivery-1", nil
}

type fakeAggregator struct {
	status transfer.Status
	err    error
	gotIDs []string
}

func (f *fakeAggregator) GetTransferStatus(_ context.Context, ids []string) (transfer.Status, error) {
	f.gotIDs = ids
	if f.err != nil {
		return transfer.Status{}, f.err
	}
	return f.status, nil
}

type handlerFixture struct {
	durable    *fakeDurable
	local      *fakeLocal
	producer   *fakeProducer
	aggregator *fakeAggregator
	handler    *TransferHandler
}

func newFixture() *handlerFixture {
	f := &handlerFixture{
		durable:    &fakeDurable{},
		local:      &fakeLocal{},
		producer:   &fakeProducer{},
		aggregator: &fakeAggregator{},
	}
	f.handler = NewTransferHandler(&Dependencies{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Durable:    f.durable,
		Local:      f.local,
		Producer:   f.producer,
		Aggregator: f.aggregator,
	})
	return f
}

func performJSON(t *testing.T, handler gin.HandlerFunc, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	handler(c)
	return w
}

func validEnqueueRequest() dto.EnqueueTransferRequest {
	return dto.EnqueueTransferRequest{
		ResourceID:    "uploads/photo.jpg",
		ProjectID:     "proj-1",
		OwnerID:       "user-1",
		ContentType:   "image/jpeg",
		EstimatedSize: 1024,
		Source:        "web",
	}
}

func TestCreateTransfer_Accepted(t *testing.T) {
	f := newFixture()

	w := performJSON(t, f.handler.CreateTransfer, http.MethodPost, "/api/v1/transfers", validEnqueueRequest())
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp dto.EnqueueTransferResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, "queued", resp.Status)

	require.Len(t, f.durable.enqueued, 1)
	assert.Equal(t, job.TypeImageAnalysis, f.durable.enqueued[0].Type)

	// The broker took the message, so nothing runs locally.
	require.Len(t, f.producer.sent, 1)
	assert.Equal(t, resp.JobID, f.producer.sent[0].JobID)
	assert.Empty(t, f.local.submitted)
	assert.Equal(t, job.StateSending, f.durable.outcomes[resp.JobID])
}

func TestCreateTransfer_BrokerDownFallsBackToLocalQueue(t *testing.T) {
	f := newFixture()
	f.producer.err = job.NewDeliveryError(errors.New("connection refused"))

	w := performJSON(t, f.handler.CreateTransfer, http.MethodPost, "/api/v1/transfers", validEnqueueRequest())
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Len(t, f.durable.enqueued, 1)
	require.Len(t, f.local.submitted, 1)
	assert.Equal(t, f.durable.enqueued[0].ID, f.local.submitted[0].ID)

	// The job never reached the broker, so it stays queued until the
	// local pool picks it up.
	assert.Empty(t, f.durable.outcomes)
}

func TestCreateTransfer_MissingFields(t *testing.T) {
	f := newFixture()

	req := validEnqueueRequest()
	req.ProjectID = ""

	w := performJSON(t, f.handler.CreateTransfer, http.MethodPost, "/api/v1/transfers", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.durable.enqueued)
}

func TestCreateTransfer_UnknownJobType(t *testing.T) {
	f := newFixture()

	req := validEnqueueRequest()
	req.JobType = "audio-analysis"

	w := performJSON(t, f.handler.CreateTransfer, http.MethodPost, "/api/v1/transfers", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateTransfer_EnqueueFailure(t *testing.T) {
	f := newFixture()
	f.durable.err = errors.New("database down")

	w := performJSON(t, f.handler.CreateTransfer, http.MethodPost, "/api/v1/transfers", validEnqueueRequest())
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, f.producer.sent)
}

func TestQueueStatus(t *testing.T) {
	f := newFixture()
	f.local.snapshot = job.Snapshot{QueueLength: 2, Processing: 1, MaxWorkers: 4}
	f.durable.snapshot = job.Snapshot{QueueLength: 5, Processing: 1, MaxWorkers: 8}

	w := performJSON(t, f.handler.QueueStatus, http.MethodGet, "/api/v1/transfers/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// The durable snapshot is the response's top level; the in-process view
	// is auxiliary.
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(5), resp["queue_length"])
	assert.Equal(t, float64(1), resp["processing"])
	assert.Equal(t, float64(8), resp["max_workers"])
	assert.Contains(t, resp, "items")

	local, ok := resp["local"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), local["queue_length"])
}

func TestTransferStatus_Get(t *testing.T) {
	f := newFixture()
	f.aggregator.status = transfer.Status{
		Sent:           2,
		Failed:         1,
		Total:          3,
		AllTransferred: true,
		Summary:        "2 of 3 transferred, 1 failed",
	}

	w := performJSON(t, f.handler.TransferStatus, http.MethodGet, "/api/v1/transfers/transfer-status?ids=a,b&ids=c", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []string{"a", "b", "c"}, f.aggregator.gotIDs)

	var resp dto.TransferStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.CanLeave)
	assert.Equal(t, "2 of 3 transferred, 1 failed", resp.Summary)
}

func TestTransferStatus_Post(t *testing.T) {
	f := newFixture()
	f.aggregator.status = transfer.Status{Sent: 1, Total: 1, AllTransferred: true, Summary: "all 1 transferred"}

	w := performJSON(t, f.handler.TransferStatus, http.MethodPost, "/api/v1/transfers/transfer-status",
		dto.TransferStatusRequest{IDs: []string{"a"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"a"}, f.aggregator.gotIDs)
}

func TestTransferStatus_EmptyIDs(t *testing.T) {
	f := newFixture()

	w := performJSON(t, f.handler.TransferStatus, http.MethodGet, "/api/v1/transfers/transfer-status", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
