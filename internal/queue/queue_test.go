package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quangdm/mediaq-be/internal/events"
	"github.com/quangdm/mediaq-be/internal/job"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPayload() job.Payload {
	return job.Payload{
		ResourceID: "res-1",
		ProjectID:  "proj-1",
		OwnerID:    "user-1",
	}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Envelope
}

func (r *recordingEmitter) Emit(name string, data events.Data) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events.Envelope{Name: name, Data: data})
}

func (r *recordingEmitter) byName(name string) []events.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Envelope
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func TestQueue_EnqueueValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload job.Payload
		field   string
	}{
		{
			name:    "missing resource id",
			payload: job.Payload{ProjectID: "p", OwnerID: "u"},
			field:   "resource_id",
		},
		{
			name:    "missing project id",
			payload: job.Payload{ResourceID: "r", OwnerID: "u"},
			field:   "project_id",
		},
		{
			name:    "missing owner id",
			payload: job.Payload{ResourceID: "r", ProjectID: "p"},
			field:   "owner_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New(Config{MaxWorkers: 1}, func(context.Context, *job.Job) error { return nil }, nil, nil, testLogger())

			_, err := q.Enqueue(job.TypeImageAnalysis, tt.payload)
			require.Error(t, err)
			assert.True(t, job.IsValidation(err))
			assert.Contains(t, err.Error(), tt.field)
			assert.Equal(t, 0, q.Status().QueueLength)
		})
	}
}

func TestQueue_FIFOWithSingleWorker(t *testing.T) {
	started := make(chan string)
	gate := make(chan struct{})

	q := New(
		Config{MaxWorkers: 1, Tick: 2 * time.Millisecond},
		func(_ context.Context, j *job.Job) error {
			started <- j.ID
			<-gate
			return nil
		},
		nil, nil, testLogger(),
	)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(job.TypeImageAnalysis, testPayload())
		require.NoError(t, err)
		ids = append(ids, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	// First job picked up; the mid-run snapshot must show exactly one
	// processing and two still queued.
	first := <-started
	assert.Equal(t, ids[0], first)

	snap := q.Status()
	assert.Equal(t, 1, snap.Processing)
	assert.Equal(t, 2, snap.QueueLength)
	assert.Equal(t, 1, snap.MaxWorkers)

	gate <- struct{}{}
	assert.Equal(t, ids[1], <-started)
	gate <- struct{}{}
	assert.Equal(t, ids[2], <-started)
	gate <- struct{}{}

	require.Eventually(t, func() bool {
		s := q.Status()
		return s.QueueLength == 0 && s.Processing == 0
	}, time.Second, 5*time.Millisecond)

	q.Stop()
}

func TestQueue_TransientRetryToTerminalFailure(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	retriesSeen := []int{}

	emitter := &recordingEmitter{}

	q := New(
		Config{MaxWorkers: 1, MaxRetries: 2, Tick: 2 * time.Millisecond, BaseBackoff: time.Millisecond},
		func(_ context.Context, j *job.Job) error {
			mu.Lock()
			attempts++
			retriesSeen = append(retriesSeen, j.Retries)
			mu.Unlock()
			return job.NewTransientError(errors.New("analysis service unavailable"))
		},
		emitter, nil, testLogger(),
	)

	id, err := q.Enqueue(job.TypeVideoAnalysis, testPayload())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.Eventually(t, func() bool {
		return len(emitter.byName(events.EventProcessingCompleted)) == 1
	}, time.Second, 5*time.Millisecond)

	q.Stop()

	mu.Lock()
	defer mu.Unlock()
	// MaxRetries = 2 allows the initial attempt plus two retries.
	assert.Equal(t, 3, attempts)
	// Retries is monotonically non-decreasing across attempts.
	assert.Equal(t, []int{0, 1, 2}, retriesSeen)

	outcomes := emitter.byName(events.EventProcessingCompleted)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "failed", outcomes[0].Data.Fields["state"])
	assert.Equal(t, id, outcomes[0].Data.Fields["job_id"])
	assert.Equal(t, "proj-1", outcomes[0].Data.ProjectID)

	// The terminal job is gone from the registry; the durable record owns
	// its outcome.
	assert.Empty(t, q.Status().Items)
}

func TestQueue_FailedJobNeverRequeued(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	emitter := &recordingEmitter{}

	q := New(
		Config{MaxWorkers: 1, MaxRetries: 0, Tick: 2 * time.Millisecond, BaseBackoff: time.Millisecond},
		func(context.Context, *job.Job) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return job.NewTransientError(errors.New("boom"))
		},
		emitter, nil, testLogger(),
	)

	_, err := q.Enqueue(job.TypeImageAnalysis, testPayload())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.Eventually(t, func() bool {
		return len(emitter.byName(events.EventProcessingCompleted)) == 1
	}, time.Second, 5*time.Millisecond)

	// Terminal state is stable: the queue never reschedules the job.
	time.Sleep(20 * time.Millisecond)
	snap := q.Status()
	assert.Equal(t, 0, snap.QueueLength)
	assert.Equal(t, 0, snap.Processing)

	q.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
}

func TestQueue_TerminalJobsRemovedFromStatus(t *testing.T) {
	const jobs = 50

	emitter := &recordingEmitter{}

	q := New(
		Config{MaxWorkers: 4, MaxRetries: 0, Tick: 2 * time.Millisecond, BaseBackoff: time.Millisecond},
		func(context.Context, *job.Job) error {
			return job.NewTransientError(errors.New("boom"))
		},
		emitter, nil, testLogger(),
	)

	for i := 0; i < jobs; i++ {
		_, err := q.Enqueue(job.TypeImageAnalysis, testPayload())
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.Eventually(t, func() bool {
		return len(emitter.byName(events.EventProcessingCompleted)) == jobs
	}, 5*time.Second, 5*time.Millisecond)

	q.Stop()

	// Once every job is terminal nothing is retained: the registry tracks
	// live work only.
	snap := q.Status()
	assert.Equal(t, 0, snap.QueueLength)
	assert.Equal(t, 0, snap.Processing)
	assert.Empty(t, snap.Items)
}

func TestQueue_ValidationErrorNotRetried(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	emitter := &recordingEmitter{}

	q := New(
		Config{MaxWorkers: 1, MaxRetries: 3, Tick: 2 * time.Millisecond, BaseBackoff: time.Millisecond},
		func(context.Context, *job.Job) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return &job.ValidationError{Field: "resource_id", Reason: "unknown format"}
		},
		emitter, nil, testLogger(),
	)

	_, err := q.Enqueue(job.TypeImageAnalysis, testPayload())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.Eventually(t, func() bool {
		outcomes := emitter.byName(events.EventProcessingCompleted)
		return len(outcomes) == 1 && outcomes[0].Data.Fields["state"] == "failed"
	}, time.Second, 5*time.Millisecond)

	q.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
}

func TestQueue_TransitionCallback(t *testing.T) {
	var mu sync.Mutex
	var states []job.State

	q := New(
		Config{MaxWorkers: 1, Tick: 2 * time.Millisecond},
		func(context.Context, *job.Job) error { return nil },
		nil,
		func(j *job.Job) {
			mu.Lock()
			states = append(states, j.State)
			mu.Unlock()
		},
		testLogger(),
	)

	_, err := q.Enqueue(job.TypeImageAnalysis, testPayload())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, time.Second, 5*time.Millisecond)

	q.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []job.State{job.StateProcessing, job.StateCompleted}, states)
}

func TestQueue_Backoff(t *testing.T) {
	q := New(Config{BaseBackoff: time.Second}, nil, nil, nil, testLogger())

	assert.Equal(t, time.Second, q.backoff(1))
	assert.Equal(t, 2*time.Second, q.backoff(2))
	assert.Equal(t, 4*time.Second, q.backoff(3))
	assert.Equal(t, 8*time.Second, q.backoff(4))
}
