package transfer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quangdm/mediaq-be/internal/job"
)

type fakeStates struct {
	states map[string]job.State
	err    error
}

func (f *fakeStates) JobStates(_ context.Context, ids []string) (map[string]job.State, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]job.State)
	for _, id := range ids {
		if s, ok := f.states[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func TestAggregator_GetTransferStatus(t *testing.T) {
	tests := []struct {
		name   string
		states map[string]job.State
		ids    []string
		want   Status
	}{
		{
			name: "all transferred",
			states: map[string]job.State{
				"a": job.StateSent,
				"b": job.StateCompleted,
			},
			ids: []string{"a", "b"},
			want: Status{
				Sent: 2, Total: 2,
				AllTransferred: true,
				Summary:        "all 2 transferred",
			},
		},
		{
			name: "mixed states",
			states: map[string]job.State{
				"a": job.StateQueued,
				"b": job.StateSending,
				"c": job.StateProcessing,
				"d": job.StateSent,
				"e": job.StateFailed,
			},
			ids: []string{"a", "b", "c", "d", "e"},
			want: Status{
				Queued: 1, Sending: 2, Sent: 1, Failed: 1, Total: 5,
				AllTransferred: false,
				Summary:        "1 of 5 transferred, 1 failed",
			},
		},
		{
			name: "unknown id counts as failed",
			states: map[string]job.State{
				"a": job.StateSent,
			},
			ids: []string{"a", "ghost"},
			want: Status{
				Sent: 1, Failed: 1, Total: 2,
				AllTransferred: true,
				Summary:        "1 of 2 transferred, 1 failed",
			},
		},
		{
			name: "terminal failure reported honestly",
			states: map[string]job.State{
				"a": job.StateFailed,
			},
			ids: []string{"a"},
			want: Status{
				Failed: 1, Total: 1,
				AllTransferred: true,
				Summary:        "0 of 1 transferred, 1 failed",
			},
		},
		{
			name: "still in flight",
			states: map[string]job.State{
				"a": job.StateProcessing,
				"b": job.StateSent,
			},
			ids: []string{"a", "b"},
			want: Status{
				Sending: 1, Sent: 1, Total: 2,
				AllTransferred: false,
				Summary:        "1 of 2 transferred",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewAggregator(&fakeStates{states: tt.states})

			got, err := agg.GetTransferStatus(context.Background(), tt.ids)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// Count invariant: every id lands in exactly one bucket.
			assert.Equal(t, got.Total, got.Queued+got.Sending+got.Sent+got.Failed)
			assert.Equal(t, got.Sent+got.Failed == got.Total, got.AllTransferred)
		})
	}
}

func TestAggregator_EmptyIDSet(t *testing.T) {
	agg := NewAggregator(&fakeStates{})

	_, err := agg.GetTransferStatus(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, job.IsValidation(err))

	_, err = agg.GetTransferStatus(context.Background(), []string{})
	require.Error(t, err)
	assert.True(t, job.IsValidation(err))
}

func TestAggregator_LookupError(t *testing.T) {
	agg := NewAggregator(&fakeStates{err: errors.New("connection refused")})

	_, err := agg.GetTransferStatus(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to look up job states")
}
