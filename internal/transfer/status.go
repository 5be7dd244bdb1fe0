// Package transfer rolls per-job states up into a single progress summary
// for a batch of transfers.
package transfer

import (
	"context"
	"fmt"

	"github.com/quangdm/mediaq-be/internal/job"
)

// StateLookup resolves job ids to their current state. The durable queue
// storage implements it; ids with no record are simply absent from the
// returned map.
type StateLookup interface {
	JobStates(ctx context.Context, ids []string) (map[string]job.State, error)
}

// Status is the derived projection over a set of job ids. It is computed on
// demand and never stored.
type Status struct {
	Queued         int    `json:"queued"`
	Sending        int    `json:"sending"`
	Sent           int    `json:"sent"`
	Failed         int    `json:"failed"`
	Total          int    `json:"total"`
	AllTransferred bool   `json:"all_transferred"`
	Summary        string `json:"summary"`
}

// Aggregator computes transfer status over the durable job records.
type Aggregator struct {
	states StateLookup
}

// NewAggregator creates an aggregator over the given state lookup.
func NewAggregator(states StateLookup) *Aggregator {
	return &Aggregator{states: states}
}

// GetTransferStatus aggregates the states of the given job ids. The id set
// must be non-empty: callers always know which jobs they are waiting on, so
// an empty set is an input error rather than a zeroed summary.
//
// Unknown ids count as failed. Reporting them as anything else would let a
// lost job read as silently succeeded.
func (a *Aggregator) GetTransferStatus(ctx context.Context, ids []string) (Status, error) {
	if len(ids) == 0 {
		return Status{}, &job.ValidationError{Field: "ids", Reason: "must not be empty"}
	}

	states, err := a.states.JobStates(ctx, ids)
	if err != nil {
		return Status{}, fmt.Errorf("failed to look up job states: %w", err)
	}

	var s Status
	s.Total = len(ids)

	for _, id := range ids {
		state, ok := states[id]
		if !ok {
			s.Failed++
			continue
		}

		switch state {
		case job.StateQueued:
			s.Queued++
		case job.StateSending, job.StateProcessing:
			s.Sending++
		case job.StateSent, job.StateCompleted:
			s.Sent++
		case job.StateFailed:
			s.Failed++
		default:
			s.Failed++
		}
	}

	s.AllTransferred = s.Sent+s.Failed == s.Total
	s.Summary = summarize(s)

	return s, nil
}

func summarize(s Status) string {
	switch {
	case s.Failed == 0 && s.Sent == s.Total:
		return fmt.Sprintf("all %d transferred", s.Total)
	case s.Failed > 0:
		return fmt.Sprintf("%d of %d transferred, %d failed", s.Sent, s.Total, s.Failed)
	default:
		return fmt.Sprintf("%d of %d transferred", s.Sent, s.Total)
	}
}
