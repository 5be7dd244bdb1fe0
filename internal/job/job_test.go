package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayload_Validate(t *testing.T) {
	valid := Payload{
		ResourceID: "uploads/a",
		ProjectID:  "proj-1",
		OwnerID:    "user-1",
	}

	tests := []struct {
		name      string
		mutate    func(*Payload)
		wantField string
	}{
		{name: "valid", mutate: func(*Payload) {}},
		{name: "missing resource id", mutate: func(p *Payload) { p.ResourceID = "" }, wantField: "resource_id"},
		{name: "missing project id", mutate: func(p *Payload) { p.ProjectID = "" }, wantField: "project_id"},
		{name: "missing owner id", mutate: func(p *Payload) { p.OwnerID = "" }, wantField: "owner_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)

			err := p.Validate()
			if tt.wantField == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantField, ve.Field)
		})
	}
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateQueued.Terminal())
	assert.False(t, StateProcessing.Terminal())
	assert.False(t, StateSending.Terminal())
}

func TestType_Valid(t *testing.T) {
	assert.True(t, TypeImageAnalysis.Valid())
	assert.True(t, TypeVideoAnalysis.Valid())
	assert.False(t, Type("audio-analysis").Valid())
	assert.False(t, Type("").Valid())
}

func TestNew(t *testing.T) {
	p := Payload{ResourceID: "uploads/a", ProjectID: "proj-1", OwnerID: "user-1"}
	j := New(TypeImageAnalysis, p, 2)

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, StateQueued, j.State)
	assert.Equal(t, 2, j.MaxRetries)
	assert.Zero(t, j.Retries)
	assert.False(t, j.ScheduledFor.After(j.CreatedAt))
}
