package statemachine_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/renderflow/internal/statemachine"
	"github.com/kiranshivaraju/renderflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(status models.JobStatus) *models.Job {
	now := time.Now().UTC()
	return &models.Job{
		ID:           uuid.New(),
		Owner:        models.UserOwner(uuid.New()),
		TriggeredBy:  uuid.New(),
		Status:       status,
		SpecSnapshot: json.RawMessage(`{"prompt":"x"}`),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestTransition_Table(t *testing.T) {
	tests := []struct {
		name    string
		from    models.JobStatus
		event   statemachine.JobEvent
		want    models.JobStatus
		wantErr error
	}{
		{"queued start", models.JobStatusQueued, statemachine.Start{}, models.JobStatusProcessing, nil},
		{"queued fail", models.JobStatusQueued, statemachine.Fail{}, models.JobStatusFailed, nil},
		{"queued cancel", models.JobStatusQueued, statemachine.Cancel{}, models.JobStatusCanceled, nil},
		{"queued progress", models.JobStatusQueued, statemachine.Progress{Percent: 10}, models.JobStatusQueued, statemachine.ErrInvalidTransition},
		{"queued complete", models.JobStatusQueued, statemachine.Complete{}, models.JobStatusQueued, statemachine.ErrInvalidTransition},
		{"processing progress", models.JobStatusProcessing, statemachine.Progress{Percent: 40}, models.JobStatusProcessing, nil},
		{"processing complete", models.JobStatusProcessing, statemachine.Complete{}, models.JobStatusCompleted, nil},
		{"processing fail", models.JobStatusProcessing, statemachine.Fail{}, models.JobStatusFailed, nil},
		{"processing cancel", models.JobStatusProcessing, statemachine.Cancel{}, models.JobStatusCanceled, nil},
		{"processing start", models.JobStatusProcessing, statemachine.Start{}, models.JobStatusProcessing, statemachine.ErrInvalidTransition},
		{"completed complete", models.JobStatusCompleted, statemachine.Complete{}, models.JobStatusCompleted, statemachine.ErrTerminalState},
		{"failed start", models.JobStatusFailed, statemachine.Start{}, models.JobStatusFailed, statemachine.ErrTerminalState},
		{"canceled cancel", models.JobStatusCanceled, statemachine.Cancel{}, models.JobStatusCanceled, statemachine.ErrTerminalState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := statemachine.Transition(tt.from, tt.event, statemachine.Guard{})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransition_ProgressBounds(t *testing.T) {
	_, err := statemachine.Transition(models.JobStatusProcessing, statemachine.Progress{Percent: 101}, statemachine.Guard{})
	assert.ErrorIs(t, err, statemachine.ErrInvalidProgress)

	_, err = statemachine.Transition(models.JobStatusProcessing, statemachine.Progress{Percent: -1}, statemachine.Guard{})
	assert.ErrorIs(t, err, statemachine.ErrInvalidProgress)

	_, err = statemachine.Transition(models.JobStatusProcessing, statemachine.Progress{Percent: 30}, statemachine.Guard{Progress: 50})
	assert.ErrorIs(t, err, statemachine.ErrInvalidProgress)

	got, err := statemachine.Transition(models.JobStatusProcessing, statemachine.Progress{Percent: 50}, statemachine.Guard{Progress: 50})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got)
}

func TestApplyJob_Lifecycle(t *testing.T) {
	now := time.Now().UTC()
	j := newJob(models.JobStatusQueued)

	started, err := statemachine.ApplyJob(j, statemachine.Start{}, now)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, started.Status)
	require.NotNil(t, started.StartedAt)
	assert.Nil(t, started.CompletedAt)
	assert.Equal(t, models.JobStatusQueued, j.Status, "input must not be mutated")

	progressed, err := statemachine.ApplyJob(started, statemachine.Progress{Percent: 50}, now)
	require.NoError(t, err)
	assert.Equal(t, 50, progressed.Progress)

	done, err := statemachine.ApplyJob(progressed, statemachine.Complete{
		Output:    json.RawMessage(`{"url":"https://cdn/x.png"}`),
		SizeBytes: 1024,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, 50, done.Progress)
	require.NotNil(t, done.OutputSizeBytes)
	assert.Equal(t, int64(1024), *done.OutputSizeBytes)
	require.NotNil(t, done.CompletedAt)
	assert.JSONEq(t, `{"url":"https://cdn/x.png"}`, string(done.Output))
	assert.Equal(t, string(j.SpecSnapshot), string(done.SpecSnapshot))

	_, err = statemachine.ApplyJob(done, statemachine.Complete{}, now)
	assert.ErrorIs(t, err, statemachine.ErrTerminalState)
}

func TestApplyJob_FailDefaultsToSystem(t *testing.T) {
	failed, err := statemachine.ApplyJob(newJob(models.JobStatusQueued), statemachine.Fail{Error: "gpu lost"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.FailureType)
	assert.Equal(t, models.FailureSystem, *failed.FailureType)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "gpu lost", *failed.Error)
	assert.NotNil(t, failed.CompletedAt)
	assert.Nil(t, failed.StartedAt)
}

func TestApplyJob_CancelLeavesFailureFieldsUnset(t *testing.T) {
	for _, from := range []models.JobStatus{models.JobStatusQueued, models.JobStatusProcessing} {
		canceled, err := statemachine.ApplyJob(newJob(from), statemachine.Cancel{}, time.Now())
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCanceled, canceled.Status)
		assert.Nil(t, canceled.FailureType, "from %s", from)
		assert.Nil(t, canceled.Error, "from %s", from)
		assert.NotNil(t, canceled.CompletedAt)
	}
}

func TestApplyJob_TerminalRejectsEverything(t *testing.T) {
	events := []statemachine.JobEvent{
		statemachine.Start{}, statemachine.Progress{Percent: 100}, statemachine.Complete{},
		statemachine.Fail{}, statemachine.Cancel{},
	}
	for _, status := range []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCanceled} {
		for _, ev := range events {
			j := newJob(status)
			out, err := statemachine.ApplyJob(j, ev, time.Now())
			assert.ErrorIs(t, err, statemachine.ErrTerminalState, "%s + %s", status, ev.EventType())
			assert.Nil(t, out)
			assert.Equal(t, status, j.Status)
		}
	}
}
