package webhook

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/renderflow/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_Register(t *testing.T) {
	s := NewService(memory.New())
	team := uuid.New()

	w, err := s.Register(context.Background(), RegisterParams{
		TeamID:    team,
		CreatedBy: uuid.New(),
		URL:       "https://hooks.example.com/in",
		Events:    []string{"job.completed", "generation.failed", "job.completed"},
	})
	require.NoError(t, err)
	assert.True(t, w.IsActive)
	assert.True(t, strings.HasPrefix(w.Secret, "whsec_"))
	assert.Equal(t, []string{"job.completed", "generation.failed"}, w.Events)

	list, err := s.List(context.Background(), team)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, w.ID, list[0].ID)
}

func TestService_RegisterValidation(t *testing.T) {
	s := NewService(memory.New())
	tests := []struct {
		name   string
		url    string
		events []string
	}{
		{"http url", "http://hooks.example.com", []string{"job.completed"}},
		{"relative url", "/hooks", []string{"job.completed"}},
		{"too long", "https://example.com/" + strings.Repeat("a", 2048), []string{"job.completed"}},
		{"no events", "https://example.com", nil},
		{"unknown event", "https://example.com", []string{"job.progress"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Register(context.Background(), RegisterParams{TeamID: uuid.New(), URL: tt.url, Events: tt.events})
			assert.ErrorIs(t, err, ErrInvalidWebhook)
		})
	}
}

func TestService_DeactivateAndDeliveriesAreTeamScoped(t *testing.T) {
	s := NewService(memory.New())
	team := uuid.New()
	w, err := s.Register(context.Background(), RegisterParams{TeamID: team, URL: "https://example.com/h", Events: []string{"job.failed"}})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Deactivate(context.Background(), uuid.New(), w.ID), ErrNotFound)
	_, err = s.Deliveries(context.Background(), uuid.New(), w.ID, 10)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Deactivate(context.Background(), team, w.ID))
	list, err := s.List(context.Background(), team)
	require.NoError(t, err)
	assert.False(t, list[0].IsActive)

	ds, err := s.Deliveries(context.Background(), team, w.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestSubscribableEvents(t *testing.T) {
	events := SubscribableEvents()
	assert.Contains(t, events, "job.started")
	assert.Contains(t, events, "generation.canceled")
	assert.NotContains(t, events, "job.progress")
	assert.Len(t, events, 8)
}
