package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/renderflow/internal/store"
	"github.com/kiranshivaraju/renderflow/pkg/models"
)

var (
	ErrInvalidWebhook = errors.New("invalid webhook")
	ErrNotFound       = errors.New("webhook not found")
)

// SubscribableEvents lists every event type a webhook may subscribe to.
func SubscribableEvents() []string {
	var out []string
	for _, k := range models.Kinds() {
		for _, et := range []models.EventType{models.EventStarted, models.EventCompleted, models.EventFailed, models.EventCanceled} {
			out = append(out, k.WebhookEvent(et))
		}
	}
	return out
}

// RegisterParams describe a new subscription.
type RegisterParams struct {
	TeamID    uuid.UUID
	CreatedBy uuid.UUID
	URL       string
	Events    []string
}

// Service manages webhook subscriptions for teams.
type Service struct {
	store store.Store
	now   func() time.Time
}

func NewService(st store.Store) *Service {
	return &Service{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Register validates and stores a subscription. The returned webhook carries
// its secret; later reads never do.
func (s *Service) Register(ctx context.Context, p RegisterParams) (*models.Webhook, error) {
	if err := validateURL(p.URL); err != nil {
		return nil, err
	}
	events, err := validateEvents(p.Events)
	if err != nil {
		return nil, err
	}
	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}

	now := s.now()
	w := &models.Webhook{
		ID:        uuid.New(),
		TeamID:    p.TeamID,
		CreatedBy: p.CreatedBy,
		URL:       p.URL,
		Events:    events,
		Secret:    secret,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateWebhook(ctx, w); err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	return w, nil
}

func (s *Service) List(ctx context.Context, teamID uuid.UUID) ([]*models.Webhook, error) {
	return s.store.ListWebhooks(ctx, teamID)
}

// Deactivate stops future deliveries. Queued deliveries fail on their next attempt.
func (s *Service) Deactivate(ctx context.Context, teamID, id uuid.UUID) error {
	err := s.store.DeactivateWebhook(ctx, id, teamID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

// Deliveries returns a team webhook's most recent deliveries.
func (s *Service) Deliveries(ctx context.Context, teamID, id uuid.UUID, limit int) ([]*models.WebhookDelivery, error) {
	w, err := s.store.GetWebhook(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && w.TeamID != teamID) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	_, limit = store.NormalizePage(1, limit)
	return s.store.ListDeliveries(ctx, id, limit)
}

func validateURL(raw string) error {
	if len(raw) > models.MaxWebhookURLLength {
		return fmt.Errorf("%w: url exceeds %d characters", ErrInvalidWebhook, models.MaxWebhookURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWebhook, err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute https URL", ErrInvalidWebhook)
	}
	return nil
}

// validateEvents rejects unknown types and returns the set without duplicates.
func validateEvents(events []string) ([]string, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: at least one event is required", ErrInvalidWebhook)
	}
	known := SubscribableEvents()
	var out []string
	for _, e := range events {
		if !slices.Contains(known, e) {
			return nil, fmt.Errorf("%w: unknown event %q", ErrInvalidWebhook, e)
		}
		if !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	return out, nil
}
