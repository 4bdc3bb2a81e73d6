package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/renderflow/internal/api/response"
	"github.com/kiranshivaraju/renderflow/internal/webhook"
	"github.com/kiranshivaraju/renderflow/pkg/models"
)

// WebhookService is the subscription surface the webhook endpoints use.
type WebhookService interface {
	Register(ctx context.Context, p webhook.RegisterParams) (*models.Webhook, error)
	List(ctx context.Context, teamID uuid.UUID) ([]*models.Webhook, error)
	Deactivate(ctx context.Context, teamID, id uuid.UUID) error
	Deliveries(ctx context.Context, teamID, id uuid.UUID, limit int) ([]*models.WebhookDelivery, error)
}

var _ WebhookService = (*webhook.Service)(nil)

// Webhooks serves team webhook subscriptions. Routes sit behind RequireTeam.
type Webhooks struct {
	svc WebhookService
}

func NewWebhooks(svc WebhookService) *Webhooks {
	return &Webhooks{svc: svc}
}

// createdWebhook is the one response that carries the signing secret.
type createdWebhook struct {
	*models.Webhook
	Secret string `json:"secret"`
}

func (h *Webhooks) Create(w http.ResponseWriter, r *http.Request) {
	p, teamID, ok := teamPrincipal(w, r)
	if !ok {
		return
	}

	var req struct {
		URL    string   `json:"url"`
		Events []string `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}

	wh, err := h.svc.Register(r.Context(), webhook.RegisterParams{
		TeamID:    teamID,
		CreatedBy: p.UserID,
		URL:       req.URL,
		Events:    req.Events,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, createdWebhook{Webhook: wh, Secret: wh.Secret})
}

func (h *Webhooks) List(w http.ResponseWriter, r *http.Request) {
	_, teamID, ok := teamPrincipal(w, r)
	if !ok {
		return
	}
	hooks, err := h.svc.List(r.Context(), teamID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if hooks == nil {
		hooks = []*models.Webhook{}
	}
	response.JSON(w, hooks)
}

func (h *Webhooks) Delete(w http.ResponseWriter, r *http.Request) {
	_, teamID, ok := teamPrincipal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.Deactivate(r.Context(), teamID, id); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

// Deliveries handles GET /api/v1/webhooks/{id}/deliveries?limit=.
func (h *Webhooks) Deliveries(w http.ResponseWriter, r *http.Request) {
	_, teamID, ok := teamPrincipal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		badRequest(w, "limit must be an integer")
		return
	}
	ds, err := h.svc.Deliveries(r.Context(), teamID, id, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ds == nil {
		ds = []*models.WebhookDelivery{}
	}
	response.JSON(w, ds)
}
