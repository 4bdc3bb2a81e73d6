package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kiranshivaraju/renderflow/internal/api/response"
	"github.com/kiranshivaraju/renderflow/internal/store"
	"github.com/kiranshivaraju/renderflow/pkg/models"
)

// AccountStore is the subset of the store the credit endpoints need.
type AccountStore interface {
	GetAccount(ctx context.Context, owner string) (*models.Account, error)
	GrantCredits(ctx context.Context, owner string, amount int64) (*models.Account, error)
	SetConcurrencyLimit(ctx context.Context, owner string, limit *int) error
}

// Credits serves the caller's balance and the admin ledger operations.
type Credits struct {
	store AccountStore
}

func NewCredits(s AccountStore) *Credits {
	return &Credits{store: s}
}

// Balance handles GET /api/v1/credits. Owners without an account have a zero balance.
func (h *Credits) Balance(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	a, err := h.store.GetAccount(r.Context(), p.Owner)
	if errors.Is(err, store.ErrNotFound) {
		response.JSON(w, models.Account{Owner: p.Owner})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, a)
}

// Grant handles POST /api/v1/admin/credits.
func (h *Credits) Grant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner  string `json:"owner"`
		Amount int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	if _, _, err := models.ParseOwner(req.Owner); err != nil {
		badRequest(w, "owner must be a user: or team: URN")
		return
	}
	if req.Amount <= 0 {
		badRequest(w, "amount must be positive")
		return
	}

	a, err := h.store.GrantCredits(r.Context(), req.Owner, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, a)
}

// SetConcurrency handles PUT /api/v1/admin/concurrency. A null limit clears
// the override so the configured default applies again.
func (h *Credits) SetConcurrency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner string `json:"owner"`
		Limit *int   `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	if _, _, err := models.ParseOwner(req.Owner); err != nil {
		badRequest(w, "owner must be a user: or team: URN")
		return
	}
	if req.Limit != nil && *req.Limit < 0 {
		badRequest(w, "limit must not be negative")
		return
	}

	if err := h.store.SetConcurrencyLimit(r.Context(), req.Owner, req.Limit); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}
