package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/renderflow/internal/api/middleware"
	"github.com/kiranshivaraju/renderflow/internal/api/response"
	"github.com/kiranshivaraju/renderflow/internal/engine"
	"github.com/kiranshivaraju/renderflow/internal/store"
	"github.com/kiranshivaraju/renderflow/internal/webhook"
)

// writeError maps domain errors onto the HTTP error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation), errors.Is(err, webhook.ErrInvalidWebhook):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, engine.ErrUnknownEvent):
		response.Error(w, http.StatusBadRequest, "UNKNOWN_EVENT", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidProgress):
		response.Error(w, http.StatusBadRequest, "INVALID_PROGRESS", err.Error(), nil)
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, webhook.ErrNotFound), errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, engine.ErrCreditsInsufficient):
		response.Error(w, http.StatusPaymentRequired, "CREDITS_INSUFFICIENT", err.Error(), nil)
	case errors.Is(err, engine.ErrConcurrencyLimitExceeded):
		response.Error(w, http.StatusConflict, "CONCURRENCY_LIMIT_EXCEEDED", err.Error(), nil)
	case errors.Is(err, engine.ErrTerminalState):
		response.Error(w, http.StatusConflict, "TERMINAL_STATE", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, engine.ErrJobActive):
		response.Error(w, http.StatusConflict, "JOB_ACTIVE", err.Error(), nil)
	case errors.Is(err, engine.ErrIdempotencyConflict):
		response.Error(w, http.StatusConflict, "IDEMPOTENCY_CONFLICT", err.Error(), nil)
	case errors.Is(err, engine.ErrNotRetryable):
		response.Error(w, http.StatusConflict, "NOT_RETRYABLE", err.Error(), nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "DUPLICATE", err.Error(), nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

func principal(w http.ResponseWriter, r *http.Request) (*mw.Principal, bool) {
	p, ok := mw.GetPrincipal(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing credentials", nil)
	}
	return p, ok
}

func badRequest(w http.ResponseWriter, message string) {
	response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", message, nil)
}

func teamPrincipal(w http.ResponseWriter, r *http.Request) (*mw.Principal, uuid.UUID, bool) {
	p, ok := principal(w, r)
	if !ok {
		return nil, uuid.Nil, false
	}
	if p.TeamID == nil {
		response.Error(w, http.StatusForbidden, "TEAM_REQUIRED", "This endpoint requires a team API key", nil)
		return nil, uuid.Nil, false
	}
	return p, *p.TeamID, true
}
