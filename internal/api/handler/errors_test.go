package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/renderflow/internal/engine"
	"github.com/kiranshivaraju/renderflow/internal/store"
	"github.com/kiranshivaraju/renderflow/internal/webhook"
	"github.com/stretchr/testify/assert"
)

func TestWriteError_Mapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: spec", engine.ErrValidation), http.StatusBadRequest, "VALIDATION_ERROR"},
		{fmt.Errorf("%w: url", webhook.ErrInvalidWebhook), http.StatusBadRequest, "VALIDATION_ERROR"},
		{engine.ErrUnknownEvent, http.StatusBadRequest, "UNKNOWN_EVENT"},
		{engine.ErrInvalidProgress, http.StatusBadRequest, "INVALID_PROGRESS"},
		{engine.ErrNotFound, http.StatusNotFound, "RESOURCE_NOT_FOUND"},
		{webhook.ErrNotFound, http.StatusNotFound, "RESOURCE_NOT_FOUND"},
		{store.ErrNotFound, http.StatusNotFound, "RESOURCE_NOT_FOUND"},
		{engine.ErrCreditsInsufficient, http.StatusPaymentRequired, "CREDITS_INSUFFICIENT"},
		{engine.ErrConcurrencyLimitExceeded, http.StatusConflict, "CONCURRENCY_LIMIT_EXCEEDED"},
		{engine.ErrTerminalState, http.StatusConflict, "TERMINAL_STATE"},
		{engine.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
		{engine.ErrJobActive, http.StatusConflict, "JOB_ACTIVE"},
		{engine.ErrNotRetryable, http.StatusConflict, "NOT_RETRYABLE"},
		{store.ErrDuplicateKey, http.StatusConflict, "DUPLICATE"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.code+"/"+tt.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			writeError(w, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), `"code":"`+tt.code+`"`)
		})
	}
}

func TestWriteError_HidesInternalMessage(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("pq: connection refused"))
	assert.NotContains(t, w.Body.String(), "connection refused")
}
