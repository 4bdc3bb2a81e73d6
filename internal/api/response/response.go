// Package response writes the JSON envelopes every endpoint returns:
// {"data": ...}, {"data": [...], "meta": {...}} and {"error": {...}}.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

type dataBody struct {
	Data any             `json:"data"`
	Meta *PaginationMeta `json:"meta,omitempty"`
}

type errorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the body of an error envelope. Code is a stable
// SCREAMING_SNAKE identifier clients switch on; Message is for humans.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type PaginationMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

// Meta builds pagination metadata for one page of a total result set.
func Meta(page, limit, total int) PaginationMeta {
	return PaginationMeta{Page: page, Limit: limit, Total: total, HasNext: page*limit < total}
}

func JSON(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, dataBody{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	write(w, http.StatusCreated, dataBody{Data: data})
}

// Accepted is used for admissions: the job exists but has not run yet.
func Accepted(w http.ResponseWriter, data any) {
	write(w, http.StatusAccepted, dataBody{Data: data})
}

func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Collection writes one page of items. An empty page is encoded as [] so
// clients never see "data": null.
func Collection[T any](w http.ResponseWriter, items []T, meta PaginationMeta) {
	if items == nil {
		items = []T{}
	}
	write(w, http.StatusOK, dataBody{Data: items, Meta: &meta})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	write(w, status, errorBody{Error: ErrorDetail{Code: code, Message: message, Details: details}})
}

// RateLimited writes a 429 with Retry-After rounded up to whole seconds.
func RateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	Error(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Too many requests", nil)
}

// write encodes v before touching the header so a value that cannot be
// marshaled becomes a 500 rather than a truncated success.
func write(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode response failed", "status", status, "error", err)
		status = http.StatusInternalServerError
		b = []byte(`{"error":{"code":"INTERNAL_ERROR","message":"An unexpected error occurred"}}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(b, '\n')); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}
