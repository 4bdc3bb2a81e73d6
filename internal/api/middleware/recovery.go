package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kiranshivaraju/renderflow/internal/api/response"
)

// Recovery turns a handler panic into a 500 envelope and an error log line
// tagged with the request ID and, once auth has run, the owner. If the
// handler already started its response only the log line is written.
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}

			attrs := []any{
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", chimw.GetReqID(r.Context()),
				"stack", string(debug.Stack()),
			}
			if h, ok := r.Context().Value(principalHolderKey).(*principalHolder); ok && h.p != nil {
				attrs = append(attrs, "owner", h.p.Owner)
			}
			slog.Error("handler panicked", attrs...)

			if ww.Status() != 0 {
				return
			}
			response.Error(ww, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", nil)
		}()
		next.ServeHTTP(ww, r)
	})
}
