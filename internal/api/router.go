// Package api assembles the HTTP surface: the public owner API under /api/v1
// and the backend callback receiver under /internal/v1.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kiranshivaraju/renderflow/internal/api/handler"
	mw "github.com/kiranshivaraju/renderflow/internal/api/middleware"
	"github.com/kiranshivaraju/renderflow/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
// A nil handler group leaves its routes answering 501.
type Dependencies struct {
	Auth              *mw.Auth
	RateLimit         *mw.RateLimit
	CallbackRateLimit *mw.RateLimit
	CallbackToken     string

	HealthHandler   http.HandlerFunc
	CallbackHandler http.HandlerFunc

	Jobs     []*handler.Jobs
	Webhooks *handler.Webhooks
	Credits  *handler.Credits
	Keys     *handler.Keys
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Backend postbacks carry the shared callback token, not an API key.
	r.Group(func(r chi.Router) {
		r.Use(mw.CallbackToken(deps.CallbackToken))
		if deps.CallbackRateLimit != nil {
			r.Use(deps.CallbackRateLimit.Limit)
		}
		r.Post("/internal/v1/callbacks/{kind}", orNotImplemented(deps.CallbackHandler))
	})

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		for _, h := range deps.Jobs {
			r.Route("/api/v1/"+h.Kind().Plural, func(r chi.Router) {
				r.Post("/", h.Create)
				r.Get("/", h.List)
				r.Get("/{id}", h.Get)
				r.Delete("/{id}", h.Delete)
				r.Get("/{id}/events", h.Events)
				r.Get("/{id}/status", h.Status)
				r.Post("/{id}/cancel", h.Cancel)
				r.Post("/{id}/retry", h.Retry)
			})
		}

		var balance http.HandlerFunc
		if deps.Credits != nil {
			balance = deps.Credits.Balance
		}
		r.Get("/api/v1/credits", orNotImplemented(balance))

		r.Group(func(r chi.Router) {
			r.Use(mw.RequireTeam)

			var create, list, del, deliveries http.HandlerFunc
			if wh := deps.Webhooks; wh != nil {
				create, list, del, deliveries = wh.Create, wh.List, wh.Delete, wh.Deliveries
			}
			r.Post("/api/v1/webhooks", orNotImplemented(create))
			r.Get("/api/v1/webhooks", orNotImplemented(list))
			r.Delete("/api/v1/webhooks/{id}", orNotImplemented(del))
			r.Get("/api/v1/webhooks/{id}/deliveries", orNotImplemented(deliveries))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(handler.ScopeAdmin))

			var createKey, listKeys, revokeKey http.HandlerFunc
			if k := deps.Keys; k != nil {
				createKey, listKeys, revokeKey = k.Create, k.List, k.Revoke
			}
			r.Post("/api/v1/admin/keys", orNotImplemented(createKey))
			r.Get("/api/v1/admin/keys", orNotImplemented(listKeys))
			r.Delete("/api/v1/admin/keys/{id}", orNotImplemented(revokeKey))

			var grant, concurrency http.HandlerFunc
			if c := deps.Credits; c != nil {
				grant, concurrency = c.Grant, c.SetConcurrency
			}
			r.Post("/api/v1/admin/credits", orNotImplemented(grant))
			r.Put("/api/v1/admin/concurrency", orNotImplemented(concurrency))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
