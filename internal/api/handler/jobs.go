package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/renderflow/internal/api/response"
	"github.com/kiranshivaraju/renderflow/internal/cache"
	"github.com/kiranshivaraju/renderflow/internal/engine"
	"github.com/kiranshivaraju/renderflow/internal/store"
	"github.com/kiranshivaraju/renderflow/pkg/models"
)

// IdempotencyKeyHeader may carry the idempotency key instead of the body field.
const IdempotencyKeyHeader = "Idempotency-Key"

// maxSpecBytes bounds admission request bodies.
const maxSpecBytes = 1 << 20

// JobService is the engine surface the job endpoints use.
type JobService interface {
	Kind() models.Kind
	Create(ctx context.Context, p engine.CreateParams) (*models.Job, bool, error)
	Retry(ctx context.Context, p engine.RetryParams) (*models.Job, bool, error)
	Get(ctx context.Context, owner string, id uuid.UUID) (*models.Job, error)
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
	Events(ctx context.Context, owner string, id uuid.UUID) ([]*models.JobEvent, error)
	Status(ctx context.Context, owner string, id uuid.UUID) (*cache.JobStatus, error)
	Cancel(ctx context.Context, owner string, id uuid.UUID) (*models.Job, error)
	Delete(ctx context.Context, owner string, id uuid.UUID) error
	HandleCallback(ctx context.Context, cb models.Callback) (*models.Job, error)
}

var _ JobService = (*engine.Engine)(nil)

// Jobs serves the owner-facing endpoints of one kind.
type Jobs struct {
	svc JobService
}

func NewJobs(svc JobService) *Jobs {
	return &Jobs{svc: svc}
}

// Kind returns the kind these endpoints serve.
func (h *Jobs) Kind() models.Kind { return h.svc.Kind() }

type createJobRequest struct {
	Spec           json.RawMessage `json:"spec"`
	Options        json.RawMessage `json:"options"`
	ProjectID      *uuid.UUID      `json:"project_id"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Create handles POST /api/v1/{kind}. A new job answers 202; a repeated
// idempotency key answers 200 with the original job.
func (h *Jobs) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSpecBytes)).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	if len(req.Spec) == 0 || string(req.Spec) == "null" {
		badRequest(w, "spec is required")
		return
	}
	key := req.IdempotencyKey
	if hdr := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)); hdr != "" {
		if key != "" && key != hdr {
			badRequest(w, "idempotency key in header and body differ")
			return
		}
		key = hdr
	}

	job, created, err := h.svc.Create(r.Context(), engine.CreateParams{
		Owner:          p.Owner,
		TriggeredBy:    p.UserID,
		ProjectID:      req.ProjectID,
		Spec:           req.Spec,
		Options:        req.Options,
		IdempotencyKey: key,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if created {
		response.Accepted(w, job)
		return
	}
	response.JSON(w, job)
}

// List handles GET /api/v1/{kind}?status=&page=&limit=.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, err := intParam(q.Get("page"))
	if err != nil {
		badRequest(w, "page must be an integer")
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		badRequest(w, "limit must be an integer")
		return
	}
	page, limit = store.NormalizePage(page, limit)

	jobs, total, err := h.svc.List(r.Context(), store.JobFilter{
		Owner:  p.Owner,
		Status: models.JobStatus(q.Get("status")),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Collection(w, jobs, response.Meta(page, limit, total))
}

func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	h.withJob(w, r, func(owner string, id uuid.UUID) {
		job, err := h.svc.Get(r.Context(), owner, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, job)
	})
}

func (h *Jobs) Events(w http.ResponseWriter, r *http.Request) {
	h.withJob(w, r, func(owner string, id uuid.UUID) {
		evs, err := h.svc.Events(r.Context(), owner, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if evs == nil {
			evs = []*models.JobEvent{}
		}
		response.JSON(w, evs)
	})
}

type statusResponse struct {
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	UpdatedAt string    `json:"updated_at"`
}

// Status handles GET /api/v1/{kind}/{id}/status, the cheap polling endpoint.
func (h *Jobs) Status(w http.ResponseWriter, r *http.Request) {
	h.withJob(w, r, func(owner string, id uuid.UUID) {
		s, err := h.svc.Status(r.Context(), owner, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, statusResponse{
			ID:        id,
			Kind:      h.svc.Kind().Name,
			Status:    s.Status,
			Progress:  s.Progress,
			UpdatedAt: s.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	})
}

func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	h.withJob(w, r, func(owner string, id uuid.UUID) {
		job, err := h.svc.Cancel(r.Context(), owner, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, job)
	})
}

// Retry handles POST /api/v1/{kind}/{id}/retry.
func (h *Jobs) Retry(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	job, created, err := h.svc.Retry(r.Context(), engine.RetryParams{
		Owner:          p.Owner,
		TriggeredBy:    p.UserID,
		JobID:          id,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if created {
		response.Accepted(w, job)
		return
	}
	response.JSON(w, job)
}

func (h *Jobs) Delete(w http.ResponseWriter, r *http.Request) {
	h.withJob(w, r, func(owner string, id uuid.UUID) {
		if err := h.svc.Delete(r.Context(), owner, id); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	})
}

func (h *Jobs) withJob(w http.ResponseWriter, r *http.Request, fn func(owner string, id uuid.UUID)) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	fn(p.Owner, id)
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		badRequest(w, param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
