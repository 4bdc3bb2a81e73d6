package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/renderflow/internal/api/response"
	"github.com/kiranshivaraju/renderflow/pkg/models"
)

const maxCallbackBytes = 1 << 20

type callbackResponse struct {
	ID       uuid.UUID        `json:"id"`
	Status   models.JobStatus `json:"status"`
	Progress int              `json:"progress"`
}

// NewCallbackHandler handles POST /internal/v1/callbacks/{kind}, routing each
// backend postback to the engine of the kind named in the path.
func NewCallbackHandler(services ...JobService) http.HandlerFunc {
	byPlural := make(map[string]JobService, len(services))
	for _, s := range services {
		byPlural[s.Kind().Plural] = s
	}

	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := byPlural[chi.URLParam(r, "kind")]
		if !ok {
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Unknown job kind", nil)
			return
		}

		var cb models.Callback
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCallbackBytes)).Decode(&cb); err != nil {
			badRequest(w, "Invalid JSON body")
			return
		}
		if cb.JobID == uuid.Nil {
			badRequest(w, "job_id is required")
			return
		}

		job, err := svc.HandleCallback(r.Context(), cb)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, callbackResponse{ID: job.ID, Status: job.Status, Progress: job.Progress})
	}
}
