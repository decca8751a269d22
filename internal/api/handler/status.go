package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/visionwatch/internal/api/response"
	"github.com/kiranshivaraju/visionwatch/internal/reconcile"
	"github.com/kiranshivaraju/visionwatch/pkg/models"
)

// Pinger is satisfied by the Redis cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SnapshotReader looks up the last snapshot published for a job.
type SnapshotReader interface {
	LastJobUpdate(ctx context.Context, jobID string) (models.Job, bool, error)
}

// NewHealthHandler reports cache connectivity. A nil cache is reported as
// disabled and does not degrade the service.
func NewHealthHandler(c Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"cache": "disabled"}

		if c != nil {
			checks["cache"] = "ok"
			if err := c.Ping(r.Context()); err != nil {
				checks["cache"] = "degraded"
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}

// NewPhaseHandler returns an http.HandlerFunc for GET /api/v1/phases/{status}.
func NewPhaseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := models.ParseJobStatus(chi.URLParam(r, "status"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_STATUS", err.Error(),
				map[string][]string{"allowed": {"PENDING", "PROCESSING", "COMPLETED", "FAILED"}})
			return
		}

		response.JSON(w, phaseResponse{
			Status:   status,
			Phase:    reconcile.PhaseOf(status),
			Terminal: status.Terminal(),
		})
	}
}

type phaseResponse struct {
	Status   models.JobStatus `json:"status"`
	Phase    models.Phase     `json:"phase"`
	Terminal bool             `json:"terminal"`
}

// NewSnapshotHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewSnapshotHandler(s SnapshotReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := strings.TrimSpace(chi.URLParam(r, "jobID"))

		job, found, err := s.LastJobUpdate(r.Context(), jobID)
		if err != nil {
			response.Error(w, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE",
				"Could not read job snapshot", nil)
			return
		}
		if !found {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No snapshot recorded for this job", nil)
			return
		}

		response.JSON(w, snapshotResponse{
			Job:      job,
			Phase:    reconcile.PhaseOf(job.Status),
			Terminal: job.Status.Terminal(),
		})
	}
}

type snapshotResponse struct {
	Job      models.Job   `json:"job"`
	Phase    models.Phase `json:"phase"`
	Terminal bool         `json:"terminal"`
}
