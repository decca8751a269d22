package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/visionwatch/internal/api/response"
	"github.com/kiranshivaraju/visionwatch/internal/poll"
	"github.com/kiranshivaraju/visionwatch/internal/reconcile"
	"github.com/kiranshivaraju/visionwatch/internal/vision"
	"github.com/kiranshivaraju/visionwatch/internal/watch"
	"github.com/kiranshivaraju/visionwatch/pkg/models"
)

const defaultMaxUploadBytes = 10 << 20

// Watcher defines the interface the watch handlers depend on.
type Watcher interface {
	Submit(ctx context.Context, artifact models.Artifact) (models.Job, error)
	Attach(ctx context.Context, jobID string) (models.Job, error)
	Reset()
	View() watch.View
	Result(ctx context.Context) (models.Job, []byte, error)
}

// NewViewHandler returns an http.HandlerFunc for GET /api/v1/watch.
func NewViewHandler(wt Watcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, wt.View())
	}
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/watch. The
// request is a multipart form with the image in the "file" field.
func NewSubmitHandler(wt Watcher, maxUploadBytes int64) http.HandlerFunc {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	tooLarge := func(w http.ResponseWriter) {
		response.Error(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
			"Upload exceeds the size limit", map[string]int64{"max_bytes": maxUploadBytes})
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > maxUploadBytes {
			tooLarge(w)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				tooLarge(w)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Expected a multipart form", nil)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "file is required", nil)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Could not read file", nil)
			return
		}

		_, err = wt.Submit(r.Context(), models.Artifact{
			Name:        header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		})
		if err != nil {
			writeWatchError(w, err)
			return
		}

		response.Accepted(w, wt.View())
	}
}

// NewAttachHandler returns an http.HandlerFunc for PUT /api/v1/watch/{jobID}.
func NewAttachHandler(wt Watcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := strings.TrimSpace(chi.URLParam(r, "jobID"))
		if jobID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID is required", nil)
			return
		}

		if _, err := wt.Attach(r.Context(), jobID); err != nil {
			writeWatchError(w, err)
			return
		}

		response.JSON(w, wt.View())
	}
}

// NewResetHandler returns an http.HandlerFunc for DELETE /api/v1/watch.
func NewResetHandler(wt Watcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wt.Reset()
		response.NoContent(w)
	}
}

// NewResultHandler returns an http.HandlerFunc for GET /api/v1/watch/result.
func NewResultHandler(wt Watcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, data, err := wt.Result(r.Context())
		if err != nil {
			writeWatchError(w, err)
			return
		}

		var filename string
		if job.Result != nil {
			filename = job.Result.ProcessedFile
		}
		response.File(w, filename, data)
	}
}

func writeWatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, poll.ErrInvalidJobID):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, watch.ErrNoJob):
		response.Error(w, http.StatusNotFound, "NO_JOB", "No job is being watched", nil)
	case errors.Is(err, watch.ErrNotReady):
		response.Error(w, http.StatusConflict, "RESULT_NOT_READY", err.Error(), nil)
	case errors.Is(err, vision.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "The vision service does not know this job", nil)
	case errors.Is(err, watch.ErrSuperseded):
		response.Error(w, http.StatusConflict, "SUPERSEDED", "The request was replaced by a newer one", nil)
	case errors.Is(err, vision.ErrRejected):
		response.Error(w, http.StatusUnprocessableEntity, "JOB_REJECTED", err.Error(), nil)
	case errors.Is(err, vision.ErrTransport):
		response.Error(w, http.StatusBadGateway, "VISION_UNAVAILABLE", "The vision service is not reachable", nil)
	case errors.Is(err, vision.ErrSubmission):
		response.Error(w, http.StatusUnprocessableEntity, "SUBMISSION_REJECTED", err.Error(), nil)
	case errors.Is(err, reconcile.ErrMalformedPayload):
		response.Error(w, http.StatusBadGateway, "VISION_INVALID_RESPONSE", err.Error(), nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
