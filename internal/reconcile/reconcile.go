// Package reconcile folds raw status payloads from the vision service into
// local job snapshots and derives presentation phases. Everything here is pure.
package reconcile

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/visionwatch/pkg/models"
)

// ErrMalformedPayload is returned when a status payload cannot be applied.
// Callers treat it as a per-tick error and keep the previous snapshot.
var ErrMalformedPayload = errors.New("malformed status payload")

// Reconcile applies raw to prev. Identity fields (ID, Filename, CreatedAt) come
// from prev; status, result and error come from raw.
func Reconcile(prev models.Job, raw models.StatusPayload) (models.Job, error) {
	status, err := models.ParseJobStatus(raw.Status)
	if err != nil {
		return prev, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	next := models.Job{
		ID:        prev.ID,
		Status:    status,
		Filename:  prev.Filename,
		CreatedAt: prev.CreatedAt,
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = raw.CreatedAt
	}

	switch status {
	case models.JobStatusCompleted:
		if raw.Result == nil || raw.Result.ProcessedFile == nil || *raw.Result.ProcessedFile == "" {
			return prev, fmt.Errorf("%w: completed job %s has no result", ErrMalformedPayload, prev.ID)
		}
		next.Result = &models.Result{ProcessedFile: *raw.Result.ProcessedFile}
	case models.JobStatusFailed:
		if raw.Result == nil || raw.Result.Error == nil || *raw.Result.Error == "" {
			return prev, fmt.Errorf("%w: failed job %s has no error detail", ErrMalformedPayload, prev.ID)
		}
		detail := *raw.Result.Error
		next.Error = &detail
	}

	return next, nil
}

// Initial builds the first snapshot of a job from an upload or lookup response.
func Initial(raw models.StatusPayload) (models.Job, error) {
	if raw.ID == "" {
		return models.Job{}, fmt.Errorf("%w: missing job id", ErrMalformedPayload)
	}
	return Reconcile(models.Job{
		ID:        raw.ID,
		Filename:  raw.Filename,
		CreatedAt: raw.CreatedAt,
	}, raw)
}
