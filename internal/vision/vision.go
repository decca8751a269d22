// Package vision talks to the remote image-processing service: it submits
// artifacts as jobs and reads job status and results back.
package vision

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/visionwatch/pkg/models"
)

// Sentinel errors for vision service failures.
var (
	ErrSubmission = errors.New("job submission failed")
	ErrTransport  = errors.New("vision service transport error")
	ErrNotFound   = errors.New("job not found")

	// ErrRejected marks a permanent client error other than 404, such as the
	// 422 the service returns for a malformed job id. Retrying will not help.
	ErrRejected = errors.New("request rejected by vision service")
)

// Submitter turns a local artifact into a remote job.
type Submitter interface {
	Submit(ctx context.Context, artifact models.Artifact) (models.Job, error)
}

// StatusSource answers "what is the status of job X".
type StatusSource interface {
	FetchStatus(ctx context.Context, jobID string) (models.StatusPayload, error)
}

// ResultSource returns the processed bytes of a completed job.
type ResultSource interface {
	FetchResult(ctx context.Context, jobID string) ([]byte, error)
}

// Client is the full vision service surface.
type Client interface {
	Submitter
	StatusSource
	ResultSource
}
