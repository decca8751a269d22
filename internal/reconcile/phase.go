package reconcile

import (
	"fmt"

	"github.com/kiranshivaraju/visionwatch/pkg/models"
)

// PhaseOf maps a job status to its presentation phase. The switch lists every
// status; a new status without a case panics rather than falling into a default.
func PhaseOf(status models.JobStatus) models.Phase {
	switch status {
	case models.JobStatusNone:
		return models.PhaseUploading
	case models.JobStatusPending:
		return models.PhaseQueued
	case models.JobStatusProcessing:
		return models.PhaseRunning
	case models.JobStatusCompleted:
		return models.PhaseDone
	case models.JobStatusFailed:
		return models.PhaseErrored
	}
	panic(fmt.Sprintf("reconcile: no phase for %v", status))
}
