package models

// Phase is the presentation-facing projection of a JobStatus.
type Phase string

const (
	PhaseUploading Phase = "uploading"
	PhaseQueued    Phase = "queued"
	PhaseRunning   Phase = "running"
	PhaseDone      Phase = "done"
	PhaseErrored   Phase = "errored"
)

// Terminal reports whether the phase is a final outcome.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseErrored
}
