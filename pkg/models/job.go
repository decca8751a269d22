// Package models contains the job and phase types shared across visionwatch.
package models

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus is the server-reported lifecycle stage of a job. The zero value,
// JobStatusNone, means no status is known yet because submission is still in flight.
type JobStatus int

const (
	JobStatusNone JobStatus = iota
	JobStatusPending
	JobStatusProcessing
	JobStatusCompleted
	JobStatusFailed
)

var jobStatusNames = map[JobStatus]string{
	JobStatusNone:       "",
	JobStatusPending:    "PENDING",
	JobStatusProcessing: "PROCESSING",
	JobStatusCompleted:  "COMPLETED",
	JobStatusFailed:     "FAILED",
}

// ParseJobStatus maps a wire status name to a JobStatus. Matching is
// case-insensitive. The empty string is not a valid wire status.
func ParseJobStatus(s string) (JobStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING":
		return JobStatusPending, nil
	case "PROCESSING":
		return JobStatusProcessing, nil
	case "COMPLETED":
		return JobStatusCompleted, nil
	case "FAILED":
		return JobStatusFailed, nil
	}
	return JobStatusNone, fmt.Errorf("unknown job status %q", s)
}

func (s JobStatus) String() string {
	if name, ok := jobStatusNames[s]; ok {
		if name == "" {
			return "NONE"
		}
		return name
	}
	return fmt.Sprintf("JobStatus(%d)", int(s))
}

// Terminal reports whether polling for a job in this status should stop.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) MarshalText() ([]byte, error) {
	name, ok := jobStatusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown job status %d", int(s))
	}
	return []byte(name), nil
}

func (s *JobStatus) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*s = JobStatusNone
		return nil
	}
	parsed, err := ParseJobStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Result describes the output of a completed job.
type Result struct {
	ProcessedFile string `json:"processed_file"`
}

// Job is a local snapshot of one submitted image transform. Result is set only
// when Status is Completed and Error only when Status is Failed.
type Job struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"created_at"`
	Result    *Result   `json:"result,omitempty"`
	Error     *string   `json:"error,omitempty"`
}

// StatusPayload is the raw task document returned by the vision service for
// both uploads and status lookups.
type StatusPayload struct {
	ID        string         `json:"id"`
	Status    string         `json:"status"`
	Filename  string         `json:"filename"`
	Result    *PayloadResult `json:"result"`
	CreatedAt time.Time      `json:"created_at"`
}

// PayloadResult is the free-form result object of a StatusPayload.
type PayloadResult struct {
	ProcessedFile *string `json:"processed_file,omitempty"`
	Error         *string `json:"error,omitempty"`
}
