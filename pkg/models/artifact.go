package models

// Artifact is a local binary payload to be submitted as a job.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
}
