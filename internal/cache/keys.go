package cache

import "fmt"

// JobUpdatesChannel carries every snapshot the watcher publishes, JSON encoded.
const JobUpdatesChannel = "visionwatch:jobs"

func JobSnapshotKey(jobID string) string {
	return fmt.Sprintf("visionwatch:job:%s", jobID)
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("visionwatch:ratelimit:%s", client)
}
