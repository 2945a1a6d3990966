package stablediffusion

import "time"

// JobStatus is the client-side state of one generation job
type JobStatus string

const (
	StatusSubmitted   JobStatus = "submitted"
	StatusProcessing  JobStatus = "processing"
	StatusSucceeded   JobStatus = "succeeded"
	StatusFailed      JobStatus = "failed"
	StatusRateLimited JobStatus = "rate_limited"
)

var jobTransitions = map[JobStatus][]JobStatus{
	StatusSubmitted:   {StatusProcessing, StatusSucceeded, StatusFailed, StatusRateLimited},
	StatusRateLimited: {StatusSubmitted, StatusFailed},
	StatusProcessing:  {StatusSucceeded, StatusFailed},
}

// GenerationJob tracks a single Submit call. It is local to that call and
// discarded once resolved.
type GenerationJob struct {
	TaskID    string
	Status    JobStatus
	Attempt   int
	Polls     int
	Endpoint  string
	Payload   map[string]interface{}
	Output    []string
	StartedAt time.Time
}

func newJob(endpoint string, payload map[string]interface{}, now time.Time) *GenerationJob {
	return &GenerationJob{
		Status:    StatusSubmitted,
		Endpoint:  endpoint,
		Payload:   payload,
		StartedAt: now,
	}
}

// advance moves the job to next if the transition is allowed
func (j *GenerationJob) advance(next JobStatus) bool {
	if j.Status == next {
		return true
	}
	for _, allowed := range jobTransitions[j.Status] {
		if allowed == next {
			j.Status = next
			return true
		}
	}
	return false
}

// Resolved reports whether the job reached a terminal state
func (j *GenerationJob) Resolved() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}
