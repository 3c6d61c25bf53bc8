package job

import "time"

// Summary captures the subset of job-post data exposed via the public API
// layer and referenced by negotiations.
type Summary struct {
	ID          string
	ClientID    string
	Title       string
	Description string
	Rate        float64
	Open        bool
	CreatedAt   time.Time
}

// CreateParams carries the fields a client supplies when posting a job.
type CreateParams struct {
	ClientID    string
	Title       string
	Description string
	Rate        float64
}
