package models

import (
	"errors"
	"time"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrAnalysisNotFound  = errors.New("analysis not found")
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

const DefaultAdStyle = "charismatic_fomo"

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is reachable from s. Status only
// moves forward: queued -> processing -> completed|failed. A queued job may
// also fail directly when it is abandoned before a worker picks it up.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusProcessing || next == JobStatusFailed
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed
	}
	return false
}

// Job is one ad generation request and its progress.
type Job struct {
	ID         string     `json:"job_id"`
	UserID     string     `json:"user_id"`
	ProductURL string     `json:"product_url"`
	YouTubeURL string     `json:"youtube_url,omitempty"`
	Style      string     `json:"style"`
	Status     JobStatus  `json:"status"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	Script     string     `json:"script,omitempty"`
	RenderID   string     `json:"render_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// JobStats summarizes the job store.
type JobStats struct {
	TotalJobs      int     `json:"total_jobs"`
	QueuedJobs     int     `json:"queued_jobs"`
	ProcessingJobs int     `json:"processing_jobs"`
	CompletedJobs  int     `json:"completed_jobs"`
	FailedJobs     int     `json:"failed_jobs"`
	SuccessRate    float64 `json:"success_rate"`
}

// JobUpdate holds the fields a transition may set. Empty strings and nil
// times leave the stored value untouched.
type JobUpdate struct {
	Result     string
	Error      string
	Script     string
	RenderID   string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Apply copies the set fields of u onto j.
func (j *Job) Apply(u JobUpdate) {
	if u.Result != "" {
		j.Result = u.Result
	}
	if u.Error != "" {
		j.Error = u.Error
	}
	if u.Script != "" {
		j.Script = u.Script
	}
	if u.RenderID != "" {
		j.RenderID = u.RenderID
	}
	if u.StartedAt != nil {
		j.StartedAt = u.StartedAt
	}
	if u.FinishedAt != nil {
		j.FinishedAt = u.FinishedAt
	}
}

// ComputeSuccessRate sets SuccessRate to the completed share, in percent.
func (s *JobStats) ComputeSuccessRate() {
	if s.TotalJobs > 0 {
		s.SuccessRate = float64(s.CompletedJobs) / float64(s.TotalJobs) * 100
	}
}
