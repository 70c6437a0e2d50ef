package billing

import "time"

// RunRequest optionally rebases the scheduled run to a past day, used by
// operators to replay a missed cron window. Empty body means "now".
type RunRequest struct {
	AsOf string `json:"as_of,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// RunResponse is the JSON contract of the scheduled trigger.
type RunResponse struct {
	Success bool        `json:"success"`
	RunID   string      `json:"run_id"`
	Summary RunSummary  `json:"summary"`
	Details []RunDetail `json:"details"`
	Errors  []string    `json:"errors,omitempty"`
}

// ScheduleState reflects a template's schedule after a generation.
type ScheduleState struct {
	NextIssueDate   time.Time  `json:"next_issue_date"`
	OccurrenceCount int        `json:"occurrence_count"`
	MaxOccurrences  *int       `json:"max_occurrences,omitempty"`
	LastSentAt      *time.Time `json:"last_sent_at,omitempty"`
}

// ManualGenerateResponse is returned by the per-template trigger.
type ManualGenerateResponse struct {
	Invoice  Invoice       `json:"invoice"`
	Amounts  Amounts       `json:"amounts"`
	Schedule ScheduleState `json:"schedule"`
}
