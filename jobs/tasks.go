package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRecurringRun triggers a recurring invoice generation batch.
	TaskRecurringRun = "billing:recurring:run"
)

// RecurringRunPayload configures one generation batch. AsOf rebases the run
// to a past day (YYYY-MM-DD) when replaying a missed window; empty means now.
type RecurringRunPayload struct {
	AsOf string `json:"as_of,omitempty"`
}

// NewRecurringRunTask constructs an Asynq task for the generation batch.
func NewRecurringRunTask(payload RecurringRunPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRecurringRun, body, asynq.Queue(QueueDefault)), nil
}
