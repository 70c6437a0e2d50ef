package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/lumina-crm/lumina/internal/billing"
)

// RecurringRunJob drives the generation batch from the cron scheduler.
type RecurringRunJob struct {
	Runner *billing.Runner
	Logger *slog.Logger
}

// NewRecurringRunJob constructs the job handler.
func NewRecurringRunJob(runner *billing.Runner, logger *slog.Logger) *RecurringRunJob {
	return &RecurringRunJob{Runner: runner, Logger: logger}
}

// Handle executes one generation batch. A run already in progress (for
// example the HTTP trigger fired concurrently) is not a failure: the lock
// holder will cover the due set.
func (j *RecurringRunJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Runner == nil {
		return errors.New("recurring run: dependencies not configured")
	}
	var payload RecurringRunPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	var (
		report *billing.RunReport
		err    error
	)
	if payload.AsOf != "" {
		asOf, perr := time.Parse("2006-01-02", payload.AsOf)
		if perr != nil {
			j.log().Error("invalid as_of in payload", slog.String("as_of", payload.AsOf))
			return asynq.SkipRetry
		}
		report, err = j.Runner.RunAt(ctx, asOf)
	} else {
		report, err = j.Runner.Run(ctx)
	}
	if err != nil {
		if errors.Is(err, billing.ErrRunInProgress) {
			j.log().Info("generation run skipped, another run holds the lock")
			return nil
		}
		j.log().Error("generation run failed", slog.Any("error", err))
		return err
	}

	j.log().Info("generation run complete",
		slog.String("run_id", report.RunID),
		slog.Int("total", report.Summary.Total),
		slog.Int("processed", report.Summary.Processed),
		slog.Int("failed", report.Summary.Failed),
		slog.Int("skipped", report.Summary.Skipped))
	return nil
}

func (j *RecurringRunJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
