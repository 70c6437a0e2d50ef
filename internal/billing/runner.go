package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	jobmetrics "github.com/lumina-crm/lumina/internal/jobs"
	"github.com/lumina-crm/lumina/internal/shared"
)

// ErrRunInProgress indicates another batch run holds the lock.
var ErrRunInProgress = errors.New("recurring generation run already in progress")

// Notifier dispatches a generated invoice to the client when auto-send is on.
// Failures stay inside the notifier: the invoice and the advanced schedule
// are already committed.
type Notifier interface {
	Dispatch(ctx context.Context, inv Invoice, tpl Template) error
}

// RunSummary aggregates per-item outcomes.
type RunSummary struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RunDetail records the outcome for one due template.
type RunDetail struct {
	TemplateID    int64  `json:"template_id"`
	InvoiceID     int64  `json:"invoice_id,omitempty"`
	InvoiceNumber string `json:"invoice_number,omitempty"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

// RunReport is the externally observable contract of one batch run.
type RunReport struct {
	RunID      string      `json:"run_id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Summary    RunSummary  `json:"summary"`
	Details    []RunDetail `json:"details"`
	Errors     []string    `json:"errors,omitempty"`
}

const jobNameRecurringRun = "billing:recurring:run"

// Runner iterates due templates sequentially, isolating per-item failures so
// one broken template never aborts the batch. No internal parallelism: the
// duplicate-invoice hazard is overlapping runs, handled by the run lock and
// the per-cycle idempotency guard.
type Runner struct {
	repo     RepositoryPort
	service  *Service
	notifier Notifier
	lock     *shared.RunLock
	cache    *ProjectionCache
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
	now      func() time.Time
}

// RunnerConfig collects runner dependencies.
type RunnerConfig struct {
	Repo     RepositoryPort
	Service  *Service
	Notifier Notifier
	Lock     *shared.RunLock
	Cache    *ProjectionCache
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewRunner constructs the batch runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		repo:     cfg.Repo,
		service:  cfg.Service,
		notifier: cfg.Notifier,
		lock:     cfg.Lock,
		cache:    cfg.Cache,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for tests and replay triggers.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	if now != nil {
		r.now = now
	}
	return r
}

// Run executes one batch at the current time.
func (r *Runner) Run(ctx context.Context) (*RunReport, error) {
	return r.RunAt(ctx, r.now())
}

// RunAt executes one batch as of the given instant. Selector failures are
// fatal (no partial report); everything after selection is contained
// per-item.
func (r *Runner) RunAt(ctx context.Context, now time.Time) (*RunReport, error) {
	runID := uuid.NewString()

	if err := r.lock.Acquire(ctx, runID); err != nil {
		if errors.Is(err, shared.ErrLockHeld) {
			return nil, ErrRunInProgress
		}
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		if err := r.lock.Release(context.WithoutCancel(ctx), runID); err != nil {
			r.logger.Warn("release run lock", slog.Any("error", err))
		}
	}()

	tracker := r.metrics.Track(jobNameRecurringRun)
	report, err := r.process(ctx, runID, now)
	_ = tracker.End(err)
	return report, err
}

func (r *Runner) process(ctx context.Context, runID string, now time.Time) (*RunReport, error) {
	report := &RunReport{RunID: runID, StartedAt: now}

	due, err := r.repo.FindDueTemplates(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("find due templates: %w", err)
	}
	report.Summary.Total = len(due)

	for _, tpl := range due {
		detail := RunDetail{TemplateID: tpl.ID}
		inv, err := r.service.Generate(ctx, tpl, now)
		switch {
		case err == nil:
			report.Summary.Processed++
			detail.Status = "processed"
			detail.InvoiceID = inv.ID
			detail.InvoiceNumber = inv.Number
			if tpl.AutoSend && r.notifier != nil {
				if nerr := r.notifier.Dispatch(ctx, *inv, tpl); nerr != nil {
					r.logger.Warn("dispatch notification",
						slog.Int64("template_id", tpl.ID),
						slog.Int64("invoice_id", inv.ID),
						slog.Any("error", nerr))
				}
			}
		case errors.Is(err, ErrCycleAlreadyGenerated),
			errors.Is(err, ErrMaxOccurrencesReached),
			errors.Is(err, ErrMissingClient):
			report.Summary.Skipped++
			detail.Status = "skipped"
			detail.Error = err.Error()
		default:
			report.Summary.Failed++
			detail.Status = "failed"
			detail.Error = err.Error()
			report.Errors = append(report.Errors, fmt.Sprintf("template %d: %v", tpl.ID, err))
			r.logger.Error("instantiate template",
				slog.Int64("template_id", tpl.ID),
				slog.Any("error", err))
		}
		report.Details = append(report.Details, detail)
	}

	report.FinishedAt = r.now()
	r.metrics.AddInvoices("processed", report.Summary.Processed)
	r.metrics.AddInvoices("skipped", report.Summary.Skipped)
	r.metrics.AddInvoices("failed", report.Summary.Failed)

	if report.Summary.Processed > 0 && r.cache != nil {
		if err := r.cache.Bump(ctx); err != nil {
			r.logger.Warn("bump projection cache", slog.Any("error", err))
		}
	}

	r.logger.Info("recurring generation run finished",
		slog.String("run_id", runID),
		slog.Int("total", report.Summary.Total),
		slog.Int("processed", report.Summary.Processed),
		slog.Int("failed", report.Summary.Failed),
		slog.Int("skipped", report.Summary.Skipped))
	return report, nil
}
