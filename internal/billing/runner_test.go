package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumina-crm/lumina/internal/shared"
)

type recordedDispatch struct {
	invoice  Invoice
	template Template
}

type mockNotifier struct {
	dispatches []recordedDispatch
	err        error
}

func (n *mockNotifier) Dispatch(ctx context.Context, inv Invoice, tpl Template) error {
	n.dispatches = append(n.dispatches, recordedDispatch{invoice: inv, template: tpl})
	return n.err
}

func newTestRunner(repo *mockRepo, notifier Notifier) *Runner {
	svc := NewService(repo, testLogger())
	return NewRunner(RunnerConfig{
		Repo:     repo,
		Service:  svc,
		Notifier: notifier,
		Logger:   testLogger(),
	})
}

func TestRunProcessesDueTemplates(t *testing.T) {
	repo := newMockRepo()
	seedTemplate(repo, 1, KindMonthly)
	seedTemplate(repo, 2, KindWeekly)
	notDue := seedTemplate(repo, 3, KindMonthly)
	notDue.NextIssueDate = date(2026, time.April, 1)

	runner := newTestRunner(repo, nil)
	report, err := runner.RunAt(context.Background(), date(2026, time.March, 5))
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 2, report.Summary.Total)
	assert.Equal(t, 2, report.Summary.Processed)
	assert.Equal(t, 0, report.Summary.Failed)
	assert.Equal(t, 0, report.Summary.Skipped)
	assert.Len(t, report.Details, 2)
	assert.Len(t, repo.invoices, 2)
}

func TestRunIsolatesPerTemplateFailure(t *testing.T) {
	repo := newMockRepo()
	broken := seedTemplate(repo, 1, KindMonthly)
	seedTemplate(repo, 2, KindMonthly)
	repo.failParentID = broken.ID

	runner := newTestRunner(repo, nil)
	report, err := runner.RunAt(context.Background(), date(2026, time.March, 5))
	require.NoError(t, err)

	assert.Equal(t, 2, report.Summary.Total)
	assert.Equal(t, 1, report.Summary.Processed)
	assert.Equal(t, 1, report.Summary.Failed)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "template 1")

	// The broken template's schedule must be untouched so the next run
	// retries the same cycle.
	assert.Equal(t, 0, repo.templates[1].OccurrenceCount)
	assert.Equal(t, date(2026, time.March, 1), repo.templates[1].NextIssueDate)
	assert.Equal(t, 1, repo.templates[2].OccurrenceCount)
	assert.Len(t, repo.invoices, 1)
}

func TestRunContainsDriftedRecurrenceValue(t *testing.T) {
	repo := newMockRepo()
	drifted := seedTemplate(repo, 1, Kind("DAILY"))
	healthy := seedTemplate(repo, 2, KindMonthly)

	runner := newTestRunner(repo, nil)
	report, err := runner.RunAt(context.Background(), date(2026, time.March, 5))
	require.NoError(t, err)

	assert.Equal(t, 2, report.Summary.Total)
	assert.Equal(t, 1, report.Summary.Processed)
	assert.Equal(t, 1, report.Summary.Failed)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "unknown recurrence")

	// The bad value never advances, the healthy template still generates.
	assert.Equal(t, 0, repo.templates[drifted.ID].OccurrenceCount)
	assert.Equal(t, 1, repo.templates[healthy.ID].OccurrenceCount)
	assert.Len(t, repo.invoices, 1)
}

func TestRunCountsSkips(t *testing.T) {
	repo := newMockRepo()
	capped := seedTemplate(repo, 1, KindMonthly)
	capped.MaxOccurrences = intPtr(2)
	seedTemplate(repo, 2, KindMonthly)

	// Pre-existing instance for template 1's current cycle: the selector
	// still returns it, the instantiator skips it.
	repo.invoices[99] = &Invoice{ID: 99, ParentID: 1, CycleDate: date(2026, time.March, 1)}
	repo.nextInvoiceID = 100

	runner := newTestRunner(repo, nil)
	report, err := runner.RunAt(context.Background(), date(2026, time.March, 5))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Summary.Processed)
	assert.Equal(t, 1, report.Summary.Skipped)
	assert.Equal(t, 0, report.Summary.Failed)

	var skipped RunDetail
	for _, d := range report.Details {
		if d.Status == "skipped" {
			skipped = d
		}
	}
	assert.Equal(t, int64(1), skipped.TemplateID)
	assert.Contains(t, skipped.Error, "already generated")
}

func TestRunSelectorFailureIsFatal(t *testing.T) {
	repo := newMockRepo()
	repo.findDueError = errors.New("database unavailable")

	runner := newTestRunner(repo, nil)
	report, err := runner.RunAt(context.Background(), date(2026, time.March, 5))
	require.Error(t, err)
	assert.Nil(t, report)
}

func TestRunDispatchesAutoSendOnly(t *testing.T) {
	repo := newMockRepo()
	autoSend := seedTemplate(repo, 1, KindMonthly)
	autoSend.AutoSend = true
	seedTemplate(repo, 2, KindMonthly)

	notifier := &mockNotifier{}
	runner := newTestRunner(repo, notifier)
	report, err := runner.RunAt(context.Background(), date(2026, time.March, 5))
	require.NoError(t, err)

	assert.Equal(t, 2, report.Summary.Processed)
	require.Len(t, notifier.dispatches, 1)
	assert.Equal(t, int64(1), notifier.dispatches[0].template.ID)
	assert.NotZero(t, notifier.dispatches[0].invoice.ID)
}

func TestRunNotificationFailureDoesNotFailItem(t *testing.T) {
	repo := newMockRepo()
	tpl := seedTemplate(repo, 1, KindMonthly)
	tpl.AutoSend = true

	notifier := &mockNotifier{err: errors.New("smtp: connection refused")}
	runner := newTestRunner(repo, notifier)
	report, err := runner.RunAt(context.Background(), date(2026, time.March, 5))
	require.NoError(t, err)

	// The invoice exists and the schedule advanced even though the send
	// failed: delivery is best-effort after commit.
	assert.Equal(t, 1, report.Summary.Processed)
	assert.Equal(t, 0, report.Summary.Failed)
	assert.Empty(t, report.Errors)
	assert.Len(t, repo.invoices, 1)
	assert.Equal(t, 1, repo.templates[1].OccurrenceCount)
}

func TestRunEmptySelection(t *testing.T) {
	repo := newMockRepo()
	runner := newTestRunner(repo, nil)

	report, err := runner.RunAt(context.Background(), date(2026, time.March, 5))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Summary.Total)
	assert.Empty(t, report.Details)
}

func TestRunRespectsLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lock := shared.NewRunLock(client, shared.BillingRunLockKey(), time.Minute)
	require.NoError(t, lock.Acquire(context.Background(), "other-run"))

	repo := newMockRepo()
	seedTemplate(repo, 1, KindMonthly)
	runner := NewRunner(RunnerConfig{
		Repo:    repo,
		Service: NewService(repo, testLogger()),
		Lock:    lock,
		Logger:  testLogger(),
	})

	_, err := runner.RunAt(context.Background(), date(2026, time.March, 5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunInProgress))
	assert.Empty(t, repo.invoices)

	// Once the holder releases, the run proceeds and releases its own lease.
	require.NoError(t, lock.Release(context.Background(), "other-run"))
	report, err := runner.RunAt(context.Background(), date(2026, time.March, 5))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.Processed)
	assert.False(t, mr.Exists(shared.BillingRunLockKey()))
}

func TestRunBumpsProjectionCacheVersion(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cache := NewProjectionCache(client, time.Minute)
	ctx := context.Background()
	ver, err := cache.Version(ctx)
	require.NoError(t, err)

	repo := newMockRepo()
	seedTemplate(repo, 1, KindMonthly)
	runner := NewRunner(RunnerConfig{
		Repo:    repo,
		Service: NewService(repo, testLogger()),
		Cache:   cache,
		Logger:  testLogger(),
	})

	_, err = runner.RunAt(ctx, date(2026, time.March, 5))
	require.NoError(t, err)

	after, err := cache.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, ver+1, after)
}
