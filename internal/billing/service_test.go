package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepo struct {
	templates     map[int64]*Template
	invoices      map[int64]*Invoice
	invoiceItems  map[int64][]LineItem
	clients       map[int64]*Client
	nextInvoiceID int64
	sequence      int

	// Error injection
	txError            error
	findDueError       error
	createInvoiceError error
	insertItemError    error
	advanceError       error
	failParentID       int64
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		templates:     make(map[int64]*Template),
		invoices:      make(map[int64]*Invoice),
		invoiceItems:  make(map[int64][]LineItem),
		clients:       make(map[int64]*Client),
		nextInvoiceID: 1,
	}
}

func (m *mockRepo) FindDueTemplates(ctx context.Context, today time.Time) ([]Template, error) {
	if m.findDueError != nil {
		return nil, m.findDueError
	}
	var due []Template
	for _, tpl := range m.templates {
		if tpl.Due(today) {
			due = append(due, *tpl)
		}
	}
	return due, nil
}

func (m *mockRepo) GetTemplate(ctx context.Context, id int64) (*Template, error) {
	tpl, ok := m.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *tpl
	copied.Items = copyItems(tpl.Items)
	return &copied, nil
}

func (m *mockRepo) ListActiveTemplates(ctx context.Context) ([]Template, error) {
	var out []Template
	for _, tpl := range m.templates {
		if tpl.Recurrence != nil && tpl.AutoGenerate {
			out = append(out, *tpl)
		}
	}
	return out, nil
}

func (m *mockRepo) GetClient(ctx context.Context, id int64) (*Client, error) {
	c, ok := m.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *mockRepo) WithTx(ctx context.Context, fn func(context.Context, TxPort) error) error {
	if m.txError != nil {
		return m.txError
	}
	// Snapshot so a failed callback leaves nothing behind, mirroring a
	// rolled back transaction.
	snapshot := m.snapshot()
	if err := fn(ctx, &mockTx{repo: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type repoSnapshot struct {
	templates     map[int64]*Template
	invoices      map[int64]*Invoice
	invoiceItems  map[int64][]LineItem
	nextInvoiceID int64
	sequence      int
}

func (m *mockRepo) snapshot() repoSnapshot {
	s := repoSnapshot{
		templates:     make(map[int64]*Template, len(m.templates)),
		invoices:      make(map[int64]*Invoice, len(m.invoices)),
		invoiceItems:  make(map[int64][]LineItem, len(m.invoiceItems)),
		nextInvoiceID: m.nextInvoiceID,
		sequence:      m.sequence,
	}
	for id, tpl := range m.templates {
		copied := *tpl
		s.templates[id] = &copied
	}
	for id, inv := range m.invoices {
		copied := *inv
		s.invoices[id] = &copied
	}
	for id, items := range m.invoiceItems {
		s.invoiceItems[id] = append([]LineItem(nil), items...)
	}
	return s
}

func (m *mockRepo) restore(s repoSnapshot) {
	m.templates = s.templates
	m.invoices = s.invoices
	m.invoiceItems = s.invoiceItems
	m.nextInvoiceID = s.nextInvoiceID
	m.sequence = s.sequence
}

// ============================================================================
// MOCK TX REPOSITORY
// ============================================================================

type mockTx struct {
	repo *mockRepo
}

func (tx *mockTx) NextInvoiceNumber(ctx context.Context, organisationID int64, at time.Time) (string, error) {
	tx.repo.sequence++
	return fmt.Sprintf("INV-%s-%04d", at.Format("0601"), tx.repo.sequence), nil
}

func (tx *mockTx) InstanceExists(ctx context.Context, parentID int64, cycle time.Time) (bool, error) {
	for _, inv := range tx.repo.invoices {
		if inv.ParentID == parentID && inv.CycleDate.Equal(cycle) {
			return true, nil
		}
	}
	return false, nil
}

func (tx *mockTx) CreateInvoice(ctx context.Context, inv Invoice) (int64, error) {
	if tx.repo.createInvoiceError != nil {
		return 0, tx.repo.createInvoiceError
	}
	if tx.repo.failParentID != 0 && inv.ParentID == tx.repo.failParentID {
		return 0, errors.New("insert rejected")
	}
	for _, existing := range tx.repo.invoices {
		if existing.ParentID == inv.ParentID && existing.CycleDate.Equal(inv.CycleDate) {
			return 0, ErrCycleAlreadyGenerated
		}
	}
	id := tx.repo.nextInvoiceID
	tx.repo.nextInvoiceID++
	inv.ID = id
	tx.repo.invoices[id] = &inv
	return id, nil
}

func (tx *mockTx) InsertInvoiceItem(ctx context.Context, invoiceID int64, item LineItem) (int64, error) {
	if tx.repo.insertItemError != nil {
		return 0, tx.repo.insertItemError
	}
	item.ID = int64(len(tx.repo.invoiceItems[invoiceID]) + 1)
	tx.repo.invoiceItems[invoiceID] = append(tx.repo.invoiceItems[invoiceID], item)
	return item.ID, nil
}

func (tx *mockTx) AdvanceTemplate(ctx context.Context, id int64, next time.Time, sentAt *time.Time) error {
	if tx.repo.advanceError != nil {
		return tx.repo.advanceError
	}
	tpl, ok := tx.repo.templates[id]
	if !ok {
		return ErrNotFound
	}
	tpl.NextIssueDate = next
	tpl.OccurrenceCount++
	if sentAt != nil {
		tpl.LastSentAt = sentAt
	}
	return nil
}

// ============================================================================
// TEST HELPERS
// ============================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func seedTemplate(repo *mockRepo, id int64, kind Kind) *Template {
	k := kind
	tpl := &Template{
		ID:             id,
		InvoiceNumber:  fmt.Sprintf("INV-TPL-%d", id),
		Recurrence:     &k,
		NextIssueDate:  date(2026, time.March, 1),
		AutoGenerate:   true,
		Currency:       "USD",
		TaxRate:        10,
		ClientID:       id * 10,
		IssuedByID:     100,
		OrganisationID: 1,
		Items: []LineItem{
			{Description: "Retainer", Quantity: 1, Rate: 500, Total: 500},
			{Description: "Hosting", Quantity: 2, Rate: 25, Total: 50},
		},
	}
	repo.templates[id] = tpl
	repo.clients[tpl.ClientID] = &Client{ID: tpl.ClientID, Name: "Acme", Email: "billing@acme.test"}
	return tpl
}

// ============================================================================
// GENERATE TESTS
// ============================================================================

func TestGenerateCreatesInvoiceAndAdvancesSchedule(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, testLogger())
	tpl := seedTemplate(repo, 1, KindMonthly)
	now := date(2026, time.March, 5)

	inv, err := svc.Generate(context.Background(), *tpl, now)
	require.NoError(t, err)
	require.NotNil(t, inv)

	assert.Equal(t, tpl.ID, inv.ParentID)
	assert.Equal(t, date(2026, time.March, 1), inv.CycleDate)
	assert.Equal(t, StatusPending, inv.Status)
	assert.Equal(t, now, inv.IssuedDate)
	assert.Equal(t, now.AddDate(0, 0, 30), inv.DueDate)
	assert.Equal(t, "INV-2603-0001", inv.Number)
	assert.Len(t, inv.Items, 2)
	assert.InDelta(t, 605, inv.Amounts().Total, 0.001)

	stored := repo.templates[1]
	assert.Equal(t, 1, stored.OccurrenceCount)
	assert.Equal(t, date(2026, time.April, 5), stored.NextIssueDate)
	assert.Nil(t, stored.LastSentAt)
}

func TestGenerateAutoSendStampsLastSentAt(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, testLogger())
	tpl := seedTemplate(repo, 1, KindWeekly)
	tpl.AutoSend = true
	now := date(2026, time.March, 2)

	_, err := svc.Generate(context.Background(), *tpl, now)
	require.NoError(t, err)

	stored := repo.templates[1]
	require.NotNil(t, stored.LastSentAt)
	assert.Equal(t, now, *stored.LastSentAt)
}

func TestGenerateDuplicateCycle(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, testLogger())
	tpl := seedTemplate(repo, 1, KindMonthly)
	now := date(2026, time.March, 5)

	first, err := svc.Generate(context.Background(), *tpl, now)
	require.NoError(t, err)

	// Replaying with the stale template snapshot targets the same cycle.
	_, err = svc.Generate(context.Background(), *tpl, now)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycleAlreadyGenerated))

	// Exactly one instance and one schedule advance.
	assert.Len(t, repo.invoices, 1)
	assert.Equal(t, 1, repo.templates[1].OccurrenceCount)
	assert.Equal(t, first.ID, repo.invoices[first.ID].ID)
}

func TestGenerateCapReached(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, testLogger())
	tpl := seedTemplate(repo, 1, KindMonthly)
	tpl.MaxOccurrences = intPtr(3)
	tpl.OccurrenceCount = 3

	_, err := svc.Generate(context.Background(), *tpl, date(2026, time.March, 5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMaxOccurrencesReached))
	assert.Empty(t, repo.invoices)
}

func TestGenerateNotRecurring(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, testLogger())
	tpl := seedTemplate(repo, 1, KindMonthly)
	tpl.Recurrence = nil

	_, err := svc.Generate(context.Background(), *tpl, date(2026, time.March, 5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotRecurring))
}

func TestGenerateMissingClient(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, testLogger())
	tpl := seedTemplate(repo, 1, KindMonthly)
	tpl.ClientID = 0

	_, err := svc.Generate(context.Background(), *tpl, date(2026, time.March, 5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingClient))
}

func TestGenerateUnknownRecurrence(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, testLogger())
	tpl := seedTemplate(repo, 1, Kind("FORTNIGHTLY"))

	_, err := svc.Generate(context.Background(), *tpl, date(2026, time.March, 5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownRecurrence))
	assert.Empty(t, repo.invoices)
	assert.Equal(t, 0, repo.templates[1].OccurrenceCount)
}

func TestGenerateWriteFailureLeavesTemplateUntouched(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, testLogger())
	seedTemplate(repo, 1, KindMonthly)
	repo.advanceError = errors.New("connection reset")

	_, err := svc.Generate(context.Background(), *repo.templates[1], date(2026, time.March, 5))
	require.Error(t, err)

	// The instance insert and the schedule advance roll back together.
	assert.Empty(t, repo.invoices)
	assert.Empty(t, repo.invoiceItems)
	assert.Equal(t, 0, repo.templates[1].OccurrenceCount)
	assert.Equal(t, date(2026, time.March, 1), repo.templates[1].NextIssueDate)
}

func TestGenerateCopiesItems(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, testLogger())
	tpl := seedTemplate(repo, 1, KindMonthly)

	inv, err := svc.Generate(context.Background(), *tpl, date(2026, time.March, 5))
	require.NoError(t, err)

	inv.Items[0].Total = 9999
	assert.Equal(t, 500.0, tpl.Items[0].Total)
}

// ============================================================================
// MANUAL TRIGGER TESTS
// ============================================================================

func TestGenerateManual(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, testLogger()).WithClock(func() time.Time {
		return date(2026, time.March, 5)
	})
	seedTemplate(repo, 1, KindMonthly)

	inv, tpl, err := svc.GenerateManual(context.Background(), 1, "100")
	require.NoError(t, err)
	require.NotNil(t, inv)
	require.NotNil(t, tpl)

	assert.Equal(t, int64(1), inv.ParentID)
	assert.Equal(t, 1, tpl.OccurrenceCount)
	assert.Equal(t, date(2026, time.April, 5), tpl.NextIssueDate)
}

func TestGenerateManualNotFound(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, testLogger())

	_, _, err := svc.GenerateManual(context.Background(), 42, "100")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGenerateManualNotOwner(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, testLogger())
	seedTemplate(repo, 1, KindMonthly)

	_, _, err := svc.GenerateManual(context.Background(), 1, "200")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotOwner))
	assert.Empty(t, repo.invoices)
}

func TestGenerateManualCapReached(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, testLogger())
	tpl := seedTemplate(repo, 1, KindMonthly)
	tpl.MaxOccurrences = intPtr(1)
	tpl.OccurrenceCount = 1

	_, _, err := svc.GenerateManual(context.Background(), 1, "100")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMaxOccurrencesReached))
}
