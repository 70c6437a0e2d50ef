package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Generated instances fall due 30 days after issue. Fixed policy for now.
const instanceDueDays = 30

var (
	// ErrNotRecurring indicates the record has no recurrence rule.
	ErrNotRecurring = errors.New("template is not recurring")
	// ErrMaxOccurrencesReached indicates the occurrence cap is exhausted.
	ErrMaxOccurrencesReached = errors.New("maximum occurrences reached")
	// ErrCycleAlreadyGenerated indicates an instance already covers the cycle.
	ErrCycleAlreadyGenerated = errors.New("invoice already generated for this cycle")
	// ErrMissingClient indicates the template has no billing contact.
	ErrMissingClient = errors.New("template has no client")
	// ErrNotOwner indicates the template belongs to a different user.
	ErrNotOwner = errors.New("template belongs to another user")
)

// Service instantiates invoices from due templates. It is the only writer of
// template schedule state.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source, used by tests and replay triggers.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Generate produces one invoice instance from a due template and advances the
// template's schedule, atomically. The instance insert and the template
// update commit together or not at all; a duplicate cycle surfaces as
// ErrCycleAlreadyGenerated and leaves everything untouched.
func (s *Service) Generate(ctx context.Context, tpl Template, now time.Time) (*Invoice, error) {
	if tpl.Recurrence == nil {
		return nil, ErrNotRecurring
	}
	// The selector carries drifted recurrence values through; reject them
	// here, before the transaction opens.
	if _, err := ParseKind(string(*tpl.Recurrence)); err != nil {
		return nil, err
	}
	if tpl.CapReached() {
		return nil, ErrMaxOccurrencesReached
	}
	if tpl.ClientID == 0 {
		return nil, ErrMissingClient
	}

	next, err := NextIssueDate(*tpl.Recurrence, now, tpl.SendDay)
	if err != nil {
		return nil, err
	}

	inv := Invoice{
		ParentID:       tpl.ID,
		CycleDate:      Midnight(tpl.NextIssueDate),
		Status:         StatusPending,
		IssuedDate:     now,
		DueDate:        now.AddDate(0, 0, instanceDueDays),
		Items:          copyItems(tpl.Items),
		TaxRate:        tpl.TaxRate,
		Discount:       tpl.Discount,
		Currency:       tpl.Currency,
		ClientID:       tpl.ClientID,
		IssuedByID:     tpl.IssuedByID,
		OrganisationID: tpl.OrganisationID,
		ProjectID:      tpl.ProjectID,
		Notes:          tpl.Notes,
		CreatedAt:      now,
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxPort) error {
		exists, err := tx.InstanceExists(ctx, tpl.ID, inv.CycleDate)
		if err != nil {
			return err
		}
		if exists {
			return ErrCycleAlreadyGenerated
		}

		number, err := tx.NextInvoiceNumber(ctx, tpl.OrganisationID, now)
		if err != nil {
			return err
		}
		inv.Number = number

		id, err := tx.CreateInvoice(ctx, inv)
		if err != nil {
			return err
		}
		inv.ID = id

		for i := range inv.Items {
			itemID, err := tx.InsertInvoiceItem(ctx, id, inv.Items[i])
			if err != nil {
				return fmt.Errorf("copy line %d: %w", i, err)
			}
			inv.Items[i].ID = itemID
		}

		var sentAt *time.Time
		if tpl.AutoSend {
			sentAt = &now
		}
		return tx.AdvanceTemplate(ctx, tpl.ID, next, sentAt)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("generated recurring invoice",
		slog.Int64("template_id", tpl.ID),
		slog.String("invoice_number", inv.Number),
		slog.String("cycle", inv.CycleDate.Format("2006-01-02")))
	return &inv, nil
}

// GenerateManual drives the per-template trigger for an authenticated user.
// The template must exist and belong to the caller; a reached cap is a domain
// error, not a silent skip. Returns the instance plus the refreshed template.
func (s *Service) GenerateManual(ctx context.Context, templateID int64, userID string) (*Invoice, *Template, error) {
	tpl, err := s.repo.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, nil, fmt.Errorf("get template: %w", err)
	}
	if uid, err := strconv.ParseInt(userID, 10, 64); err != nil || tpl.IssuedByID != uid {
		return nil, nil, ErrNotOwner
	}

	inv, err := s.Generate(ctx, *tpl, s.now())
	if err != nil {
		return nil, nil, err
	}

	updated, err := s.repo.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, nil, fmt.Errorf("reload template: %w", err)
	}
	return inv, updated, nil
}
