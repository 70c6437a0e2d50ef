package billing

import (
	"context"
	"time"

	"github.com/lumina-crm/lumina/internal/shared"
)

// ErrNotFound indicates a missing billing record. Aliased to the shared
// sentinel so callers outside the package can test for it without importing
// billing.
var ErrNotFound = shared.ErrNotFound

// RepositoryPort defines data access for the scheduling engine. Only the
// instantiator mutates templates; generated instances are written once and
// never touched again by this engine.
type RepositoryPort interface {
	// FindDueTemplates returns templates satisfying the due invariant at the
	// given day, earliest next_issue_date first.
	FindDueTemplates(ctx context.Context, today time.Time) ([]Template, error)
	GetTemplate(ctx context.Context, id int64) (*Template, error)
	ListActiveTemplates(ctx context.Context) ([]Template, error)
	GetClient(ctx context.Context, id int64) (*Client, error)
	WithTx(ctx context.Context, fn func(context.Context, TxPort) error) error
}

// TxPort exposes the operations that must commit atomically per due cycle.
type TxPort interface {
	// NextInvoiceNumber reserves a monotonic number scoped to the organisation.
	NextInvoiceNumber(ctx context.Context, organisationID int64, at time.Time) (string, error)
	// InstanceExists reports whether an instance already covers the cycle.
	InstanceExists(ctx context.Context, parentID int64, cycle time.Time) (bool, error)
	CreateInvoice(ctx context.Context, inv Invoice) (int64, error)
	InsertInvoiceItem(ctx context.Context, invoiceID int64, item LineItem) (int64, error)
	// AdvanceTemplate moves the schedule forward: sets next_issue_date,
	// increments occurrence_count and optionally stamps last_sent_at.
	AdvanceTemplate(ctx context.Context, id int64, next time.Time, sentAt *time.Time) error
}
