package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumina-crm/lumina/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence. Templates and generated
// instances share the invoices table; is_recurring distinguishes them.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

const templateColumns = `id, invoice_number, recurrence, next_issue_date, send_day, occurrence_count,
	max_occurrences, auto_generate, auto_send, last_sent_at, tax_rate, discount, currency,
	client_id, issued_by_id, organisation_id, project_id, notes, created_at, updated_at`

// FindDueTemplates returns due templates ordered by next_issue_date.
func (r *Repository) FindDueTemplates(ctx context.Context, today time.Time) ([]Template, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+templateColumns+` FROM invoices
		WHERE is_recurring
		  AND recurrence IS NOT NULL
		  AND auto_generate
		  AND next_issue_date <= $1
		  AND (max_occurrences IS NULL OR occurrence_count < max_occurrences)
		ORDER BY next_issue_date, id`, Midnight(today))
	if err != nil {
		return nil, fmt.Errorf("find due templates: %w", err)
	}
	defer rows.Close()
	templates, err := scanTemplates(rows)
	if err != nil {
		return nil, err
	}
	return r.attachItems(ctx, templates)
}

// GetTemplate loads a single recurring template with its lines.
func (r *Repository) GetTemplate(ctx context.Context, id int64) (*Template, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM invoices WHERE id = $1 AND is_recurring`, id)
	tpl, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	items, err := r.loadItems(ctx, r.pool, tpl.ID)
	if err != nil {
		return nil, err
	}
	tpl.Items = items
	return tpl, nil
}

// ListActiveTemplates returns recurring templates with auto-generation on.
func (r *Repository) ListActiveTemplates(ctx context.Context) ([]Template, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+templateColumns+` FROM invoices
		WHERE is_recurring AND recurrence IS NOT NULL AND auto_generate
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active templates: %w", err)
	}
	defer rows.Close()
	templates, err := scanTemplates(rows)
	if err != nil {
		return nil, err
	}
	return r.attachItems(ctx, templates)
}

// GetClient resolves the billing contact for dispatch.
func (r *Repository) GetClient(ctx context.Context, id int64) (*Client, error) {
	var c Client
	err := r.pool.QueryRow(ctx, `SELECT id, name, email FROM clients WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxPort) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

type txRepo struct {
	tx pgx.Tx
}

// NextInvoiceNumber reserves the next number from invoice_sequences.
// INV-{YYMM}-{SEQ}, sequence scoped per organisation and period.
func (t *txRepo) NextInvoiceNumber(ctx context.Context, organisationID int64, at time.Time) (string, error) {
	var seq int64
	period := at.Format("200601")
	err := t.tx.QueryRow(ctx, `
		INSERT INTO invoice_sequences (organisation_id, period, seq)
		VALUES ($1, $2, 1)
		ON CONFLICT (organisation_id, period)
		DO UPDATE SET seq = invoice_sequences.seq + 1
		RETURNING seq
	`, organisationID, period).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("next invoice number: %w", err)
	}
	return fmt.Sprintf("INV-%s-%04d", at.Format("0601"), seq), nil
}

// InstanceExists checks the idempotency guard for a due cycle.
func (t *txRepo) InstanceExists(ctx context.Context, parentID int64, cycle time.Time) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM invoices WHERE parent_invoice_id = $1 AND cycle_date = $2)`,
		parentID, Midnight(cycle)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("instance exists: %w", err)
	}
	return exists, nil
}

// CreateInvoice inserts the generated instance. The unique index on
// (parent_invoice_id, cycle_date) turns a racing duplicate into
// ErrCycleAlreadyGenerated instead of a second invoice.
func (t *txRepo) CreateInvoice(ctx context.Context, inv Invoice) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO invoices (invoice_number, is_recurring, parent_invoice_id, cycle_date, status,
			issued_date, due_date, tax_rate, discount, currency, client_id, issued_by_id,
			organisation_id, project_id, notes, created_at, updated_at)
		VALUES ($1, FALSE, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		RETURNING id
	`, inv.Number, inv.ParentID, Midnight(inv.CycleDate), inv.Status, inv.IssuedDate, inv.DueDate,
		inv.TaxRate, inv.Discount, inv.Currency, inv.ClientID, inv.IssuedByID, inv.OrganisationID,
		nullableInt8(inv.ProjectID), nullableText(inv.Notes), inv.CreatedAt).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrCycleAlreadyGenerated
		}
		return 0, fmt.Errorf("create invoice: %w", err)
	}
	return id, nil
}

// InsertInvoiceItem copies one billing line onto the instance.
func (t *txRepo) InsertInvoiceItem(ctx context.Context, invoiceID int64, item LineItem) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO invoice_items (invoice_id, description, quantity, rate, total)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, invoiceID, item.Description, item.Quantity, item.Rate, item.Total).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert invoice item: %w", err)
	}
	return id, nil
}

// AdvanceTemplate moves the schedule state forward within the same
// transaction that created the instance.
func (t *txRepo) AdvanceTemplate(ctx context.Context, id int64, next time.Time, sentAt *time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE invoices SET next_issue_date = $2,
			occurrence_count = occurrence_count + 1,
			last_sent_at = COALESCE($3, last_sent_at),
			updated_at = NOW()
		WHERE id = $1 AND is_recurring
	`, id, next, nullableTime(sentAt))
	if err != nil {
		return fmt.Errorf("advance template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) attachItems(ctx context.Context, templates []Template) ([]Template, error) {
	for i := range templates {
		items, err := r.loadItems(ctx, r.pool, templates[i].ID)
		if err != nil {
			return nil, err
		}
		templates[i].Items = items
	}
	return templates, nil
}

func (r *Repository) loadItems(ctx context.Context, q dbtx, invoiceID int64) ([]LineItem, error) {
	rows, err := q.Query(ctx,
		`SELECT id, description, quantity, rate, total FROM invoice_items WHERE invoice_id = $1 ORDER BY id`,
		invoiceID)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	defer rows.Close()
	var items []LineItem
	for rows.Next() {
		var item LineItem
		if err := rows.Scan(&item.ID, &item.Description, &item.Quantity, &item.Rate, &item.Total); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanTemplates(rows pgx.Rows) ([]Template, error) {
	var templates []Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *tpl)
	}
	return templates, rows.Err()
}

func scanTemplate(row pgx.Row) (*Template, error) {
	var (
		tpl        Template
		recurrence pgtype.Text
		nextIssue  pgtype.Date
		sendDay    pgtype.Int4
		maxOcc     pgtype.Int4
		lastSent   pgtype.Timestamptz
		projectID  pgtype.Int8
		notes      pgtype.Text
		createdAt  pgtype.Timestamptz
		updatedAt  pgtype.Timestamptz
	)
	err := row.Scan(&tpl.ID, &tpl.InvoiceNumber, &recurrence, &nextIssue, &sendDay,
		&tpl.OccurrenceCount, &maxOcc, &tpl.AutoGenerate, &tpl.AutoSend, &lastSent,
		&tpl.TaxRate, &tpl.Discount, &tpl.Currency, &tpl.ClientID, &tpl.IssuedByID,
		&tpl.OrganisationID, &projectID, &notes, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if recurrence.Valid {
		// Carried as-is even when outside the supported set. Generation
		// validates the kind per template, so one drifted row surfaces as a
		// per-item failure instead of aborting the whole selection.
		kind := Kind(recurrence.String)
		tpl.Recurrence = &kind
	}
	if nextIssue.Valid {
		tpl.NextIssueDate = nextIssue.Time
	}
	if sendDay.Valid {
		day := int(sendDay.Int32)
		tpl.SendDay = &day
	}
	if maxOcc.Valid {
		limit := int(maxOcc.Int32)
		tpl.MaxOccurrences = &limit
	}
	if lastSent.Valid {
		at := lastSent.Time
		tpl.LastSentAt = &at
	}
	if projectID.Valid {
		id := projectID.Int64
		tpl.ProjectID = &id
	}
	if notes.Valid {
		val := notes.String
		tpl.Notes = &val
	}
	if createdAt.Valid {
		tpl.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		tpl.UpdatedAt = updatedAt.Time
	}
	return &tpl, nil
}

func nullableInt8(v *int64) pgtype.Int8 {
	if v == nil {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: *v, Valid: true}
}

func nullableText(v *string) pgtype.Text {
	if v == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *v, Valid: true}
}

func nullableTime(v *time.Time) pgtype.Timestamptz {
	if v == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *v, Valid: true}
}
