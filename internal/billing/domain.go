package billing

import "time"

// Kind enumerates recurrence frequencies.
type Kind string

const (
	KindWeekly    Kind = "WEEKLY"
	KindMonthly   Kind = "MONTHLY"
	KindQuarterly Kind = "QUARTERLY"
	KindYearly    Kind = "YEARLY"
)

// InvoiceStatus enumerates generated invoice statuses. Later transitions
// (payment, cancellation) belong to the invoice management module.
type InvoiceStatus string

const (
	StatusPending InvoiceStatus = "PENDING"
)

// LineItem is one billing line on a template or a generated instance.
type LineItem struct {
	ID          int64   `json:"id,omitempty"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	Rate        float64 `json:"rate"`
	Total       float64 `json:"total"`
}

// Template is a recurring invoice template. A nil Recurrence means the record
// is an ordinary invoice and never enters the scheduling engine.
type Template struct {
	ID             int64      `json:"id"`
	InvoiceNumber  string     `json:"invoice_number"`
	Recurrence     *Kind      `json:"recurrence,omitempty"`
	NextIssueDate  time.Time  `json:"next_issue_date"`
	SendDay        *int       `json:"send_day,omitempty"`
	OccurrenceCount int       `json:"occurrence_count"`
	MaxOccurrences *int       `json:"max_occurrences,omitempty"`
	AutoGenerate   bool       `json:"auto_generate"`
	AutoSend       bool       `json:"auto_send"`
	LastSentAt     *time.Time `json:"last_sent_at,omitempty"`
	Items          []LineItem `json:"items,omitempty"`
	TaxRate        float64    `json:"tax_rate"`
	Discount       float64    `json:"discount"`
	Currency       string     `json:"currency"`
	ClientID       int64      `json:"client_id"`
	IssuedByID     int64      `json:"issued_by_id"`
	OrganisationID int64      `json:"organisation_id"`
	ProjectID      *int64     `json:"project_id,omitempty"`
	Notes          *string    `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Invoice is an immutable instance generated from a template.
type Invoice struct {
	ID             int64         `json:"id"`
	Number         string        `json:"number"`
	ParentID       int64         `json:"parent_id"`
	CycleDate      time.Time     `json:"cycle_date"`
	Status         InvoiceStatus `json:"status"`
	IssuedDate     time.Time     `json:"issued_date"`
	DueDate        time.Time     `json:"due_date"`
	Items          []LineItem    `json:"items"`
	TaxRate        float64       `json:"tax_rate"`
	Discount       float64       `json:"discount"`
	Currency       string        `json:"currency"`
	ClientID       int64         `json:"client_id"`
	IssuedByID     int64         `json:"issued_by_id"`
	OrganisationID int64         `json:"organisation_id"`
	ProjectID      *int64        `json:"project_id,omitempty"`
	Notes          *string       `json:"notes,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Client is the billing contact for a template, resolved at dispatch time.
type Client struct {
	ID    int64
	Name  string
	Email string
}

// Amounts summarises the money columns derived from line items.
type Amounts struct {
	Subtotal       float64 `json:"subtotal"`
	TaxAmount      float64 `json:"tax_amount"`
	DiscountAmount float64 `json:"discount_amount"`
	Total          float64 `json:"total"`
}

// Midnight truncates a timestamp to the start of its calendar day.
func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// CapReached reports whether the occurrence cap has been exhausted.
func (t Template) CapReached() bool {
	return t.MaxOccurrences != nil && t.OccurrenceCount >= *t.MaxOccurrences
}

// Remaining returns the number of cycles left before the cap. The second
// return is false for unbounded templates.
func (t Template) Remaining() (int, bool) {
	if t.MaxOccurrences == nil {
		return 0, false
	}
	return *t.MaxOccurrences - t.OccurrenceCount, true
}

// Due reports whether the template should be instantiated on the given day.
func (t Template) Due(today time.Time) bool {
	if t.Recurrence == nil || !t.AutoGenerate {
		return false
	}
	if t.CapReached() {
		return false
	}
	return !Midnight(t.NextIssueDate).After(Midnight(today))
}

// Amounts computes subtotal, tax, discount and total for the template's lines.
func (t Template) Amounts() Amounts {
	return calculateAmounts(t.Items, t.TaxRate, t.Discount)
}

// Amounts computes subtotal, tax, discount and total for the invoice lines.
func (i Invoice) Amounts() Amounts {
	return calculateAmounts(i.Items, i.TaxRate, i.Discount)
}

func calculateAmounts(items []LineItem, taxRate, discount float64) Amounts {
	var subtotal float64
	for _, item := range items {
		subtotal += item.Total
	}
	taxAmount := subtotal * taxRate / 100
	discountAmount := subtotal * discount / 100
	return Amounts{
		Subtotal:       subtotal,
		TaxAmount:      taxAmount,
		DiscountAmount: discountAmount,
		Total:          subtotal + taxAmount - discountAmount,
	}
}

// copyItems deep-copies billing lines so a generated instance never aliases
// the template's slice.
func copyItems(items []LineItem) []LineItem {
	if len(items) == 0 {
		return nil
	}
	out := make([]LineItem, len(items))
	for i, item := range items {
		out[i] = LineItem{
			Description: item.Description,
			Quantity:    item.Quantity,
			Rate:        item.Rate,
			Total:       item.Total,
		}
	}
	return out
}
