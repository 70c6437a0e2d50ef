// Package notify dispatches generated invoices to clients and records the
// outcome as activity events. Sending is best-effort: a failed delivery never
// rolls back billing state.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/lumina-crm/lumina/internal/billing"
	"github.com/lumina-crm/lumina/internal/shared"
)

// Mailer delivers a rendered message.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Message is a rendered notification ready for delivery.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Directory resolves billing contacts.
type Directory interface {
	GetClient(ctx context.Context, id int64) (*billing.Client, error)
}

// ActivitySink records internal activity events for the audit trail.
type ActivitySink interface {
	Record(ctx context.Context, ev shared.ActivityEvent) error
}

// Notifier renders and sends invoice notifications under its own timeout so a
// slow mail server cannot stall the batch loop.
type Notifier struct {
	mailer    Mailer
	directory Directory
	activity  ActivitySink
	logger    *slog.Logger
	timeout   time.Duration
}

// New constructs a Notifier.
func New(mailer Mailer, directory Directory, activity ActivitySink, logger *slog.Logger, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		mailer:    mailer,
		directory: directory,
		activity:  activity,
		logger:    logger,
		timeout:   timeout,
	}
}

// Dispatch sends the invoice to the template's client and records an activity
// event for the outcome. The returned error is informational only; callers
// must not treat it as a processing failure.
func (n *Notifier) Dispatch(ctx context.Context, inv billing.Invoice, tpl billing.Template) error {
	client, err := n.directory.GetClient(ctx, tpl.ClientID)
	if err != nil {
		err = fmt.Errorf("resolve client %d: %w", tpl.ClientID, err)
		n.record(ctx, inv, tpl, "", err)
		return err
	}

	html, err := RenderInvoiceEmail(inv, *client)
	if err != nil {
		err = fmt.Errorf("render notification: %w", err)
		n.record(ctx, inv, tpl, client.Email, err)
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	err = n.mailer.Send(sendCtx, Message{
		To:      client.Email,
		Subject: fmt.Sprintf("Invoice %s", inv.Number),
		HTML:    html,
	})
	if err != nil {
		err = fmt.Errorf("send notification: %w", err)
	}
	n.record(ctx, inv, tpl, client.Email, err)
	return err
}

func (n *Notifier) record(ctx context.Context, inv billing.Invoice, tpl billing.Template, recipient string, sendErr error) {
	action := "invoice.sent"
	meta := map[string]any{
		"invoice_id":     inv.ID,
		"invoice_number": inv.Number,
		"template_id":    tpl.ID,
		"recipient":      recipient,
	}
	if sendErr != nil {
		action = "invoice.send_failed"
		meta["error"] = sendErr.Error()
		n.logger.Warn("invoice notification failed",
			slog.Int64("invoice_id", inv.ID),
			slog.Int64("template_id", tpl.ID),
			slog.Any("error", sendErr))
	}

	ev := shared.ActivityEvent{
		ActorID:  tpl.IssuedByID,
		Action:   action,
		Entity:   "invoice",
		EntityID: strconv.FormatInt(inv.ID, 10),
		Meta:     meta,
	}
	// The event must survive a cancelled batch context.
	if err := n.activity.Record(context.WithoutCancel(ctx), ev); err != nil {
		n.logger.Error("record activity event",
			slog.String("action", action),
			slog.Int64("invoice_id", inv.ID),
			slog.Any("error", err))
	}
}
