package notify

import (
	"embed"
	"fmt"
	"html/template"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/lumina-crm/lumina/internal/billing"
)

//go:embed templates/*.html
var templateFS embed.FS

var emailTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type emailLine struct {
	Description string
	Quantity    string
	Rate        string
	Total       string
}

type emailData struct {
	ClientName     string
	Number         string
	IssuedDate     string
	DueDate        string
	Currency       string
	Lines          []emailLine
	Subtotal       string
	TaxRate        string
	TaxAmount      string
	Discount       string
	DiscountAmount string
	Total          string
	Notes          string
}

// RenderInvoiceEmail produces the HTML notification body for an invoice.
func RenderInvoiceEmail(inv billing.Invoice, client billing.Client) (string, error) {
	printer := message.NewPrinter(language.English)
	amount := func(v float64) string {
		return printer.Sprintf("%s %.2f", inv.Currency, v)
	}

	amounts := inv.Amounts()
	data := emailData{
		ClientName:     client.Name,
		Number:         inv.Number,
		IssuedDate:     inv.IssuedDate.Format("2 January 2006"),
		DueDate:        inv.DueDate.Format("2 January 2006"),
		Currency:       inv.Currency,
		Subtotal:       amount(amounts.Subtotal),
		TaxRate:        printer.Sprintf("%.2f%%", inv.TaxRate),
		TaxAmount:      amount(amounts.TaxAmount),
		Discount:       printer.Sprintf("%.2f%%", inv.Discount),
		DiscountAmount: amount(amounts.DiscountAmount),
		Total:          amount(amounts.Total),
	}
	if inv.Notes != nil {
		data.Notes = *inv.Notes
	}
	for _, item := range inv.Items {
		data.Lines = append(data.Lines, emailLine{
			Description: item.Description,
			Quantity:    printer.Sprintf("%g", item.Quantity),
			Rate:        amount(item.Rate),
			Total:       amount(item.Total),
		})
	}

	var buf strings.Builder
	if err := emailTemplates.ExecuteTemplate(&buf, "invoice_email.html", data); err != nil {
		return "", fmt.Errorf("execute invoice email template: %w", err)
	}
	return buf.String(), nil
}
