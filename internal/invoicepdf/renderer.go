// Package invoicepdf формирует PDF-документ счёта.
package invoicepdf

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/mmeshcher/invoicing-system/internal/apperr"
	"github.com/mmeshcher/invoicing-system/internal/model"
)

// Renderer рисует счёт на странице A4.
type Renderer struct {
	now func() time.Time
}

// NewRenderer создаёт Renderer.
func NewRenderer() *Renderer {
	return &Renderer{now: time.Now}
}

// Render возвращает PDF счёта. Ошибки построения документа возвращаются как ErrTransport.
func (r *Renderer) Render(ctx context.Context, view model.InvoiceView) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrTransport, "render pdf")
	}

	inv := view.Invoice

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(r.now())
	pdf.SetTitle("Invoice "+inv.Number, true)
	pdf.SetAuthor(view.Receiver.DisplayName(), true)
	pdf.SetMargins(20, 20, 20)
	pdf.AddPage()

	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Helvetica", "B", 20)
	pdf.CellFormat(0, 12, tr("INVOICE"), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	pdf.CellFormat(0, 6, tr("No. "+inv.Number), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Issued: "+inv.IssuedAt.Format("2006-01-02"), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Due: "+inv.ExpiredAt.Format("2006-01-02"), "", 1, "L", false, 0, "")
	if inv.FulfilledAt != nil {
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(0, 6, "PAID "+inv.FulfilledAt.Format("2006-01-02"), "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 11)
	}
	pdf.Ln(8)

	party := func(title string, c model.Company) {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 11)
		lines := []string{c.Name, c.Address, c.Email}
		for _, l := range lines {
			for _, part := range strings.Split(l, "\n") {
				if part = strings.TrimSpace(part); part != "" {
					pdf.CellFormat(0, 5, tr(part), "", 1, "L", false, 0, "")
				}
			}
		}
		pdf.Ln(4)
	}
	party("From", view.Receiver)
	party("Bill to", view.Payer)

	pdf.SetFont("Helvetica", "B", 11)
	pdf.SetFillColor(235, 235, 235)
	pdf.CellFormat(120, 8, "Description", "1", 0, "L", true, 0, "")
	pdf.CellFormat(50, 8, "Amount", "1", 1, "R", true, 0, "")

	pdf.SetFont("Helvetica", "", 11)
	description := inv.Description
	if description == "" {
		description = "Services"
	}
	pdf.CellFormat(120, 8, tr(description), "1", 0, "L", false, 0, "")
	pdf.CellFormat(50, 8, inv.Amount.StringFixed(2)+" "+inv.Currency, "1", 1, "R", false, 0, "")

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(120, 10, "Total", "", 0, "R", false, 0, "")
	pdf.CellFormat(50, 10, inv.Amount.StringFixed(2)+" "+inv.Currency, "", 1, "R", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrTransport, "render pdf")
	}
	return buf.Bytes(), nil
}
