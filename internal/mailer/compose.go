package mailer

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/mmeshcher/invoicing-system/internal/model"
)

var invoiceHTML = template.Must(template.New("invoice").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #222;">
  <p>Hello {{.Payer}},</p>
  <p>Please find attached invoice <strong>{{.Number}}</strong> from {{.Receiver}}.</p>
  <table cellpadding="4">
    <tr><td>Amount</td><td><strong>{{.Amount}} {{.Currency}}</strong></td></tr>
    <tr><td>Issued</td><td>{{.IssuedAt}}</td></tr>
    <tr><td>Due</td><td>{{.ExpiredAt}}</td></tr>
  </table>
  {{if .Description}}<p>{{.Description}}</p>{{end}}
  <p>Kind regards,<br>{{.Receiver}}</p>
</body>
</html>
`))

type invoiceData struct {
	Number      string
	Payer       string
	Receiver    string
	Amount      string
	Currency    string
	IssuedAt    string
	ExpiredAt   string
	Description string
}

// ComposeInvoice готовит письмо со счётом для плательщика. pdf прикладывается как вложение.
func ComposeInvoice(view model.InvoiceView, pdf []byte) (*Message, error) {
	inv := view.Invoice
	data := invoiceData{
		Number:      inv.Number,
		Payer:       view.Payer.DisplayName(),
		Receiver:    view.Receiver.DisplayName(),
		Amount:      inv.Amount.StringFixed(2),
		Currency:    inv.Currency,
		IssuedAt:    inv.IssuedAt.Format("2006-01-02"),
		ExpiredAt:   inv.ExpiredAt.Format("2006-01-02"),
		Description: inv.Description,
	}

	var html bytes.Buffer
	if err := invoiceHTML.Execute(&html, data); err != nil {
		return nil, fmt.Errorf("render invoice email: %w", err)
	}

	text := fmt.Sprintf("Hello %s,\n\nPlease find attached invoice %s from %s.\n\nAmount: %s %s\nIssued: %s\nDue: %s\n",
		data.Payer, data.Number, data.Receiver, data.Amount, data.Currency, data.IssuedAt, data.ExpiredAt)
	if data.Description != "" {
		text += "\n" + data.Description + "\n"
	}
	text += "\nKind regards,\n" + data.Receiver + "\n"

	msg := &Message{
		FromName: data.Receiver,
		To:       []string{view.Payer.Email},
		Subject:  fmt.Sprintf("Invoice %s from %s", inv.Number, data.Receiver),
		TextBody: text,
		HTMLBody: html.String(),
	}
	if len(pdf) > 0 {
		msg.Attachments = []Attachment{{
			Filename:    AttachmentName(inv.Number),
			ContentType: "application/pdf",
			Content:     pdf,
		}}
	}

	return msg, nil
}

// AttachmentName возвращает имя PDF-файла счёта, пригодное для файловой системы.
func AttachmentName(number string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, number)
	if safe == "" {
		safe = "invoice"
	}
	return "invoice-" + safe + ".pdf"
}
